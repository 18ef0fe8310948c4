// Package dist provides process groups for distributed evaluation: an
// in-process group for simulation and tests, and a gRPC rendezvous group
// for separate processes.
package dist

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// #region hub
// hub matches contributions from every rank into rounds.
type hub struct {
	world  int
	mu     sync.Mutex
	rounds map[uint64]*round
}

type round struct {
	parts   [][]byte
	seen    []bool
	arrived int
	pending int // readers yet to collect
	done    chan struct{}
}

func newHub(world int) *hub {
	return &hub{world: world, rounds: make(map[uint64]*round)}
}

func (h *hub) gather(ctx context.Context, seq uint64, rank int, payload []byte) ([][]byte, error) {
	if rank < 0 || rank >= h.world {
		return nil, fmt.Errorf("gather from rank %d of %d: %w", rank, h.world, ErrWorld)
	}
	h.mu.Lock()
	r, ok := h.rounds[seq]
	if !ok {
		r = &round{
			parts:   make([][]byte, h.world),
			seen:    make([]bool, h.world),
			pending: h.world,
			done:    make(chan struct{}),
		}
		h.rounds[seq] = r
	}
	if r.seen[rank] {
		h.mu.Unlock()
		return nil, fmt.Errorf("round %d rank %d: %w", seq, rank, ErrDuplicate)
	}
	r.seen[rank] = true
	r.parts[rank] = slices.Clone(payload)
	r.arrived++
	if r.arrived == h.world {
		close(r.done)
	}
	h.mu.Unlock()

	defer h.release(seq, r)
	select {
	case <-r.done:
		return slices.Clone(r.parts), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("round %d rank %d: %w", seq, rank, ctx.Err())
	}
}

func (h *hub) release(seq uint64, r *round) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.pending--
	if r.pending == 0 {
		delete(h.rounds, seq)
	}
}

// #endregion hub

// #region local-group
// LocalGroup is one rank of an in-process group; ranks run as goroutines.
type LocalGroup struct {
	hub  *hub
	rank int
	seq  uint64
}

// NewLocalGroups returns world ranks sharing one rendezvous.
func NewLocalGroups(world int) ([]*LocalGroup, error) {
	if world < 1 {
		return nil, fmt.Errorf("local group of %d: %w", world, ErrWorld)
	}
	h := newHub(world)
	gs := make([]*LocalGroup, world)
	for r := range gs {
		gs[r] = &LocalGroup{hub: h, rank: r}
	}
	return gs, nil
}

func (g *LocalGroup) Rank() int      { return g.rank }
func (g *LocalGroup) WorldSize() int { return g.hub.world }

func (g *LocalGroup) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	g.seq++
	return g.hub.gather(ctx, g.seq, g.rank, payload)
}

func (g *LocalGroup) Barrier(ctx context.Context) error {
	_, err := g.AllGather(ctx, nil)
	return err
}

// #endregion local-group

// #region shard
// ShardIndices returns the dataset indices rank evaluates: indices wrap
// around to pad the dataset to a multiple of world, then every world-th
// index starting at rank.
func ShardIndices(size, rank, world int) ([]int, error) {
	if world < 1 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("shard rank %d of %d: %w", rank, world, ErrWorld)
	}
	if size == 0 {
		return nil, nil
	}
	perRank := (size + world - 1) / world
	total := perRank * world
	out := make([]int, 0, perRank)
	for i := rank; i < total; i += world {
		out = append(out, i%size)
	}
	return out, nil
}

// #endregion shard
