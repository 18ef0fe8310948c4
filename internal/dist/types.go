package dist

import (
	"context"
	"errors"
)

var (
	// ErrWorld is returned for a world size below one or a rank outside it.
	ErrWorld = errors.New("dist: invalid rank or world size")
	// ErrProtocol is returned when a peer answers a collective with a
	// malformed or short message.
	ErrProtocol = errors.New("dist: malformed collective message")
	// ErrDuplicate is returned when a rank joins the same collective twice.
	ErrDuplicate = errors.New("dist: rank joined collective twice")
)

// #region group
// Group is a fixed set of cooperating processes. Collectives are matched by
// call order: the k-th AllGather of every rank forms one round. Every rank
// must call every collective; a missing rank blocks the others until ctx
// ends.
type Group interface {
	Rank() int
	WorldSize() int
	// AllGather contributes payload and returns every rank's payload,
	// indexed by rank.
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)
	// Barrier returns once every rank has reached it.
	Barrier(ctx context.Context) error
}

// #endregion group
