// Package collect merges per-rank partial result lists into one list in
// dataset order. FileCollector exchanges parts through a shared directory,
// CollectiveCollector through the process group's all-gather.
package collect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/uqseg/internal/dist"
	"github.com/danielpatrickdp/uqseg/internal/results"
)

// ErrMissingResults is returned when the merged parts cover fewer than size
// dataset indices.
var ErrMissingResults = errors.New("collect: missing results")

// DefaultTmpDir is the shared directory FileCollector uses when none is set.
const DefaultTmpDir = ".dist_test"

// #region collector
// Collector gathers every rank's part. The coordinator (rank 0) receives the
// merged list; other ranks receive nil.
type Collector interface {
	Collect(ctx context.Context, part []results.Result, size int) ([]results.Result, error)
}

// Merge interleaves parts round-robin (rank i holds indices i, i+W, ...) and
// drops the padding beyond size.
func Merge(parts [][]results.Result, size int) ([]results.Result, error) {
	longest := 0
	for _, p := range parts {
		longest = max(longest, len(p))
	}
	ordered := make([]results.Result, 0, size)
	for i := 0; i < longest && len(ordered) < size; i++ {
		for r, p := range parts {
			if len(ordered) == size {
				break
			}
			if i >= len(p) {
				return nil, fmt.Errorf("rank %d has no result at position %d (index %d): %w", r, i, len(ordered), ErrMissingResults)
			}
			ordered = append(ordered, p[i])
		}
	}
	if len(ordered) < size {
		return nil, fmt.Errorf("merged %d of %d results: %w", len(ordered), size, ErrMissingResults)
	}
	return ordered, nil
}

// #endregion collector

// #region file-collector
// FileCollector writes each part to TmpDir/part_<rank>.pb; after a barrier
// the coordinator reads, merges and removes the directory. With an empty
// TmpDir the coordinator creates a temporary directory and shares its path.
type FileCollector struct {
	Group  dist.Group
	TmpDir string
}

func (c *FileCollector) Collect(ctx context.Context, part []results.Result, size int) ([]results.Result, error) {
	rank, world := c.Group.Rank(), c.Group.WorldSize()
	dir, err := c.sharedDir(ctx, rank)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("part_%d.pb", rank))
	if err := os.WriteFile(path, results.Encode(part), 0o644); err != nil {
		return nil, fmt.Errorf("write part %d: %w", rank, err)
	}
	if err := c.Group.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("barrier after write: %w", err)
	}
	if rank != 0 {
		return nil, nil
	}

	parts := make([][]results.Result, world)
	for r := range world {
		p := filepath.Join(dir, fmt.Sprintf("part_%d.pb", r))
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", r, err)
		}
		if parts[r], err = results.Decode(data); err != nil {
			return nil, fmt.Errorf("decode part %d: %w", r, err)
		}
	}
	merged, err := Merge(parts, size)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("remove %s: %w", dir, err)
	}
	log.Printf("[COLLECT] merged %d results from %d ranks via %s", len(merged), world, dir)
	return merged, nil
}

// sharedDir resolves the exchange directory on every rank.
func (c *FileCollector) sharedDir(ctx context.Context, rank int) (string, error) {
	if c.TmpDir != "" {
		if err := os.MkdirAll(c.TmpDir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", c.TmpDir, err)
		}
		return c.TmpDir, nil
	}
	var mine []byte
	if rank == 0 {
		if err := os.MkdirAll(DefaultTmpDir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", DefaultTmpDir, err)
		}
		dir, err := os.MkdirTemp(DefaultTmpDir, "collect_")
		if err != nil {
			return "", fmt.Errorf("create collect dir: %w", err)
		}
		mine = []byte(dir)
	}
	all, err := c.Group.AllGather(ctx, mine)
	if err != nil {
		return "", fmt.Errorf("share collect dir: %w", err)
	}
	return string(all[0]), nil
}

// #endregion file-collector

// #region collective-collector
// CollectiveCollector all-gathers encoded parts. Lengths are exchanged
// first so every buffer can be padded to the same size, then trimmed on
// receipt.
type CollectiveCollector struct {
	Group dist.Group
}

func (c *CollectiveCollector) Collect(ctx context.Context, part []results.Result, size int) ([]results.Result, error) {
	buf := results.Encode(part)
	lens, err := c.Group.AllGather(ctx, binary.LittleEndian.AppendUint64(nil, uint64(len(buf))))
	if err != nil {
		return nil, fmt.Errorf("gather part lengths: %w", err)
	}
	sizes := make([]int, len(lens))
	maxLen := 0
	for r, l := range lens {
		if len(l) != 8 {
			return nil, fmt.Errorf("rank %d length of %d bytes: %w", r, len(l), dist.ErrProtocol)
		}
		sizes[r] = int(binary.LittleEndian.Uint64(l))
		maxLen = max(maxLen, sizes[r])
	}
	padded := make([]byte, maxLen)
	copy(padded, buf)
	bufs, err := c.Group.AllGather(ctx, padded)
	if err != nil {
		return nil, fmt.Errorf("gather parts: %w", err)
	}
	if c.Group.Rank() != 0 {
		return nil, nil
	}

	parts := make([][]results.Result, len(bufs))
	for r, b := range bufs {
		if len(b) < sizes[r] {
			return nil, fmt.Errorf("rank %d sent %d of %d bytes: %w", r, len(b), sizes[r], dist.ErrProtocol)
		}
		if parts[r], err = results.Decode(b[:sizes[r]]); err != nil {
			return nil, fmt.Errorf("decode part %d: %w", r, err)
		}
	}
	merged, err := Merge(parts, size)
	if err != nil {
		return nil, err
	}
	log.Printf("[COLLECT] merged %d results from %d ranks via all-gather", len(merged), len(bufs))
	return merged, nil
}

// #endregion collective-collector
