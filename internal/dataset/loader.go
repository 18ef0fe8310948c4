package dataset

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// #region loader
// SliceLoader yields batches over a fixed index order, typically the
// distributed shard of one rank.
type SliceLoader struct {
	ds        *Dataset
	indices   []int
	batchSize int
	pos       int
}

// NewLoader iterates indices in order; nil indices means the whole dataset.
func NewLoader(ds *Dataset, indices []int, batchSize int) *SliceLoader {
	if indices == nil {
		indices = make([]int, ds.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &SliceLoader{ds: ds, indices: indices, batchSize: batchSize}
}

func (l *SliceLoader) BatchSize() int { return l.batchSize }
func (l *SliceLoader) Indices() []int { return l.indices }
func (l *SliceLoader) Reset()         { l.pos = 0 }

// Len is the number of batches per pass.
func (l *SliceLoader) Len() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// Next returns the next batch, or ok=false when the pass is exhausted.
func (l *SliceLoader) Next(ctx context.Context) (Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, false, err
	}
	if l.pos >= len(l.indices) {
		return Batch{}, false, nil
	}
	end := min(l.pos+l.batchSize, len(l.indices))
	idx := l.indices[l.pos:end]
	l.pos = end

	b := Batch{Indices: idx, Metas: make([]ImageMeta, len(idx))}
	images := make([]*tensor.Tensor, len(idx))
	for i, j := range idx {
		img, meta, err := l.ds.Image(j)
		if err != nil {
			return Batch{}, false, fmt.Errorf("load batch: %w", err)
		}
		images[i] = img
		b.Metas[i] = meta
	}
	img, err := tensor.Concat(tensor.AxisBatch, images...)
	if err != nil {
		return Batch{}, false, fmt.Errorf("stack batch: %w", err)
	}
	b.Image = img
	return b, true, nil
}

// #endregion loader
