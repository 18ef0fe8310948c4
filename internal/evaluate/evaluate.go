// Package evaluate drives inference over a dataset shard and collects one
// result per sample: raw predictions, spilled prediction paths, formatted
// outputs or pre-evaluation statistics.
package evaluate

import (
	"context"
	"fmt"
	"log"

	"github.com/danielpatrickdp/uqseg/internal/collect"
	"github.com/danielpatrickdp/uqseg/internal/decodehead"
	"github.com/danielpatrickdp/uqseg/internal/dist"
	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/results"
	"github.com/danielpatrickdp/uqseg/internal/spill"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
	"github.com/danielpatrickdp/uqseg/internal/visual"
)

// #region validate
// Validate rejects conflicting result modes and an out-of-range opacity.
func (o Options) Validate() error {
	if o.Opacity != 0 && !(o.Opacity > 0 && o.Opacity <= 1) {
		return fmt.Errorf("opacity %v: %w", o.Opacity, ErrOpacity)
	}
	n := 0
	for _, on := range []bool{o.EfficientTest, o.PreEval, o.FormatOnly} {
		if on {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("efficient_test=%v pre_eval=%v format_only=%v: %w",
			o.EfficientTest, o.PreEval, o.FormatOnly, ErrConflictingModes)
	}
	return nil
}

// #endregion validate

// #region entry-points
// SingleProcessTest evaluates every batch of loader and returns the results
// in loader order. Visualizations are written when Show or OutDir is set.
func SingleProcessTest(ctx context.Context, m Model, loader Loader, ds Dataset, opts Options) ([]results.Result, error) {
	r, err := newRunner(m, loader, ds, opts, 0, 1)
	if err != nil {
		return nil, err
	}
	r.visualize = opts.Show || opts.OutDir != ""
	return r.run(ctx)
}

// MultiProcessTest evaluates this rank's shard and merges every rank's
// results through c. Rank 0 receives the full list in dataset order; other
// ranks receive nil.
func MultiProcessTest(ctx context.Context, m Model, loader Loader, ds Dataset, group dist.Group, c collect.Collector, opts Options) ([]results.Result, error) {
	r, err := newRunner(m, loader, ds, opts, group.Rank(), group.WorldSize())
	if err != nil {
		return nil, err
	}
	part, err := r.run(ctx)
	if err != nil {
		return nil, err
	}
	merged, err := c.Collect(ctx, part, ds.Len())
	if err != nil {
		return nil, fmt.Errorf("collect results: %w", err)
	}
	return merged, nil
}

// #endregion entry-points

// #region runner
type runner struct {
	model     Model
	loader    Loader
	ds        Dataset
	opts      Options
	rank      int
	world     int
	visualize bool

	spiller *spill.Spiller
	aux     *results.AuxRequest
}

// newRunner checks every precondition before anything touches disk.
func newRunner(m Model, loader Loader, ds Dataset, opts Options, rank, world int) (*runner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if bs := loader.BatchSize(); bs != 1 {
		return nil, fmt.Errorf("loader batch size %d: %w", bs, ErrBatchSize)
	}
	if opts.FormatOnly {
		if _, ok := ds.(Formatter); !ok {
			return nil, ErrNoFormatter
		}
	}
	if opts.Opacity == 0 {
		opts.Opacity = DefaultOptions().Opacity
	}
	if opts.Visualizer == nil {
		opts.Visualizer = visual.Renderer{}
	}
	r := &runner{model: m, loader: loader, ds: ds, opts: opts, rank: rank, world: world}
	if opts.EfficientTest {
		log.Printf("[EVAL] efficient_test is deprecated, pre_eval keeps memory bounded without spill files")
		r.spiller = spill.New(opts.SpillDir, rank)
	}
	return r, nil
}

func (r *runner) run(ctx context.Context) ([]results.Result, error) {
	var bar *ProgressBar
	if r.rank == 0 && r.opts.Progress != nil {
		bar = NewProgressBar(r.opts.Progress, r.ds.Len())
		defer bar.Finish()
	}

	var out []results.Result
	for {
		b, ok, err := r.loader.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("next batch: %w", err)
		}
		if !ok {
			break
		}
		if len(b.Indices) != 1 {
			return nil, fmt.Errorf("batch of %d samples: %w", len(b.Indices), ErrBatchSize)
		}
		idx := b.Indices[0]

		preds, logits, err := r.model.Infer(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("infer sample %d: %w", idx, err)
		}
		gt, err := r.ds.GroundTruth(idx)
		if err != nil {
			return nil, fmt.Errorf("ground truth %d: %w", idx, err)
		}

		if r.visualize {
			if err := r.show(b, preds[0], logits, gt); err != nil {
				return nil, fmt.Errorf("visualize sample %d: %w", idx, err)
			}
		}

		batch, err := r.collectBatch(preds, logits, gt, b.Indices)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		out = append(out, batch...)

		if bar != nil {
			bar.Advance(len(batch) * r.world)
		}
	}
	return out, nil
}

// #endregion runner

// #region per-batch
func (r *runner) collectBatch(preds []tensor.LabelMap, logits *tensor.Tensor, gt tensor.LabelMap, indices []int) ([]results.Result, error) {
	switch {
	case r.opts.EfficientTest:
		out := make([]results.Result, len(preds))
		for i, p := range preds {
			path, err := r.spiller.Spill(p)
			if err != nil {
				return nil, fmt.Errorf("spill: %w", err)
			}
			out[i] = results.Path(path)
		}
		return out, nil

	case r.opts.FormatOnly:
		files, err := r.ds.(Formatter).FormatResults(preds, indices, r.opts.FormatArgs)
		if err != nil {
			return nil, fmt.Errorf("format: %w", err)
		}
		out := make([]results.Result, len(files))
		for i, f := range files {
			out[i] = results.Formatted(f)
		}
		return out, nil

	case r.opts.PreEval:
		seg, err := r.ds.PreEval(preds[0], indices[0])
		if err != nil {
			return nil, fmt.Errorf("pre-eval: %w", err)
		}
		req, err := r.auxRequest()
		if err != nil {
			return nil, err
		}
		aux, err := r.ds.PreEvalCustom(logits, gt, req)
		if err != nil {
			return nil, fmt.Errorf("aux pre-eval: %w", err)
		}
		return []results.Result{results.PreEval(seg, aux)}, nil
	}

	out := make([]results.Result, len(preds))
	for i, p := range preds {
		out[i] = results.Prediction(p)
	}
	return out, nil
}

func (r *runner) auxRequest() (results.AuxRequest, error) {
	if r.aux == nil {
		req, err := AuxRequestFor(r.model)
		if err != nil {
			return results.AuxRequest{}, err
		}
		r.aux = &req
	}
	return *r.aux, nil
}

// AuxRequestFor picks the probability interpretation of m's logits from
// the resolved model: the bag config for bag heads, Dirichlet alphas for
// evidential losses, otherwise the loss's probability mapping or softmax.
func AuxRequestFor(m Model) (results.AuxRequest, error) {
	seg := m.Resolve()
	if seg == nil {
		return results.AuxRequest{}, fmt.Errorf("resolve model: no segmentor behind wrappers")
	}
	head := seg.DecodeHead()
	if bags := head.Bags(); bags != nil {
		return results.AuxRequest{Mode: results.ModeBags, Bags: bags}, nil
	}
	l := decodehead.PrimaryLoss(head)
	if ev, ok := l.(loss.Evidential); ok {
		return results.AuxRequest{Mode: results.ModeEDL, Alpha: ev.Alpha()}, nil
	}
	if p, ok := l.(loss.Probabilistic); ok {
		return results.AuxRequest{Mode: results.ModeSoftmax, Prob: p.Probability()}, nil
	}
	return results.AuxRequest{Mode: results.ModeSoftmax, Prob: uncertainty.Softmax}, nil
}

// #endregion per-batch
