package evaluate

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
	"github.com/danielpatrickdp/uqseg/internal/logging"
	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/model"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// #region probe
// ResettableLoader is a loader that can start another pass.
type ResettableLoader interface {
	Loader
	Reset()
	Len() int
}

// ProbeLosses runs the training forward pass over loader for the given
// number of epochs without updating parameters, feeding each batch's loss
// dict to hooks. The epoch reaches every loss through loss.Step. It returns
// the mean loss dict of the last epoch.
func ProbeLosses(ctx context.Context, seg *model.Segmentor, loader ResettableLoader, ds Dataset, epochs int, hooks []logging.Hook) (map[string]float64, error) {
	if epochs <= 0 {
		return nil, fmt.Errorf("probe over %d epochs", epochs)
	}
	logging.BeforeRun(hooks)
	rs := &logging.RunnerState{
		Mode:          logging.ModeTrain,
		MaxEpochs:     epochs,
		ItersPerEpoch: loader.Len(),
		Buffer:        logging.NewLogBuffer(),
	}

	var last map[string]float64
	iter := 0
	for epoch := range epochs {
		loader.Reset()
		rs.Epoch = epoch
		rs.Buffer.Clear()
		sums := map[string]float64{}
		n := 0
		for inner := 0; ; inner++ {
			start := time.Now()
			b, ok, err := loader.Next(ctx)
			if err != nil {
				return nil, fmt.Errorf("next batch: %w", err)
			}
			if !ok {
				break
			}
			gts, err := groundTruths(ds, b)
			if err != nil {
				return nil, err
			}
			step := loss.Step{Epoch: epoch, TotalEpochs: epochs, Iter: iter}
			outs, err := seg.TrainStep(ctx, b, gts, step)
			if err != nil {
				return nil, fmt.Errorf("train step epoch %d iter %d: %w", epoch, iter, err)
			}
			for k, v := range outs {
				sums[k] += v * float64(len(b.Indices))
			}
			n += len(b.Indices)

			vars := make(map[string]float64, len(outs)+1)
			for k, v := range outs {
				vars[k] = v
			}
			vars["time"] = time.Since(start).Seconds()
			rs.Buffer.Update(vars, len(b.Indices))
			rs.Iter, rs.InnerIter = iter, inner
			for _, h := range hooks {
				if err := logging.AfterTrainIter(h, rs); err != nil {
					return nil, fmt.Errorf("log iter %d: %w", iter, err)
				}
			}
			iter++
		}
		for _, h := range hooks {
			if err := logging.AfterTrainEpoch(h, rs); err != nil {
				return nil, fmt.Errorf("log epoch %d: %w", epoch, err)
			}
		}

		last = make(map[string]float64, len(sums))
		for k, v := range sums {
			last[k] = v / float64(max(n, 1))
		}
	}
	return last, nil
}

func groundTruths(ds Dataset, b dataset.Batch) ([]tensor.LabelMap, error) {
	gts := make([]tensor.LabelMap, len(b.Indices))
	for i, idx := range b.Indices {
		gt, err := ds.GroundTruth(idx)
		if err != nil {
			return nil, fmt.Errorf("ground truth %d: %w", idx, err)
		}
		gts[i] = gt
	}
	return gts, nil
}

// #endregion probe
