package evaluate

import (
	"path/filepath"
	"strings"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
	"github.com/danielpatrickdp/uqseg/internal/results"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
	"github.com/danielpatrickdp/uqseg/internal/visual"
)

// #region show
// show writes, next to <out>/<name>.png: the masked prediction, the masked
// ground truth (_gt), the uncertainty fields (_edl_conf, _edl_u, _edl_diss
// or _sm_conf) unless the head uses bags, the edge mask and, for datasets
// with OOD labels, the OOD mask. Ignore pixels are masked everywhere.
func (r *runner) show(b dataset.Batch, pred tensor.LabelMap, logits *tensor.Tensor, gt tensor.LabelMap) error {
	dir := r.opts.OutDir
	if dir == "" {
		dir = DefaultShowDir
	}
	name := "sample.png"
	if len(b.Metas) > 0 && b.Metas[0].Filename != "" {
		name = b.Metas[0].Filename
	}
	stem := filepath.Join(dir, strings.TrimSuffix(name, filepath.Ext(name)))
	file := func(suffix string) string { return stem + suffix + ".png" }

	vis := r.opts.Visualizer
	ign := gt.Mask(r.ds.IgnoreIndex())
	img := b.Image.Item(0)
	if img.H != gt.H || img.W != gt.W {
		img = tensor.Resize(img, gt.H, gt.W, false)
	}
	if pred.H != gt.H || pred.W != gt.W {
		pred = resizeLabels(pred, gt.H, gt.W)
	}
	palette := r.ds.Palette()

	if err := vis.ShowResult(img, []visual.MaskedLabels{{Labels: pred, Mask: ign}}, palette, file(""), r.opts.Opacity); err != nil {
		return err
	}
	if err := vis.ShowResult(img, []visual.MaskedLabels{{Labels: gt, Mask: ign}}, palette, file("_gt"), r.opts.Opacity); err != nil {
		return err
	}

	if logits.H != gt.H || logits.W != gt.W {
		logits = tensor.Resize(logits, gt.H, gt.W, false)
	}
	req, err := r.auxRequest()
	if err != nil {
		return err
	}
	switch req.Mode {
	case results.ModeEDL:
		m := uncertainty.EvidentialMaps(logits, 0, req.Alpha)
		fields := []struct {
			suffix string
			values []float64
		}{
			{"_edl_u", m.Vacuity},
			{"_edl_diss", m.Dissonance},
			{"_edl_conf", m.Confidence},
		}
		for _, f := range fields {
			if err := vis.Heatmap(visual.Field{H: m.H, W: m.W, Values: f.values, Mask: ign}, file(f.suffix)); err != nil {
				return err
			}
		}
	case results.ModeSoftmax:
		m := uncertainty.ConfidenceMap(logits, 0, req.Prob)
		if err := vis.Heatmap(visual.Field{H: m.H, W: m.W, Values: m.Confidence, Mask: ign}, file("_sm_conf")); err != nil {
			return err
		}
	}

	edges := r.ds.EdgeMask(gt)
	if err := vis.Heatmap(binaryField(gt, edges, ign), file("_edge_mask")); err != nil {
		return err
	}
	if p, ok := r.ds.(OODProvider); ok && len(p.OODIndices()) > 0 {
		if err := vis.Heatmap(binaryField(gt, gt.Mask(p.OODIndices()[0]), ign), file("_ood_mask")); err != nil {
			return err
		}
	}
	return nil
}

// binaryField renders a boolean map on a fixed 0..1 scale.
func binaryField(gt tensor.LabelMap, on, ign []bool) visual.Field {
	values := make([]float64, len(on))
	for i, v := range on {
		if v {
			values[i] = 1
		}
	}
	return visual.Field{H: gt.H, W: gt.W, Values: values, Mask: ign, Lo: 0, Hi: 1}
}

// resizeLabels is nearest-neighbour resampling of a label map.
func resizeLabels(lm tensor.LabelMap, h, w int) tensor.LabelMap {
	out := tensor.NewLabelMap(h, w)
	for y := range h {
		sy := y * lm.H / h
		for x := range w {
			out.Data[y*w+x] = lm.Data[sy*lm.W+x*lm.W/w]
		}
	}
	return out
}

// #endregion show
