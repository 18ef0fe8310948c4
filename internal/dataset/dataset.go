// Package dataset provides a JSON-fixture segmentation dataset with the
// ground-truth, pre-evaluation, formatting and metric reductions the
// evaluation loop consumes.
package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/danielpatrickdp/uqseg/internal/results"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
)

// NumBins is the number of confidence bins used for calibration.
const NumBins = 15

// #region dataset
// Dataset is an in-memory segmentation dataset backed by a Fixture.
type Dataset struct {
	fixture *Fixture
}

// New wraps a validated fixture.
func New(f *Fixture) (*Dataset, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &Dataset{fixture: f}, nil
}

// Load reads a fixture file and wraps it.
func Load(path string) (*Dataset, error) {
	f, err := LoadFixture(path)
	if err != nil {
		return nil, err
	}
	return New(f)
}

func (d *Dataset) Len() int              { return len(d.fixture.Samples) }
func (d *Dataset) NumClasses() int       { return len(d.fixture.Classes) }
func (d *Dataset) Classes() []string     { return d.fixture.Classes }
func (d *Dataset) IgnoreIndex() int      { return d.fixture.IgnoreIndex }
func (d *Dataset) Palette() [][3]uint8   { return d.fixture.Palette }
func (d *Dataset) OODIndices() []int     { return d.fixture.OODIndices }
func (d *Dataset) ReduceZeroLabel() bool { return d.fixture.ReduceZeroLabel }

func (d *Dataset) sample(idx int) (*FixtureSample, error) {
	if idx < 0 || idx >= len(d.fixture.Samples) {
		return nil, fmt.Errorf("sample %d of %d: %w", idx, len(d.fixture.Samples), ErrIndex)
	}
	return &d.fixture.Samples[idx], nil
}

// Image returns sample idx as a 1×C×H×W tensor with its metadata.
func (d *Dataset) Image(idx int) (*tensor.Tensor, ImageMeta, error) {
	s, err := d.sample(idx)
	if err != nil {
		return nil, ImageMeta{}, err
	}
	return s.ToTensor(), s.ToMeta(), nil
}

// GroundTruth returns the label map of sample idx. With ReduceZeroLabel,
// label 0 becomes the ignore index and every other label drops by one.
func (d *Dataset) GroundTruth(idx int) (tensor.LabelMap, error) {
	s, err := d.sample(idx)
	if err != nil {
		return tensor.LabelMap{}, err
	}
	gt := s.ToLabelMap()
	if d.fixture.ReduceZeroLabel {
		ignore := d.fixture.IgnoreIndex
		for i, v := range gt.Data {
			switch {
			case v == ignore:
			case v == 0:
				gt.Data[i] = ignore
			default:
				gt.Data[i] = v - 1
			}
		}
	}
	return gt, nil
}

// #endregion dataset

// #region pre-eval
// PreEval reduces one prediction against the ground truth of sample idx
// into per-class intersection and union areas. Labels outside
// [0, NumClasses) are not counted.
func (d *Dataset) PreEval(pred tensor.LabelMap, idx int) (results.SegPreResult, error) {
	gt, err := d.GroundTruth(idx)
	if err != nil {
		return results.SegPreResult{}, err
	}
	if pred.H != gt.H || pred.W != gt.W {
		return results.SegPreResult{}, fmt.Errorf("prediction %dx%d vs label %dx%d: %w", pred.H, pred.W, gt.H, gt.W, tensor.ErrShape)
	}
	k := d.NumClasses()
	r := results.SegPreResult{
		Intersect: make([]float64, k),
		Union:     make([]float64, k),
		PredArea:  make([]float64, k),
		LabelArea: make([]float64, k),
	}
	for i, g := range gt.Data {
		if g == d.fixture.IgnoreIndex {
			continue
		}
		p := pred.Data[i]
		if p >= 0 && p < k {
			r.PredArea[p]++
		}
		if g >= 0 && g < k {
			r.LabelArea[g]++
			if p == g {
				r.Intersect[g]++
			}
		}
	}
	for c := range r.Union {
		r.Union[c] = r.PredArea[c] + r.LabelArea[c] - r.Intersect[c]
	}
	return r, nil
}

// PreEvalCustom reduces raw logits (one batch item) into calibration, edge
// and OOD statistics under the probability interpretation req selects.
func (d *Dataset) PreEvalCustom(logits *tensor.Tensor, gt tensor.LabelMap, req results.AuxRequest) (results.AuxPreResult, error) {
	if logits.N != 1 {
		return results.AuxPreResult{}, fmt.Errorf("aux pre-eval over %d items: %w", logits.N, tensor.ErrShape)
	}
	if logits.H != gt.H || logits.W != gt.W {
		logits = tensor.Resize(logits, gt.H, gt.W, false)
	}
	k := d.NumClasses()
	prob, alpha, err := d.interpret(req, logits.C)
	if err != nil {
		return results.AuxPreResult{}, err
	}

	r := results.AuxPreResult{
		Mode:       req.Mode,
		BinCount:   make([]float64, NumBins),
		BinConf:    make([]float64, NumBins),
		BinCorrect: make([]float64, NumBins),
	}
	edges := d.EdgeMask(gt)
	hasOOD := len(d.fixture.OODIndices) > 0
	px := make([]float64, logits.C)
	a := make([]float64, logits.C)
	p := make([]float64, k)
	for y := 0; y < gt.H; y++ {
		for x := 0; x < gt.W; x++ {
			i := y*gt.W + x
			g := gt.Data[i]
			if g == d.fixture.IgnoreIndex {
				continue
			}
			px = logits.Pixel(0, y, x, px)
			var score float64
			if alpha != nil {
				alpha(a, px)
				uncertainty.DirichletMean(p, a)
				score = uncertainty.Vacuity(a)
			} else {
				prob(p, px)
			}
			conf := floats.Max(p)
			if alpha == nil {
				score = 1 - conf
			}
			ood := slices.Contains(d.fixture.OODIndices, g)
			if hasOOD {
				r.OODScores = append(r.OODScores, score)
				r.OODTargets = append(r.OODTargets, ood)
			}
			if ood || g < 0 || g >= k {
				continue
			}
			correct := floats.MaxIdx(p) == g
			b := min(int(conf*NumBins), NumBins-1)
			r.BinCount[b]++
			r.BinConf[b] += conf
			if correct {
				r.BinCorrect[b]++
			}
			r.NLLSum -= math.Log(math.Max(p[g], 1e-12))
			r.Pixels++
			if edges[i] {
				r.EdgeTotal++
				if correct {
					r.EdgeCorrect++
				}
			}
			if alpha != nil {
				r.VacuitySum += score
				r.DissonanceSum += uncertainty.Dissonance(a)
			}
		}
	}
	return r, nil
}

func (d *Dataset) interpret(req results.AuxRequest, channels int) (uncertainty.ProbFunc, uncertainty.AlphaFunc, error) {
	k := d.NumClasses()
	switch req.Mode {
	case results.ModeEDL:
		if req.Alpha == nil {
			return nil, nil, fmt.Errorf("edl pre-eval without alpha: %w", ErrRequest)
		}
		if channels != k {
			return nil, nil, fmt.Errorf("edl logits with %d channels for %d classes: %w", channels, k, tensor.ErrShape)
		}
		return nil, req.Alpha, nil
	case results.ModeSoftmax:
		prob := req.Prob
		if prob == nil {
			prob = uncertainty.Softmax
		}
		if channels != k {
			return nil, nil, fmt.Errorf("softmax logits with %d channels for %d classes: %w", channels, k, tensor.ErrShape)
		}
		return prob, nil, nil
	case results.ModeBags:
		if req.Bags == nil {
			return nil, nil, fmt.Errorf("bags pre-eval without bags: %w", ErrRequest)
		}
		if req.Bags.NumClasses() != k || req.Bags.NumChannels() != channels {
			return nil, nil, fmt.Errorf("bags cover %d classes in %d channels, have %d classes in %d channels: %w",
				req.Bags.NumClasses(), req.Bags.NumChannels(), k, channels, tensor.ErrShape)
		}
		return req.Bags.Prob(), nil, nil
	}
	return nil, nil, fmt.Errorf("aux mode %q: %w", req.Mode, ErrRequest)
}

// EdgeMask marks pixels whose right or lower neighbour carries a different
// label. Pixels next to the ignore index are not edges.
func (d *Dataset) EdgeMask(gt tensor.LabelMap) []bool {
	ignore := d.fixture.IgnoreIndex
	mask := make([]bool, len(gt.Data))
	for y := 0; y < gt.H; y++ {
		for x := 0; x < gt.W; x++ {
			i := y*gt.W + x
			v := gt.Data[i]
			if v == ignore {
				continue
			}
			if x+1 < gt.W {
				if u := gt.Data[i+1]; u != ignore && u != v {
					mask[i], mask[i+1] = true, true
				}
			}
			if y+1 < gt.H {
				if u := gt.Data[i+gt.W]; u != ignore && u != v {
					mask[i], mask[i+gt.W] = true, true
				}
			}
		}
	}
	return mask
}

// #endregion pre-eval

// #region format
// FormatResults writes each prediction as an 8-bit label PNG named after the
// source image and returns the written paths. Reduced labels are shifted
// back to the raw label space.
func (d *Dataset) FormatResults(preds []tensor.LabelMap, indices []int, args FormatArgs) ([]string, error) {
	if len(preds) != len(indices) {
		return nil, fmt.Errorf("%d predictions for %d indices: %w", len(preds), len(indices), ErrIndex)
	}
	dir := args.OutDir
	if dir == "" {
		dir = "format_results"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create format dir: %w", err)
	}
	paths := make([]string, len(preds))
	for i, pred := range preds {
		s, err := d.sample(indices[i])
		if err != nil {
			return nil, err
		}
		img := image.NewGray(image.Rect(0, 0, pred.W, pred.H))
		for j, v := range pred.Data {
			if d.fixture.ReduceZeroLabel && v != d.fixture.IgnoreIndex {
				v++
			}
			img.SetGray(j%pred.W, j/pred.W, color.Gray{Y: uint8(min(max(v, 0), 255))})
		}
		name := strings.TrimSuffix(filepath.Base(s.Filename), filepath.Ext(s.Filename))
		if name == "" || name == "." {
			name = fmt.Sprintf("%06d", indices[i])
		}
		paths[i] = filepath.Join(dir, name+".png")
		if err := writePNG(paths[i], img); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// #endregion format

// #region evaluate
// Evaluate reduces a complete list of pre-eval results into Metrics.
func (d *Dataset) Evaluate(rs []results.Result) (Metrics, error) {
	k := d.NumClasses()
	inter := make([]float64, k)
	union := make([]float64, k)
	label := make([]float64, k)
	binCount := make([]float64, NumBins)
	binConf := make([]float64, NumBins)
	binCorrect := make([]float64, NumBins)
	var (
		nll, vac, dis           float64
		pixels, edgeOK, edgeAll int
		scores                  []float64
		targets                 []bool
		evidential              bool
	)
	for i, r := range rs {
		if r.Kind != results.KindPreEval || r.Seg == nil || r.Aux == nil {
			return Metrics{}, fmt.Errorf("result %d is %s, want pre_eval: %w", i, r.Kind, ErrRequest)
		}
		if len(r.Aux.BinCount) != NumBins || len(r.Aux.BinConf) != NumBins || len(r.Aux.BinCorrect) != NumBins {
			return Metrics{}, fmt.Errorf("result %d has %d calibration bins, want %d: %w", i, len(r.Aux.BinCount), NumBins, ErrRequest)
		}
		if len(r.Seg.Intersect) != k || len(r.Seg.Union) != k || len(r.Seg.LabelArea) != k {
			return Metrics{}, fmt.Errorf("result %d covers %d classes, want %d: %w", i, len(r.Seg.Intersect), k, tensor.ErrShape)
		}
		floats.Add(inter, r.Seg.Intersect)
		floats.Add(union, r.Seg.Union)
		floats.Add(label, r.Seg.LabelArea)
		floats.Add(binCount, r.Aux.BinCount)
		floats.Add(binConf, r.Aux.BinConf)
		floats.Add(binCorrect, r.Aux.BinCorrect)
		nll += r.Aux.NLLSum
		pixels += r.Aux.Pixels
		edgeOK += r.Aux.EdgeCorrect
		edgeAll += r.Aux.EdgeTotal
		vac += r.Aux.VacuitySum
		dis += r.Aux.DissonanceSum
		scores = append(scores, r.Aux.OODScores...)
		targets = append(targets, r.Aux.OODTargets...)
		evidential = evidential || r.Aux.Mode == results.ModeEDL
	}

	m := Metrics{IoU: make([]float64, k), Acc: make([]float64, k), Reliability: make([]float64, NumBins)}
	for c := range k {
		m.IoU[c] = ratio(inter[c], union[c])
		m.Acc[c] = ratio(inter[c], label[c])
	}
	m.AAcc = ratio(floats.Sum(inter), floats.Sum(label))
	m.MIoU = nanMean(m.IoU)
	m.MAcc = nanMean(m.Acc)

	total := floats.Sum(binCount)
	for b := range NumBins {
		if binCount[b] == 0 {
			continue
		}
		acc := binCorrect[b] / binCount[b]
		m.Reliability[b] = acc
		m.ECE += math.Abs(binConf[b]/binCount[b]-acc) * binCount[b] / total
	}
	if pixels > 0 {
		m.NLL = nll / float64(pixels)
		if evidential {
			m.MeanVacuity = vac / float64(pixels)
			m.MeanDissonance = dis / float64(pixels)
		}
	}
	if edgeAll > 0 {
		m.EdgeAcc = float64(edgeOK) / float64(edgeAll)
	}
	m.OODAUROC = AUROC(scores, targets)
	return m, nil
}

// AUROC is the area under the ROC curve of scores against targets, or NaN
// when either class is absent.
func AUROC(scores []float64, targets []bool) float64 {
	var pos int
	for _, t := range targets {
		if t {
			pos++
		}
	}
	if pos == 0 || pos == len(targets) {
		return math.NaN()
	}
	y := slices.Clone(scores)
	classes := slices.Clone(targets)
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

// Scalars flattens m for logging; NaN entries (absent classes, no OOD
// pixels) are omitted.
func (m Metrics) Scalars(classes []string) map[string]float64 {
	out := map[string]float64{
		"aAcc":     m.AAcc,
		"mIoU":     m.MIoU,
		"mAcc":     m.MAcc,
		"ECE":      m.ECE,
		"NLL":      m.NLL,
		"edge_acc": m.EdgeAcc,
	}
	if !math.IsNaN(m.OODAUROC) {
		out["ood_auroc"] = m.OODAUROC
	}
	if m.MeanVacuity != 0 || m.MeanDissonance != 0 {
		out["mean_vacuity"] = m.MeanVacuity
		out["mean_dissonance"] = m.MeanDissonance
	}
	for c, v := range m.IoU {
		name := fmt.Sprintf("class%d", c)
		if c < len(classes) {
			name = classes[c]
		}
		if !math.IsNaN(v) {
			out["IoU."+name] = v
		}
	}
	for k, v := range out {
		if math.IsNaN(v) {
			delete(out, k)
		}
	}
	return out
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

func nanMean(vs []float64) float64 {
	var sum float64
	var n int
	for _, v := range vs {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// #endregion evaluate
