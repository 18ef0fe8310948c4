package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region constructors
// New allocates a zero tensor of shape (n, c, h, w).
func New(n, c, h, w int) *Tensor {
	return &Tensor{N: n, C: c, H: h, W: w, Data: make([]float64, n*c*h*w)}
}

// FromData wraps data as a tensor of shape (n, c, h, w) without copying.
func FromData(n, c, h, w int, data []float64) (*Tensor, error) {
	if len(data) != n*c*h*w {
		return nil, fmt.Errorf("wrap %d values as (%d,%d,%d,%d): %w", len(data), n, c, h, w, ErrShape)
	}
	return &Tensor{N: n, C: c, H: h, W: w, Data: data}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.N, t.C, t.H, t.W)
	copy(out.Data, t.Data)
	return out
}

// #endregion constructors

// #region accessors
// Shape returns (N, C, H, W).
func (t *Tensor) Shape() [4]int {
	return [4]int{t.N, t.C, t.H, t.W}
}

// Index returns the flat offset of element (n, c, y, x).
func (t *Tensor) Index(n, c, y, x int) int {
	return ((n*t.C+c)*t.H+y)*t.W + x
}

func (t *Tensor) At(n, c, y, x int) float64 {
	return t.Data[t.Index(n, c, y, x)]
}

func (t *Tensor) Set(v float64, n, c, y, x int) {
	t.Data[t.Index(n, c, y, x)] = v
}

// Plane returns the H*W slice for (n, c). The slice aliases t.Data.
func (t *Tensor) Plane(n, c int) []float64 {
	off := (n*t.C + c) * t.H * t.W
	return t.Data[off : off+t.H*t.W]
}

// Item returns a copy of batch element n as a (1, C, H, W) tensor.
func (t *Tensor) Item(n int) *Tensor {
	size := t.C * t.H * t.W
	out := New(1, t.C, t.H, t.W)
	copy(out.Data, t.Data[n*size:(n+1)*size])
	return out
}

// Pixel copies the channel vector at (n, y, x) into dst (grown if needed).
func (t *Tensor) Pixel(n, y, x int, dst []float64) []float64 {
	if cap(dst) < t.C {
		dst = make([]float64, t.C)
	}
	dst = dst[:t.C]
	hw := t.H * t.W
	base := n*t.C*hw + y*t.W + x
	for c := 0; c < t.C; c++ {
		dst[c] = t.Data[base+c*hw]
	}
	return dst
}

// SetPixel writes the channel vector at (n, y, x).
func (t *Tensor) SetPixel(n, y, x int, vals []float64) {
	hw := t.H * t.W
	base := n*t.C*hw + y*t.W + x
	for c := 0; c < t.C; c++ {
		t.Data[base+c*hw] = vals[c]
	}
}

// #endregion accessors

// #region concat
// Concat joins tensors along the batch or channel axis.
func Concat(axis Axis, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: no tensors: %w", ErrShape)
	}
	first := ts[0]
	switch axis {
	case AxisBatch:
		n := 0
		for _, t := range ts {
			if t.C != first.C || t.H != first.H || t.W != first.W {
				return nil, fmt.Errorf("concat batch %v with %v: %w", first.Shape(), t.Shape(), ErrShape)
			}
			n += t.N
		}
		out := New(n, first.C, first.H, first.W)
		off := 0
		for _, t := range ts {
			copy(out.Data[off:], t.Data)
			off += len(t.Data)
		}
		return out, nil
	case AxisChannel:
		c := 0
		for _, t := range ts {
			if t.N != first.N || t.H != first.H || t.W != first.W {
				return nil, fmt.Errorf("concat channel %v with %v: %w", first.Shape(), t.Shape(), ErrShape)
			}
			c += t.C
		}
		out := New(first.N, c, first.H, first.W)
		hw := first.H * first.W
		for n := 0; n < first.N; n++ {
			dst := n * c * hw
			for _, t := range ts {
				size := t.C * hw
				copy(out.Data[dst:dst+size], t.Data[n*size:(n+1)*size])
				dst += size
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("concat: unsupported axis %d: %w", axis, ErrShape)
	}
}

// #endregion concat

// #region resize
// Resize performs bilinear interpolation to (h, w). alignCorners maps the
// corner pixel centres onto each other; otherwise half-pixel centres are
// used and edge samples clamp.
func Resize(t *Tensor, h, w int, alignCorners bool) *Tensor {
	if t.H == h && t.W == w {
		return t.Clone()
	}
	out := New(t.N, t.C, h, w)
	ys := sourceIndex(t.H, h, alignCorners)
	xs := sourceIndex(t.W, w, alignCorners)
	for n := 0; n < t.N; n++ {
		for c := 0; c < t.C; c++ {
			src := t.Plane(n, c)
			dst := out.Plane(n, c)
			for y := 0; y < h; y++ {
				sy := ys[y]
				for x := 0; x < w; x++ {
					sx := xs[x]
					top := src[sy.lo*t.W+sx.lo]*(1-sx.frac) + src[sy.lo*t.W+sx.hi]*sx.frac
					bot := src[sy.hi*t.W+sx.lo]*(1-sx.frac) + src[sy.hi*t.W+sx.hi]*sx.frac
					dst[y*w+x] = top*(1-sy.frac) + bot*sy.frac
				}
			}
		}
	}
	return out
}

type srcIdx struct {
	lo, hi int
	frac   float64
}

func sourceIndex(in, out int, alignCorners bool) []srcIdx {
	idx := make([]srcIdx, out)
	for d := 0; d < out; d++ {
		var s float64
		if alignCorners {
			if out > 1 {
				s = float64(d) * float64(in-1) / float64(out-1)
			}
		} else {
			s = (float64(d)+0.5)*float64(in)/float64(out) - 0.5
			if s < 0 {
				s = 0
			}
		}
		lo := int(math.Floor(s))
		if lo > in-1 {
			lo = in - 1
		}
		hi := lo
		if lo < in-1 {
			hi = lo + 1
		}
		idx[d] = srcIdx{lo: lo, hi: hi, frac: s - float64(lo)}
	}
	return idx
}

// #endregion resize

// #region conv1x1
// Conv1x1 applies a pointwise convolution: out[n] = weight · x[n] + bias.
// weight is K×C; bias has length K or is nil.
func Conv1x1(x *Tensor, weight mat.Matrix, bias []float64) (*Tensor, error) {
	k, c := weight.Dims()
	if c != x.C {
		return nil, fmt.Errorf("conv1x1 weight %dx%d on %v: %w", k, c, x.Shape(), ErrShape)
	}
	if bias != nil && len(bias) != k {
		return nil, fmt.Errorf("conv1x1 bias len %d for %d outputs: %w", len(bias), k, ErrShape)
	}
	hw := x.H * x.W
	out := New(x.N, k, x.H, x.W)
	for n := 0; n < x.N; n++ {
		in := mat.NewDense(c, hw, x.Data[n*c*hw:(n+1)*c*hw])
		dst := mat.NewDense(k, hw, out.Data[n*k*hw:(n+1)*k*hw])
		dst.Mul(weight, in)
		if bias != nil {
			for j := 0; j < k; j++ {
				floats.AddConst(bias[j], out.Plane(n, j))
			}
		}
	}
	return out, nil
}

// #endregion conv1x1

// #region reductions
// ArgmaxChannels returns the per-pixel argmax over channels of batch item n.
func (t *Tensor) ArgmaxChannels(n int) LabelMap {
	lm := NewLabelMap(t.H, t.W)
	buf := make([]float64, t.C)
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			buf = t.Pixel(n, y, x, buf)
			lm.Data[y*t.W+x] = floats.MaxIdx(buf)
		}
	}
	return lm
}

// AvgPool downsamples H and W by an integer stride with mean pooling.
func AvgPool(t *Tensor, stride int) *Tensor {
	if stride <= 1 {
		return t.Clone()
	}
	h := (t.H + stride - 1) / stride
	w := (t.W + stride - 1) / stride
	out := New(t.N, t.C, h, w)
	for n := 0; n < t.N; n++ {
		for c := 0; c < t.C; c++ {
			src := t.Plane(n, c)
			dst := out.Plane(n, c)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					sum, cnt := 0.0, 0
					for dy := 0; dy < stride && y*stride+dy < t.H; dy++ {
						for dx := 0; dx < stride && x*stride+dx < t.W; dx++ {
							sum += src[(y*stride+dy)*t.W+x*stride+dx]
							cnt++
						}
					}
					dst[y*w+x] = sum / float64(cnt)
				}
			}
		}
	}
	return out
}

// #endregion reductions

// #region label-map-ops
// NewLabelMap allocates an h×w zero label map.
func NewLabelMap(h, w int) LabelMap {
	return LabelMap{H: h, W: w, Data: make([]int, h*w)}
}

func (l LabelMap) At(y, x int) int {
	return l.Data[y*l.W+x]
}

// Mask returns true wherever the label equals v.
func (l LabelMap) Mask(v int) []bool {
	m := make([]bool, len(l.Data))
	for i, d := range l.Data {
		m[i] = d == v
	}
	return m
}

// Clone returns a deep copy.
func (l LabelMap) Clone() LabelMap {
	out := NewLabelMap(l.H, l.W)
	copy(out.Data, l.Data)
	return out
}

// #endregion label-map-ops
