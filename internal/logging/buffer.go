package logging

import "sort"

// #region log-buffer
// LogBuffer accumulates per-iteration scalars and averages them into
// Output when a hook is due to log.
type LogBuffer struct {
	history map[string][]float64
	counts  map[string][]int
	Output  map[string]float64
	Ready   bool
}

// NewLogBuffer returns an empty buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{
		history: map[string][]float64{},
		counts:  map[string][]int{},
		Output:  map[string]float64{},
	}
}

// Update appends one value per key, weighted by count.
func (b *LogBuffer) Update(vars map[string]float64, count int) {
	for k, v := range vars {
		b.history[k] = append(b.history[k], v)
		b.counts[k] = append(b.counts[k], count)
	}
}

// Average writes the count-weighted mean of the last n values per key into
// Output; n <= 0 averages the whole history.
func (b *LogBuffer) Average(n int) {
	for k, vs := range b.history {
		cs := b.counts[k]
		if n > 0 && len(vs) > n {
			vs, cs = vs[len(vs)-n:], cs[len(cs)-n:]
		}
		var sum float64
		var total int
		for i, v := range vs {
			sum += v * float64(cs[i])
			total += cs[i]
		}
		if total > 0 {
			b.Output[k] = sum / float64(total)
		}
	}
	b.Ready = true
}

// ClearOutput drops the averaged values but keeps the history.
func (b *LogBuffer) ClearOutput() {
	b.Output = map[string]float64{}
	b.Ready = false
}

// Clear drops everything.
func (b *LogBuffer) Clear() {
	b.history = map[string][]float64{}
	b.counts = map[string][]int{}
	b.ClearOutput()
}

// Keys returns the output keys in sorted order.
func (b *LogBuffer) Keys() []string {
	keys := make([]string, 0, len(b.Output))
	for k := range b.Output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// #endregion log-buffer
