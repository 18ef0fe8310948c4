package uncertainty

import (
	"errors"
	"fmt"
	"math"
)

// ErrBags is returned for an invalid bag partition.
var ErrBags = errors.New("uncertainty: invalid bag partition")

// #region bags
// Bags partitions the classes into groups. Each bag predicts its own
// classes plus one "other" channel; the logits layout is bag by bag with
// the "other" channel last.
type Bags struct {
	Classes [][]int `json:"classes"`
}

// EvenBags splits numClasses into numBags contiguous groups.
func EvenBags(numClasses, numBags int) Bags {
	b := Bags{Classes: make([][]int, numBags)}
	for c := 0; c < numClasses; c++ {
		i := c * numBags / numClasses
		b.Classes[i] = append(b.Classes[i], c)
	}
	return b
}

// Validate checks that every class in [0, numClasses) appears exactly once.
func (b Bags) Validate(numClasses int) error {
	seen := make([]bool, numClasses)
	for i, bag := range b.Classes {
		if len(bag) == 0 {
			return fmt.Errorf("bag %d is empty: %w", i, ErrBags)
		}
		for _, c := range bag {
			if c < 0 || c >= numClasses || seen[c] {
				return fmt.Errorf("class %d in bag %d: %w", c, i, ErrBags)
			}
			seen[c] = true
		}
	}
	for c, ok := range seen {
		if !ok {
			return fmt.Errorf("class %d in no bag: %w", c, ErrBags)
		}
	}
	return nil
}

// NumChannels is the logits width: one channel per class plus one per bag.
func (b Bags) NumChannels() int {
	n := 0
	for _, bag := range b.Classes {
		n += len(bag) + 1
	}
	return n
}

// NumClasses is the number of classes covered by the partition.
func (b Bags) NumClasses() int {
	n := 0
	for _, bag := range b.Classes {
		n += len(bag)
	}
	return n
}

// Prob returns a ProbFunc from bag logits (len NumChannels) to class
// probabilities (len NumClasses). A class's score is its in-bag softmax
// probability times the "other" probability of every remaining bag,
// renormalised over classes.
func (b Bags) Prob() ProbFunc {
	return func(dst, logits []float64) {
		other := make([]float64, len(b.Classes))
		soft := make([][]float64, len(b.Classes))
		off := 0
		for i, bag := range b.Classes {
			width := len(bag) + 1
			soft[i] = make([]float64, width)
			Softmax(soft[i], logits[off:off+width])
			other[i] = soft[i][len(bag)]
			off += width
		}
		logOther := 0.0
		for _, o := range other {
			logOther += math.Log(math.Max(o, 1e-300))
		}
		var total float64
		for i, bag := range b.Classes {
			rest := logOther - math.Log(math.Max(other[i], 1e-300))
			for j, c := range bag {
				dst[c] = soft[i][j] * math.Exp(rest)
				total += dst[c]
			}
		}
		if total > 0 {
			for c := range dst[:b.NumClasses()] {
				dst[c] /= total
			}
		}
	}
}

// #endregion bags
