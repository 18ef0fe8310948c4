package collect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/danielpatrickdp/uqseg/internal/dist"
	"github.com/danielpatrickdp/uqseg/internal/results"
)

// #region helpers
// shardParts builds each rank's part the way the evaluation loop would: one
// result per shard index, padding included.
func shardParts(t *testing.T, size, world int) [][]results.Result {
	t.Helper()
	parts := make([][]results.Result, world)
	for r := range world {
		idx, err := dist.ShardIndices(size, r, world)
		if err != nil {
			t.Fatalf("shard: %v", err)
		}
		for _, i := range idx {
			parts[r] = append(parts[r], results.Formatted(strconv.Itoa(i)))
		}
	}
	return parts
}

func checkOrder(t *testing.T, got []results.Result, size int) {
	t.Helper()
	if len(got) != size {
		t.Fatalf("merged %d results, want %d", len(got), size)
	}
	for i, r := range got {
		if r.Formatted != strconv.Itoa(i) {
			t.Fatalf("position %d holds index %s", i, r.Formatted)
		}
	}
}

// collectAll runs one Collect per rank concurrently and returns rank 0's
// result. Non-coordinators must get nil.
func collectAll(t *testing.T, groups []*dist.LocalGroup, build func(g dist.Group) Collector, parts [][]results.Result, size int) []results.Result {
	t.Helper()
	out := make([][]results.Result, len(groups))
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for r, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[r], errs[r] = build(g).Collect(context.Background(), parts[r], size)
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
		if r != 0 && out[r] != nil {
			t.Fatalf("rank %d received %d results", r, len(out[r]))
		}
	}
	return out[0]
}

// #endregion helpers

// #region merge-tests
func TestMerge_RestoresDatasetOrder(t *testing.T) {
	for size := range 10 {
		for world := 1; world <= 4; world++ {
			got, err := Merge(shardParts(t, size, world), size)
			if err != nil {
				t.Fatalf("size %d world %d: %v", size, world, err)
			}
			checkOrder(t, got, size)
		}
	}
}

func TestMerge_MissingResults(t *testing.T) {
	parts := shardParts(t, 7, 3)
	parts[1] = parts[1][:1]
	if _, err := Merge(parts, 7); !errors.Is(err, ErrMissingResults) {
		t.Fatalf("expected ErrMissingResults, got %v", err)
	}
	if _, err := Merge(shardParts(t, 4, 2), 6); !errors.Is(err, ErrMissingResults) {
		t.Fatalf("short total: expected ErrMissingResults, got %v", err)
	}
}

// #endregion merge-tests

// #region collector-tests
func TestFileCollector(t *testing.T) {
	groups, err := dist.NewLocalGroups(3)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "parts")
	got := collectAll(t, groups, func(g dist.Group) Collector {
		return &FileCollector{Group: g, TmpDir: dir}
	}, shardParts(t, 7, 3), 7)
	checkOrder(t, got, 7)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("exchange directory not removed: %v", err)
	}
}

func TestFileCollector_DefaultDirShared(t *testing.T) {
	t.Chdir(t.TempDir())
	groups, err := dist.NewLocalGroups(2)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	got := collectAll(t, groups, func(g dist.Group) Collector {
		return &FileCollector{Group: g}
	}, shardParts(t, 5, 2), 5)
	checkOrder(t, got, 5)
	entries, err := os.ReadDir(DefaultTmpDir)
	if err != nil {
		t.Fatalf("read %s: %v", DefaultTmpDir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("%d exchange directories left behind", len(entries))
	}
}

func TestCollectiveCollector(t *testing.T) {
	groups, err := dist.NewLocalGroups(3)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	parts := shardParts(t, 5, 3)
	// Uneven encodings force padding.
	parts[2][0].Path = "a-much-longer-payload-on-rank-two"
	got := collectAll(t, groups, func(g dist.Group) Collector {
		return &CollectiveCollector{Group: g}
	}, parts, 5)
	checkOrder(t, got, 5)
	if got[2].Path != "a-much-longer-payload-on-rank-two" {
		t.Fatalf("rank 2 payload lost: %+v", got[2])
	}
}

func TestCollectiveCollector_PreEvalPayloads(t *testing.T) {
	groups, err := dist.NewLocalGroups(2)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	parts := make([][]results.Result, 2)
	for r := range parts {
		for i := range 2 {
			v := float64(2*i + r)
			parts[r] = append(parts[r], results.PreEval(
				results.SegPreResult{Intersect: []float64{v}},
				results.AuxPreResult{Mode: results.ModeEDL, NLLSum: v},
			))
		}
	}
	got := collectAll(t, groups, func(g dist.Group) Collector {
		return &CollectiveCollector{Group: g}
	}, parts, 3)
	if len(got) != 3 {
		t.Fatalf("merged %d results, want 3", len(got))
	}
	for i, r := range got {
		if r.Seg.Intersect[0] != float64(i) || r.Aux.NLLSum != float64(i) {
			t.Fatalf("position %d holds %+v %+v", i, r.Seg, r.Aux)
		}
	}
}

// #endregion collector-tests
