package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"

	"google.golang.org/grpc"

	"github.com/danielpatrickdp/uqseg/internal/collect"
	"github.com/danielpatrickdp/uqseg/internal/config"
	"github.com/danielpatrickdp/uqseg/internal/dataset"
	"github.com/danielpatrickdp/uqseg/internal/dist"
	"github.com/danielpatrickdp/uqseg/internal/eval"
	"github.com/danielpatrickdp/uqseg/internal/evaluate"
	"github.com/danielpatrickdp/uqseg/internal/ledger"
	"github.com/danielpatrickdp/uqseg/internal/logging"
	"github.com/danielpatrickdp/uqseg/internal/model"
	"github.com/danielpatrickdp/uqseg/internal/results"
	_ "modernc.org/sqlite"
)

// #region main

func main() {
	configPath := flag.String("config", "", "path to run config JSON (defaults when empty)")
	fixturePath := flag.String("fixture", "", "dataset fixture JSON (overrides config)")
	checkpoint := flag.String("checkpoint", "", "model checkpoint JSON (overrides config)")
	probe := flag.Int("probe", 0, "run N loss-probe epochs before testing")
	jsonOut := flag.Bool("json", false, "print metrics as JSON instead of a table")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *fixturePath != "" {
		cfg.Data.Fixture = *fixturePath
	}
	if *checkpoint != "" {
		cfg.Checkpoint = *checkpoint
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, cfg, *probe, *jsonOut))
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

// #endregion main

// #region run

func run(ctx context.Context, cfg config.Config, probeEpochs int, jsonOut bool) int {
	ds, err := loadDataset(cfg.Data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dataset: %v\n", err)
		return 2
	}
	build, parentRun, err := modelFactory(cfg, ds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "model: %v\n", err)
		return 2
	}

	var store *ledger.Store
	var runID string
	if cfg.Ledger.DBPath != "" && cfg.Dist.Rank == 0 {
		store, err = ledger.NewStore(cfg.Ledger.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
			return 2
		}
		defer store.Close()
		if _, err := store.GetRun(parentRun); err != nil {
			parentRun = ""
		}
		cfgJSON, _ := json.Marshal(cfg)
		rec, err := store.CreateRun("test", cfg.Dist.WorldSize, string(cfgJSON), parentRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create run: %v\n", err)
			return 2
		}
		runID = rec.RunID
		log.Printf("[LEDGER] run %s in %s", runID, cfg.Ledger.DBPath)
	}

	code, err := runWithLedger(ctx, cfg, ds, build, store, runID, probeEpochs, jsonOut)
	if store != nil {
		status := ledger.StatusFinished
		if err != nil || code != 0 {
			status = ledger.StatusFailed
		}
		if ferr := store.FinishRun(runID, status); ferr != nil {
			log.Printf("[LEDGER] finish run: %v", ferr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return code
}

func runWithLedger(ctx context.Context, cfg config.Config, ds *dataset.Dataset, build func() (*model.Segmentor, error),
	store *ledger.Store, runID string, probeEpochs int, jsonOut bool) (int, error) {
	if probeEpochs > 0 && cfg.Dist.Rank == 0 {
		if err := runProbe(ctx, cfg, ds, build, store, runID, probeEpochs); err != nil {
			return 0, fmt.Errorf("probe: %w", err)
		}
	}

	rs, err := runTest(ctx, cfg, ds, build)
	if err != nil {
		return 0, err
	}
	if cfg.Dist.Rank != 0 {
		return 0, nil
	}
	if !cfg.Eval.PreEval {
		printCounts(rs)
		return 0, nil
	}

	metrics, err := ds.Evaluate(rs)
	if err != nil {
		return 0, fmt.Errorf("evaluate: %w", err)
	}
	scalars := metrics.Scalars(ds.Classes())
	if store != nil {
		if err := store.RecordMetrics(runID, scalars); err != nil {
			return 0, err
		}
		if err := store.SaveCurve(runID, "reliability", metrics.Reliability); err != nil {
			return 0, err
		}
	}

	result := eval.NewEvalHarness(cfg.Thresholds).Run(metrics)
	if jsonOut {
		if err := printJSON(map[string]any{"metrics": scalars, "eval": result}); err != nil {
			return 0, err
		}
	} else {
		printMetrics(metrics, ds.Classes(), result)
	}
	if !result.Passed {
		return 1, nil
	}
	return 0, nil
}

// #endregion run

// #region setup

func loadDataset(c config.DataConfig) (*dataset.Dataset, error) {
	var f *dataset.Fixture
	if c.Fixture == "" {
		log.Printf("[EVAL] no fixture given, using synthetic data")
		f = dataset.Synthetic(dataset.DefaultSyntheticConfig())
	} else {
		var err error
		if f, err = dataset.LoadFixture(c.Fixture); err != nil {
			return nil, err
		}
	}
	if c.Samples > 0 && c.Samples < len(f.Samples) {
		f.Samples = f.Samples[:c.Samples]
	}
	return dataset.New(f)
}

// modelFactory returns a constructor for identical replicas (one per local
// rank) and the run that produced the checkpoint, if any. Without a
// checkpoint the untrained model is sized to the dataset.
func modelFactory(cfg config.Config, ds *dataset.Dataset) (func() (*model.Segmentor, error), string, error) {
	if cfg.Checkpoint == "" {
		mcfg := cfg.Model
		mcfg.Head.NumClasses = ds.NumClasses()
		if img, _, err := ds.Image(0); err == nil {
			mcfg.Backbone.InChannels = img.Shape()[1]
		}
		if _, err := model.New(mcfg); err != nil {
			return nil, "", err
		}
		return func() (*model.Segmentor, error) { return model.New(mcfg) }, "", nil
	}
	ck, err := model.LoadCheckpointFile(cfg.Checkpoint)
	if err != nil {
		return nil, "", err
	}
	if k := ck.Config.Head.NumClasses; k != ds.NumClasses() {
		return nil, "", fmt.Errorf("checkpoint predicts %d classes, dataset has %d", k, ds.NumClasses())
	}
	return func() (*model.Segmentor, error) { return model.FromCheckpoint(ck) }, ck.Meta.RunID, nil
}

func evalOptions(cfg config.Config) evaluate.Options {
	return evaluate.Options{
		Show:          cfg.Eval.Show,
		OutDir:        cfg.Eval.ShowDir,
		EfficientTest: cfg.Eval.EfficientTest,
		PreEval:       cfg.Eval.PreEval,
		FormatOnly:    cfg.Eval.FormatOnly,
		FormatArgs:    dataset.FormatArgs{OutDir: cfg.Eval.FormatDir},
		Opacity:       cfg.Eval.Opacity,
		SpillDir:      cfg.Eval.SpillDir,
		Progress:      os.Stderr,
	}
}

func collectorFor(cfg config.Config, g dist.Group) collect.Collector {
	if cfg.Dist.GPUCollect {
		return &collect.CollectiveCollector{Group: g}
	}
	return &collect.FileCollector{Group: g, TmpDir: cfg.Dist.TmpDir}
}

// #endregion setup

// #region launchers

func runTest(ctx context.Context, cfg config.Config, ds *dataset.Dataset, build func() (*model.Segmentor, error)) ([]results.Result, error) {
	opts := evalOptions(cfg)
	switch cfg.Dist.Launcher {
	case config.LauncherLocal:
		return runLocal(ctx, cfg, ds, build, opts)
	case config.LauncherGRPC:
		return runGRPC(ctx, cfg, ds, build, opts)
	}
	seg, err := build()
	if err != nil {
		return nil, err
	}
	return evaluate.SingleProcessTest(ctx, seg, dataset.NewLoader(ds, nil, 1), ds, opts)
}

// runLocal simulates every rank in this process.
func runLocal(ctx context.Context, cfg config.Config, ds *dataset.Dataset, build func() (*model.Segmentor, error), opts evaluate.Options) ([]results.Result, error) {
	groups, err := dist.NewLocalGroups(cfg.Dist.WorldSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([][]results.Result, len(groups))
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for r, g := range groups {
		seg, err := build()
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[r], errs[r] = runRank(ctx, cfg, ds, seg, g, opts)
			if errs[r] != nil {
				cancel()
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out[0], nil
}

// runGRPC runs this process's rank; rank 0 also hosts the rendezvous.
func runGRPC(ctx context.Context, cfg config.Config, ds *dataset.Dataset, build func() (*model.Segmentor, error), opts evaluate.Options) ([]results.Result, error) {
	d := cfg.Dist
	if d.Rank == 0 {
		lis, err := net.Listen("tcp", d.Coordinator)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", d.Coordinator, err)
		}
		srv := grpc.NewServer()
		if _, err := dist.RegisterRendezvous(srv, d.WorldSize); err != nil {
			return nil, err
		}
		go srv.Serve(lis)
		defer srv.GracefulStop()
	}

	g, err := dist.NewGRPCGroup(d.Coordinator, d.Rank, d.WorldSize)
	if err != nil {
		return nil, fmt.Errorf("connect to rendezvous at %s: %w", d.Coordinator, err)
	}
	defer g.Close()

	seg, err := build()
	if err != nil {
		return nil, err
	}
	rs, err := runRank(ctx, cfg, ds, seg, g, opts)
	if err != nil {
		return nil, err
	}
	// Keep the rendezvous up until every rank has its answer.
	if err := g.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("final barrier: %w", err)
	}
	return rs, nil
}

func runRank(ctx context.Context, cfg config.Config, ds *dataset.Dataset, seg *model.Segmentor, g dist.Group, opts evaluate.Options) ([]results.Result, error) {
	idx, err := dist.ShardIndices(ds.Len(), g.Rank(), g.WorldSize())
	if err != nil {
		return nil, err
	}
	m := &model.DistributedWrapper{Module: seg, Rank: g.Rank()}
	return evaluate.MultiProcessTest(ctx, m, dataset.NewLoader(ds, idx, 1), ds, g, collectorFor(cfg, g), opts)
}

// #endregion launchers

// #region probe

func runProbe(ctx context.Context, cfg config.Config, ds *dataset.Dataset, build func() (*model.Segmentor, error),
	store *ledger.Store, runID string, epochs int) error {
	seg, err := build()
	if err != nil {
		return err
	}
	hooks := []logging.Hook{logging.NewTextLogger(cfg.Log, os.Stdout)}
	if store != nil {
		hooks = append(hooks, logging.NewLedgerLogger(cfg.Log, store.DB(), runID))
	}
	_, err = evaluate.ProbeLosses(ctx, seg, dataset.NewLoader(ds, nil, 1), ds, epochs, hooks)
	return err
}

// #endregion probe

// #region output

func printCounts(rs []results.Result) {
	counts := map[results.Kind]int{}
	for _, r := range rs {
		counts[r.Kind]++
	}
	for _, k := range []results.Kind{results.KindPrediction, results.KindPath, results.KindFormatted} {
		if counts[k] > 0 {
			fmt.Printf("%-12s %d\n", k, counts[k])
		}
	}
	for _, r := range rs {
		switch r.Kind {
		case results.KindPath:
			fmt.Printf("  %s\n", r.Path)
		case results.KindFormatted:
			fmt.Printf("  %s\n", r.Formatted)
		}
	}
}

func printMetrics(m dataset.Metrics, classes []string, result eval.EvalResult) {
	fmt.Printf("%-12s| %8s| %8s\n", "Class", "IoU", "Acc")
	fmt.Printf("%-12s+%9s+%9s\n", "------------", "---------", "---------")
	for c, name := range classes {
		fmt.Printf("%-12s| %8.2f| %8.2f\n", name, 100*m.IoU[c], 100*m.Acc[c])
	}

	fmt.Printf("\naAcc %.2f  mIoU %.2f  mAcc %.2f\n", 100*m.AAcc, 100*m.MIoU, 100*m.MAcc)
	fmt.Printf("ECE %.4f  NLL %.4f  edge acc %.2f\n", m.ECE, m.NLL, 100*m.EdgeAcc)
	fmt.Printf("OOD AUROC %.4f  vacuity %.4f  dissonance %.4f\n", m.OODAUROC, m.MeanVacuity, m.MeanDissonance)

	fmt.Printf("\nChecks:\n")
	for _, c := range result.Metrics {
		status := "OK"
		if !c.Pass {
			status = "FAIL"
		}
		fmt.Printf("  %-10s %8.4f  %s\n", c.Name, c.Value, status)
	}
	fmt.Printf("\n%s\n", result.Reason)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// #endregion output
