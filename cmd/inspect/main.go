package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/danielpatrickdp/uqseg/internal/ledger"
	_ "modernc.org/sqlite"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to uqseg.db")
	last := flag.Int("last", 20, "show N most recent runs")
	runID := flag.String("run", "", "show single run detail")
	metric := flag.String("metric", "", "add a column for one metric (list) or filter to it (detail)")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/uqseg.db [--last N] [--run id] [--metric name] [--json]")
		os.Exit(2)
	}

	store, err := ledger.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *runID != "" {
		if err := runDetailMode(store, *runID, *metric, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := runListMode(store, *last, *metric, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	RunID     string   `json:"run_id"`
	ParentID  string   `json:"parent_id,omitempty"`
	Mode      string   `json:"mode"`
	WorldSize int      `json:"world_size"`
	Status    string   `json:"status"`
	MIoU      *float64 `json:"mIoU,omitempty"`
	ECE       *float64 `json:"ECE,omitempty"`
	Extra     *float64 `json:"extra,omitempty"`
	CreatedAt string   `json:"created_at"`
}

func runListMode(store *ledger.Store, last int, metric string, jsonOut bool) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	// Store returns newest first; print chronologically.
	rows := make([]listRow, len(runs))
	for i, r := range runs {
		ms, err := store.Metrics(r.RunID)
		if err != nil {
			return err
		}
		vals := metricMap(ms)
		row := listRow{
			RunID:     r.RunID,
			ParentID:  r.ParentID,
			Mode:      r.Mode,
			WorldSize: r.WorldSize,
			Status:    r.Status,
			MIoU:      lookup(vals, "mIoU"),
			ECE:       lookup(vals, "ECE"),
			CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if metric != "" {
			row.Extra = lookup(vals, metric)
		}
		rows[len(runs)-1-i] = row
	}

	if jsonOut {
		return printJSON(rows)
	}
	printListTable(rows, metric)
	return nil
}

func printListTable(rows []listRow, metric string) {
	header := fmt.Sprintf("%-12s  %-6s  %5s  %-8s  %8s  %8s", "Run", "Mode", "World", "Status", "mIoU", "ECE")
	rule := fmt.Sprintf("%-12s+-%-6s+-%5s+-%-8s+-%8s+-%8s", "------------", "------", "-----", "--------", "--------", "--------")
	if metric != "" {
		header += fmt.Sprintf("  %10s", truncate(metric, 10))
		rule += fmt.Sprintf("+-%10s", "----------")
	}
	fmt.Printf("%s  %s\n", header, "Time")
	fmt.Printf("%s+-%s\n", rule, "--------------------")

	for _, r := range rows {
		line := fmt.Sprintf("%-12s  %-6s  %5d  %-8s  %8s  %8s",
			shortID(r.RunID), r.Mode, r.WorldSize, r.Status, formatOpt(r.MIoU), formatOpt(r.ECE))
		if metric != "" {
			line += fmt.Sprintf("  %10s", formatOpt(r.Extra))
		}
		fmt.Printf("%s  %s\n", line, r.CreatedAt)
	}
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	RunID      string               `json:"run_id"`
	ParentID   string               `json:"parent_id,omitempty"`
	Mode       string               `json:"mode"`
	WorldSize  int                  `json:"world_size"`
	Status     string               `json:"status"`
	CreatedAt  string               `json:"created_at"`
	FinishedAt string               `json:"finished_at,omitempty"`
	Config     json.RawMessage      `json:"config,omitempty"`
	Metrics    map[string]float64   `json:"metrics"`
	Curves     map[string][]float64 `json:"curves,omitempty"`
	TrainLogs  []trainLog           `json:"train_logs,omitempty"`
}

type trainLog struct {
	Mode  string  `json:"mode"`
	Epoch int     `json:"epoch"`
	Iter  int     `json:"iter"`
	Tag   string  `json:"tag"`
	Value float64 `json:"value"`
}

func runDetailMode(store *ledger.Store, runID, metric string, jsonOut bool) error {
	r, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	ms, err := store.Metrics(r.RunID)
	if err != nil {
		return err
	}
	logs, err := store.TrainLogs(r.RunID)
	if err != nil {
		return err
	}

	out := detailOutput{
		RunID:     r.RunID,
		ParentID:  r.ParentID,
		Mode:      r.Mode,
		WorldSize: r.WorldSize,
		Status:    r.Status,
		CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Metrics:   metricMap(ms),
		Curves:    map[string][]float64{},
	}
	if !r.FinishedAt.IsZero() {
		out.FinishedAt = r.FinishedAt.Format("2006-01-02T15:04:05Z")
	}
	if json.Valid([]byte(r.ConfigJSON)) {
		out.Config = json.RawMessage(r.ConfigJSON)
	}
	curve, err := store.Curve(r.RunID, "reliability")
	switch {
	case err == nil:
		out.Curves["reliability"] = curve
	case !errors.Is(err, ledger.ErrNotFound):
		return err
	}
	for _, l := range logs {
		out.TrainLogs = append(out.TrainLogs, trainLog{Mode: l.Mode, Epoch: l.Epoch, Iter: l.Iter, Tag: l.Tag, Value: l.Value})
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Run:       %s\n", out.RunID)
	fmt.Printf("Parent:    %s\n", out.ParentID)
	fmt.Printf("Mode:      %s\n", out.Mode)
	fmt.Printf("World:     %d\n", out.WorldSize)
	fmt.Printf("Status:    %s\n", out.Status)
	fmt.Printf("Created:   %s\n", out.CreatedAt)
	fmt.Printf("Finished:  %s\n", out.FinishedAt)

	fmt.Printf("\nMetrics:\n")
	for _, m := range ms {
		if metric != "" && m.Name != metric {
			continue
		}
		fmt.Printf("  %-16s %.4f\n", m.Name, m.Value)
	}

	if c, ok := out.Curves["reliability"]; ok {
		fmt.Printf("\nReliability:\n")
		printCurve(c)
	}

	if len(out.TrainLogs) > 0 {
		fmt.Printf("\nTrain logs:\n")
		for _, l := range out.TrainLogs {
			fmt.Printf("  %-5s %3d %5d  %-24s %.4f\n", l.Mode, l.Epoch, l.Iter, l.Tag, l.Value)
		}
	}
	return nil
}

// #endregion detail-mode

// #region output

// printCurve draws one bar per bin against the bin midpoint.
func printCurve(c []float64) {
	const width = 40
	for i, v := range c {
		lo := float64(i) / float64(len(c))
		hi := float64(i+1) / float64(len(c))
		if math.IsNaN(v) {
			fmt.Printf("  [%.2f, %.2f)  %6s\n", lo, hi, "—")
			continue
		}
		n := int(math.Round(math.Max(0, math.Min(1, v)) * width))
		fmt.Printf("  [%.2f, %.2f)  %6.3f  %s\n", lo, hi, v, strings.Repeat("#", n))
	}
}

func metricMap(ms []ledger.MetricRecord) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.Name] = m.Value
	}
	return out
}

func lookup(vals map[string]float64, name string) *float64 {
	if v, ok := vals[name]; ok {
		return &v
	}
	return nil
}

func formatOpt(v *float64) string {
	if v == nil {
		return "—"
	}
	return fmt.Sprintf("%.4f", *v)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// #endregion output
