package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/resource-discovery/internal/discovery"
)

var discoverBatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Scan every area listed in a file",
	Long:  "Reads \"city,state\" lines and scans the areas concurrently. Areas inside their cooldown are reported as cached.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("discovery"); err != nil {
			return err
		}

		path, _ := cmd.Flags().GetString("file")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			concurrency = cfg.Discovery.BatchConcurrency
		}

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "discover batch: open %s", path)
		}
		defer f.Close() //nolint:errcheck

		areas, err := parseAreas(f)
		if err != nil {
			return err
		}
		if len(areas) == 0 {
			zap.L().Info("no areas to scan", zap.String("file", path))
			return nil
		}

		env, err := initDiscovery(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		results := runBatch(ctx, env.Orchestrator, areas, dryRun, concurrency)
		formatBatch(os.Stdout, results)

		for _, r := range results {
			if r.Err != nil {
				return eris.Errorf("discover batch: %d of %d areas did not complete", countFailed(results), len(results))
			}
		}
		return nil
	},
}

func init() {
	discoverBatchCmd.Flags().String("file", "", "file of city,state lines (required)")
	discoverBatchCmd.Flags().Bool("dry-run", false, "run the full pipeline without saving resources")
	discoverBatchCmd.Flags().Int("concurrency", 0, "areas scanned at once (default from config)")
	_ = discoverBatchCmd.MarkFlagRequired("file")
	discoverCmd.AddCommand(discoverBatchCmd)
}

type area struct {
	City  string
	State string
}

type batchResult struct {
	Area    area
	Summary *discovery.Summary
	Err     error
}

// scanRunner is the part of the orchestrator batch uses.
type scanRunner interface {
	Run(ctx context.Context, trig discovery.Trigger, sink discovery.Sink) (*discovery.Summary, error)
}

// parseAreas reads "city,state" lines. Blank lines and lines starting with
// '#' are skipped; repeated areas are scanned once.
func parseAreas(r io.Reader) ([]area, error) {
	var (
		out  []area
		seen = map[string]bool{}
		sc   = bufio.NewScanner(r)
		line int
	)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		city, state, ok := strings.Cut(text, ",")
		city, state = strings.TrimSpace(city), strings.TrimSpace(state)
		if !ok || city == "" || state == "" {
			return nil, eris.Errorf("discover batch: line %d: want \"city,state\", got %q", line, text)
		}
		key := strings.ToLower(city) + "|" + strings.ToLower(state)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, area{City: city, State: state})
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "discover batch: read areas")
	}
	return out, nil
}

// runBatch scans areas with at most concurrency running at once. A failed
// area does not stop the others.
func runBatch(ctx context.Context, runner scanRunner, areas []area, dryRun bool, concurrency int) []batchResult {
	results := make([]batchResult, len(areas))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, a := range areas {
		g.Go(func() error {
			log := zap.L().With(zap.String("city", a.City), zap.String("state", a.State))
			sink := discovery.SinkFunc(func(e discovery.Event) error {
				if e.Type == discovery.EventProgress {
					log.Debug(e.Message, zap.String("stage", string(e.Stage)))
				}
				return nil
			})
			sum, err := runner.Run(gctx, discovery.Trigger{
				City:        a.City,
				State:       a.State,
				IsTest:      dryRun,
				InitiatorID: "cli-batch",
			}, sink)
			mu.Lock()
			results[i] = batchResult{Area: a, Summary: sum, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func countFailed(results []batchResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func formatBatch(out io.Writer, results []batchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AREA\tSTATE\tFOUND\tDROPPED\tDETAIL")
	_, _ = fmt.Fprintln(w, "----\t-----\t-----\t-------\t------")
	for _, r := range results {
		state, found, dropped, detail := "errored", 0, 0, ""
		if r.Summary != nil {
			state = string(r.Summary.State)
			found = r.Summary.ResourcesFound
			dropped = r.Summary.Dropped()
			detail = r.Summary.Reason
			if detail == "" {
				detail = r.Summary.Message
			}
		}
		if detail == "" && r.Err != nil {
			detail = r.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s, %s\t%s\t%d\t%d\t%s\n", r.Area.City, r.Area.State, state, found, dropped, truncate(detail, 60))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
