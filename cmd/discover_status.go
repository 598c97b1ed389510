package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/monitoring"
	"github.com/sells-group/resource-discovery/internal/store"
)

var discoverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent scans",
	Long:  "Lists recent scan events, newest first, with the time each area becomes eligible again.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		areaKey, _ := cmd.Flags().GetString("area")
		limit, _ := cmd.Flags().GetInt("limit")
		hours, _ := cmd.Flags().GetInt("hours")

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if areaKey == "" {
			snap, err := monitoring.NewCollector(st, cfg.Discovery.Cooldown()).Collect(ctx, hours)
			if err != nil {
				return err
			}
			formatSnapshot(os.Stdout, snap)
			return nil
		}

		scans, err := st.ListScans(ctx, store.ScanFilter{AreaKey: areaKey, Limit: limit})
		if err != nil {
			return err
		}
		if len(scans) == 0 {
			zap.L().Info("no scans found", zap.String("area", areaKey))
			return nil
		}
		formatScans(os.Stdout, scans)
		return nil
	},
}

func init() {
	discoverStatusCmd.Flags().String("area", "", "list scans of one area key, e.g. sacramento-ca")
	discoverStatusCmd.Flags().Int("limit", 20, "maximum scans to list")
	discoverStatusCmd.Flags().Int("hours", 24, "lookback window for the summary")
	discoverCmd.AddCommand(discoverStatusCmd)
}

func formatScans(out io.Writer, scans []model.ScanEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAREA\tOUTCOME\tFOUND\tFORCED\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t-----\t------\t-------\t--------")
	for _, s := range scans {
		dur := "-"
		if s.CompletedAt != nil {
			dur = s.CompletedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
			shortID(s.ID),
			s.AreaKey,
			s.Outcome,
			s.ResourcesFound,
			s.Forced,
			s.StartedAt.UTC().Format(time.RFC3339),
			dur,
		)
	}
	_ = w.Flush()
}

func formatSnapshot(out io.Writer, snap *monitoring.Snapshot) {
	_, _ = fmt.Fprintf(out, "last %dh: %d scans, %d completed, %d failed, %d timed out, %d cancelled, %d running, %d resources\n",
		snap.LookbackHours, snap.Total, snap.Completed, snap.Failed, snap.TimedOut, snap.Cancelled, snap.Running, snap.Resources)
	if len(snap.Areas) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AREA\tLAST SCAN\tOUTCOME\tFOUND\tNEXT ELIGIBLE")
	_, _ = fmt.Fprintln(w, "----\t---------\t-------\t-----\t-------------")
	for _, a := range snap.Areas {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			a.AreaKey,
			a.LastScanAt.UTC().Format(time.RFC3339),
			a.Outcome,
			a.ResourcesFound,
			a.NextEligibleAt.UTC().Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}
