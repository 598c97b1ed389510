package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/resource-discovery/internal/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan areas for community resources",
}

var discoverScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan one area",
	Long:  "Searches one city for community resources and saves what passes duplicate screening. Progress is printed as it happens.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("discovery"); err != nil {
			return err
		}

		city, _ := cmd.Flags().GetString("city")
		state, _ := cmd.Flags().GetString("state")
		force, _ := cmd.Flags().GetBool("force")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initDiscovery(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		var sink discovery.Sink = discovery.NewNDJSONSink(os.Stdout)
		if !asJSON {
			sink = textSink(os.Stdout)
		}

		sum, err := env.Orchestrator.Run(ctx, discovery.Trigger{
			City:        city,
			State:       state,
			Force:       force,
			IsTest:      dryRun,
			InitiatorID: "cli",
		}, sink)
		if sum != nil && sum.State == discovery.StateCached {
			fmt.Fprintf(os.Stdout, "cached: %s\n", sum.Reason) //nolint:errcheck
		}
		return err
	},
}

func init() {
	discoverScanCmd.Flags().String("city", "", "city to scan (required)")
	discoverScanCmd.Flags().String("state", "", "state code to scan (required)")
	discoverScanCmd.Flags().Bool("force", false, "skip the cooldown check")
	discoverScanCmd.Flags().Bool("dry-run", false, "run the full pipeline without saving resources")
	discoverScanCmd.Flags().Bool("json", false, "print events as NDJSON")
	_ = discoverScanCmd.MarkFlagRequired("city")
	_ = discoverScanCmd.MarkFlagRequired("state")

	discoverCmd.AddCommand(discoverScanCmd)
	rootCmd.AddCommand(discoverCmd)
}

// textSink prints events one per line for a terminal.
func textSink(out io.Writer) discovery.Sink {
	return discovery.SinkFunc(func(e discovery.Event) error {
		var err error
		switch e.Type {
		case discovery.EventProgress:
			if e.Current != nil && e.Total != nil {
				_, err = fmt.Fprintf(out, "[%s] %s (%d/%d)\n", e.Stage, e.Message, *e.Current, *e.Total)
			} else {
				_, err = fmt.Fprintf(out, "[%s] %s\n", e.Stage, e.Message)
			}
		case discovery.EventComplete:
			_, err = fmt.Fprintf(out, "done: %d resources found\n", e.ResourcesFound)
			for _, s := range e.Samples {
				if err != nil {
					break
				}
				_, err = fmt.Fprintf(out, "  %s  %s, %s  %s (%d)\n", shortID(s.ID), s.Name, s.City, s.Status, s.ConfidenceScore)
			}
		case discovery.EventError:
			_, err = fmt.Fprintf(out, "error: %s\n", e.Message)
		}
		return err
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
