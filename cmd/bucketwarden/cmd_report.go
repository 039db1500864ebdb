package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wakimworks/bucketwarden/types"
)

var (
	reportResource string
	reportSince    time.Duration
	reportJSON     bool
)

// reportCmd queries the outcome log
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Query recorded remediation outcomes",
	Long: `Query the append-only outcome log.

Filter by bucket or by time window. Every remediation attempt ever
recorded is queryable; the log is never rewritten.`,
	Example: `  bucketwarden report --since 24h              # Last day of activity
  bucketwarden report --resource data-bucket   # One bucket's history
  bucketwarden report --since 168h --json      # Machine-readable`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportResource, "resource", "", "Filter by bucket name")
	reportCmd.Flags().DurationVar(&reportSince, "since", 24*time.Hour, "Time window to query")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Emit JSON instead of a table")
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	var outcomes []types.RemediationOutcome
	if reportResource != "" {
		outcomes, err = app.store.QueryByResource(ctx, reportResource)
	} else {
		now := time.Now()
		outcomes, err = app.store.QueryRange(ctx, now.Add(-reportSince), now)
	}
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if reportJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(outcomes)
	}

	if len(outcomes) == 0 {
		fmt.Println("No outcomes recorded for this query")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORDED\tBUCKET\tRULE\tSTATUS\tDETAIL")
	for _, o := range outcomes {
		detail := o.Action
		if o.Status == types.StatusFailed {
			detail = o.ErrorDetail
		} else if detail == "" {
			detail = o.Reason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			o.RecordedAt.Format(time.RFC3339), o.ResourceID, o.RuleID, o.Status, detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d outcome(s)\n", len(outcomes))
	return nil
}
