package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/spf13/cobra"

	"github.com/wakimworks/bucketwarden/notify"
	"github.com/wakimworks/bucketwarden/scanner"
	"github.com/wakimworks/bucketwarden/types"
)

var (
	scanAccount string
	scanFix     bool
)

// scanCmd scans accounts for misconfigured buckets
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan accounts for misconfigured buckets",
	Long: `Scan every configured account for S3 security misconfigurations:
public access, disabled versioning, missing default encryption,
missing TLS-only bucket policy, and disabled access logging.

Findings are printed; with --fix they are routed through the
remediation engine exactly like monitor-delivered events (the
configured mode still applies, audit mode records without fixing).`,
	Example: `  bucketwarden scan                        # Report violations everywhere
  bucketwarden scan --account 111122223333 # One account only
  bucketwarden scan --fix                  # Route findings to remediation`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanAccount, "account", "", "Scan a single account")
	scanCmd.Flags().BoolVar(&scanFix, "fix", false, "Route findings through the remediation engine")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	accounts := make([]string, 0, len(app.cfg.Accounts))
	if scanAccount != "" {
		accounts = append(accounts, scanAccount)
	} else {
		for accountID := range app.cfg.Accounts {
			accounts = append(accounts, accountID)
		}
	}

	var outcomes []types.RemediationOutcome
	total := 0

	for _, accountID := range accounts {
		client, err := app.scopedS3(ctx, accountID)
		if err != nil {
			fmt.Printf("⚠️  %s: %v\n", accountID, err)
			continue
		}

		events, err := scanner.NewScanner(client, app.cfg, accountID).Scan(ctx)
		if err != nil {
			fmt.Printf("⚠️  %s: scan failed: %v\n", accountID, err)
			continue
		}
		total += len(events)

		for _, event := range events {
			fmt.Printf("🔍 %s: %s violates %s (%s)\n",
				accountID, event.ResourceID, event.RuleID, event.Detail)

			if !scanFix {
				continue
			}
			outcome, err := app.router.Process(ctx, event)
			if err != nil {
				fmt.Printf("⚠️  %s: %v\n", event.ResourceID, err)
				continue
			}
			if outcome != nil {
				outcomes = append(outcomes, *outcome)
				fmt.Printf("%s %s: %s\n", statusGlyph(outcome.Status), outcome.ResourceID, outcome.Status)
			}
		}
	}

	if total == 0 {
		fmt.Println("✅ No violations found")
	} else {
		fmt.Printf("\nFound %d violation(s) across %d account(s)\n", total, len(accounts))
	}

	if len(outcomes) > 0 && app.cfg.NotifyEmail != "" {
		notifier := notify.NewNotifier(sesv2.NewFromConfig(app.awsCfg), app.cfg.NotifyEmail, app.cfg.NotifyEmail)
		if err := notifier.SendSummary(ctx, outcomes); err != nil {
			// Mail trouble never fails the run
			fmt.Printf("⚠️  summary email failed: %v\n", err)
		}
	}

	return nil
}

func statusGlyph(status types.OutcomeStatus) string {
	switch status {
	case types.StatusRemediated:
		return "🔧"
	case types.StatusAlreadyCompliant:
		return "✅"
	case types.StatusFailed:
		return "❌"
	default:
		return "⏭️"
	}
}
