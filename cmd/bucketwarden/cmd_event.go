package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wakimworks/bucketwarden/ingest"
)

var eventFile string

// eventCmd processes a single violation event
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Process one violation event",
	Long: `Process a single violation event from a file or stdin.

The event may be a bare JSON violation event, an SNS notification
envelope, or the Records-wrapped form. The event is driven to a
terminal outcome exactly as if it had arrived on the queue.`,
	Example: `  bucketwarden event --file violation.json   # Process from file
  cat violation.json | bucketwarden event    # Process from stdin`,
	RunE: runEvent,
}

func init() {
	rootCmd.AddCommand(eventCmd)

	eventCmd.Flags().StringVarP(&eventFile, "file", "f", "", "Event JSON file (default stdin)")
}

func runEvent(cmd *cobra.Command, args []string) error {
	body, err := readEventBody()
	if err != nil {
		return err
	}

	event, err := ingest.DecodeEvent(body)
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	outcome, err := app.router.Process(ctx, event)
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}

	if outcome == nil {
		fmt.Printf("✅ %s is compliant, nothing to do\n", event.ResourceID)
		return nil
	}

	fmt.Printf("%s %s: %s", statusGlyph(outcome.Status), outcome.ResourceID, outcome.Status)
	if outcome.Action != "" {
		fmt.Printf(" (%s)", outcome.Action)
	}
	if outcome.Reason != "" {
		fmt.Printf(" - %s", outcome.Reason)
	}
	fmt.Println()
	if outcome.ErrorDetail != "" {
		fmt.Printf("   %s\n", outcome.ErrorDetail)
	}
	return nil
}

func readEventBody() ([]byte, error) {
	if eventFile != "" {
		body, err := os.ReadFile(eventFile) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("failed to read event file: %w", err)
		}
		return body, nil
	}
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return body, nil
}
