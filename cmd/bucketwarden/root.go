package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "bucketwarden",
		Short: "S3 security remediation engine",
		Long: `Bucketwarden - S3 security remediation engine

Bucketwarden routes S3 compliance violations to idempotent remediation
handlers across accounts. It consumes violation events from a
compliance monitor, brokers scoped cross-account credentials, applies
the fix, and durably records every outcome for audit.

Run it as a daemon against an event queue, invoke it on a single
event, or scan accounts directly for misconfigured buckets.`,
		Version: version,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Bucketwarden {{.Version}} - S3 security remediation engine
`)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "bucketwarden.yaml", "Configuration file")
}
