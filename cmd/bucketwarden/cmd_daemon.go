package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wakimworks/bucketwarden/ingest"
	"github.com/wakimworks/bucketwarden/telemetry"
	"github.com/wakimworks/bucketwarden/wal"
)

var (
	daemonMetricsAddr  string
	daemonOTELEndpoint string
)

// daemonCmd runs the queue-driven remediation loop
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the queue-driven remediation daemon",
	Long: `Run bucketwarden as a daemon consuming violation events from the
configured SQS queue.

Each message is driven to a terminal outcome and deleted; failed
engine runs leave the message in flight for redelivery, which handler
idempotence absorbs safely.

Features:
- Concurrent event workers, one message each to completion
- Prometheus metrics on /metrics
- OTLP trace and metric export
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  bucketwarden daemon                      # Run with defaults
  bucketwarden daemon --metrics :9090      # Custom metrics address
  bucketwarden daemon --otel otel:4317     # Custom OTLP endpoint`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics", ":2112", "Metrics HTTP server address")
	daemonCmd.Flags().StringVar(&daemonOTELEndpoint, "otel", "", "OTLP gRPC endpoint")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	shutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    "bucketwarden",
		ServiceVersion: version,
		OTELEndpoint:   daemonOTELEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.cfg.QueueURL == "" {
		return fmt.Errorf("daemon mode requires queue_url in the configuration")
	}

	fmt.Printf("🚀 Starting bucketwarden daemon\n")
	fmt.Printf("   Queue: %s\n", app.cfg.QueueURL)
	fmt.Printf("   Mode: %s\n", app.cfg.Mode)
	fmt.Printf("   Metrics: http://localhost%s/metrics\n\n", daemonMetricsAddr)

	poller := ingest.NewPoller(sqs.NewFromConfig(app.awsCfg), app.cfg.QueueURL, app.router)

	var group run.Group

	// Signal handling
	group.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	// Event poller
	pollCtx, pollCancel := context.WithCancel(ctx)
	group.Add(func() error {
		return poller.Run(pollCtx)
	}, func(error) {
		pollCancel()
	})

	// Journal retention, sweeps expired files once a day
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	group.Add(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			stats, err := wal.CleanupWithStats(app.walDir, wal.DefaultConfig())
			if err != nil {
				fmt.Printf("⚠️  Journal cleanup failed: %v\n", err)
			} else if stats.FilesRemoved > 0 {
				fmt.Printf("🧹 Journal cleanup removed %d files (%d bytes)\n", stats.FilesRemoved, stats.BytesFreed)
			}
			select {
			case <-ticker.C:
			case <-cleanupCtx.Done():
				return nil
			}
		}
	}, func(error) {
		cleanupCancel()
	})

	// Metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              daemonMetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Add(func() error {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	err = group.Run()
	var signalErr run.SignalError
	if err != nil && !errors.As(err, &signalErr) {
		return err
	}

	fmt.Println("\n👋 Daemon stopped")
	return nil
}
