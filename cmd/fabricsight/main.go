package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabricsight/fabricsight/internal/collector"
	"github.com/fabricsight/fabricsight/pkg/auth"
	"github.com/fabricsight/fabricsight/pkg/config"
	"github.com/fabricsight/fabricsight/pkg/logger"
	"github.com/fabricsight/fabricsight/pkg/observability"
	"github.com/fabricsight/fabricsight/pkg/schema"

	gojson "github.com/goccy/go-json"
)

var version = "0.1.0"

// Exit codes: 0 all streams delivered, 1 partial failure, 2 fatal error
const (
	exitOK      = 0
	exitPartial = 1
	exitFatal   = 2
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	exitCode := exitOK

	root := &cobra.Command{
		Use:   "fabricsight",
		Short: "Fabricsight - Microsoft Fabric telemetry collector",
		Long: `Fabricsight collects operational telemetry from Microsoft Fabric and
Power BI (pipeline runs, dataflow runs, dataset refreshes, user activity,
capacity metrics) and delivers it to an Azure Monitor Logs Ingestion
endpoint as provisioned custom streams.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Fabricsight v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "streams",
		Short: "List provisioned streams and their destination tables",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range schema.Names() {
				s, _ := schema.Get(name)
				fmt.Printf("%s -> %s (%d columns)\n", s.Name, s.Table, len(s.Columns))
			}
		},
	})

	var configFile string
	var mode, detail, logLevel string
	var lookback, timeout time.Duration
	var workers int

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection cycle",
		Long: `Run one collection cycle: discover entities for the configured streams,
read records inside the collection window, normalize, and deliver batches
to the ingestion endpoint.

Example:
  fabricsight collect --config fabricsight.yaml --mode incremental`,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runCollect(configFile, mode, detail, logLevel, lookback, timeout, workers)
			exitCode = code
			return err
		},
		SilenceUsage: true,
	}

	collectCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file (required)")
	_ = collectCmd.MarkFlagRequired("config")
	collectCmd.Flags().StringVar(&mode, "mode", "", "Collection window mode (bulk, incremental, activity_backfill)")
	collectCmd.Flags().DurationVar(&lookback, "lookback", 0, "Window length override (e.g. 1h, 72h)")
	collectCmd.Flags().StringVar(&detail, "detail", "", "Detail level (summary, full)")
	collectCmd.Flags().IntVar(&workers, "workers", 0, "Concurrent entity workers")
	collectCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Run timeout; buffered records are still flushed at expiry")
	collectCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(collectCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
	os.Exit(exitCode)
}

// runCollect executes one collection run and reports the result
func runCollect(configFile, mode, detail, logLevel string, lookback, timeout time.Duration, workers int) (int, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return exitFatal, fmt.Errorf("configuration error: %w", err)
	}

	// Command line flags override the file
	if mode != "" {
		cfg.Collection.Mode = mode
	}
	if detail != "" {
		cfg.Collection.DetailLevel = detail
	}
	if lookback > 0 {
		cfg.Collection.Lookback = lookback
	}
	if workers > 0 {
		cfg.Collection.Workers = workers
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return exitFatal, fmt.Errorf("configuration error: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: "json",
	}); err != nil {
		return exitFatal, fmt.Errorf("logger initialization failed: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	log := logger.Get().With(zap.String("component", "fabricsight-cli"))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, cfg)
	if err != nil {
		return exitFatal, fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	if cfg.Observability.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
		defer srv.Close() //nolint:errcheck
	}

	provider := auth.NewChainFromConfig(cfg.Auth)
	c := collector.New(cfg, provider, logger.Get())

	result, err := c.Run(ctx)
	if err != nil {
		return exitFatal, fmt.Errorf("run failed: %w", err)
	}

	summary, err := gojson.MarshalIndent(result, "", "  ")
	if err == nil {
		fmt.Println(string(summary))
	}

	if !result.Succeeded() {
		return exitPartial, nil
	}
	return exitOK, nil
}
