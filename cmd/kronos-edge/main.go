package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"kronos-edge/internal/edge"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "kronos-edge",
	Short:         "Offline-first edge worker for the Kronos web app",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the app through the edge cache",
	RunE:  runServe,
}

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List cache buckets in the store (the server must be stopped)",
	RunE:  runBuckets,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("KRONOS_EDGE_CONFIG", "/kronos-edge.yaml"), "path to kronos-edge.yaml")
	rootCmd.AddCommand(serveCmd, bucketsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := edge.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := edge.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics := edge.NewMetrics()
	svc, err := edge.NewService(cfg, edge.WithLogger(logger), edge.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Error("install failed", zap.Error(err))
	}
	if err := svc.WatchConfig(configPath); err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	var metricsSrv *http.Server
	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Event streams never end on their own.
	svc.CloseStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func runBuckets(cmd *cobra.Command, _ []string) error {
	cfg, err := edge.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := edge.OpenCacheStorage(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Cache.Path, err)
	}
	defer st.Close()

	active, _ := st.ActiveVersion()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tENTRIES\tSIZE")
	for _, name := range st.Keys() {
		c, err := st.Get(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", name, c.Len(), humanize.Bytes(uint64(c.Size())))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if active != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nactive version: %s\n", active)
	}
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
