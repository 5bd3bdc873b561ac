package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	patterns "github.com/glimte/mmate-patterns"
	"github.com/glimte/mmate-patterns/internal/config"
	"github.com/glimte/mmate-patterns/metrics"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app holds what every subcommand needs once the root command has run
type app struct {
	cfg    config.Config
	logger *slog.Logger
	client *patterns.Client
	server *http.Server
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var (
		brokerURL string
		logLevel  string
		confirms  bool
	)

	rootCmd := &cobra.Command{
		Use:   "patterns",
		Short: "Publish and consume RabbitMQ messages with the classic routing patterns",
		Long: `patterns demonstrates fanout, direct, topic and headers exchanges and
durable work queues against a RabbitMQ broker.

The broker is configured from RABBITMQ_* environment variables or a .env file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if brokerURL != "" {
				cfg.RawURL = brokerURL
			}
			if logLevel != "" {
				if _, err := config.ParseLevel(logLevel); err != nil {
					return err
				}
				cfg.LogLevel = logLevel
			}
			return a.init(cfg, confirms)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "RabbitMQ connection URL (overrides RABBITMQ_* settings)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&confirms, "confirms", false, "Wait for broker confirmation of every publish")

	rootCmd.AddCommand(
		newPublishCommand(a),
		newSubscribeCommand(a),
		newEnqueueCommand(a),
		newWorkerCommand(a),
		newHealthCommand(a),
	)
	return rootCmd
}

func (a *app) init(cfg config.Config, confirms bool) error {
	a.cfg = cfg
	a.logger = cfg.Logger()
	slog.SetDefault(a.logger)

	options := []patterns.ClientOption{
		patterns.WithLogger(a.logger),
		patterns.WithConfirms(confirms),
		patterns.WithConnectionName("patterns-cli " + version),
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		options = append(options, patterns.WithMetrics(m))
		a.serveMetrics(reg)
	}

	client, err := patterns.NewClient(cfg, options...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	a.client = client
	return nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	a.server = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

func (a *app) close() error {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to stop metrics server", "error", err)
		}
	}
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}
