package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"strata/internal/api"
	"strata/internal/broker"
	"strata/internal/config"
	"strata/internal/dispatch"
	"strata/internal/metrics"
	"strata/internal/server"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Long: `Run the broker: recover every stream from the data directory, start the
dispatch pipeline and the persistence scheduler, then serve TCP and HTTP
until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second,
		"How long to wait for in-flight commands and the final save on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve wires every component and blocks until ctx is cancelled.
//
// Startup order:   metrics ► broker (recovery) ► pipeline ► saver ► TCP ► HTTP
// Shutdown order:  HTTP, TCP ► saver ► pipeline drain ► final save ► broker
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	health := api.NewHealthState()

	registry := metrics.NewRegistry(cfg.MetricsConfig(), logger)

	b, err := broker.NewBroker(cfg.BrokerConfig(Version, registry, logger))
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	registry.RegisterCache(b.Cache())

	st := b.Stats()
	logger.Info("broker recovered",
		"data_dir", cfg.DataDir,
		"streams", st.StreamsCount,
		"topics", st.TopicsCount,
		"partitions", st.PartitionsCount,
		"messages", st.MessagesCount,
		"size", bytefmt.ByteSize(st.MessagesSizeBytes))

	dopts := cfg.DispatchOptions(logger)
	dopts.Resolver = b
	dopts.Observer = registry
	pipeline, err := dispatch.NewPipeline(b, dopts)
	if err != nil {
		b.Close()
		return fmt.Errorf("failed to start dispatch pipeline: %w", err)
	}
	registry.RegisterSnapshot(pipeline)

	saverCtx, stopSaver := context.WithCancel(context.Background())
	saver := dispatch.NewMessageSaver(cfg.SaverConfig(), pipeline, logger)
	saver.Start(saverCtx)

	var tcp *server.TCPServer
	if cfg.TCP.Enabled {
		handler := server.NewHandler(pipeline, server.DefaultHandlerConfig(), logger)
		tcp = server.NewTCPServer(cfg.TCP.Address, handler, b, logger)
		if err := tcp.Start(ctx); err != nil {
			stopSaver()
			pipeline.Close()
			<-pipeline.Done()
			b.Close()
			return err
		}
	}

	var httpServer *api.Server
	if cfg.HTTP.Enabled {
		hcfg := api.DefaultServerConfig()
		hcfg.Addr = cfg.HTTP.Address
		httpServer = api.NewServer(pipeline, registry.Handler(), health, hcfg, logger)
		httpServer.Start()
	}

	health.SetReady(true)
	logger.Info("strata started",
		"version", Version,
		"tcp", cfg.TCP.Address,
		"http", cfg.HTTP.Address,
		"saver", saver.State().String())

	<-ctx.Done()
	logger.Info("shutting down")
	health.SetLive(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if tcp != nil {
		if err := tcp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tcp: %w", err))
		}
	}

	stopSaver()
	<-saver.Done()

	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatch: %w", err))
	}

	// Nothing else can reach the broker now.
	if saved, err := b.PersistMessages(true); err != nil {
		errs = append(errs, fmt.Errorf("final save: %w", err))
	} else {
		logger.Info("final save complete", "messages", saved)
	}
	if err := b.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
