package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chainhaven/dsnsync/config"
	"github.com/chainhaven/dsnsync/pkg/api"
	"github.com/chainhaven/dsnsync/pkg/dsn"
	"github.com/chainhaven/dsnsync/pkg/headers"
	"github.com/chainhaven/dsnsync/pkg/importer"
	"github.com/chainhaven/dsnsync/pkg/metrics"
	"github.com/chainhaven/dsnsync/pkg/retrieve"
	"github.com/chainhaven/dsnsync/pkg/segments"
	"github.com/chainhaven/dsnsync/pkg/verify"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the historical import pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, err := configPath(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			setupLogger(cfg.Log)

			log.Info().
				Str("version", version).
				Str("gateway_url", cfg.Gateway.URL).
				Str("node_url", cfg.Node.URL).
				Msg("starting dsnsync")

			return run(cmd.Context(), cfg)
		},
	}
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := segments.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open segment store: %w", err)
	}
	defer store.Close() //nolint:errcheck

	gateway, err := dsn.DialGateway(ctx, cfg.Gateway.URL, cfg.Gateway.AuthToken, log.Logger)
	if err != nil {
		return err
	}
	defer gateway.Close() //nolint:errcheck

	node, err := dsn.DialNode(ctx, cfg.Node.URL, log.Logger)
	if err != nil {
		return err
	}
	defer node.Close() //nolint:errcheck

	recorder := metrics.Recorder(metrics.Nop())
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		recorder = metrics.NewPromRecorder(nil, version)
		var opts []metrics.ServerOption
		if cfg.Metrics.EnableProfiling {
			opts = append(opts, metrics.WithProfiling())
		}
		metricsSrv = metrics.NewServer(cfg.Metrics.ListenAddr, log.Logger, opts...)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	validator := verify.NewValidator(store, verify.MerkleVerifier{}, log.Logger)
	provider := retrieve.NewProvider(gateway, validator, recorder, log.Logger)
	downloader := headers.NewDownloader(gateway, log.Logger)

	driver := &importer.Driver{
		Headers:           downloader,
		Store:             store,
		Pieces:            provider,
		Chain:             node,
		Queue:             node,
		ImportExisting:    cfg.Sync.ImportExisting,
		QueuedBlocksLimit: cfg.Sync.QueuedBlocksLimit,
		WaitForBlocks:     cfg.Sync.WaitForBlocks,
		Metrics:           recorder,
		Log:               log.Logger,
	}

	var statusSrv *api.Server
	if cfg.Status.ListenAddr != "" {
		handler := api.NewHealthHandler(driver, store, version)
		statusSrv = api.NewServer(cfg.Status.ListenAddr, handler, log.Logger)
		go func() {
			if err := statusSrv.Start(); err != nil {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	total, runErr := driver.Run(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Uint64("blocks", total).Msg("import pipeline failed")
	} else {
		log.Info().Uint64("blocks", total).Msg("import pipeline finished")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if statusSrv != nil {
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown failed")
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}

	return runErr
}
