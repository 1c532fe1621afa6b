package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"notifyledger/internal/api"
	"notifyledger/internal/config"
	"notifyledger/internal/delivery"
	"notifyledger/internal/engine"
	"notifyledger/internal/ingest"
	"notifyledger/internal/logging"
	"notifyledger/internal/metrics"
	"notifyledger/internal/model"
	"notifyledger/internal/pipeline"
	"notifyledger/internal/results"
	"notifyledger/internal/sink"
)

type sinkTarget interface {
	delivery.Notifier
	pipeline.LedgerWriter
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingest, evaluation, delivery and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgManager, store, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	cfg := cfgManager.Get()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("notifyledger starting", "version", Version, "config", cfgManager.Path(), "storage", store.Driver())

	var target sinkTarget = sink.NewLog(logging.Component(logger, "sink"))
	if cfg.Sinks.Kafka.Enabled {
		k, err := sink.NewKafka(cfg.Sinks.Kafka)
		if err != nil {
			return err
		}
		defer k.Close()
		target = k
		logger.Info("kafka sink enabled", "brokers", cfg.Sinks.Kafka.Brokers)
	}

	eng := engine.NewEngine(cfg, store.Policies, store.Ledger, store.Queue,
		engine.NewKeywordScorer(cfg.Engine.Filters.PaymentKeywords), logging.Component(logger, "engine"))
	metricsStore := metrics.NewStore(0)
	resultStore := results.NewStore(cfg.Results.StoreLimit)
	pipe := pipeline.New(eng, target, pipeline.Options{
		Workers:        cfg.Engine.Workers,
		CommitRetries:  cfg.Engine.CommitRetries,
		EvalRetries:    2,
		OutcomeHistory: resultStore,
		Metrics:        metricsStore,
	}, logging.Component(logger, "pipeline"))

	candidates := make(chan model.Candidate, cfg.Ingest.ChannelBuffer)
	parser := ingest.NewParser()
	ingestLogger := logging.Component(logger, "ingest")
	ingest.StartREST(ctx, cfgManager, candidates, ingestLogger)
	ingest.StartUDP(ctx, cfgManager, parser, candidates, ingestLogger)
	ingest.StartTCPStream(ctx, cfgManager, parser, candidates, ingestLogger)
	ingest.StartFileTail(ctx, cfgManager, parser, candidates, ingestLogger)
	ingest.StartKafka(ctx, cfgManager, parser, candidates, ingestLogger)

	api.Start(ctx, api.Deps{
		Config:   cfgManager,
		Policies: store.Policies,
		Ledger:   store.Ledger,
		Queue:    store.Queue,
		Metrics:  metricsStore,
		Results:  resultStore,
		Engine:   eng,
		Logger:   logging.Component(logger, "api"),
		Version:  Version,
		Outcomes: pipe.Outcomes,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipe.Run(ctx, candidates)
	})
	if cfg.Delivery.Enabled {
		pool := delivery.NewPool(cfg.Delivery, store.Queue, target, logging.Component(logger, "delivery"))
		g.Go(func() error {
			return pool.Run(ctx)
		})
	} else {
		logger.Info("delivery disabled")
	}
	janitor := pipeline.NewJanitor(store.Ledger, cfg.Retention.Interval, cfg.Retention.MaxAge, logging.Component(logger, "retention"))
	g.Go(func() error {
		return janitor.Run(ctx)
	})
	g.Go(func() error {
		watchConfig(ctx, cfgManager, eng, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("notifyledger stopped")
	return err
}

// watchConfig reloads filter and threshold settings from disk. Listener
// addresses and storage settings need a restart.
func watchConfig(ctx context.Context, cfg *config.Manager, eng *engine.Engine, logger *slog.Logger) {
	if cfg.Path() == "" {
		<-ctx.Done()
		return
	}
	cfg.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("config reloaded", "path", cfg.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())
}
