package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/params"
	"github.com/uhyunpark/hyperescrow/pkg/api"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/spot"
	"github.com/uhyunpark/hyperescrow/pkg/events"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	if err := run(cfg, logger); err != nil {
		sugar.Fatalw("escrowd_failed", "err", err)
	}
}

func run(cfg params.Config, logger *zap.Logger) error {
	sugar := logger.Sugar()

	store, err := storage.NewPebbleStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := spot.NewApp(spot.Config{
		Store:      store,
		Logger:     logger.Named("spot"),
		Registerer: reg,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			sugar.Warnw("store_close_failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = app.CreateMarket(ctx, market.Spec{
		Address:    cfg.Market.Address,
		BaseAsset:  asset.ID(cfg.Market.BaseAsset),
		QuoteAsset: asset.ID(cfg.Market.QuoteAsset),
		Params: market.Params{
			AllowSelfMatching:     cfg.Market.AllowSelfMatching,
			EmitEvents:            cfg.Market.EmitEvents,
			ReleaseOnCancel:       cfg.Market.ReleaseOnCancel,
			PreCancellationWindow: cfg.Market.PreCancelWindow,
		},
	})
	switch {
	case errors.Is(err, market.ErrConflictingMarket):
		sugar.Infow("market_exists", "market", cfg.Market.Address.Hex())
	case err != nil:
		return err
	}

	// ---- Event bus (optional) ----
	if len(cfg.Kafka.Brokers) > 0 {
		producer := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
		defer producer.Close()
		app.Subscribe(producer)
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- API Server ----
	server := api.NewServer(app, api.Config{
		Addr:              cfg.API.Addr,
		RequireSignatures: cfg.API.RequireSignatures,
		AllowedOrigins:    cfg.API.AllowedOrigins,
		Faucet:            cfg.API.Faucet,
	}, reg, logger.Named("api"))
	app.Subscribe(server.Hub())

	if !cfg.API.RequireSignatures {
		sugar.Warn("signature checks disabled")
	}
	if cfg.API.Faucet {
		sugar.Warn("faucet enabled")
	}

	sugar.Infow("escrowd_starting",
		"data_dir", cfg.Storage.DataDir,
		"markets", len(app.Markets()),
		"state_hash", app.StateHash().Hex())
	return server.Run(ctx)
}
