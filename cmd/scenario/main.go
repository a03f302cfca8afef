package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/spot"
	"github.com/uhyunpark/hyperescrow/pkg/scenario"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

func main() {
	retain := flag.Bool("retain", false, "keep escrow on cancel and decrease instead of releasing it")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger, err := util.NewLogger(*level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	store, err := storage.NewInMemoryStore()
	if err != nil {
		logger.Fatal("store_open_failed", zap.Error(err))
	}
	app, err := spot.NewApp(spot.Config{Store: store, Logger: logger.Named("spot")})
	if err != nil {
		logger.Fatal("app_init_failed", zap.Error(err))
	}
	defer app.Close()

	opts := scenario.DefaultOptions()
	opts.Params.ReleaseOnCancel = !*retain

	report, err := scenario.Run(context.Background(), app, opts, logger.Named("scenario"))
	if err != nil {
		logger.Fatal("scenario_failed", zap.Error(err))
	}

	fmt.Printf("Market %s (%s/%s, release on cancel: %v)\n\n",
		report.Market.Hex(), opts.Base, opts.Quote, opts.Params.ReleaseOnCancel)
	for i, step := range report.Steps {
		fmt.Printf("  %2d. %s\n", i+1, step)
	}

	fmt.Printf("\nFills (%d):\n", len(report.Fills))
	for _, f := range report.Fills {
		side := "sell"
		if f.TakerIsBuyer {
			side = "buy"
		}
		fmt.Printf("  taker %s %s %d @ %d from maker %s\n",
			f.Taker.Hex()[:10], side, f.Size, f.Price, f.Maker.Hex()[:10])
	}

	fmt.Println("\nTraders:")
	for _, tr := range report.Traders {
		fmt.Printf("  %s %s\n", tr.Name, tr.Address.Hex())
		fmt.Printf("    vault:    base %d quote %d\n", tr.Vault.Base, tr.Vault.Quote)
		fmt.Printf("    external: base %d quote %d\n", tr.Base, tr.Quote)
	}
	fmt.Printf("\nState hash: %s\n", report.StateHash.Hex())
}
