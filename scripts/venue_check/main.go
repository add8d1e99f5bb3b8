package main

import (
	"context"
	"log"
	"os"
	"time"

	"signal-core/pkg/config"
	"signal-core/pkg/exchanges/binance/futures"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logger"
)

// venue_check quickly verifies the futures adapter can reach the venue.
// It only runs read endpoints; nothing is ever placed.
//
// Usage:
//
//	go run ./scripts/venue_check
//
// Env:
//
//	EXCHANGE_API_KEY / EXCHANGE_API_SECRET  (optional, enables account checks)
//	CHECK_SYMBOL                            (default "BTCUSDT")
func main() {
	log.Println("=== Venue check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	symbol := getenv("CHECK_SYMBOL", "BTCUSDT")

	client := futures.NewClient(futures.Config{
		APIKey:     cfg.ExchangeAPIKey,
		APISecret:  cfg.ExchangeAPISecret,
		Testnet:    cfg.ExchangeTestnet,
		QuoteAsset: cfg.QuoteAsset,
	}, zl)
	gw := common.NewThrottled(client, common.NewThrottle(common.DefaultThrottleConfig()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	check := func(name string, fn func() error) {
		if err := fn(); err != nil {
			log.Printf("[FAIL] %s: %v", name, err)
			failed = true
			return
		}
		log.Printf("[ OK ] %s", name)
	}

	check("server time", func() error {
		ms, err := client.ServerTime(ctx)
		if err == nil {
			log.Printf("       server time %s", time.UnixMilli(ms).UTC().Format(time.RFC3339))
		}
		return err
	})
	check("instruments", func() error {
		list, err := gw.ListInstruments(ctx)
		if err == nil {
			log.Printf("       %d tradable instruments", len(list))
			for _, inst := range list {
				if inst.Symbol == symbol {
					log.Printf("       %s tick=%v step=%v", inst.Symbol, inst.TickSize, inst.StepSize)
				}
			}
		}
		return err
	})
	check("mark price", func() error {
		px, err := gw.GetMarkPrice(ctx, symbol)
		if err == nil {
			log.Printf("       %s mark=%v", symbol, px)
		}
		return err
	})

	if cfg.ExchangeAPIKey == "" || cfg.ExchangeAPISecret == "" {
		log.Println("EXCHANGE_API_KEY/SECRET empty, skipping account checks")
	} else {
		check("balance", func() error {
			bal, err := gw.GetAvailableBalance(ctx)
			if err == nil {
				log.Printf("       available %v %s", bal, cfg.QuoteAsset)
			}
			return err
		})
		check("positions", func() error {
			pos, err := gw.GetPositions(ctx, symbol)
			if err == nil {
				log.Printf("       %d open positions on %s", len(pos), symbol)
			}
			return err
		})
	}

	log.Println("=== Venue check finished ===")
	if failed {
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
