package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"signal-core/pkg/config"
	"signal-core/pkg/exchanges/binance/futures"
	"signal-core/pkg/logger"
)

// This script tests the futures user data stream end to end:
// - opens a listen key with the configured credentials
// - logs every fill the stream decoder produces
//
// Usage:
//
//	go run ./scripts/user_stream_check
//
// Make sure EXCHANGE_API_KEY / EXCHANGE_API_SECRET are set in .env.
func main() {
	log.Println("=== User Stream check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	if cfg.ExchangeAPIKey == "" || cfg.ExchangeAPISecret == "" {
		log.Fatalf("EXCHANGE_API_KEY/SECRET are required")
	}
	zl, err := logger.New("debug")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 10*time.Minute)
	defer cancelTimeout()

	log.Printf("Config: testnet=%v", cfg.ExchangeTestnet)

	client := futures.NewClient(futures.Config{
		APIKey:     cfg.ExchangeAPIKey,
		APISecret:  cfg.ExchangeAPISecret,
		Testnet:    cfg.ExchangeTestnet,
		QuoteAsset: cfg.QuoteAsset,
	}, zl.Named("futures"))
	client.Start(ctx)

	stream := futures.NewUserStream(client, cfg.ExchangeTestnet, zl.Named("user-stream"))
	stream.Start(ctx)

	log.Println("User stream started. Place some test orders on the venue to see fill events.")
	for f := range stream.Fills() {
		log.Printf("[FILL] order=%s symbol=%s status=%s price=%v qty=%v", f.OrderID, f.Symbol, f.Status, f.Price, f.Size)
	}
	log.Println("=== User Stream check finished ===")
}
