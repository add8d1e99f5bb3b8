package config

import (
	"context"
	"testing"
	"time"

	"signal-core/pkg/db"
)

func TestLoadDefaultsInDryRun(t *testing.T) {
	t.Setenv("DRY_RUN", "true")
	t.Setenv("MARKET_POLL_DELAY", "500ms")
	t.Setenv("CHAT_CHANNEL_IDS", " 1, 2 ,,3")
	t.Setenv("TRADING_BURST", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MarketPollDelay != 500*time.Millisecond {
		t.Errorf("MarketPollDelay = %v", cfg.MarketPollDelay)
	}
	if len(cfg.ChatChannelIDs) != 3 || cfg.ChatChannelIDs[1] != "2" {
		t.Errorf("ChatChannelIDs = %v", cfg.ChatChannelIDs)
	}
	if cfg.TradingBurst != 5 {
		t.Errorf("TradingBurst should fall back to default, got %d", cfg.TradingBurst)
	}
	if cfg.MaxPriceDeviation != 0.10 {
		t.Errorf("MaxPriceDeviation = %v", cfg.MaxPriceDeviation)
	}
}

func TestLoadRequiresKeysForLiveTrading(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("EXCHANGE_API_KEY", "")
	t.Setenv("EXCHANGE_API_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without exchange keys")
	}
}

func TestParseSeedKeepsDefaults(t *testing.T) {
	seed, err := parseSeed([]byte(`
preferences:
  order_amount: 50
  leverage_source: max
whitelist:
  - alice
  - bob
`))
	if err != nil {
		t.Fatalf("parseSeed: %v", err)
	}
	if !seed.HasPreferences {
		t.Fatal("expected preferences present")
	}
	want := db.DefaultPreferences()
	want.OrderAmount = 50
	want.LeverageSource = db.LeverageSourceMax
	if seed.Preferences != want {
		t.Fatalf("got %+v want %+v", seed.Preferences, want)
	}
	if len(seed.Whitelist) != 2 {
		t.Fatalf("whitelist = %v", seed.Whitelist)
	}

	seed, err = parseSeed([]byte("whitelist: [carol]\n"))
	if err != nil {
		t.Fatalf("parseSeed: %v", err)
	}
	if seed.HasPreferences {
		t.Fatal("preferences must be absent")
	}
}

func TestApplySeedOnlyFillsEmptyStore(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first := &Seed{Preferences: db.DefaultPreferences(), HasPreferences: true, Whitelist: []string{"alice"}}
	first.Preferences.OrderAmount = 25
	if err := ApplySeed(ctx, database, first); err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}

	second := &Seed{Preferences: db.DefaultPreferences(), HasPreferences: true, Whitelist: []string{"mallory"}}
	second.Preferences.OrderAmount = 99
	if err := ApplySeed(ctx, database, second); err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}

	prefs, _ := database.GetPreferences(ctx)
	if prefs.OrderAmount != 25 {
		t.Fatalf("seed overwrote saved preferences: %+v", prefs)
	}
	names, _ := database.ListWhitelist(ctx)
	if len(names) != 1 || names[0] != "alice" {
		t.Fatalf("seed overwrote whitelist: %v", names)
	}
}
