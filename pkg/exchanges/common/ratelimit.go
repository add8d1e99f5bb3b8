package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Bucket names the two independent exchange throttles.
type Bucket string

const (
	BucketTrading Bucket = "trading"
	BucketGeneral Bucket = "general"
)

// ThrottleConfig sizes the two token buckets.
type ThrottleConfig struct {
	TradingPerSec float64
	TradingBurst  int
	GeneralPerSec float64
	GeneralBurst  int
}

// DefaultThrottleConfig keeps order endpoints well under typical venue caps.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		TradingPerSec: 5,
		TradingBurst:  5,
		GeneralPerSec: 20,
		GeneralBurst:  20,
	}
}

// Throttle holds the tight trading limiter and the looser general limiter.
type Throttle struct {
	trading *rate.Limiter
	general *rate.Limiter
	// OnWait observes how long each acquisition waited.
	OnWait func(b Bucket, waited time.Duration)
}

// NewThrottle builds both limiters from cfg.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	def := DefaultThrottleConfig()
	if cfg.TradingPerSec <= 0 {
		cfg.TradingPerSec = def.TradingPerSec
	}
	if cfg.TradingBurst <= 0 {
		cfg.TradingBurst = def.TradingBurst
	}
	if cfg.GeneralPerSec <= 0 {
		cfg.GeneralPerSec = def.GeneralPerSec
	}
	if cfg.GeneralBurst <= 0 {
		cfg.GeneralBurst = def.GeneralBurst
	}
	return &Throttle{
		trading: rate.NewLimiter(rate.Limit(cfg.TradingPerSec), cfg.TradingBurst),
		general: rate.NewLimiter(rate.Limit(cfg.GeneralPerSec), cfg.GeneralBurst),
	}
}

// Acquire suspends until the bucket has capacity. A wait the limiter refuses
// (deadline shorter than the reservation) is retried until ctx is done.
func (t *Throttle) Acquire(ctx context.Context, b Bucket) error {
	lim := t.general
	if b == BucketTrading {
		lim = t.trading
	}
	start := time.Now()
	for {
		err := lim.Wait(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if t.OnWait != nil {
		t.OnWait(b, time.Since(start))
	}
	return nil
}

// Throttled decorates a Gateway so every call passes through its bucket.
type Throttled struct {
	next     Gateway
	throttle *Throttle
}

// NewThrottled wraps next with throttle.
func NewThrottled(next Gateway, throttle *Throttle) *Throttled {
	return &Throttled{next: next, throttle: throttle}
}

func (g *Throttled) ListInstruments(ctx context.Context) ([]Instrument, error) {
	if err := g.throttle.Acquire(ctx, BucketGeneral); err != nil {
		return nil, err
	}
	return g.next.ListInstruments(ctx)
}

func (g *Throttled) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	if err := g.throttle.Acquire(ctx, BucketGeneral); err != nil {
		return nil, err
	}
	return g.next.GetPositions(ctx, symbol)
}

func (g *Throttled) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	if err := g.throttle.Acquire(ctx, BucketTrading); err != nil {
		return err
	}
	return g.next.SetMarginMode(ctx, symbol, mode)
}

func (g *Throttled) SetLeverage(ctx context.Context, symbol string, leverage int, mode MarginMode, side PositionSide) error {
	if err := g.throttle.Acquire(ctx, BucketTrading); err != nil {
		return err
	}
	return g.next.SetLeverage(ctx, symbol, leverage, mode, side)
}

func (g *Throttled) GetAvailableBalance(ctx context.Context) (float64, error) {
	if err := g.throttle.Acquire(ctx, BucketGeneral); err != nil {
		return 0, err
	}
	return g.next.GetAvailableBalance(ctx)
}

func (g *Throttled) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.throttle.Acquire(ctx, BucketGeneral); err != nil {
		return 0, err
	}
	return g.next.GetMarkPrice(ctx, symbol)
}

func (g *Throttled) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.throttle.Acquire(ctx, BucketGeneral); err != nil {
		return 0, err
	}
	return g.next.GetTickerPrice(ctx, symbol)
}

func (g *Throttled) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := g.throttle.Acquire(ctx, BucketTrading); err != nil {
		return OrderResult{}, err
	}
	return g.next.PlaceOrder(ctx, req)
}

func (g *Throttled) PlaceTPSL(ctx context.Context, req TPSLRequest) (OrderResult, error) {
	if err := g.throttle.Acquire(ctx, BucketTrading); err != nil {
		return OrderResult{}, err
	}
	return g.next.PlaceTPSL(ctx, req)
}

func (g *Throttled) PlaceTrigger(ctx context.Context, req TriggerRequest) (OrderResult, error) {
	if err := g.throttle.Acquire(ctx, BucketTrading); err != nil {
		return OrderResult{}, err
	}
	return g.next.PlaceTrigger(ctx, req)
}

func (g *Throttled) GetOrder(ctx context.Context, symbol, orderID string) (OrderDetail, error) {
	if err := g.throttle.Acquire(ctx, BucketGeneral); err != nil {
		return OrderDetail{}, err
	}
	return g.next.GetOrder(ctx, symbol, orderID)
}

func (g *Throttled) ClosePositions(ctx context.Context, symbol string) error {
	if err := g.throttle.Acquire(ctx, BucketTrading); err != nil {
		return err
	}
	return g.next.ClosePositions(ctx, symbol)
}

// WeightTracker follows the venue-reported request weight and warns near the cap.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	log           *zap.Logger
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker for limit weight per resetInterval.
func NewWeightTracker(limit int, resetInterval time.Duration, log *zap.Logger) *WeightTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		log:           log,
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" || w.limit <= 0 {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		w.lastReset = time.Now()
	}
	w.usedWeight = weight

	pct := float64(w.usedWeight) / float64(w.limit) * 100
	if pct >= 95 {
		w.log.Error("request weight critical", zap.Int("used", w.usedWeight), zap.Int("limit", w.limit))
	} else if pct >= 80 {
		w.log.Warn("request weight high", zap.Int("used", w.usedWeight), zap.Int("limit", w.limit))
	}
}

// Usage returns the current weight usage.
func (w *WeightTracker) Usage() (used int, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastReset) >= w.resetInterval || w.limit <= 0 {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}
