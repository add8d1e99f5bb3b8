// Package execution turns an accepted signal into exchange orders.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/order"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// Step is one stage of an execution.
type Step string

const (
	StepStart          Step = "start"
	StepPositionCheck  Step = "position-check"
	StepMarginMode     Step = "margin-mode-set"
	StepLeverage       Step = "leverage-set"
	StepBalanceCheck   Step = "balance-check"
	StepPriceDiscovery Step = "price-discovery"
	StepSizeCompute    Step = "size-compute"
	StepSlippageCheck  Step = "slippage-check"
	StepOrderPlaced    Step = "order-placed"
	StepStopAttempt    Step = "stop-attempt"
	StepDCAPlacement   Step = "dca-placement"
	StepDone           Step = "done"
)

// Status is the terminal state of an execution.
type Status string

const (
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

var (
	ErrNoOrderID           = errors.New("order placement returned no order id")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoPrice             = errors.New("no price available")
	ErrZeroSize            = errors.New("computed size is zero")
)

// FillTracker is the part of the fill supervisor execution drives.
type FillTracker interface {
	Track(ctx context.Context, p order.Pending) (db.OrderRecord, error)
	Poll(ctx context.Context, orderID string) bool
}

// OrderStore records orders that need no fill supervision.
type OrderStore interface {
	CreateOrder(ctx context.Context, o db.OrderRecord) (db.OrderRecord, error)
}

// Request is one accepted signal with the preferences snapshot it runs under.
type Request struct {
	Signal     signal.Signal
	Prefs      db.Preferences
	Instrument common.Instrument
}

// Result is the outcome of one execution.
type Result struct {
	MessageID string
	SignalID  string
	Status    Status
	Step      Step
	Reason    string
	Err       error
	OrderID   string
	Orders    []db.OrderRecord
	Latency   time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	// MarketPollDelay is the wait before the polled fill check of a market order.
	MarketPollDelay time.Duration
	// HedgeMode places orders on LONG/SHORT position sides instead of BOTH.
	HedgeMode bool
}

// Orchestrator runs the execution steps for one signal at a time per call.
// It is safe for concurrent use.
type Orchestrator struct {
	gw     common.Gateway
	fills  FillTracker
	orders OrderStore
	emit   events.Emitter
	cfg    Config
	log    *zap.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(gw common.Gateway, fills FillTracker, orders OrderStore, emit events.Emitter, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		gw:     gw,
		fills:  fills,
		orders: orders,
		emit:   emit,
		cfg:    cfg,
		log:    log,
		sleep:  sleepCtx,
	}
}

type run struct {
	req  Request
	sig  signal.Signal
	res  Result
	log  *zap.Logger
	side common.Side
	pos  common.PositionSide
}

// Execute runs every step for req and reports exactly one terminal outcome
// for failures and skips. Panics are turned into a failure.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	r := &run{
		req: req,
		sig: req.Signal,
		res: Result{MessageID: req.Signal.MessageID, SignalID: req.Signal.ID, Step: StepStart},
		log: o.log.With(zap.String("message_id", req.Signal.MessageID), zap.String("instrument", req.Instrument.Symbol)),
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("execution panic", zap.Any("panic", p), zap.String("step", string(r.res.Step)))
			o.fail(r, fmt.Errorf("panic: %v", p))
		}
		r.res.Latency = time.Since(start)
		res = r.res
	}()

	o.emit.Emit(events.For(events.ExecutionStart, r.sig))
	o.execute(ctx, r)
	return r.res
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	symbol := r.req.Instrument.Symbol
	prefs := r.req.Prefs

	r.side = common.SideBuy
	if r.sig.Direction == signal.Short {
		r.side = common.SideSell
	}
	r.pos = common.PositionBoth
	if o.cfg.HedgeMode {
		r.pos = common.PositionLong
		if r.sig.Direction == signal.Short {
			r.pos = common.PositionShort
		}
	}

	o.progress(r, StepPositionCheck, "checking open positions")
	positions, err := o.gw.GetPositions(ctx, symbol)
	if err != nil {
		o.fail(r, fmt.Errorf("get positions: %w", err))
		return
	}
	for _, p := range positions {
		if p.Size != 0 {
			o.skip(r, fmt.Sprintf("position already open on %s (%s %v)", symbol, p.PositionSide, p.Size))
			return
		}
	}

	lev := EffectiveLeverage(prefs.LeverageSource, prefs.Leverage, r.sig.Leverage)
	mode := common.ParseMarginMode(prefs.MarginMode)

	o.progress(r, StepMarginMode, fmt.Sprintf("margin mode %s", mode))
	o.bestEffort(r, "set margin mode", o.gw.SetMarginMode(ctx, symbol, mode))

	o.progress(r, StepLeverage, fmt.Sprintf("leverage %dx", lev))
	o.bestEffort(r, "set leverage", o.gw.SetLeverage(ctx, symbol, lev, mode, r.pos))

	o.progress(r, StepBalanceCheck, "checking available balance")
	balance, err := o.gw.GetAvailableBalance(ctx)
	if err != nil {
		o.fail(r, fmt.Errorf("get balance: %w", err))
		return
	}
	if balance < prefs.OrderAmount {
		o.fail(r, fmt.Errorf("%w: available %.2f, order amount %.2f", ErrInsufficientBalance, balance, prefs.OrderAmount))
		return
	}

	orderType := common.OrderType(strings.ToUpper(prefs.OrderType))
	if orderType != common.OrderTypeLimit {
		orderType = common.OrderTypeMarket
	}
	price := r.sig.EntryPrice
	o.progress(r, StepPriceDiscovery, "resolving entry price")
	if price <= 0 {
		price, err = o.discoverPrice(ctx, symbol)
		if err != nil {
			o.fail(r, err)
			return
		}
		// nothing to rest a limit at when the call had no entry
		orderType = common.OrderTypeMarket
	}

	o.progress(r, StepSizeCompute, "computing size")
	size := Size(prefs.OrderAmount, lev, price, r.req.Instrument.StepSize)

	if orderType == common.OrderTypeLimit {
		o.progress(r, StepSlippageCheck, "checking slippage")
		market, err := o.discoverPrice(ctx, symbol)
		if err != nil {
			r.log.Warn("slippage check skipped", zap.Error(err))
		} else if dev := Deviation(price, market); dev > prefs.SlippagePercent {
			orderType = common.OrderTypeMarket
			price = market
			size = Size(prefs.OrderAmount, lev, price, r.req.Instrument.StepSize)

			out := events.For(events.OrderTypeDowngraded, r.sig)
			out.Step = string(StepSlippageCheck)
			out.OrderType = string(common.OrderTypeMarket)
			out.Price = market
			out.Size = size
			out.Reason = fmt.Sprintf("market %.8g deviates %.2f%% from entry %.8g, limit %.2f%%",
				market, dev, r.sig.EntryPrice, prefs.SlippagePercent)
			o.emit.Emit(out)
			r.log.Info("limit order downgraded to market", zap.Float64("deviation_pct", dev), zap.Float64("market", market))
		}
	}
	if size <= 0 {
		o.fail(r, fmt.Errorf("%w: amount %.2f leverage %d price %.8g", ErrZeroSize, prefs.OrderAmount, lev, price))
		return
	}

	orderReq := common.OrderRequest{
		Symbol:       symbol,
		Side:         r.side,
		PositionSide: r.pos,
		Type:         orderType,
		Size:         size,
		ClientID:     uuid.NewString(),
	}
	if orderType == common.OrderTypeLimit {
		orderReq.Price = common.RoundToTick(price, r.req.Instrument.TickSize)
	}
	placed, err := o.gw.PlaceOrder(ctx, orderReq)
	if err != nil {
		o.fail(r, fmt.Errorf("place order: %w", err))
		return
	}
	if placed.OrderID == "" {
		o.fail(r, ErrNoOrderID)
		return
	}
	r.res.OrderID = placed.OrderID

	status := string(placed.Status)
	if status == "" || placed.Status == common.StatusUnknown {
		status = string(common.StatusNew)
	}
	rec, err := o.fills.Track(ctx, order.Pending{
		OrderID: placed.OrderID,
		Record: db.OrderRecord{
			SignalID:        r.sig.ID,
			MessageID:       r.sig.MessageID,
			ExchangeOrderID: placed.OrderID,
			Instrument:      symbol,
			Side:            string(r.side),
			PositionSide:    string(r.pos),
			OrderType:       string(orderType),
			Kind:            db.KindEntry,
			Price:           price,
			Size:            size,
			Leverage:        lev,
			Status:          status,
		},
		Signal:       r.sig,
		Prefs:        r.req.Prefs,
		Instrument:   r.req.Instrument,
		Side:         r.side,
		PositionSide: r.pos,
		OrderType:    orderType,
		Size:         size,
		EntryPrice:   price,
		Leverage:     lev,
	})
	if err != nil {
		r.log.Error("entry order placed but not tracked", zap.String("order_id", placed.OrderID), zap.Bool("unprotected", true), zap.Error(err))
		o.fail(r, fmt.Errorf("track order %s: %w", placed.OrderID, err))
		return
	}
	r.res.Orders = append(r.res.Orders, rec)

	placedOut := events.For(events.ExecutionProgress, r.sig)
	placedOut.Step = string(StepOrderPlaced)
	placedOut.OrderID = placed.OrderID
	placedOut.OrderType = string(orderType)
	placedOut.Price = price
	placedOut.Size = size
	o.emit.Emit(placedOut)
	r.res.Step = StepOrderPlaced

	if orderType == common.OrderTypeMarket {
		o.progress(r, StepStopAttempt, "checking market fill")
		o.sleep(ctx, o.cfg.MarketPollDelay)
		o.fills.Poll(ctx, placed.OrderID)
	}

	if len(r.sig.DCALevels) > 0 {
		o.placeDCA(ctx, r, lev)
	}

	o.progress(r, StepDone, "execution finished")
	r.res.Status = StatusDone
}

func (o *Orchestrator) placeDCA(ctx context.Context, r *run, lev int) {
	prefs := r.req.Prefs
	detected := events.For(events.DCADetected, r.sig)
	detected.Reason = fmt.Sprintf("%d DCA levels", len(r.sig.DCALevels))
	o.emit.Emit(detected)

	if !prefs.DCAEnabled || prefs.DCAMode != db.DCAModeAuto {
		return
	}
	o.progress(r, StepDCAPlacement, "placing DCA legs")
	for _, lvl := range r.sig.DCALevels {
		if err := o.placeDCALeg(ctx, r, lvl, lev); err != nil {
			r.log.Warn("DCA leg failed", zap.Int("level", lvl.Level), zap.Float64("price", lvl.Price), zap.Error(err))
			out := events.For(events.DCALegFailed, r.sig)
			out.Level = lvl.Level
			out.Price = lvl.Price
			out.Reason = err.Error()
			o.emit.Emit(out)
		}
	}
}

func (o *Orchestrator) placeDCALeg(ctx context.Context, r *run, lvl signal.DCALevel, lev int) error {
	inst := r.req.Instrument
	price := common.RoundToTick(lvl.Price, inst.TickSize)
	size := Size(r.req.Prefs.OrderAmount, lev, price, inst.StepSize)
	if size <= 0 {
		return ErrZeroSize
	}
	res, err := o.gw.PlaceOrder(ctx, common.OrderRequest{
		Symbol:       inst.Symbol,
		Side:         r.side,
		PositionSide: r.pos,
		Type:         common.OrderTypeLimit,
		Size:         size,
		Price:        price,
		ClientID:     uuid.NewString(),
	})
	if err != nil {
		return err
	}
	if res.OrderID == "" {
		return ErrNoOrderID
	}
	rec, err := o.orders.CreateOrder(ctx, db.OrderRecord{
		SignalID:        r.sig.ID,
		MessageID:       r.sig.MessageID,
		ExchangeOrderID: res.OrderID,
		Instrument:      inst.Symbol,
		Side:            string(r.side),
		PositionSide:    string(r.pos),
		OrderType:       string(common.OrderTypeLimit),
		Kind:            db.KindDCA,
		Price:           price,
		Size:            size,
		Leverage:        lev,
		Status:          string(common.StatusNew),
	})
	if err != nil {
		return fmt.Errorf("record DCA order %s: %w", res.OrderID, err)
	}
	r.res.Orders = append(r.res.Orders, rec)
	return nil
}

// discoverPrice returns the mark price, falling back to the last trade.
func (o *Orchestrator) discoverPrice(ctx context.Context, symbol string) (float64, error) {
	mark, err := o.gw.GetMarkPrice(ctx, symbol)
	if err == nil && mark > 0 {
		return mark, nil
	}
	o.log.Debug("mark price unavailable", zap.String("instrument", symbol), zap.Error(err))
	last, err := o.gw.GetTickerPrice(ctx, symbol)
	if err == nil && last > 0 {
		return last, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %v", ErrNoPrice, symbol, err)
	}
	return 0, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
}

func (o *Orchestrator) bestEffort(r *run, what string, err error) {
	switch {
	case err == nil:
	case common.IsAlreadySet(err):
		r.log.Debug(what+": already set", zap.Error(err))
	default:
		r.log.Warn(what+" failed, continuing with account state", zap.Error(err))
	}
}

func (o *Orchestrator) progress(r *run, step Step, msg string) {
	r.res.Step = step
	out := events.For(events.ExecutionProgress, r.sig)
	out.Step = string(step)
	out.Reason = msg
	o.emit.Emit(out)
}

func (o *Orchestrator) fail(r *run, err error) {
	r.res.Status = StatusFailed
	r.res.Err = err
	r.res.Reason = err.Error()
	r.log.Warn("execution failed", zap.String("step", string(r.res.Step)), zap.Error(err))
	out := events.For(events.ExecutionFailed, r.sig)
	out.Step = string(r.res.Step)
	out.Reason = r.res.Reason
	out.OrderID = r.res.OrderID
	o.emit.Emit(out)
}

func (o *Orchestrator) skip(r *run, reason string) {
	r.res.Status = StatusSkipped
	r.res.Reason = reason
	r.log.Info("execution skipped", zap.String("reason", reason))
	out := events.For(events.ExecutionSkipped, r.sig)
	out.Step = string(r.res.Step)
	out.Reason = reason
	o.emit.Emit(out)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
