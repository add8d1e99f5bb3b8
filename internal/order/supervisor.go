// Package order supervises placed entry orders until a protective stop is
// attached to the resulting position.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// Trigger names the path that resolved a pending fill.
type Trigger string

const (
	TriggerStream    Trigger = "stream"
	TriggerPoll      Trigger = "poll"
	TriggerReconcile Trigger = "reconcile"
)

const earlyFillTTL = 5 * time.Minute

// ErrNoProtectiveID is returned when the venue accepts a stop without an id.
var ErrNoProtectiveID = errors.New("stop placement returned no order id")

// Store is the order persistence the supervisor needs.
type Store interface {
	CreateOrder(ctx context.Context, o db.OrderRecord) (db.OrderRecord, error)
	SetProtectiveOrder(ctx context.Context, id, protectiveID string, stopPrice float64) error
	UpdateOrderStatus(ctx context.Context, id, status string) error
}

// Pending links a placed entry order to what is needed to protect it.
type Pending struct {
	OrderID      string              `json:"order_id"`
	Record       db.OrderRecord      `json:"record"`
	Signal       signal.Signal       `json:"signal"`
	Prefs        db.Preferences      `json:"preferences"`
	Instrument   common.Instrument   `json:"instrument"`
	Side         common.Side         `json:"side"`
	PositionSide common.PositionSide `json:"position_side"`
	OrderType    common.OrderType    `json:"order_type"`
	Size         float64             `json:"size"`
	EntryPrice   float64             `json:"entry_price"`
	Leverage     int                 `json:"leverage"`
	CreatedAt    time.Time           `json:"created_at"`
}

type earlyFill struct {
	fill common.Fill
	seen time.Time
}

// Supervisor owns the pending fill contexts. A context is taken out of the
// map before its stop is placed, so each entry order gets at most one stop
// whichever trigger observes the fill first.
type Supervisor struct {
	gw    common.Gateway
	store Store
	emit  events.Emitter
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string]*Pending
	early   map[string]earlyFill
}

// NewSupervisor creates a supervisor placing stops through gw.
func NewSupervisor(gw common.Gateway, store Store, emit events.Emitter, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		gw:      gw,
		store:   store,
		emit:    emit,
		log:     log,
		pending: make(map[string]*Pending),
		early:   make(map[string]earlyFill),
	}
}

// Track persists the order record, then registers its pending context. A
// fill that arrived before registration sits in the early buffer and is
// applied immediately.
func (s *Supervisor) Track(ctx context.Context, p Pending) (db.OrderRecord, error) {
	if p.OrderID == "" {
		return db.OrderRecord{}, fmt.Errorf("track: empty order id")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	rec, err := s.store.CreateOrder(ctx, p.Record)
	if err != nil {
		return db.OrderRecord{}, fmt.Errorf("record order: %w", err)
	}
	p.Record = rec

	s.mu.Lock()
	ef, early := s.early[p.OrderID]
	if early {
		delete(s.early, p.OrderID)
	} else {
		s.pending[p.OrderID] = &p
	}
	s.mu.Unlock()

	if early {
		s.log.Info("applying fill received before tracking", zap.String("order_id", p.OrderID))
		s.protect(ctx, &p, ef.fill.Price, TriggerStream)
	}
	return rec, nil
}

// HandleFill resolves the context for a streamed fill. It reports whether a
// context was consumed.
func (s *Supervisor) HandleFill(ctx context.Context, f common.Fill) bool {
	if f.Status != "" && f.Status != common.StatusFilled {
		return false
	}
	p, ok := s.takeOrRemember(f)
	if !ok {
		return false
	}
	s.protect(ctx, p, f.Price, TriggerStream)
	return true
}

// Poll queries the order and resolves it when filled. A terminal order with
// a partial fill is protected for the filled size; other terminal states
// drop the context. It reports whether a stop was attempted.
func (s *Supervisor) Poll(ctx context.Context, orderID string) bool {
	return s.poll(ctx, orderID, TriggerPoll)
}

// Reconcile is Poll for the background sweep.
func (s *Supervisor) Reconcile(ctx context.Context, orderID string) bool {
	return s.poll(ctx, orderID, TriggerReconcile)
}

func (s *Supervisor) poll(ctx context.Context, orderID string, trig Trigger) bool {
	s.mu.Lock()
	p, ok := s.pending[orderID]
	var symbol string
	if ok {
		symbol = p.Instrument.Symbol
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	d, err := s.gw.GetOrder(ctx, symbol, orderID)
	if err != nil {
		s.log.Warn("order status query failed",
			zap.String("order_id", orderID), zap.String("trigger", string(trig)), zap.Error(err))
		return false
	}

	switch {
	case d.Status == common.StatusFilled:
		p, ok := s.take(orderID)
		if !ok {
			return false
		}
		s.protect(ctx, p, d.AvgPrice, trig)
		return true
	case d.Status.Terminal() && d.FilledSize > 0:
		// Canceled or expired after a partial fill: the filled part is an
		// open position and gets a stop for that size.
		p, ok := s.take(orderID)
		if !ok {
			return false
		}
		s.log.Warn("entry order ended partially filled",
			zap.String("order_id", orderID), zap.String("status", string(d.Status)),
			zap.Float64("ordered", p.Size), zap.Float64("filled", d.FilledSize))
		p.Size = d.FilledSize
		s.protect(ctx, p, d.AvgPrice, trig)
		return true
	case d.Status.Terminal():
		p, ok := s.take(orderID)
		if !ok {
			return false
		}
		if err := s.store.UpdateOrderStatus(ctx, p.Record.ID, string(d.Status)); err != nil {
			s.log.Warn("update order status failed", zap.String("order_id", orderID), zap.Error(err))
		}
		o := events.For(events.OrderCanceled, p.Signal)
		o.OrderID = orderID
		o.Reason = fmt.Sprintf("entry order %s", d.Status)
		s.emit.Emit(o)
		return false
	default:
		return false
	}
}

// Run consumes the fill feed until ctx is done or the feed closes.
func (s *Supervisor) Run(ctx context.Context, feed common.FillFeed) {
	fills := feed.Fills()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fills:
			if !ok {
				return
			}
			s.HandleFill(ctx, f)
		}
	}
}

// Snapshot returns a copy of the pending contexts, oldest first.
func (s *Supervisor) Snapshot() []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of pending contexts.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Supervisor) take(orderID string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[orderID]
	if ok {
		delete(s.pending, orderID)
	}
	return p, ok
}

// takeOrRemember removes the context for f, or buffers f when no context is
// registered yet. Both happen under one lock so a concurrent Track either
// sees the buffered fill or its context is taken here.
func (s *Supervisor) takeOrRemember(f common.Fill) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[f.OrderID]; ok {
		delete(s.pending, f.OrderID)
		return p, true
	}
	if f.OrderID == "" {
		return nil, false
	}
	now := time.Now()
	for id, e := range s.early {
		if now.Sub(e.seen) > earlyFillTTL {
			delete(s.early, id)
		}
	}
	s.early[f.OrderID] = earlyFill{fill: f, seen: now}
	return nil, false
}

func (s *Supervisor) protect(ctx context.Context, p *Pending, fillPrice float64, trig Trigger) {
	entry := fillPrice
	if entry <= 0 {
		entry = p.EntryPrice
	}
	stop := StopPrice(entry, p.Signal.Direction, p.Prefs.StopVariancePercent, p.Instrument.TickSize)
	log := s.log.With(
		zap.String("order_id", p.OrderID),
		zap.String("instrument", p.Instrument.Symbol),
		zap.String("trigger", string(trig)),
		zap.Float64("stop_price", stop),
	)

	protectiveID, err := s.placeStop(ctx, p, entry, stop)
	if err != nil {
		log.Error("protective stop placement failed", zap.Bool("unprotected", true), zap.Error(err))
		if uerr := s.store.UpdateOrderStatus(ctx, p.Record.ID, string(common.StatusFilled)); uerr != nil {
			log.Warn("update order status failed", zap.Error(uerr))
		}
		o := events.For(events.StopFailed, p.Signal)
		o.OrderID = p.OrderID
		o.StopPrice = stop
		o.Size = p.Size
		o.Price = entry
		o.Reason = err.Error()
		s.emit.Emit(o)
		return
	}

	if err := s.store.SetProtectiveOrder(ctx, p.Record.ID, protectiveID, stop); err != nil {
		log.Warn("persist protective order failed", zap.String("protective_order_id", protectiveID), zap.Error(err))
	}
	log.Info("protective stop placed", zap.String("protective_order_id", protectiveID))

	o := events.For(events.ExecutionComplete, p.Signal)
	o.OrderID = p.OrderID
	o.OrderType = string(p.OrderType)
	o.Price = entry
	o.Size = p.Size
	o.StopPrice = stop
	o.Step = string(trig)
	s.emit.Emit(o)
}

func (s *Supervisor) placeStop(ctx context.Context, p *Pending, entry, stop float64) (string, error) {
	closeSide := p.Side.Opposite()
	var (
		res common.OrderResult
		err error
	)
	if p.Prefs.StopType == db.StopTypeAlgo {
		res, err = s.gw.PlaceTrigger(ctx, common.TriggerRequest{
			Symbol:       p.Instrument.Symbol,
			Side:         closeSide,
			PositionSide: p.PositionSide,
			Size:         p.Size,
			TriggerPrice: stop,
		})
	} else {
		req := common.TPSLRequest{
			Symbol:          p.Instrument.Symbol,
			Side:            closeSide,
			PositionSide:    p.PositionSide,
			Size:            p.Size,
			StopLossTrigger: stop,
		}
		if tp, ok := p.Signal.LastTakeProfit(); ok && profitable(p.Signal.Direction, entry, tp.Price) {
			req.TakeProfitTrigger = common.RoundToTick(tp.Price, p.Instrument.TickSize)
		}
		res, err = s.gw.PlaceTPSL(ctx, req)
	}
	if err != nil {
		return "", err
	}
	if res.OrderID == "" {
		return "", ErrNoProtectiveID
	}
	return res.OrderID, nil
}
