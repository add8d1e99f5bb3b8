// Package pipeline owns the signal lifecycle: it parses chat events, gates
// them, hands accepted signals to execution and routes edits to the tracker.
//
// All mutable lifecycle state (processed messages, instruments, parked
// confirmations) is touched only by the goroutine running Run. Other
// goroutines reach it through Submit and the command methods.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/execution"
	"signal-core/internal/gate"
	"signal-core/internal/persistence"
	"signal-core/internal/signal"
	"signal-core/internal/tracker"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// Kind distinguishes chat event types.
type Kind string

const (
	KindMessage Kind = "message"
	KindEdit    Kind = "edit"
)

// Event is one chat gateway delivery.
type Event struct {
	Kind        Kind      `json:"kind"`
	MessageID   string    `json:"message_id"`
	ChannelID   string    `json:"channel_id"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	OldContent  string    `json:"old_content,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Time        time.Time `json:"timestamp"`
}

// Text flattens content and attachment text into one blob.
func (e Event) Text() string {
	parts := make([]string, 0, 1+len(e.Attachments))
	if s := strings.TrimSpace(e.Content); s != "" {
		parts = append(parts, s)
	}
	for _, a := range e.Attachments {
		if s := strings.TrimSpace(a); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

var (
	ErrNotParked = errors.New("no signal awaiting confirmation")
	ErrStopped   = errors.New("pipeline stopped")
)

// Store is the persistence the pipeline reads.
type Store interface {
	GetPreferences(ctx context.Context) (db.Preferences, error)
	ListWhitelist(ctx context.Context) ([]string, error)
	AcceptedMessageIDs(ctx context.Context) ([]string, error)
}

// History receives append-only signal and edit records.
type History interface {
	Enqueue(r persistence.Op)
}

// Executor runs accepted signals asynchronously.
type Executor interface {
	Submit(ctx context.Context, req execution.Request) error
	Results() <-chan execution.Result
}

// Venue is the exchange surface the pipeline itself uses.
type Venue interface {
	ListInstruments(ctx context.Context) ([]common.Instrument, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	ClosePositions(ctx context.Context, symbol string) error
}

// Config tunes the pipeline.
type Config struct {
	QuoteAsset        string
	ChannelIDs        []string
	MaxDeviation      float64
	PriceTimeout      time.Duration
	InstrumentRefresh time.Duration
	QueueSize         int
}

// Deps are the pipeline collaborators.
type Deps struct {
	Store    Store
	History  History
	Executor Executor
	Venue    Venue
	Emitter  events.Emitter
	Tracker  *tracker.Tracker
	// OnResult is called on the loop for every finished execution.
	OnResult func(execution.Result)
}

// pricing is a message waiting for its market price before evaluation.
type pricing struct {
	ev   Event
	text string
	cand gate.Candidate
}

type parked struct {
	req  execution.Request
	text string
	at   time.Time
}

// Pipeline is the single-owner orchestration loop.
type Pipeline struct {
	cfg       Config
	deps      Deps
	log       *zap.Logger
	extractor *signal.Extractor
	gate      *gate.Gate
	channels  map[string]bool

	events  chan Event
	cmds    chan func(ctx context.Context)
	priced  chan pricing
	done    chan struct{}
	running atomic.Bool

	parked      map[string]parked
	instruments atomic.Int64
}

// New builds a pipeline. Call Init before Run.
func New(cfg Config, deps Deps, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 2 * time.Second
	}
	extractor := signal.NewExtractor(cfg.QuoteAsset)
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(extractor, deps.Emitter, log.Named("tracker"))
	}
	channels := make(map[string]bool, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		channels[id] = true
	}
	return &Pipeline{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		extractor: extractor,
		gate:      gate.New(cfg.MaxDeviation),
		channels:  channels,
		events:    make(chan Event, cfg.QueueSize),
		cmds:      make(chan func(ctx context.Context)),
		priced:    make(chan pricing),
		done:      make(chan struct{}),
		parked:    make(map[string]parked),
	}
}

// Init loads the instrument set and the already-accepted message ids.
// It must run before Run.
func (p *Pipeline) Init(ctx context.Context) error {
	list, err := p.deps.Venue.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	p.gate.SetInstruments(list)
	p.instruments.Store(int64(len(list)))

	ids, err := p.deps.Store.AcceptedMessageIDs(ctx)
	if err != nil {
		return fmt.Errorf("load processed messages: %w", err)
	}
	p.gate.MarkProcessed(ids...)
	p.log.Info("pipeline initialised", zap.Int("instruments", len(list)), zap.Int("processed", len(ids)))
	return nil
}

// Run processes events, commands and execution results until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	p.running.Store(true)
	defer func() {
		p.running.Store(false)
		close(p.done)
	}()

	var refresh <-chan time.Time
	if p.cfg.InstrumentRefresh > 0 {
		t := time.NewTicker(p.cfg.InstrumentRefresh)
		defer t.Stop()
		refresh = t.C
	}
	results := p.deps.Executor.Results()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.events:
			p.handle(ctx, ev)
		case fn := <-p.cmds:
			fn(ctx)
		case pc := <-p.priced:
			p.decide(ctx, pc.ev, pc.text, pc.cand)
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			p.onResult(res)
		case <-refresh:
			go p.refreshInstruments(ctx)
		}
	}
}

// Submit queues a chat event. It blocks only while the queue is full.
func (p *Pipeline) Submit(ctx context.Context, ev Event) error {
	select {
	case p.events <- ev:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop and waits for it.
func (p *Pipeline) do(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}
	select {
	case p.cmds <- wrapped:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) handle(ctx context.Context, ev Event) {
	if len(p.channels) > 0 && ev.ChannelID != "" && !p.channels[ev.ChannelID] {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	switch ev.Kind {
	case KindEdit:
		p.handleEdit(ctx, ev)
	default:
		p.handleMessage(ctx, ev)
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, ev Event) {
	text := ev.Text()
	sig, ok := p.extractor.Extract(signal.Input{
		Text:      text,
		MessageID: ev.MessageID,
		Time:      ev.Time,
		Seen:      p.gate.Processed,
	})
	log := p.log.With(zap.String("message_id", ev.MessageID))

	whitelist, err := p.deps.Store.ListWhitelist(ctx)
	if err != nil && ok {
		log.Error("whitelist unavailable, rejecting signal", zap.Error(err))
	}
	cand := gate.Candidate{Signal: sig, Parsed: ok, Author: ev.Author, Whitelist: whitelist, WhitelistUnavailable: err != nil}
	if ok && err == nil && sig.EntryPrice > 0 {
		if _, known := p.gate.Instrument(sig.Instrument); known {
			// The lookup runs off the loop; the result comes back on priced.
			go p.priceCandidate(ctx, pricing{ev: ev, text: text, cand: cand})
			return
		}
	}
	p.decide(ctx, ev, text, cand)
}

func (p *Pipeline) priceCandidate(ctx context.Context, pc pricing) {
	pc.cand.MarketPrice = p.marketPrice(ctx, pc.cand.Signal.Instrument)
	select {
	case p.priced <- pc:
	case <-p.done:
	case <-ctx.Done():
	}
}

// decide runs the gate and acts on its verdict. It runs on the loop.
func (p *Pipeline) decide(ctx context.Context, ev Event, text string, cand gate.Candidate) {
	sig := cand.Signal
	log := p.log.With(zap.String("message_id", ev.MessageID))

	d := p.gate.Evaluate(cand)
	if d.Silent() {
		log.Debug("message ignored", zap.String("code", string(d.Code)))
		return
	}

	verdict := db.VerdictAccepted
	if !d.Accepted {
		verdict = db.VerdictRejected
	}
	p.deps.History.Enqueue(db.SignalRecord{
		SignalID:   sig.ID,
		MessageID:  ev.MessageID,
		ChannelID:  ev.ChannelID,
		Author:     ev.Author,
		Instrument: sig.Instrument,
		Direction:  string(sig.Direction),
		EntryPrice: sig.EntryPrice,
		Leverage:   sig.Leverage,
		TraderName: sig.TraderName,
		Content:    text,
		Verdict:    verdict,
		Reason:     d.Reason,
		CreatedAt:  ev.Time,
	})

	if !d.Accepted {
		log.Info("signal rejected", zap.String("code", string(d.Code)), zap.String("reason", d.Reason))
		o := events.For(events.SignalRejected, sig)
		o.Reason = d.Reason
		p.deps.Emitter.Emit(o)
		return
	}

	log.Info("signal accepted",
		zap.String("instrument", sig.Instrument),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("entry", sig.EntryPrice))
	p.deps.Emitter.Emit(events.For(events.SignalAccepted, sig))
	p.deps.Tracker.Add(sig, text)

	prefs, err := p.deps.Store.GetPreferences(ctx)
	if err != nil {
		p.failBeforeExecution(sig, fmt.Errorf("load preferences: %w", err))
		return
	}
	inst, _ := p.gate.Instrument(sig.Instrument)
	req := execution.Request{Signal: sig, Prefs: prefs, Instrument: inst}

	if prefs.ConfirmBeforeOrder {
		p.parked[sig.MessageID] = parked{req: req, text: text, at: time.Now()}
		p.deps.Emitter.Emit(events.For(events.ConfirmationRequired, sig))
		return
	}
	p.submit(ctx, req)
}

func (p *Pipeline) handleEdit(ctx context.Context, ev Event) {
	text := ev.Text()
	if _, tracked := p.deps.Tracker.Get(ev.MessageID); !tracked && !p.gate.Processed(ev.MessageID) {
		if _, ok := p.extractor.Extract(signal.Input{Text: text, MessageID: ev.MessageID}); ok {
			p.log.Debug("edit of unseen message handled as new", zap.String("message_id", ev.MessageID))
			p.handleMessage(ctx, ev)
			return
		}
	}

	var parsed *signal.Signal
	if sig, ok := p.extractor.Extract(signal.Input{Text: text, MessageID: ev.MessageID, Time: ev.Time, Seen: p.gate.Processed}); ok {
		parsed = &sig
	}
	res := p.deps.Tracker.Edit(ev.MessageID, text, ev.OldContent, parsed)
	if !res.Found {
		return
	}

	hits := make([]int, 0, len(res.Change.NewlyHit))
	for _, tp := range res.Change.NewlyHit {
		hits = append(hits, tp.Level)
	}
	p.deps.History.Enqueue(db.EditRecord{
		MessageID: ev.MessageID,
		Version:   res.Version,
		Content:   text,
		TPHits:    hits,
		Closed:    res.Change.Closed,
		FinalPnL:  res.Change.FinalPnL,
		CreatedAt: ev.Time,
	})
	if res.Removed {
		delete(p.parked, ev.MessageID)
		p.log.Info("signal closed", zap.String("message_id", ev.MessageID), zap.Int("version", res.Version))
	}
}

func (p *Pipeline) submit(ctx context.Context, req execution.Request) {
	if err := p.deps.Executor.Submit(ctx, req); err != nil {
		p.failBeforeExecution(req.Signal, fmt.Errorf("schedule execution: %w", err))
	}
}

func (p *Pipeline) failBeforeExecution(sig signal.Signal, err error) {
	p.log.Error("execution not started", zap.String("message_id", sig.MessageID), zap.Error(err))
	o := events.For(events.ExecutionFailed, sig)
	o.Step = string(execution.StepStart)
	o.Reason = err.Error()
	p.deps.Emitter.Emit(o)
}

func (p *Pipeline) onResult(res execution.Result) {
	for _, rec := range res.Orders {
		p.deps.Tracker.AttachOrder(res.MessageID, rec.ID)
	}
	if p.deps.OnResult != nil {
		p.deps.OnResult(res)
	}
}

func (p *Pipeline) marketPrice(ctx context.Context, symbol string) float64 {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PriceTimeout)
	defer cancel()
	price, err := p.deps.Venue.GetMarkPrice(ctx, symbol)
	if err != nil {
		p.log.Debug("deviation check skipped", zap.String("instrument", symbol), zap.Error(err))
		return 0
	}
	return price
}

func (p *Pipeline) refreshInstruments(ctx context.Context) {
	list, err := p.deps.Venue.ListInstruments(ctx)
	if err != nil {
		p.log.Warn("instrument refresh failed", zap.Error(err))
		return
	}
	_ = p.do(ctx, func(context.Context) {
		p.gate.SetInstruments(list)
		p.instruments.Store(int64(len(list)))
	})
}

// Confirm runs a signal parked for confirmation. Preferences are re-read so
// changes made while it waited apply.
func (p *Pipeline) Confirm(ctx context.Context, messageID string) error {
	var result error
	err := p.do(ctx, func(loopCtx context.Context) {
		pk, ok := p.parked[messageID]
		if !ok {
			result = ErrNotParked
			return
		}
		delete(p.parked, messageID)
		if prefs, err := p.deps.Store.GetPreferences(loopCtx); err == nil {
			pk.req.Prefs = prefs
		}
		p.log.Info("signal confirmed", zap.String("message_id", messageID))
		p.submit(loopCtx, pk.req)
	})
	if err != nil {
		return err
	}
	return result
}

// Cancel drops a parked signal.
func (p *Pipeline) Cancel(ctx context.Context, messageID string) error {
	var result error
	err := p.do(ctx, func(context.Context) {
		pk, ok := p.parked[messageID]
		if !ok {
			result = ErrNotParked
			return
		}
		delete(p.parked, messageID)
		p.deps.Tracker.Remove(messageID)
		o := events.For(events.ConfirmationCanceled, pk.req.Signal)
		o.Reason = "canceled by operator"
		p.deps.Emitter.Emit(o)
	})
	if err != nil {
		return err
	}
	return result
}

// Parked returns the signals awaiting confirmation.
func (p *Pipeline) Parked(ctx context.Context) ([]signal.Signal, error) {
	var out []signal.Signal
	err := p.do(ctx, func(context.Context) {
		out = make([]signal.Signal, 0, len(p.parked))
		for _, pk := range p.parked {
			out = append(out, pk.req.Signal)
		}
	})
	return out, err
}

// EmergencyClose flattens every position on instrument.
func (p *Pipeline) EmergencyClose(ctx context.Context, instrument string) error {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if instrument == "" {
		return errors.New("instrument is required")
	}
	if err := p.deps.Venue.ClosePositions(ctx, instrument); err != nil {
		p.log.Error("emergency close failed", zap.String("instrument", instrument), zap.Error(err))
		return fmt.Errorf("close %s: %w", instrument, err)
	}
	p.log.Warn("emergency close performed", zap.String("instrument", instrument))
	p.deps.Emitter.Emit(events.Outcome{Kind: events.EmergencyClose, Instrument: instrument, Reason: "all positions closed"})
	return nil
}

// Tracker exposes the active signal records for read-only queries.
func (p *Pipeline) Tracker() *tracker.Tracker {
	return p.deps.Tracker
}

// ActiveSignals returns a snapshot of the tracked messages.
func (p *Pipeline) ActiveSignals() []tracker.Record {
	return p.deps.Tracker.Snapshot()
}

// InstrumentCount returns the size of the last loaded instrument set.
func (p *Pipeline) InstrumentCount() int {
	return int(p.instruments.Load())
}

// Running reports whether Run is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}
