package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"signal-core/internal/events"
	"signal-core/internal/execution"
	"signal-core/internal/persistence"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

const btcCall = "LONG SIGNAL - BTC/USDT\nEntry: 100\nLeverage: 20x\nTP1: 110\nTP2: 120"

type fakeStore struct {
	prefs        db.Preferences
	whitelist    []string
	whitelistErr error
	accepted     []string
}

func (s *fakeStore) GetPreferences(context.Context) (db.Preferences, error) { return s.prefs, nil }
func (s *fakeStore) ListWhitelist(context.Context) ([]string, error) {
	return s.whitelist, s.whitelistErr
}
func (s *fakeStore) AcceptedMessageIDs(context.Context) ([]string, error) {
	return s.accepted, nil
}

type fakeHistory struct {
	mu  sync.Mutex
	ops []persistence.Op
}

func (h *fakeHistory) Enqueue(r persistence.Op) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = append(h.ops, r)
}

func (h *fakeHistory) signals() []db.SignalRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []db.SignalRecord
	for _, op := range h.ops {
		if r, ok := op.(db.SignalRecord); ok {
			out = append(out, r)
		}
	}
	return out
}

type fakeExecutor struct {
	mu      sync.Mutex
	reqs    []execution.Request
	results chan execution.Result
}

func (e *fakeExecutor) Submit(ctx context.Context, req execution.Request) error {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	e.results <- execution.Result{
		MessageID: req.Signal.MessageID,
		Status:    execution.StatusDone,
		Orders:    []db.OrderRecord{{ID: "rec-" + req.Signal.MessageID}},
	}
	return nil
}

func (e *fakeExecutor) Results() <-chan execution.Result { return e.results }

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reqs)
}

type fakeVenue struct {
	mu     sync.Mutex
	mark   float64
	hold   chan struct{} // when set, mark price lookups wait for it to close
	closed []string
}

func (v *fakeVenue) ListInstruments(context.Context) ([]common.Instrument, error) {
	return []common.Instrument{{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001}}, nil
}

func (v *fakeVenue) GetMarkPrice(ctx context.Context, _ string) (float64, error) {
	if v.hold != nil {
		select {
		case <-v.hold:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return v.mark, nil
}

func (v *fakeVenue) ClosePositions(ctx context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = append(v.closed, symbol)
	return nil
}

type env struct {
	p     *Pipeline
	store *fakeStore
	hist  *fakeHistory
	exec  *fakeExecutor
	venue *fakeVenue
	rec   *events.Recorder
}

func start(t *testing.T, cfg Config, store *fakeStore) *env {
	t.Helper()
	if store == nil {
		store = &fakeStore{prefs: db.DefaultPreferences()}
	}
	e := &env{
		store: store,
		hist:  &fakeHistory{},
		exec:  &fakeExecutor{results: make(chan execution.Result, 16)},
		venue: &fakeVenue{mark: 101},
		rec:   &events.Recorder{},
	}
	e.p = New(cfg, Deps{Store: e.store, History: e.hist, Executor: e.exec, Venue: e.venue, Emitter: e.rec}, nil)
	if err := e.p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = e.p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return e
}

func (e *env) submit(t *testing.T, ev Event) {
	t.Helper()
	if err := e.p.Submit(context.Background(), ev); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func waitFor(t *testing.T, rec *events.Recorder, kind events.Event, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.Count(kind) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s outcomes, got %v", n, kind, rec.Kinds())
}

func lastOf(rec *events.Recorder, kind events.Event) events.Outcome {
	var out events.Outcome
	for _, o := range rec.Outcomes() {
		if o.Kind == kind {
			out = o
		}
	}
	return out
}

func TestAcceptedSignalIsExecuted(t *testing.T) {
	e := start(t, Config{}, nil)
	e.submit(t, Event{Kind: KindMessage, MessageID: "m1", Content: btcCall, Author: "desk"})

	waitFor(t, e.rec, events.SignalAccepted, 1)
	deadline := time.Now().Add(2 * time.Second)
	for e.exec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.exec.count() != 1 {
		t.Fatalf("expected one execution, got %d", e.exec.count())
	}
	req := e.exec.reqs[0]
	if req.Instrument.TickSize != 0.1 || req.Signal.Leverage != 20 {
		t.Fatalf("unexpected request %+v", req)
	}
	if got := e.hist.signals(); len(got) != 1 || got[0].Verdict != db.VerdictAccepted {
		t.Fatalf("history = %+v", got)
	}
}

func TestDuplicateMessageIsSilent(t *testing.T) {
	e := start(t, Config{}, nil)
	e.submit(t, Event{MessageID: "m1", Content: btcCall})
	e.submit(t, Event{MessageID: "m1", Content: btcCall})
	e.submit(t, Event{MessageID: "m2", Content: "SHORT SIGNAL - NOPE/USDT\nEntry: 1"})

	waitFor(t, e.rec, events.SignalRejected, 1)
	waitFor(t, e.rec, events.SignalAccepted, 1)
	if _, err := e.p.Parked(context.Background()); err != nil {
		t.Fatalf("Parked: %v", err)
	}
	if e.rec.Count(events.SignalAccepted) != 1 || e.exec.count() != 1 {
		t.Fatalf("kinds = %v", e.rec.Kinds())
	}
	if r := lastOf(e.rec, events.SignalRejected); !strings.Contains(r.Reason, "NOPEUSDT") {
		t.Fatalf("reason = %q", r.Reason)
	}
}

func TestClosedCallIsRejected(t *testing.T) {
	e := start(t, Config{}, nil)
	e.submit(t, Event{MessageID: "m1", Content: btcCall + "\nTRADE CLOSED"})
	waitFor(t, e.rec, events.SignalRejected, 1)
	if r := lastOf(e.rec, events.SignalRejected); r.Reason != "Already closed" {
		t.Fatalf("reason = %q", r.Reason)
	}
	if e.exec.count() != 0 {
		t.Fatal("closed calls must never execute")
	}
}

func TestWhitelistRejectionNamesTrader(t *testing.T) {
	store := &fakeStore{prefs: db.DefaultPreferences(), whitelist: []string{"alice"}}
	e := start(t, Config{}, store)
	e.submit(t, Event{MessageID: "m1", Content: btcCall + "\nTrader: bob"})
	e.submit(t, Event{MessageID: "m2", Content: btcCall + "\nTrader: ALICE"})

	waitFor(t, e.rec, events.SignalAccepted, 1)
	waitFor(t, e.rec, events.SignalRejected, 1)
	if r := lastOf(e.rec, events.SignalRejected); !strings.Contains(r.Reason, "bob") {
		t.Fatalf("reason = %q", r.Reason)
	}
}

func TestWhitelistErrorRejects(t *testing.T) {
	store := &fakeStore{prefs: db.DefaultPreferences(), whitelistErr: errors.New("database is locked")}
	e := start(t, Config{}, store)
	e.submit(t, Event{MessageID: "m1", Content: btcCall + "\nTrader: mallory"})
	e.submit(t, Event{MessageID: "m2", Content: "gm everyone"})

	waitFor(t, e.rec, events.SignalRejected, 1)
	if r := lastOf(e.rec, events.SignalRejected); !strings.Contains(r.Reason, "whitelist unavailable") {
		t.Fatalf("reason = %q", r.Reason)
	}
	if e.exec.count() != 0 || e.rec.Count(events.SignalAccepted) != 0 {
		t.Fatalf("signal executed without a whitelist: kinds = %v", e.rec.Kinds())
	}
	if got := e.hist.signals(); len(got) != 1 || got[0].Verdict != db.VerdictRejected {
		t.Fatalf("history = %+v", got)
	}
	var processed bool
	if err := e.p.do(context.Background(), func(context.Context) { processed = e.p.gate.Processed("m1") }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if processed {
		t.Fatal("rejected message must stay eligible once the whitelist is readable")
	}
}

func TestSlowPriceLookupDoesNotBlockLoop(t *testing.T) {
	e := start(t, Config{PriceTimeout: 10 * time.Second}, nil)
	hold := make(chan struct{})
	e.venue.hold = hold

	e.submit(t, Event{MessageID: "m1", Content: btcCall})
	e.submit(t, Event{MessageID: "m2", Content: "SHORT SIGNAL - NOPE/USDT\nEntry: 1"})

	waitFor(t, e.rec, events.SignalRejected, 1)
	if _, err := e.p.Parked(context.Background()); err != nil {
		t.Fatalf("Parked: %v", err)
	}
	if e.rec.Count(events.SignalAccepted) != 0 {
		t.Fatal("signal must wait for its market price")
	}

	close(hold)
	waitFor(t, e.rec, events.SignalAccepted, 1)
	if o := lastOf(e.rec, events.SignalAccepted); o.MessageID != "m1" {
		t.Fatalf("accepted %q", o.MessageID)
	}
}

func TestDeviationRejected(t *testing.T) {
	e := start(t, Config{}, nil)
	e.venue.mark = 150
	e.submit(t, Event{MessageID: "m1", Content: btcCall})
	waitFor(t, e.rec, events.SignalRejected, 1)
	if e.exec.count() != 0 {
		t.Fatal("deviating entry must not execute")
	}
}

func TestProcessedIDsSurviveRestart(t *testing.T) {
	store := &fakeStore{prefs: db.DefaultPreferences(), accepted: []string{"m1"}}
	e := start(t, Config{}, store)
	e.submit(t, Event{MessageID: "m1", Content: btcCall})
	e.submit(t, Event{MessageID: "m9", Content: "SHORT SIGNAL - NOPE/USDT"})
	waitFor(t, e.rec, events.SignalRejected, 1)
	if e.rec.Count(events.SignalAccepted) != 0 {
		t.Fatalf("kinds = %v", e.rec.Kinds())
	}
}

func TestConfirmationFlow(t *testing.T) {
	prefs := db.DefaultPreferences()
	prefs.ConfirmBeforeOrder = true
	e := start(t, Config{}, &fakeStore{prefs: prefs})
	ctx := context.Background()

	e.submit(t, Event{MessageID: "m1", Content: btcCall})
	e.submit(t, Event{MessageID: "m2", Content: btcCall})
	waitFor(t, e.rec, events.ConfirmationRequired, 2)
	if e.exec.count() != 0 {
		t.Fatal("parked signals must wait for confirmation")
	}

	parked, err := e.p.Parked(ctx)
	if err != nil || len(parked) != 2 {
		t.Fatalf("parked = %v, err = %v", parked, err)
	}
	if err := e.p.Confirm(ctx, "m1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if e.exec.count() != 1 {
		t.Fatalf("executions = %d", e.exec.count())
	}
	if err := e.p.Confirm(ctx, "m1"); !errors.Is(err, ErrNotParked) {
		t.Fatalf("second confirm: %v", err)
	}
	if err := e.p.Cancel(ctx, "m2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if e.rec.Count(events.ConfirmationCanceled) != 1 {
		t.Fatalf("kinds = %v", e.rec.Kinds())
	}
	if _, ok := e.p.Tracker().Get("m2"); ok {
		t.Fatal("canceled signal should not stay tracked")
	}
}

func TestEditLifecycle(t *testing.T) {
	e := start(t, Config{}, nil)
	e.submit(t, Event{MessageID: "m1", Content: btcCall})
	waitFor(t, e.rec, events.SignalAccepted, 1)

	e.submit(t, Event{Kind: KindEdit, MessageID: "m1", Content: btcCall + "\nTP1 HIT", OldContent: btcCall})
	waitFor(t, e.rec, events.TPHit, 1)
	if o := lastOf(e.rec, events.TPHit); o.Level != 1 || o.Version != 2 {
		t.Fatalf("tp outcome = %+v", o)
	}

	e.submit(t, Event{Kind: KindEdit, MessageID: "m1", Content: btcCall + "\nTP1 HIT\nTRADE CLOSED\nPnL: 20%"})
	waitFor(t, e.rec, events.SignalClosed, 1)
	if o := lastOf(e.rec, events.SignalClosed); o.Version != 3 || o.FinalPnL == nil || *o.FinalPnL != 20 {
		t.Fatalf("closed outcome = %+v", o)
	}
	if e.p.Tracker().Len() != 0 {
		t.Fatal("closed signal should be removed")
	}
}

func TestEditOfUnseenMessageIsNew(t *testing.T) {
	e := start(t, Config{}, nil)
	e.submit(t, Event{Kind: KindEdit, MessageID: "m5", Content: btcCall})
	waitFor(t, e.rec, events.SignalAccepted, 1)
}

func TestEditOfUnknownNonSignal(t *testing.T) {
	e := start(t, Config{}, nil)
	e.submit(t, Event{Kind: KindEdit, MessageID: "m5", Content: "gm everyone"})
	waitFor(t, e.rec, events.SignalEdited, 1)
	if e.rec.Count(events.SignalAccepted) != 0 {
		t.Fatalf("kinds = %v", e.rec.Kinds())
	}
}

func TestResultsAttachOrders(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []execution.Result
	)
	e := &env{
		store: &fakeStore{prefs: db.DefaultPreferences()},
		hist:  &fakeHistory{},
		exec:  &fakeExecutor{results: make(chan execution.Result, 16)},
		venue: &fakeVenue{mark: 101},
		rec:   &events.Recorder{},
	}
	e.p = New(Config{}, Deps{
		Store: e.store, History: e.hist, Executor: e.exec, Venue: e.venue, Emitter: e.rec,
		OnResult: func(r execution.Result) {
			mu.Lock()
			seen = append(seen, r)
			mu.Unlock()
		},
	}, nil)
	if err := e.p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.p.Run(ctx)

	e.submit(t, Event{MessageID: "m1", Content: btcCall})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := e.p.Tracker().Get("m1"); ok && len(r.OrderIDs) == 1 {
			mu.Lock()
			n := len(seen)
			mu.Unlock()
			if n == 1 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("order was not attached to the active record")
}

func TestChannelFilter(t *testing.T) {
	e := start(t, Config{ChannelIDs: []string{"signals"}}, nil)
	e.submit(t, Event{MessageID: "m1", ChannelID: "random", Content: btcCall})
	e.submit(t, Event{MessageID: "m2", ChannelID: "signals", Content: btcCall})
	waitFor(t, e.rec, events.SignalAccepted, 1)
	if o := lastOf(e.rec, events.SignalAccepted); o.MessageID != "m2" {
		t.Fatalf("accepted %q", o.MessageID)
	}
}

func TestEmergencyClose(t *testing.T) {
	e := start(t, Config{}, nil)
	if err := e.p.EmergencyClose(context.Background(), "btcusdt"); err != nil {
		t.Fatalf("EmergencyClose: %v", err)
	}
	if len(e.venue.closed) != 1 || e.venue.closed[0] != "BTCUSDT" {
		t.Fatalf("closed = %v", e.venue.closed)
	}
	if e.rec.Count(events.EmergencyClose) != 1 {
		t.Fatalf("kinds = %v", e.rec.Kinds())
	}
	if err := e.p.EmergencyClose(context.Background(), " "); err == nil {
		t.Fatal("empty instrument must fail")
	}
}

func TestEventText(t *testing.T) {
	ev := Event{Content: " LONG ", Attachments: []string{"", "embed body"}}
	if got := ev.Text(); got != "LONG\nembed body" {
		t.Fatalf("Text = %q", got)
	}
}
