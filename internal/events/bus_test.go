package events

import (
	"testing"

	"signal-core/internal/signal"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	one, unsubOne := b.Subscribe(StopFailed, 1)
	all, unsubAll := b.SubscribeAll(4)
	defer unsubAll()

	b.Emit(Outcome{Kind: ExecutionStart})
	b.Emit(Outcome{Kind: StopFailed, Reason: "rejected"})

	if got := <-one; got.Kind != StopFailed || got.Time.IsZero() {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if got := <-all; got.Kind != ExecutionStart {
		t.Fatalf("expected execution_start first, got %s", got.Kind)
	}
	if got := <-all; got.Kind != StopFailed {
		t.Fatalf("expected stop_failed second, got %s", got.Kind)
	}

	unsubOne()
	if _, ok := <-one; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	_, unsub := b.SubscribeAll(1)
	defer unsub()
	b.Emit(Outcome{Kind: TPHit})
	b.Emit(Outcome{Kind: TPHit})
	if b.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", b.Dropped())
	}
}

func TestForCopiesSignal(t *testing.T) {
	s := signal.Signal{ID: "id", MessageID: "m", Instrument: "BTCUSDT"}
	o := For(SignalAccepted, s)
	s.Instrument = "ETHUSDT"
	if o.Signal.Instrument != "BTCUSDT" || o.MessageID != "m" || o.SignalID != "id" {
		t.Fatalf("unexpected outcome %+v", o)
	}
}
