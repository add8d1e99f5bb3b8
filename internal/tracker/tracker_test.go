package tracker

import (
	"testing"

	"signal-core/internal/events"
	"signal-core/internal/signal"
)

const call = "LONG SIGNAL - BTC/USDT\nEntry: 100\nTP1: 110\nTP2: 120"

func newTracker() (*Tracker, *events.Recorder) {
	rec := &events.Recorder{}
	return New(signal.NewExtractor("USDT"), rec, nil), rec
}

func TestEditIncrementsVersionAndReportsHits(t *testing.T) {
	tr, rec := newTracker()
	tr.Add(signal.Signal{MessageID: "m1", Instrument: "BTCUSDT"}, call)

	res := tr.Edit("m1", call+"\nTP1 HIT", "", nil)
	if !res.Found || res.Version != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	res = tr.Edit("m1", call+"\nTP1 HIT\nTP2 HIT", "", nil)
	if res.Version != 3 || len(res.Change.NewlyHit) != 1 || res.Change.NewlyHit[0].Level != 2 {
		t.Fatalf("cached text should be the diff base, got %+v", res)
	}

	kinds := rec.Kinds()
	want := []events.Event{events.SignalEdited, events.TPHit, events.SignalEdited, events.TPHit}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if o := rec.Outcomes()[3]; o.Version != 3 || o.Level != 2 || o.Price != 120 {
		t.Fatalf("unexpected tp outcome %+v", o)
	}
}

func TestClosureRemovesRecordAfterOutcome(t *testing.T) {
	tr, rec := newTracker()
	tr.Add(signal.Signal{MessageID: "m1"}, call)

	res := tr.Edit("m1", call+"\nTRADE CLOSED\nPnL: 35%", call, nil)
	if !res.Removed {
		t.Fatal("expected removal")
	}
	if _, ok := tr.Get("m1"); ok {
		t.Fatal("record should be gone")
	}
	if rec.Count(events.SignalClosed) != 1 {
		t.Fatalf("kinds = %v", rec.Kinds())
	}
	closed := rec.Outcomes()[len(rec.Outcomes())-1]
	if closed.Kind != events.SignalClosed || closed.FinalPnL == nil || *closed.FinalPnL != 35 || closed.Version != 2 {
		t.Fatalf("unexpected closure outcome %+v", closed)
	}
}

func TestEditUnknownMessage(t *testing.T) {
	tr, rec := newTracker()
	if res := tr.Edit("nope", call+"\nTRADE CLOSED", "", nil); res.Found {
		t.Fatal("unknown message must not be found")
	}
	kinds := rec.Kinds()
	if len(kinds) != 1 || kinds[0] != events.SignalEdited {
		t.Fatalf("expected only the generic edit outcome, got %v", kinds)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr, _ := newTracker()
	tr.Add(signal.Signal{MessageID: "m1"}, call)
	tr.AttachOrder("m1", "o1")
	snap := tr.Snapshot()
	snap[0].OrderIDs[0] = "mutated"
	if r, _ := tr.Get("m1"); r.OrderIDs[0] != "o1" {
		t.Fatal("snapshot must not alias internal state")
	}
	if tr.AttachOrder("missing", "o2") {
		t.Fatal("attach to unknown message should fail")
	}
}
