package signal

import "testing"

func TestDiffReportsNewlyHitLevels(t *testing.T) {
	e := NewExtractor("USDT")
	old := dogeCall
	edited := dogeCall + "\nTP2 HIT"

	c := e.Diff(old, edited)
	if c.Approximate {
		t.Fatal("diff with prior text must not be approximate")
	}
	if len(c.NewlyHit) != 1 || c.NewlyHit[0].Level != 2 {
		t.Fatalf("newly hit = %+v", c.NewlyHit)
	}
	if c.Closed {
		t.Fatal("no closure in edit")
	}
}

func TestDiffClosureTransitionOnly(t *testing.T) {
	e := NewExtractor("USDT")
	closed := dogeCall + "\nTRADE CLOSED\nProfit: 120%"

	c := e.Diff(dogeCall, closed)
	if !c.Closed || c.FinalPnL == nil || *c.FinalPnL != 120 {
		t.Fatalf("expected closure with pnl, got %+v", c)
	}

	c = e.Diff(closed, closed+"\nthanks all")
	if c.Closed {
		t.Fatal("closed to closed is not a transition")
	}
	if c.FinalPnL == nil {
		t.Fatal("final pnl is carried by the new text")
	}
}

func TestDiffWithoutPriorTextApproximates(t *testing.T) {
	e := NewExtractor("USDT")
	c := e.Diff("", dogeCall+"\nTP2 HIT\nTRADE CLOSED")
	if !c.Approximate {
		t.Fatal("expected approximate diff")
	}
	if len(c.NewlyHit) != 2 {
		t.Fatalf("every hit level should be reported, got %+v", c.NewlyHit)
	}
	if !c.Closed {
		t.Fatal("closure taken at face value")
	}
}

func TestDiffWithoutHeader(t *testing.T) {
	c := NewExtractor("USDT").Diff("TP1: 10\nTP2: 11", "TP1: 10 ✅\nTP2: 11")
	if len(c.NewlyHit) != 1 || c.NewlyHit[0].Level != 1 {
		t.Fatalf("got %+v", c.NewlyHit)
	}
	if !NewExtractor("USDT").Diff("a", "b").Empty() {
		t.Fatal("unrelated edit should be empty")
	}
}
