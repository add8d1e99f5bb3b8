package paper

import (
	"context"
	"math"
	"testing"

	"signal-core/pkg/exchanges/common"
)

func newTestGateway() *Gateway {
	return New(Config{
		InitialBalance:  1000,
		DefaultLeverage: 10,
		Prices:          map[string]float64{"BTCUSDT": 100},
	}, nil, nil)
}

func drain(t *testing.T, g *Gateway) common.Fill {
	t.Helper()
	select {
	case f := <-g.Fills():
		return f
	default:
		t.Fatal("expected a fill")
		return common.Fill{}
	}
}

func TestMarketOrderFillsAndReservesMargin(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	res, err := g.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Size: 5})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID == "" || res.Status != common.StatusFilled {
		t.Fatalf("unexpected result %+v", res)
	}
	f := drain(t, g)
	if f.OrderID != res.OrderID || f.Size != 5 {
		t.Fatalf("unexpected fill %+v", f)
	}

	bal, _ := g.GetAvailableBalance(ctx)
	if bal != 950 {
		t.Fatalf("expected 50 margin reserved, balance %v", bal)
	}
	pos, _ := g.GetPositions(ctx, "BTCUSDT")
	if len(pos) != 1 || pos[0].Size != 5 || pos[0].EntryPrice != 100 {
		t.Fatalf("unexpected positions %+v", pos)
	}
}

func TestInsufficientMargin(t *testing.T) {
	g := newTestGateway()
	_, err := g.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Size: 1000})
	if !common.IsCategory(err, common.CategoryInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestLimitOrderRestsUntilPriceCrosses(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	res, err := g.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Size: 1, Price: 95})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != common.StatusNew {
		t.Fatalf("expected resting order, got %s", res.Status)
	}
	g.SetPrice("BTCUSDT", 94)
	d, err := g.GetOrder(ctx, "BTCUSDT", res.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if d.Status != common.StatusFilled || d.AvgPrice != 95 {
		t.Fatalf("unexpected detail %+v", d)
	}
}

func TestTPSLStopClosesPositionAndCancelsSibling(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	if _, err := g.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Size: 2}); err != nil {
		t.Fatal(err)
	}
	drain(t, g)

	stop, err := g.PlaceTPSL(ctx, common.TPSLRequest{Symbol: "BTCUSDT", Side: common.SideSell, StopLossTrigger: 98, TakeProfitTrigger: 120})
	if err != nil {
		t.Fatalf("PlaceTPSL: %v", err)
	}
	g.SetPrice("BTCUSDT", 97)

	d, _ := g.GetOrder(ctx, "BTCUSDT", stop.OrderID)
	if d.Status != common.StatusFilled {
		t.Fatalf("stop should have fired, got %s", d.Status)
	}
	pos, _ := g.GetPositions(ctx, "BTCUSDT")
	if len(pos) != 0 {
		t.Fatalf("expected flat book, got %+v", pos)
	}
	bal, _ := g.GetAvailableBalance(ctx)
	if math.Abs(bal-994) > 1e-9 {
		t.Fatalf("expected loss of 6, balance %v", bal)
	}

	g.SetPrice("BTCUSDT", 130)
	pos, _ = g.GetPositions(ctx, "BTCUSDT")
	if len(pos) != 0 {
		t.Fatal("canceled take-profit must not reopen anything")
	}
}

func TestMarginModeAlreadySet(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	if err := g.SetMarginMode(ctx, "BTCUSDT", common.MarginIsolated); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := g.SetMarginMode(ctx, "BTCUSDT", common.MarginIsolated); !common.IsAlreadySet(err) {
		t.Fatalf("expected already-set, got %v", err)
	}
}

func TestClosePositionsFlattens(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	if _, err := g.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeMarket, Size: 3}); err != nil {
		t.Fatal(err)
	}
	if err := g.ClosePositions(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("ClosePositions: %v", err)
	}
	pos, _ := g.GetPositions(ctx, "BTCUSDT")
	if len(pos) != 0 {
		t.Fatalf("expected flat, got %+v", pos)
	}
	if bal, _ := g.GetAvailableBalance(ctx); bal != 1000 {
		t.Fatalf("expected balance restored, got %v", bal)
	}
}

func TestUnknownOrderAndInstrument(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()
	if _, err := g.GetOrder(ctx, "BTCUSDT", "nope"); !common.IsCategory(err, common.CategoryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	g.SetPrice("FOOUSDT", 1)
	if _, err := g.PlaceOrder(ctx, common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Size: 1}); !common.IsCategory(err, common.CategoryInvalidInstrument) {
		t.Fatalf("expected invalid instrument, got %v", err)
	}
}
