// Package paper is an in-memory simulated venue used when DRY_RUN is set.
// Fills are published on the same channel shape the live user stream uses.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/pkg/exchanges/common"
)

// Market supplies instruments and mark prices. The live client's public
// endpoints satisfy it without API keys.
type Market interface {
	ListInstruments(ctx context.Context) ([]common.Instrument, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// Config tunes the simulation.
type Config struct {
	InitialBalance  float64
	SlippageBps     float64 // applied to market fills
	DefaultLeverage int
	Instruments     []common.Instrument // used when no Market is set
	Prices          map[string]float64  // static prices when no Market is set
}

type position struct {
	common.Position
	margin float64
}

type order struct {
	detail       common.OrderDetail
	side         common.Side
	positionSide common.PositionSide
	kind         string // "limit", "stop", "take_profit"
	price        float64
	size         float64 // 0 closes the whole leg
	reduceOnly   bool
	group        string // TP/SL siblings cancel each other
}

// Gateway implements common.Gateway and common.FillFeed in memory.
type Gateway struct {
	cfg    Config
	market Market
	log    *zap.Logger

	mu          sync.Mutex
	balance     float64
	instruments map[string]common.Instrument
	prices      map[string]float64
	positions   map[string]*position // symbol|positionSide
	orders      map[string]*order
	margin      map[string]common.MarginMode
	leverage    map[string]int
	seq         int64
	rng         *rand.Rand

	fills chan common.Fill
}

var (
	_ common.Gateway  = (*Gateway)(nil)
	_ common.FillFeed = (*Gateway)(nil)
)

// New creates a paper venue. market may be nil.
func New(cfg Config, market Market, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 20
	}
	if len(cfg.Instruments) == 0 {
		cfg.Instruments = defaultInstruments()
	}
	g := &Gateway{
		cfg:         cfg,
		market:      market,
		log:         log,
		balance:     cfg.InitialBalance,
		instruments: make(map[string]common.Instrument),
		prices:      make(map[string]float64),
		positions:   make(map[string]*position),
		orders:      make(map[string]*order),
		margin:      make(map[string]common.MarginMode),
		leverage:    make(map[string]int),
		seq:         1000,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		fills:       make(chan common.Fill, 256),
	}
	if market == nil {
		for _, inst := range cfg.Instruments {
			g.instruments[inst.Symbol] = inst
		}
		for s, p := range cfg.Prices {
			g.prices[s] = p
		}
	}
	return g
}

func defaultInstruments() []common.Instrument {
	return []common.Instrument{
		{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001},
		{Symbol: "ETHUSDT", TickSize: 0.01, StepSize: 0.001},
		{Symbol: "SOLUSDT", TickSize: 0.01, StepSize: 1},
		{Symbol: "BNBUSDT", TickSize: 0.01, StepSize: 0.01},
		{Symbol: "XRPUSDT", TickSize: 0.0001, StepSize: 0.1},
		{Symbol: "DOGEUSDT", TickSize: 0.00001, StepSize: 1},
	}
}

// Fills returns simulated fills.
func (g *Gateway) Fills() <-chan common.Fill {
	return g.fills
}

// SetPrice moves the simulated price and triggers resting orders.
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
	g.matchLocked(symbol, price)
}

func (g *Gateway) ListInstruments(ctx context.Context) ([]common.Instrument, error) {
	if g.market != nil {
		list, err := g.market.ListInstruments(ctx)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		for _, inst := range list {
			g.instruments[inst.Symbol] = inst
		}
		g.mu.Unlock()
		return list, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]common.Instrument, 0, len(g.instruments))
	for _, inst := range g.instruments {
		out = append(out, inst)
	}
	return out, nil
}

func (g *Gateway) GetPositions(_ context.Context, symbol string) ([]common.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []common.Position
	for _, p := range g.positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		if p.Size != 0 {
			out = append(out, p.Position)
		}
	}
	return out, nil
}

// SetMarginMode reports already-set the same way the live venue does.
func (g *Gateway) SetMarginMode(_ context.Context, symbol string, mode common.MarginMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.margin[symbol] == mode {
		return &common.APIError{Code: -4046, Category: common.CategoryAlreadySet, Message: "No need to change margin type."}
	}
	g.margin[symbol] = mode
	return nil
}

func (g *Gateway) SetLeverage(_ context.Context, symbol string, leverage int, _ common.MarginMode, _ common.PositionSide) error {
	if leverage <= 0 || leverage > 125 {
		return &common.APIError{Code: -4028, Category: common.CategoryRejected, Message: "Leverage is not valid"}
	}
	g.mu.Lock()
	g.leverage[symbol] = leverage
	g.mu.Unlock()
	return nil
}

func (g *Gateway) GetAvailableBalance(context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

func (g *Gateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return g.refPrice(ctx, symbol)
}

func (g *Gateway) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return g.refPrice(ctx, symbol)
}

// refPrice refreshes the price from the market, if any, and matches resting orders.
func (g *Gateway) refPrice(ctx context.Context, symbol string) (float64, error) {
	if g.market != nil {
		px, err := g.market.GetMarkPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		g.SetPrice(symbol, px)
		return px, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	px, ok := g.prices[symbol]
	if !ok || px <= 0 {
		return 0, fmt.Errorf("paper: no price for %s", symbol)
	}
	return px, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Size <= 0 {
		return common.OrderResult{}, &common.APIError{Code: -4003, Category: common.CategoryRejected, Message: "Quantity less than or equal to zero."}
	}
	ref, err := g.refPrice(ctx, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.instruments[req.Symbol]; !ok && len(g.instruments) > 0 {
		return common.OrderResult{}, &common.APIError{Code: -1121, Category: common.CategoryInvalidInstrument, Message: "Invalid symbol."}
	}

	o := &order{
		detail:       common.OrderDetail{OrderID: g.nextIDLocked(), Symbol: req.Symbol, Status: common.StatusNew, UpdatedTime: time.Now()},
		side:         req.Side,
		positionSide: positionSideOrBoth(req.PositionSide),
		kind:         "limit",
		price:        req.Price,
		size:         req.Size,
		reduceOnly:   req.ReduceOnly,
	}

	fillPrice := 0.0
	switch req.Type {
	case common.OrderTypeMarket:
		fillPrice = g.slipLocked(ref, req.Side)
	case common.OrderTypeLimit:
		if (req.Side == common.SideBuy && req.Price >= ref) || (req.Side == common.SideSell && req.Price <= ref) {
			fillPrice = req.Price
		}
	default:
		return common.OrderResult{}, &common.APIError{Code: -1116, Category: common.CategoryRejected, Message: "Invalid orderType."}
	}

	if fillPrice > 0 {
		if err := g.fillLocked(o, fillPrice); err != nil {
			return common.OrderResult{}, err
		}
	}
	g.orders[o.detail.OrderID] = o
	return common.OrderResult{OrderID: o.detail.OrderID, ClientID: req.ClientID, Status: o.detail.Status}, nil
}

func (g *Gateway) PlaceTPSL(_ context.Context, req common.TPSLRequest) (common.OrderResult, error) {
	if req.StopLossTrigger <= 0 {
		return common.OrderResult{}, &common.APIError{Code: -2021, Category: common.CategoryRejected, Message: "Order would immediately trigger."}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	group := g.nextIDLocked()
	stop := g.restingLocked(req.Symbol, req.Side, req.PositionSide, "stop", req.StopLossTrigger, req.Size, group)
	if req.TakeProfitTrigger > 0 {
		g.restingLocked(req.Symbol, req.Side, req.PositionSide, "take_profit", req.TakeProfitTrigger, req.Size, group)
	}
	return common.OrderResult{OrderID: stop.detail.OrderID, Status: common.StatusNew}, nil
}

func (g *Gateway) PlaceTrigger(_ context.Context, req common.TriggerRequest) (common.OrderResult, error) {
	if req.TriggerPrice <= 0 {
		return common.OrderResult{}, &common.APIError{Code: -2021, Category: common.CategoryRejected, Message: "Order would immediately trigger."}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o := g.restingLocked(req.Symbol, req.Side, req.PositionSide, "stop", req.TriggerPrice, req.Size, "")
	return common.OrderResult{OrderID: o.detail.OrderID, Status: common.StatusNew}, nil
}

func (g *Gateway) GetOrder(_ context.Context, _ string, orderID string) (common.OrderDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return common.OrderDetail{}, &common.APIError{Code: -2013, Category: common.CategoryNotFound, Message: "Order does not exist."}
	}
	return o.detail, nil
}

func (g *Gateway) ClosePositions(ctx context.Context, symbol string) error {
	ref, err := g.refPrice(ctx, symbol)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range g.orders {
		if o.detail.Symbol == symbol && o.detail.Status == common.StatusNew {
			o.detail.Status = common.StatusCanceled
		}
	}
	for _, p := range g.positions {
		if p.Symbol != symbol || p.Size == 0 {
			continue
		}
		side := common.SideSell
		if p.Size < 0 {
			side = common.SideBuy
		}
		o := &order{
			detail:       common.OrderDetail{OrderID: g.nextIDLocked(), Symbol: symbol, Status: common.StatusNew},
			side:         side,
			positionSide: p.PositionSide,
			size:         math.Abs(p.Size),
			reduceOnly:   true,
		}
		if err := g.fillLocked(o, g.slipLocked(ref, side)); err != nil {
			return err
		}
		g.orders[o.detail.OrderID] = o
	}
	return nil
}

func (g *Gateway) restingLocked(symbol string, side common.Side, ps common.PositionSide, kind string, trigger, size float64, group string) *order {
	o := &order{
		detail:       common.OrderDetail{OrderID: g.nextIDLocked(), Symbol: symbol, Status: common.StatusNew, UpdatedTime: time.Now()},
		side:         side,
		positionSide: positionSideOrBoth(ps),
		kind:         kind,
		price:        trigger,
		size:         size,
		reduceOnly:   true,
		group:        group,
	}
	g.orders[o.detail.OrderID] = o
	return o
}

// matchLocked fills resting limits that became marketable and fires stops.
func (g *Gateway) matchLocked(symbol string, px float64) {
	for _, o := range g.orders {
		if o.detail.Symbol != symbol || o.detail.Status != common.StatusNew {
			continue
		}
		hit := false
		switch o.kind {
		case "limit":
			hit = (o.side == common.SideBuy && px <= o.price) || (o.side == common.SideSell && px >= o.price)
		case "stop":
			hit = (o.side == common.SideSell && px <= o.price) || (o.side == common.SideBuy && px >= o.price)
		case "take_profit":
			hit = (o.side == common.SideSell && px >= o.price) || (o.side == common.SideBuy && px <= o.price)
		}
		if !hit {
			continue
		}
		fillAt := o.price
		if o.kind != "limit" {
			fillAt = px
		}
		if err := g.fillLocked(o, fillAt); err != nil {
			g.log.Warn("paper resting order failed", zap.String("order_id", o.detail.OrderID), zap.Error(err))
			o.detail.Status = common.StatusRejected
			continue
		}
		if o.group != "" {
			for _, sib := range g.orders {
				if sib != o && sib.group == o.group && sib.detail.Status == common.StatusNew {
					sib.detail.Status = common.StatusCanceled
				}
			}
		}
	}
}

// fillLocked applies o to the position book and publishes the fill.
func (g *Gateway) fillLocked(o *order, price float64) error {
	key := o.detail.Symbol + "|" + string(o.positionSide)
	p := g.positions[key]
	if p == nil {
		p = &position{Position: common.Position{Symbol: o.detail.Symbol, PositionSide: o.positionSide, Leverage: g.leverageLocked(o.detail.Symbol)}}
		g.positions[key] = p
	}

	delta := o.size
	if o.side == common.SideSell {
		delta = -delta
	}
	if o.reduceOnly {
		if p.Size == 0 || sameSign(p.Size, delta) {
			return &common.APIError{Code: -2022, Category: common.CategoryRejected, Message: "ReduceOnly Order is rejected."}
		}
		if o.size == 0 || math.Abs(delta) > math.Abs(p.Size) {
			delta = -p.Size
		}
	}

	if p.Size == 0 || sameSign(p.Size, delta) {
		cost := math.Abs(delta) * price / float64(p.Leverage)
		if cost > g.balance {
			return &common.APIError{Code: -2019, Category: common.CategoryInsufficientFunds, Message: "Margin is insufficient."}
		}
		newSize := p.Size + delta
		p.EntryPrice = (p.EntryPrice*math.Abs(p.Size) + price*math.Abs(delta)) / math.Abs(newSize)
		p.Size = newSize
		p.margin += cost
		g.balance -= cost
	} else {
		closeQty := math.Min(math.Abs(delta), math.Abs(p.Size))
		direction := 1.0
		if p.Size < 0 {
			direction = -1
		}
		pnl := closeQty * (price - p.EntryPrice) * direction
		released := p.margin * closeQty / math.Abs(p.Size)
		p.margin -= released
		g.balance += released + pnl
		p.Size -= direction * closeQty
		if p.Size == 0 {
			p.EntryPrice = 0
			p.margin = 0
		}
	}

	o.detail.Status = common.StatusFilled
	o.detail.AvgPrice = price
	o.detail.FilledSize = math.Abs(delta)
	o.detail.UpdatedTime = time.Now()

	f := common.Fill{
		OrderID: o.detail.OrderID,
		Symbol:  o.detail.Symbol,
		Side:    o.side,
		Price:   price,
		Size:    math.Abs(delta),
		Status:  common.StatusFilled,
		Time:    o.detail.UpdatedTime,
	}
	select {
	case g.fills <- f:
	default:
		g.log.Warn("paper fill channel full, dropping fill", zap.String("order_id", f.OrderID))
	}
	return nil
}

func (g *Gateway) leverageLocked(symbol string) int {
	if lev, ok := g.leverage[symbol]; ok {
		return lev
	}
	return g.cfg.DefaultLeverage
}

func (g *Gateway) slipLocked(ref float64, side common.Side) float64 {
	frac := g.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return ref
	}
	noise := g.rng.Float64() * frac
	if side == common.SideBuy {
		return ref * (1 + noise)
	}
	return ref * (1 - noise)
}

func (g *Gateway) nextIDLocked() string {
	g.seq++
	return strconv.FormatInt(g.seq, 10)
}

func positionSideOrBoth(ps common.PositionSide) common.PositionSide {
	if ps == "" {
		return common.PositionBoth
	}
	return ps
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
