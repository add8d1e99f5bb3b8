package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the hedge-mode leg an order belongs to.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH" // one-way mode
)

// OrderType denotes the order types the pipeline places.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// MarginMode is the account margin mode for an instrument.
type MarginMode string

const (
	MarginCross    MarginMode = "CROSSED"
	MarginIsolated MarginMode = "ISOLATED"
)

// ParseMarginMode accepts the loose spellings stored in preferences.
func ParseMarginMode(s string) MarginMode {
	switch s {
	case "isolated", "ISOLATED", "Isolated":
		return MarginIsolated
	default:
		return MarginCross
	}
}

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Instrument is a tradable contract as listed by the venue.
type Instrument struct {
	Symbol   string
	TickSize float64 // price increment, 0 when unknown
	StepSize float64 // quantity increment, 0 when unknown
}

// Position is one open leg reported by the venue.
type Position struct {
	Symbol       string
	PositionSide PositionSide
	Size         float64 // signed in one-way mode
	EntryPrice   float64
	Leverage     int
}

// OrderRequest captures an entry or DCA order intent.
type OrderRequest struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Size         float64
	Price        float64 // required for LIMIT
	ClientID     string
	ReduceOnly   bool
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	OrderID  string
	ClientID string
	Status   OrderStatus
}

// TPSLRequest is a combined take-profit/stop-loss attached to a position.
type TPSLRequest struct {
	Symbol            string
	Side              Side // closing side
	PositionSide      PositionSide
	Size              float64
	StopLossTrigger   float64
	TakeProfitTrigger float64 // 0 = no take-profit leg
}

// TriggerRequest is a standalone reduce-only trigger order.
type TriggerRequest struct {
	Symbol       string
	Side         Side // closing side
	PositionSide PositionSide
	Size         float64
	TriggerPrice float64
}

// OrderDetail is the polled state of an order.
type OrderDetail struct {
	OrderID     string
	Symbol      string
	Status      OrderStatus
	AvgPrice    float64
	FilledSize  float64
	UpdatedTime time.Time
}

// Fill is a streamed fill notification keyed by exchange order id.
type Fill struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     Side
	Price    float64
	Size     float64
	Status   OrderStatus
	Time     time.Time
}
