package common

import "context"

// Gateway abstracts the derivatives venue the pipeline trades on.
type Gateway interface {
	ListInstruments(ctx context.Context) ([]Instrument, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
	SetLeverage(ctx context.Context, symbol string, leverage int, mode MarginMode, side PositionSide) error
	GetAvailableBalance(ctx context.Context) (float64, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	PlaceTPSL(ctx context.Context, req TPSLRequest) (OrderResult, error)
	PlaceTrigger(ctx context.Context, req TriggerRequest) (OrderResult, error)
	GetOrder(ctx context.Context, symbol, orderID string) (OrderDetail, error)
	ClosePositions(ctx context.Context, symbol string) error
}

// FillFeed delivers streamed fill notifications.
type FillFeed interface {
	Fills() <-chan Fill
}
