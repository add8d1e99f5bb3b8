// Package futures is the USDT-M perpetual futures adapter behind common.Gateway.
package futures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"signal-core/pkg/exchanges/common"
)

// Config holds USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	QuoteAsset string // settlement asset used for instruments and balance
	BaseURL    string // override, used by tests
}

// Client talks to the futures REST API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weights    *common.WeightTracker
	log        *zap.Logger
}

var _ common.Gateway = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
	c.timeSync = common.NewTimeSync(c.ServerTime, log.Named("timesync"))
	c.weights = common.NewWeightTracker(2400, time.Minute, log) // 2400 weight/min for futures
	return c
}

// Start begins periodic server time sync.
func (c *Client) Start(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// ListInstruments returns TRADING perpetuals settled in the quote asset.
func (c *Client) ListInstruments(ctx context.Context) ([]common.Instrument, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	out := make([]common.Instrument, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" || s.QuoteAsset != c.cfg.QuoteAsset {
			continue
		}
		inst := common.Instrument{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				inst.StepSize = parseFloat(f.StepSize)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetPositions returns the non-empty and empty legs for symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var risk []positionRisk
	if err := json.Unmarshal(body, &risk); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(risk))
	for _, p := range risk {
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, common.Position{
			Symbol:       p.Symbol,
			PositionSide: common.PositionSide(p.PositionSide),
			Size:         parseFloat(p.PositionAmt),
			EntryPrice:   parseFloat(p.EntryPrice),
			Leverage:     lev,
		})
	}
	return out, nil
}

// SetMarginMode sets ISOLATED or CROSSED margin for symbol.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode common.MarginMode) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(mode))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params)
	return err
}

// SetLeverage sets leverage for symbol. Leverage is per symbol on this venue,
// so mode and side are accepted for interface parity only.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, _ common.MarginMode, _ common.PositionSide) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// GetAvailableBalance returns the available quote-asset balance.
func (c *Client) GetAvailableBalance(ctx context.Context) (float64, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return 0, err
	}
	var bal []futuresBalance
	if err := json.Unmarshal(body, &bal); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range bal {
		if b.Asset == c.cfg.QuoteAsset {
			return parseFloat(b.AvailableBalance), nil
		}
	}
	return 0, nil
}

// GetMarkPrice returns the mark price for symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, err
	}
	var res struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	px := parseFloat(res.MarkPrice)
	if px <= 0 {
		return 0, fmt.Errorf("mark price unavailable for %s", symbol)
	}
	return px, nil
}

// GetTickerPrice returns the last traded price for symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", params)
	if err != nil {
		return 0, err
	}
	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	px := parseFloat(res.Price)
	if px <= 0 {
		return 0, fmt.Errorf("ticker price unavailable for %s", symbol)
	}
	return px, nil
}

// PlaceOrder places an entry or DCA order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", formatFloat(req.Size))
	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	setPositionSide(params, req.PositionSide, req.ReduceOnly)

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.result(), nil
}

// PlaceTPSL submits a take-profit and stop-loss pair closing the position.
// The returned id is the stop-loss leg.
func (c *Client) PlaceTPSL(ctx context.Context, req common.TPSLRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	legs := []map[string]string{closeLeg(req.Symbol, req.Side, req.PositionSide, "STOP_MARKET", req.StopLossTrigger)}
	if req.TakeProfitTrigger > 0 {
		legs = append(legs, closeLeg(req.Symbol, req.Side, req.PositionSide, "TAKE_PROFIT_MARKET", req.TakeProfitTrigger))
	}
	encoded, err := json.Marshal(legs)
	if err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("batchOrders", string(encoded))

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/batchOrders", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var results []json.RawMessage
	if err := json.Unmarshal(body, &results); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode batch orders: %w", err)
	}
	if len(results) == 0 {
		return common.OrderResult{}, errors.New("batch orders: empty response")
	}
	var stop orderResp
	if err := json.Unmarshal(results[0], &stop); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode stop leg: %w", err)
	}
	if stop.Code != 0 {
		return common.OrderResult{}, classify(http.StatusOK, stop.Code, stop.Msg)
	}
	if len(results) > 1 {
		var tp orderResp
		if err := json.Unmarshal(results[1], &tp); err == nil && tp.Code != 0 {
			c.log.Warn("take-profit leg rejected", zap.String("symbol", req.Symbol), zap.Int("code", tp.Code), zap.String("msg", tp.Msg))
		}
	}
	return stop.result(), nil
}

// PlaceTrigger submits a reduce-only STOP_MARKET order.
func (c *Client) PlaceTrigger(ctx context.Context, req common.TriggerRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", "STOP_MARKET")
	params.Set("quantity", formatFloat(req.Size))
	params.Set("stopPrice", formatFloat(req.TriggerPrice))
	params.Set("workingType", "MARK_PRICE")
	setPositionSide(params, req.PositionSide, true)

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode trigger order: %w", err)
	}
	return resp.result(), nil
}

// GetOrder queries one order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (common.OrderDetail, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderDetail{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderDetail{}, fmt.Errorf("decode order detail: %w", err)
	}
	return common.OrderDetail{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      resp.Symbol,
		Status:      mapStatus(resp.Status),
		AvgPrice:    parseFloat(resp.AvgPrice),
		FilledSize:  parseFloat(resp.ExecutedQty),
		UpdatedTime: time.UnixMilli(resp.UpdateTime),
	}, nil
}

// ClosePositions cancels open orders and flattens every open leg of symbol.
func (c *Client) ClosePositions(ctx context.Context, symbol string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if _, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params); err != nil {
		return fmt.Errorf("cancel open orders: %w", err)
	}

	positions, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		side := common.SideSell
		if p.Size < 0 {
			side = common.SideBuy
		}
		size := p.Size
		if size < 0 {
			size = -size
		}
		_, err := c.PlaceOrder(ctx, common.OrderRequest{
			Symbol:       symbol,
			Side:         side,
			PositionSide: p.PositionSide,
			Type:         common.OrderTypeMarket,
			Size:         size,
			ReduceOnly:   true,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s %s: %w", symbol, p.PositionSide, err))
		}
	}
	return errors.Join(errs...)
}

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey")
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey")
	return err
}

// ServerTime fetches futures server time in unix ms.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.APIError{Category: common.CategoryAuth, Message: "API key/secret required"}
	}
	return nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func (c *Client) doKeyed(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(req)
}

// doSigned adds timestamp, recvWindow and signature, then sends.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req     *http.Request
		err     error
		encoded = params.Encode()
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, parseError(res.StatusCode, body)
	}
	return body, nil
}

func setPositionSide(params url.Values, side common.PositionSide, reduceOnly bool) {
	switch side {
	case common.PositionLong, common.PositionShort:
		// Hedge mode rejects reduceOnly; the leg itself is the reduction target.
		params.Set("positionSide", string(side))
	default:
		if reduceOnly {
			params.Set("reduceOnly", "true")
		}
	}
}

func closeLeg(symbol string, side common.Side, posSide common.PositionSide, typ string, trigger float64) map[string]string {
	leg := map[string]string{
		"symbol":        symbol,
		"side":          string(side),
		"type":          typ,
		"stopPrice":     formatFloat(trigger),
		"closePosition": "true",
		"workingType":   "MARK_PRICE",
	}
	if posSide == common.PositionLong || posSide == common.PositionShort {
		leg["positionSide"] = string(posSide)
	}
	return leg
}
