package futures

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-core/pkg/exchanges/common"
)

type listenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// UserStream listens to the futures user data stream and turns
// ORDER_TRADE_UPDATE fills into common.Fill values.
type UserStream struct {
	client  listenKeyClient
	testnet bool
	host    string // override, used by tests
	out     chan common.Fill
	log     *zap.Logger
}

var _ common.FillFeed = (*UserStream)(nil)

// NewUserStream creates a stream; call Start to connect.
func NewUserStream(client listenKeyClient, testnet bool, log *zap.Logger) *UserStream {
	if log == nil {
		log = zap.NewNop()
	}
	return &UserStream{
		client:  client,
		testnet: testnet,
		out:     make(chan common.Fill, 256),
		log:     log,
	}
}

// Fills returns the fill channel. It is closed when Start's ctx ends.
func (s *UserStream) Fills() <-chan common.Fill {
	return s.out
}

// Start connects in the background and reconnects with backoff until ctx is done.
func (s *UserStream) Start(ctx context.Context) {
	go func() {
		defer close(s.out)
		retry := 0
		for {
			err := s.run(ctx)
			if ctx.Err() != nil {
				return
			}
			wait := common.Backoff(retry)
			s.log.Warn("user stream disconnected", zap.Error(err), zap.Duration("retry_in", wait))
			retry++
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

func (s *UserStream) run(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL(listenKey), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Info("user stream connected", zap.Bool("testnet", s.testnet))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(runCtx); err != nil {
					s.log.Warn("listen key keepalive failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if expired := s.handleMessage(runCtx, msg); expired {
			return nil
		}
	}
}

func (s *UserStream) streamURL(listenKey string) string {
	host := "fstream.binance.com"
	if s.testnet {
		host = "fstream.binancefuture.com"
	}
	if s.host != "" {
		host = s.host
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}
	return u.String()
}

// handleMessage publishes filled orders and reports listen key expiry.
func (s *UserStream) handleMessage(ctx context.Context, msg []byte) (expired bool) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		s.log.Debug("user stream parse error", zap.Error(err))
		return false
	}
	switch head.Event {
	case "ORDER_TRADE_UPDATE":
		if f, ok := parseOrderTradeUpdate(msg); ok {
			select {
			case s.out <- f:
			case <-ctx.Done():
			}
		}
	case "listenKeyExpired":
		return true
	}
	return false
}

func parseOrderTradeUpdate(msg []byte) (common.Fill, bool) {
	var wrap struct {
		EventTime int64 `json:"E"`
		Data      struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			Status        string `json:"X"`
			ExecutionType string `json:"x"`
			OrderID       int64  `json:"i"`
			ClientOrderID string `json:"c"`
			AvgPrice      string `json:"ap"`
			LastPrice     string `json:"L"`
			CumQty        string `json:"z"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		return common.Fill{}, false
	}
	if strings.ToUpper(wrap.Data.ExecutionType) != "TRADE" || mapStatus(wrap.Data.Status) != common.StatusFilled {
		return common.Fill{}, false
	}
	price := parseFloat(wrap.Data.AvgPrice)
	if price == 0 {
		price = parseFloat(wrap.Data.LastPrice)
	}
	return common.Fill{
		OrderID:  strconv.FormatInt(wrap.Data.OrderID, 10),
		ClientID: wrap.Data.ClientOrderID,
		Symbol:   wrap.Data.Symbol,
		Side:     common.Side(wrap.Data.Side),
		Price:    price,
		Size:     parseFloat(wrap.Data.CumQty),
		Status:   common.StatusFilled,
		Time:     time.UnixMilli(wrap.EventTime),
	}, true
}
