package futures

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"signal-core/pkg/exchanges/common"
)

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
		QuoteAsset   string `json:"quoteAsset"`
		Filters      []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

type positionRisk struct {
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	Leverage     string `json:"leverage"`
}

type futuresBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	UpdateTime    int64  `json:"updateTime"`
	// populated for rejected legs in batch responses
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (r orderResp) result() common.OrderResult {
	id := ""
	if r.OrderID != 0 {
		id = strconv.FormatInt(r.OrderID, 10)
	}
	return common.OrderResult{
		OrderID:  id,
		ClientID: r.ClientOrderID,
		Status:   mapStatus(r.Status),
	}
}

// parseError decodes a {"code":..,"msg":..} body into a classified APIError.
func parseError(status int, body []byte) error {
	var e struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &e); err != nil || (e.Code == 0 && e.Msg == "") {
		apiErr := &common.APIError{Status: status, Category: common.CategoryUnknown, Message: strings.TrimSpace(string(body))}
		if status == http.StatusTooManyRequests || status == http.StatusTeapot {
			apiErr.Category = common.CategoryRateLimited
		}
		return apiErr
	}
	return classify(status, e.Code, e.Msg)
}

func classify(status, code int, msg string) *common.APIError {
	cat := common.CategoryUnknown
	switch code {
	case -4046, -4059: // margin type / position side unchanged
		cat = common.CategoryAlreadySet
	case -1003, -1015:
		cat = common.CategoryRateLimited
	case -2018, -2019, -2027:
		cat = common.CategoryInsufficientFunds
	case -1121, -4140:
		cat = common.CategoryInvalidInstrument
	case -2011, -2013:
		cat = common.CategoryNotFound
	case -2014, -2015, -1022:
		cat = common.CategoryAuth
	case -2021, -2022, -4164, -1111, -1013:
		cat = common.CategoryRejected
	}
	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		cat = common.CategoryRateLimited
	}
	return &common.APIError{Code: code, Category: cat, Message: msg, Status: status}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
