// Package signal turns chat trade calls into structured signals and diffs
// successive edits of the same call.
package signal

import "time"

// Direction is the side of a call.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// TakeProfitLevel is one numbered target. Price is 0 when the text named the
// level without a price.
type TakeProfitLevel struct {
	Level int     `json:"level"`
	Price float64 `json:"price"`
	Hit   bool    `json:"hit"`
}

// DCALevel is an additional same-direction entry.
type DCALevel struct {
	Level int     `json:"level"`
	Price float64 `json:"price"`
}

// Signal is the parsed form of one version of a message. Zero EntryPrice and
// zero Leverage mean absent.
type Signal struct {
	ID          string            `json:"id"`
	MessageID   string            `json:"message_id"`
	Ticker      string            `json:"ticker"`
	Instrument  string            `json:"instrument"`
	Direction   Direction         `json:"direction"`
	EntryPrice  float64           `json:"entry_price,omitempty"`
	Leverage    int               `json:"leverage,omitempty"`
	TraderName  string            `json:"trader_name,omitempty"`
	TakeProfits []TakeProfitLevel `json:"take_profits,omitempty"`
	DCALevels   []DCALevel        `json:"dca_levels,omitempty"`
	FinalPnL    *float64          `json:"final_pnl,omitempty"`
	Closed      bool              `json:"closed"`
	Triggered   bool              `json:"triggered"`
	// IsUpdate is set when the message id was already seen.
	IsUpdate bool      `json:"is_update"`
	ParsedAt time.Time `json:"parsed_at"`
}

// Input is one message version handed to the extractor.
type Input struct {
	Text      string
	MessageID string
	Time      time.Time
	// Seen reports whether a message id was processed before. May be nil.
	Seen func(messageID string) bool
}

// LastTakeProfit returns the highest-numbered level that carries a price.
func (s Signal) LastTakeProfit() (TakeProfitLevel, bool) {
	for i := len(s.TakeProfits) - 1; i >= 0; i-- {
		if s.TakeProfits[i].Price > 0 {
			return s.TakeProfits[i], true
		}
	}
	return TakeProfitLevel{}, false
}
