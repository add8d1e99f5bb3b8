// Package gate decides whether a parsed signal may be executed.
//
// A Gate is owned by the pipeline loop and is not safe for concurrent use.
package gate

import (
	"fmt"
	"math"
	"strings"

	"signal-core/internal/signal"
	"signal-core/pkg/exchanges/common"
)

// Code identifies why a candidate was not accepted.
type Code string

const (
	CodeNone              Code = ""
	CodeParseMiss         Code = "parse_miss"
	CodeDuplicate         Code = "duplicate"
	CodeNotWhitelisted    Code = "not_whitelisted"
	CodeNoWhitelist       Code = "whitelist_unavailable"
	CodeAlreadyClosed     Code = "already_closed"
	CodeUnknownInstrument Code = "unknown_instrument"
	CodePriceDeviation    Code = "price_deviation"
)

// DefaultMaxDeviation is the largest accepted entry/market gap.
const DefaultMaxDeviation = 0.10

// Candidate is one parsed message offered to the gate.
type Candidate struct {
	Signal signal.Signal
	Parsed bool
	// Author is the chat author, used when the text names no trader.
	Author string
	// Whitelist is the current trader whitelist; empty allows everyone.
	Whitelist []string
	// WhitelistUnavailable rejects the candidate because the whitelist
	// could not be read.
	WhitelistUnavailable bool
	// MarketPrice enables the deviation check when positive.
	MarketPrice float64
}

// Decision is the gate verdict.
type Decision struct {
	Accepted bool
	Code     Code
	Reason   string
}

// Silent reports whether the verdict must not be surfaced as a rejection.
func (d Decision) Silent() bool {
	return d.Code == CodeParseMiss || d.Code == CodeDuplicate
}

// Gate holds the processed-message set and the known instruments.
type Gate struct {
	processed    map[string]struct{}
	instruments  map[string]common.Instrument
	maxDeviation float64
}

// New creates a gate. maxDeviation <= 0 uses DefaultMaxDeviation.
func New(maxDeviation float64) *Gate {
	if maxDeviation <= 0 {
		maxDeviation = DefaultMaxDeviation
	}
	return &Gate{
		processed:    make(map[string]struct{}),
		instruments:  make(map[string]common.Instrument),
		maxDeviation: maxDeviation,
	}
}

// SetInstruments replaces the known instrument set.
func (g *Gate) SetInstruments(list []common.Instrument) {
	next := make(map[string]common.Instrument, len(list))
	for _, inst := range list {
		next[inst.Symbol] = inst
	}
	g.instruments = next
}

// Instrument looks up a known instrument.
func (g *Gate) Instrument(symbol string) (common.Instrument, bool) {
	inst, ok := g.instruments[symbol]
	return inst, ok
}

// InstrumentCount returns the size of the known set.
func (g *Gate) InstrumentCount() int {
	return len(g.instruments)
}

// MarkProcessed records message ids as already handled.
func (g *Gate) MarkProcessed(ids ...string) {
	for _, id := range ids {
		if id != "" {
			g.processed[id] = struct{}{}
		}
	}
}

// Processed reports whether id was accepted before.
func (g *Gate) Processed(id string) bool {
	_, ok := g.processed[id]
	return ok
}

// Evaluate runs the checks in order and stops at the first failure. The
// message id is marked processed only when every check passes.
func (g *Gate) Evaluate(c Candidate) Decision {
	if !c.Parsed {
		return Decision{Code: CodeParseMiss}
	}
	s := c.Signal
	key := dedupKey(s)
	if g.Processed(key) {
		return Decision{Code: CodeDuplicate}
	}

	if c.WhitelistUnavailable {
		return Decision{Code: CodeNoWhitelist, Reason: "Trader whitelist unavailable"}
	}
	if len(c.Whitelist) > 0 {
		trader := s.TraderName
		if trader == "" {
			trader = c.Author
		}
		if !whitelisted(c.Whitelist, trader) {
			name := trader
			if name == "" {
				name = "(unknown)"
			}
			return Decision{Code: CodeNotWhitelisted, Reason: fmt.Sprintf("Trader %s is not whitelisted", name)}
		}
	}

	if s.Closed {
		return Decision{Code: CodeAlreadyClosed, Reason: "Already closed"}
	}

	if _, ok := g.instruments[s.Instrument]; !ok {
		return Decision{Code: CodeUnknownInstrument, Reason: fmt.Sprintf("Unknown instrument %s", s.Instrument)}
	}

	if c.MarketPrice > 0 && s.EntryPrice > 0 {
		dev := math.Abs(s.EntryPrice-c.MarketPrice) / c.MarketPrice
		if dev > g.maxDeviation {
			return Decision{Code: CodePriceDeviation, Reason: fmt.Sprintf(
				"Entry %g deviates %.1f%% from market %g (max %.0f%%)",
				s.EntryPrice, dev*100, c.MarketPrice, g.maxDeviation*100)}
		}
	}

	g.processed[key] = struct{}{}
	return Decision{Accepted: true}
}

func dedupKey(s signal.Signal) string {
	if s.MessageID != "" {
		return s.MessageID
	}
	return s.ID
}

func whitelisted(list []string, trader string) bool {
	trader = strings.TrimSpace(trader)
	if trader == "" {
		return false
	}
	for _, name := range list {
		if strings.EqualFold(strings.TrimSpace(name), trader) {
			return true
		}
	}
	return false
}
