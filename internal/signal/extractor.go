package signal

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const num = `[$€£]?[ \t]*[0-9][0-9,]*(?:\.[0-9]+)?`

var (
	// "LONG SIGNAL - BTC/USDT"
	shortHeaderRe = regexp.MustCompile(`(?i)\b(LONG|SHORT)\s+SIGNAL\s*[-–—:|]\s*\$?([A-Z0-9]{1,20})\s*/\s*[A-Z]{3,5}\b`)
	// "NEW SIGNAL • BTC • Entry ..."
	bulletHeaderRe = regexp.MustCompile(`(?i)\bNEW\s+SIGNAL\s*[•·|]\s*\$?([A-Z0-9]{1,20})(?:\s*/\s*[A-Z]{3,5})?\s*[•·|]\s*Entry`)
	directionRe    = regexp.MustCompile(`(?i)\b(LONG|SHORT)\b`)

	entryRe      = regexp.MustCompile(`(?i)(?:^|[^\p{L}\-])entry(?:\s+(?:price|zone|point))?\s*[:=@\-–]?\s*(?:@\s*)?(` + num + `)`)
	leverageRe   = regexp.MustCompile(`(?i)\b(?:leverage|lev)\s*[:=\-–]?\s*(?:(?:cross|isolated)\s*)?\(?\s*([0-9]+(?:\.[0-9]+)?)\s*x?\b`)
	leverageXRe  = regexp.MustCompile(`(?i)(?:^|[^A-Z0-9.])([0-9]{1,3})\s?x\b`)
	takeProfitRe = regexp.MustCompile(`(?im)(✅|✔\x{FE0F}?|~~)?[ \t*]*\b(?:TP|Target|Take[ \t]*Profit)[ \t]*([0-9]{1,2})\b(?:[ \t]*[:=@\-–][ \t]*|[ \t]+)?(` + num + `)?((?:[ \t\-–:|(*~]*(?:HIT|DONE|REACHED|✅|✔\x{FE0F}?))+)?`)
	dcaRe        = regexp.MustCompile(`(?im)\b(?:DCA|Re-?entry)[ \t]*([0-9]{1,2}\b)?[ \t]*[:=@\-–]?[ \t]*(` + num + `)`)
	closedRe     = regexp.MustCompile(`(?i)\b(?:TRADE\s+CLOSED|POSITION\s+CLOSED|CLOSED\s+(?:IN\s+)?(?:PROFIT|LOSS|MANUALLY|AT\s+BREAK\s*EVEN)|STOPPED\s+OUT|(?:SL|STOP\s*LOSS)\s+HIT|SIGNAL\s+CANCELL?ED)\b`)
	finalPnLRe   = regexp.MustCompile(`(?i)\b(?:(stop|take)[\s\-]*)?(?:final\s+)?(?:P\s*&\s*L|PnL|ROI|profit|loss)\s*[:=]?\s*([+\-−]?\s*[0-9][0-9,]*(?:\.[0-9]+)?)\s*%`)
	triggeredRe  = regexp.MustCompile(`(?i)\b(?:entry\s+(?:hit|triggered|filled|reached)|signal\s+(?:triggered|activated)|triggered)\b`)
	traderRe     = regexp.MustCompile(`(?im)\b(?:trader|caller|analyst|posted\s+by)\s*[:\-–]\s*@?([\p{L}\p{N}_.\-]+)`)
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("signal-core/signal"))

// Extractor parses chat text. It is safe for concurrent use.
type Extractor struct {
	quote string
}

// NewExtractor builds an extractor mapping tickers to <TICKER><quote> symbols.
func NewExtractor(quoteAsset string) *Extractor {
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &Extractor{quote: strings.ToUpper(quoteAsset)}
}

// Extract returns the signal carried by in.Text, or false when the text has no
// unambiguous direction or no ticker.
func (e *Extractor) Extract(in Input) (Signal, bool) {
	dir, ticker, ok := parseHeader(in.Text)
	if !ok {
		return Signal{}, false
	}
	f := parseFields(in.Text)

	s := Signal{
		MessageID:   in.MessageID,
		Ticker:      ticker,
		Instrument:  e.Instrument(ticker),
		Direction:   dir,
		EntryPrice:  f.entry,
		Leverage:    f.leverage,
		TraderName:  f.trader,
		TakeProfits: f.takeProfits,
		DCALevels:   f.dca,
		FinalPnL:    f.finalPnL,
		Closed:      f.closed,
		Triggered:   f.triggered,
		ParsedAt:    in.Time,
	}
	if s.ParsedAt.IsZero() {
		s.ParsedAt = time.Now()
	}
	if in.Seen != nil && in.MessageID != "" {
		s.IsUpdate = in.Seen(in.MessageID)
	}
	s.ID = signalID(s, in.Time)
	return s, true
}

// Instrument maps a ticker to the venue symbol.
func (e *Extractor) Instrument(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if strings.HasSuffix(t, e.quote) && len(t) > len(e.quote) {
		return t
	}
	return t + e.quote
}

func signalID(s Signal, at time.Time) string {
	if s.MessageID != "" {
		return uuid.NewSHA1(idNamespace, []byte("msg:"+s.MessageID)).String()
	}
	key := fmt.Sprintf("%s|%s|%s|%d", s.Direction, s.Instrument,
		strconv.FormatFloat(s.EntryPrice, 'f', -1, 64), at.Unix())
	return uuid.NewSHA1(idNamespace, []byte("sig:"+key)).String()
}

// parseHeader tries the short header first, then the bullet header with a
// separate direction marker.
func parseHeader(text string) (Direction, string, bool) {
	if m := shortHeaderRe.FindStringSubmatch(text); m != nil {
		return Direction(strings.ToLower(m[1])), strings.ToUpper(m[2]), true
	}
	m := bulletHeaderRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	dir, ok := directionMarker(text)
	if !ok {
		return "", "", false
	}
	return dir, strings.ToUpper(m[1]), true
}

// directionMarker requires exactly one of LONG/SHORT to appear.
func directionMarker(text string) (Direction, bool) {
	var found Direction
	for _, m := range directionRe.FindAllStringSubmatch(text, -1) {
		d := Direction(strings.ToLower(m[1]))
		if found != "" && found != d {
			return "", false
		}
		found = d
	}
	return found, found != ""
}

type fields struct {
	entry       float64
	leverage    int
	trader      string
	takeProfits []TakeProfitLevel
	dca         []DCALevel
	finalPnL    *float64
	closed      bool
	triggered   bool
}

// parseFields runs every field scan independently; no header is required.
func parseFields(text string) fields {
	return fields{
		entry:       scanEntry(text),
		leverage:    scanLeverage(text),
		trader:      scanTrader(text),
		takeProfits: scanTakeProfits(text),
		dca:         scanDCA(text),
		finalPnL:    scanFinalPnL(text),
		closed:      closedRe.MatchString(text),
		triggered:   triggeredRe.MatchString(text),
	}
}

func scanEntry(text string) float64 {
	for _, m := range entryRe.FindAllStringSubmatch(text, -1) {
		if px := parsePrice(m[1]); px > 0 {
			return px
		}
	}
	return 0
}

func scanLeverage(text string) int {
	if m := leverageRe.FindStringSubmatch(text); m != nil {
		if lev := parseLeverage(m[1]); lev > 0 {
			return lev
		}
	}
	if m := leverageXRe.FindStringSubmatch(text); m != nil {
		return parseLeverage(m[1])
	}
	return 0
}

func scanTrader(text string) string {
	if m := traderRe.FindStringSubmatch(text); m != nil {
		return strings.Trim(m[1], ".-")
	}
	return ""
}

// scanTakeProfits merges every mention of a level into one entry: the first
// price seen wins and hit is true if any mention marks it.
func scanTakeProfits(text string) []TakeProfitLevel {
	byLevel := map[int]*TakeProfitLevel{}
	for _, m := range takeProfitRe.FindAllStringSubmatch(text, -1) {
		level, err := strconv.Atoi(m[2])
		if err != nil || level <= 0 {
			continue
		}
		price := parsePrice(m[3])
		hit := m[1] != "" || m[4] != ""
		tp, ok := byLevel[level]
		if !ok {
			tp = &TakeProfitLevel{Level: level}
			byLevel[level] = tp
		}
		if tp.Price == 0 {
			tp.Price = price
		}
		tp.Hit = tp.Hit || hit
	}
	out := make([]TakeProfitLevel, 0, len(byLevel))
	for _, tp := range byLevel {
		out = append(out, *tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	if len(out) == 0 {
		return nil
	}
	return out
}

func scanDCA(text string) []DCALevel {
	var out []DCALevel
	seen := map[int]bool{}
	for _, m := range dcaRe.FindAllStringSubmatch(text, -1) {
		price := parsePrice(m[2])
		if price == 0 {
			continue
		}
		level := len(out) + 1
		if m[1] != "" {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				level = n
			}
		}
		if seen[level] {
			continue
		}
		seen[level] = true
		out = append(out, DCALevel{Level: level, Price: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// scanFinalPnL returns the first realised result percentage. "Stop loss"
// and "take profit" percentages are order parameters and are skipped.
func scanFinalPnL(text string) *float64 {
	for _, m := range finalPnLRe.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			continue
		}
		d, ok := parseNumber(m[2])
		if !ok {
			return nil
		}
		v, _ := d.Float64()
		return &v
	}
	return nil
}
