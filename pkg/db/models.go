package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Leverage source policies.
const (
	LeverageSourceConfig = "config"
	LeverageSourceSignal = "signal"
	LeverageSourceMax    = "max"
)

// Protective stop types.
const (
	StopTypeTPSL = "tpsl"
	StopTypeAlgo = "algo"
)

// DCA modes.
const (
	DCAModeAuto   = "auto"
	DCAModeManual = "manual"
)

// Order kinds.
const (
	KindEntry = "ENTRY"
	KindDCA   = "DCA"
)

// Signal verdicts.
const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
)

// Preferences is the single-row execution configuration.
type Preferences struct {
	OrderAmount         float64 `json:"order_amount" yaml:"order_amount"`
	Leverage            int     `json:"leverage" yaml:"leverage"`
	LeverageSource      string  `json:"leverage_source" yaml:"leverage_source"`
	MarginMode          string  `json:"margin_mode" yaml:"margin_mode"`
	OrderType           string  `json:"order_type" yaml:"order_type"`
	SlippagePercent     float64 `json:"slippage_percent" yaml:"slippage_percent"`
	StopVariancePercent float64 `json:"stop_variance_percent" yaml:"stop_variance_percent"`
	StopType            string  `json:"stop_type" yaml:"stop_type"`
	DCAEnabled          bool    `json:"dca_enabled" yaml:"dca_enabled"`
	DCAMode             string  `json:"dca_mode" yaml:"dca_mode"`
	ConfirmBeforeOrder  bool    `json:"confirm_before_order" yaml:"confirm_before_order"`
}

// DefaultPreferences is used until preferences are saved.
func DefaultPreferences() Preferences {
	return Preferences{
		OrderAmount:         10,
		Leverage:            10,
		LeverageSource:      LeverageSourceConfig,
		MarginMode:          "isolated",
		OrderType:           "market",
		SlippagePercent:     1,
		StopVariancePercent: 2,
		StopType:            StopTypeTPSL,
		DCAMode:             DCAModeManual,
	}
}

// Validate rejects preferences the orchestrator cannot act on.
func (p Preferences) Validate() error {
	if p.OrderAmount <= 0 {
		return errors.New("order_amount must be positive")
	}
	if p.Leverage <= 0 {
		return errors.New("leverage must be positive")
	}
	switch p.LeverageSource {
	case LeverageSourceConfig, LeverageSourceSignal, LeverageSourceMax:
	default:
		return fmt.Errorf("unknown leverage_source %q", p.LeverageSource)
	}
	switch strings.ToLower(p.OrderType) {
	case "market", "limit":
	default:
		return fmt.Errorf("unknown order_type %q", p.OrderType)
	}
	switch p.StopType {
	case StopTypeTPSL, StopTypeAlgo:
	default:
		return fmt.Errorf("unknown stop_type %q", p.StopType)
	}
	if p.SlippagePercent < 0 {
		return errors.New("slippage_percent must not be negative")
	}
	// A zero variance puts the stop at the entry; 100 or more puts a long's
	// stop at or below zero.
	if p.StopVariancePercent <= 0 || p.StopVariancePercent >= 100 {
		return errors.New("stop_variance_percent must be between 0 and 100 exclusive")
	}
	return nil
}

// SignalRecord is one parsed signal and the gate verdict.
type SignalRecord struct {
	ID         string
	SignalID   string
	MessageID  string
	ChannelID  string
	Author     string
	Instrument string
	Direction  string
	EntryPrice float64
	Leverage   int
	TraderName string
	Content    string
	Verdict    string
	Reason     string
	CreatedAt  time.Time
}

// EditRecord is one observed edit of a tracked message.
type EditRecord struct {
	ID        string
	MessageID string
	Version   int
	Content   string
	TPHits    []int
	Closed    bool
	FinalPnL  *float64
	CreatedAt time.Time
}

// OrderRecord is an entry or DCA order placed for a signal.
type OrderRecord struct {
	ID                string    `json:"id"`
	SignalID          string    `json:"signal_id"`
	MessageID         string    `json:"message_id"`
	ExchangeOrderID   string    `json:"exchange_order_id"`
	Instrument        string    `json:"instrument"`
	Side              string    `json:"side"`
	PositionSide      string    `json:"position_side"`
	OrderType         string    `json:"order_type"`
	Kind              string    `json:"kind"`
	Price             float64   `json:"price"`
	Size              float64   `json:"size"`
	Leverage          int       `json:"leverage"`
	Status            string    `json:"status"`
	ProtectiveOrderID string    `json:"protective_order_id,omitempty"`
	StopPrice         float64   `json:"stop_price,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// GetPreferences returns stored preferences, or defaults when none are saved.
func (d *Database) GetPreferences(ctx context.Context) (Preferences, error) {
	var (
		p                   Preferences
		dcaEnabled, confirm int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT order_amount, leverage, leverage_source, margin_mode, order_type,
		       slippage_percent, stop_variance_percent, stop_type,
		       dca_enabled, dca_mode, confirm_before_order
		FROM preferences WHERE id = 1
	`).Scan(&p.OrderAmount, &p.Leverage, &p.LeverageSource, &p.MarginMode, &p.OrderType,
		&p.SlippagePercent, &p.StopVariancePercent, &p.StopType,
		&dcaEnabled, &p.DCAMode, &confirm)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("query preferences: %w", err)
	}
	p.DCAEnabled = dcaEnabled == 1
	p.ConfirmBeforeOrder = confirm == 1
	return p, nil
}

// HasPreferences reports whether preferences were ever saved.
func (d *Database) HasPreferences(ctx context.Context) (bool, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM preferences`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SavePreferences upserts the preferences row.
func (d *Database) SavePreferences(ctx context.Context, p Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO preferences (
			id, order_amount, leverage, leverage_source, margin_mode, order_type,
			slippage_percent, stop_variance_percent, stop_type,
			dca_enabled, dca_mode, confirm_before_order, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			order_amount = excluded.order_amount,
			leverage = excluded.leverage,
			leverage_source = excluded.leverage_source,
			margin_mode = excluded.margin_mode,
			order_type = excluded.order_type,
			slippage_percent = excluded.slippage_percent,
			stop_variance_percent = excluded.stop_variance_percent,
			stop_type = excluded.stop_type,
			dca_enabled = excluded.dca_enabled,
			dca_mode = excluded.dca_mode,
			confirm_before_order = excluded.confirm_before_order,
			updated_at = CURRENT_TIMESTAMP
	`,
		p.OrderAmount, p.Leverage, p.LeverageSource, p.MarginMode, strings.ToLower(p.OrderType),
		p.SlippagePercent, p.StopVariancePercent, p.StopType,
		boolToInt(p.DCAEnabled), p.DCAMode, boolToInt(p.ConfirmBeforeOrder),
	)
	return err
}

// ListWhitelist returns whitelisted trader names.
func (d *Database) ListWhitelist(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT name FROM trader_whitelist ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query whitelist: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ReplaceWhitelist swaps the whole whitelist in one transaction.
func (d *Database) ReplaceWhitelist(ctx context.Context, names []string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM trader_whitelist`); err != nil {
			return err
		}
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO trader_whitelist (name) VALUES (?)`, n); err != nil {
				return fmt.Errorf("insert whitelist %s: %w", n, err)
			}
		}
		return nil
	})
}

// InsertOp returns the insert statement for r, for batched writers.
func (r SignalRecord) InsertOp() (string, []any) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	args := []any{
		r.ID, r.SignalID, r.MessageID, r.ChannelID, r.Author, r.Instrument, r.Direction,
		r.EntryPrice, r.Leverage, r.TraderName, r.Content, r.Verdict, r.Reason, nullTime(r.CreatedAt),
	}
	return `
		INSERT INTO signals (
			id, signal_id, message_id, channel_id, author, instrument, direction,
			entry_price, leverage, trader_name, content, verdict, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, args
}

// InsertOp returns the insert statement for r, for batched writers.
func (r EditRecord) InsertOp() (string, []any) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	hits := make([]string, 0, len(r.TPHits))
	for _, h := range r.TPHits {
		hits = append(hits, fmt.Sprint(h))
	}
	var pnl any
	if r.FinalPnL != nil {
		pnl = *r.FinalPnL
	}
	args := []any{
		r.ID, r.MessageID, r.Version, r.Content, strings.Join(hits, ","), boolToInt(r.Closed), pnl, nullTime(r.CreatedAt),
	}
	return `
		INSERT INTO signal_edits (id, message_id, version, content, tp_hits, closed, final_pnl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, args
}

// InsertSignal writes r immediately.
func (d *Database) InsertSignal(ctx context.Context, r SignalRecord) error {
	q, args := r.InsertOp()
	_, err := d.DB.ExecContext(ctx, q, args...)
	return err
}

// InsertEdit writes r immediately.
func (d *Database) InsertEdit(ctx context.Context, r EditRecord) error {
	q, args := r.InsertOp()
	_, err := d.DB.ExecContext(ctx, q, args...)
	return err
}

// CreateOrder inserts an order row, assigning an id when empty.
func (d *Database) CreateOrder(ctx context.Context, o OrderRecord) (OrderRecord, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Kind == "" {
		o.Kind = KindEntry
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, signal_id, message_id, exchange_order_id, instrument, side, position_side,
			order_type, kind, price, size, leverage, status, protective_order_id, stop_price, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.SignalID, o.MessageID, o.ExchangeOrderID, o.Instrument, o.Side, o.PositionSide,
		o.OrderType, o.Kind, o.Price, o.Size, o.Leverage, o.Status, o.ProtectiveOrderID, o.StopPrice, o.CreatedAt,
	)
	if err != nil {
		return OrderRecord{}, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// DeleteOrder removes an order row.
func (d *Database) DeleteOrder(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	return err
}

// UpdateOrderStatus sets the status of an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, status string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetProtectiveOrder records the stop attached to an entry order.
func (d *Database) SetProtectiveOrder(ctx context.Context, id, protectiveID string, stopPrice float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET protective_order_id = ?, stop_price = ?, status = 'FILLED', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, protectiveID, stopPrice, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetOrder returns an order by id.
func (d *Database) GetOrder(ctx context.Context, id string) (OrderRecord, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderRecord{}, ErrNotFound
	}
	return o, err
}

const orderColumns = `
	id, signal_id, message_id, exchange_order_id, instrument, side, position_side,
	order_type, kind, price, size, leverage, status,
	COALESCE(protective_order_id, ''), COALESCE(stop_price, 0), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (OrderRecord, error) {
	var o OrderRecord
	err := s.Scan(&o.ID, &o.SignalID, &o.MessageID, &o.ExchangeOrderID, &o.Instrument, &o.Side, &o.PositionSide,
		&o.OrderType, &o.Kind, &o.Price, &o.Size, &o.Leverage, &o.Status,
		&o.ProtectiveOrderID, &o.StopPrice, &o.CreatedAt)
	return o, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
