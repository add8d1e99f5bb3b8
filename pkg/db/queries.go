package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

// ListSignals returns the most recent signal records, newest first.
func (d *Database) ListSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, signal_id, message_id, COALESCE(channel_id, ''), COALESCE(author, ''),
		       COALESCE(instrument, ''), COALESCE(direction, ''), COALESCE(entry_price, 0),
		       COALESCE(leverage, 0), COALESCE(trader_name, ''), content, verdict,
		       COALESCE(reason, ''), created_at
		FROM signals
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var r SignalRecord
		if err := rows.Scan(&r.ID, &r.SignalID, &r.MessageID, &r.ChannelID, &r.Author,
			&r.Instrument, &r.Direction, &r.EntryPrice, &r.Leverage, &r.TraderName,
			&r.Content, &r.Verdict, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEdits returns the edits recorded for a message in version order.
func (d *Database) ListEdits(ctx context.Context, messageID string) ([]EditRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, message_id, version, content, COALESCE(tp_hits, ''), closed, final_pnl, created_at
		FROM signal_edits
		WHERE message_id = ?
		ORDER BY version ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query edits: %w", err)
	}
	defer rows.Close()

	var out []EditRecord
	for rows.Next() {
		var (
			r      EditRecord
			hits   string
			closed int
			pnl    sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Version, &r.Content, &hits, &closed, &pnl, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		r.Closed = closed == 1
		if pnl.Valid {
			v := pnl.Float64
			r.FinalPnL = &v
		}
		for _, h := range strings.Split(hits, ",") {
			if n, err := strconv.Atoi(h); err == nil {
				r.TPHits = append(r.TPHits, n)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListOrders returns the most recent orders, newest first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AcceptedMessageIDs returns every message id that passed the gate.
func (d *Database) AcceptedMessageIDs(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT DISTINCT message_id FROM signals WHERE verdict = ?
	`, VerdictAccepted)
	if err != nil {
		return nil, fmt.Errorf("query accepted ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
