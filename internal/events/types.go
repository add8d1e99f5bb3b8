// Package events carries lifecycle outcomes from the pipeline to the
// dashboard, metrics and audit log.
package events

import (
	"time"

	"signal-core/internal/signal"
)

// Event enumerates outcome kinds.
type Event string

const (
	SignalAccepted       Event = "signal_accepted"
	SignalRejected       Event = "signal_rejected"
	ConfirmationRequired Event = "confirmation_required"
	ConfirmationCanceled Event = "confirmation_canceled"
	ExecutionStart       Event = "execution_start"
	ExecutionProgress    Event = "execution_progress"
	OrderTypeDowngraded  Event = "order_type_downgraded"
	ExecutionComplete    Event = "execution_complete"
	ExecutionFailed      Event = "execution_failed"
	ExecutionSkipped     Event = "execution_skipped"
	StopFailed           Event = "stop_failed"
	DCADetected          Event = "dca_detected"
	DCALegFailed         Event = "dca_leg_failed"
	TPHit                Event = "tp_hit"
	SignalClosed         Event = "signal_closed"
	SignalEdited         Event = "signal_edited"
	EmergencyClose       Event = "emergency_close"
	OrderCanceled        Event = "order_canceled"
)

// Outcome is one lifecycle report. It carries enough to render or log
// without further lookups.
type Outcome struct {
	Kind       Event          `json:"kind"`
	Time       time.Time      `json:"time"`
	MessageID  string         `json:"message_id,omitempty"`
	SignalID   string         `json:"signal_id,omitempty"`
	Instrument string         `json:"instrument,omitempty"`
	Version    int            `json:"version,omitempty"`
	Step       string         `json:"step,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	OrderType  string         `json:"order_type,omitempty"`
	Price      float64        `json:"price,omitempty"`
	Size       float64        `json:"size,omitempty"`
	StopPrice  float64        `json:"stop_price,omitempty"`
	Level      int            `json:"level,omitempty"`
	FinalPnL   *float64       `json:"final_pnl,omitempty"`
	Signal     *signal.Signal `json:"signal,omitempty"`
}

// For starts an outcome of kind k about s.
func For(k Event, s signal.Signal) Outcome {
	sig := s
	return Outcome{
		Kind:       k,
		MessageID:  s.MessageID,
		SignalID:   s.ID,
		Instrument: s.Instrument,
		Signal:     &sig,
	}
}
