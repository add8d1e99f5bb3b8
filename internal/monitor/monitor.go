// Package monitor turns lifecycle outcomes into metrics and operator alerts.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
)

// Monitor watches the outcome bus.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Alerts  AlertSink
	Log     *zap.Logger
}

// Start subscribes to every outcome until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		if m.Log != nil {
			m.Log.Warn("monitor has no bus; skipping")
		}
		return
	}
	stream, unsub := m.Bus.SubscribeAll(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case o, ok := <-stream:
				if !ok {
					return
				}
				m.handle(o)
			}
		}
	}()
}

func (m *Monitor) handle(o events.Outcome) {
	if m.Metrics != nil {
		m.Metrics.ObserveOutcome(o)
	}
	if m.Alerts == nil || !alertWorthy(o.Kind) {
		return
	}
	if err := m.Alerts.Send(formatAlert(o)); err != nil && m.Log != nil {
		m.Log.Warn("alert delivery failed", zap.Error(err))
	}
}

func alertWorthy(k events.Event) bool {
	switch k {
	case events.StopFailed, events.EmergencyClose:
		return true
	}
	return false
}

func formatAlert(o events.Outcome) string {
	at := o.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch o.Kind {
	case events.StopFailed:
		return fmt.Sprintf("[%s] UNPROTECTED position %s order %s: stop at %g failed: %s",
			at.Format(time.RFC3339), o.Instrument, o.OrderID, o.StopPrice, o.Reason)
	default:
		return fmt.Sprintf("[%s] %s %s %s", at.Format(time.RFC3339), o.Kind, o.Instrument, o.Reason)
	}
}
