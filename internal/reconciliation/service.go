// Package reconciliation periodically resolves pending fills whose stream
// notification never arrived.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/order"
)

// FillSource is the fill supervisor surface the sweep uses.
type FillSource interface {
	Snapshot() []order.Pending
	Reconcile(ctx context.Context, orderID string) bool
	Len() int
}

// Service runs the sweep.
type Service struct {
	fills    FillSource
	interval time.Duration
	minAge   time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	last Report
}

// Report summarizes one sweep.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Checked   int       `json:"checked"`
	Resolved  int       `json:"resolved"`
	Remaining int       `json:"remaining"`
}

// NewService creates a sweep over fills. Contexts younger than minAge are
// left to the stream and the market poll.
func NewService(fills FillSource, interval, minAge time.Duration, log *zap.Logger) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		fills:    fills,
		interval: interval,
		minAge:   minAge,
		log:      log,
		now:      time.Now,
	}
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report := s.Reconcile(ctx)
				if report.Checked > 0 {
					s.log.Info("reconciliation sweep",
						zap.Int("checked", report.Checked),
						zap.Int("resolved", report.Resolved),
						zap.Int("remaining", report.Remaining))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation started", zap.Duration("interval", s.interval), zap.Duration("min_age", s.minAge))
}

// Reconcile checks every pending context older than the minimum age.
func (s *Service) Reconcile(ctx context.Context) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{Timestamp: s.now()}
	cutoff := report.Timestamp.Add(-s.minAge)
	for _, p := range s.fills.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if p.CreatedAt.After(cutoff) {
			continue
		}
		report.Checked++
		if s.fills.Reconcile(ctx, p.OrderID) {
			report.Resolved++
			s.log.Warn("fill resolved by reconciliation", zap.String("order_id", p.OrderID), zap.String("instrument", p.Instrument.Symbol))
		}
	}
	report.Remaining = s.fills.Len()
	s.last = report
	return report
}

// LastReport returns the most recent sweep summary.
func (s *Service) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
