package reconciliation

import (
	"context"
	"sync"
	"testing"
	"time"

	"signal-core/internal/order"
)

type fakeFills struct {
	mu      sync.Mutex
	pending []order.Pending
	checked []string
}

func (f *fakeFills) Snapshot() []order.Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]order.Pending(nil), f.pending...)
}

func (f *fakeFills) Reconcile(ctx context.Context, orderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, orderID)
	for i, p := range f.pending {
		if p.OrderID == orderID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeFills) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func TestReconcileSkipsYoungContexts(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fills := &fakeFills{pending: []order.Pending{
		{OrderID: "old", CreatedAt: now.Add(-time.Minute)},
		{OrderID: "young", CreatedAt: now.Add(-5 * time.Second)},
	}}
	s := NewService(fills, time.Second, 20*time.Second, nil)
	s.now = func() time.Time { return now }

	report := s.Reconcile(context.Background())
	if report.Checked != 1 || report.Resolved != 1 || report.Remaining != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(fills.checked) != 1 || fills.checked[0] != "old" {
		t.Fatalf("checked = %v", fills.checked)
	}
	if s.LastReport() != report {
		t.Fatalf("last report = %+v", s.LastReport())
	}
}
