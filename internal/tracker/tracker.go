// Package tracker keeps one record per accepted chat message while its
// position is believed open, and turns edits into lifecycle outcomes.
package tracker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/signal"
)

// Record is the active state of one message.
type Record struct {
	MessageID string        `json:"message_id"`
	Signal    signal.Signal `json:"signal"`
	Version   int           `json:"version"`
	OrderIDs  []string      `json:"order_ids"`
	LastText  string        `json:"-"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// EditResult is what one edit produced.
type EditResult struct {
	Found   bool
	Version int
	Change  signal.Change
	Removed bool
}

// Tracker is written only by the pipeline loop; Snapshot and Get may be
// called from anywhere.
type Tracker struct {
	differ *signal.Extractor
	emit   events.Emitter
	log    *zap.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// New creates a tracker using differ for edit comparison.
func New(differ *signal.Extractor, emit events.Emitter, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		differ:  differ,
		emit:    emit,
		log:     log,
		records: make(map[string]*Record),
	}
}

// Add starts tracking an accepted message at version 1.
func (t *Tracker) Add(s signal.Signal, text string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &Record{MessageID: s.MessageID, Signal: s, Version: 1, LastText: text, UpdatedAt: time.Now()}
	t.records[s.MessageID] = r
	return cloneRecord(r)
}

// AttachOrder associates a persisted order with the message.
func (t *Tracker) AttachOrder(messageID, orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[messageID]
	if !ok {
		return false
	}
	r.OrderIDs = append(r.OrderIDs, orderID)
	return true
}

// Remove stops tracking a message.
func (t *Tracker) Remove(messageID string) {
	t.mu.Lock()
	delete(t.records, messageID)
	t.mu.Unlock()
}

// Get returns a copy of the record for messageID.
func (t *Tracker) Get(messageID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[messageID]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(r), true
}

// Snapshot returns copies of every record, oldest first.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, cloneRecord(r))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Signal.ParsedAt.Before(out[j].Signal.ParsedAt) })
	return out
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Edit applies an edit. oldText may be empty, in which case the cached text
// of the record is used; with neither, the diff is approximate. Unknown
// messages only produce the generic edit outcome.
func (t *Tracker) Edit(messageID, newText, oldText string, parsed *signal.Signal) EditResult {
	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		t.emit.Emit(events.Outcome{Kind: events.SignalEdited, MessageID: messageID})
		return EditResult{}
	}
	if oldText == "" {
		oldText = r.LastText
	}
	change := t.differ.Diff(oldText, newText)
	r.Version++
	r.LastText = newText
	r.UpdatedAt = time.Now()
	if parsed != nil {
		r.Signal = *parsed
	}
	rec := cloneRecord(r)
	if change.Closed {
		delete(t.records, messageID)
	}
	t.mu.Unlock()

	if change.Approximate {
		t.log.Debug("edit diff approximated without prior text", zap.String("message_id", messageID))
	}

	base := events.For(events.SignalEdited, rec.Signal)
	base.Version = rec.Version
	t.emit.Emit(base)

	for _, tp := range change.NewlyHit {
		o := events.For(events.TPHit, rec.Signal)
		o.Version = rec.Version
		o.Level = tp.Level
		o.Price = tp.Price
		t.emit.Emit(o)
	}
	if change.Closed {
		o := events.For(events.SignalClosed, rec.Signal)
		o.Version = rec.Version
		o.FinalPnL = change.FinalPnL
		t.emit.Emit(o)
	}
	return EditResult{Found: true, Version: rec.Version, Change: change, Removed: change.Closed}
}

func cloneRecord(r *Record) Record {
	c := *r
	c.OrderIDs = append([]string(nil), r.OrderIDs...)
	return c
}
