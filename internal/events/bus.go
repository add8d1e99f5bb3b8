package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Emitter is what pipeline components report outcomes to.
type Emitter interface {
	Emit(o Outcome)
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Outcome
	all     []chan Outcome
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Outcome)}
}

// Subscribe registers a listener for one kind and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Outcome, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Outcome, buffer)
	b.subs[e] = append(b.subs[e], ch)
	return ch, func() { b.remove(e, ch, false) }
}

// SubscribeAll registers a listener for every kind.
func (b *Bus) SubscribeAll(buffer int) (<-chan Outcome, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Outcome, buffer)
	b.all = append(b.all, ch)
	return ch, func() { b.remove("", ch, true) }
}

func (b *Bus) remove(e Event, ch chan Outcome, all bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[e]
	if all {
		subs = b.all
	}
	for i, c := range subs {
		if c == ch {
			close(c)
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if all {
		b.all = subs
	} else {
		b.subs[e] = subs
	}
}

// Emit stamps o and publishes it under its kind.
func (b *Bus) Emit(o Outcome) {
	if o.Time.IsZero() {
		o.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[o.Kind] {
		b.send(ch, o)
	}
	for _, ch := range b.all {
		b.send(ch, o)
	}
}

func (b *Bus) send(ch chan Outcome, o Outcome) {
	select {
	case ch <- o:
	default:
		// drop if subscriber is slow; keep broker non-blocking
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Recorder is an Emitter that keeps every outcome, for tests and audits.
type Recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *Recorder) Emit(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

// Outcomes returns a copy of what was emitted so far.
func (r *Recorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

// Kinds returns the emitted kinds in order.
func (r *Recorder) Kinds() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.outcomes))
	for i, o := range r.outcomes {
		out[i] = o.Kind
	}
	return out
}

// Count returns how many outcomes of kind k were emitted.
func (r *Recorder) Count(k Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.outcomes {
		if o.Kind == k {
			n++
		}
	}
	return n
}

// Multi fans one outcome out to several emitters.
type Multi []Emitter

func (m Multi) Emit(o Outcome) {
	for _, e := range m {
		if e != nil {
			e.Emit(o)
		}
	}
}
