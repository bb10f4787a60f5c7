package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event names emitted by the engine
type Event string

const (
	RiskAlert                 Event = "risk_alert"
	RollExecuted              Event = "roll_executed"
	PositionClosed            Event = "position_closed"
	CriticalPositionsDetected Event = "critical_positions_detected"
	RiskReportGenerated       Event = "risk_report_generated"
	PositionExpired           Event = "position_expired"
	ActionFailed              Event = "action_failed"
	AdvisoryDecision          Event = "advisory_decision"
)

// All lists every event name
var All = []Event{
	RiskAlert, RollExecuted, PositionClosed, CriticalPositionsDetected,
	RiskReportGenerated, PositionExpired, ActionFailed, AdvisoryDecision,
}

// Envelope is what subscribers receive
type Envelope struct {
	Name    Event     `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Publisher is the narrow interface the engine depends on
type Publisher interface {
	Publish(e Event, payload any)
}

// Bus is a lightweight pub/sub broker using channels. Publishing never
// blocks; a full subscriber misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Envelope
	all     []chan Envelope
	dropped atomic.Int64
	now     func() time.Time
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope), now: time.Now}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[e] = remove(b.subs[e], ch)
	}
	return ch, unsub
}

// SubscribeAll registers a listener for every event
func (b *Bus) SubscribeAll(buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.all = append(b.all, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, ch)
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking
func (b *Bus) Publish(e Event, payload any) {
	env := Envelope{Name: e, Payload: payload, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		b.offer(ch, env)
	}
	for _, ch := range b.all {
		b.offer(ch, env)
	}
}

func (b *Bus) offer(ch chan Envelope, env Envelope) {
	select {
	case ch <- env:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func remove(subs []chan Envelope, ch chan Envelope) []chan Envelope {
	for i, c := range subs {
		if c == ch {
			close(c)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Recorder keeps published envelopes in memory. Tests use it in place of a Bus.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

// Publish records the event
func (r *Recorder) Publish(e Event, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Envelope{Name: e, Payload: payload, At: time.Now()})
	r.mu.Unlock()
}

// Events returns a copy of the recorded envelopes, optionally filtered by name
func (r *Recorder) Events(names ...Event) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		return append([]Envelope(nil), r.events...)
	}
	var out []Envelope
	for _, env := range r.events {
		for _, n := range names {
			if env.Name == n {
				out = append(out, env)
				break
			}
		}
	}
	return out
}
