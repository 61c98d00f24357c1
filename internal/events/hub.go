// Package events fans session activity out to any number of observers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	KindPartial     Kind = "partial"
	KindFinal       Kind = "final"
	KindState       Kind = "state"
	KindFrameGap    Kind = "frame_gap"
	KindOverrun     Kind = "overrun"
	KindDecodeError Kind = "decode_error"
	KindReadTimeout Kind = "read_timeout"
)

// Event is a single observation emitted by a session. Fields not relevant to Kind are zero.
type Event struct {
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	State      string    `json:"state,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Sequence   uint64    `json:"sequence,omitempty"`
	Count      int64     `json:"count,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Terminal reports whether e announces the end of a session.
func (e Event) Terminal() bool {
	return e.Kind == KindState && (e.State == "stopped" || e.State == "failed")
}

// Lossless reports whether e must reach every subscriber. Finals and state changes are
// never dropped; everything else may be.
func (e Event) Lossless() bool {
	return e.Kind == KindFinal || e.Kind == KindState
}

// Hub delivers events to subscribers without ever blocking the publisher. Each subscriber has
// an ordered pending queue bounded by its buffer size; a lossy event that finds the queue full
// is dropped for that subscriber and counted, while lossless events are always queued.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber. After Close the channel is closed once every pending event
// has been received; the cancel func closes it immediately and discards what is pending.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := newSubscriber(buffer)
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	go sub.pump()

	return sub.out, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.cancel()
	}
}

// Publish offers e to every subscriber.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if !sub.offer(e) {
			h.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends every subscription once its pending events are delivered. Publishing after
// Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.finish()
	}
}

type subscriber struct {
	out   chan Event
	limit int
	wake  chan struct{}
	abort chan struct{}

	mu       sync.Mutex
	pending  []Event
	inFlight bool
	draining bool
	once     sync.Once
}

func newSubscriber(limit int) *subscriber {
	return &subscriber{
		out:   make(chan Event),
		limit: limit,
		wake:  make(chan struct{}, 1),
		abort: make(chan struct{}),
	}
}

// offer queues e, reporting false when a lossy event was dropped.
func (s *subscriber) offer(e Event) bool {
	s.mu.Lock()
	queued := len(s.pending)
	if s.inFlight {
		queued++
	}
	if !e.Lossless() && queued >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.abort) })
}

// pump is the only writer of out and the only goroutine that closes it.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.abort:
				return
			}
		}
		e := s.pending[0]
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
		s.inFlight = true
		s.mu.Unlock()

		select {
		case <-s.abort:
			return
		default:
		}
		select {
		case s.out <- e:
		case <-s.abort:
			return
		}

		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}
}
