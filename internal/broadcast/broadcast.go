// Package broadcast is the in-process fan-out between the engine core and the
// transport adapters. The core publishes committed domain events here after
// the atomic section; websocket, message broker and projection subscribers
// each consume from their own queue, so a slow transport can never stall bid
// acceptance.
package broadcast

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/metrics"
)

// Event is one entry of an RFQ's ordered event stream. ID is unique per
// event for consumer-side deduplication; Seq is gapless per RFQ so consumers
// can detect what they missed.
type Event struct {
	ID      uuid.UUID       `json:"id"`
	RFQID   uuid.UUID       `json:"rfq_id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscription is one consumer's ordered queue.
type Subscription struct {
	name   string
	ch     chan Event
	lagged atomic.Uint64
}

// Events is the subscriber's receive channel. Closed on Unsubscribe and on
// broadcaster Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Name() string { return s.name }

// Lagged reports how many events were dropped because the subscriber's queue
// was full. A non-zero value means the Seq stream has gaps.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	seq    map[uuid.UUID]uint64
	closed bool
	logger *zap.Logger
}

func New(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		seq:    make(map[uuid.UUID]uint64),
		logger: logger,
	}
}

// Subscribe registers a named consumer with its own buffered queue. A second
// Subscribe under the same name replaces the first, closing its channel.
func (b *Broadcaster) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{name: name, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.subs[name]; ok {
		close(prev.ch)
	}
	b.subs[name] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[name]; ok {
		close(sub.ch)
		delete(b.subs, name)
	}
}

// Publish fans the event out to every subscriber queue. Events carrying a
// caller-assigned Seq (reserved inside the arena commit) keep it; otherwise
// the broadcaster stamps the next per-RFQ sequence itself. Delivery is
// non-blocking: a full queue drops the event for that subscriber and counts
// the gap instead of stalling the publisher.
func (b *Broadcaster) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ev
	}

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Seq == 0 {
		b.seq[ev.RFQID]++
		ev.Seq = b.seq[ev.RFQID]
	} else if ev.Seq > b.seq[ev.RFQID] {
		b.seq[ev.RFQID] = ev.Seq
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged.Add(1)
			metrics.SubscriberLagTotal.WithLabelValues(sub.name).Inc()
			b.logger.Warn("broadcast.subscriber_lagging",
				zap.String("subscriber", sub.name),
				zap.String("rfq_id", ev.RFQID.String()),
				zap.Uint64("seq", ev.Seq))
		}
	}
	return ev
}

// Seed records a pre-existing high water mark for an RFQ. Startup rebuild
// seeds rebuilt books so stamped events continue the sequence instead of
// restarting from one.
func (b *Broadcaster) Seed(rfqID uuid.UUID, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.seq[rfqID] {
		b.seq[rfqID] = seq
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, name)
	}
}

// SubscriberCount reports how many consumers are registered.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
