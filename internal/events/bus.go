// Package events fans out types.StreamEvent to subscribers of a running
// strategy. It keeps the teacher's internal/events/event_bus.go
// Subscribe/Unsubscribe/Publish and atomic-stats shape, without its worker
// pool: Publish sends to each subscriber directly. The topic key is a
// stream ID instead of an EventType (the agent runtime publishes each
// session's events under its session ID), and every subscriber of a topic
// (UI tab, CLI, log sink) gets every event on it in order.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// Subscriber is one consumer of a strategy's event stream.
type Subscriber struct {
	ID         string
	StrategyID string
	ch         chan types.StreamEvent
	active     atomic.Bool
}

// Events returns the subscriber's receive channel. It is closed on
// Unsubscribe; callers must stop reading once it closes.
func (s *Subscriber) Events() <-chan types.StreamEvent { return s.ch }

// BusStats is a snapshot of bus throughput, mirroring the teacher's
// EventBusStats shape at a strategy-stream granularity.
type BusStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Subscribers int64 `json:"subscribers"`
}

// Bus fans out StreamEvents to per-strategy subscriber sets. Publish never
// blocks: a subscriber whose channel is full loses the event rather than
// stalling the decision cycle that produced it.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscriber
	logger *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
	subCount  atomic.Int64
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		topics: make(map[string][]*Subscriber),
		logger: logger,
	}
}

// Subscribe registers a new subscriber on strategyID's stream with the
// given channel buffer size (0 defaults to 64).
func (b *Bus) Subscribe(strategyID string, bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:         generateSubscriberID(),
		StrategyID: strategyID,
		ch:         make(chan types.StreamEvent, bufferSize),
	}
	sub.active.Store(true)

	b.topics[strategyID] = append(b.topics[strategyID], sub)
	b.subCount.Add(1)

	b.logger.Debug("subscriber added",
		zap.String("id", sub.ID),
		zap.String("strategy_id", strategyID),
	)
	return sub
}

// Unsubscribe deactivates sub and closes its channel. Safe to call more
// than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.StrategyID]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.StrategyID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.StrategyID]) == 0 {
		delete(b.topics, sub.StrategyID)
	}
	b.subCount.Add(-1)
	close(sub.ch)
}

// Publish delivers evt to every active subscriber of strategyID. Delivery
// is non-blocking per subscriber; a full channel drops the event for that
// subscriber only and increments the dropped counter.
func (b *Bus) Publish(strategyID string, evt types.StreamEvent) {
	b.mu.RLock()
	subs := append([]*Subscriber(nil), b.topics[strategyID]...)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Warn("stream event dropped, subscriber buffer full",
				zap.String("strategy_id", strategyID),
				zap.String("subscriber_id", sub.ID),
			)
		}
	}
}

// Stats returns current bus counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.subCount.Load(),
	}
}

// Close unsubscribes and closes every subscriber across every topic. Used
// on process shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	all := make([]*Subscriber, 0)
	for _, subs := range b.topics {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, sub := range all {
		b.Unsubscribe(sub)
	}
}

var subscriberCounter atomic.Int64

func generateSubscriberID() string {
	n := subscriberCounter.Add(1)
	return "sub_" + time.Now().Format("20060102150405") + "_" + itoa(n)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
