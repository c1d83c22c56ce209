// Package broker implements the Hub's in-memory fan-out: every accepted
// envelope is delivered to every subscriber whose filter matches, through a
// bounded per-subscriber mailbox with a non-blocking send. Grounded on
// mrf-agent-racer/backend/internal/ws.Broadcaster (map-of-clients behind an
// RWMutex, per-client buffered channel, non-blocking select/default send,
// RemoveClient), generalized from "no filter, disconnect on first full
// mailbox" to per-subscriber predicate filters and a consecutive-drop
// threshold before disconnecting a lagging subscriber.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/vibetea/vibetea/internal/envelope"
)

// DefaultMailboxSize and DefaultDropThreshold are the Hub's subscriber
// backpressure defaults, per spec §4.6.
const (
	DefaultMailboxSize  = 256
	DefaultDropThreshold = 1024
)

// Filter is a conjunction of optional predicates over an envelope. A zero
// Filter matches everything.
type Filter struct {
	Source  string
	Type    envelope.Type
	Project string
}

func (f Filter) match(e envelope.Envelope) bool {
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Project != "" && f.Project != e.Payload.Project {
		return false
	}
	return true
}

// Subscriber is a registered delivery target. Callers read Mailbox() until
// Closed() fires, then stop.
type Subscriber struct {
	id      uint64
	filter  Filter
	mailbox chan envelope.Envelope

	totalDrops       atomic.Int64
	consecutiveDrops atomic.Int64

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

// Mailbox returns the channel of envelopes matched for this subscriber.
func (s *Subscriber) Mailbox() <-chan envelope.Envelope { return s.mailbox }

// Closed is closed when the broker has dropped this subscriber.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

// CloseReason returns why the subscriber was dropped, valid once Closed
// fires. Empty if the subscriber unsubscribed voluntarily.
func (s *Subscriber) CloseReason() string { return s.closeReason }

// Dropped returns the cumulative number of envelopes dropped for this
// subscriber due to a full mailbox, across the subscriber's lifetime.
func (s *Subscriber) Dropped() int64 { return s.totalDrops.Load() }

// Broker fans out envelopes to registered subscribers.
type Broker struct {
	mailboxSize   int
	dropThreshold int

	mu     sync.RWMutex
	subs   map[*Subscriber]bool
	nextID uint64
}

// New constructs a Broker. A size or threshold <= 0 uses the package
// default.
func New(mailboxSize, dropThreshold int) *Broker {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	if dropThreshold <= 0 {
		dropThreshold = DefaultDropThreshold
	}
	return &Broker{
		mailboxSize:   mailboxSize,
		dropThreshold: dropThreshold,
		subs:          make(map[*Subscriber]bool),
	}
}

// Subscribe registers a new subscriber with the given filter.
func (b *Broker) Subscribe(filter Filter) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscriber{
		id:      b.nextID,
		filter:  filter,
		mailbox: make(chan envelope.Envelope, b.mailboxSize),
		closed:  make(chan struct{}),
	}
	b.subs[s] = true
	return s
}

// Unsubscribe deregisters s. Safe to call more than once and safe to call
// after the broker has already closed s for lagging.
func (b *Broker) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
}

func (b *Broker) drop(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.closeOnce.Do(func() {
		s.closeReason = "slow_consumer"
		close(s.closed)
	})
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers env to every matching subscriber. Sends are
// non-blocking: a subscriber whose mailbox is full has the envelope
// dropped and its consecutive-drop counter incremented; once that counter
// reaches dropThreshold the subscriber is closed with reason
// "slow_consumer". Publish never blocks on subscriber progress.
func (b *Broker) Publish(env envelope.Envelope) {
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		if s.filter.match(env) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.mailbox <- env:
			s.consecutiveDrops.Store(0)
		default:
			s.totalDrops.Add(1)
			if s.consecutiveDrops.Add(1) >= int64(b.dropThreshold) {
				b.drop(s)
			}
		}
	}
}
