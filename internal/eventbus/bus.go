// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package eventbus implements the in-process topic pub/sub that backs
// every state-change notification in agentd: profile/session/proxy
// lifecycle events, registry/usage telemetry, and per-session data and
// control frames. It generalizes the single-channel, at-least-once
// memory bus pattern into glob-topic, drop-oldest-with-marker,
// disconnect-on-repeated-overflow semantics.
package eventbus

import (
	"sync"
	"time"

	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/coderunner-dev/agentd/internal/metrics"
)

// Event is a published message. Seq is assigned per-topic so subscribers
// can detect gaps independent of the Dropped marker.
type Event struct {
	Topic   string
	Seq     uint64
	Payload any

	// Dropped is set on the event actually delivered after one or more
	// prior events were evicted from this subscriber's queue; it records
	// how many were lost since the last successful delivery.
	Dropped uint64
}

const (
	defaultQueueCapacity = 64
	overflowWindow       = 10 * time.Second
)

// Subscription is a live client interest in one or more topic filters.
type Subscription struct {
	id      uint64
	filters []string
	queue   chan Event

	bus *Bus

	mu             sync.Mutex
	pendingDropped uint64
	closed         bool
	overflowAt     []time.Time
	disconnected   bool
	onDisconnect   func()
}

// C returns the channel subscribers read delivered events from. It is
// closed when the subscription is closed or forcibly disconnected.
func (s *Subscription) C() <-chan Event { return s.queue }

// Disconnected reports whether the bus evicted this subscriber for
// repeated queue overflow, rather than the caller closing voluntarily.
func (s *Subscription) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() error {
	s.bus.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	return nil
}

// Bus is the process-wide event bus. One Bus instance is shared by the
// Dispatcher, the supervisors, and every transport.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextSubID uint64
	seqByTop  map[string]uint64
	queueCap  int
}

// New builds a Bus with the default per-subscriber queue capacity.
func New() *Bus {
	return &Bus{
		subs:     make(map[uint64]*Subscription),
		seqByTop: make(map[string]uint64),
		queueCap: defaultQueueCapacity,
	}
}

// Subscribe registers interest in the given topic filters (exact topics
// or "prefix.*" globs; "*" matches everything) and returns a live
// Subscription. onDisconnect, if non-nil, is invoked once if the bus
// evicts this subscriber for repeated overflow.
func (b *Bus) Subscribe(filters []string, onDisconnect func()) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	sub := &Subscription{
		id:           b.nextSubID,
		filters:      append([]string(nil), filters...),
		queue:        make(chan Event, b.queueCap),
		bus:          b,
		onDisconnect: onDisconnect,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber whose filter matches
// topic. Publication order is preserved per (topic, subscriber): callers
// must not call Publish for the same topic concurrently from multiple
// goroutines without external ordering if ordering matters, exactly as
// stated in the topic ordering contract.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	b.seqByTop[topic]++
	seq := b.seqByTop[topic]
	matches := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if MatchAny(s.filters, topic) {
			matches = append(matches, s)
		}
	}
	b.mu.Unlock()

	ev := Event{Topic: topic, Seq: seq, Payload: payload}
	for _, s := range matches {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *Subscription, ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pendingDropped > 0 {
		ev.Dropped = s.pendingDropped
		s.pendingDropped = 0
	}
	s.mu.Unlock()

	select {
	case s.queue <- ev:
		return
	default:
	}

	// Queue full: drop the oldest queued event to make room, and
	// coalesce a Dropped marker into the next delivery.
	select {
	case <-s.queue:
	default:
	}

	s.mu.Lock()
	s.pendingDropped++
	now := time.Now()
	s.overflowAt = append(s.overflowAt, now)
	cutoff := now.Add(-overflowWindow)
	kept := s.overflowAt[:0]
	for _, t := range s.overflowAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.overflowAt = kept
	overflowsInWindow := len(s.overflowAt)
	s.mu.Unlock()

	metrics.IncBusDropReason(ev.Topic, "overflow")

	if overflowsInWindow >= 2 {
		s.mu.Lock()
		already := s.disconnected
		s.disconnected = true
		cb := s.onDisconnect
		s.mu.Unlock()
		if !already {
			log.L().Warn().
				Str("topic", ev.Topic).
				Uint64("sub_id", s.id).
				Msg("disconnecting subscriber after repeated queue overflow")
			if cb != nil {
				cb()
			}
			_ = s.Close()
		}
		return
	}

	ev.Dropped = s.pendingDropped
	select {
	case s.queue <- ev:
		s.mu.Lock()
		s.pendingDropped = 0
		s.mu.Unlock()
	default:
		// Still full (concurrent producer); leave pendingDropped set for
		// the next successful delivery to report.
	}
}
