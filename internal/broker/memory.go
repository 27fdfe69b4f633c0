package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-process broker for single-node deployments and tests.
// Handlers run on the publishing goroutine, after the internal lock has been
// released.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool

	published atomic.Uint64
}

type memorySub struct {
	b       *Memory
	pattern string
	handler Handler
	once    sync.Once
}

func (s *memorySub) Pattern() string { return s.pattern }

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if subs, ok := s.b.subs[s.pattern]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.b.subs, s.pattern)
			}
		}
	})
	return nil
}

// NewMemory creates a ready-to-use Memory broker.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string]map[*memorySub]struct{}),
	}
}

var (
	_ Broker        = (*Memory)(nil)
	_ StatsProvider = (*Memory)(nil)
)

// Subscribe registers h for every subject matching pattern.
func (b *Memory) Subscribe(pattern string, h Handler) (Subscription, error) {
	if !ValidPattern(pattern) {
		return nil, ErrInvalidSubject
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{b: b, pattern: pattern, handler: h}
	if b.subs[pattern] == nil {
		b.subs[pattern] = make(map[*memorySub]struct{})
	}
	b.subs[pattern][sub] = struct{}{}
	return sub, nil
}

// Publish delivers payload to every matching subscription.
func (b *Memory) Publish(ctx context.Context, subject string, payload []byte) error {
	if !ValidSubject(subject) {
		return ErrInvalidSubject
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*memorySub
	for pattern, subs := range b.subs {
		if !Match(pattern, subject) {
			continue
		}
		for sub := range subs {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	b.published.Add(1)
	msg := Message{Subject: subject, Payload: append([]byte(nil), payload...)}
	for _, sub := range targets {
		sub.handler(ctx, msg)
	}
	return nil
}

// Close drops every subscription. It is safe to call more than once.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

// Stats reports the broker as always ready until closed.
func (b *Memory) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	state := StateReady
	if b.closed {
		state = StateClosed
	}
	return Stats{State: state, Subscriptions: n, Published: b.published.Load()}
}

// State is StateReady until Close.
func (b *Memory) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return StateClosed
	}
	return StateReady
}
