// Package ratelimit counts operations per (identity, class) over a trailing
// window. Each class has its own limit and window.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 16

// Policy limits one operation class to Limit calls per Window. When
// CountRejected is set, rejected calls also occupy window budget.
type Policy struct {
	Limit         int
	Window        time.Duration
	CountRejected bool
}

// Error is returned by Check when a call is rejected.
type Error struct {
	Class      string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Class, e.RetryAfter)
}

// Seconds returns the retry hint rounded up to whole seconds, at least one.
func (e *Error) Seconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

type key struct {
	identity string
	class    string
}

type shard struct {
	mu   sync.Mutex
	logs map[key][]time.Time
}

// Limiter is a sliding-log limiter. Calls for classes without a policy are
// always allowed.
type Limiter struct {
	policies map[string]Policy
	shards   [shardCount]shard
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with the given per-class policies.
func New(policies map[string]Policy, opts ...Option) *Limiter {
	l := &Limiter{policies: make(map[string]Policy, len(policies)), now: time.Now}
	for class, p := range policies {
		l.policies[class] = p
	}
	for i := range l.shards {
		l.shards[i].logs = make(map[key][]time.Time)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the policy for class.
func (l *Limiter) Policy(class string) (Policy, bool) {
	p, ok := l.policies[class]
	return p, ok
}

// Allow reports whether identity may perform an operation of class now.
func (l *Limiter) Allow(identity, class string) bool {
	return l.Check(identity, class) == nil
}

// Check consults and updates the window for (identity, class) in one step.
// It returns *Error with a retry hint when the call is rejected.
func (l *Limiter) Check(identity, class string) error {
	p, ok := l.policies[class]
	if !ok || p.Limit <= 0 || p.Window <= 0 {
		return nil
	}
	k := key{identity: identity, class: class}
	s := &l.shards[xxhash.Sum64String(identity)%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()
	now := l.now()
	log := trim(s.logs[k], now.Add(-p.Window))
	if len(log) < p.Limit {
		s.logs[k] = append(log, now)
		return nil
	}
	retry := log[len(log)-p.Limit].Add(p.Window).Sub(now)
	if p.CountRejected {
		log = append(log, now)
		retry = p.Window
	}
	s.logs[k] = log
	return &Error{Class: class, RetryAfter: retry}
}

// trim drops timestamps at or before cutoff. The log is sorted.
func trim(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// Sweep drops windows with no timestamps left inside their policy window.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, log := range s.logs {
			p := l.policies[k.class]
			log = trim(log, now.Add(-p.Window))
			if len(log) == 0 {
				delete(s.logs, k)
				removed++
				continue
			}
			s.logs[k] = log
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx ends.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Tracked returns the number of live (identity, class) windows.
func (l *Limiter) Tracked() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.logs)
		s.mu.Unlock()
	}
	return n
}

// ParsePolicies parses "class=limit/window[!]" entries separated by commas,
// e.g. "move=10/1s,chat=5/10s,loot=3/1s!". A trailing "!" counts rejected
// calls against the window.
func ParsePolicies(s string) (map[string]Policy, error) {
	out := make(map[string]Policy)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		class, rule, ok := strings.Cut(part, "=")
		if !ok || class == "" {
			return nil, fmt.Errorf("rate limit %q: want class=limit/window", part)
		}
		var p Policy
		if strings.HasSuffix(rule, "!") {
			p.CountRejected = true
			rule = strings.TrimSuffix(rule, "!")
		}
		limit, window, ok := strings.Cut(rule, "/")
		if !ok {
			return nil, fmt.Errorf("rate limit %q: want class=limit/window", part)
		}
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("rate limit %q: invalid limit %q", part, limit)
		}
		d, err := time.ParseDuration(window)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("rate limit %q: invalid window %q", part, window)
		}
		p.Limit, p.Window = n, d
		out[strings.TrimSpace(class)] = p
	}
	return out, nil
}
