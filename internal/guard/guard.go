// Package guard issues short-lived exclusive tokens over shared mutable
// objects such as containers. At most one live token exists per target.
package guard

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/emberwake/relay/internal/crypto"
)

var (
	// ErrAlreadyHeld means another live token exists for the target.
	ErrAlreadyHeld = errors.New("target already held")
	// ErrStaleToken means the presented token is expired, revoked or not
	// the one currently issued for the target.
	ErrStaleToken = errors.New("stale or unknown token")
)

const (
	shardCount = 32
	tokenBytes = 32
)

// Token is a capability over one target.
type Token struct {
	Value     string    `json:"token"`
	TargetID  string    `json:"targetId"`
	HolderID  string    `json:"holderId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type shard struct {
	mu   sync.Mutex
	held map[string]Token
	// evicted holds expired tokens removed outside Sweep until the next
	// Sweep reports them.
	evicted []Token
}

// Stats counts guard activity.
type Stats struct {
	Active    int   `json:"active"`
	Acquired  int64 `json:"acquired"`
	Conflicts int64 `json:"conflicts"`
	Stale     int64 `json:"stale"`
	Expired   int64 `json:"expired"`
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// Guard holds the target -> token map, sharded by target.
type Guard struct {
	shards     [shardCount]shard
	now        func() time.Time
	defaultTTL time.Duration
	logger     *slog.Logger

	acquired  atomic.Int64
	conflicts atomic.Int64
	stale     atomic.Int64
	expired   atomic.Int64
}

// New creates a guard. A zero ttl passed to Acquire uses defaultTTL.
func New(defaultTTL time.Duration, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		now:        time.Now,
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "guard"),
	}
	for i := range g.shards {
		g.shards[i].held = make(map[string]Token)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) shardFor(target string) *shard {
	return &g.shards[xxhash.Sum64String(target)%shardCount]
}

// Acquire issues a token for target to holder. It fails with ErrAlreadyHeld
// while another live token exists. The check and the insert happen under one
// lock.
func (g *Guard) Acquire(target, holder string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	value, err := crypto.RandomToken(tokenBytes)
	if err != nil {
		return Token{}, fmt.Errorf("guard: %w", err)
	}

	s := g.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := g.now()
	if cur, ok := s.held[target]; ok {
		if now.Before(cur.ExpiresAt) {
			g.conflicts.Add(1)
			return Token{}, ErrAlreadyHeld
		}
		s.evicted = append(s.evicted, cur)
		g.expired.Add(1)
	}
	tok := Token{
		Value:     value,
		TargetID:  target,
		HolderID:  holder,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.held[target] = tok
	g.acquired.Add(1)
	return tok, nil
}

// Check returns nil if value is the live token for target, ErrStaleToken
// otherwise. An expired token is removed and reported by the next Sweep.
func (g *Guard) Check(target, value string) error {
	s := g.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.held[target]
	if !ok || subtle.ConstantTimeCompare([]byte(cur.Value), []byte(value)) != 1 {
		g.stale.Add(1)
		return ErrStaleToken
	}
	if !g.now().Before(cur.ExpiresAt) {
		delete(s.held, target)
		s.evicted = append(s.evicted, cur)
		g.expired.Add(1)
		g.stale.Add(1)
		return ErrStaleToken
	}
	return nil
}

// Validate reports whether tok is still live.
func (g *Guard) Validate(tok Token) bool {
	return g.Check(tok.TargetID, tok.Value) == nil
}

// Release revokes tok. Releasing a stale token is a no-op.
func (g *Guard) Release(tok Token) {
	g.ReleaseValue(tok.TargetID, tok.Value)
}

// ReleaseValue revokes the token for target if value matches it.
func (g *Guard) ReleaseValue(target, value string) bool {
	s := g.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.held[target]
	if !ok || subtle.ConstantTimeCompare([]byte(cur.Value), []byte(value)) != 1 {
		return false
	}
	delete(s.held, target)
	return true
}

// Holding returns the live token holder holds on target, if any.
func (g *Guard) Holding(target, holder string) (Token, bool) {
	s := g.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.held[target]
	if !ok || cur.HolderID != holder || !g.now().Before(cur.ExpiresAt) {
		return Token{}, false
	}
	return cur, true
}

// ReleaseHolder revokes every token held by holder and returns them.
func (g *Guard) ReleaseHolder(holder string) []Token {
	var out []Token
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for target, tok := range s.held {
			if tok.HolderID == holder {
				delete(s.held, target)
				out = append(out, tok)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Sweep removes expired tokens and returns them, together with expired
// tokens that Check or Acquire evicted since the previous sweep. Every
// expired token is returned exactly once.
func (g *Guard) Sweep() []Token {
	now := g.now()
	var out []Token
	var swept int64
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		out = append(out, s.evicted...)
		s.evicted = nil
		for target, tok := range s.held {
			if !now.Before(tok.ExpiresAt) {
				delete(s.held, target)
				out = append(out, tok)
				swept++
			}
		}
		s.mu.Unlock()
	}
	g.expired.Add(swept)
	return out
}

// Run sweeps every interval until ctx ends. onExpire, when set, is called
// with each expired token, however it was removed.
func (g *Guard) Run(ctx context.Context, interval time.Duration, onExpire func(Token)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := g.Sweep()
			if len(expired) > 0 {
				g.logger.Debug("expired guard tokens", "count", len(expired))
			}
			if onExpire != nil {
				for _, tok := range expired {
					onExpire(tok)
				}
			}
		}
	}
}

func (g *Guard) Stats() Stats {
	st := Stats{
		Acquired:  g.acquired.Load(),
		Conflicts: g.conflicts.Load(),
		Stale:     g.stale.Load(),
		Expired:   g.expired.Load(),
	}
	now := g.now()
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for _, tok := range s.held {
			if now.Before(tok.ExpiresAt) {
				st.Active++
			}
		}
		s.mu.Unlock()
	}
	return st
}
