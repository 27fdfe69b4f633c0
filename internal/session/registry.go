// Package session tracks live client connections per identity.
//
// An identity may hold several connections at once and every one of them
// receives the same notifications. Presence changes are published as domain
// events, never sent to clients directly.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/emberwake/relay/internal/events"
	"github.com/emberwake/relay/internal/transform"
)

var (
	ErrTooManyConnections = errors.New("too many connections for identity")
	ErrAlreadyRegistered  = errors.New("connection already registered")
	ErrIdentityMismatch   = errors.New("connection belongs to another identity")
	ErrClosed             = errors.New("registry closed")
)

// LimitMode decides what happens when an identity exceeds its connection cap.
type LimitMode string

const (
	LimitReject LimitMode = "reject"
	LimitCycle  LimitMode = "cycle"
)

const shardCount = 32

// Config holds registry tuning.
type Config struct {
	QueueSize      int
	PresenceGrace  time.Duration
	IdleTimeout    time.Duration
	MaxPerIdentity int
	LimitMode      LimitMode
	Pump           PumpOptions
}

// DeliveryReport summarizes one Broadcast.
type DeliveryReport struct {
	Identities  int `json:"identities"`
	Connections int `json:"connections"`
	Queued      int `json:"queued"`
	Dropped     int `json:"dropped"`
	Skipped     int `json:"skipped"`
	ForceClosed int `json:"forceClosed"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections     int   `json:"connections"`
	Identities      int   `json:"identities"`
	QueueDepth      int   `json:"queueDepth"`
	MaxQueueDepth   int   `json:"maxQueueDepth"`
	PendingPresence int   `json:"pendingPresence"`
	Registered      int64 `json:"registered"`
	Deregistered    int64 `json:"deregistered"`
	Dropped         int64 `json:"dropped"`
	ForceClosed     int64 `json:"forceClosed"`
	PresenceEvents  int64 `json:"presenceEvents"`
}

type graceTimer struct {
	timer *time.Timer
	gen   uint64
}

type shard struct {
	mu     sync.Mutex
	conns  map[string]map[string]*Connection
	grace  map[string]*graceTimer
	nextGn uint64
}

// Registry is the identity -> connections multimap. Locks are sharded by
// identity and never held across a publish or a transport write.
type Registry struct {
	cfg       Config
	publisher events.Publisher
	logger    *slog.Logger
	shards    [shardCount]shard

	byID   sync.Map // connection id -> *Connection
	closed atomic.Bool

	registered     atomic.Int64
	deregistered   atomic.Int64
	dropped        atomic.Int64
	forceClosed    atomic.Int64
	presenceEvents atomic.Int64
}

// NewRegistry creates a registry that publishes presence changes to pub.
func NewRegistry(cfg Config, pub events.Publisher, logger *slog.Logger) *Registry {
	if cfg.LimitMode == "" {
		cfg.LimitMode = LimitReject
	}
	r := &Registry{
		cfg:       cfg,
		publisher: pub,
		logger:    logger.With("component", "session"),
	}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]map[string]*Connection)
		r.shards[i].grace = make(map[string]*graceTimer)
	}
	return r
}

func (r *Registry) shardFor(identity string) *shard {
	return &r.shards[xxhash.Sum64String(identity)%shardCount]
}

// Open creates a connection for identity using the registry's queue size.
// The connection is not registered until Register is called.
func (r *Registry) Open(identity string) *Connection {
	return NewConnection(identity, r.cfg.QueueSize, r.logger)
}

// Register adds c to identity's connection set. The first connection of an
// identity publishes presence online unless a reconnect lands inside the
// grace period of a previous disconnect.
func (r *Registry) Register(ctx context.Context, identity string, c *Connection) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if c.identity != identity {
		return ErrIdentityMismatch
	}
	if _, loaded := r.byID.LoadOrStore(c.id, c); loaded {
		return ErrAlreadyRegistered
	}
	c.onClose = r.handleClose

	s := r.shardFor(identity)
	s.mu.Lock()
	set := s.conns[identity]
	var evicted *Connection
	if limit := r.cfg.MaxPerIdentity; limit > 0 && len(set) >= limit {
		if r.cfg.LimitMode != LimitCycle {
			s.mu.Unlock()
			c.onClose = nil
			r.byID.Delete(c.id)
			r.logger.Warn("connection limit reached", "identity_id", identity, "count", len(set))
			return ErrTooManyConnections
		}
		evicted = oldest(set)
		delete(set, evicted.id)
		r.byID.Delete(evicted.id)
	}
	if set == nil {
		set = make(map[string]*Connection)
		s.conns[identity] = set
	}
	first := len(set) == 0
	set[c.id] = c
	resumed := false
	if g, ok := s.grace[identity]; ok {
		g.timer.Stop()
		delete(s.grace, identity)
		resumed = true
	}
	s.mu.Unlock()

	r.registered.Add(1)
	if evicted != nil {
		r.logger.Info("cycling oldest connection", "identity_id", identity, "evicted_connection_id", evicted.id)
		evicted.Close(ReasonSuperseded)
		r.deregistered.Add(1)
	}
	r.logger.Debug("connection registered", "identity_id", identity, "connection_id", c.id, "first", first)
	if first && !resumed {
		r.publishPresence(ctx, identity, true)
	}
	return nil
}

func oldest(set map[string]*Connection) *Connection {
	var o *Connection
	for _, c := range set {
		if o == nil || c.openedAt.Before(o.openedAt) || (c.openedAt.Equal(o.openedAt) && c.id < o.id) {
			o = c
		}
	}
	return o
}

func (r *Registry) handleClose(c *Connection) {
	r.Deregister(c)
}

// Deregister removes c. When it was the identity's last connection a grace
// timer starts; presence offline is published only if no connection for the
// identity registers before it fires.
func (r *Registry) Deregister(c *Connection) {
	if _, ok := r.byID.LoadAndDelete(c.id); !ok {
		return
	}
	// Close runs this method through the close hook with the state already
	// set, so only close connections that are still open.
	if c.State() != StateClosed {
		c.Close(ReasonClient)
	}

	identity := c.identity
	s := r.shardFor(identity)
	s.mu.Lock()
	set := s.conns[identity]
	delete(set, c.id)
	last := len(set) == 0
	if last {
		delete(s.conns, identity)
		if !r.closed.Load() {
			r.startGraceLocked(s, identity)
		}
	}
	s.mu.Unlock()

	r.deregistered.Add(1)
	r.logger.Debug("connection deregistered", "identity_id", identity, "connection_id", c.id, "reason", c.Reason(), "last", last)
}

func (r *Registry) startGraceLocked(s *shard, identity string) {
	if g, ok := s.grace[identity]; ok {
		g.timer.Stop()
	}
	s.nextGn++
	gen := s.nextGn
	g := &graceTimer{gen: gen}
	g.timer = time.AfterFunc(r.cfg.PresenceGrace, func() { r.graceExpired(identity, gen) })
	s.grace[identity] = g
}

func (r *Registry) graceExpired(identity string, gen uint64) {
	s := r.shardFor(identity)
	s.mu.Lock()
	g, ok := s.grace[identity]
	if !ok || g.gen != gen || len(s.conns[identity]) > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.grace, identity)
	s.mu.Unlock()
	r.publishPresence(context.Background(), identity, false)
}

func (r *Registry) publishPresence(ctx context.Context, identity string, online bool) {
	if r.publisher == nil {
		return
	}
	r.presenceEvents.Add(1)
	r.publisher.Publish(ctx, events.New(events.TypePresenceChanged, identity,
		events.PresenceChanged{IdentityID: identity, Online: online}, ""))
}

// Evict closes the connection with the given id if it belongs to identity.
// It is used when a client resumes a previous session on a new connection.
func (r *Registry) Evict(identity, connectionID, reason string) bool {
	v, ok := r.byID.Load(connectionID)
	if !ok {
		return false
	}
	c := v.(*Connection)
	if c.identity != identity {
		return false
	}
	c.Close(reason)
	return true
}

// Lookup returns the registered connection with the given id.
func (r *Registry) Lookup(connectionID string) (*Connection, bool) {
	v, ok := r.byID.Load(connectionID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// ConnectionsFor returns identity's connections ordered by open time.
func (r *Registry) ConnectionsFor(identity string) []*Connection {
	s := r.shardFor(identity)
	s.mu.Lock()
	out := make([]*Connection, 0, len(s.conns[identity]))
	for _, c := range s.conns[identity] {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].openedAt.Equal(out[j].openedAt) {
			return out[i].id < out[j].id
		}
		return out[i].openedAt.Before(out[j].openedAt)
	})
	return out
}

// Online reports whether identity has at least one connection.
func (r *Registry) Online(identity string) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[identity]) > 0
}

// Broadcast enqueues msg on every connection of every identity. It never
// blocks on a transport.
func (r *Registry) Broadcast(identities []string, msg transform.Message) DeliveryReport {
	var rep DeliveryReport
	for _, identity := range identities {
		conns := r.ConnectionsFor(identity)
		if len(conns) == 0 {
			continue
		}
		rep.Identities++
		for _, c := range conns {
			rep.Connections++
			switch c.Enqueue(msg) {
			case Queued:
				rep.Queued++
			case QueuedDropped:
				rep.Queued++
				rep.Dropped++
			case Dropped:
				rep.Dropped++
			case ForceClosed:
				rep.ForceClosed++
			case Skipped:
				rep.Skipped++
			}
		}
	}
	r.dropped.Add(int64(rep.Dropped))
	r.forceClosed.Add(int64(rep.ForceClosed))
	return rep
}

// Sweep closes connections idle since before now minus the idle timeout and
// returns how many were closed.
func (r *Registry) Sweep(now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-r.cfg.IdleTimeout)
	var idle []*Connection
	r.byID.Range(func(_, v any) bool {
		c := v.(*Connection)
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
		return true
	})
	for _, c := range idle {
		r.logger.Info("closing idle connection", "identity_id", c.identity, "connection_id", c.id)
		c.Close(ReasonIdle)
	}
	return len(idle)
}

// Run sweeps idle connections every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// PumpOptions returns the configured write loop options.
func (r *Registry) PumpOptions() PumpOptions {
	return r.cfg.Pump
}

// Shutdown drains every connection and stops presence timers. No presence
// events are published for connections closed by shutdown.
func (r *Registry) Shutdown() {
	r.closed.Store(true)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, g := range s.grace {
			g.timer.Stop()
			delete(s.grace, id)
		}
		s.mu.Unlock()
	}
	r.byID.Range(func(_, v any) bool {
		v.(*Connection).Drain(ReasonShutdown)
		return true
	})
}

func (r *Registry) Stats() Stats {
	st := Stats{
		Registered:     r.registered.Load(),
		Deregistered:   r.deregistered.Load(),
		Dropped:        r.dropped.Load(),
		ForceClosed:    r.forceClosed.Load(),
		PresenceEvents: r.presenceEvents.Load(),
	}
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		st.Identities += len(s.conns)
		st.PendingPresence += len(s.grace)
		for _, set := range s.conns {
			st.Connections += len(set)
		}
		s.mu.Unlock()
	}
	r.byID.Range(func(_, v any) bool {
		d := v.(*Connection).Depth()
		st.QueueDepth += d
		if d > st.MaxQueueDepth {
			st.MaxQueueDepth = d
		}
		return true
	})
	return st
}
