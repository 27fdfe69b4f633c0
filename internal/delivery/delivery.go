// Package delivery pushes transformed messages to their audience. Identity
// audiences go straight to the session registry; channel audiences travel
// through the broker with the member set snapshotted at transformation, and
// every process delivers to the members it holds locally.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberwake/relay/internal/broker"
	"github.com/emberwake/relay/internal/channel"
	"github.com/emberwake/relay/internal/db"
	"github.com/emberwake/relay/internal/session"
	"github.com/emberwake/relay/internal/transform"
)

// Patterns the pipeline subscribes to on the broker.
var Patterns = []string{
	broker.DomainChat + ".>",
	broker.DomainCombat + ".>",
}

// Registry is the part of the session registry the pipeline needs.
type Registry interface {
	Broadcast(identities []string, msg transform.Message) session.DeliveryReport
}

// Resolver maps a channel subject to its local members.
type Resolver interface {
	Lookup(subject string) (channel.Channel, bool)
}

// DeadLetterStore records messages that could not be delivered.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, dl db.DeadLetter) error
}

// Stats counts pipeline activity.
type Stats struct {
	Direct        int64 `json:"direct"`
	Published     int64 `json:"published"`
	PublishErrors int64 `json:"publishErrors"`
	Received      int64 `json:"received"`
	Unresolved    int64 `json:"unresolved"`
	Malformed     int64 `json:"malformed"`
	Queued        int64 `json:"queued"`
	Dropped       int64 `json:"dropped"`
	ForceClosed   int64 `json:"forceClosed"`
	DeadLetters   int64 `json:"deadLetters"`
}

// envelope is the broker wire format of a channel message.
type envelope struct {
	Type        string             `json:"type"`
	EventID     string             `json:"eventId"`
	CausationID string             `json:"causationId"`
	DedupeKey   string             `json:"dedupeKey"`
	Priority    transform.Priority `json:"priority"`
	OccurredAt  time.Time          `json:"occurredAt"`
	Body        json.RawMessage    `json:"body"`
	// Snapshot marks Members as authoritative, even when empty.
	Snapshot bool     `json:"snapshot,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// Pipeline implements transform.Sink.
type Pipeline struct {
	registry Registry
	broker   broker.Broker
	resolver Resolver
	dead     DeadLetterStore
	logger   *slog.Logger

	mu   sync.Mutex
	subs []broker.Subscription

	direct        atomic.Int64
	published     atomic.Int64
	publishErrors atomic.Int64
	received      atomic.Int64
	unresolved    atomic.Int64
	malformed     atomic.Int64
	queued        atomic.Int64
	dropped       atomic.Int64
	forceClosed   atomic.Int64
	deadLetters   atomic.Int64
}

// New creates a pipeline. dead may be nil, in which case dead letters are
// only logged.
func New(reg Registry, br broker.Broker, resolver Resolver, dead DeadLetterStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry: reg,
		broker:   br,
		resolver: resolver,
		dead:     dead,
		logger:   logger.With("component", "delivery"),
	}
}

// Start subscribes to channel traffic on the broker.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pattern := range Patterns {
		sub, err := p.broker.Subscribe(pattern, p.receive)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		p.subs = append(p.subs, sub)
	}
	return nil
}

// Stop removes the broker subscriptions.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, broker.ErrClosed) {
			p.logger.Warn("unsubscribe failed", "pattern", sub.Pattern(), "error", err)
		}
	}
}

// Deliver routes every output. It never blocks on a client transport; a
// broker publish may block briefly on the adapter.
func (p *Pipeline) Deliver(ctx context.Context, outs []transform.Output) {
	for _, out := range outs {
		if out.Audience.Subject != "" {
			p.publish(ctx, out)
			continue
		}
		p.direct.Add(1)
		p.record(p.registry.Broadcast(out.Audience.Identities, out.Message))
	}
}

func (p *Pipeline) record(rep session.DeliveryReport) {
	p.queued.Add(int64(rep.Queued))
	p.dropped.Add(int64(rep.Dropped))
	p.forceClosed.Add(int64(rep.ForceClosed))
}

func (p *Pipeline) publish(ctx context.Context, out transform.Output) {
	body, err := json.Marshal(out.Message.Body)
	if err != nil {
		p.logger.Error("encode channel message", "message_type", out.Message.Type, "error", err)
		return
	}
	m := out.Message
	payload, err := json.Marshal(envelope{
		Type:        m.Type,
		EventID:     m.EventID,
		CausationID: m.CausationID,
		DedupeKey:   m.DedupeKey,
		Priority:    m.Priority,
		OccurredAt:  m.OccurredAt,
		Body:        body,
		Snapshot:    true,
		Members:     out.Audience.Identities,
	})
	if err != nil {
		p.logger.Error("encode channel envelope", "message_type", m.Type, "error", err)
		return
	}
	if err := p.broker.Publish(ctx, out.Audience.Subject, payload); err != nil {
		p.publishErrors.Add(1)
		p.logger.Warn("broker publish failed",
			"subject", out.Audience.Subject,
			"message_type", m.Type,
			"error", err,
		)
		return
	}
	p.published.Add(1)
}

// receive fans a channel message out to its members. Snapshotted envelopes
// carry their audience; others are resolved against local state on arrival.
func (p *Pipeline) receive(_ context.Context, msg broker.Message) {
	p.received.Add(1)
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || env.Type == "" {
		p.malformed.Add(1)
		p.logger.Warn("malformed channel message", "subject", msg.Subject, "error", err)
		return
	}
	members := env.Members
	if !env.Snapshot {
		ch, ok := p.resolver.Lookup(msg.Subject)
		if ok {
			members = ch.Members
		}
	}
	if len(members) == 0 {
		p.unresolved.Add(1)
		p.logger.Debug("no local members for subject", "subject", msg.Subject)
		return
	}
	p.record(p.registry.Broadcast(members, transform.Message{
		Type:        env.Type,
		Body:        env.Body,
		DedupeKey:   env.DedupeKey,
		Priority:    env.Priority,
		EventID:     env.EventID,
		CausationID: env.CausationID,
		OccurredAt:  env.OccurredAt,
	}))
}

// DeadLetter records a message whose write failed permanently. It matches
// session.PumpOptions.OnDeadLetter.
func (p *Pipeline) DeadLetter(ctx context.Context, c *session.Connection, msg transform.Message, cause error) {
	p.deadLetters.Add(1)
	p.logger.Warn("dead letter",
		"identity_id", c.Identity(),
		"connection_id", c.ID(),
		"message_type", msg.Type,
		"event_id", msg.EventID,
		"error", cause,
	)
	if p.dead == nil {
		return
	}
	body, err := json.Marshal(msg.Body)
	if err != nil {
		body = nil
	}
	// The connection context is already cancelled when the transport died.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	dl := db.DeadLetter{
		IdentityID:   c.Identity(),
		ConnectionID: c.ID(),
		MessageType:  msg.Type,
		EventID:      msg.EventID,
		Reason:       cause.Error(),
		Body:         body,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.dead.InsertDeadLetter(ctx, dl); err != nil {
		p.logger.Error("record dead letter", "error", err)
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Direct:        p.direct.Load(),
		Published:     p.published.Load(),
		PublishErrors: p.publishErrors.Load(),
		Received:      p.received.Load(),
		Unresolved:    p.unresolved.Load(),
		Malformed:     p.malformed.Load(),
		Queued:        p.queued.Load(),
		Dropped:       p.dropped.Load(),
		ForceClosed:   p.forceClosed.Load(),
		DeadLetters:   p.deadLetters.Load(),
	}
}
