// Package app is the composition root. It builds every component once from
// configuration and hands explicit references down; nothing in relay is a
// package-level singleton.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberwake/relay/internal/broker"
	"github.com/emberwake/relay/internal/broker/natsbroker"
	"github.com/emberwake/relay/internal/bus"
	"github.com/emberwake/relay/internal/channel"
	"github.com/emberwake/relay/internal/command"
	"github.com/emberwake/relay/internal/config"
	"github.com/emberwake/relay/internal/db"
	"github.com/emberwake/relay/internal/delivery"
	"github.com/emberwake/relay/internal/events"
	"github.com/emberwake/relay/internal/guard"
	"github.com/emberwake/relay/internal/loot"
	"github.com/emberwake/relay/internal/middleware"
	"github.com/emberwake/relay/internal/models"
	"github.com/emberwake/relay/internal/occupancy"
	"github.com/emberwake/relay/internal/ratelimit"
	"github.com/emberwake/relay/internal/services"
	"github.com/emberwake/relay/internal/session"
	"github.com/emberwake/relay/internal/transform"
)

// Broker is what the app needs from a broker adapter.
type Broker interface {
	broker.Broker
	broker.StatsProvider
}

// App holds the wired components.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Queries     *db.Queries
	Bus         *bus.Bus
	Occupancy   *occupancy.Index
	Parties     *channel.Parties
	Transformer *transform.Transformer
	Broker      Broker
	Registry    *session.Registry
	Delivery    *delivery.Pipeline
	Guard       *guard.Guard
	Limiter     *ratelimit.Limiter
	Loot        *loot.Service
	Commands    *command.Dispatcher
	Auth        *services.AuthService
	Handshakes  *middleware.RateLimiter
}

// Option customizes construction.
type Option func(*options)

type options struct {
	busOpts []bus.Option
	broker  Broker
}

// WithBusOptions passes options to the event bus, such as an error reporter.
func WithBusOptions(opts ...bus.Option) Option {
	return func(o *options) { o.busOpts = append(o.busOpts, opts...) }
}

// WithBroker overrides the broker chosen from configuration.
func WithBroker(b Broker) Option {
	return func(o *options) { o.broker = b }
}

// New wires every component. Nothing runs until Start and Run.
func New(cfg *config.Config, sqlDB *sql.DB, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	policies, err := ratelimit.ParsePolicies(cfg.Relay.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("RELAY_RATE_LIMITS: %w", err)
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Queries:    db.New(sqlDB),
		Bus:        bus.New(logger, o.busOpts...),
		Occupancy:  occupancy.New(),
		Parties:    channel.NewParties(),
		Guard:      guard.New(cfg.Relay.GuardTTL, logger),
		Limiter:    ratelimit.New(policies),
		Auth:       services.NewAuthService(cfg.JWTSecret, time.Hour),
		Handshakes: middleware.NewRateLimiter(cfg.HandshakeRatePerMinute),
	}

	a.Broker = o.broker
	if a.Broker == nil {
		a.Broker = newBroker(cfg.Broker, logger)
	}

	a.Registry = session.NewRegistry(session.Config{
		QueueSize:      cfg.Session.QueueSize,
		PresenceGrace:  cfg.Session.PresenceGrace,
		IdleTimeout:    cfg.Session.IdleTimeout,
		MaxPerIdentity: cfg.Session.MaxPerIdentity,
		LimitMode:      session.LimitMode(cfg.Session.LimitMode),
		Pump: session.PumpOptions{
			WriteTimeout: cfg.Session.WriteTimeout,
			WriteRetries: cfg.Session.WriteRetries,
			OnDeadLetter: func(ctx context.Context, c *session.Connection, msg transform.Message, err error) {
				a.Delivery.DeadLetter(ctx, c, msg, err)
			},
		},
	}, a.Bus, logger)

	a.Delivery = delivery.New(a.Registry, a.Broker, channel.NewResolver(a.Occupancy, a.Parties), a.Queries, logger)
	a.Transformer = transform.New(a.Occupancy, a.Parties,
		transform.NewDeduper(cfg.Relay.DedupeWindow, cfg.Relay.DedupeCapacity), logger)
	a.Loot = loot.New(a.Guard, a.Queries, a.Occupancy, a.Bus, logger)
	a.Commands = command.New(a.Limiter, a.Loot, a.Bus, a.Occupancy, a.Parties, logger)

	a.subscribe()
	return a, nil
}

func newBroker(cfg config.BrokerConfig, logger *slog.Logger) Broker {
	if cfg.URL == "" {
		logger.Info("no broker url configured, channel fan-out stays in process")
		return broker.NewMemory()
	}
	return natsbroker.New(natsbroker.Config{
		URL:            cfg.URL,
		Name:           cfg.Name,
		MaxRetries:     cfg.MaxRetries,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		MaxReconnects:  cfg.MaxReconnects,
		PendingLimit:   cfg.PendingLimit,
		Policy:         broker.DefaultPolicy,
	}, logger)
}

// subscribe registers bus handlers. Order matters: projections update before
// the transformer reads them, and the transformer runs last because
// catch-all handlers follow typed ones.
//
// Ownership: the transformer is the only source of client notifications for
// occupancy and location events. Other subscribers below maintain state and
// must never write to connections.
func (a *App) subscribe() {
	// State only: occupancy projection.
	for _, typ := range []events.Type{events.TypeEntityEntered, events.TypeEntityLeft, events.TypeEntityMoved} {
		a.Bus.Subscribe(typ, "occupancy", a.Occupancy.Apply)
	}
	// State only: party membership.
	for _, typ := range []events.Type{events.TypePartyFormed, events.TypePartyJoined, events.TypePartyLeft, events.TypePartyDisbanded} {
		a.Bus.Subscribe(typ, "parties", a.Parties.Apply)
	}
	// Publishes container.closed for an offline holder; the transformer
	// turns that event into messages.
	a.Bus.Subscribe(events.TypePresenceChanged, "loot-release", a.Loot.OnPresence)
	// State only: recover the last known location of a returning identity.
	a.Bus.Subscribe(events.TypePresenceChanged, "occupancy-recover", a.recoverLocation)
	// The single client notification path.
	a.Bus.SubscribeAll("transform", a.Transformer.Handler(a.Delivery))
}

// recoverLocation places an identity that comes online without a known
// location at its persisted location. The read runs detached from dispatch.
func (a *App) recoverLocation(_ context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.PresenceChanged)
	if !ok || !p.Online {
		return nil
	}
	if _, known := a.Occupancy.LocationOf(p.IdentityID); known {
		return nil
	}
	a.Bus.Detach(ev, "occupancy-recover", func(ctx context.Context) ([]events.Event, error) {
		loc, err := a.Queries.GetLocation(ctx, p.IdentityID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if a.Occupancy.Adopt(p.IdentityID, loc) {
			a.Logger.Debug("recovered location", "identity_id", p.IdentityID, "location_id", loc)
		}
		return nil, nil
	})
	return nil
}

// Start loads persisted state and connects the delivery pipeline to the
// broker.
func (a *App) Start(ctx context.Context) error {
	if err := a.Occupancy.Hydrate(ctx, a.Queries); err != nil {
		return fmt.Errorf("hydrate occupancy: %w", err)
	}
	ids, locs := a.Occupancy.Len()
	a.Logger.Info("occupancy hydrated", "identities", ids, "locations", locs)

	if err := a.Delivery.Start(); err != nil {
		return fmt.Errorf("start delivery: %w", err)
	}
	return nil
}

// Run drives the background janitors until ctx ends.
func (a *App) Run(ctx context.Context) error {
	interval := a.Config.Relay.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Guard.Run(gctx, interval, a.Loot.Expired)
		return nil
	})
	g.Go(func() error {
		a.Registry.Run(gctx, interval)
		return nil
	})
	g.Go(func() error {
		a.Limiter.Run(gctx, interval)
		return nil
	})
	g.Go(func() error {
		a.Handshakes.Run(gctx, time.Minute)
		return nil
	})
	return g.Wait()
}

// Shutdown drains connections and releases the bus and the broker.
func (a *App) Shutdown() {
	a.Registry.Shutdown()
	a.Delivery.Stop()
	a.Bus.Close()
	if err := a.Broker.Close(); err != nil {
		a.Logger.Warn("broker close failed", "error", err)
	}
}

// Snapshot implements the admin stats source.
func (a *App) Snapshot(ctx context.Context) (models.AdminStatsResponse, error) {
	dead, err := a.Queries.CountDeadLetters(ctx)
	if err != nil {
		return models.AdminStatsResponse{}, fmt.Errorf("count dead letters: %w", err)
	}
	ids, locs := a.Occupancy.Len()
	return models.AdminStatsResponse{
		Sessions:    a.Registry.Stats(),
		Bus:         a.Bus.Stats(),
		Transform:   a.Transformer.Stats(),
		Delivery:    a.Delivery.Stats(),
		Broker:      a.Broker.Stats(),
		Guard:       a.Guard.Stats(),
		Occupancy:   models.OccupancyStats{Identities: ids, Locations: locs},
		Parties:     a.Parties.Count(),
		RateLimits:  a.Limiter.Tracked(),
		DeadLetters: dead,
	}, nil
}
