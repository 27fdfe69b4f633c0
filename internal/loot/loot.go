// Package loot implements guarded container interaction: open, take, close.
// A container can be open for one holder at a time; the guard token returned
// by Open must accompany every later step.
//
// Client notification for these steps is left to the transformer; this
// package only publishes container.* events.
package loot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emberwake/relay/internal/db"
	"github.com/emberwake/relay/internal/events"
	"github.com/emberwake/relay/internal/guard"
)

var (
	// ErrNotHere means the holder is not in the container's location.
	ErrNotHere = errors.New("container is not here")
	// ErrNoSuchItem means the item is missing or there is not enough of it.
	ErrNoSuchItem = errors.New("no such item in container")
	// ErrBadQuantity means a non-positive quantity was requested.
	ErrBadQuantity = errors.New("quantity must be positive")
)

// Store reads and updates container contents.
type Store interface {
	ListContainerItems(ctx context.Context, containerID string) ([]db.ContainerItem, error)
	TakeContainerItem(ctx context.Context, containerID, locationID, itemID string, quantity int64) (db.ContainerItem, error)
}

// Locator reports where an identity is.
type Locator interface {
	LocationOf(identity string) (string, bool)
}

// Service coordinates the guard, the store and event publication.
type Service struct {
	guard  *guard.Guard
	store  Store
	where  Locator
	pub    events.Publisher
	logger *slog.Logger
}

func New(g *guard.Guard, store Store, where Locator, pub events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		guard:  g,
		store:  store,
		where:  where,
		pub:    pub,
		logger: logger.With("component", "loot"),
	}
}

// Opened is the result of a successful Open.
type Opened struct {
	Token guard.Token
	Items []events.Item
}

// Open acquires the container for holder and publishes container.opened.
// A holder reopening a container it already holds gets a fresh token.
func (s *Service) Open(ctx context.Context, holder, containerID string) (Opened, error) {
	loc, ok := s.where.LocationOf(holder)
	if !ok {
		return Opened{}, ErrNotHere
	}
	if prev, ok := s.guard.Holding(containerID, holder); ok {
		s.guard.Release(prev)
	}
	tok, err := s.guard.Acquire(containerID, holder, 0)
	if err != nil {
		return Opened{}, err
	}

	rows, err := s.store.ListContainerItems(ctx, containerID)
	if err != nil {
		s.guard.Release(tok)
		return Opened{}, fmt.Errorf("list container %s: %w", containerID, err)
	}
	items := make([]events.Item, 0, len(rows))
	for _, r := range rows {
		if r.LocationID != loc {
			s.guard.Release(tok)
			return Opened{}, ErrNotHere
		}
		items = append(items, events.Item{ID: r.ItemID, Name: r.Name, Quantity: int(r.Quantity)})
	}

	s.pub.Publish(ctx, events.New(events.TypeContainerOpened, holder, events.ContainerOpened{
		ContainerID: containerID,
		HolderID:    holder,
		LocationID:  loc,
		Items:       items,
	}, "", loc))
	return Opened{Token: tok, Items: items}, nil
}

// Take removes quantity of itemID using token and publishes
// container.item_taken. The holder must still be in the container's location.
func (s *Service) Take(ctx context.Context, holder, containerID, token, itemID string, quantity int) (events.Item, error) {
	if quantity <= 0 {
		return events.Item{}, ErrBadQuantity
	}
	if err := s.check(holder, containerID, token); err != nil {
		return events.Item{}, err
	}
	loc, ok := s.where.LocationOf(holder)
	if !ok {
		return events.Item{}, ErrNotHere
	}
	row, err := s.store.TakeContainerItem(ctx, containerID, loc, itemID, int64(quantity))
	if errors.Is(err, db.ErrNotFound) {
		return events.Item{}, s.missing(ctx, containerID, loc)
	}
	if err != nil {
		return events.Item{}, fmt.Errorf("take from %s: %w", containerID, err)
	}
	item := events.Item{ID: row.ItemID, Name: row.Name, Quantity: quantity}
	s.pub.Publish(ctx, events.New(events.TypeItemTaken, holder, events.ItemTaken{
		ContainerID: containerID,
		HolderID:    holder,
		LocationID:  row.LocationID,
		Item:        item,
		Remaining:   int(row.Quantity) - quantity,
	}, "", row.LocationID))
	return item, nil
}

// missing explains a take that matched no row: the container is elsewhere,
// or the item is absent or short.
func (s *Service) missing(ctx context.Context, containerID, loc string) error {
	rows, err := s.store.ListContainerItems(ctx, containerID)
	if err != nil {
		return fmt.Errorf("list container %s: %w", containerID, err)
	}
	for _, r := range rows {
		if r.LocationID != loc {
			return ErrNotHere
		}
	}
	return ErrNoSuchItem
}

// Close releases the container and publishes container.closed.
func (s *Service) Close(ctx context.Context, holder, containerID, token string) error {
	if err := s.check(holder, containerID, token); err != nil {
		return err
	}
	if !s.guard.ReleaseValue(containerID, token) {
		return guard.ErrStaleToken
	}
	loc, _ := s.where.LocationOf(holder)
	s.publishClosed(ctx, holder, containerID, loc, "")
	return nil
}

// check validates token and that it was issued to holder.
func (s *Service) check(holder, containerID, token string) error {
	if err := s.guard.Check(containerID, token); err != nil {
		return err
	}
	if _, ok := s.guard.Holding(containerID, holder); !ok {
		return guard.ErrStaleToken
	}
	return nil
}

func (s *Service) publishClosed(ctx context.Context, holder, containerID, loc, causation string) {
	ev := events.New(events.TypeContainerClosed, holder, events.ContainerClosed{
		ContainerID: containerID,
		HolderID:    holder,
		LocationID:  loc,
	}, causation, loc)
	s.pub.Publish(ctx, ev)
}

// OnPresence is a bus handler for presence.changed. When an identity goes
// offline its open containers are released and closed.
func (s *Service) OnPresence(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.PresenceChanged)
	if !ok {
		return fmt.Errorf("loot: unexpected payload %T", ev.Payload)
	}
	if p.Online {
		return nil
	}
	for _, tok := range s.guard.ReleaseHolder(p.IdentityID) {
		loc, _ := s.where.LocationOf(p.IdentityID)
		s.logger.Debug("released container of offline holder", "container_id", tok.TargetID, "identity_id", p.IdentityID)
		s.publishClosed(ctx, p.IdentityID, tok.TargetID, loc, ev.CausationID)
	}
	return nil
}

// Expired publishes container.closed for a token the guard janitor removed.
func (s *Service) Expired(tok guard.Token) {
	loc, _ := s.where.LocationOf(tok.HolderID)
	s.logger.Debug("container interaction expired", "container_id", tok.TargetID, "identity_id", tok.HolderID)
	s.publishClosed(context.Background(), tok.HolderID, tok.TargetID, loc, "")
}
