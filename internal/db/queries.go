package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row that must exist does not.
var ErrNotFound = errors.New("not found")

const listOccupancy = `SELECT identity_id, location_id FROM occupancy`

// ListOccupancy returns identity -> location for every located identity.
func (q *Queries) ListOccupancy(ctx context.Context) (map[string]string, error) {
	rows, err := q.db.QueryContext(ctx, listOccupancy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var o Occupancy
		if err := rows.Scan(&o.IdentityID, &o.LocationID); err != nil {
			return nil, err
		}
		out[o.IdentityID] = o.LocationID
	}
	return out, rows.Err()
}

const getLocation = `SELECT location_id FROM occupancy WHERE identity_id = ?`

// GetLocation returns the persisted location of identityID, or ErrNotFound.
func (q *Queries) GetLocation(ctx context.Context, identityID string) (string, error) {
	var loc string
	err := q.db.QueryRowContext(ctx, getLocation, identityID).Scan(&loc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

const upsertOccupancy = `
INSERT INTO occupancy (identity_id, location_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT (identity_id) DO UPDATE SET location_id = excluded.location_id, updated_at = excluded.updated_at`

// UpsertOccupancy is used by seeding and tests; the relay itself only reads
// occupancy.
func (q *Queries) UpsertOccupancy(ctx context.Context, identityID, locationID string) error {
	_, err := q.db.ExecContext(ctx, upsertOccupancy, identityID, locationID, time.Now().Unix())
	return err
}

const insertDeadLetter = `
INSERT INTO dead_letters (identity_id, connection_id, message_type, event_id, reason, body, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertDeadLetter(ctx context.Context, dl DeadLetter) error {
	created := dl.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, insertDeadLetter,
		dl.IdentityID, dl.ConnectionID, dl.MessageType, dl.EventID, dl.Reason, dl.Body, created.UnixMilli())
	return err
}

const countDeadLetters = `SELECT COUNT(*) FROM dead_letters`

func (q *Queries) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countDeadLetters).Scan(&n)
	return n, err
}

const listDeadLetters = `
SELECT id, identity_id, connection_id, message_type, event_id, reason, body, created_at
FROM dead_letters ORDER BY id DESC LIMIT ?`

func (q *Queries) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx, listDeadLetters, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var (
			dl      DeadLetter
			created int64
		)
		if err := rows.Scan(&dl.ID, &dl.IdentityID, &dl.ConnectionID, &dl.MessageType, &dl.EventID, &dl.Reason, &dl.Body, &created); err != nil {
			return nil, err
		}
		dl.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

const listContainerItems = `
SELECT container_id, location_id, item_id, name, quantity
FROM container_items WHERE container_id = ? AND quantity > 0 ORDER BY item_id`

func (q *Queries) ListContainerItems(ctx context.Context, containerID string) ([]ContainerItem, error) {
	rows, err := q.db.QueryContext(ctx, listContainerItems, containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ContainerItem
	for rows.Next() {
		var it ContainerItem
		if err := rows.Scan(&it.ContainerID, &it.LocationID, &it.ItemID, &it.Name, &it.Quantity); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

const upsertContainerItem = `
INSERT INTO container_items (container_id, location_id, item_id, name, quantity) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (container_id, item_id) DO UPDATE SET quantity = excluded.quantity, name = excluded.name`

func (q *Queries) UpsertContainerItem(ctx context.Context, it ContainerItem) error {
	_, err := q.db.ExecContext(ctx, upsertContainerItem, it.ContainerID, it.LocationID, it.ItemID, it.Name, it.Quantity)
	return err
}

const takeContainerItem = `
UPDATE container_items SET quantity = quantity - ?
WHERE container_id = ? AND location_id = ? AND item_id = ? AND quantity >= ?
RETURNING container_id, location_id, item_id, name, quantity`

// TakeContainerItem removes quantity units of an item from a container at
// locationID and returns the row as it was before the update. ErrNotFound
// means the item is missing, short, or the container is elsewhere.
func (q *Queries) TakeContainerItem(ctx context.Context, containerID, locationID, itemID string, quantity int64) (ContainerItem, error) {
	var it ContainerItem
	err := q.db.QueryRowContext(ctx, takeContainerItem, quantity, containerID, locationID, itemID, quantity).
		Scan(&it.ContainerID, &it.LocationID, &it.ItemID, &it.Name, &it.Quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return ContainerItem{}, fmt.Errorf("take %s from %s: %w", itemID, containerID, ErrNotFound)
	}
	if err != nil {
		return ContainerItem{}, err
	}
	it.Quantity += quantity
	return it, nil
}
