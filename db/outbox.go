package db

import (
	"context"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertOutbox = `INSERT INTO outbox(id, actor_id, activity_uri, activity_type, object_uri, activity_json, published)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlCountOutbox  = `SELECT COUNT(*) FROM outbox WHERE actor_id = ?`
	sqlSelectOutbox = `SELECT id, actor_id, activity_uri, activity_type, object_uri, activity_json, published
		FROM outbox WHERE actor_id = ? ORDER BY published DESC, rowid DESC LIMIT ? OFFSET ?`
	sqlDeleteOutboxByActor = `DELETE FROM outbox WHERE actor_id = ?`
)

func (db *DB) InsertOutboxItem(ctx context.Context, item *domain.OutboxItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.Published.IsZero() {
		item.Published = time.Now()
	}
	_, err := db.execAffected(ctx, sqlInsertOutbox, item.Id.String(), item.ActorId, item.ActivityURI,
		string(item.ActivityType), item.ObjectURI, item.ActivityJSON, toMillis(item.Published))
	return err
}

func (db *DB) CountOutbox(ctx context.Context, actorId int64) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountOutbox, actorId).Scan(&n)
	return n, err
}

// ReadOutbox returns the newest activities of an actor first.
func (db *DB) ReadOutbox(ctx context.Context, actorId int64, limit, offset int) ([]domain.OutboxItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectOutbox, actorId, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OutboxItem
	for rows.Next() {
		var item domain.OutboxItem
		var id, typ string
		var published int64
		if err := rows.Scan(&id, &item.ActorId, &item.ActivityURI, &typ, &item.ObjectURI,
			&item.ActivityJSON, &published); err != nil {
			return nil, err
		}
		item.Id, _ = uuid.Parse(id)
		item.ActivityType = domain.ActivityType(typ)
		item.Published = fromMillis(published)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) DeleteOutboxOf(ctx context.Context, actorId int64) (int64, error) {
	return db.execAffected(ctx, sqlDeleteOutboxByActor, actorId)
}
