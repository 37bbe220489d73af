package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, actor_id, inbox_uri, activity_json, attempts, next_retry_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, actor_id, inbox_uri, activity_json, attempts, next_retry_at, last_error, created_at
		FROM delivery_queue WHERE next_retry_at <= ? ORDER BY next_retry_at, created_at LIMIT ?`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries       = `SELECT COUNT(*) FROM delivery_queue`
)

// EnqueueDeliveries stores one queue row per item in a single transaction.
func (db *DB) EnqueueDeliveries(ctx context.Context, items []domain.DeliveryQueueItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqlInsertDelivery)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range items {
			item := &items[i]
			if item.Id == uuid.Nil {
				item.Id = uuid.New()
			}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = now
			}
			if item.NextRetryAt.IsZero() {
				item.NextRetryAt = now
			}
			_, err := stmt.ExecContext(ctx, item.Id.String(), item.ActorId, item.InboxURI, item.ActivityJSON,
				item.Attempts, toMillis(item.NextRetryAt), item.LastError, toMillis(item.CreatedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadPendingDeliveries returns up to limit items whose retry time has come.
func (db *DB) ReadPendingDeliveries(ctx context.Context, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDeliveries, toMillis(time.Now()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var id string
		var next, created int64
		if err := rows.Scan(&id, &item.ActorId, &item.InboxURI, &item.ActivityJSON, &item.Attempts,
			&next, &item.LastError, &created); err != nil {
			return nil, err
		}
		item.Id, _ = uuid.Parse(id)
		item.NextRetryAt = fromMillis(next)
		item.CreatedAt = fromMillis(created)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time, lastError string) error {
	_, err := db.execAffected(ctx, sqlUpdateDeliveryAttempt, attempts, toMillis(nextRetry), lastError, id.String())
	return err
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	_, err := db.execAffected(ctx, sqlDeleteDelivery, id.String())
	return err
}

func (db *DB) CountDeliveries(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountDeliveries).Scan(&n)
	return n, err
}
