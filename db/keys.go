package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
)

const (
	sqlSelectActorKeys = `SELECT public_key_pem, private_key_pem FROM actor_keys WHERE actor_id = ?`
	// first writer wins, later generators read the stored pair back
	sqlInsertActorKeys = `INSERT INTO actor_keys(actor_id, public_key_pem, private_key_pem, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(actor_id) DO NOTHING`
	sqlDeleteActorKeys = `DELETE FROM actor_keys WHERE actor_id = ?`
)

func (db *DB) ReadActorKeys(ctx context.Context, actorId int64) (publicPem, privatePem string, err error) {
	err = db.db.QueryRowContext(ctx, sqlSelectActorKeys, actorId).Scan(&publicPem, &privatePem)
	if err == sql.ErrNoRows {
		return "", "", domain.NotFound("keys for actor %d", actorId)
	}
	return publicPem, privatePem, err
}

// StoreActorKeysOnce persists the pair unless one already exists and returns whichever
// pair is stored afterwards.
func (db *DB) StoreActorKeysOnce(ctx context.Context, actorId int64, publicPem, privatePem string) (string, string, error) {
	var storedPublic, storedPrivate string
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlInsertActorKeys, actorId, publicPem, privatePem, toMillis(time.Now())); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, sqlSelectActorKeys, actorId).Scan(&storedPublic, &storedPrivate)
	})
	return storedPublic, storedPrivate, err
}

func (db *DB) DeleteActorKeys(ctx context.Context, actorId int64) error {
	_, err := db.execAffected(ctx, sqlDeleteActorKeys, actorId)
	return err
}
