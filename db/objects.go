package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
)

const (
	sqlUpsertExternalObject = `INSERT INTO external_objects(uri, type, actor_uri, in_reply_to, content, published, raw_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			type = excluded.type,
			in_reply_to = excluded.in_reply_to,
			content = excluded.content,
			published = excluded.published,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
		WHERE external_objects.actor_uri = excluded.actor_uri`
	sqlSelectExternalObject = `SELECT uri, type, actor_uri, in_reply_to, content, published, raw_json, updated_at
		FROM external_objects WHERE uri = ?`
	sqlDeleteExternalObject  = `DELETE FROM external_objects WHERE uri = ? AND actor_uri = ?`
	sqlDeleteExternalByActor = `DELETE FROM external_objects WHERE actor_uri = ?`
)

// UpsertExternalObject stores a remote object. An existing row owned by a different actor
// is left untouched.
func (db *DB) UpsertExternalObject(ctx context.Context, o *domain.ExternalObject) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertExternalObject,
			o.URI, o.Type, o.ActorURI, o.InReplyTo, o.Content, toMillis(o.Published), o.RawJSON, toMillis(o.UpdatedAt))
		return err
	})
}

func (db *DB) ReadExternalObject(ctx context.Context, uri string) (*domain.ExternalObject, error) {
	var o domain.ExternalObject
	var published, updated int64
	err := db.db.QueryRowContext(ctx, sqlSelectExternalObject, uri).Scan(
		&o.URI, &o.Type, &o.ActorURI, &o.InReplyTo, &o.Content, &published, &o.RawJSON, &updated)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("external object %s", uri)
	}
	if err != nil {
		return nil, err
	}
	o.Published = fromMillis(published)
	o.UpdatedAt = fromMillis(updated)
	return &o, nil
}

// DeleteExternalObject only removes the object when actorURI owns it.
func (db *DB) DeleteExternalObject(ctx context.Context, uri, actorURI string) (bool, error) {
	n, err := db.execAffected(ctx, sqlDeleteExternalObject, uri, actorURI)
	return n > 0, err
}

func (db *DB) DeleteExternalObjectsByActor(ctx context.Context, actorURI string) (int64, error) {
	return db.execAffected(ctx, sqlDeleteExternalByActor, actorURI)
}
