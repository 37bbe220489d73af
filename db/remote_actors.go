package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const remoteActorColumns = `id, actor_uri, username, domain, type, display_name, summary, inbox_uri, shared_inbox_uri,
	outbox_uri, public_key_id, public_key_pem, avatar_url, profile_json, last_fetched_at`

const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(` + remoteActorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			type = excluded.type,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			public_key_id = excluded.public_key_id,
			public_key_pem = excluded.public_key_pem,
			avatar_url = excluded.avatar_url,
			profile_json = excluded.profile_json,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActorByURI = `SELECT ` + remoteActorColumns + ` FROM remote_actors WHERE actor_uri = ?`
	sqlDeleteRemoteActor      = `DELETE FROM remote_actors WHERE actor_uri = ?`
	sqlDeleteStaleRemoteActor = `DELETE FROM remote_actors WHERE last_fetched_at < ?
		AND actor_uri NOT IN (SELECT actor_uri FROM followers)`
)

func (db *DB) UpsertRemoteActor(ctx context.Context, ra *domain.RemoteActor) error {
	if ra.Id == uuid.Nil {
		ra.Id = uuid.New()
	}
	if ra.LastFetchedAt.IsZero() {
		ra.LastFetchedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteActor,
			ra.Id.String(), ra.ActorURI, ra.Username, ra.Domain, ra.Type, ra.DisplayName, ra.Summary,
			ra.InboxURI, ra.SharedInboxURI, ra.OutboxURI, ra.PublicKeyId, ra.PublicKeyPem, ra.AvatarURL,
			ra.ProfileJSON, toMillis(ra.LastFetchedAt))
		return err
	})
}

func (db *DB) ReadRemoteActorByURI(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	var ra domain.RemoteActor
	var id string
	var fetched int64
	err := db.db.QueryRowContext(ctx, sqlSelectRemoteActorByURI, actorURI).Scan(
		&id, &ra.ActorURI, &ra.Username, &ra.Domain, &ra.Type, &ra.DisplayName, &ra.Summary,
		&ra.InboxURI, &ra.SharedInboxURI, &ra.OutboxURI, &ra.PublicKeyId, &ra.PublicKeyPem,
		&ra.AvatarURL, &ra.ProfileJSON, &fetched)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("remote actor %s", actorURI)
	}
	if err != nil {
		return nil, err
	}
	ra.Id, _ = uuid.Parse(id)
	ra.LastFetchedAt = fromMillis(fetched)
	return &ra, nil
}

func (db *DB) DeleteRemoteActor(ctx context.Context, actorURI string) error {
	_, err := db.execAffected(ctx, sqlDeleteRemoteActor, actorURI)
	return err
}

// DeleteStaleRemoteActors drops cached actors nobody follows that were not fetched since olderThan.
func (db *DB) DeleteStaleRemoteActors(ctx context.Context, olderThan time.Time) (int64, error) {
	return db.execAffected(ctx, sqlDeleteStaleRemoteActor, toMillis(olderThan))
}
