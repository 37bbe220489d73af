package db

import (
	"context"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertInteraction = `INSERT INTO interactions(id, type, object_uri, actor_uri, activity_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(type, object_uri, actor_uri) DO NOTHING`
	sqlDeleteInteraction           = `DELETE FROM interactions WHERE type = ? AND object_uri = ? AND actor_uri = ?`
	sqlDeleteInteractionByActivity = `DELETE FROM interactions WHERE activity_uri = ? AND actor_uri = ?`
	sqlCountInteractions           = `SELECT COUNT(*) FROM interactions WHERE object_uri = ? AND type = ?`
)

// InsertInteraction records a Like/Announce once; it reports whether a row was added.
func (db *DB) InsertInteraction(ctx context.Context, in *domain.Interaction) (bool, error) {
	if in.Id == uuid.Nil {
		in.Id = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	n, err := db.execAffected(ctx, sqlInsertInteraction,
		in.Id.String(), string(in.Type), in.ObjectURI, in.ActorURI, in.ActivityURI, toMillis(in.CreatedAt))
	return n > 0, err
}

func (db *DB) DeleteInteraction(ctx context.Context, typ domain.ActivityType, objectURI, actorURI string) (int64, error) {
	return db.execAffected(ctx, sqlDeleteInteraction, string(typ), objectURI, actorURI)
}

func (db *DB) DeleteInteractionByActivityURI(ctx context.Context, activityURI, actorURI string) (int64, error) {
	return db.execAffected(ctx, sqlDeleteInteractionByActivity, activityURI, actorURI)
}

func (db *DB) CountInteractions(ctx context.Context, objectURI string, typ domain.ActivityType) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountInteractions, objectURI, string(typ)).Scan(&n)
	return n, err
}
