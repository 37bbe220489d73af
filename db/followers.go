package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const followerColumns = `id, local_actor_id, actor_uri, inbox_uri, shared_inbox_uri, follow_activity_uri,
	actor_json, errors, last_error, created_at, updated_at`

const (
	// The unique (local_actor_id, actor_uri) key makes concurrent Follows converge on one row.
	sqlUpsertFollower = `INSERT INTO followers(` + followerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(local_actor_id, actor_uri) DO UPDATE SET
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			follow_activity_uri = CASE WHEN excluded.follow_activity_uri != ''
				THEN excluded.follow_activity_uri ELSE followers.follow_activity_uri END,
			actor_json = excluded.actor_json,
			errors = 0,
			last_error = '',
			updated_at = excluded.updated_at`
	sqlSelectFollower          = `SELECT ` + followerColumns + ` FROM followers WHERE local_actor_id = ? AND actor_uri = ?`
	sqlDeleteFollower          = `DELETE FROM followers WHERE local_actor_id = ? AND actor_uri = ?`
	sqlDeleteFollowerByFollow  = `DELETE FROM followers WHERE actor_uri = ? AND follow_activity_uri = ?`
	sqlDeleteFollowersByActor  = `DELETE FROM followers WHERE actor_uri = ?`
	sqlDeleteFollowersOfLocal  = `DELETE FROM followers WHERE local_actor_id = ?`
	sqlCountFollowers          = `SELECT COUNT(*) FROM followers WHERE local_actor_id = ?`
	sqlSelectFollowersPageAsc  = `SELECT ` + followerColumns + ` FROM followers WHERE local_actor_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?`
	sqlSelectFollowersPageDesc = `SELECT ` + followerColumns + ` FROM followers WHERE local_actor_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	sqlSelectFollowerInboxes   = `SELECT inbox_uri, shared_inbox_uri FROM followers WHERE local_actor_id = ?`
	sqlIncrementFollowerErrors = `UPDATE followers SET errors = errors + 1, last_error = ?, updated_at = ?
		WHERE local_actor_id = ? AND (inbox_uri = ? OR shared_inbox_uri = ?)`
	sqlResetFollowerErrors = `UPDATE followers SET errors = 0, last_error = ''
		WHERE local_actor_id = ? AND errors > 0 AND (inbox_uri = ? OR shared_inbox_uri = ?)`
	sqlPruneFollowers        = `DELETE FROM followers WHERE errors >= ?`
	sqlSelectStaleFollowers  = `SELECT DISTINCT actor_uri FROM followers WHERE updated_at < ? LIMIT ?`
	sqlUpdateFollowerProfile = `UPDATE followers SET inbox_uri = ?, shared_inbox_uri = ?, actor_json = ?, updated_at = ? WHERE actor_uri = ?`
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFollower(row rowScanner) (*domain.Follower, error) {
	var f domain.Follower
	var id string
	var created, updated int64
	err := row.Scan(&id, &f.LocalActorId, &f.ActorURI, &f.InboxURI, &f.SharedInboxURI, &f.FollowActivityURI,
		&f.ActorJSON, &f.Errors, &f.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	f.Id, _ = uuid.Parse(id)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

// UpsertFollower inserts the follower or refreshes the existing row for the same
// (local actor, remote actor) pair, and returns the stored record.
func (db *DB) UpsertFollower(ctx context.Context, f *domain.Follower) (*domain.Follower, error) {
	var stored *domain.Follower
	now := time.Now()
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertFollower,
			uuid.New().String(), f.LocalActorId, f.ActorURI, f.InboxURI, f.SharedInboxURI, f.FollowActivityURI,
			f.ActorJSON, toMillis(now), toMillis(now))
		if err != nil {
			return err
		}
		stored, err = scanFollower(tx.QueryRowContext(ctx, sqlSelectFollower, f.LocalActorId, f.ActorURI))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (db *DB) ReadFollower(ctx context.Context, localActorId int64, actorURI string) (*domain.Follower, error) {
	f, err := scanFollower(db.db.QueryRowContext(ctx, sqlSelectFollower, localActorId, actorURI))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("follower %s of actor %d", actorURI, localActorId)
	}
	return f, err
}

func (db *DB) execAffected(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (db *DB) DeleteFollower(ctx context.Context, localActorId int64, actorURI string) (bool, error) {
	n, err := db.execAffected(ctx, sqlDeleteFollower, localActorId, actorURI)
	return n > 0, err
}

// DeleteFollowerByFollowURI handles an Undo that only references the Follow by id.
func (db *DB) DeleteFollowerByFollowURI(ctx context.Context, actorURI, followURI string) (int64, error) {
	return db.execAffected(ctx, sqlDeleteFollowerByFollow, actorURI, followURI)
}

// DeleteFollowersByActorURI removes a deleted remote actor from every local actor.
func (db *DB) DeleteFollowersByActorURI(ctx context.Context, actorURI string) (int64, error) {
	return db.execAffected(ctx, sqlDeleteFollowersByActor, actorURI)
}

// DeleteFollowersOf cascades the removal of a local actor.
func (db *DB) DeleteFollowersOf(ctx context.Context, localActorId int64) (int64, error) {
	return db.execAffected(ctx, sqlDeleteFollowersOfLocal, localActorId)
}

func (db *DB) CountFollowers(ctx context.Context, localActorId int64) (int, error) {
	var total int
	err := db.db.QueryRowContext(ctx, sqlCountFollowers, localActorId).Scan(&total)
	return total, err
}

// ListFollowers pages through followers ordered by follow time; rowid breaks ties so
// offsets stay stable.
func (db *DB) ListFollowers(ctx context.Context, localActorId int64, limit, offset int, desc bool) ([]domain.Follower, error) {
	query := sqlSelectFollowersPageAsc
	if desc {
		query = sqlSelectFollowersPageDesc
	}
	rows, err := db.db.QueryContext(ctx, query, localActorId, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return followers, err
		}
		followers = append(followers, *f)
	}
	return followers, rows.Err()
}

// ReadFollowerInboxes returns inbox and shared inbox of every follower, unfiltered.
func (db *DB) ReadFollowerInboxes(ctx context.Context, localActorId int64) ([]domain.Follower, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerInboxes, localActorId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		f := domain.Follower{LocalActorId: localActorId}
		if err := rows.Scan(&f.InboxURI, &f.SharedInboxURI); err != nil {
			return followers, err
		}
		followers = append(followers, f)
	}
	return followers, rows.Err()
}

// IncrementFollowerErrors bumps the counter of every follower of the actor reached
// through inbox.
func (db *DB) IncrementFollowerErrors(ctx context.Context, localActorId int64, inbox, reason string) (int64, error) {
	return db.execAffected(ctx, sqlIncrementFollowerErrors, reason, toMillis(time.Now()), localActorId, inbox, inbox)
}

func (db *DB) ResetFollowerErrors(ctx context.Context, localActorId int64, inbox string) (int64, error) {
	return db.execAffected(ctx, sqlResetFollowerErrors, localActorId, inbox, inbox)
}

// PruneFollowers deletes followers whose error counter reached threshold.
func (db *DB) PruneFollowers(ctx context.Context, threshold int) (int64, error) {
	return db.execAffected(ctx, sqlPruneFollowers, threshold)
}

// ReadStaleFollowerActors lists remote actors whose cached profile is older than olderThan.
func (db *DB) ReadStaleFollowerActors(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectStaleFollowers, toMillis(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return uris, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

// UpdateFollowerProfile refreshes the cached profile on every row of a remote actor.
func (db *DB) UpdateFollowerProfile(ctx context.Context, actorURI, inbox, sharedInbox, actorJSON string) (int64, error) {
	return db.execAffected(ctx, sqlUpdateFollowerProfile, inbox, sharedInbox, actorJSON, toMillis(time.Now()), actorURI)
}
