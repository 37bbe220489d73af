package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const migrationLockName = "schema_migration"

const (
	sqlCreateActorKeysTable = `CREATE TABLE IF NOT EXISTS actor_keys (
		actor_id INTEGER NOT NULL PRIMARY KEY,
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		local_actor_id INTEGER NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		follow_activity_uri TEXT NOT NULL DEFAULT '',
		actor_json TEXT NOT NULL DEFAULT '',
		errors INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(local_actor_id, actor_uri)
	)`

	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		public_key_id TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		profile_json TEXT NOT NULL DEFAULT '',
		last_fetched_at INTEGER NOT NULL
	)`

	sqlCreateInteractionsTable = `CREATE TABLE IF NOT EXISTS interactions (
		id TEXT NOT NULL PRIMARY KEY,
		type TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(type, object_uri, actor_uri)
	)`

	sqlCreateExternalObjectsTable = `CREATE TABLE IF NOT EXISTS external_objects (
		uri TEXT NOT NULL PRIMARY KEY,
		type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		in_reply_to TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		published INTEGER NOT NULL DEFAULT 0,
		raw_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id INTEGER NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`

	sqlCreateOutboxTable = `CREATE TABLE IF NOT EXISTS outbox (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id INTEGER NOT NULL,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		activity_json TEXT NOT NULL,
		published INTEGER NOT NULL
	)`

	sqlCreateUsersTable = `CREATE TABLE IF NOT EXISTS users (
		id INTEGER NOT NULL PRIMARY KEY,
		login TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		profile_url TEXT NOT NULL DEFAULT '',
		can_publish INTEGER NOT NULL DEFAULT 1,
		fields_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`

	sqlCreateContentItemsTable = `CREATE TABLE IF NOT EXISTS content_items (
		id INTEGER NOT NULL PRIMARY KEY,
		author_id INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT 'post',
		format TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'publish',
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		body_format TEXT NOT NULL DEFAULT 'html',
		excerpt TEXT NOT NULL DEFAULT '',
		permalink TEXT NOT NULL DEFAULT '',
		shortlink TEXT NOT NULL DEFAULT '',
		tags_json TEXT NOT NULL DEFAULT '[]',
		visibility TEXT NOT NULL DEFAULT '',
		content_warning TEXT NOT NULL DEFAULT '',
		locale TEXT NOT NULL DEFAULT '',
		thumbnail_id INTEGER NOT NULL DEFAULT 0,
		enclosures_json TEXT NOT NULL DEFAULT '[]',
		published INTEGER NOT NULL,
		modified INTEGER NOT NULL
	)`

	sqlCreateMediaTable = `CREATE TABLE IF NOT EXISTS media (
		id INTEGER NOT NULL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		media_type TEXT NOT NULL,
		alt TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_local_created ON followers(local_actor_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_followers_inbox ON followers(inbox_uri);
		CREATE INDEX IF NOT EXISTS idx_followers_shared_inbox ON followers(shared_inbox_uri);
		CREATE INDEX IF NOT EXISTS idx_followers_actor_uri ON followers(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_outbox_actor_published ON outbox(actor_id, published DESC);
		CREATE INDEX IF NOT EXISTS idx_interactions_object ON interactions(object_uri);
		CREATE INDEX IF NOT EXISTS idx_external_objects_actor ON external_objects(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_content_items_author ON content_items(author_id);
	`

	// Followers stored before shared inboxes were tracked still carry them in the cached profile.
	sqlBackfillSharedInboxes = `UPDATE followers
		SET shared_inbox_uri = COALESCE(json_extract(actor_json, '$.endpoints.sharedInbox'), '')
		WHERE shared_inbox_uri = '' AND actor_json != '' AND json_valid(actor_json)`

	sqlSelectSchemaVersion = `SELECT version FROM schema_version WHERE id = 1`
	sqlUpsertSchemaVersion = `INSERT INTO schema_version(id, version, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`
)

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, tx *sql.Tx) error
}

func execAll(statements ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

// migrations are applied in order; each step runs once and bumps schema_version in the
// same transaction.
var migrations = []migration{
	{1, "core schema", execAll(
		sqlCreateActorKeysTable,
		sqlCreateFollowersTable,
		sqlCreateRemoteActorsTable,
		sqlCreateInteractionsTable,
		sqlCreateExternalObjectsTable,
		sqlCreateDeliveryQueueTable,
		sqlCreateOutboxTable,
	)},
	{2, "content provider tables", execAll(
		sqlCreateUsersTable,
		sqlCreateContentItemsTable,
		sqlCreateMediaTable,
	)},
	{3, "indices", execAll(sqlCreateIndices)},
	{4, "backfill follower shared inboxes", execAll(sqlBackfillSharedInboxes)},
}

// LatestVersion is the schema version this binary expects.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrator applies pending migrations under an advisory lock.
type Migrator struct {
	db      *DB
	locker  Locker
	lockTTL time.Duration
	current atomic.Bool
}

func NewMigrator(db *DB, locker Locker, lockTTL time.Duration) *Migrator {
	return &Migrator{db: db, locker: locker, lockTTL: lockTTL}
}

func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.db.QueryRowContext(ctx, sqlSelectSchemaVersion).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func (m *Migrator) Pending(ctx context.Context) (bool, error) {
	if m.current.Load() {
		return false, nil
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	if version >= LatestVersion() {
		m.current.Store(true)
		return false, nil
	}
	return true, nil
}

// EnsureCurrent is the cheap gate in front of every dispatch. It migrates when needed and
// returns a MigrationLocked error when another process is migrating right now.
func (m *Migrator) EnsureCurrent(ctx context.Context) error {
	pending, err := m.Pending(ctx)
	if err != nil || !pending {
		return err
	}
	return m.Migrate(ctx)
}

// Migrate applies every pending step. Safe to call concurrently from several processes.
func (m *Migrator) Migrate(ctx context.Context) error {
	lock, err := m.locker.TryLock(ctx, migrationLockName, m.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Migrations: failed to release lock")
		}
	}()

	version, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, step := range migrations {
		if step.version <= version {
			continue
		}
		log.Info().Int("version", step.version).Str("name", step.name).Msg("Migrations: applying")
		err := m.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
			if err := step.up(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, sqlUpsertSchemaVersion, step.version, toMillis(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", step.version, step.name, err)
		}
	}

	m.current.Store(true)
	return nil
}
