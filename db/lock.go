package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Locker hands out advisory locks that expire after ttl so a crashed holder cannot block
// forever. A held lock is reported as a domain MigrationLocked error.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

const (
	sqlDeleteStaleLock = `DELETE FROM locks WHERE name = ? AND acquired_at < ?`
	sqlInsertLock      = `INSERT INTO locks(name, holder, acquired_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`
	sqlDeleteLock      = `DELETE FROM locks WHERE name = ? AND holder = ?`
)

// SQLiteLocker keeps locks in the locks table of the same database.
type SQLiteLocker struct {
	db *DB
}

func NewSQLiteLocker(db *DB) *SQLiteLocker {
	return &SQLiteLocker{db: db}
}

type sqliteLock struct {
	db     *DB
	name   string
	holder string
}

func (l *SQLiteLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	holder := uuid.New().String()
	now := time.Now()
	acquired := false

	err := l.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteStaleLock, name, toMillis(now.Add(-ttl)))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Warn().Str("lock", name).Msg("Lock: force-released stale lock")
		}

		res, err = tx.ExecContext(ctx, sqlInsertLock, name, holder, toMillis(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		acquired = n == 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, domain.MigrationLocked(name)
	}
	return &sqliteLock{db: l.db, name: name, holder: holder}, nil
}

func (l *sqliteLock) Release(ctx context.Context) error {
	return l.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteLock, l.name, l.holder)
		return err
	})
}
