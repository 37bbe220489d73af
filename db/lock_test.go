package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deemkeen/fedcore/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteLockerExclusive(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	locker := NewSQLiteLocker(d)

	first, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "job", time.Minute)
	assert.True(t, domain.IsMigrationLocked(err), "second TryLock should report the lock as held")

	other, err := locker.TryLock(ctx, "other-job", time.Minute)
	require.NoError(t, err, "locks with different names are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestSQLiteLockerStaleLockIsReleased(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	_, err := d.db.Exec(sqlInsertLock, "job", "crashed-holder", toMillis(time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	lock, err := NewSQLiteLocker(d).TryLock(ctx, "job", 30*time.Minute)
	require.NoError(t, err, "a lock older than the ttl is taken over")
	require.NoError(t, lock.Release(ctx))
}

func TestSQLiteLockReleaseOnlyByHolder(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	locker := NewSQLiteLocker(d)

	held, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	impostor := &sqliteLock{db: d, name: "job", holder: "someone-else"}
	require.NoError(t, impostor.Release(ctx))

	_, err = locker.TryLock(ctx, "job", time.Minute)
	assert.True(t, domain.IsMigrationLocked(err))
	require.NoError(t, held.Release(ctx))
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	locker := NewRedisLocker(client)

	first, err := locker.TryLock(ctx, "schema_migration", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisLockPrefix+"schema_migration"))

	_, err = locker.TryLock(ctx, "schema_migration", time.Minute)
	assert.True(t, domain.IsMigrationLocked(err))

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists(redisLockPrefix+"schema_migration"))
}

func TestRedisLockerExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	locker := NewRedisLocker(client)

	stale, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	fresh, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	// the expired holder must not delete the new holder's key
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(redisLockPrefix+"job"))
	require.NoError(t, fresh.Release(ctx))
}

func TestMigratorWithRedisLocker(t *testing.T) {
	d := setupTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := NewMigrator(d, NewRedisLocker(client), time.Minute)
	require.NoError(t, m.Migrate(context.Background()))
	assert.False(t, mr.Exists(redisLockPrefix+migrationLockName), "lock is released after migrating")
}
