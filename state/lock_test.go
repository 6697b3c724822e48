package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLockOptions() LockOptions {
	return LockOptions{
		TTL:  200 * time.Millisecond,
		Poll: 5 * time.Millisecond,
		Wait: 50 * time.Millisecond,
	}
}

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "task-board.lock")
	ctx := context.Background()

	lock, err := AcquireLock(ctx, path, "tester", testLockOptions())
	require.NoError(t, err)
	require.NotEmpty(t, lock.Token())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var info LockInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "tester", info.Owner)
	assert.Equal(t, lock.Token(), info.Token)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Greater(t, info.ExpiresAtTs, time.Now().Unix()-1)

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Lock is free again.
	lock2, err := AcquireLock(ctx, path, "tester", testLockOptions())
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestAcquireBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-board.lock")
	ctx := context.Background()

	lock, err := AcquireLock(ctx, path, "holder", testLockOptions())
	require.NoError(t, err)
	defer lock.Release()

	_, err = AcquireLock(ctx, path, "contender", testLockOptions())
	assert.ErrorIs(t, err, ErrLockBusy)
}

func TestAcquireStealsExpiredLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-board.lock")
	ctx := context.Background()

	stale := LockInfo{
		Token:       "stale-token",
		Owner:       "crashed",
		PID:         999999,
		CreatedAt:   "2026-08-26T09:00:00Z",
		ExpiresAtTs: time.Now().Add(-time.Minute).Unix(),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lock, err := AcquireLock(ctx, path, "newcomer", testLockOptions())
	require.NoError(t, err)
	defer lock.Release()
	assert.NotEqual(t, "stale-token", lock.Token())
}

func TestReleaseIsTokenVerified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-board.lock")
	ctx := context.Background()

	lock, err := AcquireLock(ctx, path, "first", testLockOptions())
	require.NoError(t, err)

	// Simulate a steal: another holder's payload occupies the file.
	other := LockInfo{Token: "other-token", Owner: "second", ExpiresAtTs: time.Now().Add(time.Hour).Unix()}
	data, err := json.Marshal(other)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, lock.Release())

	// The stolen lock must survive the stale release.
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	var info LockInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "other-token", info.Token)
}

func TestAcquireHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-board.lock")
	ctx := context.Background()

	lock, err := AcquireLock(ctx, path, "holder", testLockOptions())
	require.NoError(t, err)
	defer lock.Release()

	opts := testLockOptions()
	opts.Wait = 10 * time.Second
	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, err = AcquireLock(cancelCtx, path, "contender", opts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
