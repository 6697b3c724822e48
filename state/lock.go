package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskplane/board"
)

const (
	// DefaultLockTTL is how long a held lock stays valid before any
	// contender may remove it.
	DefaultLockTTL = 45 * time.Second

	// DefaultLockPoll is the interval between acquisition attempts.
	DefaultLockPoll = 120 * time.Millisecond

	// DefaultLockWait bounds how long an acquisition blocks before
	// failing with ErrLockBusy.
	DefaultLockWait = 8 * time.Second
)

// ErrLockBusy indicates the board lock stayed held past the wait deadline.
var ErrLockBusy = errors.New("lock busy")

// LockInfo is the JSON payload written into the lock file. Other
// processes inspect it to decide whether the lock has expired.
type LockInfo struct {
	// Token uniquely identifies this acquisition; release verifies it.
	Token string `json:"token"`

	// Owner names the acquiring component or agent.
	Owner string `json:"owner"`

	// PID is the acquiring process id.
	PID int `json:"pid"`

	// CreatedAt is when the lock was taken (UTC, second precision).
	CreatedAt string `json:"createdAt"`

	// ExpiresAtTs is the epoch second after which the lock is stale.
	ExpiresAtTs int64 `json:"expiresAtTs"`
}

// LockOptions tunes lock acquisition. Zero values fall back to the
// package defaults.
type LockOptions struct {
	TTL   time.Duration
	Poll  time.Duration
	Wait  time.Duration
	Clock func() time.Time
}

func (o LockOptions) withDefaults() LockOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultLockTTL
	}
	if o.Poll <= 0 {
		o.Poll = DefaultLockPoll
	}
	if o.Wait <= 0 {
		o.Wait = DefaultLockWait
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Lock is a held filesystem lock. Release is token-verified, so a
// stale holder cannot remove a lock that was stolen after expiry.
type Lock struct {
	path  string
	token string
	opts  LockOptions
}

// AcquireLock takes the exclusive lock at path, waiting up to
// opts.Wait. An existing lock whose expiresAtTs has passed is removed
// and acquisition proceeds.
func AcquireLock(ctx context.Context, path, owner string, opts LockOptions) (*Lock, error) {
	opts = opts.withDefaults()
	deadline := opts.Clock().Add(opts.Wait)

	for {
		lock, err := tryAcquire(path, owner, opts)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, errLockHeld) {
			return nil, err
		}

		if opts.Clock().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, path)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock: %w", ctx.Err())
		case <-time.After(opts.Poll):
		}
	}
}

// errLockHeld is the internal signal that the lock file exists and is
// still fresh.
var errLockHeld = errors.New("lock held")

func tryAcquire(path, owner string, opts LockOptions) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		now := opts.Clock()
		info := LockInfo{
			Token:       uuid.NewString(),
			Owner:       owner,
			PID:         os.Getpid(),
			CreatedAt:   board.Stamp(now),
			ExpiresAtTs: now.Add(opts.TTL).Unix(),
		}
		data, merr := json.Marshal(info)
		if merr == nil {
			_, merr = f.Write(data)
		}
		cerr := f.Close()
		if merr != nil || cerr != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("write lock payload: %w", errors.Join(merr, cerr))
		}
		return &Lock{path: path, token: info.Token, opts: opts}, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	// Collision: steal only if the current holder has expired.
	if expired(path, opts) {
		_ = os.Remove(path)
	}
	return nil, errLockHeld
}

// expired reports whether the lock file at path is past its TTL. An
// unreadable payload counts as expired only once the file itself is
// older than the TTL, so a holder between create and write is not
// robbed of a lock it just took.
func expired(path string, opts LockOptions) bool {
	now := opts.Clock()

	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.ExpiresAtTs == 0 {
		st, serr := os.Stat(path)
		if serr != nil {
			return false
		}
		return now.Sub(st.ModTime()) >= opts.TTL
	}
	return now.Unix() >= info.ExpiresAtTs
}

// Release removes the lock if this holder still owns it. If another
// token occupies the file the release is a no-op.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock for release: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err == nil && info.Token != l.token {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Token returns the acquisition token, used in tests and diagnostics.
func (l *Lock) Token() string { return l.token }
