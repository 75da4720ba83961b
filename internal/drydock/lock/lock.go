// Package lock implements intent locks: short-lived, key-scoped records
// that let one party announce "I am about to act on this key" to another
// party it has no direct channel to. The first Acquire wins until the lock
// is released or its TTL passes.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Store is an intent lock store.
type Store interface {
	// Acquire takes key for holder unless another unexpired holder has it.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release drops key if holder still owns it.
	Release(ctx context.Context, key, holder string) (bool, error)
	// Break drops key regardless of holder.
	Break(ctx context.Context, key string) error
	// Held reports whether key has an unexpired holder, and who.
	Held(ctx context.Context, key string) (string, bool, error)
}

// StopKey is the intent lock key announcing a deliberate stop.
func StopKey(containerID string) string {
	return "stop:" + containerID
}

// EventKey is the key that lets only one process handle a daemon event.
func EventKey(containerID string, timeNano int64) string {
	return fmt.Sprintf("event:%s:%d", containerID, timeNano)
}

// NewHolder returns a holder identity unique to this process and call site
// role, e.g. "stopper@host-1/6f1c...".
func NewHolder(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return role + "@" + host + "/" + uuid.NewString()
}

// SQLStore keeps locks in the intent_locks table, so every process sharing
// the database sees the same locks.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore returns a lock store on db. The intent_locks table must exist
// (package store creates it).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Acquire implements Store. An expired row is taken over in the same
// statement, so two racing acquirers can never both win.
func (s *SQLStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("lock: ttl must be positive")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO intent_locks (key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE intent_locks.expires_at <= ?
	`, key, holder, now.UnixNano(), now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	return n == 1, nil
}

// Release implements Store.
func (s *SQLStore) Release(ctx context.Context, key, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM intent_locks WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", key, err)
	}
	return n == 1, nil
}

// Break implements Store.
func (s *SQLStore) Break(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM intent_locks WHERE key = ?`, key); err != nil {
		return fmt.Errorf("lock: break %s: %w", key, err)
	}
	return nil
}

// Held implements Store.
func (s *SQLStore) Held(ctx context.Context, key string) (string, bool, error) {
	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT holder FROM intent_locks WHERE key = ? AND expires_at > ?`, key, s.now().UnixNano(),
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lock: read %s: %w", key, err)
	}
	return holder, true, nil
}

// Sweep deletes expired locks and returns how many it removed. Expired rows
// never block Acquire; sweeping only keeps the table small.
func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM intent_locks WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("lock: sweep: %w", err)
	}
	return res.RowsAffected()
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *SQLStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				slog.Warn("lock: sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("lock: swept expired intent locks", "count", n)
			}
		}
	}
}
