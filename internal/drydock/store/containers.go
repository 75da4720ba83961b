package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Container kinds.
const (
	KindUser    = "user"
	KindBuilder = "builder"
)

// Container is the stored state of one container.
type Container struct {
	// ID is the lower-cased container id.
	ID         string
	Host       string
	Kind       string
	InstanceID string
	BuildID    string
	OwnerID    string
	Image      string
	Running    bool
	Pid        int
	ExitCode   int
	StartedAt  sql.NullTime
	FinishedAt sql.NullTime
	CrashCount int
	LastCrash  sql.NullTime
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ContainerState is the part of a container record the reconciler and the
// lifecycle manager overwrite.
type ContainerState struct {
	Running    bool
	Pid        int
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// UpsertContainer inserts or replaces the descriptive fields of a container
// record. Crash bookkeeping is preserved.
func (s *Store) UpsertContainer(ctx context.Context, c *Container) error {
	c.ID = normalizeID(c.ID)
	now := s.now().UTC()
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, host, kind, instance_id, build_id, owner_id, image, running, pid, exit_code,
			started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			kind = excluded.kind,
			instance_id = excluded.instance_id,
			build_id = excluded.build_id,
			owner_id = excluded.owner_id,
			image = excluded.image,
			running = excluded.running,
			pid = excluded.pid,
			exit_code = excluded.exit_code,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`, c.ID, c.Host, c.Kind, c.InstanceID, c.BuildID, c.OwnerID, c.Image, c.Running, c.Pid, c.ExitCode,
		c.StartedAt, c.FinishedAt, now, now)
	if err != nil {
		return fmt.Errorf("upsert container %s: %w", c.ID, err)
	}
	return nil
}

// GetContainer fetches a container by id (any case).
func (s *Store) GetContainer(ctx context.Context, id string) (*Container, error) {
	c := &Container{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, host, kind, instance_id, build_id, owner_id, image, running, pid, exit_code,
		       started_at, finished_at, crash_count, last_crash_at, created_at, updated_at
		FROM containers WHERE id = ?
	`, normalizeID(id)).Scan(&c.ID, &c.Host, &c.Kind, &c.InstanceID, &c.BuildID, &c.OwnerID, &c.Image,
		&c.Running, &c.Pid, &c.ExitCode, &c.StartedAt, &c.FinishedAt, &c.CrashCount, &c.LastCrash,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get container %s: %w", id, err)
	}
	return c, nil
}

// UpdateContainerState overwrites the runtime state of a container,
// creating a minimal record for containers drydock has not seen before.
// A zero StartedAt keeps the stored value.
func (s *Store) UpdateContainerState(ctx context.Context, id, host string, st ContainerState) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, host, running, pid, exit_code, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			running = excluded.running,
			pid = excluded.pid,
			exit_code = excluded.exit_code,
			started_at = COALESCE(excluded.started_at, containers.started_at),
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`, normalizeID(id), host, st.Running, st.Pid, st.ExitCode, nullTime(st.StartedAt), nullTime(st.FinishedAt), now, now)
	if err != nil {
		return fmt.Errorf("update container state %s: %w", id, err)
	}
	return nil
}

// RecordCrash bumps the crash counter of a container.
func (s *Store) RecordCrash(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE containers SET crash_count = crash_count + 1, last_crash_at = ?, updated_at = ?
		WHERE id = ?
	`, nullTime(at), s.now().UTC(), normalizeID(id))
	if err != nil {
		return fmt.Errorf("record crash %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountContainers returns the number of tracked containers and how many of
// them are running.
func (s *Store) CountContainers(ctx context.Context) (total, running int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(running), 0) FROM containers`).Scan(&total, &running)
	if err != nil {
		return 0, 0, fmt.Errorf("count containers: %w", err)
	}
	return total, running, nil
}
