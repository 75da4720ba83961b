package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Build statuses. A build only ever moves forward through them.
const (
	BuildRequested = "requested"
	BuildStarted   = "started"
	BuildSucceeded = "succeeded"
	BuildFailed    = "failed"
)

// Build is one build record.
type Build struct {
	ID               string
	ContextVersionID string
	OwnerUsername    string
	DockerTag        string
	Status           string
	Manual           bool
	// Host and ContainerID locate the builder container once launched.
	Host        string
	ContainerID string
	// ImageID is set only when Status is BuildSucceeded.
	ImageID     string
	Log         string
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Started reports whether the build has been claimed by an orchestrator
// and has not finished.
func (b *Build) Started() bool { return b.Status == BuildStarted }

// Completed reports whether the build reached a terminal status, successful
// or not.
func (b *Build) Completed() bool {
	return b.Status == BuildSucceeded || b.Status == BuildFailed
}

const buildColumns = `id, context_version_id, owner_username, docker_tag, status, manual,
	host, container_id, image_id, log, started_at, completed_at, created_at, updated_at`

func scanBuild(row interface{ Scan(...any) error }) (*Build, error) {
	b := &Build{}
	err := row.Scan(&b.ID, &b.ContextVersionID, &b.OwnerUsername, &b.DockerTag, &b.Status, &b.Manual,
		&b.Host, &b.ContainerID, &b.ImageID, &b.Log, &b.StartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, id string) (*Build, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("build %s: %w", id, err)
		}
		return nil, fmt.Errorf("get build %s: %w", id, err)
	}
	return b, nil
}

// ClaimBuild atomically moves a build to started, inserting it when no
// record exists. It reports false when the build is already started or
// completed; exactly one concurrent claimer wins.
func (s *Store) ClaimBuild(ctx context.Context, b *Build) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (id, context_version_id, owner_username, docker_tag, status, manual, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'started', ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = 'started',
			context_version_id = excluded.context_version_id,
			owner_username = excluded.owner_username,
			docker_tag = excluded.docker_tag,
			manual = excluded.manual,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
		WHERE builds.status = 'requested'
	`, b.ID, b.ContextVersionID, b.OwnerUsername, b.DockerTag, b.Manual, now, now, now)
	if err != nil {
		return false, fmt.Errorf("claim build %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim build %s: %w", b.ID, err)
	}
	if n == 1 {
		b.Status = BuildStarted
		b.StartedAt = nullTime(now)
	}
	return n == 1, nil
}

// SetBuildContainer records where the builder container runs.
func (s *Store) SetBuildContainer(ctx context.Context, id, host, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET host = ?, container_id = ?, updated_at = ? WHERE id = ?`,
		host, normalizeID(containerID), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set build container %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	return nil
}

// CompleteBuild stores the outcome of a started build. It reports false
// when the build was not in the started state, i.e. someone else already
// completed it.
func (s *Store) CompleteBuild(ctx context.Context, id string, success bool, imageID, log string) (bool, error) {
	status := BuildFailed
	if success {
		status = BuildSucceeded
	} else {
		imageID = ""
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, image_id = ?, log = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'started'
	`, status, imageID, log, now, now, id)
	if err != nil {
		return false, fmt.Errorf("complete build %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete build %s: %w", id, err)
	}
	return n == 1, nil
}

// FindBuildByContainer returns the build whose builder is containerID.
func (s *Store) FindBuildByContainer(ctx context.Context, containerID string) (*Build, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE container_id = ? ORDER BY created_at DESC LIMIT 1`,
		normalizeID(containerID)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("build for container %s: %w", containerID, err)
		}
		return nil, fmt.Errorf("find build by container %s: %w", containerID, err)
	}
	return b, nil
}

// CountBuilds returns the number of builds with the given status.
func (s *Store) CountBuilds(ctx context.Context, status string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM builds WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count builds: %w", err)
	}
	return n, nil
}
