package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/drydock/internal/drydock/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "drydock-test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		s, err := store.New(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}

// --- Builds ---

func TestClaimBuild_SingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimBuild(ctx, &store.Build{ID: "b1", DockerTag: "registry/app:b1"})
			if err != nil {
				t.Errorf("ClaimBuild: %v", err)
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for ok := range wins {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("winners = %d, want 1", count)
	}

	b, err := s.GetBuild(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Started() || !b.StartedAt.Valid {
		t.Errorf("build = %+v, want started", b)
	}
}

func TestClaimBuild_RequestedRecordIsClaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO builds (id, context_version_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, "b2", "cv1", store.BuildRequested, now, now)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.ClaimBuild(ctx, &store.Build{ID: "b2", ContextVersionID: "cv1", DockerTag: "t"})
	if err != nil || !ok {
		t.Fatalf("ClaimBuild = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.ClaimBuild(ctx, &store.Build{ID: "b2"})
	if err != nil || ok {
		t.Fatalf("second ClaimBuild = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestCompleteBuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ClaimBuild(ctx, &store.Build{ID: "b3"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBuildContainer(ctx, "b3", "10.0.0.1:4242", "DEADBEEF"); err != nil {
		t.Fatal(err)
	}

	done, err := s.CompleteBuild(ctx, "b3", true, "d776bdb409ab", "Successfully built d776bdb409ab\n")
	if err != nil || !done {
		t.Fatalf("CompleteBuild = (%v, %v)", done, err)
	}
	done, err = s.CompleteBuild(ctx, "b3", false, "", "late")
	if err != nil || done {
		t.Fatalf("second CompleteBuild = (%v, %v), want (false, nil)", done, err)
	}

	b, err := s.FindBuildByContainer(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("FindBuildByContainer: %v", err)
	}
	if b.ID != "b3" || b.Status != store.BuildSucceeded || b.ImageID != "d776bdb409ab" || !b.Completed() {
		t.Errorf("build = %+v", b)
	}
	if b.Host != "10.0.0.1:4242" || b.ContainerID != "deadbeef" {
		t.Errorf("builder location = %s/%s", b.Host, b.ContainerID)
	}
}

func TestCompleteBuild_FailureDropsImageID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.ClaimBuild(ctx, &store.Build{ID: "b4"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteBuild(ctx, "b4", false, "abc", "boom"); err != nil {
		t.Fatal(err)
	}
	b, err := s.GetBuild(ctx, "b4")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != store.BuildFailed || b.ImageID != "" || b.Log != "boom" {
		t.Errorf("build = %+v", b)
	}
	n, err := s.CountBuilds(ctx, store.BuildFailed)
	if err != nil || n != 1 {
		t.Errorf("CountBuilds(failed) = (%d, %v)", n, err)
	}
}

func TestGetBuild_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBuild(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.SetBuildContainer(context.Background(), "nope", "h", "c"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SetBuildContainer err = %v, want ErrNotFound", err)
	}
}

// --- Containers ---

func TestContainerState_NormalizesIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertContainer(ctx, &store.Container{
		ID: "ABC123", Host: "h:4242", Kind: store.KindUser, InstanceID: "i1", Running: true, Pid: 77,
	})
	if err != nil {
		t.Fatal(err)
	}

	finished := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpdateContainerState(ctx, "abc123", "h:4242", store.ContainerState{ExitCode: 137, FinishedAt: finished}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordCrash(ctx, "Abc123", finished); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetContainer(ctx, "ABC123")
	if err != nil {
		t.Fatal(err)
	}
	if c.Running || c.Pid != 0 || c.ExitCode != 137 {
		t.Errorf("state = running:%v pid:%d exit:%d", c.Running, c.Pid, c.ExitCode)
	}
	if c.InstanceID != "i1" || c.Kind != store.KindUser {
		t.Errorf("descriptive fields lost: %+v", c)
	}
	if c.CrashCount != 1 || !c.LastCrash.Valid {
		t.Errorf("crash bookkeeping = %d %v", c.CrashCount, c.LastCrash)
	}
	if !c.FinishedAt.Valid || !c.FinishedAt.Time.Equal(finished) {
		t.Errorf("finished_at = %v", c.FinishedAt)
	}
}

func TestUpdateContainerState_CreatesUnknownContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateContainerState(ctx, "fresh", "h:1", store.ContainerState{Running: true, Pid: 5}); err != nil {
		t.Fatal(err)
	}
	total, running, err := s.CountContainers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || running != 1 {
		t.Errorf("counts = %d/%d, want 1/1", total, running)
	}
	if err := s.RecordCrash(ctx, "other", time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RecordCrash on unknown container: %v", err)
	}
}
