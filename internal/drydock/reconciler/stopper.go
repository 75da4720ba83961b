package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/drydock/internal/drydock/dockerd"
	"github.com/bdobrica/drydock/internal/drydock/lifecycle"
	"github.com/bdobrica/drydock/internal/drydock/lock"
)

// Containers is the part of *lifecycle.Manager that makes containers die.
type Containers interface {
	StopContainer(ctx context.Context, h dockerd.Handle, force bool) (lifecycle.Ack, error)
	RestartContainer(ctx context.Context, h dockerd.Handle) error
	RemoveContainer(ctx context.Context, h dockerd.Handle, force bool) (lifecycle.Ack, error)
}

// Stopper announces a stop intent before every call that makes a container
// die, so the resulting die event is not taken for a crash.
type Stopper struct {
	locks      lock.Store
	containers Containers
	ttl        time.Duration
	holder     string
}

// NewStopper creates a Stopper. ttl should match the reconciler's
// StopIntentTTL.
func NewStopper(locks lock.Store, containers Containers, ttl time.Duration) *Stopper {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Stopper{locks: locks, containers: containers, ttl: ttl, holder: lock.NewHolder("stopper")}
}

// announce takes the stop intent for h. It reports false when someone else
// already holds it; the caller goes ahead either way.
func (s *Stopper) announce(ctx context.Context, h dockerd.Handle) (bool, error) {
	held, err := s.locks.Acquire(ctx, lock.StopKey(h.ID), s.holder, s.ttl)
	if err != nil {
		return false, err
	}
	if !held {
		slog.Debug("stopper: stop intent already held", "container_id", h.ShortID())
	}
	return held, nil
}

// withdraw drops the intent when no die event will follow.
func (s *Stopper) withdraw(ctx context.Context, h dockerd.Handle) {
	if _, err := s.locks.Release(ctx, lock.StopKey(h.ID), s.holder); err != nil {
		slog.Warn("stopper: failed to release stop intent", "container_id", h.ShortID(), "err", err)
	}
}

// refused reports whether the daemon answered err with a status that rules
// out the container dying: 304 and every 4xx.
func refused(err error) bool {
	code := dockerd.StatusCode(err)
	return code >= 300 && code < 500
}

// settle withdraws a held intent when the call cannot have killed h. When
// the daemon may still act (unreachable, timed out, failed upstream) the
// intent is kept until its die event or its TTL.
func (s *Stopper) settle(ctx context.Context, h dockerd.Handle, held, noDeath bool, err error) {
	if !held {
		return
	}
	if noDeath || refused(err) {
		s.withdraw(ctx, h)
		return
	}
	if err != nil {
		slog.Warn("stopper: outcome unknown, stop intent left to expire",
			"container_id", h.ShortID(), "host", h.Host, "unreachable", dockerd.IsUnreachable(err), "ttl", s.ttl, "err", err)
	}
}

// Stop stops h. The intent is withdrawn when the container was already
// stopped or the daemon refused the stop.
func (s *Stopper) Stop(ctx context.Context, h dockerd.Handle, force bool) (lifecycle.Ack, error) {
	held, err := s.announce(ctx, h)
	if err != nil {
		return lifecycle.Ack{Handle: h}, err
	}
	ack, err := s.containers.StopContainer(ctx, h, force)
	s.settle(ctx, h, held, ack.AlreadyStopped, err)
	return ack, err
}

// Restart restarts h; the die event of the restart is not a crash.
func (s *Stopper) Restart(ctx context.Context, h dockerd.Handle) error {
	held, err := s.announce(ctx, h)
	if err != nil {
		return err
	}
	err = s.containers.RestartContainer(ctx, h)
	s.settle(ctx, h, held, false, err)
	return err
}

// Remove removes h. A forced remove of a running container kills it, so the
// intent is announced here too; it expires on its own when no event comes.
func (s *Stopper) Remove(ctx context.Context, h dockerd.Handle, force bool) (lifecycle.Ack, error) {
	held, err := s.announce(ctx, h)
	if err != nil {
		return lifecycle.Ack{Handle: h}, err
	}
	ack, err := s.containers.RemoveContainer(ctx, h, force)
	s.settle(ctx, h, held, ack.AlreadyGone, err)
	return ack, err
}

// StopContainers stops every handle concurrently, each under its own intent.
func (s *Stopper) StopContainers(ctx context.Context, hs []dockerd.Handle, force bool) lifecycle.BatchResult {
	res := lifecycle.Each(ctx, hs, func(ctx context.Context, h dockerd.Handle) (lifecycle.Ack, error) {
		return s.Stop(ctx, h, force)
	})
	logFailures("stop", res)
	return res
}

// RemoveContainers removes every handle concurrently.
func (s *Stopper) RemoveContainers(ctx context.Context, hs []dockerd.Handle, force bool) lifecycle.BatchResult {
	res := lifecycle.Each(ctx, hs, func(ctx context.Context, h dockerd.Handle) (lifecycle.Ack, error) {
		return s.Remove(ctx, h, force)
	})
	logFailures("remove", res)
	return res
}

func logFailures(op string, res lifecycle.BatchResult) {
	failed := res.Failed()
	for _, r := range failed {
		slog.Warn("stopper: batch "+op+" failed", "container_id", r.Ack.Handle.ShortID(), "host", r.Ack.Handle.Host, "err", r.Err)
	}
	if len(failed) > 0 {
		slog.Info("stopper: batch "+op+" done", "total", len(res), "failed", len(failed))
	}
}
