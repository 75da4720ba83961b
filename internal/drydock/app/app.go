// Package app wires the drydock control plane together: the record store,
// one daemon client per configured host, the lifecycle manager, the build
// orchestrator with its log hub, and one death reconciler per host.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/drydock/common/trace"
	"github.com/bdobrica/drydock/internal/drydock/audit"
	"github.com/bdobrica/drydock/internal/drydock/build"
	"github.com/bdobrica/drydock/internal/drydock/config"
	"github.com/bdobrica/drydock/internal/drydock/dockerd"
	"github.com/bdobrica/drydock/internal/drydock/lifecycle"
	"github.com/bdobrica/drydock/internal/drydock/lock"
	"github.com/bdobrica/drydock/internal/drydock/logtail"
	"github.com/bdobrica/drydock/internal/drydock/matrix"
	"github.com/bdobrica/drydock/internal/drydock/reconciler"
	"github.com/bdobrica/drydock/internal/drydock/store"
)

// drainTimeout bounds how long Run waits for in-flight die events on exit.
const drainTimeout = 30 * time.Second

// App is the running control plane.
type App struct {
	cfg *config.Config

	store      *store.Store
	pool       *dockerd.Pool
	manager    *lifecycle.Manager
	hub        *logtail.Hub
	builds     *build.Orchestrator
	locks      *lock.SQLStore
	reconciler *reconciler.Reconciler
	stopper    *reconciler.Stopper
	notifier   audit.Notifier
	matrix     *matrix.Client
	health     *HealthServer

	// notices tracks audit notifications sent off the build path.
	notices sync.WaitGroup
}

// New opens the store and builds every component. Nothing talks to a
// daemon until Run or an operation is called.
func New(cfg *config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	tlsCfg, err := dockerd.LoadTLS(cfg.Docker.TLSCA, cfg.Docker.TLSCert, cfg.Docker.TLSKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load docker TLS material: %w", err)
	}
	pool := dockerd.NewPool(tlsCfg, cfg.Docker.Timeout)

	a := &App{
		cfg:      cfg,
		store:    st,
		pool:     pool,
		hub:      logtail.NewHub(),
		locks:    lock.NewSQLStore(st.DB()),
		notifier: audit.LogNotifier{},
	}

	a.manager = lifecycle.New(lifecycle.PoolDialer(pool), st, lifecycle.Config{
		DefaultHost: cfg.Docker.DefaultHost,
		DNS: lifecycle.DNSConfig{
			Default: cfg.DNS.Default,
			Shared:  cfg.DNS.Shared,
			Tenants: cfg.DNS.Tenants,
		},
		StopTimeout: cfg.Docker.StopTimeout,
		Network:     cfg.Docker.Network,
		Strict:      cfg.Strict,
	})

	b := cfg.Builder
	a.builds = build.NewOrchestrator(st, a.manager, a.hub, build.Config{
		Image:           b.Image,
		Tag:             b.Tag,
		Registry:        b.Registry,
		SocketPath:      b.SocketPath,
		CacheDir:        b.CacheDir,
		LayerCacheDir:   b.LayerCacheDir,
		FilesBucket:     b.FilesBucket,
		KeysBucket:      b.KeysBucket,
		AWSAccessKey:    b.AWSAccessKey,
		AWSSecretKey:    b.AWSSecretKey,
		WaitForNetwork:  b.WaitForNetwork,
		Network:         b.Network,
		Memory:          b.Memory,
		PushImage:       b.PushImage,
		RecoverAttempts: b.RecoverAttempts,
	})

	a.reconciler = reconciler.New(a.locks, st, a.builds, reconciler.Config{
		StopIntentTTL: cfg.Locks.StopIntentTTL,
		EventTTL:      cfg.Locks.EventTTL,
		BuilderImage:  b.Image,
	})
	a.stopper = reconciler.NewStopper(a.locks, a.manager, cfg.Locks.StopIntentTTL)

	if cfg.Matrix.Enabled() {
		mc, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
		})
		if err != nil {
			pool.Close()
			st.Close()
			return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
		}
		a.matrix = mc
		a.notifier = audit.Multi{audit.LogNotifier{}, audit.NewMatrixNotifier(mc, cfg.Matrix.RoomID)}
		slog.Info("audit notices enabled", "room", cfg.Matrix.RoomID)
	}

	a.hub.OnTerminal(a.onBuildFinished)
	a.reconciler.OnContainerDied(a.onContainerDied)

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a)
	}
	return a, nil
}

// Run starts the background loops and blocks until ctx ends, then drains
// in-flight die events.
func (a *App) Run(ctx context.Context) error {
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}
	if a.matrix != nil {
		if err := a.matrix.JoinRoom(ctx, a.cfg.Matrix.RoomID); err != nil {
			slog.Warn("could not join audit room; notices may fail", "room", a.cfg.Matrix.RoomID, "err", err)
		}
	}

	clients := make([]*dockerd.Client, 0, len(a.cfg.Docker.Hosts))
	for _, host := range a.cfg.Docker.Hosts {
		c, err := a.pool.Get(host)
		if err != nil {
			return fmt.Errorf("docker host %q: %w", host, err)
		}
		clients = append(clients, c)
	}

	var loops sync.WaitGroup
	if interval := a.cfg.Locks.SweepInterval; interval > 0 {
		loops.Add(1)
		go func() {
			defer loops.Done()
			a.locks.RunSweeper(ctx, interval)
		}()
	}
	for _, c := range clients {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("docker host not reachable yet", "host", c.Host(), "err", err)
		}
		loops.Add(1)
		go func() {
			defer loops.Done()
			a.reconciler.Run(ctx, c, c.Host())
		}()
	}

	slog.Info("drydock is running", "hosts", a.pool.Hosts())
	<-ctx.Done()
	slog.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	err := a.reconciler.Close(drainCtx)
	loops.Wait()
	return err
}

// Close releases the daemon clients and the database. Call it after Run
// returns.
func (a *App) Close() error {
	a.notices.Wait()
	if a.health != nil {
		a.health.Stop()
	}
	return errors.Join(a.pool.Close(), a.store.Close())
}

// BuildImage runs one build and returns its outcome.
func (a *App) BuildImage(ctx context.Context, req build.Request) (build.Outcome, error) {
	ctx = trace.Ensure(ctx)
	if req.Host == "" {
		req.Host = a.cfg.Docker.DefaultHost
	}
	return a.builds.Build(ctx, req)
}

// builtImage loads a build record in the form the lifecycle manager takes.
func (a *App) builtImage(ctx context.Context, buildID string) (lifecycle.BuiltImage, error) {
	rec, err := a.store.GetBuild(ctx, buildID)
	if errors.Is(err, store.ErrNotFound) {
		return lifecycle.BuiltImage{BuildID: buildID}, nil
	}
	if err != nil {
		return lifecycle.BuiltImage{}, err
	}
	return lifecycle.BuiltImage{
		BuildID:   rec.ID,
		Completed: rec.Status == store.BuildSucceeded,
		ImageID:   rec.ImageID,
		DockerTag: rec.DockerTag,
		Host:      rec.Host,
	}, nil
}

// CreateUserContainer creates the user container for a finished build.
// Unknown or unsuccessful builds fail with lifecycle.ErrBuildNotCompleted.
func (a *App) CreateUserContainer(ctx context.Context, buildID string, opts lifecycle.CreateOptions) (dockerd.Handle, error) {
	ctx = trace.Ensure(ctx)
	built, err := a.builtImage(ctx, buildID)
	if err != nil {
		return dockerd.Handle{}, err
	}
	return a.manager.CreateUserContainer(ctx, built, opts)
}

// StartContainer starts a user container with ownerID's resolvers.
func (a *App) StartContainer(ctx context.Context, h dockerd.Handle, ownerID string) (dockerd.State, error) {
	return a.manager.StartUserContainer(trace.Ensure(ctx), h, ownerID)
}

// StopContainer stops h under a stop intent.
func (a *App) StopContainer(ctx context.Context, h dockerd.Handle, force bool) (lifecycle.Ack, error) {
	return a.stopper.Stop(trace.Ensure(ctx), h, force)
}

// StopContainers stops every handle on its own daemon.
func (a *App) StopContainers(ctx context.Context, hs []dockerd.Handle, force bool) lifecycle.BatchResult {
	return a.stopper.StopContainers(trace.Ensure(ctx), hs, force)
}

// RestartContainer restarts h under a stop intent.
func (a *App) RestartContainer(ctx context.Context, h dockerd.Handle) error {
	return a.stopper.Restart(trace.Ensure(ctx), h)
}

// RemoveContainer removes h under a stop intent.
func (a *App) RemoveContainer(ctx context.Context, h dockerd.Handle, force bool) (lifecycle.Ack, error) {
	return a.stopper.Remove(trace.Ensure(ctx), h, force)
}

// RemoveContainers removes every handle on its own daemon.
func (a *App) RemoveContainers(ctx context.Context, hs []dockerd.Handle, force bool) lifecycle.BatchResult {
	return a.stopper.RemoveContainers(trace.Ensure(ctx), hs, force)
}

// SubscribeBuildLog streams buildID's log. Builds that already finished are
// served from the store. Unknown builds return store.ErrNotFound.
func (a *App) SubscribeBuildLog(ctx context.Context, buildID string) (<-chan logtail.Message, error) {
	// Attach before reading the record so a build finishing in between is
	// seen either as completed or through the live substream.
	sctx, cancel := context.WithCancel(ctx)
	live := a.hub.Subscribe(sctx, buildID)

	rec, err := a.store.GetBuild(ctx, buildID)
	if err != nil {
		cancel()
		return nil, err
	}
	if rec.Completed() {
		cancel()
		return logtail.Completed(logtail.Terminal{
			Success: rec.Status == store.BuildSucceeded,
			ImageID: rec.ImageID,
			Log:     rec.Log,
		}), nil
	}

	out := make(chan logtail.Message)
	go func() {
		defer cancel()
		defer close(out)
		for m := range live {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// OnContainerDied registers h for every processed container death.
func (a *App) OnContainerDied(h reconciler.Handler) {
	a.reconciler.OnContainerDied(h)
}

// PullImage pulls ref on host ahead of a build or create.
func (a *App) PullImage(ctx context.Context, host, ref string) error {
	return a.manager.PullImage(trace.Ensure(ctx), host, ref)
}

// Status implements the health server's status provider.
func (a *App) Status(ctx context.Context) (Status, error) {
	inProgress, err := a.store.CountBuilds(ctx, store.BuildStarted)
	if err != nil {
		return Status{}, err
	}
	total, running, err := a.store.CountContainers(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		BuildsInProgress:  inProgress,
		BuildsStreaming:   a.builds.InFlight(),
		LogSubstreams:     a.hub.Active(),
		Containers:        total,
		ContainersRunning: running,
		DockerHosts:       a.cfg.Docker.Hosts,
	}, nil
}
