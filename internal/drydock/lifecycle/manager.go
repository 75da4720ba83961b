// Package lifecycle creates, starts, stops and removes containers on top of
// the dockerd adapter. It enforces the preconditions the daemon does not
// (required labels, completed builds) and the idempotency drydock relies on
// (stopping a stopped container is fine). Nothing here retries on its own.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/bdobrica/drydock/common/retry"
	"github.com/bdobrica/drydock/internal/drydock/dockerd"
	"github.com/bdobrica/drydock/internal/drydock/observability"
	"github.com/bdobrica/drydock/internal/drydock/store"
)

// ErrBuildNotCompleted is returned when a user container is requested for
// an image that has not been built successfully.
var ErrBuildNotCompleted = errors.New("lifecycle: build not completed")

var errNoHost = errors.New("lifecycle: no daemon host")

// Daemon is the part of *dockerd.Client the manager uses.
type Daemon interface {
	Host() string
	Create(ctx context.Context, spec dockerd.ContainerSpec) (dockerd.Handle, error)
	Start(ctx context.Context, h dockerd.Handle) error
	Stop(ctx context.Context, h dockerd.Handle, timeout time.Duration) error
	Restart(ctx context.Context, h dockerd.Handle, timeout time.Duration) error
	Remove(ctx context.Context, h dockerd.Handle, opts dockerd.RemoveOptions) error
	Inspect(ctx context.Context, h dockerd.Handle) (dockerd.State, error)
	Logs(ctx context.Context, h dockerd.Handle, opts dockerd.LogOptions) (io.ReadCloser, error)
	PullImage(ctx context.Context, ref string) error
}

// Dialer returns the daemon client for an address.
type Dialer func(host string) (Daemon, error)

// PoolDialer routes through a dockerd.Pool.
func PoolDialer(p *dockerd.Pool) Dialer {
	return func(host string) (Daemon, error) {
		c, err := p.Get(host)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Records is where the manager keeps container state. *store.Store
// implements it.
type Records interface {
	UpsertContainer(ctx context.Context, c *store.Container) error
	UpdateContainerState(ctx context.Context, id, host string, st store.ContainerState) error
}

// DNSConfig holds the resolver addresses handed to user containers.
type DNSConfig struct {
	// Default is the platform resolver list.
	Default []string
	// Shared overrides apply to every owner.
	Shared []string
	// Tenants holds per-owner overrides keyed by owner id.
	Tenants map[string][]string
}

// Resolvers returns the resolver list for ownerID: tenant overrides first,
// then shared overrides, then the platform default, without duplicates.
func (c DNSConfig) Resolvers(ownerID string) []string {
	var out []string
	for _, group := range [][]string{c.Tenants[ownerID], c.Shared, c.Default} {
		for _, addr := range group {
			if addr != "" && !slices.Contains(out, addr) {
				out = append(out, addr)
			}
		}
	}
	return out
}

// Config configures a Manager.
type Config struct {
	// DefaultHost is the daemon used when neither the build nor the caller
	// names one.
	DefaultHost string
	DNS         DNSConfig
	// StopTimeout is the grace period before the daemon kills a container.
	StopTimeout time.Duration
	// Network is the network mode of user containers; empty means the
	// daemon default.
	Network string
	// Strict turns caller contract violations into panics.
	Strict bool
}

// Manager implements the container lifecycle operations.
type Manager struct {
	dial    Dialer
	records Records
	cfg     Config
}

// New creates a Manager. records may be nil.
func New(dial Dialer, records Records, cfg Config) *Manager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Manager{dial: dial, records: records, cfg: cfg}
}

// BuiltImage is the result of a build as the manager needs it.
type BuiltImage struct {
	BuildID   string
	Completed bool
	// ImageID is set only for successful builds.
	ImageID   string
	DockerTag string
	// Host is the daemon the image was built on.
	Host string
}

// Ref returns the reference to create containers from, preferring the tag.
func (b BuiltImage) Ref() string {
	if b.DockerTag != "" {
		return b.DockerTag
	}
	return b.ImageID
}

// CreateOptions are the caller-supplied parts of a user container.
type CreateOptions struct {
	Name    string
	Labels  UserLabels
	OwnerID string
	Env     []string
	Cmd     []string
	Memory  int64
	// Host overrides the daemon; by default the container is created where
	// the image was built.
	Host string
}

// Ack acknowledges a stop or remove.
type Ack struct {
	Handle dockerd.Handle
	// AlreadyStopped is set when the daemon reported 304 on stop.
	AlreadyStopped bool
	// AlreadyGone is set when the daemon reported 404 on remove.
	AlreadyGone bool
}

func (m *Manager) daemon(host string) (Daemon, error) {
	if host == "" {
		host = m.cfg.DefaultHost
	}
	if host == "" {
		return nil, dockerd.ConnectError("", errNoHost)
	}
	return m.dial(host)
}

// violation reports a caller contract violation; in strict mode it panics.
func (m *Manager) violation(err error) error {
	if m.cfg.Strict {
		panic(err)
	}
	return err
}

// CreateUserContainer creates the user-facing container for a completed
// build. Precondition failures are returned before any daemon call.
func (m *Manager) CreateUserContainer(ctx context.Context, built BuiltImage, opts CreateOptions) (dockerd.Handle, error) {
	if !built.Completed || built.ImageID == "" {
		return dockerd.Handle{}, m.violation(fmt.Errorf("%w: build %q", ErrBuildNotCompleted, built.BuildID))
	}
	if err := opts.Labels.Validate(); err != nil {
		return dockerd.Handle{}, m.violation(err)
	}

	host := opts.Host
	if host == "" {
		host = built.Host
	}
	d, err := m.daemon(host)
	if err != nil {
		return dockerd.Handle{}, err
	}

	// The daemon takes host configuration at create time only, so DNS and
	// port publishing are fixed here and verified by StartUserContainer.
	spec := dockerd.ContainerSpec{
		Name:            opts.Name,
		Image:           built.Ref(),
		Cmd:             opts.Cmd,
		Env:             opts.Env,
		Labels:          opts.Labels.Map(),
		Memory:          opts.Memory,
		DNS:             m.cfg.DNS.Resolvers(opts.OwnerID),
		PublishAllPorts: true,
		NetworkMode:     m.cfg.Network,
	}
	log := observability.WithTrace(ctx)
	h, err := d.Create(ctx, spec)
	if err != nil {
		log.Error("lifecycle: create user container failed",
			"host", d.Host(), "image", spec.Image, "instance_id", opts.Labels.InstanceID, "err", err)
		return dockerd.Handle{}, err
	}
	log.Info("lifecycle: user container created",
		"container_id", h.ShortID(), "host", h.Host, "instance_id", opts.Labels.InstanceID, "build_id", built.BuildID)

	m.record(ctx, &store.Container{
		ID:         h.ID,
		Host:       h.Host,
		Kind:       store.KindUser,
		InstanceID: opts.Labels.InstanceID,
		BuildID:    built.BuildID,
		OwnerID:    opts.OwnerID,
		Image:      spec.Image,
	})
	return h, nil
}

// StartUserContainer starts a user container and checks that it came up
// with ownerID's resolvers and every port published.
func (m *Manager) StartUserContainer(ctx context.Context, h dockerd.Handle, ownerID string) (dockerd.State, error) {
	d, err := m.daemon(h.Host)
	if err != nil {
		return dockerd.State{}, err
	}
	if err := d.Start(ctx, h); err != nil {
		return dockerd.State{}, err
	}

	log := observability.WithTrace(ctx).With("container_id", h.ShortID(), "host", h.Host)
	st, err := d.Inspect(ctx, h)
	if err != nil {
		log.Warn("lifecycle: inspect after start failed", "err", err)
		return dockerd.State{ID: h.ID, Running: true}, nil
	}
	if want := m.cfg.DNS.Resolvers(ownerID); !slices.Equal(st.DNS, want) {
		log.Warn("lifecycle: container DNS differs from owner resolvers", "owner_id", ownerID, "want", want, "got", st.DNS)
	}
	if !st.PublishAllPorts {
		log.Warn("lifecycle: container does not publish all ports")
	}
	m.updateState(ctx, h, st)
	return st, nil
}

// CreateContainer creates a container from spec without the user-container
// checks. The orchestrator uses it for builder containers.
func (m *Manager) CreateContainer(ctx context.Context, host string, spec dockerd.ContainerSpec) (dockerd.Handle, error) {
	d, err := m.daemon(host)
	if err != nil {
		return dockerd.Handle{}, err
	}
	return d.Create(ctx, spec)
}

// StartContainer starts a container.
func (m *Manager) StartContainer(ctx context.Context, h dockerd.Handle) error {
	d, err := m.daemon(h.Host)
	if err != nil {
		return err
	}
	return d.Start(ctx, h)
}

// StopContainer stops a container. A daemon 304 (already stopped) is
// absorbed unless force is set, in which case it is returned as is.
func (m *Manager) StopContainer(ctx context.Context, h dockerd.Handle, force bool) (Ack, error) {
	ack := Ack{Handle: h}
	d, err := m.daemon(h.Host)
	if err != nil {
		return ack, err
	}
	err = d.Stop(ctx, h, m.cfg.StopTimeout)
	if dockerd.IsNotModified(err) && !force {
		observability.WithTrace(ctx).Debug("lifecycle: container already stopped", "container_id", h.ShortID(), "host", h.Host)
		ack.AlreadyStopped = true
		return ack, nil
	}
	return ack, err
}

// RestartContainer restarts a container.
func (m *Manager) RestartContainer(ctx context.Context, h dockerd.Handle) error {
	d, err := m.daemon(h.Host)
	if err != nil {
		return err
	}
	return d.Restart(ctx, h, m.cfg.StopTimeout)
}

// RemoveContainer removes a container and its anonymous volumes. A daemon
// 404 is absorbed unless force is set.
func (m *Manager) RemoveContainer(ctx context.Context, h dockerd.Handle, force bool) (Ack, error) {
	ack := Ack{Handle: h}
	d, err := m.daemon(h.Host)
	if err != nil {
		return ack, err
	}
	err = d.Remove(ctx, h, dockerd.RemoveOptions{Force: force, RemoveVolumes: true})
	if dockerd.IsNotFound(err) && !force {
		ack.AlreadyGone = true
		return ack, nil
	}
	return ack, err
}

// Inspect returns a container's state.
func (m *Manager) Inspect(ctx context.Context, h dockerd.Handle) (dockerd.State, error) {
	d, err := m.daemon(h.Host)
	if err != nil {
		return dockerd.State{}, err
	}
	return d.Inspect(ctx, h)
}

// InspectWithRetry inspects h up to attempts times, backing off between
// failures. Use it where a container may not be visible yet.
func (m *Manager) InspectWithRetry(ctx context.Context, h dockerd.Handle, attempts int) (dockerd.State, error) {
	d, err := m.daemon(h.Host)
	if err != nil {
		return dockerd.State{}, err
	}
	var st dockerd.State
	err = retry.Do(ctx, retry.Policy{Attempts: attempts}, func(int) error {
		var err error
		st, err = d.Inspect(ctx, h)
		return err
	})
	return st, err
}

// Logs opens a container's log stream.
func (m *Manager) Logs(ctx context.Context, h dockerd.Handle, opts dockerd.LogOptions) (io.ReadCloser, error) {
	d, err := m.daemon(h.Host)
	if err != nil {
		return nil, err
	}
	return d.Logs(ctx, h, opts)
}

// PullImage pulls ref onto host.
func (m *Manager) PullImage(ctx context.Context, host, ref string) error {
	d, err := m.daemon(host)
	if err != nil {
		return err
	}
	if err := d.PullImage(ctx, ref); err != nil {
		return err
	}
	slog.Info("lifecycle: image pulled", "host", d.Host(), "image", ref)
	return nil
}

func (m *Manager) record(ctx context.Context, c *store.Container) {
	if m.records == nil {
		return
	}
	if err := m.records.UpsertContainer(ctx, c); err != nil {
		slog.Warn("lifecycle: failed to record container", "container_id", c.ID, "err", err)
	}
}

func (m *Manager) updateState(ctx context.Context, h dockerd.Handle, st dockerd.State) {
	if m.records == nil {
		return
	}
	err := m.records.UpdateContainerState(ctx, h.ID, h.Host, store.ContainerState{
		Running:    st.Running,
		Pid:        st.Pid,
		ExitCode:   st.ExitCode,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
	})
	if err != nil {
		slog.Warn("lifecycle: failed to record container state", "container_id", h.ID, "err", err)
	}
}
