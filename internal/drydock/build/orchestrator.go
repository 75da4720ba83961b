// Package build runs image builds in privileged builder containers.
//
// A build moves Requested → BuilderLaunched → LogStreaming and ends in
// Succeeded or Failed. The builder's log is the only result channel: the
// orchestrator follows it to EOF and looks for the success marker.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/drydock/common/retry"
	"github.com/bdobrica/drydock/internal/drydock/dockerd"
	"github.com/bdobrica/drydock/internal/drydock/logtail"
	"github.com/bdobrica/drydock/internal/drydock/observability"
	"github.com/bdobrica/drydock/internal/drydock/store"
)

var (
	// ErrAlreadyBuilt rejects a build whose record is already completed.
	ErrAlreadyBuilt = errors.New("build: already built")
	// ErrAlreadyInProgress rejects a build another caller is running.
	ErrAlreadyInProgress = errors.New("build: already in progress")
	// ErrMissingDockerfile rejects a context without a Dockerfile.
	ErrMissingDockerfile = errors.New("build: missing Dockerfile")
)

// State is a build attempt's position in its state machine.
type State string

const (
	StateRequested       State = "requested"
	StateBuilderLaunched State = "builder_launched"
	StateLogStreaming    State = "log_streaming"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
)

// Config describes the builder image and what it gets mounted.
type Config struct {
	Image string
	Tag   string
	// Registry prefixes derived docker tags.
	Registry string
	// SocketPath is the daemon socket bind-mounted into the builder.
	SocketPath    string
	CacheDir      string
	LayerCacheDir string
	FilesBucket   string
	KeysBucket    string
	AWSAccessKey  string
	AWSSecretKey  string
	// WaitForNetwork is a script the builder runs before it starts.
	WaitForNetwork string
	Network        string
	Memory         int64
	PushImage      bool
	// RecoverAttempts bounds the build lookup in Recover.
	RecoverAttempts int
}

func (c Config) socket() string {
	if c.SocketPath == "" {
		return "/var/run/docker.sock"
	}
	return c.SocketPath
}

// ImageRef returns image:tag of the builder.
func (c Config) ImageRef() string {
	if c.Tag == "" {
		return c.Image
	}
	return c.Image + ":" + c.Tag
}

// Builds is the build-record store. *store.Store implements it.
type Builds interface {
	GetBuild(ctx context.Context, id string) (*store.Build, error)
	ClaimBuild(ctx context.Context, b *store.Build) (bool, error)
	SetBuildContainer(ctx context.Context, id, host, containerID string) error
	CompleteBuild(ctx context.Context, id string, success bool, imageID, log string) (bool, error)
	FindBuildByContainer(ctx context.Context, containerID string) (*store.Build, error)
	UpsertContainer(ctx context.Context, c *store.Container) error
}

// Containers is the part of *lifecycle.Manager the orchestrator uses.
type Containers interface {
	CreateContainer(ctx context.Context, host string, spec dockerd.ContainerSpec) (dockerd.Handle, error)
	StartContainer(ctx context.Context, h dockerd.Handle) error
	Logs(ctx context.Context, h dockerd.Handle, opts dockerd.LogOptions) (io.ReadCloser, error)
	InspectWithRetry(ctx context.Context, h dockerd.Handle, attempts int) (dockerd.State, error)
}

// Publisher receives log fragments and the terminal event. *logtail.Hub
// implements it.
type Publisher interface {
	Open(buildID string)
	Publish(buildID, data string)
	Finish(buildID string, t logtail.Terminal) bool
}

// Orchestrator runs builds.
type Orchestrator struct {
	builds     Builds
	containers Containers
	logs       Publisher
	cfg        Config

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(builds Builds, containers Containers, logs Publisher, cfg Config) *Orchestrator {
	if cfg.RecoverAttempts <= 0 {
		cfg.RecoverAttempts = 5
	}
	return &Orchestrator{
		builds:     builds,
		containers: containers,
		logs:       logs,
		cfg:        cfg,
		inflight:   make(map[string]struct{}),
	}
}

func (o *Orchestrator) enter(buildID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[buildID]; busy {
		return false
	}
	o.inflight[buildID] = struct{}{}
	return true
}

func (o *Orchestrator) leave(buildID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, buildID)
}

func (o *Orchestrator) busy(buildID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[buildID]
	return ok
}

// InFlight returns the number of builds this process is running.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// guard rejects the build unless this caller may run it, and claims the
// record when it may.
func (o *Orchestrator) guard(ctx context.Context, req Request) error {
	rec, err := o.builds.GetBuild(ctx, req.BuildID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case rec.Completed():
		return ErrAlreadyBuilt
	case rec.Started():
		return ErrAlreadyInProgress
	}
	if !req.HasDockerfile() {
		return ErrMissingDockerfile
	}
	won, err := o.builds.ClaimBuild(ctx, &store.Build{
		ID:               req.BuildID,
		ContextVersionID: req.ContextVersionID,
		OwnerUsername:    req.OwnerUsername,
		DockerTag:        req.tag(o.cfg.Registry),
		Manual:           req.Manual,
	})
	if err != nil {
		return err
	}
	if !won {
		return ErrAlreadyInProgress
	}
	return nil
}

// Build runs one build to completion and returns its outcome. Guard
// rejections (ErrAlreadyBuilt, ErrAlreadyInProgress, ErrMissingDockerfile)
// happen before any daemon call. A build whose builder ran but did not
// report success returns Outcome{Success: false} and a nil error.
func (o *Orchestrator) Build(ctx context.Context, req Request) (Outcome, error) {
	if req.BuildID == "" {
		return Outcome{}, errors.New("build: empty build id")
	}
	log := observability.WithTrace(ctx).With("build_id", req.BuildID)

	if !o.enter(req.BuildID) {
		return Outcome{}, ErrAlreadyInProgress
	}
	defer o.leave(req.BuildID)

	if err := o.guard(ctx, req); err != nil {
		log.Info("build: rejected", "err", err)
		return Outcome{}, err
	}
	log.Info("build: state", "state", StateRequested, "context_version_id", req.ContextVersionID)
	o.logs.Open(req.BuildID)

	spec, err := BuilderSpec(o.cfg, req)
	if err != nil {
		return Outcome{}, o.abort(ctx, req.BuildID, err)
	}
	h, err := o.containers.CreateContainer(ctx, req.Host, spec)
	if err != nil {
		log.Error("build: create builder failed", "env", observability.SafeEnv(spec.Env), "err", err)
		return Outcome{}, o.abort(ctx, req.BuildID, err)
	}
	if err := o.builds.SetBuildContainer(ctx, req.BuildID, h.Host, h.ID); err != nil {
		log.Warn("build: failed to record builder container", "container_id", h.ShortID(), "err", err)
	}
	err = o.builds.UpsertContainer(ctx, &store.Container{
		ID:      h.ID,
		Host:    h.Host,
		Kind:    store.KindBuilder,
		BuildID: req.BuildID,
		Image:   spec.Image,
	})
	if err != nil {
		log.Warn("build: failed to record builder container", "container_id", h.ShortID(), "err", err)
	}
	if err := o.containers.StartContainer(ctx, h); err != nil {
		return Outcome{}, o.abort(ctx, req.BuildID, err)
	}
	log.Info("build: state", "state", StateBuilderLaunched, "container_id", h.ShortID(), "host", h.Host)

	rc, err := o.containers.Logs(ctx, h, dockerd.LogOptions{Follow: true})
	if err != nil {
		return Outcome{}, o.abort(ctx, req.BuildID, err)
	}
	log.Info("build: state", "state", StateLogStreaming)
	started := time.Now()
	text, err := o.drain(req.BuildID, rc)
	if err != nil {
		// Recover steps aside while this call is in flight, so the build
		// ends here: without the full log there is no success marker.
		cause := fmt.Errorf("build %s: read builder log: %w", req.BuildID, err)
		out := Outcome{
			BuildID:     req.BuildID,
			ContainerID: h.ID,
			Host:        h.Host,
			DockerTag:   req.tag(o.cfg.Registry),
			Log:         appendLine(text, cause.Error()),
		}
		o.finish(ctx, out)
		log.Error("build: state", "state", StateFailed, "container_id", h.ShortID(), "err", cause)
		return out, cause
	}

	out := ParseOutcome(text)
	out.BuildID = req.BuildID
	out.ContainerID = h.ID
	out.Host = h.Host
	out.DockerTag = req.tag(o.cfg.Registry)
	o.finish(ctx, out)

	state := StateFailed
	if out.Success {
		state = StateSucceeded
	}
	log.Info("build: state", "state", state, "image_id", out.ImageID, "duration", time.Since(started))
	return out, nil
}

func (o *Orchestrator) drain(buildID string, rc io.ReadCloser) (string, error) {
	defer rc.Close()
	s := &sink{buildID: buildID, pub: o.logs}
	err := Cleanse(s, rc)
	return s.String(), err
}

func appendLine(log, line string) string {
	if log != "" && !strings.HasSuffix(log, "\n") {
		log += "\n"
	}
	return log + line + "\n"
}

// finish persists out and ends the log substream. It runs to completion
// even when the caller gave up. CompleteBuild only moves a started record,
// and the hub drops a Finish for a substream that already ended, so a
// racing Recover cannot emit a second terminal.
func (o *Orchestrator) finish(ctx context.Context, out Outcome) {
	ctx = context.WithoutCancel(ctx)
	done, err := o.builds.CompleteBuild(ctx, out.BuildID, out.Success, out.ImageID, out.Log)
	switch {
	case err != nil:
		slog.Error("build: failed to store outcome", "build_id", out.BuildID, "err", err)
	case !done:
		slog.Debug("build: outcome already stored", "build_id", out.BuildID)
	}
	o.logs.Finish(out.BuildID, logtail.Terminal{Success: out.Success, ImageID: out.ImageID, Log: out.Log})
}

// abort marks a build failed when the builder could not be launched or
// followed, and returns cause.
func (o *Orchestrator) abort(ctx context.Context, buildID string, cause error) error {
	o.finish(ctx, Outcome{BuildID: buildID, Log: cause.Error()})
	observability.WithTrace(ctx).Error("build: state", "build_id", buildID, "state", StateFailed, "err", cause)
	return cause
}

// Recover completes the build whose builder container died while no
// orchestrator in this process was following its log, for example after a
// restart. It returns ErrAlreadyInProgress when a local Build call is still
// streaming that builder.
func (o *Orchestrator) Recover(ctx context.Context, h dockerd.Handle) (Outcome, error) {
	var rec *store.Build
	// The record is written right after the builder is created, so its die
	// event can outrun it.
	err := retry.Do(ctx, retry.Policy{
		Attempts:  o.cfg.RecoverAttempts,
		Delay:     200 * time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, store.ErrNotFound) },
	}, func(int) error {
		var err error
		rec, err = o.builds.FindBuildByContainer(ctx, h.ID)
		return err
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("build: recover %s: %w", h.ShortID(), err)
	}

	out := Outcome{
		BuildID:     rec.ID,
		ContainerID: h.ID,
		Host:        h.Host,
		DockerTag:   rec.DockerTag,
	}
	if rec.Completed() {
		out.Success = rec.Status == store.BuildSucceeded
		out.ImageID = rec.ImageID
		out.Log = rec.Log
		return out, nil
	}
	if o.busy(rec.ID) {
		return out, ErrAlreadyInProgress
	}

	log := slog.With("build_id", rec.ID, "container_id", h.ShortID(), "host", h.Host)
	o.logs.Open(rec.ID)
	// The builder is gone once neither its state nor its log can be read,
	// and the build ends failed either way.
	st, inspectErr := o.containers.InspectWithRetry(ctx, h, o.cfg.RecoverAttempts)
	if inspectErr != nil {
		log.Warn("build: builder state unavailable", "err", inspectErr)
	}

	rc, err := o.containers.Logs(ctx, h, dockerd.LogOptions{})
	if err != nil {
		cause := fmt.Errorf("build: recover %s: %w", rec.ID, err)
		out.Log = cause.Error()
		o.finish(ctx, out)
		return out, cause
	}
	text, err := o.drain(rec.ID, rc)
	if err != nil {
		cause := fmt.Errorf("build: recover %s: read builder log: %w", rec.ID, err)
		out.Log = appendLine(text, cause.Error())
		o.finish(ctx, out)
		return out, cause
	}
	parsed := ParseOutcome(text)
	out.Success, out.ImageID, out.Log = parsed.Success, parsed.ImageID, parsed.Log
	if !out.Success && inspectErr == nil && st.ExitCode != 0 {
		out.Log = appendLine(out.Log, fmt.Sprintf("builder exited with code %d", st.ExitCode))
	}
	o.finish(ctx, out)
	log.Info("build: recovered", "success", out.Success, "exit_code", st.ExitCode)
	return out, nil
}
