// Package reconciler consumes daemon die events and keeps stored container
// state in line with them.
//
// A die event is either the echo of a stop drydock issued or a crash. The
// two are told apart through the stop intent lock: whoever stops a
// container takes lock.StopKey(id) first, and the reconciler tries to take
// the same key when the event arrives. If it gets the key nobody announced
// a stop, so the death is a crash. Either side may run first.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/drydock/internal/drydock/build"
	"github.com/bdobrica/drydock/internal/drydock/dockerd"
	"github.com/bdobrica/drydock/internal/drydock/lock"
	"github.com/bdobrica/drydock/internal/drydock/store"
)

// ErrClosing is returned for events that arrive after Close.
var ErrClosing = errors.New("reconciler: closing")

// EventSource is a daemon event feed. *dockerd.Client implements it.
type EventSource interface {
	Events(ctx context.Context, actions ...string) (<-chan dockerd.Event, <-chan error)
}

// Records is the container state store. *store.Store implements it.
type Records interface {
	GetContainer(ctx context.Context, id string) (*store.Container, error)
	UpdateContainerState(ctx context.Context, id, host string, st store.ContainerState) error
	RecordCrash(ctx context.Context, id string, at time.Time) error
}

// Builds finishes builds whose builder died. *build.Orchestrator
// implements it.
type Builds interface {
	Recover(ctx context.Context, h dockerd.Handle) (build.Outcome, error)
}

// Death is what handlers learn about a container death.
type Death struct {
	Handle   dockerd.Handle
	Image    string
	ExitCode int
	At       time.Time
	// Crashed is true when no stop was announced for the container.
	Crashed bool
	// InstanceID is taken from the container record, when there is one.
	InstanceID string
	// Builder is true for builder containers; BuildID names their build.
	Builder bool
	BuildID string
}

// Handler is called once per processed death.
type Handler func(ctx context.Context, d Death)

// Verdict is how HandleDie classified an event.
type Verdict string

const (
	VerdictIgnored   Verdict = "ignored"
	VerdictDuplicate Verdict = "duplicate"
	VerdictStopped   Verdict = "stopped"
	VerdictCrashed   Verdict = "crashed"
	VerdictBuilder   Verdict = "builder"
)

// Config configures a Reconciler.
type Config struct {
	// StopIntentTTL bounds how long a stop intent survives without a die
	// event. Defaults to 2m.
	StopIntentTTL time.Duration
	// EventTTL is how long a processed event stays claimed so duplicates
	// delivered to other processes are dropped. Defaults to 10m.
	EventTTL time.Duration
	// BuilderImage routes deaths of containers from this image (by prefix)
	// to the build orchestrator, in addition to the builder type label.
	BuilderImage string
	// ReconnectMin and ReconnectMax bound the event-stream reconnect
	// backoff. Default 1s and 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *Config) defaults() {
	if c.StopIntentTTL <= 0 {
		c.StopIntentTTL = 2 * time.Minute
	}
	if c.EventTTL <= 0 {
		c.EventTTL = 10 * time.Minute
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
}

// Reconciler handles die events.
type Reconciler struct {
	locks   lock.Store
	records Records
	builds  Builds
	cfg     Config
	holder  string

	handlersMu sync.RWMutex
	handlers   []Handler

	trackMu sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a Reconciler. builds may be nil when this process runs no
// builds.
func New(locks lock.Store, records Records, builds Builds, cfg Config) *Reconciler {
	cfg.defaults()
	return &Reconciler{
		locks:   locks,
		records: records,
		builds:  builds,
		cfg:     cfg,
		holder:  lock.NewHolder("reconciler"),
	}
}

// OnContainerDied registers h for every processed death.
func (r *Reconciler) OnContainerDied(h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = append(r.handlers, h)
}

func (r *Reconciler) notify(ctx context.Context, d Death) {
	r.handlersMu.RLock()
	hs := append([]Handler(nil), r.handlers...)
	r.handlersMu.RUnlock()
	for _, h := range hs {
		h(ctx, d)
	}
}

// track registers one in-flight handler unless the reconciler is closing.
func (r *Reconciler) track() bool {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	if r.closing {
		return false
	}
	r.wg.Add(1)
	return true
}

// Close stops accepting events and waits for in-flight handlers, or for
// ctx to end.
func (r *Reconciler) Close(ctx context.Context) error {
	r.trackMu.Lock()
	r.closing = true
	r.trackMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconciler: drain: %w", ctx.Err())
	}
}

// Run follows the die events of one daemon until ctx ends or Close is
// called, reconnecting with backoff when the stream drops. Each event is
// handled in its own goroutine.
func (r *Reconciler) Run(ctx context.Context, src EventSource, host string) {
	log := slog.With("host", host)
	log.Info("reconciler: starting")
	// Handlers outlive ctx; Close waits for them.
	hctx := context.WithoutCancel(ctx)
	delay := r.cfg.ReconnectMin
	for {
		if ctx.Err() != nil || r.isClosing() {
			log.Info("reconciler: stopping")
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		evs, errs := src.Events(streamCtx, "die")
		received := 0
		for ev := range evs {
			received++
			if !r.track() {
				break
			}
			go func() {
				defer r.wg.Done()
				if _, err := r.handle(hctx, ev); err != nil {
					log.Warn("reconciler: die event not processed", "container_id", ev.ID, "err", err)
				}
			}()
		}
		cancel()

		select {
		case err := <-errs:
			if err != nil && ctx.Err() == nil {
				log.Warn("reconciler: event stream ended", "err", err, "retry_in", delay)
			}
		default:
		}
		if received > 0 {
			delay = r.cfg.ReconnectMin
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("reconciler: stopping")
			return
		case <-timer.C:
		}
		delay = min(delay*2, r.cfg.ReconnectMax)
	}
}

func (r *Reconciler) isClosing() bool {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	return r.closing
}

func validate(ev dockerd.Event) error {
	var missing []string
	if ev.ID == "" {
		missing = append(missing, "id")
	}
	if ev.Host == "" {
		missing = append(missing, "host")
	}
	if ev.Time.IsZero() {
		missing = append(missing, "time")
	}
	if ev.Image == "" {
		missing = append(missing, "image")
	}
	if len(missing) > 0 {
		return fmt.Errorf("reconciler: invalid die event: missing %s", strings.Join(missing, ", "))
	}
	if ev.Action != "die" {
		return fmt.Errorf("reconciler: unexpected event action %q", ev.Action)
	}
	return nil
}

// isBuilder goes by the event's labels and image first, then by the record
// the orchestrator wrote when it launched the builder.
func (r *Reconciler) isBuilder(ev dockerd.Event, rec *store.Container) bool {
	if ev.Labels["type"] == build.TypeImageBuilder {
		return true
	}
	if r.cfg.BuilderImage != "" && strings.HasPrefix(ev.Image, r.cfg.BuilderImage) {
		return true
	}
	return rec != nil && rec.Kind == store.KindBuilder
}

// record returns the stored container, or nil when drydock has none.
func (r *Reconciler) record(ctx context.Context, log *slog.Logger, id string) *store.Container {
	rec, err := r.records.GetContainer(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("reconciler: failed to read container record", "err", err)
		}
		return nil
	}
	return rec
}

// HandleDie processes one die event and reports how it was classified.
func (r *Reconciler) HandleDie(ctx context.Context, ev dockerd.Event) (Verdict, error) {
	if !r.track() {
		return VerdictIgnored, ErrClosing
	}
	defer r.wg.Done()
	return r.handle(ctx, ev)
}

func (r *Reconciler) handle(ctx context.Context, ev dockerd.Event) (Verdict, error) {
	if err := validate(ev); err != nil {
		return VerdictIgnored, err
	}
	h := ev.Handle()
	log := slog.With("container_id", h.ShortID(), "host", h.Host, "exit_code", ev.ExitCode)

	// The event claim is kept until it expires, so a duplicate delivered
	// later, or to another process, is dropped.
	eventKey := lock.EventKey(h.ID, ev.TimeNano)
	claimed, err := r.locks.Acquire(ctx, eventKey, r.holder, r.cfg.EventTTL)
	if err != nil {
		return VerdictIgnored, err
	}
	if !claimed {
		log.Debug("reconciler: event already handled")
		return VerdictDuplicate, nil
	}

	death := Death{Handle: h, Image: ev.Image, ExitCode: ev.ExitCode, At: ev.Time}
	rec := r.record(ctx, log, h.ID)
	if rec != nil {
		death.InstanceID = rec.InstanceID
	}
	if r.isBuilder(ev, rec) {
		r.handleBuilder(ctx, &death, ev, rec)
		r.notify(ctx, death)
		return VerdictBuilder, nil
	}

	stopKey := lock.StopKey(h.ID)
	crashed, err := r.locks.Acquire(ctx, stopKey, r.holder, r.cfg.StopIntentTTL)
	if err != nil {
		// Let another delivery of this event try again.
		if _, rerr := r.locks.Release(ctx, eventKey, r.holder); rerr != nil {
			log.Warn("reconciler: failed to release event claim", "err", rerr)
		}
		return VerdictIgnored, err
	}

	r.markStopped(ctx, log, h, ev)
	if !crashed {
		by, _, err := r.locks.Held(ctx, stopKey)
		if err != nil {
			log.Debug("reconciler: failed to read stop intent", "err", err)
		}
		if err := r.locks.Break(ctx, stopKey); err != nil {
			log.Warn("reconciler: failed to clear stop intent", "err", err)
		}
		log.Info("reconciler: container stopped", "stopped_by", by)
		r.notify(ctx, death)
		return VerdictStopped, nil
	}

	death.Crashed = true
	if err := r.records.RecordCrash(ctx, h.ID, ev.Time); err != nil {
		log.Warn("reconciler: failed to record crash", "err", err)
	}
	log.Warn("reconciler: container crashed", "image", ev.Image)
	r.notify(ctx, death)
	if _, err := r.locks.Release(ctx, stopKey, r.holder); err != nil {
		log.Warn("reconciler: failed to release stop intent", "err", err)
	}
	return VerdictCrashed, nil
}

func (r *Reconciler) markStopped(ctx context.Context, log *slog.Logger, h dockerd.Handle, ev dockerd.Event) {
	err := r.records.UpdateContainerState(ctx, h.ID, h.Host, store.ContainerState{
		Running:    false,
		Pid:        0,
		ExitCode:   ev.ExitCode,
		FinishedAt: ev.Time,
	})
	if err != nil {
		log.Warn("reconciler: failed to update container state", "err", err)
	}
}

func (r *Reconciler) handleBuilder(ctx context.Context, death *Death, ev dockerd.Event, rec *store.Container) {
	log := slog.With("container_id", death.Handle.ShortID(), "host", death.Handle.Host)
	death.Builder = true
	death.BuildID = ev.Labels["buildId"]
	if death.BuildID == "" && rec != nil {
		death.BuildID = rec.BuildID
	}
	r.markStopped(ctx, log, death.Handle, ev)
	if r.builds == nil {
		return
	}
	out, err := r.builds.Recover(ctx, death.Handle)
	switch {
	case errors.Is(err, build.ErrAlreadyInProgress):
		log.Debug("reconciler: builder exited while its build is streaming")
	case err != nil:
		log.Warn("reconciler: failed to recover build", "err", err)
	}
	if out.BuildID != "" {
		death.BuildID = out.BuildID
	}
}
