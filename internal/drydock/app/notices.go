package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/drydock/common/redact"

	"github.com/bdobrica/drydock/internal/drydock/audit"
	"github.com/bdobrica/drydock/internal/drydock/logtail"
	"github.com/bdobrica/drydock/internal/drydock/reconciler"
)

// onBuildFinished runs on the build path, so the notice is sent in the
// background.
func (a *App) onBuildFinished(buildID string, t logtail.Terminal) {
	evt := buildEvent(buildID, t, a.cfg.Builder.AWSAccessKey, a.cfg.Builder.AWSSecretKey)
	a.notices.Add(1)
	go func() {
		defer a.notices.Done()
		a.notifier.Notify(context.Background(), evt)
	}()
}

// onContainerDied reports user container deaths. Builder deaths surface as
// build notices instead.
func (a *App) onContainerDied(ctx context.Context, d reconciler.Death) {
	if d.Builder {
		return
	}
	a.notifier.Notify(ctx, deathEvent(d))
}

// buildEvent describes a finished build. Failures quote the last log line
// with the builder's credentials masked.
func buildEvent(buildID string, t logtail.Terminal, secrets ...string) audit.Event {
	if t.Success {
		return audit.Event{
			Kind:    audit.KindBuildSucceeded,
			Target:  "build " + buildID,
			Message: "built image " + shortImage(t.ImageID),
		}
	}
	msg := "build failed"
	if last := lastLine(t.Log); last != "" {
		msg += ": " + redact.String(last, secrets...)
	}
	return audit.Event{
		Kind:    audit.KindBuildFailed,
		Target:  "build " + buildID,
		Message: msg,
	}
}

func lastLine(log string) string {
	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func deathEvent(d reconciler.Death) audit.Event {
	evt := audit.Event{
		Kind:      audit.KindContainerStopped,
		Target:    "container " + d.Handle.ShortID(),
		Host:      d.Handle.Host,
		Message:   fmt.Sprintf("stopped (exit code %d)", d.ExitCode),
		Timestamp: d.At,
	}
	if d.InstanceID != "" {
		evt.Target = fmt.Sprintf("instance %s (container %s)", d.InstanceID, d.Handle.ShortID())
	}
	if d.Crashed {
		evt.Kind = audit.KindContainerCrashed
		evt.Message = fmt.Sprintf("crashed with exit code %d", d.ExitCode)
		if d.Image != "" {
			evt.Message += " (image " + d.Image + ")"
		}
	}
	return evt
}

func shortImage(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
