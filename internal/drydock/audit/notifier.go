// Package audit mirrors build and container terminal events to operators.
//
// When a Matrix room is configured, drydock posts one short notice per
// finished build and per container death. Without a room, events go to the
// process log only.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/drydock/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindBuildSucceeded   Kind = "build.succeeded"
	KindBuildFailed      Kind = "build.failed"
	KindContainerCrashed Kind = "container.crashed"
	KindContainerStopped Kind = "container.stopped"
	KindError            Kind = "error"
)

// Event is what a notifier formats and sends.
type Event struct {
	Kind Kind
	// Target is the build or container the event is about.
	Target string
	// Host is the docker host involved, when known.
	Host    string
	Message string
	// TraceID defaults to the one carried by the context.
	TraceID   string
	Timestamp time.Time
}

// Notifier delivers audit events. Delivery failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the part of the Matrix client MatrixNotifier needs.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// DefaultSendTimeout bounds a single room post.
const DefaultSendTimeout = 5 * time.Second

// MatrixNotifier posts formatted notices to a Matrix room.
type MatrixNotifier struct {
	sender  Sender
	roomID  string
	timeout time.Duration
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID, timeout: DefaultSendTimeout}
}

// Notify posts evt to the room, waiting at most the send timeout.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	msg := Format(ctx, evt)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.sender.SendNotice(sctx, n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "target", evt.Target, "err", err)
		return
	}
	slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// LogNotifier writes events to the default slog logger.
type LogNotifier struct{}

// Notify logs evt at INFO, or WARN for crashes and errors.
func (LogNotifier) Notify(ctx context.Context, evt Event) {
	level := slog.LevelInfo
	if evt.Kind == KindContainerCrashed || evt.Kind == KindError || evt.Kind == KindBuildFailed {
		level = slog.LevelWarn
	}
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	slog.Log(ctx, level, "audit: "+evt.Message,
		"kind", evt.Kind, "target", evt.Target, "host", evt.Host, "trace_id", tid)
}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

// Notify calls each notifier.
func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		n.Notify(ctx, evt)
	}
}

// Noop discards events.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// Format renders evt as a single notice.
func Format(ctx context.Context, evt Event) string {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	msg := fmt.Sprintf("%s [%s] %s", kindIcon(evt.Kind), evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s: %s", kindIcon(evt.Kind), evt.Target, evt.Message)
	}
	if evt.Host != "" {
		msg += "\n  host: " + evt.Host
	}
	if tid != "" {
		msg += "\n  trace: " + tid
	}
	msg += "\n  at: " + evt.Timestamp.UTC().Format(time.RFC3339)
	return msg
}

func kindIcon(k Kind) string {
	switch k {
	case KindBuildSucceeded:
		return "✅"
	case KindBuildFailed:
		return "❌"
	case KindContainerCrashed:
		return "💥"
	case KindContainerStopped:
		return "⏹️"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
