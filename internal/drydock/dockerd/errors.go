package dockerd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Error is the single error type returned by every daemon call. Code is an
// HTTP-equivalent status derived by classify; higher layers depend on it and
// must not reclassify daemon failures themselves.
type Error struct {
	// Code is the classified status: 504 when the daemon could not be
	// reached, 502 when it failed internally, otherwise the daemon's status.
	Code        int
	Op          string
	Host        string
	ContainerID string
	Image       string
	Message     string
	Err         error
}

func (e *Error) Error() string {
	target := e.ContainerID
	if target == "" {
		target = e.Image
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if target != "" {
		return fmt.Sprintf("docker %s %s on %s: %d %s", e.Op, target, e.Host, e.Code, msg)
	}
	return fmt.Sprintf("docker %s on %s: %d %s", e.Op, e.Host, e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a raw daemon status to the code drydock reports. A zero
// status means no response was received.
func classify(status int) int {
	switch {
	case status == 0:
		return http.StatusGatewayTimeout
	case status == http.StatusInternalServerError:
		return http.StatusBadGateway
	default:
		return status
	}
}

// ConnectError reports that no client could be set up for host, for
// example because the address does not parse. No daemon was contacted.
func ConnectError(host string, err error) *Error {
	return &Error{
		Code:    http.StatusBadRequest,
		Op:      "connect",
		Host:    host,
		Message: err.Error(),
		Err:     err,
	}
}

// statusKey carries a *statusRecorder in a request context.
type statusKey struct{}

// statusRecorder holds the status of the last response seen for one call.
type statusRecorder struct {
	code atomic.Int32
}

// recordStatus returns ctx with a fresh recorder attached.
func recordStatus(ctx context.Context) (context.Context, *statusRecorder) {
	rec := &statusRecorder{}
	return context.WithValue(ctx, statusKey{}, rec), rec
}

func (r *statusRecorder) status() int {
	if r == nil {
		return 0
	}
	return int(r.code.Load())
}

// recordingTransport stores every response status in the recorder of the
// request's context. The SDK reduces statuses to errdefs classes, which
// loses 418, 429 and 504 among others.
type recordingTransport struct {
	base http.RoundTripper
}

func (t recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		if rec, ok := req.Context().Value(statusKey{}).(*statusRecorder); ok {
			rec.code.Store(int32(resp.StatusCode))
		}
	}
	return resp, err
}

// noResponse reports failures where the daemon never answered: refused or
// dropped connections, DNS, TLS and deadlines.
func noResponse(err error) bool {
	var netErr net.Error
	return dockerclient.IsErrConnectionFailed(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr)
}

// statusOf returns the daemon status behind err, or 0 when no response was
// received. The recorded status wins; errdefs classes are only a fallback
// for calls made without a recorder.
func statusOf(err error, rec *statusRecorder) int {
	if err == nil || noResponse(err) {
		return 0
	}
	if code := rec.status(); code >= 300 {
		return code
	}
	switch {
	case errdefs.IsNotModified(err):
		return http.StatusNotModified
	case errdefs.IsInvalidParameter(err):
		return http.StatusBadRequest
	case errdefs.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errdefs.IsForbidden(err):
		return http.StatusForbidden
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsNotImplemented(err):
		return http.StatusNotImplemented
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsSystem(err), errdefs.IsUnknown(err), errdefs.IsDataLoss(err):
		return http.StatusInternalServerError
	default:
		return 0
	}
}

// StatusCode returns the classified code carried by err, or 0 when err is
// not a daemon error.
func StatusCode(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}

// IsUnreachable reports whether the daemon never answered.
func IsUnreachable(err error) bool {
	return StatusCode(err) == http.StatusGatewayTimeout
}

// IsNotModified reports the daemon's 304, e.g. stopping a stopped container.
func IsNotModified(err error) bool {
	return StatusCode(err) == http.StatusNotModified
}

// IsNotFound reports a 404 from the daemon.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
