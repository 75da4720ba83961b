package dockerd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/docker/docker/errdefs"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		want   int
	}{
		{0, http.StatusGatewayTimeout},
		{http.StatusInternalServerError, http.StatusBadGateway},
		{http.StatusNotModified, http.StatusNotModified},
		{http.StatusNotFound, http.StatusNotFound},
		{http.StatusConflict, http.StatusConflict},
		{http.StatusBadRequest, http.StatusBadRequest},
		{http.StatusServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if got := classify(tc.status); got != tc.want {
			t.Errorf("classify(%d) = %d, want %d", tc.status, got, tc.want)
		}
	}
}

func TestStatusOf(t *testing.T) {
	base := errors.New("boom")
	recorded := func(code int) *statusRecorder {
		rec := &statusRecorder{}
		rec.code.Store(int32(code))
		return rec
	}
	cases := []struct {
		name string
		err  error
		rec  *statusRecorder
		want int
	}{
		{"not found", errdefs.NotFound(base), nil, http.StatusNotFound},
		{"conflict", errdefs.Conflict(base), nil, http.StatusConflict},
		{"not modified", errdefs.NotModified(base), nil, http.StatusNotModified},
		{"system", errdefs.System(base), nil, http.StatusInternalServerError},
		{"unavailable", errdefs.Unavailable(base), nil, http.StatusServiceUnavailable},
		{"invalid", errdefs.InvalidParameter(base), nil, http.StatusBadRequest},
		{"plain", base, nil, 0},
		{"deadline", context.DeadlineExceeded, nil, 0},
		{"wrapped", fmt.Errorf("outer: %w", errdefs.NotFound(base)), nil, http.StatusNotFound},
		{"recorded teapot", errdefs.InvalidParameter(base), recorded(http.StatusTeapot), http.StatusTeapot},
		{"recorded 429", errdefs.InvalidParameter(base), recorded(http.StatusTooManyRequests), http.StatusTooManyRequests},
		{"recorded 504", errdefs.System(base), recorded(http.StatusGatewayTimeout), http.StatusGatewayTimeout},
		{"recorded success", base, recorded(http.StatusOK), 0},
		{"refused", errdefs.System(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}), nil, 0},
		{"deadline after response", fmt.Errorf("read: %w", context.DeadlineExceeded), recorded(http.StatusOK), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusOf(tc.err, tc.rec); got != tc.want {
				t.Errorf("statusOf = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	err := fmt.Errorf("stop: %w", &Error{Code: http.StatusNotModified, Op: "stop", Host: "h:1", ContainerID: "abc"})
	if !IsNotModified(err) {
		t.Error("IsNotModified = false through wrapping")
	}
	if IsUnreachable(err) || IsNotFound(err) {
		t.Error("unexpected classification")
	}
	if StatusCode(errors.New("other")) != 0 {
		t.Error("StatusCode of a foreign error should be 0")
	}
	if got := err.Error(); got != "stop: docker stop abc on h:1: 304 " {
		t.Errorf("Error() = %q", got)
	}
}
