package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/drydock/internal/drydock/dockerd"
	"github.com/bdobrica/drydock/internal/drydock/lifecycle"
)

// fakeDaemon records every call and answers from its fields.
type fakeDaemon struct {
	host string

	mu        sync.Mutex
	calls     []string
	created   []dockerd.ContainerSpec
	stopErr   map[string]error
	removeErr map[string]error
	inspect   func(attempt int) (dockerd.State, error)
	inspects  int
	logs      string
}

func newFakeDaemon(host string) *fakeDaemon {
	return &fakeDaemon{host: host, stopErr: map[string]error{}, removeErr: map[string]error{}}
}

func (f *fakeDaemon) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDaemon) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDaemon) Host() string { return f.host }

func (f *fakeDaemon) Create(_ context.Context, spec dockerd.ContainerSpec) (dockerd.Handle, error) {
	f.record("create")
	f.mu.Lock()
	f.created = append(f.created, spec)
	f.mu.Unlock()
	return dockerd.NewHandle("C0FFEE"+strings.ToUpper(spec.Name), f.host), nil
}

func (f *fakeDaemon) Start(_ context.Context, h dockerd.Handle) error {
	f.record("start " + h.ID)
	return nil
}

func (f *fakeDaemon) Stop(_ context.Context, h dockerd.Handle, _ time.Duration) error {
	f.record("stop " + h.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopErr[h.ID]
}

func (f *fakeDaemon) Restart(_ context.Context, h dockerd.Handle, _ time.Duration) error {
	f.record("restart " + h.ID)
	return nil
}

func (f *fakeDaemon) Remove(_ context.Context, h dockerd.Handle, _ dockerd.RemoveOptions) error {
	f.record("remove " + h.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeErr[h.ID]
}

func (f *fakeDaemon) Inspect(_ context.Context, h dockerd.Handle) (dockerd.State, error) {
	f.record("inspect " + h.ID)
	f.mu.Lock()
	f.inspects++
	n := f.inspects
	fn := f.inspect
	f.mu.Unlock()
	if fn == nil {
		return dockerd.State{ID: h.ID, Running: true}, nil
	}
	return fn(n)
}

func (f *fakeDaemon) Logs(_ context.Context, h dockerd.Handle, _ dockerd.LogOptions) (io.ReadCloser, error) {
	f.record("logs " + h.ID)
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeDaemon) PullImage(_ context.Context, ref string) error {
	f.record("pull " + ref)
	return nil
}

// fleet dials fake daemons by host.
type fleet map[string]*fakeDaemon

func (fl fleet) dial(host string) (lifecycle.Daemon, error) {
	d, ok := fl[host]
	if !ok {
		return nil, dockerd.ConnectError(host, errors.New("unknown host"))
	}
	return d, nil
}

func (fl fleet) totalCalls() int {
	n := 0
	for _, d := range fl {
		n += len(d.Calls())
	}
	return n
}

func daemonErr(code int) error {
	return &dockerd.Error{Code: code, Op: "test", Message: http.StatusText(code)}
}
