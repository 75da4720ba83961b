package dockerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/bdobrica/drydock/common/version"
)

// Client is a handle to a single daemon endpoint. Every call opens its own
// HTTP exchange; a Client holds no lock across calls and may be shared.
type Client struct {
	endpoint   Endpoint
	api        *dockerclient.Client
	http       *http.Client
	negotiated atomic.Bool
}

// New creates a Client for ep.
func New(ep Endpoint) (*Client, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     ep.tls,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{Transport: recordingTransport{base: transport}}

	api, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHTTPClient(httpClient),
		dockerclient.WithHost("tcp://"+ep.Address()),
		dockerclient.WithScheme(ep.Scheme()),
		dockerclient.WithHTTPHeaders(map[string]string{"User-Agent": version.UserAgent()}),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client for %s: %w", ep.Address(), err)
	}
	return &Client{endpoint: ep, api: api, http: httpClient}, nil
}

// Endpoint returns the endpoint this client talks to.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// Host returns the daemon address (host:port).
func (c *Client) Host() string { return c.endpoint.Address() }

// Close releases idle connections.
func (c *Client) Close() error { return c.api.Close() }

// callCtx bounds a non-streaming call by the endpoint timeout unless the
// caller already set a deadline, and attaches a status recorder.
func (c *Client) callCtx(ctx context.Context) (context.Context, *statusRecorder, context.CancelFunc) {
	ctx, rec := recordStatus(ctx)
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, c.endpoint.timeout)
	}
	return ctx, rec, cancel
}

func (c *Client) wrap(op, containerID, img string, err error, rec *statusRecorder) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:        classify(statusOf(err, rec)),
		Op:          op,
		Host:        c.endpoint.Address(),
		ContainerID: containerID,
		Image:       img,
		Message:     err.Error(),
		Err:         err,
	}
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, rec, cancel := c.callCtx(ctx)
	defer cancel()
	_, err := c.api.Ping(ctx)
	return c.wrap("ping", "", "", err, rec)
}

// Create creates (but does not start) a container.
func (c *Client) Create(ctx context.Context, spec ContainerSpec) (Handle, error) {
	spec = spec.clone()
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Binds:           spec.Binds,
		Privileged:      spec.Privileged,
		PublishAllPorts: spec.PublishAllPorts,
		DNS:             spec.DNS,
		NetworkMode:     container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			Memory:    spec.Memory,
			CPUShares: spec.CPUShares,
		},
	}

	ctx, rec, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return Handle{}, c.wrap("create", "", spec.Image, err, rec)
	}
	return NewHandle(resp.ID, c.endpoint.Address()), nil
}

// Start starts a created or stopped container.
func (c *Client) Start(ctx context.Context, h Handle) error {
	ctx, rec, cancel := c.callCtx(ctx)
	defer cancel()
	return c.wrap("start", h.ID, "", c.api.ContainerStart(ctx, h.ID, container.StartOptions{}), rec)
}

// Stop asks the daemon to stop a container, killing it after timeout.
// A container that is already stopped yields an *Error with Code 304.
func (c *Client) Stop(ctx context.Context, h Handle, timeout time.Duration) error {
	ctx, _, cancel := c.callCtx(ctx)
	defer cancel()

	// The SDK folds 304 into success, so the request goes out on the same
	// transport by hand to keep the daemon's status.
	q := url.Values{}
	q.Set("t", strconv.Itoa(int(timeout/time.Second)))
	u := fmt.Sprintf("%s/v%s/containers/%s/stop?%s",
		c.endpoint.URL(), c.apiVersion(ctx), url.PathEscape(h.ID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return c.wrap("stop", h.ID, "", err, nil)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrap("stop", h.ID, "", err, nil)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return c.statusError("stop", h.ID, resp)
}

// apiVersion negotiates the API version with the daemon once, then returns
// the version the SDK settled on.
func (c *Client) apiVersion(ctx context.Context) string {
	if !c.negotiated.Load() {
		if ping, err := c.api.Ping(ctx); err == nil {
			c.api.NegotiateAPIVersionPing(ping)
			c.negotiated.Store(true)
		}
	}
	return c.api.ClientVersion()
}

func (c *Client) statusError(op, containerID string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := strings.TrimSpace(string(body))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		message = payload.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &Error{
		Code:        classify(resp.StatusCode),
		Op:          op,
		Host:        c.endpoint.Address(),
		ContainerID: containerID,
		Message:     message,
	}
}

// Restart stops and starts a container.
func (c *Client) Restart(ctx context.Context, h Handle, timeout time.Duration) error {
	ctx, rec, cancel := c.callCtx(ctx)
	defer cancel()
	secs := int(timeout / time.Second)
	return c.wrap("restart", h.ID, "", c.api.ContainerRestart(ctx, h.ID, container.StopOptions{Timeout: &secs}), rec)
}

// Remove deletes a container.
func (c *Client) Remove(ctx context.Context, h Handle, opts RemoveOptions) error {
	ctx, rec, cancel := c.callCtx(ctx)
	defer cancel()
	err := c.api.ContainerRemove(ctx, h.ID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	return c.wrap("remove", h.ID, "", err, rec)
}

// Inspect returns the container's current state.
func (c *Client) Inspect(ctx context.Context, h Handle) (State, error) {
	ctx, rec, cancel := c.callCtx(ctx)
	defer cancel()
	j, err := c.api.ContainerInspect(ctx, h.ID)
	if err != nil {
		return State{}, c.wrap("inspect", h.ID, "", err, rec)
	}
	return stateFromInspect(j), nil
}

func stateFromInspect(j types.ContainerJSON) State {
	var s State
	if j.ContainerJSONBase != nil {
		s.ID = NormalizeID(j.ID)
		s.Name = strings.TrimPrefix(j.Name, "/")
		if st := j.State; st != nil {
			s.Running = st.Running
			s.Pid = st.Pid
			s.ExitCode = st.ExitCode
			s.Error = st.Error
			s.StartedAt, _ = time.Parse(time.RFC3339Nano, st.StartedAt)
			s.FinishedAt, _ = time.Parse(time.RFC3339Nano, st.FinishedAt)
		}
		if hc := j.HostConfig; hc != nil {
			s.DNS = hc.DNS
			s.PublishAllPorts = hc.PublishAllPorts
		}
	}
	if j.Config != nil {
		s.Image = j.Config.Image
		s.Labels = j.Config.Labels
	}
	if j.NetworkSettings != nil && len(j.NetworkSettings.Ports) > 0 {
		s.Ports = make(map[string][]string, len(j.NetworkSettings.Ports))
		for port, bindings := range j.NetworkSettings.Ports {
			for _, b := range bindings {
				s.Ports[string(port)] = append(s.Ports[string(port)], b.HostPort)
			}
		}
	}
	return s
}

// Logs opens the container's combined stdout/stderr log. The stream is
// framed unless the container has a TTY. Streams are bounded only by ctx,
// never by the endpoint timeout.
func (c *Client) Logs(ctx context.Context, h Handle, opts LogOptions) (io.ReadCloser, error) {
	ctx, rec := recordStatus(ctx)
	rc, err := c.api.ContainerLogs(ctx, h.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
		Tail:       opts.Tail,
	})
	if err != nil {
		return nil, c.wrap("logs", h.ID, "", err, rec)
	}
	return rc, nil
}

// PullImage pulls ref and waits for the daemon to finish. Errors reported
// inside the progress stream (registry failures) surface as 502.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	ctx, rec := recordStatus(ctx)
	rc, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return c.wrap("pull", "", ref, err, rec)
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return &Error{
				Code:    http.StatusBadGateway,
				Op:      "pull",
				Host:    c.endpoint.Address(),
				Image:   ref,
				Message: jerr.Message,
				Err:     err,
			}
		}
		return c.wrap("pull", "", ref, err, nil)
	}
	return nil
}

// Events subscribes to container events with the given actions (for
// example "die"). The event channel closes when the subscription ends; the
// error channel then carries the reason unless ctx was cancelled.
func (c *Client) Events(ctx context.Context, actions ...string) (<-chan Event, <-chan error) {
	args := filters.NewArgs(filters.Arg("type", string(events.ContainerEventType)))
	for _, a := range actions {
		args.Add("event", a)
	}
	ctx, rec := recordStatus(ctx)
	msgs, errs := c.api.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan Event)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if ctx.Err() != nil {
					return
				}
				if err == nil {
					err = io.EOF
				}
				outErr <- c.wrap("events", "", "", err, rec)
				return
			case m := <-msgs:
				select {
				case out <- c.toEvent(m):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErr
}

// attributes docker adds to every container event that are not labels.
var eventAttributes = map[string]bool{
	"image":        true,
	"name":         true,
	"exitCode":     true,
	"execDuration": true,
	"signal":       true,
}

func (c *Client) toEvent(m events.Message) Event {
	ev := Event{
		ID:       NormalizeID(m.Actor.ID),
		Action:   string(m.Action),
		Image:    m.Actor.Attributes["image"],
		Host:     c.endpoint.Address(),
		TimeNano: m.TimeNano,
	}
	if m.TimeNano != 0 {
		ev.Time = time.Unix(0, m.TimeNano)
	} else if m.Time != 0 {
		ev.Time = time.Unix(m.Time, 0)
		ev.TimeNano = ev.Time.UnixNano()
	}
	if code, err := strconv.Atoi(m.Actor.Attributes["exitCode"]); err == nil {
		ev.ExitCode = code
	}
	for k, v := range m.Actor.Attributes {
		if eventAttributes[k] {
			continue
		}
		if ev.Labels == nil {
			ev.Labels = make(map[string]string)
		}
		ev.Labels[k] = v
	}
	return ev
}
