package dockerd

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// ContainerSpec describes a container to create. The adapter copies every
// slice and map it forwards, so a spec is never mutated after submission.
type ContainerSpec struct {
	// Name is the optional container name.
	Name string
	// Image is the image reference (tag or id).
	Image string
	Cmd   []string
	// Env holds KEY=VALUE entries in order. Duplicates are kept; the daemon
	// applies the last one.
	Env    []string
	Labels map[string]string
	// Binds are host:container[:mode] bind mounts.
	Binds           []string
	Memory          int64
	CPUShares       int64
	Privileged      bool
	PublishAllPorts bool
	// DNS resolver addresses, in priority order.
	DNS         []string
	NetworkMode string
}

func (s ContainerSpec) clone() ContainerSpec {
	s.Cmd = slices.Clone(s.Cmd)
	s.Env = slices.Clone(s.Env)
	s.Labels = maps.Clone(s.Labels)
	s.Binds = slices.Clone(s.Binds)
	s.DNS = slices.Clone(s.DNS)
	return s
}

// Handle identifies a container on a specific daemon.
type Handle struct {
	// ID is the container id, always lower case.
	ID string
	// Host is the daemon address (host:port) that owns the container.
	Host string
}

// NewHandle builds a Handle with a normalized container id. Daemons are not
// consistent about the case of ids in their responses; every comparison in
// drydock uses the normalized form.
func NewHandle(id, host string) Handle {
	return Handle{ID: NormalizeID(id), Host: host}
}

// NormalizeID returns the canonical form of a container id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ShortID returns the 12-character prefix used in logs.
func (h Handle) ShortID() string {
	if len(h.ID) > 12 {
		return h.ID[:12]
	}
	return h.ID
}

// State is the subset of an inspect response drydock stores and acts on.
type State struct {
	ID         string
	Name       string
	Image      string
	Running    bool
	Pid        int
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Labels     map[string]string
	// DNS and PublishAllPorts echo the container's host configuration.
	DNS             []string
	PublishAllPorts bool
	// Ports maps "8080/tcp" to the host ports it is published on.
	Ports map[string][]string
}

// LogOptions selects which log output to read.
type LogOptions struct {
	Follow     bool
	Timestamps bool
	// Tail limits output to the last N lines; empty means all.
	Tail string
}

// RemoveOptions controls container removal.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// Event is a container lifecycle notification from a daemon's event feed.
type Event struct {
	// ID is the normalized container id.
	ID     string
	Action string
	// Image is the image the container was created from.
	Image string
	// Host is the daemon the event came from.
	Host     string
	Time     time.Time
	TimeNano int64
	ExitCode int
	// Labels are the container labels the daemon attaches to the event.
	Labels map[string]string
}

// Handle returns the container handle the event refers to.
func (e Event) Handle() Handle {
	return NewHandle(e.ID, e.Host)
}
