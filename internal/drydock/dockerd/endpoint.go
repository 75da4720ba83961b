// Package dockerd is a thin, host-addressed adapter over the Docker Engine API.
//
// Each Client talks to exactly one daemon endpoint and normalizes every
// failure into *Error, so the layers above share one classification of
// "unreachable", "upstream fault" and daemon status codes.
package dockerd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/tlsconfig"
)

const (
	// DefaultPort is used when an address carries no port.
	DefaultPort = 4242
	// DefaultTimeout bounds non-streaming calls when the caller's context
	// has no deadline of its own.
	DefaultTimeout = 30 * time.Second
)

// Endpoint is the immutable address of one daemon. It is safe to share
// between goroutines; nothing about it changes after construction.
type Endpoint struct {
	host    string
	port    int
	tls     *tls.Config
	timeout time.Duration
}

// NewEndpoint builds an endpoint. A nil tlsCfg means plain HTTP; a zero
// timeout means DefaultTimeout.
func NewEndpoint(host string, port int, tlsCfg *tls.Config, timeout time.Duration) Endpoint {
	if port == 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Endpoint{host: host, port: port, tls: tlsCfg, timeout: timeout}
}

// ParseEndpoint accepts "host", "host:port" or a URL with an http, https or
// tcp scheme.
func ParseEndpoint(addr string, tlsCfg *tls.Config, timeout time.Duration) (Endpoint, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Endpoint{}, errors.New("dockerd: empty daemon address")
	}
	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("dockerd: parse daemon address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http", "https", "tcp":
	default:
		return Endpoint{}, fmt.Errorf("dockerd: unsupported scheme %q in %q", u.Scheme, addr)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("dockerd: no host in %q", addr)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("dockerd: bad port in %q: %w", addr, err)
		}
	}
	return NewEndpoint(host, port, tlsCfg, timeout), nil
}

// Host returns the daemon hostname or IP.
func (e Endpoint) Host() string { return e.host }

// Port returns the daemon port.
func (e Endpoint) Port() int { return e.port }

// Timeout returns the per-call timeout.
func (e Endpoint) Timeout() time.Duration { return e.timeout }

// TLS reports whether mutual TLS is configured.
func (e Endpoint) TLS() bool { return e.tls != nil }

// Address returns "host:port"; it is the key containers use to name their
// daemon.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// Scheme returns "https" when TLS is configured and "http" otherwise.
func (e Endpoint) Scheme() string {
	if e.tls != nil {
		return "https"
	}
	return "http"
}

// URL returns scheme://host:port.
func (e Endpoint) URL() string {
	return e.Scheme() + "://" + e.Address()
}

// LoadTLS loads the mutual-TLS bundle shared by every daemon connection.
// Call it once at process start and pass the result to every Endpoint.
// When any of the three paths is empty or names a missing file, TLS is
// disabled entirely and (nil, nil) is returned.
func LoadTLS(caPath, certPath, keyPath string) (*tls.Config, error) {
	paths := []string{caPath, certPath, keyPath}
	for _, p := range paths {
		if p == "" {
			return nil, nil
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Warn("dockerd: TLS file missing, daemon connections will not use TLS", "path", p)
				return nil, nil
			}
			return nil, fmt.Errorf("dockerd: stat %s: %w", p, err)
		}
	}
	cfg, err := tlsconfig.Client(tlsconfig.Options{
		CAFile:   caPath,
		CertFile: certPath,
		KeyFile:  keyPath,
	})
	if err != nil {
		return nil, fmt.Errorf("dockerd: load TLS bundle: %w", err)
	}
	return cfg, nil
}
