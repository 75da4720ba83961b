package dockerd

import (
	"crypto/tls"
	"errors"
	"sync"
	"time"
)

// Pool hands out one Client per daemon address. Containers remember the
// address of the daemon that created them (Handle.Host), so every call on a
// container is routed back through the Pool.
type Pool struct {
	tls     *tls.Config
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty pool. Every client it creates shares tlsCfg and
// timeout.
func NewPool(tlsCfg *tls.Config, timeout time.Duration) *Pool {
	return &Pool{tls: tlsCfg, timeout: timeout, clients: make(map[string]*Client)}
}

// Get returns the client for addr, creating it on first use. addr is any
// form ParseEndpoint accepts; clients are keyed by the normalized host:port.
func (p *Pool) Get(addr string) (*Client, error) {
	ep, err := ParseEndpoint(addr, p.tls, p.timeout)
	if err != nil {
		return nil, ConnectError(addr, err)
	}
	key := ep.Address()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := New(ep)
	if err != nil {
		return nil, ConnectError(key, err)
	}
	p.clients[key] = c
	return c, nil
}

// Hosts returns the addresses of every client created so far.
func (p *Pool) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]string, 0, len(p.clients))
	for h := range p.clients {
		hosts = append(hosts, h)
	}
	return hosts
}

// Close closes every client in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, key)
	}
	return errors.Join(errs...)
}
