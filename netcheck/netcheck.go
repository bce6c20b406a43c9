// Package netcheck reports whether the content server is reachable and when
// that changes.
package netcheck

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Checker struct {
	address string
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// New builds a checker that dials the host of rawURL.
func New(rawURL string) *Checker {
	return &Checker{
		address: hostPort(rawURL),
		timeout: 3 * time.Second,
		dial:    (&net.Dialer{}).DialContext,
	}
}

func hostPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443")
	default:
		return net.JoinHostPort(u.Hostname(), "80")
	}
}

func (c *Checker) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dial(ctx, "tcp", c.address)
	if err != nil {
		log.WithField("module", "netcheck").Tracef("network check failed: %v", err)
		return false
	}
	conn.Close()
	return true
}

type State string

const (
	StateAvailable State = "available"
	StateLost      State = "lost"
)

// Monitor polls a probe and publishes state transitions.
type Monitor struct {
	probe    func(context.Context) bool
	interval time.Duration
	changes  chan State

	mu    sync.RWMutex
	state State
}

func NewMonitor(probe func(context.Context) bool, interval time.Duration) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		changes:  make(chan State, 10),
	}
}

func (m *Monitor) Changes() <-chan State {
	return m.changes
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateAvailable
}

// Run polls until ctx is done. The first observation is recorded without
// being published.
func (m *Monitor) Run(ctx context.Context) {
	logger := log.WithField("module", "netcheck")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	first := true
	for {
		next := StateLost
		if m.probe(ctx) {
			next = StateAvailable
		}

		m.mu.Lock()
		changed := m.state != next
		m.state = next
		m.mu.Unlock()

		if changed && !first {
			logger.Infof("network %s", next)
			select {
			case m.changes <- next:
			default:
				logger.Warn("network change dropped, listener is behind")
			}
		}
		first = false

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
