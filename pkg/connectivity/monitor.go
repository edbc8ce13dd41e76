// Package connectivity tracks whether the target systems are reachable and
// notifies listeners when the network comes back.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zoff-tech/go-syncengine/pkg/config"
)

// Probe checks reachability once. A nil error means reachable.
type Probe func(ctx context.Context) error

// Monitor holds the current reachability state. Transitions come from the
// periodic probe or from SetOnline.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	online    bool
	listeners []func()
}

// NewMonitor creates a monitor that starts out online. A nil probe leaves
// the state to SetOnline alone.
func NewMonitor(probe Probe, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		online:   true,
	}
}

// NewMonitorFromSettings wires an HTTP probe when a probe URL is configured.
func NewMonitorFromSettings(cfg config.ConnectivitySettings) *Monitor {
	var probe Probe
	if cfg.ProbeURL != "" {
		probe = HTTPProbe(http.DefaultClient, cfg.ProbeURL)
	}
	return NewMonitor(probe, cfg.ProbeInterval, cfg.ProbeTimeout)
}

// OnReconnect registers fn to be called on every offline to online
// transition.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the reachability state. Listeners run on the caller's
// goroutine, outside the lock, and only when the state flips to online.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var listeners []func()
	if online {
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	if !online {
		log.Printf("Connectivity lost")
		return
	}
	log.Printf("Connectivity restored, notifying %d listener(s)", len(listeners))
	for _, fn := range listeners {
		fn()
	}
}

// Check runs the probe once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		return m.Online()
	}
	probeCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	err := m.probe(probeCtx)
	if err != nil && m.Online() {
		log.Printf("Connectivity probe failed: %v", err)
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes on every interval until ctx is cancelled. Without a probe it
// only waits for cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	if m.probe == nil || m.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// HTTPProbe issues a HEAD request to url. Any response below 500 counts as
// reachable.
func HTTPProbe(client *http.Client, url string) Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// DialProbe opens and closes a TCP connection to address.
func DialProbe(address string) Probe {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
