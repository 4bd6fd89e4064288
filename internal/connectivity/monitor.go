// Package connectivity tracks whether the backend is reachable and tells
// subscribers when that changes.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"silvenger/internal/constants"

	"github.com/sirupsen/logrus"
)

// Probe reports whether the backend can currently be reached.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger

	mu        sync.RWMutex
	online    bool
	listeners map[int]func(online bool)
	nextID    int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor samples the probe once so IsOnline is meaningful immediately.
// A nil probe starts the monitor online and leaves it to SetOnline.
func NewMonitor(ctx context.Context, probe Probe, interval, timeout time.Duration, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if interval <= 0 {
		interval = constants.DefaultConnectivityProbeSec * time.Second
	}
	if timeout <= 0 {
		timeout = constants.DefaultConnectivityTimeoutSec * time.Second
	}

	m := &Monitor{
		probe:     probe,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
		online:    true,
		listeners: make(map[int]func(bool)),
	}
	if probe != nil {
		m.online = m.check(ctx)
	}
	return m
}

// IsOnline returns the last known reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers fn for online/offline transitions.
func (m *Monitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline applies an externally observed state. Listeners only fire on a transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.WithField("online", online).Info("Connectivity changed")
	for _, fn := range listeners {
		fn(online)
	}
}

// Start polls the probe until Stop is called or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.SetOnline(m.check(ctx))
			}
		}
	}()
}

// Stop ends polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (m *Monitor) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.probe.Check(ctx); err != nil {
		m.logger.WithError(err).Debug("Connectivity probe failed")
		return false
	}
	return true
}

// HTTPProbe treats any 2xx answer from URL as online.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProbe) Check(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// StatusError is returned by HTTPProbe for a non-2xx answer.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "probe returned status " + http.StatusText(e.StatusCode)
}
