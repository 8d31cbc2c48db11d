// Package connectivity tracks the single online/offline signal consumed by
// the dispatch gateway and the sync engine. Platform-reported transitions and
// periodic reachability probes feed one debounced state machine, so a flapping
// link produces exactly one transition event once it stabilizes.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rxops/pharmsync/logging"
)

// Prober checks whether the API host is actually reachable. A nil error means
// reachable. An OS-level "network up" signal alone is not trusted.
type Prober func(ctx context.Context) error

// HTTPProber probes a URL with a lightweight GET request. Any response,
// including an error status, proves the host is reachable.
func HTTPProber(url string, client *http.Client) Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

// Options configures a Monitor.
type Options struct {
	// Prober performs the reachability check. Required for Start; SetOnline
	// still works without one.
	Prober Prober

	// ProbeInterval is how often the prober runs. Default 15s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe. Default 5s.
	ProbeTimeout time.Duration

	// StabilityWindow is how long a new state must hold before the monitor
	// commits the transition. Default 3s.
	StabilityWindow time.Duration

	// InitialOnline is the state before the first observation. Default true.
	InitialOnline *bool

	// Logger is optional.
	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 15 * time.Second
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.StabilityWindow == 0 {
		o.StabilityWindow = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent(logging.Component("connectivity"))
	}
}

// Monitor produces the online/offline signal. Multiple listeners may
// subscribe; each stable transition is delivered exactly once per listener.
type Monitor struct {
	prober          Prober
	probeInterval   time.Duration
	probeTimeout    time.Duration
	stabilityWindow time.Duration
	logger          *logging.Logger

	mu             sync.Mutex
	online         bool
	candidate      bool
	candidateSince time.Time
	hasCandidate   bool
	commitTimer    *time.Timer
	subscribers    map[int]func(online bool)
	nextSubID      int
	stop           chan struct{}
	started        bool

	now func() time.Time
}

// NewMonitor creates a Monitor. Call Start to begin probing; SetOnline can be
// fed from platform connectivity events at any time.
func NewMonitor(opts Options) *Monitor {
	opts.setDefaults()

	online := true
	if opts.InitialOnline != nil {
		online = *opts.InitialOnline
	}

	return &Monitor{
		prober:          opts.Prober,
		probeInterval:   opts.ProbeInterval,
		probeTimeout:    opts.ProbeTimeout,
		stabilityWindow: opts.StabilityWindow,
		logger:          opts.Logger,
		online:          online,
		subscribers:     make(map[int]func(bool)),
		now:             time.Now,
	}
}

// Online returns the current debounced state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener for stable transitions. The returned cancel
// function removes it.
func (m *Monitor) Subscribe(handler func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// SetOnline feeds a platform connectivity event into the debounce state
// machine. It is subject to the same stability window as probe results.
func (m *Monitor) SetOnline(online bool) {
	m.observe(online)
}

// Start launches the probe loop. It returns immediately; probing stops when
// ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.prober == nil {
		m.mu.Unlock()
		return
	}
	m.started = true
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()

		m.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
		m.started = false
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober(probeCtx)
	if err != nil && ctx.Err() != nil {
		return // shutting down, not a reachability verdict
	}
	m.observe(err == nil)
}

// observe runs the debounce state machine. A transition commits only after
// the candidate state has held for the stability window.
func (m *Monitor) observe(state bool) {
	m.mu.Lock()

	if state == m.online {
		m.clearCandidateLocked()
		m.mu.Unlock()
		return
	}

	now := m.now()
	if !m.hasCandidate || m.candidate != state {
		m.candidate = state
		m.candidateSince = now
		m.hasCandidate = true
		if m.stabilityWindow > 0 {
			// The candidate must commit even if no further observation ever
			// arrives, so arm a timer for the end of the window.
			m.armCommitTimerLocked(m.stabilityWindow)
			m.mu.Unlock()
			return
		}
	}

	if m.stabilityWindow > 0 && now.Sub(m.candidateSince) < m.stabilityWindow {
		m.mu.Unlock()
		return
	}

	m.commitLocked(state)
}

// windowElapsed fires when the stability window passes with no further
// observations. A candidate that still stands commits.
func (m *Monitor) windowElapsed() {
	m.mu.Lock()
	if !m.hasCandidate {
		m.mu.Unlock()
		return
	}
	if held := m.now().Sub(m.candidateSince); held < m.stabilityWindow {
		m.armCommitTimerLocked(m.stabilityWindow - held)
		m.mu.Unlock()
		return
	}
	m.commitLocked(m.candidate)
}

func (m *Monitor) armCommitTimerLocked(d time.Duration) {
	if m.commitTimer != nil {
		m.commitTimer.Stop()
	}
	m.commitTimer = time.AfterFunc(d, m.windowElapsed)
}

func (m *Monitor) clearCandidateLocked() {
	m.hasCandidate = false
	if m.commitTimer != nil {
		m.commitTimer.Stop()
		m.commitTimer = nil
	}
}

// commitLocked commits the transition and notifies subscribers. The caller
// must hold mu; commitLocked releases it before invoking handlers.
func (m *Monitor) commitLocked(state bool) {
	m.online = state
	m.clearCandidateLocked()
	handlers := make([]func(bool), 0, len(m.subscribers))
	for _, h := range m.subscribers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	if state {
		m.logger.Info("connectivity restored", slog.Duration("stability_window", m.stabilityWindow))
	} else {
		m.logger.Warn("connectivity lost")
	}

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("connectivity subscriber panicked", slog.Any("panic", r))
				}
			}()
			h(state)
		}()
	}
}
