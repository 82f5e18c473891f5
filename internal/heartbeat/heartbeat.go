// Package heartbeat tracks RPC activity for one provider process and owns its
// single shutdown funnel: explicit shutdown RPC, OS signal, idle auto-shutdown,
// and faults all terminate through the same sequence.
package heartbeat

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/caprun/caprun/internal/scheduler"
)

// Config holds the heartbeat knobs, normally read from the environment the
// supervisor set before spawn.
type Config struct {
	Capability          string
	Interval            time.Duration
	IdleTimeout         time.Duration
	HeartbeatEnabled    bool
	AutoShutdownEnabled bool
	// ForceExitAfter bounds the close sequence; when exceeded the process is
	// forced out. OnForceExit is replaceable for tests.
	ForceExitAfter time.Duration
	OnForceExit    func()
}

// Monitor is one process's heartbeat state.
type Monitor struct {
	cfg Config

	mu           sync.Mutex
	lastActivity time.Time
	closers      []closer
	shuttingDown bool

	deadline *scheduler.Timer
	stopTick chan struct{}
	done     chan struct{}
	once     sync.Once
}

type closer struct {
	name string
	fn   func() error
}

// New builds a Monitor. Start must be called to arm the timers.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.ForceExitAfter <= 0 {
		cfg.ForceExitAfter = 10 * time.Second
	}
	if cfg.OnForceExit == nil {
		cfg.OnForceExit = func() { os.Exit(1) }
	}
	return &Monitor{
		cfg:          cfg,
		lastActivity: time.Now(),
		stopTick:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// RegisterCloser appends a resource to the shutdown sequence. Closers run in
// registration order.
func (m *Monitor) RegisterCloser(name string, fn func() error) {
	m.mu.Lock()
	m.closers = append(m.closers, closer{name: name, fn: fn})
	m.mu.Unlock()
}

// Start arms the liveness tick and, when enabled, the auto-shutdown deadline.
func (m *Monitor) Start() {
	if m.cfg.AutoShutdownEnabled {
		m.deadline = scheduler.After(m.cfg.IdleTimeout)
	}
	if !m.cfg.HeartbeatEnabled && m.deadline == nil {
		return
	}
	go m.run()
}

func (m *Monitor) run() {
	var tick <-chan time.Time
	if m.cfg.HeartbeatEnabled {
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}
	var deadline <-chan time.Time
	if m.deadline != nil {
		deadline = m.deadline.C()
	}
	for {
		select {
		case <-tick:
			m.mu.Lock()
			idle := time.Since(m.lastActivity)
			m.mu.Unlock()
			slog.Debug("heartbeat", "capability", m.cfg.Capability, "idle", idle.Round(time.Millisecond))
		case <-deadline:
			slog.Info("idle timeout reached", "capability", m.cfg.Capability, "timeout", m.cfg.IdleTimeout)
			m.GracefulShutdown("auto-shutdown")
			return
		case <-m.stopTick:
			return
		}
	}
}

// Touch records inbound RPC activity and pushes the auto-shutdown deadline out.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
	if m.deadline != nil {
		m.deadline.Reset(m.cfg.IdleTimeout)
	}
}

// LastActivity returns the time of the most recent Touch.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Done is closed once the shutdown sequence has finished.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// GracefulShutdown runs the close sequence exactly once; a second call while
// one is in progress is a no-op. If the closers do not finish within
// ForceExitAfter, the process is forced out.
func (m *Monitor) GracefulShutdown(reason string) {
	m.once.Do(func() {
		m.mu.Lock()
		m.shuttingDown = true
		closers := append([]closer(nil), m.closers...)
		m.mu.Unlock()

		slog.Info("shutting down", "capability", m.cfg.Capability, "reason", reason)
		if m.deadline != nil {
			m.deadline.Stop()
		}
		close(m.stopTick)

		force := scheduler.After(m.cfg.ForceExitAfter)
		finished := make(chan struct{})
		go func() {
			for _, c := range closers {
				if err := c.fn(); err != nil {
					slog.Warn("closer failed during shutdown", "name", c.name, "error", err)
				}
			}
			close(finished)
		}()
		select {
		case <-finished:
			force.Stop()
		case <-force.C():
			slog.Error("shutdown did not complete in time, forcing exit", "capability", m.cfg.Capability)
			m.cfg.OnForceExit()
		}
		close(m.done)
	})
}
