// Package supervisor owns the OS-level lifecycle of provider processes: one
// record per capability id, from spawn and readiness through crash or stop.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/caprun/caprun/internal/cerr"
	"github.com/caprun/caprun/internal/env"
	"github.com/caprun/caprun/internal/logger"
	"github.com/caprun/caprun/internal/manifest"
	"github.com/caprun/caprun/internal/metrics"
)

// Status is the lifecycle state of one supervised process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Record is a snapshot of one supervised process.
type Record struct {
	Capability string    `json:"capability"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	StartedAt  time.Time `json:"started_at"`
	Status     Status    `json:"status"`
	Restarts   int       `json:"restarts"`
	ExitErr    error     `json:"-"`
}

// Config holds supervisor-wide knobs. Zero values fall back to defaults.
type Config struct {
	BasePort            int
	StartupTimeout      time.Duration
	StopGrace           time.Duration
	LogDir              string
	HeartbeatInterval   time.Duration
	AutoShutdownTimeout time.Duration
	HeartbeatEnabled    bool
	AutoShutdownEnabled bool
}

const (
	DefaultBasePort            = 7800
	DefaultStartupTimeout      = 10 * time.Second
	DefaultStopGrace           = 5 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultAutoShutdownTimeout = 300 * time.Second
)

// DefaultConfig returns the reference defaults with heartbeat and
// auto-shutdown enabled.
func DefaultConfig() Config {
	return Config{
		BasePort:            DefaultBasePort,
		StartupTimeout:      DefaultStartupTimeout,
		StopGrace:           DefaultStopGrace,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		AutoShutdownTimeout: DefaultAutoShutdownTimeout,
		HeartbeatEnabled:    true,
		AutoShutdownEnabled: true,
	}
}

func (c Config) withDefaults() Config {
	if c.BasePort <= 0 {
		c.BasePort = DefaultBasePort
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AutoShutdownTimeout <= 0 {
		c.AutoShutdownTimeout = DefaultAutoShutdownTimeout
	}
	return c
}

// GracefulStopFunc asks a provider to shut itself down (the shutdown RPC).
// The registry installs one per connected instance.
type GracefulStopFunc func(ctx context.Context) error

// proc is the mutable state behind one Record.
type proc struct {
	// opMu serializes whole start/stop operations and is held across waits.
	// mu guards the fields below and is never held across blocking calls.
	opMu sync.Mutex
	mu   sync.Mutex

	manifest      manifest.Manifest
	cmd           *exec.Cmd
	port          int
	portOwned     bool
	startedAt     time.Time
	status        Status
	restarts      int
	exitErr       error
	stopRequested bool
	waitDone      chan struct{}
	outW, errW    io.WriteCloser
	gracefulStop  GracefulStopFunc
}

func (p *proc) snapshot() Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := Record{
		Capability: p.manifest.ID,
		Port:       p.port,
		StartedAt:  p.startedAt,
		Status:     p.status,
		Restarts:   p.restarts,
		ExitErr:    p.exitErr,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		rec.PID = p.cmd.Process.Pid
	}
	return rec
}

// Supervisor spawns, tracks, and terminates provider processes.
type Supervisor struct {
	cfg   Config
	envM  *env.Env
	ports *portAllocator

	mu        sync.Mutex
	procs     map[string]*proc
	crashSubs []func(capability string)
}

// New builds a Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:   cfg,
		envM:  env.New(),
		ports: newPortAllocator(cfg.BasePort),
		procs: make(map[string]*proc),
	}
}

// SetGlobalEnv sets engine-wide environment variables applied to every
// spawned provider. kvs must be in the form "KEY=VALUE".
func (s *Supervisor) SetGlobalEnv(kvs []string) {
	for _, kv := range kvs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				s.envM.Set(kv[:i], kv[i+1:])
				break
			}
		}
	}
}

// OnCrash registers a listener invoked with the capability id whenever a
// process exits outside a requested stop.
func (s *Supervisor) OnCrash(fn func(capability string)) {
	s.mu.Lock()
	s.crashSubs = append(s.crashSubs, fn)
	s.mu.Unlock()
}

// SetGracefulStop installs the shutdown-RPC hook for a running capability.
func (s *Supervisor) SetGracefulStop(capability string, fn GracefulStopFunc) {
	if p := s.get(capability); p != nil {
		p.mu.Lock()
		p.gracefulStop = fn
		p.mu.Unlock()
	}
}

func (s *Supervisor) get(capability string) *proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[capability]
}

func (s *Supervisor) ensure(m manifest.Manifest) *proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[m.ID]
	if p == nil {
		p = &proc{manifest: m, status: StatusStopped}
		s.procs[m.ID] = p
	}
	return p
}

// Record returns the current snapshot for a capability.
func (s *Supervisor) Record(capability string) (Record, bool) {
	p := s.get(capability)
	if p == nil {
		return Record{}, false
	}
	return p.snapshot(), true
}

// Records returns snapshots for every tracked process.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	out := make([]Record, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	return out
}

// Start launches the manifest's executable and waits until its socket accepts
// connections. Starting an already-running capability returns the existing
// record unchanged.
func (s *Supervisor) Start(ctx context.Context, m manifest.Manifest) (Record, error) {
	p := s.ensure(m)
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if rec := p.snapshot(); rec.Status == StatusRunning {
		return rec, nil
	}

	port := m.Port
	portOwned := false
	if port == 0 {
		var err error
		port, err = s.ports.Acquire()
		if err != nil {
			return Record{}, err
		}
		portOwned = true
	} else {
		s.ports.Claim(port)
	}

	cmd, err := s.configureCmd(m, port)
	if err != nil {
		s.releasePort(port, portOwned)
		return Record{}, err
	}

	var outW, errW io.WriteCloser
	if s.cfg.LogDir != "" {
		lc := logger.Config{Dir: s.cfg.LogDir}
		outW, errW, _ = lc.Writers(m.ID)
		if outW != nil {
			cmd.Stdout = outW
		}
		if errW != nil {
			cmd.Stderr = errW
		}
	}

	if err := cmd.Start(); err != nil {
		closeWriters(outW, errW)
		s.releasePort(port, portOwned)
		return Record{}, fmt.Errorf("spawn %s: %w", m.ID, err)
	}

	waitDone := make(chan struct{})
	p.mu.Lock()
	restarted := !p.startedAt.IsZero()
	p.cmd = cmd
	p.port = port
	p.portOwned = portOwned
	p.startedAt = time.Now()
	p.status = StatusStarting
	p.exitErr = nil
	p.stopRequested = false
	p.waitDone = waitDone
	p.outW, p.errW = outW, errW
	p.gracefulStop = nil
	if restarted {
		p.restarts++
	}
	p.mu.Unlock()

	go s.monitor(p, cmd, port, portOwned, waitDone)

	if err := s.awaitReady(ctx, port, waitDone); err != nil {
		// Kill whatever is left; the monitor will reap and finalize state.
		p.mu.Lock()
		p.stopRequested = true
		p.mu.Unlock()
		killGroup(cmd.Process.Pid)
		select {
		case <-waitDone:
		case <-time.After(2 * time.Second):
		}
		return Record{}, fmt.Errorf("%s: %w", m.ID, err)
	}

	p.mu.Lock()
	p.status = StatusRunning
	p.mu.Unlock()
	metrics.IncDriverStart(m.ID)
	slog.Info("provider started", "capability", m.ID, "pid", cmd.Process.Pid, "port", port)
	return p.snapshot(), nil
}

func (s *Supervisor) configureCmd(m manifest.Manifest, port int) (*exec.Cmd, error) {
	cmd := m.BuildCommand()
	if m.WorkDir != "" {
		cmd.Dir = m.WorkDir
	}
	perProc := append([]string(nil), m.Env...)
	perProc = append(perProc,
		env.KeyPort+"="+strconv.Itoa(port),
		env.KeyHeartbeatInterval+"="+strconv.FormatInt(s.cfg.HeartbeatInterval.Milliseconds(), 10),
		env.KeyAutoShutdownTimeout+"="+strconv.FormatInt(s.cfg.AutoShutdownTimeout.Milliseconds(), 10),
		env.KeyHeartbeatEnabled+"="+strconv.FormatBool(s.cfg.HeartbeatEnabled),
		env.KeyAutoShutdownEnabled+"="+strconv.FormatBool(s.cfg.AutoShutdownEnabled),
	)
	cmd.Env = s.envM.Merge(perProc)
	configureSysProcAttr(cmd)
	return cmd, nil
}

// awaitReady polls the provider's socket until it accepts a connection, the
// process exits, or the startup timeout elapses.
func (s *Supervisor) awaitReady(ctx context.Context, port int, waitDone <-chan struct{}) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-waitDone:
			return fmt.Errorf("%w: process exited before becoming ready", cerr.ErrStartupTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no listener on port %d after %s", cerr.ErrStartupTimeout, port, s.cfg.StartupTimeout)
		}
	}
}

// monitor reaps the process and finalizes its record. An exit that was not
// requested is a crash.
func (s *Supervisor) monitor(p *proc, cmd *exec.Cmd, port int, portOwned bool, waitDone chan struct{}) {
	err := cmd.Wait()

	p.mu.Lock()
	var outW, errW io.WriteCloser
	requested := true
	capability := p.manifest.ID
	// Only finalize state if this run has not been superseded by a restart.
	if p.cmd == cmd {
		p.exitErr = err
		requested = p.stopRequested
		if requested {
			p.status = StatusStopped
		} else {
			p.status = StatusCrashed
		}
		outW, errW = p.outW, p.errW
		p.outW, p.errW = nil, nil
		p.waitDone = nil
	}
	p.mu.Unlock()

	closeWriters(outW, errW)
	s.releasePort(port, portOwned)
	close(waitDone)

	if requested {
		metrics.IncDriverStop(capability)
		slog.Info("provider stopped", "capability", capability)
		return
	}
	metrics.IncDriverCrash(capability)
	slog.Warn("provider crashed", "capability", capability, "error", err)
	s.mu.Lock()
	subs := append([]func(string){}, s.crashSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(capability)
	}
}

// Stop terminates the capability's process. With graceful set it first asks
// the provider to shut itself down and waits out the grace window before
// escalating to a kill. Stopping a non-running capability is a no-op.
func (s *Supervisor) Stop(ctx context.Context, capability string, graceful bool) error {
	p := s.get(capability)
	if p == nil {
		return fmt.Errorf("unknown capability: %s", capability)
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.status != StatusRunning && p.status != StatusStarting {
		p.mu.Unlock()
		return nil
	}
	p.stopRequested = true
	p.status = StatusStopping
	cmd := p.cmd
	waitDone := p.waitDone
	stopFn := p.gracefulStop
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	if graceful {
		if stopFn != nil {
			gctx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace)
			_ = stopFn(gctx)
			cancel()
		} else {
			termGroup(pid)
		}
		select {
		case <-waitDone:
			return nil
		case <-time.After(s.cfg.StopGrace):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	killGroup(pid)
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		slog.Warn("provider did not exit after kill", "capability", capability, "pid", pid)
	}
	return nil
}

// StopAll stops every tracked process, best-effort: individual failures are
// logged and the sweep continues. The first error is returned.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Stop(ctx, id, true); err != nil {
			slog.Warn("stop failed", "capability", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Supervisor) releasePort(port int, owned bool) {
	if owned {
		s.ports.Release(port)
	}
}

func closeWriters(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}
