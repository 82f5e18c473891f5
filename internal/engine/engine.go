// Package engine wires the capability registry, process supervision, and the
// orchestration loop into one coordinator behind the public API and the HTTP
// control surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caprun/caprun/internal/config"
	"github.com/caprun/caprun/internal/history"
	"github.com/caprun/caprun/internal/history/factory"
	"github.com/caprun/caprun/internal/orchestrator"
	"github.com/caprun/caprun/internal/registry"
	"github.com/caprun/caprun/internal/supervisor"
)

// Engine owns the full engine-side object graph for one configuration.
type Engine struct {
	cfg *config.FileConfig
	sup *supervisor.Supervisor
	reg *registry.Registry
	orc *orchestrator.Orchestrator

	mu      sync.Mutex
	sinks   []history.Sink
	running bool
	lastRun *orchestrator.RunState
	goal    string
}

// New builds an Engine from a loaded config. History sinks are connected
// eagerly so DSN problems surface at startup.
func New(fc *config.FileConfig) (*Engine, error) {
	sup := supervisor.New(fc.SupervisorConfig())
	if env, err := fc.GlobalEnv(); err != nil {
		return nil, err
	} else if len(env) > 0 {
		sup.SetGlobalEnv(env)
	}

	reg := registry.New(sup, registry.Options{
		ManifestDir:    fc.Engine.ManifestDir,
		Manifests:      fc.Manifests(),
		ConnectTimeout: fc.Engine.ConnectTimeout,
		CallTimeout:    fc.Engine.CallTimeout,
	})

	var sinks []history.Sink
	for _, dsn := range fc.History.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}

	obs, dec, act, intr := orchestrator.BindRoles(reg, fc.Roles)
	orc := orchestrator.New(obs, dec, act, intr)
	orc.SetHistorySinks(sinks...)

	e := &Engine{cfg: fc, sup: sup, reg: reg, orc: orc, sinks: sinks}
	sup.OnCrash(e.recordCrash)
	return e, nil
}

// Initialize loads the manifest set. Must run before Run or Discover.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.reg.Initialize(ctx)
}

// Registry exposes the capability registry for direct driver operations.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Supervisor exposes process records for status reporting.
func (e *Engine) Supervisor() *supervisor.Supervisor { return e.sup }

// Run executes one orchestration run to completion. Only one run may be
// active at a time. maxIterations <= 0 uses the configured default.
func (e *Engine) Run(ctx context.Context, goal string, maxIterations int) (*orchestrator.RunState, error) {
	if err := e.acquireRun(goal); err != nil {
		return nil, err
	}
	return e.run(ctx, goal, maxIterations)
}

// StartRun claims the active-run slot and launches the run in the background.
// The error return covers only the claim; run outcomes land in Status.
func (e *Engine) StartRun(ctx context.Context, goal string, maxIterations int) error {
	if err := e.acquireRun(goal); err != nil {
		return err
	}
	go func() {
		if _, err := e.run(ctx, goal, maxIterations); err != nil {
			slog.Warn("run finished with error", "goal", goal, "error", err)
		}
	}()
	return nil
}

// acquireRun claims the single active-run slot before any run work starts, so
// concurrent launch attempts are rejected rather than raced.
func (e *Engine) acquireRun(goal string) error {
	if goal == "" {
		return fmt.Errorf("goal required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("a run is already in progress")
	}
	e.running = true
	e.goal = goal
	return nil
}

// run executes an already-claimed run and releases the slot when it ends.
func (e *Engine) run(ctx context.Context, goal string, maxIterations int) (*orchestrator.RunState, error) {
	cfg := e.cfg.OrchestratorConfig(goal)
	if maxIterations > 0 {
		cfg.MaxIterations = maxIterations
	}
	st, err := e.orc.Run(ctx, cfg)

	e.mu.Lock()
	e.running = false
	e.lastRun = st
	e.goal = ""
	e.mu.Unlock()
	return st, err
}

// StopRun requests a cooperative stop of the active run.
func (e *Engine) StopRun() { e.orc.Stop() }

// PauseRun pauses the active run for d.
func (e *Engine) PauseRun(d time.Duration) { e.orc.Pause(d) }

// Status is the engine-wide status snapshot.
type Status struct {
	State      string              `json:"state"`
	ActiveGoal string              `json:"active_goal,omitempty"`
	Drivers    []supervisor.Record `json:"drivers"`
	LastRun    *RunSummary         `json:"last_run,omitempty"`
}

// RunSummary is the externally visible view of a finished run.
type RunSummary struct {
	Goal       string    `json:"goal"`
	Iterations int       `json:"iterations"`
	Complete   bool      `json:"complete"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status reports control state, supervised drivers, and the last run outcome.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		State:      e.orc.State().String(),
		ActiveGoal: e.goal,
	}
	if !e.running {
		st.State = "idle"
	}
	if e.lastRun != nil {
		rs := RunSummary{
			Goal:       e.lastRun.Goal,
			Iterations: e.lastRun.Iterations,
			Complete:   e.lastRun.Complete,
			StartedAt:  e.lastRun.StartedAt,
			FinishedAt: e.lastRun.FinishedAt,
		}
		if e.lastRun.Err != nil {
			rs.Error = e.lastRun.Err.Error()
		}
		st.LastRun = &rs
	}
	e.mu.Unlock()
	st.Drivers = e.sup.Records()
	return st
}

// Discover reports which known drivers are currently reachable.
func (e *Engine) Discover(ctx context.Context) []registry.Availability {
	return e.reg.Discover(ctx)
}

// StopDriver disconnects and stops one driver process.
func (e *Engine) StopDriver(ctx context.Context, capability string, graceful bool) error {
	return e.reg.Stop(ctx, capability, graceful)
}

// Close stops the active run, terminates all driver processes, disconnects,
// and closes the history sinks. Processes stop before connections close so
// graceful stops can still deliver the shutdown RPC.
func (e *Engine) Close(ctx context.Context) error {
	e.orc.Stop()
	err := e.sup.StopAll(ctx)
	e.reg.CloseAll()
	for _, s := range e.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	return err
}

func (e *Engine) recordCrash(capability string) {
	e.mu.Lock()
	sinks := append([]history.Sink(nil), e.sinks...)
	e.mu.Unlock()
	evt := history.Event{
		Type:       history.EventDriverCrash,
		OccurredAt: time.Now().UTC(),
		Capability: capability,
	}
	if rec, ok := e.sup.Record(capability); ok {
		evt.PID = rec.PID
		if rec.ExitErr != nil {
			evt.Detail = rec.ExitErr.Error()
		}
	}
	for _, s := range sinks {
		_ = s.Send(context.Background(), evt)
	}
}
