// Package orchestrator drives the goal-seeking observe/decide/act loop across
// three capability roles, with a cooperative run/pause/stop state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/caprun/caprun/internal/cerr"
	"github.com/caprun/caprun/internal/history"
	"github.com/caprun/caprun/internal/metrics"
	"github.com/caprun/caprun/internal/scheduler"
)

// Observer produces one observation per iteration (e.g., a screenshot
// reference).
type Observer interface {
	Observe(ctx context.Context) (Observation, error)
}

// DecisionInput is everything the decide role sees for one iteration.
type DecisionInput struct {
	Goal        string            `json:"goal"`
	Observation Observation       `json:"observation"`
	History     []IterationRecord `json:"history,omitempty"`
}

// Decider turns an observation plus recent history into a decision.
type Decider interface {
	Decide(ctx context.Context, in DecisionInput) (Decision, error)
}

// Actor dispatches one decided action.
type Actor interface {
	Act(ctx context.Context, a Action) (ActionResult, error)
}

// Interrupt is the result of one safety-interrupt poll.
type Interrupt int

const (
	InterruptNone Interrupt = iota
	// InterruptAbort stops the run. Abort wins when both conditions are
	// observed in one poll.
	InterruptAbort
	// InterruptActivity pauses the run for the configured pause window.
	InterruptActivity
)

// InterruptSource is a best-effort poll for user input between iterations.
// Fast or simultaneous input can be missed; interrupts are honored only at
// iteration boundaries, never mid-action.
type InterruptSource interface {
	Poll(ctx context.Context) (Interrupt, error)
}

// Config tunes one orchestration run.
type Config struct {
	Goal          string
	MaxIterations int
	// IterationDelay is applied after each completed iteration body.
	IterationDelay time.Duration
	// PauseDuration is how long external activity pauses the loop.
	PauseDuration time.Duration
	// PausePoll is the sleep between pause-state re-checks.
	PausePoll time.Duration
	// HistoryWindow bounds the recent history passed to the decide role.
	HistoryWindow int
}

const (
	DefaultMaxIterations  = 50
	DefaultIterationDelay = time.Second
	DefaultPauseDuration  = 10 * time.Second
	DefaultPausePoll      = 250 * time.Millisecond
	DefaultHistoryWindow  = 5
)

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	// Zero means default; negative disables the delay.
	if c.IterationDelay == 0 {
		c.IterationDelay = DefaultIterationDelay
	} else if c.IterationDelay < 0 {
		c.IterationDelay = 0
	}
	if c.PauseDuration <= 0 {
		c.PauseDuration = DefaultPauseDuration
	}
	if c.PausePoll <= 0 {
		c.PausePoll = DefaultPausePoll
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	return c
}

// Orchestrator runs goal-seeking loops over three resolved roles.
type Orchestrator struct {
	observer   Observer
	decider    Decider
	actor      Actor
	interrupts InterruptSource
	sinks      []history.Sink

	state         atomic.Int32
	pauseDeadline atomic.Int64 // unix nanos
}

// New builds an Orchestrator. interrupts may be nil when no interrupt source
// is available.
func New(observer Observer, decider Decider, actor Actor, interrupts InterruptSource) *Orchestrator {
	return &Orchestrator{
		observer:   observer,
		decider:    decider,
		actor:      actor,
		interrupts: interrupts,
	}
}

// SetHistorySinks configures destinations for run and iteration events.
func (o *Orchestrator) SetHistorySinks(sinks ...history.Sink) {
	o.sinks = append([]history.Sink(nil), sinks...)
}

// State returns the current control state.
func (o *Orchestrator) State() ControlState {
	return ControlState(o.state.Load())
}

// Stop requests a cooperative stop; it takes effect at the next iteration
// boundary.
func (o *Orchestrator) Stop() {
	o.state.Store(int32(StateStopped))
}

// Pause pauses the loop for d starting now, checked at the next boundary.
func (o *Orchestrator) Pause(d time.Duration) {
	o.pauseDeadline.Store(time.Now().Add(d).UnixNano())
	o.state.Store(int32(StatePaused))
}

// Run executes the loop until the goal is achieved, the iteration budget is
// exhausted, a stop interrupt is seen, or a role connection becomes unusable.
// The returned RunState always carries the full history; err mirrors
// RunState.Err.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (*RunState, error) {
	cfg = cfg.withDefaults()
	st := &RunState{
		Goal:          cfg.Goal,
		MaxIterations: cfg.MaxIterations,
		StartedAt:     time.Now(),
	}
	o.state.Store(int32(StateRunning))
	o.emit(ctx, history.Event{Type: history.EventRunStart, OccurredAt: time.Now(), Goal: cfg.Goal})

	err := o.loop(ctx, cfg, st)
	st.Err = err
	st.FinishedAt = time.Now()
	metrics.IncRun(runOutcome(st))
	o.emit(ctx, history.Event{
		Type:       history.EventRunFinish,
		OccurredAt: time.Now(),
		Goal:       cfg.Goal,
		Iteration:  st.Iterations,
		Outcome:    runOutcome(st),
	})
	return st, err
}

func (o *Orchestrator) loop(ctx context.Context, cfg Config, st *RunState) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Safety interrupts first; abort beats pause within one poll.
		switch o.pollInterrupt(ctx) {
		case InterruptAbort:
			o.state.Store(int32(StateStopped))
			slog.Info("stop interrupt observed", "iterations", st.Iterations)
			return cerr.ErrUserAbort
		case InterruptActivity:
			if o.State() != StatePaused {
				slog.Info("external activity observed, pausing", "pause", cfg.PauseDuration)
				o.Pause(cfg.PauseDuration)
			}
		}

		if o.State() == StateStopped {
			return cerr.ErrUserAbort
		}
		if o.State() == StatePaused {
			if time.Now().UnixNano() < o.pauseDeadline.Load() {
				if !scheduler.Sleep(ctx, cfg.PausePoll) {
					return ctx.Err()
				}
				continue
			}
			o.state.Store(int32(StateRunning))
		}

		if st.Iterations >= cfg.MaxIterations {
			slog.Info("iteration budget exhausted", "max", cfg.MaxIterations)
			return fmt.Errorf("%w: goal not achieved after %d iterations", cerr.ErrIncomplete, cfg.MaxIterations)
		}

		done, err := o.iterate(ctx, cfg, st)
		if err != nil {
			return err
		}
		if done {
			st.Complete = true
			return nil
		}
		if cfg.IterationDelay > 0 && !scheduler.Sleep(ctx, cfg.IterationDelay) {
			return ctx.Err()
		}
	}
}

// iterate runs one observe/decide/act body. It returns done=true when the
// decide role reports the goal achieved. Errors inside the body are recorded
// into the iteration's history entry and swallowed unless the role connection
// itself is unusable.
func (o *Orchestrator) iterate(ctx context.Context, cfg Config, st *RunState) (bool, error) {
	idx := st.Iterations
	st.Iterations++
	rec := IterationRecord{Index: idx, Timestamp: time.Now()}

	done, iterErr := o.body(ctx, cfg, st, &rec)
	if iterErr != nil {
		rec.Err = iterErr.Error()
	}
	st.History = append(st.History, rec)
	o.emit(ctx, history.Event{
		Type:       history.EventIteration,
		OccurredAt: time.Now(),
		Goal:       cfg.Goal,
		Iteration:  idx,
		Outcome:    iterOutcome(done, iterErr),
		Detail:     rec.Err,
	})
	metrics.IncIteration(iterOutcome(done, iterErr))

	if iterErr != nil {
		if cerr.IsFatalForRole(iterErr) {
			slog.Error("role connection unusable, ending run", "iteration", idx, "error", iterErr)
			return false, iterErr
		}
		slog.Warn("iteration failed, continuing", "iteration", idx, "error", iterErr)
		return false, nil
	}
	return done, nil
}

func (o *Orchestrator) body(ctx context.Context, cfg Config, st *RunState, rec *IterationRecord) (bool, error) {
	obs, err := o.observer.Observe(ctx)
	if err != nil {
		return false, fmt.Errorf("observe: %w", err)
	}
	rec.Screenshot = obs.ScreenshotRef

	decision, err := o.decider.Decide(ctx, DecisionInput{
		Goal:        cfg.Goal,
		Observation: obs,
		History:     st.RecentHistory(cfg.HistoryWindow),
	})
	if err != nil {
		return false, fmt.Errorf("decide: %w", err)
	}
	rec.Decision = decision

	if decision.GoalAchieved {
		slog.Info("goal achieved", "iteration", rec.Index, "reasoning", decision.Reasoning)
		return true, nil
	}
	if decision.Action == nil {
		return false, fmt.Errorf("decide: no action and goal not achieved")
	}
	rec.Action = decision.Action

	res, err := o.actor.Act(ctx, *decision.Action)
	if err != nil {
		return false, fmt.Errorf("act %s: %w", decision.Action.Name, err)
	}
	rec.Result = &res
	return false, nil
}

// pollInterrupt asks the interrupt source for pending input. Poll errors are
// ignored: the interrupt channel is best-effort by design.
func (o *Orchestrator) pollInterrupt(ctx context.Context) Interrupt {
	if o.interrupts == nil {
		return InterruptNone
	}
	in, err := o.interrupts.Poll(ctx)
	if err != nil {
		slog.Debug("interrupt poll failed", "error", err)
		return InterruptNone
	}
	return in
}

func (o *Orchestrator) emit(ctx context.Context, e history.Event) {
	for _, s := range o.sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Debug("history sink send failed", "error", err)
		}
	}
}

func runOutcome(st *RunState) string {
	switch {
	case st.Complete:
		return "complete"
	case st.Err == nil:
		return "complete"
	case cerr.IsFatalForRole(st.Err):
		return "fatal"
	case errors.Is(st.Err, cerr.ErrUserAbort):
		return "aborted"
	case errors.Is(st.Err, cerr.ErrIncomplete):
		return "incomplete"
	default:
		return "error"
	}
}

func iterOutcome(done bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case done:
		return "goal_achieved"
	default:
		return "ok"
	}
}
