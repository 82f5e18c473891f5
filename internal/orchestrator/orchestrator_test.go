package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caprun/caprun/internal/cerr"
	"github.com/caprun/caprun/internal/history"
)

type stubObserver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubObserver) Observe(context.Context) (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return Observation{}, s.err
	}
	return Observation{ScreenshotRef: fmt.Sprintf("shot-%d.png", s.calls)}, nil
}

type stubDecider struct {
	// achieveAt is the zero-based iteration at which the goal is reported
	// achieved; negative means never.
	achieveAt int
	calls     int
	lastInput DecisionInput
	err       error
}

func (s *stubDecider) Decide(_ context.Context, in DecisionInput) (Decision, error) {
	s.lastInput = in
	idx := s.calls
	s.calls++
	if s.err != nil {
		return Decision{}, s.err
	}
	if s.achieveAt >= 0 && idx >= s.achieveAt {
		return Decision{GoalAchieved: true, Reasoning: "done"}, nil
	}
	return Decision{Action: &Action{Name: "click", Args: []any{float64(idx)}}}, nil
}

type stubActor struct {
	calls int
	err   error
}

func (s *stubActor) Act(context.Context, Action) (ActionResult, error) {
	s.calls++
	if s.err != nil {
		return ActionResult{}, s.err
	}
	return ActionResult{}, nil
}

type scriptedInterrupts struct {
	mu     sync.Mutex
	script []Interrupt
}

func (s *scriptedInterrupts) Poll(context.Context) (Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return InterruptNone, nil
	}
	in := s.script[0]
	s.script = s.script[1:]
	return in, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func fastConfig(goal string, maxIter int) Config {
	return Config{
		Goal:           goal,
		MaxIterations:  maxIter,
		IterationDelay: -1, // clamp to zero after defaults
		PauseDuration:  20 * time.Millisecond,
		PausePoll:      time.Millisecond,
		HistoryWindow:  3,
	}
}

func TestRunGoalAchieved(t *testing.T) {
	obs := &stubObserver{}
	dec := &stubDecider{achieveAt: 2}
	act := &stubActor{}
	o := New(obs, dec, act, nil)

	cfg := fastConfig("open settings", 10)
	st, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, st.Complete)
	require.Equal(t, 3, st.Iterations)
	require.Len(t, st.History, 3)
	// Two actions dispatched before the goal-achieved verdict.
	require.Equal(t, 2, act.calls)
	require.True(t, st.History[2].Decision.GoalAchieved)
}

func TestRunIterationBudget(t *testing.T) {
	obs := &stubObserver{}
	dec := &stubDecider{achieveAt: -1}
	act := &stubActor{}
	o := New(obs, dec, act, nil)

	cfg := fastConfig("never finishes", 4)
	st, err := o.Run(context.Background(), cfg)
	require.ErrorIs(t, err, cerr.ErrIncomplete)
	require.False(t, st.Complete)
	require.Equal(t, 4, st.Iterations)
	require.Equal(t, 4, obs.calls)
}

func TestRunAbortInterrupt(t *testing.T) {
	obs := &stubObserver{}
	dec := &stubDecider{achieveAt: -1}
	act := &stubActor{}
	intr := &scriptedInterrupts{script: []Interrupt{InterruptNone, InterruptNone, InterruptAbort}}
	o := New(obs, dec, act, intr)

	cfg := fastConfig("abort me", 100)
	st, err := o.Run(context.Background(), cfg)
	require.ErrorIs(t, err, cerr.ErrUserAbort)
	require.Equal(t, StateStopped, o.State())
	// Two bodies ran before the abort poll fired.
	require.Equal(t, 2, st.Iterations)
}

func TestRunActivityPausesThenResumes(t *testing.T) {
	obs := &stubObserver{}
	dec := &stubDecider{achieveAt: 1}
	act := &stubActor{}
	intr := &scriptedInterrupts{script: []Interrupt{InterruptActivity}}
	o := New(obs, dec, act, intr)

	cfg := fastConfig("pause first", 10)
	start := time.Now()
	st, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, st.Complete)
	// The first boundary paused for the full window before any body ran.
	require.GreaterOrEqual(t, time.Since(start), cfg.PauseDuration)
	require.Equal(t, 2, st.Iterations)
}

func TestRunFatalRoleError(t *testing.T) {
	obs := &stubObserver{err: cerr.Connectionf("read: connection reset")}
	dec := &stubDecider{achieveAt: -1}
	act := &stubActor{}
	o := New(obs, dec, act, nil)

	cfg := fastConfig("fatal", 10)
	st, err := o.Run(context.Background(), cfg)
	require.ErrorIs(t, err, cerr.ErrConnection)
	require.Equal(t, 1, st.Iterations)
	require.NotEmpty(t, st.History[0].Err)
}

func TestRunNonFatalErrorContinues(t *testing.T) {
	obs := &stubObserver{}
	dec := &stubDecider{achieveAt: 3}
	act := &stubActor{err: errors.New("element not found")}
	o := New(obs, dec, act, nil)

	cfg := fastConfig("retry after act errors", 10)
	st, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, st.Complete)
	require.Equal(t, 4, st.Iterations)
	for _, rec := range st.History[:3] {
		require.Contains(t, rec.Err, "element not found")
	}
}

func TestRunHistoryWindowBounded(t *testing.T) {
	obs := &stubObserver{}
	dec := &stubDecider{achieveAt: 6}
	act := &stubActor{}
	o := New(obs, dec, act, nil)

	cfg := fastConfig("window", 10)
	cfg.HistoryWindow = 2
	_, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, dec.lastInput.History, 2)
	// Oldest-first ordering within the window.
	require.Equal(t, 4, dec.lastInput.History[0].Index)
	require.Equal(t, 5, dec.lastInput.History[1].Index)
}

func TestRunEmitsHistoryEvents(t *testing.T) {
	obs := &stubObserver{}
	dec := &stubDecider{achieveAt: 1}
	act := &stubActor{}
	o := New(obs, dec, act, nil)
	sink := &captureSink{}
	o.SetHistorySinks(sink)

	cfg := fastConfig("emit events", 10)
	_, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(sink.events), 4)
	require.Equal(t, history.EventRunStart, sink.events[0].Type)
	last := sink.events[len(sink.events)-1]
	require.Equal(t, history.EventRunFinish, last.Type)
	require.Equal(t, "complete", last.Outcome)
}

func TestStopTakesEffectAtBoundary(t *testing.T) {
	obs := &stubObserver{}
	dec := &stubDecider{achieveAt: -1}
	act := &stubActor{}
	o := New(obs, dec, act, nil)

	cfg := fastConfig("external stop", 100)
	cfg.IterationDelay = 5 * time.Millisecond

	done := make(chan struct{})
	var st *RunState
	var err error
	go func() {
		st, err = o.Run(context.Background(), cfg)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	o.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	require.ErrorIs(t, err, cerr.ErrUserAbort)
	require.Less(t, st.Iterations, 100)
}

func TestRecentHistory(t *testing.T) {
	st := &RunState{}
	for i := 0; i < 5; i++ {
		st.History = append(st.History, IterationRecord{Index: i})
	}
	require.Nil(t, st.RecentHistory(0))
	require.Len(t, st.RecentHistory(10), 5)
	got := st.RecentHistory(2)
	require.Equal(t, 3, got[0].Index)
	require.Equal(t, 4, got[1].Index)
}
