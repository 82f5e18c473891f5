package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caprun/caprun/internal/config"
	"github.com/caprun/caprun/internal/orchestrator"
)

func testFileConfig() *config.FileConfig {
	return &config.FileConfig{
		Orchestration: config.OrchestrationConfig{
			MaxIterations:  2,
			IterationDelay: -time.Nanosecond,
		},
		Roles: orchestrator.Roles{
			Observe: orchestrator.RoleBinding{Capability: "vision", Action: "screenshot"},
			Decide:  orchestrator.RoleBinding{Capability: "llm", Action: "decide"},
			Act:     orchestrator.RoleBinding{Capability: "browser", Action: "dispatch"},
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(testFileConfig())
	require.NoError(t, err)
	require.NoError(t, eng.Initialize(t.Context()))
	return eng
}

func TestRunRequiresGoal(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.Run(t.Context(), "", 0)
	require.ErrorContains(t, err, "goal required")
	require.ErrorContains(t, eng.StartRun(t.Context(), "", 0), "goal required")
}

func TestRunRecordsOutcome(t *testing.T) {
	eng := newTestEngine(t)

	// No drivers exist, so every iteration fails and the budget runs out.
	st, err := eng.Run(t.Context(), "click the button", 0)
	require.Error(t, err)
	require.NotNil(t, st)
	require.Equal(t, 2, st.Iterations)
	require.False(t, st.Complete)

	status := eng.Status()
	require.Equal(t, "idle", status.State)
	require.NotNil(t, status.LastRun)
	require.Equal(t, "click the button", status.LastRun.Goal)
	require.False(t, status.LastRun.Complete)
	require.NotEmpty(t, status.LastRun.Error)
}

func TestSingleActiveRun(t *testing.T) {
	fc := testFileConfig()
	fc.Orchestration.MaxIterations = 1000
	fc.Orchestration.IterationDelay = 20 * time.Millisecond
	eng, err := New(fc)
	require.NoError(t, err)
	require.NoError(t, eng.Initialize(t.Context()))

	require.NoError(t, eng.StartRun(t.Context(), "long goal", 0))

	// The slot is claimed before StartRun returns, so a second launch is
	// rejected immediately, with no window for both to be accepted.
	_, err = eng.Run(t.Context(), "second goal", 0)
	require.ErrorContains(t, err, "already in progress")
	require.ErrorContains(t, eng.StartRun(t.Context(), "third goal", 0), "already in progress")
	require.Equal(t, "long goal", eng.Status().ActiveGoal)

	// Re-issue the stop until the loop observes it; the run goroutine may not
	// have entered the loop yet when the first request lands.
	require.Eventually(t, func() bool {
		eng.StopRun()
		return eng.Status().State == "idle"
	}, 3*time.Second, 5*time.Millisecond)
}

func TestConcurrentStartRunAdmitsOne(t *testing.T) {
	fc := testFileConfig()
	fc.Orchestration.MaxIterations = 1000
	fc.Orchestration.IterationDelay = 20 * time.Millisecond
	eng, err := New(fc)
	require.NoError(t, err)
	require.NoError(t, eng.Initialize(t.Context()))

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- eng.StartRun(context.Background(), "contended goal", 0)
		}()
	}
	wg.Wait()
	close(errs)

	var accepted int
	for err := range errs {
		if err == nil {
			accepted++
		} else {
			require.ErrorContains(t, err, "already in progress")
		}
	}
	require.Equal(t, 1, accepted)

	require.Eventually(t, func() bool {
		eng.StopRun()
		return eng.Status().State == "idle"
	}, 3*time.Second, 5*time.Millisecond)
}

func TestNewRejectsBadHistoryDSN(t *testing.T) {
	fc := testFileConfig()
	fc.History.Sinks = []string{"carrierpigeon://coop"}
	_, err := New(fc)
	require.ErrorContains(t, err, "history sink")
}

func TestNewRejectsMissingEnvFile(t *testing.T) {
	fc := testFileConfig()
	fc.EnvFiles = []string{"/nonexistent/engine.env"}
	_, err := New(fc)
	require.Error(t, err)
}

func TestCloseIdle(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.Close(t.Context()))
}
