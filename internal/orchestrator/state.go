package orchestrator

import (
	"encoding/json"
	"time"
)

// ControlState is the cooperative run/pause/stop machine. Transitions are
// checked once per iteration boundary, never mid-iteration.
type ControlState int32

const (
	StateRunning ControlState = iota
	StatePaused
	StateStopped
)

func (s ControlState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Observation is what the observe role returns for one iteration.
type Observation struct {
	ScreenshotRef string          `json:"screenshot"`
	Raw           json.RawMessage `json:"-"`
}

// Action is one step the decide role asks the act role to perform.
type Action struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// Decision is the decide role's verdict for one iteration: either the goal is
// achieved or there is a next action.
type Decision struct {
	GoalAchieved bool            `json:"goalAchieved"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Action       *Action         `json:"action,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// ActionResult is the act role's outcome for one dispatched action.
type ActionResult struct {
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"error,omitempty"`
}

// IterationRecord is one entry of the append-only run history.
type IterationRecord struct {
	Index      int           `json:"index"`
	Screenshot string        `json:"screenshot,omitempty"`
	Decision   Decision      `json:"decision"`
	Action     *Action       `json:"action,omitempty"`
	Result     *ActionResult `json:"result,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Err        string        `json:"error,omitempty"`
}

// RunState is the outcome of one orchestration run. It is mutated once per
// iteration while the loop runs and read-only after Run returns.
type RunState struct {
	Goal          string            `json:"goal"`
	Iterations    int               `json:"iterations"`
	MaxIterations int               `json:"max_iterations"`
	Complete      bool              `json:"complete"`
	Err           error             `json:"-"`
	History       []IterationRecord `json:"history"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
}

// RecentHistory returns up to n most recent iteration records, oldest first.
func (s *RunState) RecentHistory(n int) []IterationRecord {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}
