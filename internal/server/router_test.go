package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caprun/caprun/internal/config"
	"github.com/caprun/caprun/internal/engine"
	"github.com/caprun/caprun/internal/orchestrator"
)

func newTestRouter(t *testing.T) (*engine.Engine, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fc := &config.FileConfig{
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
	eng, err := engine.New(fc)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return eng, NewRouter(eng, "").Handler()
}

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	_, h := newTestRouter(t)
	w := doReq(t, h, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var st engine.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "idle" {
		t.Fatalf("state = %q", st.State)
	}
}

func TestRunRequiresGoal(t *testing.T) {
	_, h := newTestRouter(t)
	w := doReq(t, h, http.MethodPost, "/run", `{"max_iterations": 3}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d", w.Code)
	}
	var resp struct {
		Success bool `json:"success"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error.Message == "" {
		t.Fatalf("unexpected failure shape: %s", w.Body.String())
	}
}

func TestRunRejectsInvalidJSON(t *testing.T) {
	_, h := newTestRouter(t)
	w := doReq(t, h, http.MethodPost, "/run", `{"goal": `)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d", w.Code)
	}
}

func TestRunAcceptedAndRecorded(t *testing.T) {
	_, h := newTestRouter(t)
	w := doReq(t, h, http.MethodPost, "/run", `{"goal": "click the button"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status code = %d: %s", w.Code, w.Body.String())
	}

	// No drivers exist, so the run burns its two iterations quickly and the
	// outcome lands in status.
	deadline := time.Now().Add(3 * time.Second)
	for {
		sw := doReq(t, h, http.MethodGet, "/status", "")
		var st engine.Status
		if err := json.Unmarshal(sw.Body.Bytes(), &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.LastRun != nil {
			if st.LastRun.Goal != "click the button" {
				t.Fatalf("last run goal = %q", st.LastRun.Goal)
			}
			if st.LastRun.Complete {
				t.Fatal("run should not have completed")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopAndPauseEndpoints(t *testing.T) {
	_, h := newTestRouter(t)
	if w := doReq(t, h, http.MethodPost, "/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("stop code = %d", w.Code)
	}
	if w := doReq(t, h, http.MethodPost, "/pause?duration=50ms", ""); w.Code != http.StatusOK {
		t.Fatalf("pause code = %d", w.Code)
	}
	if w := doReq(t, h, http.MethodPost, "/pause?duration=banana", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad pause code = %d", w.Code)
	}
}

func TestStopUnknownDriver(t *testing.T) {
	_, h := newTestRouter(t)
	w := doReq(t, h, http.MethodPost, "/drivers/nonexistent/stop", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d", w.Code)
	}
}

func TestDiscoverEmpty(t *testing.T) {
	_, h := newTestRouter(t)
	w := doReq(t, h, http.MethodGet, "/discover", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestRouter(t)
	w := doReq(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"/":      "",
		"api":    "/api",
		"/api/":  "/api",
		" /api ": "/api",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
