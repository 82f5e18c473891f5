// Package caprun is the public facade over the capability engine: it starts
// and supervises driver processes, speaks the socket RPC protocol to them,
// and runs goal-seeking orchestration loops across the bound roles.
package caprun

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/caprun/caprun/internal/config"
	"github.com/caprun/caprun/internal/driver"
	"github.com/caprun/caprun/internal/engine"
	"github.com/caprun/caprun/internal/history"
	"github.com/caprun/caprun/internal/manifest"
	"github.com/caprun/caprun/internal/metrics"
	"github.com/caprun/caprun/internal/orchestrator"
	"github.com/caprun/caprun/internal/protocol"
	"github.com/caprun/caprun/internal/registry"
	iapi "github.com/caprun/caprun/internal/server"
	"github.com/caprun/caprun/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Config = config.FileConfig

type Manifest = manifest.Manifest

type Capabilities = protocol.Capabilities

type RunState = orchestrator.RunState

type Roles = orchestrator.Roles

type DriverRecord = supervisor.Record

type Status = engine.Status

type HistorySink = history.Sink

type Availability = registry.Availability

// Engine is a thin facade over the internal engine. It provides a stable
// public API for embedding.
type Engine struct{ inner *engine.Engine }

// LoadConfig reads and validates an engine TOML config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// New builds an Engine from a loaded config.
func New(fc *Config) (*Engine, error) {
	inner, err := engine.New(fc)
	if err != nil {
		return nil, err
	}
	return &Engine{inner: inner}, nil
}

func (e *Engine) Initialize(ctx context.Context) error { return e.inner.Initialize(ctx) }

func (e *Engine) Run(ctx context.Context, goal string, maxIterations int) (*RunState, error) {
	return e.inner.Run(ctx, goal, maxIterations)
}

func (e *Engine) StartRun(ctx context.Context, goal string, maxIterations int) error {
	return e.inner.StartRun(ctx, goal, maxIterations)
}

func (e *Engine) StopRun()                        { e.inner.StopRun() }
func (e *Engine) PauseRun(d time.Duration)        { e.inner.PauseRun(d) }
func (e *Engine) Status() Status                  { return e.inner.Status() }
func (e *Engine) Close(ctx context.Context) error { return e.inner.Close(ctx) }

func (e *Engine) StopDriver(ctx context.Context, capability string, graceful bool) error {
	return e.inner.StopDriver(ctx, capability, graceful)
}

// Discover reports which known drivers are currently reachable.
func (e *Engine) Discover(ctx context.Context) []Availability {
	return e.inner.Discover(ctx)
}

// Driver-side facade so capability providers can be built on the same module.

type DriverRuntime = driver.Runtime

type DriverOptions = driver.Options

type ActionFunc = driver.ActionFunc

// NewDriver builds a provider runtime for the given capability identity.
func NewDriver(caps Capabilities, opts DriverOptions) *DriverRuntime {
	return driver.New(caps, opts)
}

// NewHTTPServer starts the HTTP control API for the engine.
func NewHTTPServer(addr, basePath string, e *Engine) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, e.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
