// Package driver is the provider-side runtime: a TCP RPC listener, a method
// dispatch table, heartbeat-driven auto-shutdown, and an optional HTTP health
// sidecar. Capability binaries embed it and register their actions.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caprun/caprun/internal/env"
	"github.com/caprun/caprun/internal/heartbeat"
	"github.com/caprun/caprun/internal/metrics"
	"github.com/caprun/caprun/internal/protocol"
)

// ActionFunc handles one execute action. The returned value is marshaled into
// the response data payload.
type ActionFunc func(ctx context.Context, args []any) (any, error)

// Options tunes a Runtime. The zero value reads everything from the
// environment the supervisor set before spawn.
type Options struct {
	// Port overrides CAPRUN_PORT.
	Port int
	// HealthAddr enables the HTTP health sidecar when non-empty, e.g.
	// "127.0.0.1:0" is not supported; pass an explicit port.
	HealthAddr string
}

type handlerFunc func(ctx context.Context, req protocol.Request) protocol.Response

// Runtime serves the capability RPC protocol for one provider process.
type Runtime struct {
	caps     protocol.Capabilities
	opts     Options
	handlers map[protocol.Method]handlerFunc
	monitor  *heartbeat.Monitor
	started  time.Time

	mu          sync.Mutex
	actions     map[string]ActionFunc
	initConfig  map[string]any
	initialized bool
}

// New builds a Runtime for the given capability identity. The method dispatch
// table is checked for full coverage at construction.
func New(caps protocol.Capabilities, opts Options) *Runtime {
	r := &Runtime{
		caps:    caps,
		opts:    opts,
		actions: make(map[string]ActionFunc),
	}
	r.handlers = map[protocol.Method]handlerFunc{
		protocol.MethodCapabilities: r.handleCapabilities,
		protocol.MethodInitialize:   r.handleInitialize,
		protocol.MethodIntrospect:   r.handleIntrospect,
		protocol.MethodExecute:      r.handleExecute,
		protocol.MethodHealth:       r.handleHealth,
		protocol.MethodShutdown:     r.handleShutdown,
	}
	for _, m := range protocol.Methods() {
		if _, ok := r.handlers[m]; !ok {
			panic(fmt.Sprintf("driver: no handler for method %s", m))
		}
	}
	return r
}

// RegisterAction binds an execute action. Registering overwrites a previous
// binding with the same name.
func (r *Runtime) RegisterAction(name string, fn ActionFunc) {
	r.mu.Lock()
	r.actions[name] = fn
	r.mu.Unlock()
}

// ActionNames returns the registered action names, sorted.
func (r *Runtime) ActionNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Serve listens on the configured port and blocks until the runtime shuts
// down via the shutdown RPC, a termination signal, or idle auto-shutdown.
func (r *Runtime) Serve(ctx context.Context) error {
	port := r.opts.Port
	if port == 0 {
		port = env.Int(env.KeyPort, 0)
	}
	if port == 0 {
		return fmt.Errorf("no port: set %s or Options.Port", env.KeyPort)
	}

	r.started = time.Now()
	r.monitor = heartbeat.New(heartbeat.Config{
		Capability:          r.caps.ID,
		Interval:            env.DurationMS(env.KeyHeartbeatInterval, 30*time.Second),
		IdleTimeout:         env.DurationMS(env.KeyAutoShutdownTimeout, 300*time.Second),
		HeartbeatEnabled:    env.Bool(env.KeyHeartbeatEnabled, true),
		AutoShutdownEnabled: env.Bool(env.KeyAutoShutdownEnabled, true),
	})

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	r.monitor.RegisterCloser("listener", ln.Close)

	if r.opts.HealthAddr != "" {
		r.startHealthSidecar(r.opts.HealthAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sig:
			r.monitor.GracefulShutdown("signal " + s.String())
		case <-r.monitor.Done():
		}
	}()

	r.monitor.Start()
	slog.Info("driver listening", "capability", r.caps.ID, "port", port)

	go r.acceptLoop(ctx, ln)
	<-r.monitor.Done()
	return nil
}

// Shutdown triggers the graceful shutdown sequence out of band.
func (r *Runtime) Shutdown(reason string) {
	if r.monitor != nil {
		r.monitor.GracefulShutdown(reason)
	}
}

func (r *Runtime) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.monitor.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					slog.Warn("accept failed", "error", err)
				}
			}
			return
		}
		go r.handleConn(ctx, conn)
	}
}

func (r *Runtime) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	f := protocol.NewFramer(conn)
	for {
		req, err := f.ReadRequest()
		if err != nil {
			// A malformed frame leaves no usable request id; answer with an
			// empty one and drop the connection since framing is lost.
			if !isClosedErr(err) {
				_ = f.WriteResponse(protocol.ErrResponse("", protocol.CodeBadRequest, "malformed frame"))
			}
			return
		}
		r.monitor.Touch()
		if werr := req.Validate(); werr != nil {
			_ = f.WriteResponse(protocol.Response{ID: req.ID, Type: "response", Error: werr})
			continue
		}
		res := r.handlers[req.Method](ctx, req)
		if err := f.WriteResponse(res); err != nil {
			return
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}

func (r *Runtime) handleCapabilities(_ context.Context, req protocol.Request) protocol.Response {
	return protocol.OkResponse(req.ID, r.caps)
}

func (r *Runtime) handleInitialize(_ context.Context, req protocol.Request) protocol.Response {
	var params struct {
		Config map[string]any `json:"config"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.ErrResponse(req.ID, protocol.CodeBadRequest, "invalid initialize params: "+err.Error())
		}
	}
	r.mu.Lock()
	r.initConfig = params.Config
	r.initialized = true
	r.mu.Unlock()
	return protocol.OkResponse(req.ID, map[string]any{"initialized": true})
}

func (r *Runtime) handleIntrospect(_ context.Context, req protocol.Request) protocol.Response {
	var params protocol.IntrospectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.ErrResponse(req.ID, protocol.CodeBadRequest, "invalid introspect params: "+err.Error())
		}
	}
	switch params.Type {
	case protocol.IntrospectCapabilities, "":
		return protocol.OkResponse(req.ID, r.caps)
	case protocol.IntrospectSteps:
		return protocol.OkResponse(req.ID, map[string]any{"actions": r.ActionNames()})
	default:
		return protocol.ErrResponse(req.ID, protocol.CodeBadRequest, "unknown introspect type: "+params.Type)
	}
}

func (r *Runtime) handleExecute(ctx context.Context, req protocol.Request) protocol.Response {
	var params protocol.ExecuteParams
	if len(req.Params) == 0 {
		return protocol.ErrResponse(req.ID, protocol.CodeBadRequest, "missing execute params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.ErrResponse(req.ID, protocol.CodeBadRequest, "invalid execute params: "+err.Error())
	}
	if params.Action == "" {
		return protocol.ErrResponse(req.ID, protocol.CodeBadRequest, "missing action")
	}
	r.mu.Lock()
	fn := r.actions[params.Action]
	r.mu.Unlock()
	if fn == nil {
		return protocol.ErrResponse(req.ID, protocol.CodeBadRequest, "Unknown action: "+params.Action)
	}
	data, err := fn(ctx, params.Args)
	if err != nil {
		return protocol.ErrResponse(req.ID, protocol.CodeInternal, err.Error())
	}
	return protocol.OkResponse(req.ID, data)
}

func (r *Runtime) handleHealth(_ context.Context, req protocol.Request) protocol.Response {
	return protocol.OkResponse(req.ID, r.healthStatus())
}

func (r *Runtime) handleShutdown(_ context.Context, req protocol.Request) protocol.Response {
	// The response is written by the caller before the closers tear the
	// listener down; the shutdown itself runs async.
	go r.monitor.GracefulShutdown("shutdown rpc")
	return protocol.OkResponse(req.ID, map[string]any{"stopping": true})
}

func (r *Runtime) healthStatus() protocol.HealthStatus {
	hs := protocol.HealthStatus{
		Status:   "ok",
		PID:      os.Getpid(),
		UptimeMS: time.Since(r.started).Milliseconds(),
	}
	if s, err := metrics.SampleProcess(os.Getpid()); err == nil {
		hs.MemoryKB = s.MemoryKB
	}
	return hs
}

// startHealthSidecar serves GET /health and /health/full over plain HTTP for
// humans and load balancers that cannot speak the socket protocol.
func (r *Runtime) startHealthSidecar(addr string) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/full", func(c echo.Context) error {
		return c.JSON(http.StatusOK, r.healthStatus())
	})
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("health sidecar failed", "error", err)
		}
	}()
	r.monitor.RegisterCloser("health sidecar", func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
}
