// Package registry is the single entry point for "give me a connected,
// handshaken instance of capability X". It ties manifests, supervised
// processes, and live provider connections together.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/caprun/caprun/internal/cerr"
	"github.com/caprun/caprun/internal/client"
	"github.com/caprun/caprun/internal/manifest"
	"github.com/caprun/caprun/internal/protocol"
	"github.com/caprun/caprun/internal/supervisor"
)

// Instance is one connected, handshaken provider. It is owned by the
// registry; callers borrow it for the duration of a call.
type Instance struct {
	Capability   string
	Client       client.Caller
	Capabilities protocol.Capabilities
}

// Availability is one entry of a Discover report.
type Availability struct {
	Capability string `json:"capability"`
	Addr       string `json:"addr,omitempty"`
	Reachable  bool   `json:"reachable"`
}

// Options configures a Registry. Exactly one of ManifestDir or Manifests
// provides the capability set.
type Options struct {
	ManifestDir string
	Manifests   []manifest.Manifest
	// InitConfig is passed verbatim as the initialize RPC's config payload.
	InitConfig map[string]any
	// NewClient is replaceable in tests; nil uses the TCP client.
	NewClient func(addr string) client.Caller
	// ConnectTimeout and CallTimeout are forwarded to constructed clients.
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

// Registry resolves capability ids to live provider instances.
type Registry struct {
	sup  *supervisor.Supervisor
	opts Options

	mu          sync.Mutex
	manifests   map[string]manifest.Manifest
	instances   map[string]*Instance
	inflight    map[string]chan struct{}
	initialized bool
}

// New builds a Registry over the given supervisor.
func New(sup *supervisor.Supervisor, opts Options) *Registry {
	r := &Registry{
		sup:       sup,
		opts:      opts,
		manifests: make(map[string]manifest.Manifest),
		instances: make(map[string]*Instance),
		inflight:  make(map[string]chan struct{}),
	}
	sup.OnCrash(r.invalidate)
	return r
}

// Initialize loads manifests from the configured source. It is idempotent and
// must run before Get.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	var (
		ms  []manifest.Manifest
		err error
	)
	switch {
	case r.opts.ManifestDir != "":
		ms, err = manifest.LoadDir(r.opts.ManifestDir)
		if err != nil {
			return err
		}
	default:
		ms = r.opts.Manifests
	}
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := r.manifests[m.ID]; dup {
			return fmt.Errorf("duplicate capability id %q", m.ID)
		}
		r.manifests[m.ID] = m
	}
	r.initialized = true
	slog.Info("registry initialized", "capabilities", len(r.manifests))
	return nil
}

// Manifests returns the loaded manifest set.
func (r *Registry) Manifests() []manifest.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]manifest.Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	return out
}

// Get returns a connected, handshaken instance for the capability, starting
// its process first when needed. Concurrent Gets for one id share a single
// start. Handshake failures discard the partial instance and are surfaced,
// not retried.
func (r *Registry) Get(ctx context.Context, capability string) (*Instance, error) {
	for {
		r.mu.Lock()
		if !r.initialized {
			r.mu.Unlock()
			return nil, fmt.Errorf("registry not initialized")
		}
		m, ok := r.manifests[capability]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("unknown capability: %s", capability)
		}
		if inst := r.instances[capability]; inst != nil && inst.Client.Connected() {
			r.mu.Unlock()
			return inst, nil
		}
		if wait, busy := r.inflight[capability]; busy {
			r.mu.Unlock()
			select {
			case <-wait:
				continue // re-check the cache
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		r.inflight[capability] = done
		r.mu.Unlock()

		inst, err := r.resolve(ctx, m)

		r.mu.Lock()
		delete(r.inflight, capability)
		if err == nil {
			r.instances[capability] = inst
		}
		r.mu.Unlock()
		close(done)
		return inst, err
	}
}

// resolve performs start + connect + handshake for one capability.
func (r *Registry) resolve(ctx context.Context, m manifest.Manifest) (*Instance, error) {
	rec, err := r.sup.Start(ctx, m)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(rec.Port))
	cli := r.newClient(addr)
	if err := cli.Connect(ctx); err != nil {
		return nil, err
	}

	initCfg := r.opts.InitConfig
	if initCfg == nil {
		initCfg = map[string]any{}
	}
	if _, err := cli.Call(ctx, protocol.MethodInitialize, map[string]any{"config": initCfg}); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("initialize %s: %w", m.ID, err)
	}
	raw, err := cli.Call(ctx, protocol.MethodCapabilities, nil)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("capabilities %s: %w", m.ID, err)
	}
	var caps protocol.Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("capabilities %s: %w", m.ID, err)
	}
	if err := checkActions(m, caps); err != nil {
		_ = cli.Close()
		return nil, err
	}

	r.sup.SetGracefulStop(m.ID, func(sctx context.Context) error {
		_, err := cli.Call(sctx, protocol.MethodShutdown, nil)
		return err
	})

	slog.Info("capability resolved", "capability", m.ID, "name", caps.Name, "version", caps.Version, "port", rec.Port)
	return &Instance{Capability: m.ID, Client: cli, Capabilities: caps}, nil
}

func (r *Registry) newClient(addr string) client.Caller {
	if r.opts.NewClient != nil {
		return r.opts.NewClient(addr)
	}
	var copts []client.Option
	if r.opts.ConnectTimeout > 0 {
		copts = append(copts, client.WithConnectTimeout(r.opts.ConnectTimeout))
	}
	if r.opts.CallTimeout > 0 {
		copts = append(copts, client.WithCallTimeout(r.opts.CallTimeout))
	}
	return client.New(addr, copts...)
}

// checkActions verifies the handshake result covers every action the manifest
// declares.
func checkActions(m manifest.Manifest, caps protocol.Capabilities) error {
	declared := make(map[string]bool, len(caps.SupportedActions))
	for _, a := range caps.SupportedActions {
		declared[a] = true
	}
	for _, a := range m.Actions {
		if !declared[a] {
			return fmt.Errorf("%w: capability %s does not support action %q", cerr.ErrCapabilityMismatch, m.ID, a)
		}
	}
	return nil
}

// invalidate drops the cached instance for a capability. Invoked on crash
// notifications; the next Get starts fresh.
func (r *Registry) invalidate(capability string) {
	r.mu.Lock()
	inst := r.instances[capability]
	delete(r.instances, capability)
	r.mu.Unlock()
	if inst != nil {
		_ = inst.Client.Close()
		slog.Warn("cached instance invalidated", "capability", capability)
	}
}

// Stop terminates the capability's process, then drops the cached instance.
// The order matters: a graceful stop delivers the shutdown RPC through the
// cached connection, so it must still be open while the supervisor stops the
// process.
func (r *Registry) Stop(ctx context.Context, capability string, graceful bool) error {
	err := r.sup.Stop(ctx, capability, graceful)
	r.invalidate(capability)
	return err
}

// Discover dials every known manifest's expected port and reports which are
// reachable. The instance cache is not touched.
func (r *Registry) Discover(ctx context.Context) []Availability {
	r.mu.Lock()
	ms := make([]manifest.Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		ms = append(ms, m)
	}
	r.mu.Unlock()

	out := make([]Availability, 0, len(ms))
	for _, m := range ms {
		av := Availability{Capability: m.ID}
		port := m.Port
		if rec, ok := r.sup.Record(m.ID); ok && rec.Port != 0 {
			port = rec.Port
		}
		if port == 0 {
			out = append(out, av)
			continue
		}
		av.Addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		d := net.Dialer{Timeout: 500 * time.Millisecond}
		if conn, err := d.DialContext(ctx, "tcp", av.Addr); err == nil {
			_ = conn.Close()
			av.Reachable = true
		}
		out = append(out, av)
	}
	return out
}

// CloseAll disconnects every cached instance. Used at engine shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	insts := r.instances
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()
	for _, inst := range insts {
		_ = inst.Client.Close()
	}
}
