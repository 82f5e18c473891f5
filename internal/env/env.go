package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Variables the supervisor exports into every provider process it spawns, and
// that every provider runtime reads back at startup.
const (
	KeyPort                = "CAPRUN_PORT"
	KeyHeartbeatInterval   = "CAPRUN_HEARTBEAT_INTERVAL_MS"
	KeyAutoShutdownTimeout = "CAPRUN_AUTO_SHUTDOWN_TIMEOUT_MS"
	KeyHeartbeatEnabled    = "CAPRUN_HEARTBEAT_ENABLED"
	KeyAutoShutdownEnabled = "CAPRUN_AUTO_SHUTDOWN_ENABLED"
)

type Var map[string]string

// Env merges OS environment, engine-wide globals, and per-provider overrides
// into the final "K=V" slice handed to a spawned provider.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" {
				continue
			}
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then global e.Var overrides, then perProc
// ("K=V") overrides. ${VAR} references are expanded against the composed map
// (simple expansion, no recursion).
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var)
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" { // skip malformed entries with empty key
				continue
			}
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

func expand(s string, m Var) string {
	res := s
	// simple ${VAR} expansion; iterate over keys present
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

// DurationMS reads an environment variable holding milliseconds; def when
// unset or unparsable.
func DurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Bool reads a boolean environment variable; def when unset or unparsable.
func Bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int reads an integer environment variable; def when unset or unparsable.
func Int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
