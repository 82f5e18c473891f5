// Package config loads the engine's TOML configuration: driver manifests,
// supervision knobs, role bindings, history sinks, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caprun/caprun/internal/logger"
	"github.com/caprun/caprun/internal/manifest"
	"github.com/caprun/caprun/internal/orchestrator"
	"github.com/caprun/caprun/internal/supervisor"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Log           *LogConfig          `toml:"log" mapstructure:"log"`
	Engine        EngineConfig        `toml:"engine" mapstructure:"engine"`
	Server        ServerConfig        `toml:"server" mapstructure:"server"`
	History       HistoryConfig       `toml:"history" mapstructure:"history"`
	Orchestration OrchestrationConfig `toml:"orchestration" mapstructure:"orchestration"`
	Roles         orchestrator.Roles  `toml:"roles" mapstructure:"roles"`
	Drivers       []DriverConfig      `toml:"drivers" mapstructure:"drivers"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Level      string `toml:"level" mapstructure:"level"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// EngineConfig tunes process supervision and RPC clients.
type EngineConfig struct {
	ManifestDir         string        `toml:"manifest_dir" mapstructure:"manifest_dir"`
	BasePort            int           `toml:"base_port" mapstructure:"base_port"`
	StartupTimeout      time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout"`
	StopGrace           time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	ConnectTimeout      time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
	CallTimeout         time.Duration `toml:"call_timeout" mapstructure:"call_timeout"`
	HeartbeatInterval   time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	AutoShutdownTimeout time.Duration `toml:"auto_shutdown_timeout" mapstructure:"auto_shutdown_timeout"`
	HeartbeatEnabled    *bool         `toml:"heartbeat_enabled" mapstructure:"heartbeat_enabled"`
	AutoShutdownEnabled *bool         `toml:"auto_shutdown_enabled" mapstructure:"auto_shutdown_enabled"`
}

// ServerConfig tunes the engine's HTTP control API.
type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig lists destination DSNs for engine events.
type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

// OrchestrationConfig carries run-loop defaults; a run request may override
// goal and max_iterations.
type OrchestrationConfig struct {
	MaxIterations  int           `toml:"max_iterations" mapstructure:"max_iterations"`
	IterationDelay time.Duration `toml:"iteration_delay" mapstructure:"iteration_delay"`
	PauseDuration  time.Duration `toml:"pause_duration" mapstructure:"pause_duration"`
	HistoryWindow  int           `toml:"history_window" mapstructure:"history_window"`
}

// DriverConfig is an inline driver manifest, an alternative to manifest_dir.
type DriverConfig struct {
	ID      string   `toml:"id" mapstructure:"id"`
	Name    string   `toml:"name" mapstructure:"name"`
	Version string   `toml:"version" mapstructure:"version"`
	Actions []string `toml:"actions" mapstructure:"actions"`
	Command string   `toml:"command" mapstructure:"command"`
	WorkDir string   `toml:"workdir" mapstructure:"workdir"`
	Env     []string `toml:"env" mapstructure:"env"`
	Port    int      `toml:"port" mapstructure:"port"`
}

// Load reads and validates the engine config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if fc.Engine.ManifestDir != "" && len(fc.Drivers) > 0 {
		return nil, fmt.Errorf("config sets both engine.manifest_dir and inline drivers")
	}
	for _, d := range fc.Drivers {
		m := d.Manifest()
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return &fc, nil
}

// Manifest converts an inline driver entry into a manifest.
func (d DriverConfig) Manifest() manifest.Manifest {
	return manifest.Manifest{
		ID:        d.ID,
		Name:      d.Name,
		Version:   d.Version,
		Actions:   d.Actions,
		Command:   d.Command,
		WorkDir:   d.WorkDir,
		Env:       d.Env,
		Transport: manifest.TransportSocket,
		Port:      d.Port,
	}
}

// Manifests returns the inline driver manifests.
func (fc *FileConfig) Manifests() []manifest.Manifest {
	out := make([]manifest.Manifest, 0, len(fc.Drivers))
	for _, d := range fc.Drivers {
		out = append(out, d.Manifest())
	}
	return out
}

// SupervisorConfig maps the engine section onto supervision knobs. Unset
// fields fall back to the supervisor defaults.
func (fc *FileConfig) SupervisorConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	e := fc.Engine
	if e.BasePort > 0 {
		cfg.BasePort = e.BasePort
	}
	if e.StartupTimeout > 0 {
		cfg.StartupTimeout = e.StartupTimeout
	}
	if e.StopGrace > 0 {
		cfg.StopGrace = e.StopGrace
	}
	if e.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = e.HeartbeatInterval
	}
	if e.AutoShutdownTimeout > 0 {
		cfg.AutoShutdownTimeout = e.AutoShutdownTimeout
	}
	if e.HeartbeatEnabled != nil {
		cfg.HeartbeatEnabled = *e.HeartbeatEnabled
	}
	if e.AutoShutdownEnabled != nil {
		cfg.AutoShutdownEnabled = *e.AutoShutdownEnabled
	}
	if fc.Log != nil {
		cfg.LogDir = fc.Log.Dir
	}
	return cfg
}

// OrchestratorConfig maps orchestration defaults onto a run config for the
// given goal.
func (fc *FileConfig) OrchestratorConfig(goal string) orchestrator.Config {
	o := fc.Orchestration
	return orchestrator.Config{
		Goal:           goal,
		MaxIterations:  o.MaxIterations,
		IterationDelay: o.IterationDelay,
		PauseDuration:  o.PauseDuration,
		HistoryWindow:  o.HistoryWindow,
	}
}

// LoggerConfig maps the log section onto rotation settings for child output.
func (fc *FileConfig) LoggerConfig() logger.Config {
	if fc.Log == nil {
		return logger.Config{}
	}
	return logger.Config{
		Dir:        fc.Log.Dir,
		StdoutPath: fc.Log.Stdout,
		StderrPath: fc.Log.Stderr,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	}
}

// GlobalEnv merges env sources from config. Precedence: OS env (when enabled)
// provides the base; env_files apply next; the top-level env list overrides
// last.
func (fc *FileConfig) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
