// Package logger owns the engine's slog setup and the rotated capture of
// provider process output. Every supervised provider gets its own pair of
// rotating stdout/stderr files keyed by capability id.
package logger

import (
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults applied when a knob is left unset.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where captured provider output goes. With only Dir set,
// files are Dir/<capability>.stdout.log and Dir/<capability>.stderr.log; an
// explicit path wins over Dir. Rotation follows lumberjack semantics.
type Config struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Writers opens the stdout and stderr capture files for one capability.
// A writer is nil when no destination is configured for its stream.
func (c Config) Writers(capability string) (io.WriteCloser, io.WriteCloser, error) {
	outW := c.open(c.resolve(c.StdoutPath, capability, "stdout"))
	errW := c.open(c.resolve(c.StderrPath, capability, "stderr"))
	return outW, errW, nil
}

func (c Config) resolve(explicit, capability, stream string) string {
	if explicit != "" {
		return explicit
	}
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, capability+"."+stream+".log")
}

func (c Config) open(path string) io.WriteCloser {
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    orDefault(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: orDefault(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     orDefault(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
