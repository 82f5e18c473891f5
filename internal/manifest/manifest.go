// Package manifest describes capability providers: what they are called, which
// actions they answer, and how to launch them. Manifests are immutable once
// loaded; the registry loads them exactly once at initialization.
package manifest

import (
	"fmt"
	"os/exec"
	"strings"
)

// TransportSocket is the only declared transport: a persistent socket
// connection carrying JSON text frames.
const TransportSocket = "socket"

// Manifest is the static description of one capability provider.
type Manifest struct {
	ID        string   `json:"id" mapstructure:"id"`
	Name      string   `json:"name" mapstructure:"name"`
	Version   string   `json:"version" mapstructure:"version"`
	Actions   []string `json:"actions" mapstructure:"actions"`
	Command   string   `json:"command" mapstructure:"command"`
	WorkDir   string   `json:"work_dir" mapstructure:"work_dir"`
	Env       []string `json:"env" mapstructure:"env"`
	Transport string   `json:"transport" mapstructure:"transport"`
	// Port pins the provider to a fixed port. Zero lets the supervisor
	// allocate one.
	Port int `json:"port" mapstructure:"port"`
}

// Validate checks the loaded manifest for required fields.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest requires id")
	}
	if strings.ContainsAny(m.ID, " \t\n\r/\\<>:\"|?*") {
		return fmt.Errorf("manifest %q: id contains invalid characters", m.ID)
	}
	if strings.TrimSpace(m.Command) == "" {
		return fmt.Errorf("manifest %q requires command", m.ID)
	}
	if m.Transport != "" && m.Transport != TransportSocket {
		return fmt.Errorf("manifest %q: unsupported transport %q", m.ID, m.Transport)
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("manifest %q: port out of range", m.ID)
	}
	return nil
}

// HasAction reports whether the manifest declares the named action.
func (m *Manifest) HasAction(action string) bool {
	for _, a := range m.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// BuildCommand constructs an *exec.Cmd for the manifest's launch command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (m *Manifest) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(m.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	// Fallback: when metacharacters are present, use /bin/sh -c
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// If after is wrapped in single or double quotes, strip one pair so that
			// we pass the actual script to the shell (the outer quotes would otherwise
			// inhibit parsing/redirection inside the script).
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
