package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	base := Manifest{ID: "browser", Command: "browser-driver"}

	cases := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr string
	}{
		{"ok", func(*Manifest) {}, ""},
		{"ok socket transport", func(m *Manifest) { m.Transport = TransportSocket }, ""},
		{"ok pinned port", func(m *Manifest) { m.Port = 7900 }, ""},
		{"missing id", func(m *Manifest) { m.ID = " " }, "requires id"},
		{"id with slash", func(m *Manifest) { m.ID = "a/b" }, "invalid characters"},
		{"missing command", func(m *Manifest) { m.Command = "" }, "requires command"},
		{"bad transport", func(m *Manifest) { m.Transport = "grpc" }, "unsupported transport"},
		{"port out of range", func(m *Manifest) { m.Port = 70000 }, "port out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := base
			tc.mutate(&m)
			err := m.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestHasAction(t *testing.T) {
	m := Manifest{Actions: []string{"click", "screenshot"}}
	require.True(t, m.HasAction("click"))
	require.False(t, m.HasAction("scroll"))
}

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		name     string
		command  string
		wantPath string
		wantArgs []string
	}{
		{"plain binary", "browser-driver --port 0", "browser-driver", []string{"--port", "0"}},
		{"metacharacters use shell", "echo hi > /dev/null", "/bin/sh", []string{"-c", "echo hi > /dev/null"}},
		{"explicit shell unquoted", "sh -c sleep 1", "/bin/sh", []string{"-c", "sleep 1"}},
		{"explicit shell quoted", `sh -c 'echo a; echo b'`, "/bin/sh", []string{"-c", "echo a; echo b"}},
		{"absolute shell", `/bin/sh -c "sleep 9"`, "/bin/sh", []string{"-c", "sleep 9"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Manifest{ID: "x", Command: tc.command}
			cmd := m.BuildCommand()
			require.Contains(t, cmd.Path, tc.wantPath)
			require.Equal(t, append([]string{cmd.Args[0]}, tc.wantArgs...), cmd.Args)
		})
	}
}

func TestLoadDefaultsTransport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browser.toml")
	writeFile(t, path, `
id = "browser"
name = "Browser Driver"
version = "1.2.0"
actions = ["navigate", "click"]
command = "browser-driver"
`)
	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "browser", m.ID)
	require.Equal(t, TransportSocket, m.Transport)
	require.Equal(t, []string{"navigate", "click"}, m.Actions)
}

func TestLoadRejectsInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	writeFile(t, path, `
id = "bad"
transport = "pigeon"
command = "x"
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "unsupported transport")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.toml"), "id = \"vision\"\ncommand = \"vision-driver\"\n")
	writeFile(t, filepath.Join(dir, "a.toml"), "id = \"browser\"\ncommand = \"browser-driver\"\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.toml"), 0o755))

	ms, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	// Sorted by id regardless of file name order.
	require.Equal(t, "browser", ms[0].ID)
	require.Equal(t, "vision", ms[1].ID)
}

func TestLoadDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.toml"), "id = \"browser\"\ncommand = \"one\"\n")
	writeFile(t, filepath.Join(dir, "b.toml"), "id = \"browser\"\ncommand = \"two\"\n")

	_, err := LoadDir(dir)
	require.ErrorContains(t, err, "duplicate capability id")
}

func TestLoadDirMissing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
