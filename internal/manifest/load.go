package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Load parses one manifest TOML file.
func Load(path string) (Manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Transport == "" {
		m.Transport = TransportSocket
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// LoadDir scans dir for *.toml manifests and parses each one. Duplicate ids
// are an error. Results are sorted by id for deterministic registry init.
func LoadDir(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan manifest dir %s: %w", dir, err)
	}
	seen := make(map[string]string)
	var out []Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		m, err := Load(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("duplicate capability id %q in %s and %s", m.ID, prev, path)
		}
		seen[m.ID] = path
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
