package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceManifest lists the legacy logs merged into the chronicle.
type SourceManifest struct {
	// Root is the directory sources are resolved against. A relative root
	// is taken relative to the manifest file.
	Root string `yaml:"root,omitempty" json:"root,omitempty"`
	// Target is the chronicle file, relative to Root unless absolute.
	Target  string   `yaml:"target,omitempty" json:"target,omitempty"`
	Sources []string `yaml:"sources" json:"sources"`
}

// LoadSources reads a YAML source manifest. Blank entries are dropped;
// order and repeats are preserved.
func LoadSources(path string) (*SourceManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load sources %q: %w", path, err)
	}

	var m SourceManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse sources %q: %w", path, err)
	}

	kept := m.Sources[:0]
	for _, s := range m.Sources {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	m.Sources = kept
	if len(m.Sources) == 0 {
		return nil, fmt.Errorf("sources %q: no sources listed", path)
	}

	if m.Root != "" && !filepath.IsAbs(m.Root) {
		m.Root = filepath.Join(filepath.Dir(path), m.Root)
	}
	return &m, nil
}

// TargetPath resolves the chronicle target against root, falling back to
// def when the manifest names none.
func (m *SourceManifest) TargetPath(root, def string) string {
	if m.Target == "" {
		return def
	}
	if filepath.IsAbs(m.Target) {
		return m.Target
	}
	return filepath.Join(root, m.Target)
}
