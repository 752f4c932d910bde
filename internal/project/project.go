// Package project provides the project model, per-project manifests, and
// the persistent registry of known projects.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Errors returned by project operations.
var (
	ErrNotFound      = errors.New("project not found")
	ErrAlreadyExists = errors.New("project already exists")
	ErrInvalidPath   = errors.New("project path does not exist")
)

// Project is one registered project: the logical owner of at most one dev
// server and any number of terminal sessions.
type Project struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// ManifestFile is the per-project manifest filename, looked up in the
// project working directory.
const ManifestFile = ".preview.yaml"

// Manifest declares how a project's dev server runs. All fields are
// optional; zero values fall back to the supervisor defaults.
type Manifest struct {
	// Command and Args form the dev-server command line.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// ReadyPattern overrides the global readiness regexp.
	ReadyPattern string `yaml:"ready_pattern"`

	// Env is merged over the inherited environment at spawn.
	Env map[string]string `yaml:"env"`
}

// DefaultManifest returns the manifest used when a project has none.
func DefaultManifest() *Manifest {
	return &Manifest{
		Command: "npm",
		Args:    []string{"run", "dev"},
	}
}

// LoadManifest reads the project manifest from dir. A missing file yields
// the default manifest; a malformed one is an error.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultManifest(), nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Command == "" {
		d := DefaultManifest()
		m.Command = d.Command
		if len(m.Args) == 0 {
			m.Args = d.Args
		}
	}
	return &m, nil
}
