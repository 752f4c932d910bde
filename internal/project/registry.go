package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/uxfreak/previewd/internal/id"
	"github.com/uxfreak/previewd/internal/paths"
)

// registryFile is the on-disk shape of the project registry.
type registryFile struct {
	Projects []Project `toml:"projects"`
}

// Registry is the persistent collection of registered projects.
type Registry struct {
	path string // Immutable after creation
	mu   sync.RWMutex
	// +checklocks:mu
	byName map[string]*Project
}

// NewRegistry loads the registry from the default path.
func NewRegistry() (*Registry, error) {
	path, err := paths.RegistryPath()
	if err != nil {
		return nil, err
	}
	return NewRegistryWithPath(path)
}

// NewRegistryWithPath loads the registry from a specific path. A missing
// file yields an empty registry.
func NewRegistryWithPath(path string) (*Registry, error) {
	r := &Registry{
		path:   path,
		byName: make(map[string]*Project),
	}

	var file registryFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	}
	for i := range file.Projects {
		p := file.Projects[i]
		r.byName[p.Name] = &p
	}
	return r, nil
}

// Add registers a project. The name defaults to the path's base name and
// must be unique; the path must exist.
func (r *Registry) Add(name, path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, abs)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	p := &Project{
		ID:   id.WithPrefix("proj"),
		Name: name,
		Path: abs,
	}
	r.byName[name] = p

	if err := r.saveLocked(); err != nil {
		delete(r.byName, name)
		return nil, err
	}
	return p, nil
}

// Remove unregisters a project by name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.byName, name)

	if err := r.saveLocked(); err != nil {
		r.byName[name] = p
		return err
	}
	return nil
}

// Get returns a project by name.
func (r *Registry) Get(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// List returns all projects sorted by name.
func (r *Registry) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Project, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// saveLocked writes the registry to disk.
//
// +checklocks:r.mu
func (r *Registry) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	var file registryFile
	for _, p := range r.byName {
		file.Projects = append(file.Projects, *p)
	}
	sort.Slice(file.Projects, func(i, j int) bool {
		return file.Projects[i].Name < file.Projects[j].Name
	})

	f, err := os.CreateTemp(filepath.Dir(r.path), ".projects-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := toml.NewEncoder(f).Encode(file); err != nil {
		f.Close()
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), r.path)
}
