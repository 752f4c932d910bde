package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		m, err := LoadManifest(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Command != "npm" {
			t.Errorf("expected npm default, got %s", m.Command)
		}
		if len(m.Args) != 2 || m.Args[0] != "run" || m.Args[1] != "dev" {
			t.Errorf("unexpected default args: %v", m.Args)
		}
	})

	t.Run("full manifest", func(t *testing.T) {
		dir := t.TempDir()
		content := `
command: pnpm
args: ["dev", "--host"]
ready_pattern: "Local:\\s+http"
env:
  NODE_ENV: development
`
		if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0600); err != nil {
			t.Fatalf("write manifest: %v", err)
		}

		m, err := LoadManifest(dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Command != "pnpm" {
			t.Errorf("expected pnpm, got %s", m.Command)
		}
		if m.ReadyPattern != `Local:\s+http` {
			t.Errorf("unexpected ready pattern: %q", m.ReadyPattern)
		}
		if m.Env["NODE_ENV"] != "development" {
			t.Errorf("unexpected env: %v", m.Env)
		}
	})

	t.Run("command omitted keeps default command", func(t *testing.T) {
		dir := t.TempDir()
		content := "ready_pattern: ready\n"
		if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0600); err != nil {
			t.Fatalf("write manifest: %v", err)
		}

		m, err := LoadManifest(dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Command != "npm" {
			t.Errorf("expected npm fallback, got %s", m.Command)
		}
	})

	t.Run("malformed yaml errors", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(":\t:bad"), 0600); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
		if _, err := LoadManifest(dir); err == nil {
			t.Error("expected error for malformed manifest")
		}
	})
}

func TestRegistry(t *testing.T) {
	regPath := func(t *testing.T) string {
		return filepath.Join(t.TempDir(), "projects.toml")
	}

	t.Run("add and get", func(t *testing.T) {
		r, err := NewRegistryWithPath(regPath(t))
		if err != nil {
			t.Fatalf("new registry: %v", err)
		}

		dir := t.TempDir()
		p, err := r.Add("demo", dir)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if p.Name != "demo" {
			t.Errorf("expected name demo, got %s", p.Name)
		}
		if p.ID == "" {
			t.Error("expected generated project ID")
		}

		got, err := r.Get("demo")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Path != p.Path {
			t.Errorf("expected path %s, got %s", p.Path, got.Path)
		}
	})

	t.Run("name defaults to path base", func(t *testing.T) {
		r, _ := NewRegistryWithPath(regPath(t))
		dir := filepath.Join(t.TempDir(), "myapp")
		if err := os.MkdirAll(dir, 0700); err != nil {
			t.Fatal(err)
		}
		p, err := r.Add("", dir)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if p.Name != "myapp" {
			t.Errorf("expected myapp, got %s", p.Name)
		}
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		r, _ := NewRegistryWithPath(regPath(t))
		dir := t.TempDir()
		if _, err := r.Add("demo", dir); err != nil {
			t.Fatalf("add: %v", err)
		}
		if _, err := r.Add("demo", dir); err == nil {
			t.Error("expected error for duplicate name")
		}
	})

	t.Run("nonexistent path rejected", func(t *testing.T) {
		r, _ := NewRegistryWithPath(regPath(t))
		if _, err := r.Add("ghost", "/definitely/not/here"); err == nil {
			t.Error("expected error for missing path")
		}
	})

	t.Run("persists across reload", func(t *testing.T) {
		path := regPath(t)
		dir := t.TempDir()

		r1, _ := NewRegistryWithPath(path)
		if _, err := r1.Add("demo", dir); err != nil {
			t.Fatalf("add: %v", err)
		}

		r2, err := NewRegistryWithPath(path)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if _, err := r2.Get("demo"); err != nil {
			t.Errorf("expected demo after reload: %v", err)
		}
	})

	t.Run("remove", func(t *testing.T) {
		r, _ := NewRegistryWithPath(regPath(t))
		dir := t.TempDir()
		r.Add("demo", dir)

		if err := r.Remove("demo"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if _, err := r.Get("demo"); err == nil {
			t.Error("expected not found after remove")
		}
		if err := r.Remove("demo"); err == nil {
			t.Error("expected error removing unknown project")
		}
	})

	t.Run("list sorted", func(t *testing.T) {
		r, _ := NewRegistryWithPath(regPath(t))
		r.Add("zeta", t.TempDir())
		r.Add("alpha", t.TempDir())

		list := r.List()
		if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
			t.Errorf("unexpected list order: %v", list)
		}
	})
}
