package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFilesMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.toml"), filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "sysrepo.toml")
	if err := os.WriteFile(tomlPath, []byte(`repo_path = "/var/lib/sysrepo"
rp_thread_count = 8
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(tomlPath, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RepoPath != "/var/lib/sysrepo" {
		t.Fatalf("repo path = %q", cfg.RepoPath)
	}
	if cfg.RequestProcessorThreadCount != 8 {
		t.Fatalf("thread count = %d, want 8", cfg.RequestProcessorThreadCount)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "sysrepo.toml")
	if err := os.WriteFile(tomlPath, []byte(`repo_path = "/var/lib/sysrepo"
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("SYSREPO_REPO_PATH", "/override/path")
	defer os.Unsetenv("SYSREPO_REPO_PATH")

	cfg, err := Load(tomlPath, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RepoPath != "/override/path" {
		t.Fatalf("repo path = %q, want env override", cfg.RepoPath)
	}
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.RepoPath = dir

	if err := EnsureDirs(cfg); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, name := range []string{StartupDir, NotificationsDir, YangDir} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", name)
		}
	}
}
