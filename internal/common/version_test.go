package common

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetFullVersion_Defaults(t *testing.T) {
	expected := "dev (build: unknown, commit: unknown)"
	if got := GetFullVersion(); got != expected {
		t.Errorf("expected full version %q, got %q", expected, got)
	}
}

func TestLoadVersionFile_FillsDefaultsOnly(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, Build, GitCommit
	t.Cleanup(func() { Version, Build, GitCommit = oldVersion, oldBuild, oldCommit })

	Version, Build, GitCommit = "dev", "2026-01-01", "unknown"

	path := filepath.Join(t.TempDir(), ".version")
	content := "# generated\nversion: 1.4.0\nbuild: 2026-10-01\ncommit: abc1234\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	loadVersionFile(path)

	if Version != "1.4.0" {
		t.Errorf("expected version 1.4.0, got %s", Version)
	}
	if Build != "2026-01-01" {
		t.Errorf("expected ldflags build to win, got %s", Build)
	}
	if GitCommit != "abc1234" {
		t.Errorf("expected commit abc1234, got %s", GitCommit)
	}
}

func TestLoadVersionFile_MissingFile(t *testing.T) {
	oldVersion := Version
	t.Cleanup(func() { Version = oldVersion })

	loadVersionFile(filepath.Join(t.TempDir(), "missing"))
	if Version != oldVersion {
		t.Errorf("expected version unchanged, got %s", Version)
	}
}
