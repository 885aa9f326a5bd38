package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenManagerMissingConfigReturnsError(t *testing.T) {
	_, _, err := openManager(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected an error opening a manager against a missing config file")
	}
}

func TestOpenManagerBuildsFromMinimalConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dctl.toml")
	writeMinimalConfig(t, cfgPath, dir)

	mgr, closeFn, err := openManager(cfgPath)
	if err != nil {
		t.Fatalf("openManager: %v", err)
	}
	defer closeFn()

	if mgr == nil {
		t.Fatal("expected a non-nil manager")
	}
}

func writeMinimalConfig(t *testing.T, path, home string) {
	t.Helper()
	contents := `
[general]
workflow_home = "` + home + `"

[providers.codex]
backend = "process"

[routing]
simple = "codex"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
