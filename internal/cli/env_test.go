package cli

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestEnvLoaderUsesFlagValue(t *testing.T) {
	dir := t.TempDir()
	path := writeEnvFile(t, dir, "greenhouse.env", "MERGE_TIME_WINDOW_MS=1500\n")
	t.Setenv("GREENHOUSE_ENV_FILE", "")
	t.Setenv("HORSE_ENV_FILE", "")
	t.Setenv("MERGE_TIME_WINDOW_MS", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	loader := AddEnvFlag(fs, ".env", "")
	if err := fs.Parse([]string{"--env", path}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != path {
		t.Fatalf("unexpected loaded path: got %q want %q", loaded, path)
	}
	if got := os.Getenv("MERGE_TIME_WINDOW_MS"); got != "1500" {
		t.Fatalf("unexpected MERGE_TIME_WINDOW_MS: got %q want 1500", got)
	}
}

func TestEnvLoaderOverrideVariableWins(t *testing.T) {
	dir := t.TempDir()
	flagged := writeEnvFile(t, dir, "flag.env", "STORAGE_DRIVER=postgres\n")
	override := writeEnvFile(t, dir, "override.env", "STORAGE_DRIVER=memory\n")
	t.Setenv("GREENHOUSE_ENV_FILE", override)
	t.Setenv("STORAGE_DRIVER", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	loader := AddEnvFlag(fs, flagged, "")
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != override {
		t.Fatalf("unexpected loaded path: got %q want %q", loaded, override)
	}
	if got := os.Getenv("STORAGE_DRIVER"); got != "memory" {
		t.Fatalf("unexpected STORAGE_DRIVER: got %q want memory", got)
	}
}

func TestEnvLoaderMissingFile(t *testing.T) {
	t.Setenv("GREENHOUSE_ENV_FILE", "")
	t.Setenv("HORSE_ENV_FILE", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	loader := AddEnvFlag(fs, filepath.Join(t.TempDir(), "absent.env"), "")
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
