package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func newLoader(t *testing.T, args ...string) *EnvLoader {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, ".env", "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return loader
}

func TestLoadOverlaysRequestedFile(t *testing.T) {
	t.Setenv(EnvFileVar, "")
	t.Setenv("ADOBS_TEST_REFRESH_INTERVAL", "")

	path := filepath.Join(t.TempDir(), "adobs.env")
	if err := os.WriteFile(path, []byte("ADOBS_TEST_REFRESH_INTERVAL=15m\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	loaded, err := newLoader(t, "--env", path).Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q, want %q", loaded, path)
	}
	if got := os.Getenv("ADOBS_TEST_REFRESH_INTERVAL"); got != "15m" {
		t.Fatalf("ADOBS_TEST_REFRESH_INTERVAL = %q, want 15m", got)
	}
}

func TestLoadWithoutEnvFileIsNotAnError(t *testing.T) {
	t.Setenv(EnvFileVar, "")

	missing := filepath.Join(t.TempDir(), "nested", "absent.env")
	loaded, err := newLoader(t, "--env", missing).Load()
	if err != nil {
		t.Fatalf("expected environment-only config to be accepted, got %v", err)
	}
	if loaded != "" {
		t.Fatalf("loaded %q, want nothing", loaded)
	}
}

func TestLoadRequiresExplicitOverrideFile(t *testing.T) {
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "absent.env"))

	if _, err := newLoader(t).Load(); err == nil {
		t.Fatalf("expected error when %s points at a missing file", EnvFileVar)
	}
}

func TestCandidatesSkipDuplicates(t *testing.T) {
	t.Parallel()

	got := newLoader(t, "--env", "config/.env").candidates()
	if len(got) != 2 || got[0] != "config/.env" || got[1] != ".env" {
		t.Fatalf("unexpected candidates %v", got)
	}
}
