package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadEnvSetsVariables(t *testing.T) {
	t.Setenv("STATARB_TEST_A", "")
	os.Unsetenv("STATARB_TEST_A")
	t.Setenv("STATARB_TEST_B", "")
	os.Unsetenv("STATARB_TEST_B")

	path := writeEnvFile(t, `
# comment line
STATARB_TEST_A=hello
STATARB_TEST_B="quoted value"

not-a-pair
`)
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env failed: %v", err)
	}
	if got := os.Getenv("STATARB_TEST_A"); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if got := os.Getenv("STATARB_TEST_B"); got != "quoted value" {
		t.Fatalf("quotes must be stripped, got %q", got)
	}
}

func TestLoadEnvExistingVariablesWin(t *testing.T) {
	t.Setenv("STATARB_TEST_C", "from-environment")
	path := writeEnvFile(t, "STATARB_TEST_C=from-file\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env failed: %v", err)
	}
	if got := os.Getenv("STATARB_TEST_C"); got != "from-environment" {
		t.Fatalf("environment must win over file, got %q", got)
	}
}

func TestLoadEnvMissingFileIsNotAnError(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file must be tolerated: %v", err)
	}
}
