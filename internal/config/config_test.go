package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultMatchesDocumentedBaseline(t *testing.T) {
	c := Default()
	if c.MaxConcurrent != 3 {
		t.Fatalf("expected default MaxConcurrent 3, got %d", c.MaxConcurrent)
	}
	if c.PhaseTimeoutRecon != 15*time.Minute {
		t.Fatalf("expected recon budget 15m, got %v", c.PhaseTimeoutRecon)
	}
	if c.ApprovalTTL != 30*time.Minute {
		t.Fatalf("expected approval TTL 30m, got %v", c.ApprovalTTL)
	}
}

func TestLoadEnvOverridesOnlySetVars(t *testing.T) {
	t.Setenv("MAX_CONCURRENT", "7")
	t.Setenv("PHASE_TIMEOUT_EXPLOIT_MS", "60000")

	c, err := LoadEnv(Default())
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxConcurrent != 7 {
		t.Fatalf("expected MaxConcurrent 7, got %d", c.MaxConcurrent)
	}
	if c.PhaseTimeoutExploit != time.Minute {
		t.Fatalf("expected exploit budget 1m, got %v", c.PhaseTimeoutExploit)
	}
	if c.ContainerMemoryMB != defaultContainerMemoryMB {
		t.Fatalf("expected untouched default memory, got %d", c.ContainerMemoryMB)
	}
}

func TestLoadEnvRejectsInvalidValue(t *testing.T) {
	t.Setenv("MAX_CONCURRENT", "not-a-number")
	if _, err := LoadEnv(Default()); err == nil {
		t.Fatal("expected an error for a malformed MAX_CONCURRENT")
	}
}

func TestLoadFileMissingPathIsNotAnError(t *testing.T) {
	c, err := LoadFile(Default(), "/nonexistent/path/does-not-exist.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxConcurrent != defaultMaxConcurrent {
		t.Fatalf("expected unchanged default, got %d", c.MaxConcurrent)
	}
}

func TestLoadFileOverlaysYAML(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("maxConcurrent: 9\nregistryMirror: mirror.internal\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c, err := LoadFile(Default(), f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxConcurrent != 9 {
		t.Fatalf("expected MaxConcurrent 9, got %d", c.MaxConcurrent)
	}
	if c.RegistryMirror != "mirror.internal" {
		t.Fatalf("expected registryMirror overlay, got %q", c.RegistryMirror)
	}
}
