// Package config resolves the orchestrator's startup configuration
// from environment variables, with an optional YAML file overlay
// applied before the env vars so operators can check a base config
// into source control and still override per-deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxConcurrent          = 3
	defaultContainerMemoryMB      = 512
	defaultContainerCPUPct        = 50
	defaultPhaseTimeoutReconMS    = 15 * 60 * 1000
	defaultPhaseTimeoutAnalyzeMS = 30 * 60 * 1000
	defaultPhaseTimeoutExploitMS = 45 * 60 * 1000
	defaultWorkflowRetentionHrs   = 72
	defaultRegistryMirror         = ""
	defaultApprovalTTL            = 30 * time.Minute
	defaultPersistenceDialect     = "postgres"
)

// Config is the resolved set of startup tunables. cmd/orchestrator
// passes MaxConcurrent and ApprovalTTL to the Controller and the
// persistence fields to the store; the container limits, phase
// timeouts, retention hours and registry mirror are parsed and
// validated here but not read by any other package.
type Config struct {
	MaxConcurrent          int           `yaml:"maxConcurrent"`
	ContainerMemoryMB      int           `yaml:"containerMemoryMb"`
	ContainerCPUPct        int           `yaml:"containerCpuPct"`
	PhaseTimeoutRecon      time.Duration `yaml:"-"`
	PhaseTimeoutAnalyze    time.Duration `yaml:"-"`
	PhaseTimeoutExploit    time.Duration `yaml:"-"`
	WorkflowRetentionHours int           `yaml:"workflowRetentionHours"`
	RegistryMirror         string        `yaml:"registryMirror"`
	ApprovalTTL            time.Duration `yaml:"-"`

	PhaseTimeoutReconMS   int64 `yaml:"phaseTimeoutReconMs"`
	PhaseTimeoutAnalyzeMS int64 `yaml:"phaseTimeoutAnalyzeMs"`
	PhaseTimeoutExploitMS int64 `yaml:"phaseTimeoutExploitMs"`

	// PersistenceDSN is the connection string for the durable sink
	// (C10). Empty means the controller runs in-memory only, the same
	// as every prior release before persistence was wired in.
	PersistenceDSN     string `yaml:"persistenceDsn"`
	PersistenceDialect string `yaml:"persistenceDialect"`
}

// Default returns the built-in baseline defaults.
func Default() Config {
	return Config{
		MaxConcurrent:          defaultMaxConcurrent,
		ContainerMemoryMB:      defaultContainerMemoryMB,
		ContainerCPUPct:        defaultContainerCPUPct,
		PhaseTimeoutReconMS:    defaultPhaseTimeoutReconMS,
		PhaseTimeoutAnalyzeMS:  defaultPhaseTimeoutAnalyzeMS,
		PhaseTimeoutExploitMS:  defaultPhaseTimeoutExploitMS,
		WorkflowRetentionHours: defaultWorkflowRetentionHrs,
		RegistryMirror:         defaultRegistryMirror,
		ApprovalTTL:            defaultApprovalTTL,
		PersistenceDialect:     defaultPersistenceDialect,
	}.resolveDurations()
}

func (c Config) resolveDurations() Config {
	c.PhaseTimeoutRecon = time.Duration(c.PhaseTimeoutReconMS) * time.Millisecond
	c.PhaseTimeoutAnalyze = time.Duration(c.PhaseTimeoutAnalyzeMS) * time.Millisecond
	c.PhaseTimeoutExploit = time.Duration(c.PhaseTimeoutExploitMS) * time.Millisecond
	return c
}

// LoadFile overlays a YAML config file onto base. A missing file is
// not an error — it simply leaves base unchanged.
func LoadFile(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return base.resolveDurations(), nil
}

// LoadEnv overlays environment variables onto base, applying only the
// variables that are actually set — unset variables leave the prior
// value (file overlay or built-in default) untouched.
func LoadEnv(base Config) (Config, error) {
	if v, ok := os.LookupEnv("MAX_CONCURRENT"); ok {
		n, err := parsePositiveInt("MAX_CONCURRENT", v)
		if err != nil {
			return Config{}, err
		}
		base.MaxConcurrent = n
	}
	if v, ok := os.LookupEnv("CONTAINER_MEMORY_MB"); ok {
		n, err := parsePositiveInt("CONTAINER_MEMORY_MB", v)
		if err != nil {
			return Config{}, err
		}
		base.ContainerMemoryMB = n
	}
	if v, ok := os.LookupEnv("CONTAINER_CPU_PCT"); ok {
		n, err := parsePositiveInt("CONTAINER_CPU_PCT", v)
		if err != nil {
			return Config{}, err
		}
		base.ContainerCPUPct = n
	}
	if v, ok := os.LookupEnv("PHASE_TIMEOUT_RECON_MS"); ok {
		n, err := parsePositiveInt64("PHASE_TIMEOUT_RECON_MS", v)
		if err != nil {
			return Config{}, err
		}
		base.PhaseTimeoutReconMS = n
	}
	if v, ok := os.LookupEnv("PHASE_TIMEOUT_ANALYZE_MS"); ok {
		n, err := parsePositiveInt64("PHASE_TIMEOUT_ANALYZE_MS", v)
		if err != nil {
			return Config{}, err
		}
		base.PhaseTimeoutAnalyzeMS = n
	}
	if v, ok := os.LookupEnv("PHASE_TIMEOUT_EXPLOIT_MS"); ok {
		n, err := parsePositiveInt64("PHASE_TIMEOUT_EXPLOIT_MS", v)
		if err != nil {
			return Config{}, err
		}
		base.PhaseTimeoutExploitMS = n
	}
	if v, ok := os.LookupEnv("WORKFLOW_RETENTION_HOURS"); ok {
		n, err := parsePositiveInt("WORKFLOW_RETENTION_HOURS", v)
		if err != nil {
			return Config{}, err
		}
		base.WorkflowRetentionHours = n
	}
	if v, ok := os.LookupEnv("REGISTRY_MIRROR"); ok {
		base.RegistryMirror = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("APPROVAL_TTL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: APPROVAL_TTL must be a positive duration, got %q", v)
		}
		base.ApprovalTTL = d
	}
	if v, ok := os.LookupEnv("PERSISTENCE_DSN"); ok {
		base.PersistenceDSN = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("PERSISTENCE_DIALECT"); ok {
		base.PersistenceDialect = strings.TrimSpace(v)
	}
	return base.resolveDurations(), nil
}

func parsePositiveInt(name, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", name, raw)
	}
	return n, nil
}

func parsePositiveInt64(name, raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", name, raw)
	}
	return n, nil
}
