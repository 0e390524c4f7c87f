// Package config loads the driver's configuration from the environment
// using the reflective loader in internal/env, following the same
// env-var-driven pattern the rest of this codebase uses.
package config

import (
	"fmt"
	"time"

	"github.com/rezkam/workflow-graph/internal/env"
)

// Config holds the workflow driver's configuration.
type Config struct {
	// ManagerName identifies this scheduler run; it is compared against
	// LookupScheduledChildren's "manager_name/task_id" naming on resume.
	ManagerName string `env:"WORKFLOW_MANAGER_NAME"`

	// Backend selects the job-submission adapter: "memory" or "sqlite".
	Backend string `env:"WORKFLOW_BACKEND"`
	// BackendDriver is "sqlite" (default) or "pgx" when Backend is "sqlite".
	BackendDriver string `env:"WORKFLOW_BACKEND_DRIVER"`
	// BackendDSN is the database path/connection string for the sqlite
	// backend; ignored by the memory backend.
	BackendDSN string `env:"WORKFLOW_BACKEND_DSN"`

	// PollInterval is the driver loop's sleep between Tick calls.
	PollInterval time.Duration `env:"WORKFLOW_POLL_INTERVAL"`
	// MaxRunningJobs caps concurrency; zero means unbounded.
	MaxRunningJobs int `env:"WORKFLOW_MAX_RUNNING_JOBS"`
	// OnlyStartingJobs disables on_finish routing entirely.
	OnlyStartingJobs bool `env:"WORKFLOW_ONLY_STARTING_JOBS"`

	// ResumeFromJobID, if set, runs the resume protocol instead of seeding
	// from the CLI's --starting-job flags.
	ResumeFromJobID string `env:"WORKFLOW_RESUME_FROM_JOBID"`

	ServiceName string `env:"WORKFLOW_SERVICE_NAME"`
	OTelEnabled bool   `env:"WORKFLOW_OTEL_ENABLED"`
}

// Validate implements env.Validator. It only checks fields whose validity
// is fully determined by the environment at Load time; ManagerName may
// still be supplied later via --manager-name, so its presence is checked
// by the caller once CLI overrides have been applied (see run in
// cmd/workflow-driver).
func (c *Config) Validate() error {
	switch c.Backend {
	case "", "memory":
	case "sqlite":
		if c.BackendDSN == "" {
			return fmt.Errorf("WORKFLOW_BACKEND_DSN is required when WORKFLOW_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("unknown WORKFLOW_BACKEND: %s", c.Backend)
	}
	return nil
}

// Load parses environment variables into a Config, applying defaults for
// anything left at its zero value (internal/env.Load has no notion of
// struct-tag defaults, so this happens after loading instead).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.BackendDriver == "" {
		cfg.BackendDriver = "sqlite"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "workflow-driver"
	}
}
