package config

import (
	"errors"
	"os"
	"strings"
)

// minEncryptionKeyLen is the minimum length for the AES key material used to
// encrypt channel secrets and provider credentials at rest.
const minEncryptionKeyLen = 32

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and Redis configuration
//   - services.go: Service mode, worker, scheduler, and reaper configuration
//   - fetch.go: Fetch provider endpoints and credentials
//   - notify.go: Notification delivery configuration
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// EncryptionKey is the AES-GCM key material for secrets at rest
	// (channel signing secrets, provider credentials). Required in
	// production; development mode falls back to pass-through storage.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Services is a comma-delimited list of enabled services.
	// Valid values: worker, scheduler, reaper
	Services string `env:"SERVICES" envDefault:"worker"`

	// Worker pool configuration
	Worker WorkerConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Fetch provider configuration
	Fetch FetchConfig

	// Tier policy rollout flags
	TierPolicy TierPolicyConfig

	// Notification delivery configuration
	Notify NotifyConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Worker.Sanitize()
	c.Scheduler.Sanitize()
	c.Reaper.Sanitize()
	c.Fetch.Sanitize()
	c.TierPolicy.Sanitize()
	c.Notify.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// Validate checks invariants that cannot be defaulted away. Called once at
// bootstrap; a failure here should abort startup.
func (c *AppConfig) Validate() error {
	if c.IsDev {
		return nil
	}
	if len(c.EncryptionKey) < minEncryptionKeyLen {
		return errors.New("ENCRYPTION_KEY must be at least 32 characters outside development mode")
	}
	return nil
}

// detectDevMode checks both DEV and APP_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkerEnabled returns true if the queue worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorker]
}

// IsSchedulerEnabled returns true if the scheduler service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeScheduler]
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}

// TierPolicyConfig controls the tiered fetch policy rollout.
type TierPolicyConfig struct {
	// Enabled switches rules from the legacy fetch policy to per-tier policies.
	Enabled bool `env:"TIER_POLICY_ENABLED" envDefault:"false"`

	// CanaryWorkspaceIDs scopes the rollout to specific workspaces while
	// non-empty. An empty list applies tier policies to all workspaces.
	CanaryWorkspaceIDs []string `env:"CANARY_WORKSPACE_IDS" envDefault:""`
}

// Sanitize normalises the canary workspace list.
func (t *TierPolicyConfig) Sanitize() {
	cleaned := t.CanaryWorkspaceIDs[:0]
	for _, id := range t.CanaryWorkspaceIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	t.CanaryWorkspaceIDs = cleaned
}
