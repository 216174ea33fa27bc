// Package config loads control plane configuration from an optional YAML
// file overlaid with CONTROLPLANE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// Config is the full daemon configuration.
type Config struct {
	HTTPAddr     string         `yaml:"http_addr"`
	LogLevel     string         `yaml:"log_level"`
	NATSURL      string         `yaml:"nats_url"`
	PostgresDSN  string         `yaml:"postgres_dsn"`
	RedisAddr    string         `yaml:"redis_addr"`
	Policy       PolicyConfig   `yaml:"policy"`
	Risk         RiskConfig     `yaml:"risk"`
	Approval     ApprovalConfig `yaml:"approval"`
	Workflow     WorkflowConfig `yaml:"workflow"`
	Supervisor   SupConfig      `yaml:"supervisor"`
	Snapshot     SnapshotConfig `yaml:"snapshot"`
	Notify       NotifyConfig   `yaml:"notify"`
}

// PolicyConfig tunes the policy client and its circuit breaker.
type PolicyConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	CooldownBase     time.Duration `yaml:"cooldown_base"`
	CooldownMax      time.Duration `yaml:"cooldown_max"`
}

// RiskConfig tunes the deterministic classifier.
type RiskConfig struct {
	DestructiveKeywords []string            `yaml:"destructive_keywords"`
	BlastRadiusCeiling  map[string]int      `yaml:"blast_radius_ceiling"`
}

// ApprovalConfig tunes the human gate.
type ApprovalConfig struct {
	Timeout       time.Duration       `yaml:"timeout"`
	CheckInterval time.Duration       `yaml:"check_interval"`
	Chains        map[string][]string `yaml:"chains"`
}

// WorkflowConfig tunes the remediation engine.
type WorkflowConfig struct {
	ExecutionTimeout  time.Duration `yaml:"execution_timeout"`
	ValidationTimeout time.Duration `yaml:"validation_timeout"`
	RollbackTimeout   time.Duration `yaml:"rollback_timeout"`
	LeaseWait         time.Duration `yaml:"lease_wait"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
}

// SupConfig tunes the supervisor orchestrator.
type SupConfig struct {
	AutoChainThreshold float64       `yaml:"auto_chain_threshold"`
	EscalateThreshold  float64       `yaml:"escalate_threshold"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	DedupeSize         int           `yaml:"dedupe_size"`
}

// SnapshotConfig tunes snapshot storage.
type SnapshotConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// NotifyChannel configures one notification sink.
type NotifyChannel struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	WebhookURL string `yaml:"webhook_url,omitempty"`
	RoutingKey string `yaml:"routing_key,omitempty"`
	Subject    string `yaml:"subject,omitempty"`
}

// NotifyConfig configures the notification boundary.
type NotifyConfig struct {
	Channels []NotifyChannel `yaml:"channels"`
	Timeout  time.Duration   `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:    ":8080",
		LogLevel:    "info",
		NATSURL:     "nats://localhost:4222",
		PostgresDSN: "",
		RedisAddr:   "",
		Policy: PolicyConfig{
			Endpoint:         "http://localhost:8181/v1/evaluate",
			Timeout:          5 * time.Second,
			FailureThreshold: 5,
			CooldownBase:     30 * time.Second,
			CooldownMax:      8 * time.Minute,
		},
		Risk: RiskConfig{
			DestructiveKeywords: []string{"delete", "destroy", "terminate", "drop", "purge", "revoke", "wipe"},
			BlastRadiusCeiling: map[string]int{
				string(model.EnvDevelopment): 20,
				string(model.EnvStaging):     10,
				string(model.EnvProduction):  5,
			},
		},
		Approval: ApprovalConfig{
			Timeout:       5 * time.Minute,
			CheckInterval: 10 * time.Second,
			Chains: map[string][]string{
				string(model.RiskHigh):     {"oncall-primary", "oncall-secondary"},
				string(model.RiskCritical): {"oncall-primary", "oncall-secondary", "eng-manager"},
			},
		},
		Workflow: WorkflowConfig{
			ExecutionTimeout:  2 * time.Minute,
			ValidationTimeout: 30 * time.Second,
			RollbackTimeout:   2 * time.Minute,
			LeaseWait:         1 * time.Minute,
			LeaseTTL:          10 * time.Minute,
		},
		Supervisor: SupConfig{
			AutoChainThreshold: 0.85,
			EscalateThreshold:  0.50,
			DispatchTimeout:    5 * time.Minute,
			DedupeSize:         4096,
		},
		Snapshot: SnapshotConfig{
			Retention: 72 * time.Hour,
		},
		Notify: NotifyConfig{
			Channels: []NotifyChannel{{Name: "log", Kind: "log"}},
			Timeout:  5 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONTROLPLANE_CONFIG_FILE (if set), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONTROLPLANE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("CONTROLPLANE_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("CONTROLPLANE_LOG_LEVEL", c.LogLevel)
	c.NATSURL = getEnv("CONTROLPLANE_NATS_URL", c.NATSURL)
	c.PostgresDSN = getEnv("CONTROLPLANE_POSTGRES_DSN", c.PostgresDSN)
	c.RedisAddr = getEnv("CONTROLPLANE_REDIS_ADDR", c.RedisAddr)

	c.Policy.Endpoint = getEnv("CONTROLPLANE_POLICY_ENDPOINT", c.Policy.Endpoint)
	c.Policy.Timeout = getEnvDuration("CONTROLPLANE_POLICY_TIMEOUT", c.Policy.Timeout)
	c.Policy.FailureThreshold = getEnvInt("CONTROLPLANE_POLICY_FAILURE_THRESHOLD", c.Policy.FailureThreshold)
	c.Policy.CooldownBase = getEnvDuration("CONTROLPLANE_POLICY_COOLDOWN", c.Policy.CooldownBase)

	c.Approval.Timeout = getEnvDuration("CONTROLPLANE_APPROVAL_TIMEOUT", c.Approval.Timeout)
	c.Approval.CheckInterval = getEnvDuration("CONTROLPLANE_APPROVAL_CHECK_INTERVAL", c.Approval.CheckInterval)

	c.Workflow.ExecutionTimeout = getEnvDuration("CONTROLPLANE_EXECUTION_TIMEOUT", c.Workflow.ExecutionTimeout)
	c.Workflow.ValidationTimeout = getEnvDuration("CONTROLPLANE_VALIDATION_TIMEOUT", c.Workflow.ValidationTimeout)
	c.Workflow.LeaseWait = getEnvDuration("CONTROLPLANE_LEASE_WAIT", c.Workflow.LeaseWait)

	c.Supervisor.AutoChainThreshold = getEnvFloat("CONTROLPLANE_AUTO_CHAIN_THRESHOLD", c.Supervisor.AutoChainThreshold)
	c.Supervisor.EscalateThreshold = getEnvFloat("CONTROLPLANE_ESCALATE_THRESHOLD", c.Supervisor.EscalateThreshold)

	c.Snapshot.Retention = getEnvDuration("CONTROLPLANE_SNAPSHOT_RETENTION", c.Snapshot.Retention)
}

// Validate rejects configurations that would deadlock or disable gates.
func (c *Config) Validate() error {
	if c.Policy.FailureThreshold < 1 {
		return fmt.Errorf("policy failure threshold must be at least 1, got %d", c.Policy.FailureThreshold)
	}
	if c.Policy.Timeout <= 0 {
		return fmt.Errorf("policy timeout must be positive")
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval timeout must be positive")
	}
	// The policy call and health probe block workflow goroutines; both must
	// resolve well before a pending approval would.
	if c.Policy.Timeout >= c.Approval.Timeout {
		return fmt.Errorf("policy timeout %s must be shorter than approval timeout %s", c.Policy.Timeout, c.Approval.Timeout)
	}
	if c.Workflow.ValidationTimeout >= c.Approval.Timeout {
		return fmt.Errorf("validation timeout %s must be shorter than approval timeout %s", c.Workflow.ValidationTimeout, c.Approval.Timeout)
	}
	if c.Supervisor.EscalateThreshold > c.Supervisor.AutoChainThreshold {
		return fmt.Errorf("escalate threshold %.2f must not exceed auto-chain threshold %.2f",
			c.Supervisor.EscalateThreshold, c.Supervisor.AutoChainThreshold)
	}
	for tier, chain := range c.Approval.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("approval chain for %s risk is empty", tier)
		}
	}
	return nil
}

// Chain returns the escalation chain for a risk level, falling back to the
// high-risk chain when no tier-specific chain is configured.
func (c *Config) Chain(risk model.RiskLevel) []string {
	if chain, ok := c.Approval.Chains[string(risk)]; ok {
		return chain
	}
	return c.Approval.Chains[string(model.RiskHigh)]
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
