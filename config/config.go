package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode controls whether violations are only recorded or also fixed
type Mode string

const (
	ModeAudit     Mode = "audit"
	ModeRemediate Mode = "remediate"
)

// Config represents the main configuration
type Config struct {
	Version string `yaml:"version"`
	Region  string `yaml:"region"`
	Mode    Mode   `yaml:"mode"`

	// Cross-account trust. RoleName is assumed in each client account;
	// every account must have its provisioned external ID listed here.
	RoleName string             `yaml:"role_name"`
	Accounts map[string]Account `yaml:"accounts"`

	// Buckets that remediation must never touch
	ExcludeBuckets []string `yaml:"exclude_buckets,omitempty"`

	Retry   Retry  `yaml:"retry,omitempty"`
	Storage string `yaml:"storage_dir"`

	// Optional integrations
	QueueURL    string `yaml:"queue_url,omitempty"`
	DynamoTable string `yaml:"dynamo_table,omitempty"`
	KMSKeyARN   string `yaml:"kms_key_arn,omitempty"`
	NotifyEmail string `yaml:"notify_email,omitempty"`
	PolicyFile  string `yaml:"policy_file,omitempty"`
}

// Account holds per-account trust configuration
type Account struct {
	ExternalID string `yaml:"external_id"`
}

// Retry defines the bounded retry policy for transient handler failures
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAudit
	}
	if c.RoleName == "" {
		c.RoleName = "WakimWorksRemediationRole"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseBackoff == 0 {
		c.Retry.BaseBackoff = 500 * time.Millisecond
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 10 * time.Second
	}
}

// Validate ensures config has required fields
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Mode != ModeAudit && c.Mode != ModeRemediate {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeAudit, ModeRemediate, c.Mode)
	}
	for accountID, account := range c.Accounts {
		if account.ExternalID == "" {
			return fmt.Errorf("account %s has no external_id configured", accountID)
		}
	}
	return nil
}

// ExternalIDFor returns the provisioned external ID for an account,
// or false when the account has no trust configured.
func (c *Config) ExternalIDFor(accountID string) (string, bool) {
	account, ok := c.Accounts[accountID]
	if !ok {
		return "", false
	}
	return account.ExternalID, true
}

// IsExcluded reports whether a bucket is on the do-not-touch list
func (c *Config) IsExcluded(bucket string) bool {
	for _, name := range c.ExcludeBuckets {
		if name == bucket {
			return true
		}
	}
	return false
}
