package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/znlabs/zn-vault-agent/pkg/types"
)

const (
	// EnvPrefix is the prefix for environment variable overrides
	EnvPrefix = "ZN_VAULT_AGENT"

	// DefaultPollInterval is the fallback-poll interval in seconds
	DefaultPollInterval = 3600

	// DefaultSecretsDir holds supervised-child secret files (tmpfs)
	DefaultSecretsDir = "/run/zn-vault-agent/secrets"
)

// AuthConfig selects how the agent authenticates to the vault
type AuthConfig struct {
	Token    string `yaml:"token,omitempty"`
	APIKey   string `yaml:"apiKey,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// ManagedKeyConfig enables managed-key mode. The server rotates the key
// named here; the agent binds to obtain the current value.
type ManagedKeyConfig struct {
	Name           string             `yaml:"name"`
	NextRotationAt *time.Time         `yaml:"nextRotationAt,omitempty"`
	GraceExpiresAt *time.Time         `yaml:"graceExpiresAt,omitempty"`
	RotationMode   types.RotationMode `yaml:"rotationMode,omitempty"`
}

// DynamicSecretsSettings enables the dynamic-credential agent. The
// private key decrypts config envelopes pushed by the vault.
type DynamicSecretsSettings struct {
	Enabled        bool   `yaml:"enabled,omitempty"`
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty"`
	PoolCacheSize  int    `yaml:"poolCacheSize,omitempty"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

// Config is the agent configuration, loaded from file with environment
// overrides applied on top.
type Config struct {
	VaultURL       string                    `yaml:"vaultUrl"`
	TenantID       string                    `yaml:"tenantId,omitempty"`
	Insecure       bool                      `yaml:"insecure,omitempty"`
	Auth           AuthConfig                `yaml:"auth,omitempty"`
	ManagedKey     *ManagedKeyConfig         `yaml:"managedKey,omitempty"`
	Targets        []types.CertificateTarget `yaml:"targets,omitempty"`
	SecretTargets  []types.SecretTarget      `yaml:"secretTargets,omitempty"`
	PollInterval   int                       `yaml:"pollInterval,omitempty"` // seconds
	HealthAddr     string                    `yaml:"healthAddr,omitempty"`
	SecretsDir     string                    `yaml:"secretsDir,omitempty"`
	DataDir        string                    `yaml:"dataDir,omitempty"`
	Log            LogConfig                 `yaml:"log,omitempty"`
	UpdateChannel  string                    `yaml:"updateChannel,omitempty"`
	DynamicSecrets *DynamicSecretsSettings   `yaml:"dynamicSecrets,omitempty"`
}

// envOverrides mirrors the environment variables that override the file.
// Pointers distinguish "unset" from zero values.
type envOverrides struct {
	URL      string `envconfig:"URL"`
	TenantID string `envconfig:"TENANT_ID"`
	Token    string `envconfig:"TOKEN"`
	APIKey   string `envconfig:"API_KEY"`
	Username string `envconfig:"USERNAME"`
	Password string `envconfig:"PASSWORD"`
	Insecure *bool  `envconfig:"INSECURE"`
}

// Load reads the config file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.URL != "" {
		c.VaultURL = env.URL
	}
	if env.TenantID != "" {
		c.TenantID = env.TenantID
	}
	if env.Token != "" {
		c.Auth.Token = env.Token
	}
	if env.APIKey != "" {
		c.Auth.APIKey = env.APIKey
	}
	if env.Username != "" {
		c.Auth.Username = env.Username
	}
	if env.Password != "" {
		c.Auth.Password = env.Password
	}
	if env.Insecure != nil {
		c.Insecure = *env.Insecure
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SecretsDir == "" {
		c.SecretsDir = DefaultSecretsDir
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.UpdateChannel == "" {
		c.UpdateChannel = "stable"
	}
	if c.DynamicSecrets != nil && c.DynamicSecrets.PoolCacheSize <= 0 {
		c.DynamicSecrets.PoolCacheSize = 16
	}
}

// Validate checks structural requirements before the agent starts.
func (c *Config) Validate() error {
	if c.VaultURL == "" {
		return fmt.Errorf("vaultUrl is required")
	}
	if c.Auth.Token == "" && c.Auth.APIKey == "" && (c.Auth.Username == "" || c.Auth.Password == "") &&
		(c.ManagedKey == nil || c.ManagedKey.Name == "") {
		return fmt.Errorf("auth requires a token, an apiKey, a username/password pair, or a managed key")
	}
	if c.DynamicSecrets != nil && c.DynamicSecrets.Enabled && c.DynamicSecrets.PrivateKeyPath == "" {
		return fmt.Errorf("dynamicSecrets.privateKeyPath is required when dynamic secrets are enabled")
	}

	seen := make(map[string]bool)
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Name == "" {
			return fmt.Errorf("certificate target %d: name is required", i)
		}
		if seen["cert/"+t.Name] {
			return fmt.Errorf("duplicate certificate target name: %s", t.Name)
		}
		seen["cert/"+t.Name] = true
		if t.CertificateID == "" {
			return fmt.Errorf("certificate target %s: certificateId is required", t.Name)
		}
		if len(t.OutputPaths) == 0 {
			return fmt.Errorf("certificate target %s: at least one output path is required", t.Name)
		}
	}

	for i := range c.SecretTargets {
		t := &c.SecretTargets[i]
		if t.Name == "" {
			return fmt.Errorf("secret target %d: name is required", i)
		}
		if seen["secret/"+t.Name] {
			return fmt.Errorf("duplicate secret target name: %s", t.Name)
		}
		seen["secret/"+t.Name] = true
		if t.SecretID == "" {
			return fmt.Errorf("secret target %s: secretId is required", t.Name)
		}
		if t.Format == "" {
			return fmt.Errorf("secret target %s: format is required", t.Name)
		}
		if t.Format != types.FormatNone && t.Path == "" {
			return fmt.Errorf("secret target %s: path is required for format %q", t.Name, t.Format)
		}
		if t.Format == types.FormatRaw && t.RawKey == "" {
			return fmt.Errorf("secret target %s: rawKey is required for raw format", t.Name)
		}
		if t.Format == types.FormatTemplate && t.TemplatePath == "" {
			return fmt.Errorf("secret target %s: templatePath is required for template format", t.Name)
		}
	}
	return nil
}

// ManagedKeyEnabled reports whether the agent runs in managed-key mode.
func (c *Config) ManagedKeyEnabled() bool {
	return c.ManagedKey != nil && c.ManagedKey.Name != ""
}

// Save writes the config back to disk with restrictive permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Manager owns the loaded config and serializes mutations to it. The
// managed-key controller is the only writer of auth.apiKey.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager wraps a loaded config for shared use.
func NewManager(cfg *Config, path string) *Manager {
	return &Manager{cfg: cfg, path: path}
}

// Config returns the underlying config. Callers must treat the targets
// slices as read-only; sync metadata goes through the state store.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetManagedKey persists a newly bound key and its rotation metadata.
func (m *Manager) SetManagedKey(key string, next, grace *time.Time, mode types.RotationMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.Auth.APIKey = key
	if m.cfg.ManagedKey == nil {
		m.cfg.ManagedKey = &ManagedKeyConfig{}
	}
	m.cfg.ManagedKey.NextRotationAt = next
	m.cfg.ManagedKey.GraceExpiresAt = grace
	if mode != "" {
		m.cfg.ManagedKey.RotationMode = mode
	}

	if m.path == "" {
		return nil
	}
	return m.cfg.Save(m.path)
}

// APIKey returns the current API key.
func (m *Manager) APIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Auth.APIKey
}

// AddCertificateTarget appends a certificate target and saves.
func (m *Manager) AddCertificateTarget(t types.CertificateTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.cfg.Targets {
		if existing.Name == t.Name {
			return fmt.Errorf("certificate target %s already exists", t.Name)
		}
	}
	m.cfg.Targets = append(m.cfg.Targets, t)
	return m.cfg.Save(m.path)
}

// AddSecretTarget appends a secret target and saves.
func (m *Manager) AddSecretTarget(t types.SecretTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.cfg.SecretTargets {
		if existing.Name == t.Name {
			return fmt.Errorf("secret target %s already exists", t.Name)
		}
	}
	m.cfg.SecretTargets = append(m.cfg.SecretTargets, t)
	return m.cfg.Save(m.path)
}

// RemoveTarget deletes a certificate or secret target by name.
func (m *Manager) RemoveTarget(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, t := range m.cfg.Targets {
		if t.Name == name {
			m.cfg.Targets = append(m.cfg.Targets[:i], m.cfg.Targets[i+1:]...)
			return m.cfg.Save(m.path)
		}
	}
	for i, t := range m.cfg.SecretTargets {
		if t.Name == name {
			m.cfg.SecretTargets = append(m.cfg.SecretTargets[:i], m.cfg.SecretTargets[i+1:]...)
			return m.cfg.Save(m.path)
		}
	}
	return fmt.Errorf("target not found: %s", name)
}
