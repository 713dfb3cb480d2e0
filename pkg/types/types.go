package types

import (
	"time"
)

// OutputFormat defines how secret data is rendered to disk
type OutputFormat string

const (
	FormatEnv      OutputFormat = "env"
	FormatJSON     OutputFormat = "json"
	FormatYAML     OutputFormat = "yaml"
	FormatRaw      OutputFormat = "raw"
	FormatTemplate OutputFormat = "template"
	FormatNone     OutputFormat = "none" // subscribe-only, nothing written
)

// CertComponent identifies one piece of a certificate bundle
type CertComponent string

const (
	ComponentCombined  CertComponent = "combined"  // fullchain + private key
	ComponentCert      CertComponent = "cert"      // leaf certificate
	ComponentKey       CertComponent = "key"       // private key
	ComponentChain     CertComponent = "chain"     // intermediates
	ComponentFullchain CertComponent = "fullchain" // leaf + intermediates
)

// CertificateTarget binds a remote certificate to local destinations
type CertificateTarget struct {
	Name          string                   `yaml:"name" json:"name"`
	CertificateID string                   `yaml:"certificateId" json:"certificateId"`
	OutputPaths   map[CertComponent]string `yaml:"outputPaths" json:"outputPaths"`
	Mode          string                   `yaml:"mode,omitempty" json:"mode,omitempty"` // octal string, e.g. "0600"
	Owner         string                   `yaml:"owner,omitempty" json:"owner,omitempty"`
	ReloadCommand []string                 `yaml:"reloadCommand,omitempty" json:"reloadCommand,omitempty"`
	HealthCheck   *HealthCheck             `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`

	// Sync metadata, mutated only by the deployer after a successful write
	LastFingerprint string    `yaml:"-" json:"lastFingerprint,omitempty"`
	LastVersion     int64     `yaml:"-" json:"lastVersion,omitempty"`
	LastSyncedAt    time.Time `yaml:"-" json:"lastSyncedAt,omitempty"`
}

// SecretTarget binds a remote secret to a local destination
type SecretTarget struct {
	Name string `yaml:"name" json:"name"`
	// SecretID is a UUID or "alias:path" form
	SecretID      string       `yaml:"secretId" json:"secretId"`
	Format        OutputFormat `yaml:"format" json:"format"`
	Path          string       `yaml:"path,omitempty" json:"path,omitempty"` // required unless format is none
	EnvPrefix     string       `yaml:"envPrefix,omitempty" json:"envPrefix,omitempty"`
	RawKey        string       `yaml:"rawKey,omitempty" json:"rawKey,omitempty"`
	TemplatePath  string       `yaml:"templatePath,omitempty" json:"templatePath,omitempty"`
	Mode          string       `yaml:"mode,omitempty" json:"mode,omitempty"`
	Owner         string       `yaml:"owner,omitempty" json:"owner,omitempty"`
	ReloadCommand []string     `yaml:"reloadCommand,omitempty" json:"reloadCommand,omitempty"`

	LastVersion  int64     `yaml:"-" json:"lastVersion,omitempty"`
	LastSyncedAt time.Time `yaml:"-" json:"lastSyncedAt,omitempty"`
}

// HealthCheck verifies a deployment after a reload
type HealthCheck struct {
	URL     string   `yaml:"url,omitempty" json:"url,omitempty"`
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	Timeout int      `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds
}

// Secret is a decrypted secret. It is ephemeral and never persisted.
type Secret struct {
	ID      string
	Alias   string
	Type    string
	Version int64
	Data    map[string]any
}

// SecretMetadata describes a secret without its data
type SecretMetadata struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias,omitempty"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CertificateMetadata describes a certificate without its material
type CertificateMetadata struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	CommonName string    `json:"commonName,omitempty"` // possibly empty
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`  // possibly empty
	Version    int64     `json:"version"`
}

// CertificateMaterial is decrypted certificate content. PEM carries the
// leaf followed by intermediates; PrivateKey is a separate PEM block.
type CertificateMaterial struct {
	PEM        string `json:"pem"`
	PrivateKey string `json:"privateKey"`
	Version    int64  `json:"version"`
}

// RotationMode describes who drives a managed key's rotation
type RotationMode string

const (
	RotationScheduled RotationMode = "scheduled"
	RotationOnUse     RotationMode = "on-use"
	RotationOnBind    RotationMode = "on-bind"
)

// BindResponse is the result of binding a managed API key name
type BindResponse struct {
	Key            string       `json:"key"`
	NextRotationAt *time.Time   `json:"nextRotationAt,omitempty"`
	GraceExpiresAt *time.Time   `json:"graceExpiresAt,omitempty"`
	RotationMode   RotationMode `json:"rotationMode,omitempty"`
}

// RotationTracking records what the managed-key controller has observed
type RotationTracking struct {
	LastWSEventAt        time.Time
	LastPollAt           time.Time
	ExpectedRotationAt   time.Time
	WSEventReceived      bool
	MissedRotationsCount int
}

// ManagedKeyState is a snapshot of the managed-key controller
type ManagedKeyState struct {
	CurrentKey       string
	NextRotationAt   *time.Time
	GraceExpiresAt   *time.Time
	RotationMode     RotationMode
	StaleKeyDetected bool
	Tracking         RotationTracking
}

// DBType selects a database client variant
type DBType string

const (
	DBPostgreSQL DBType = "POSTGRESQL"
	DBMySQL      DBType = "MYSQL"
)

// RoleConfig holds the vendor SQL for one dynamic-credential role
type RoleConfig struct {
	RoleID               string   `json:"roleId"`
	Name                 string   `json:"name"`
	UsernameTemplate     string   `json:"usernameTemplate"`
	CreationStatements   []string `json:"creationStatements"`
	RenewStatements      []string `json:"renewStatements,omitempty"`
	RevocationStatements []string `json:"revocationStatements"`
	DefaultTTL           int64    `json:"defaultTtl,omitempty"` // seconds
	MaxTTL               int64    `json:"maxTtl,omitempty"`
}

// DynamicSecretsConfig is the per-connection dynamic-credential config.
// It lives in process memory only and never touches disk.
type DynamicSecretsConfig struct {
	ConnectionID  string                `json:"connectionId"`
	DBType        DBType                `json:"dbType"`
	DSN           string                `json:"dsn"`
	MaxOpenConns  int                   `json:"maxOpenConns,omitempty"`
	MaxIdleConns  int                   `json:"maxIdleConns,omitempty"`
	ConfigVersion int64                 `json:"configVersion"`
	Roles         map[string]RoleConfig `json:"roles"`
}

// EncryptedConfigEnvelope carries an encrypted dynamic-secrets config.
// This is the only form in which DSNs enter the agent's address space.
type EncryptedConfigEnvelope struct {
	Ciphertext string `json:"ciphertext"` // base64, GCM tag appended
	Nonce      string `json:"nonce"`      // base64
	WrappedKey string `json:"wrappedKey"` // base64, RSA-OAEP wrapped AES key
}

// DeployResult reports the outcome of a single deploy
type DeployResult struct {
	Success           bool
	Message           string
	FilesWritten      []string
	Fingerprint       string
	Version           int64
	ReloadOutput      string
	RolledBack        bool
	HealthCheckPassed *bool
}

// SyncState is the persisted per-target sync metadata
type SyncState struct {
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Version      int64     `json:"version,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}
