package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/znlabs/zn-vault-agent/pkg/atomicfile"
	"github.com/znlabs/zn-vault-agent/pkg/events"
	"github.com/znlabs/zn-vault-agent/pkg/format"
	"github.com/znlabs/zn-vault-agent/pkg/health"
	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/metrics"
	"github.com/znlabs/zn-vault-agent/pkg/store"
	"github.com/znlabs/zn-vault-agent/pkg/types"
)

const (
	// ReloadTimeout bounds a configured reload command
	ReloadTimeout = 60 * time.Second

	// DefaultFileMode applies when a target sets no mode
	DefaultFileMode os.FileMode = 0600
)

// VaultAPI is the slice of the vault client the deployer needs.
type VaultAPI interface {
	DecryptCertificate(ctx context.Context, id, purpose string) (*types.CertificateMaterial, error)
	GetSecret(ctx context.Context, idOrAlias string) (*types.Secret, error)
	AckDelivery(ctx context.Context, id string, version int64) error
}

// Deployer materializes certificates and secrets to their targets.
type Deployer struct {
	vault  VaultAPI
	state  *store.Store
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	targets map[string]*sync.Mutex
}

// NewDeployer creates a deployer.
func NewDeployer(vaultClient VaultAPI, state *store.Store, broker *events.Broker) *Deployer {
	return &Deployer{
		vault:   vaultClient,
		state:   state,
		broker:  broker,
		logger:  log.WithComponent("deployer"),
		targets: make(map[string]*sync.Mutex),
	}
}

// targetLock serializes deploys per target. Deploys for distinct targets
// may run concurrently.
func (d *Deployer) targetLock(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.targets[key]
	if !ok {
		m = &sync.Mutex{}
		d.targets[key] = m
	}
	return m
}

// parseMode converts a target's octal mode string.
func parseMode(mode string) (os.FileMode, error) {
	if mode == "" {
		return DefaultFileMode, nil
	}
	n, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", mode, err)
	}
	return os.FileMode(n), nil
}

// DeployCertificate fetches, splits, and writes a certificate target.
// With force=false an unchanged fingerprint short-circuits before any
// write.
func (d *Deployer) DeployCertificate(ctx context.Context, t *types.CertificateTarget, force bool) types.DeployResult {
	lock := d.targetLock("cert/" + t.Name)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	result := d.deployCertificate(ctx, t, force)
	metrics.DeployDuration.WithLabelValues("certificate").Observe(time.Since(start).Seconds())
	metrics.DeploysTotal.WithLabelValues("certificate", deployOutcome(result)).Inc()
	return result
}

func (d *Deployer) deployCertificate(ctx context.Context, t *types.CertificateTarget, force bool) types.DeployResult {
	logger := d.logger.With().Str("target", t.Name).Logger()
	d.hydrateCertState(t)

	material, err := d.vault.DecryptCertificate(ctx, t.CertificateID, "deploy")
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch certificate")
		return types.DeployResult{Success: false, Message: fmt.Sprintf("fetch failed: %v", err)}
	}

	fingerprint := Fingerprint(material)
	if !force && fingerprint == t.LastFingerprint {
		return types.DeployResult{Success: true, Message: "unchanged", Fingerprint: fingerprint, Version: t.LastVersion}
	}
	if material.Version > 0 && material.Version < t.LastVersion {
		logger.Warn().Int64("version", material.Version).Int64("deployed", t.LastVersion).
			Msg("refusing to deploy older certificate version")
		return types.DeployResult{Success: false, Message: "upstream version older than deployed version"}
	}

	bundle, err := SplitBundle(material)
	if err != nil {
		return types.DeployResult{Success: false, Message: err.Error()}
	}

	mode, err := parseMode(t.Mode)
	if err != nil {
		return types.DeployResult{Success: false, Message: err.Error()}
	}

	var written []string
	backups := make(map[string]string)
	for component, path := range t.OutputPaths {
		content, err := bundle.Component(component)
		if err != nil {
			d.rollback(written, backups, logger)
			return types.DeployResult{Success: false, Message: err.Error(), RolledBack: len(written) > 0}
		}
		backup, err := atomicfile.WriteWithBackup(path, []byte(content), mode, t.Owner)
		if err != nil {
			d.rollback(written, backups, logger)
			return types.DeployResult{Success: false, Message: fmt.Sprintf("write failed: %v", err), RolledBack: len(written) > 0}
		}
		written = append(written, path)
		backups[path] = backup
	}

	result := types.DeployResult{FilesWritten: written, Fingerprint: fingerprint, Version: material.Version}

	reloadOutput, err := d.runReload(ctx, t.ReloadCommand)
	result.ReloadOutput = reloadOutput
	if err != nil {
		logger.Error().Err(err).Str("output", reloadOutput).Msg("reload command failed, rolling back")
		d.rollback(written, backups, logger)
		result.Success = false
		result.Message = fmt.Sprintf("reload failed: %v", err)
		result.RolledBack = true
		return result
	}

	if t.HealthCheck != nil {
		passed := d.runHealthCheck(ctx, t.HealthCheck)
		result.HealthCheckPassed = &passed
		if !passed {
			logger.Error().Msg("health check failed after reload, rolling back")
			d.rollback(written, backups, logger)
			result.Success = false
			result.Message = "health check failed"
			result.RolledBack = true
			return result
		}
	}

	t.LastFingerprint = fingerprint
	t.LastVersion = material.Version
	t.LastSyncedAt = time.Now()
	if err := d.state.PutCertState(t.Name, types.SyncState{
		Fingerprint:  fingerprint,
		Version:      material.Version,
		LastSyncedAt: t.LastSyncedAt,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to persist sync state")
	}

	// Best-effort delivery ack
	if err := d.vault.AckDelivery(ctx, t.CertificateID, material.Version); err != nil {
		logger.Debug().Err(err).Msg("delivery ack failed")
	}

	d.broker.Publish(&events.Event{
		Type:    events.EventCertificateDeployed,
		Message: fmt.Sprintf("certificate %s deployed", t.Name),
		Metadata: map[string]string{
			"target":      t.Name,
			"fingerprint": fingerprint,
			"version":     strconv.FormatInt(material.Version, 10),
		},
	})

	logger.Info().Str("fingerprint", fingerprint[:12]).Int("files", len(written)).Msg("certificate deployed")
	result.Success = true
	result.Message = "deployed"
	return result
}

// DeploySecret fetches, renders, and writes a secret target. Format
// "none" is subscribe-only: the version is tracked and an event is
// published, but nothing is written.
func (d *Deployer) DeploySecret(ctx context.Context, t *types.SecretTarget, force bool) types.DeployResult {
	lock := d.targetLock("secret/" + t.Name)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	result := d.deploySecret(ctx, t, force)
	metrics.DeployDuration.WithLabelValues("secret").Observe(time.Since(start).Seconds())
	metrics.DeploysTotal.WithLabelValues("secret", deployOutcome(result)).Inc()
	return result
}

func (d *Deployer) deploySecret(ctx context.Context, t *types.SecretTarget, force bool) types.DeployResult {
	logger := d.logger.With().Str("target", t.Name).Logger()
	d.hydrateSecretState(t)

	secret, err := d.vault.GetSecret(ctx, t.SecretID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch secret")
		return types.DeployResult{Success: false, Message: fmt.Sprintf("fetch failed: %v", err)}
	}

	if !force && t.LastVersion > 0 && secret.Version == t.LastVersion {
		return types.DeployResult{Success: true, Message: "unchanged", Version: secret.Version}
	}
	if secret.Version > 0 && secret.Version < t.LastVersion {
		logger.Warn().Int64("version", secret.Version).Int64("deployed", t.LastVersion).
			Msg("refusing to deploy older secret version")
		return types.DeployResult{Success: false, Message: "upstream version older than deployed version"}
	}

	if t.Format == types.FormatNone {
		d.commitSecret(t, secret.Version, nil, logger)
		return types.DeployResult{Success: true, Message: "notified", Version: secret.Version}
	}

	rendered, err := format.Render(secret.Data, t.Format, format.Options{
		EnvPrefix:    t.EnvPrefix,
		Key:          t.RawKey,
		TemplatePath: t.TemplatePath,
	})
	if err != nil {
		return types.DeployResult{Success: false, Message: fmt.Sprintf("format failed: %v", err)}
	}

	mode, err := parseMode(t.Mode)
	if err != nil {
		return types.DeployResult{Success: false, Message: err.Error()}
	}

	backup, err := atomicfile.WriteWithBackup(t.Path, rendered, mode, t.Owner)
	if err != nil {
		return types.DeployResult{Success: false, Message: fmt.Sprintf("write failed: %v", err)}
	}
	written := []string{t.Path}
	backups := map[string]string{t.Path: backup}

	result := types.DeployResult{FilesWritten: written, Version: secret.Version}

	reloadOutput, err := d.runReload(ctx, t.ReloadCommand)
	result.ReloadOutput = reloadOutput
	if err != nil {
		logger.Error().Err(err).Str("output", reloadOutput).Msg("reload command failed, rolling back")
		d.rollback(written, backups, logger)
		result.Success = false
		result.Message = fmt.Sprintf("reload failed: %v", err)
		result.RolledBack = true
		return result
	}

	d.commitSecret(t, secret.Version, written, logger)
	logger.Info().Int64("version", secret.Version).Msg("secret deployed")
	result.Success = true
	result.Message = "deployed"
	return result
}

func (d *Deployer) commitSecret(t *types.SecretTarget, version int64, written []string, logger zerolog.Logger) {
	t.LastVersion = version
	t.LastSyncedAt = time.Now()
	if err := d.state.PutSecretState(t.Name, types.SyncState{
		Version:      version,
		LastSyncedAt: t.LastSyncedAt,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to persist sync state")
	}

	d.broker.Publish(&events.Event{
		Type:    events.EventSecretDeployed,
		Message: fmt.Sprintf("secret %s synced", t.Name),
		Metadata: map[string]string{
			"target":  t.Name,
			"version": strconv.FormatInt(version, 10),
		},
	})
}

// DeployAll deploys every target sequentially so reload ordering stays
// predictable.
func (d *Deployer) DeployAll(ctx context.Context, certs []types.CertificateTarget, secrets []types.SecretTarget, force bool) []types.DeployResult {
	results := make([]types.DeployResult, 0, len(certs)+len(secrets))
	for i := range certs {
		results = append(results, d.DeployCertificate(ctx, &certs[i], force))
	}
	for i := range secrets {
		results = append(results, d.DeploySecret(ctx, &secrets[i], force))
	}
	return results
}

// OutputDirs lists every destination directory, for orphan cleanup.
func OutputDirs(certs []types.CertificateTarget, secrets []types.SecretTarget) []string {
	var dirs []string
	for _, t := range certs {
		for _, p := range t.OutputPaths {
			dirs = append(dirs, filepath.Dir(p))
		}
	}
	for _, t := range secrets {
		if t.Path != "" {
			dirs = append(dirs, filepath.Dir(t.Path))
		}
	}
	return dirs
}

// hydrateCertState merges persisted sync state into a freshly loaded
// target after a restart.
func (d *Deployer) hydrateCertState(t *types.CertificateTarget) {
	if t.LastFingerprint != "" {
		return
	}
	if state, err := d.state.GetCertState(t.Name); err == nil && state.Fingerprint != "" {
		t.LastFingerprint = state.Fingerprint
		t.LastVersion = state.Version
		t.LastSyncedAt = state.LastSyncedAt
	}
}

func (d *Deployer) hydrateSecretState(t *types.SecretTarget) {
	if t.LastVersion != 0 {
		return
	}
	if state, err := d.state.GetSecretState(t.Name); err == nil && state.Version != 0 {
		t.LastVersion = state.Version
		t.LastSyncedAt = state.LastSyncedAt
	}
}

// runReload executes the configured reload command synchronously with a
// 60s timeout. A non-zero exit is a deploy failure.
func (d *Deployer) runReload(ctx context.Context, command []string) (string, error) {
	if len(command) == 0 {
		return "", nil
	}

	reloadCtx, cancel := context.WithTimeout(ctx, ReloadTimeout)
	defer cancel()

	cmd := exec.CommandContext(reloadCtx, command[0], command[1:]...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if reloadCtx.Err() == context.DeadlineExceeded {
		return output.String(), fmt.Errorf("reload command timed out after %v", ReloadTimeout)
	}
	if err != nil {
		return output.String(), fmt.Errorf("reload command failed: %w", err)
	}
	return output.String(), nil
}

func (d *Deployer) runHealthCheck(ctx context.Context, hc *types.HealthCheck) bool {
	timeout := time.Duration(hc.Timeout) * time.Second

	var checker health.Checker
	switch {
	case hc.URL != "":
		checker = health.NewHTTPChecker(hc.URL, timeout)
	case len(hc.Command) > 0:
		checker = health.NewExecChecker(hc.Command, timeout)
	default:
		return true
	}

	result := checker.Check(ctx)
	if !result.Healthy {
		d.logger.Warn().Str("message", result.Message).Msg("health check unhealthy")
	}
	return result.Healthy
}

// rollback restores every written file from its backup. Files that did
// not exist before the deploy are removed.
func (d *Deployer) rollback(written []string, backups map[string]string, logger zerolog.Logger) {
	for _, path := range written {
		if backups[path] == "" {
			if err := os.Remove(path); err != nil {
				logger.Warn().Str("file", path).Err(err).Msg("rollback removal failed")
			}
			continue
		}
		if err := atomicfile.RestoreBackup(path); err != nil {
			logger.Warn().Str("file", path).Err(err).Msg("rollback restore failed")
		}
	}
}

func deployOutcome(r types.DeployResult) string {
	switch {
	case r.Success && r.Message == "unchanged":
		return "unchanged"
	case r.Success:
		return "success"
	case r.RolledBack:
		return "rolled_back"
	default:
		return "failure"
	}
}
