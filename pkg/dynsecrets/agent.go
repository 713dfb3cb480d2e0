package dynsecrets

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/metrics"
	"github.com/znlabs/zn-vault-agent/pkg/types"
)

const (
	// poolIdleTTL evicts a pooled client after this much disuse
	poolIdleTTL = 5 * time.Minute

	// sqlTimeout bounds each credential operation end to end
	sqlTimeout = 30 * time.Second
)

// ErrorCode classifies a failed credential operation for the vault.
type ErrorCode string

const (
	CodeDBConnectionFailed ErrorCode = "DB_CONNECTION_FAILED"
	CodeSQLExecutionFailed ErrorCode = "SQL_EXECUTION_FAILED"
	CodeConfigNotFound     ErrorCode = "CONFIG_NOT_FOUND"
	CodeDecryptionFailed   ErrorCode = "DECRYPTION_FAILED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeUnknown            ErrorCode = "UNKNOWN"
)

// Request is a dynamic-secrets message from the vault.
type Request struct {
	Type             string                         `json:"type"`
	RequestID        string                         `json:"requestId,omitempty"`
	ConnectionID     string                         `json:"connectionId,omitempty"`
	ConfigVersion    int64                          `json:"configVersion,omitempty"`
	EncryptedConfig  *types.EncryptedConfigEnvelope `json:"encryptedConfig,omitempty"`
	RoleIDs          []string                       `json:"roleIds,omitempty"`
	RoleID           string                         `json:"roleId,omitempty"`
	TTL              int64                          `json:"ttl,omitempty"` // seconds
	ExpiresAt        string                         `json:"expiresAt,omitempty"`
	UsernameTemplate string                         `json:"usernameTemplate,omitempty"`
	VaultPublicKey   string                         `json:"vaultPublicKey,omitempty"`
	LeaseID          string                         `json:"leaseId,omitempty"`
	Username         string                         `json:"username,omitempty"`
	NewExpiresAt     string                         `json:"newExpiresAt,omitempty"`
}

// Request types
const (
	reqConfigPush   = "config-push"
	reqConfigRevoke = "config-revoke"
	reqGenerate     = "generate"
	reqRenew        = "renew"
	reqRevoke       = "revoke"
)

// Reply is the agent's answer on the dynamic-secrets topic.
type Reply struct {
	Type              string    `json:"type"`
	Topic             string    `json:"topic"`
	RequestID         string    `json:"requestId,omitempty"`
	ConnectionID      string    `json:"connectionId,omitempty"`
	Status            string    `json:"status,omitempty"`
	LeaseID           string    `json:"leaseId,omitempty"`
	Username          string    `json:"username,omitempty"`
	EncryptedPassword string    `json:"encryptedPassword,omitempty"`
	ExpiresAt         string    `json:"expiresAt,omitempty"`
	Code              ErrorCode `json:"code,omitempty"`
	Message           string    `json:"message,omitempty"`
}

// Sender delivers replies back over the event channel.
type Sender interface {
	Send(v any) error
}

// lease remembers which connection and role issued a credential so a
// later revoke or renew can find its statements.
type lease struct {
	connectionID string
	roleID       string
	username     string
}

// Agent executes vendor SQL on command from the vault to create, renew
// and revoke short-lived database users. Configs live in process memory
// only; they never touch disk.
type Agent struct {
	sender Sender
	priv   *rsa.PrivateKey
	logger zerolog.Logger

	mu      sync.Mutex
	configs map[string]*types.DynamicSecretsConfig
	leases  map[string]lease
	pools   *expirable.LRU[string, *sql.DB]
}

// New creates a dynamic-credential agent.
func New(sender Sender, priv *rsa.PrivateKey, poolCacheSize int) *Agent {
	if poolCacheSize <= 0 {
		poolCacheSize = 16
	}
	a := &Agent{
		sender:  sender,
		priv:    priv,
		logger:  log.WithComponent("dynamic-secrets"),
		configs: make(map[string]*types.DynamicSecretsConfig),
		leases:  make(map[string]lease),
	}
	a.pools = expirable.NewLRU(poolCacheSize, func(connID string, db *sql.DB) {
		a.logger.Debug().Str("connection_id", connID).Msg("closing evicted database pool")
		db.Close()
		metrics.DynPoolsOpen.Dec()
	}, poolIdleTTL)
	return a
}

// HandleEvent processes one dynamic-secrets frame. Requests run on
// their own goroutines; per connection they are concurrent up to the
// pool limit.
func (a *Agent) HandleEvent(ctx context.Context, data json.RawMessage) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		a.logger.Warn().Err(err).Msg("dropping malformed dynamic-secrets request")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, sqlTimeout)
		defer cancel()

		switch req.Type {
		case reqConfigPush:
			a.handleConfigPush(&req)
		case reqConfigRevoke:
			a.handleConfigRevoke(&req)
		case reqGenerate:
			a.handleGenerate(ctx, &req)
		case reqRenew:
			a.handleRenew(ctx, &req)
		case reqRevoke:
			a.handleRevoke(ctx, &req)
		default:
			a.logger.Debug().Str("type", req.Type).Msg("ignoring unknown dynamic-secrets request type")
		}
	}()
}

func (a *Agent) handleConfigPush(req *Request) {
	if req.EncryptedConfig == nil {
		a.fail(req, "config-push", CodeDecryptionFailed, fmt.Errorf("config-push without encrypted config"))
		return
	}
	if a.priv == nil {
		a.fail(req, "config-push", CodeDecryptionFailed, fmt.Errorf("no private key configured"))
		return
	}

	plaintext, err := DecryptEnvelope(a.priv, req.EncryptedConfig)
	if err != nil {
		metrics.DynRequestsTotal.WithLabelValues("config-push", "failure").Inc()
		a.logger.Error().Err(err).Str("connection_id", req.ConnectionID).Msg("config decryption failed")
		a.send(Reply{Type: "config-ack", Topic: "dynamic-secrets", RequestID: req.RequestID,
			ConnectionID: req.ConnectionID, Status: "failed", Code: CodeDecryptionFailed})
		return
	}

	var cfg types.DynamicSecretsConfig
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		metrics.DynRequestsTotal.WithLabelValues("config-push", "failure").Inc()
		a.logger.Error().Err(err).Str("connection_id", req.ConnectionID).Msg("config parse failed")
		a.send(Reply{Type: "config-ack", Topic: "dynamic-secrets", RequestID: req.RequestID,
			ConnectionID: req.ConnectionID, Status: "failed", Code: CodeDecryptionFailed})
		return
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = req.ConnectionID
	}

	a.mu.Lock()
	stored, exists := a.configs[cfg.ConnectionID]
	if exists && cfg.ConfigVersion <= stored.ConfigVersion {
		// Stale push, keep what we have
		a.mu.Unlock()
		a.logger.Debug().Str("connection_id", cfg.ConnectionID).
			Int64("pushed", cfg.ConfigVersion).Int64("stored", stored.ConfigVersion).
			Msg("discarding stale config version")
		metrics.DynRequestsTotal.WithLabelValues("config-push", "stale").Inc()
		a.send(Reply{Type: "config-ack", Topic: "dynamic-secrets", RequestID: req.RequestID,
			ConnectionID: cfg.ConnectionID, Status: "loaded"})
		return
	}
	a.configs[cfg.ConnectionID] = &cfg
	a.mu.Unlock()

	// A replaced config may carry a new DSN; drop the old pool
	a.pools.Remove(cfg.ConnectionID)

	metrics.DynRequestsTotal.WithLabelValues("config-push", "success").Inc()
	a.logger.Info().Str("connection_id", cfg.ConnectionID).Int64("version", cfg.ConfigVersion).
		Int("roles", len(cfg.Roles)).Msg("dynamic-secrets config loaded")
	a.send(Reply{Type: "config-ack", Topic: "dynamic-secrets", RequestID: req.RequestID,
		ConnectionID: cfg.ConnectionID, Status: "loaded"})
}

func (a *Agent) handleConfigRevoke(req *Request) {
	a.mu.Lock()
	delete(a.configs, req.ConnectionID)
	a.mu.Unlock()
	a.pools.Remove(req.ConnectionID)

	metrics.DynRequestsTotal.WithLabelValues("config-revoke", "success").Inc()
	a.logger.Info().Str("connection_id", req.ConnectionID).Msg("dynamic-secrets config revoked")
	a.send(Reply{Type: "config-ack", Topic: "dynamic-secrets", RequestID: req.RequestID,
		ConnectionID: req.ConnectionID, Status: "loaded"})
}

func (a *Agent) handleGenerate(ctx context.Context, req *Request) {
	cfg, role, err := a.lookupRole(req.ConnectionID, req.RoleID)
	if err != nil {
		a.fail(req, "generate", CodeConfigNotFound, err)
		return
	}

	now := time.Now()
	expiresAt := a.resolveExpiry(req, role, now)

	template := req.UsernameTemplate
	if template == "" {
		template = role.UsernameTemplate
	}
	username, err := ExpandUsername(template, role.Name, now)
	if err != nil {
		a.fail(req, "generate", CodeUnknown, err)
		return
	}

	password, err := GeneratePassword()
	if err != nil {
		a.fail(req, "generate", CodeUnknown, err)
		return
	}

	db, err := a.pool(cfg)
	if err != nil {
		a.fail(req, "generate", CodeDBConnectionFailed, err)
		return
	}

	if err := a.execStatements(ctx, db, role.CreationStatements, username, password, expiresAt); err != nil {
		a.fail(req, "generate", classifyErr(err), err)
		return
	}

	encrypted, err := EncryptPassword(req.VaultPublicKey, password)
	if err != nil {
		a.fail(req, "generate", CodeUnknown, err)
		return
	}

	leaseID := uuid.NewString()
	a.mu.Lock()
	a.leases[leaseID] = lease{connectionID: cfg.ConnectionID, roleID: req.RoleID, username: username}
	a.mu.Unlock()

	metrics.DynRequestsTotal.WithLabelValues("generate", "success").Inc()
	a.logger.Info().Str("connection_id", cfg.ConnectionID).Str("role", role.Name).
		Str("username", username).Str("lease_id", leaseID).Msg("credential generated")
	a.send(Reply{
		Type: "generated", Topic: "dynamic-secrets",
		RequestID: req.RequestID, ConnectionID: cfg.ConnectionID,
		LeaseID: leaseID, Username: username,
		EncryptedPassword: encrypted,
		ExpiresAt:         expiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *Agent) handleRenew(ctx context.Context, req *Request) {
	cfg, role, username, err := a.resolveLease(req)
	if err != nil {
		a.fail(req, "renew", CodeConfigNotFound, err)
		return
	}

	newExpiry := time.Now()
	if req.NewExpiresAt != "" {
		if t, perr := time.Parse(time.RFC3339, req.NewExpiresAt); perr == nil {
			newExpiry = t
		}
	}

	if len(role.RenewStatements) == 0 {
		// No renewal SQL for this role; the lease extension is
		// server-side bookkeeping only
		metrics.DynRequestsTotal.WithLabelValues("renew", "success").Inc()
		a.send(Reply{Type: "renewed", Topic: "dynamic-secrets", RequestID: req.RequestID,
			ConnectionID: cfg.ConnectionID, LeaseID: req.LeaseID, Username: username})
		return
	}

	db, err := a.pool(cfg)
	if err != nil {
		a.fail(req, "renew", CodeDBConnectionFailed, err)
		return
	}
	if err := a.execStatements(ctx, db, role.RenewStatements, username, "", newExpiry); err != nil {
		a.fail(req, "renew", classifyErr(err), err)
		return
	}

	metrics.DynRequestsTotal.WithLabelValues("renew", "success").Inc()
	a.logger.Info().Str("username", username).Str("lease_id", req.LeaseID).Msg("credential renewed")
	a.send(Reply{Type: "renewed", Topic: "dynamic-secrets", RequestID: req.RequestID,
		ConnectionID: cfg.ConnectionID, LeaseID: req.LeaseID, Username: username,
		ExpiresAt: newExpiry.UTC().Format(time.RFC3339)})
}

func (a *Agent) handleRevoke(ctx context.Context, req *Request) {
	cfg, role, username, err := a.resolveLease(req)
	if err != nil {
		a.fail(req, "revoke", CodeConfigNotFound, err)
		return
	}

	db, err := a.pool(cfg)
	if err != nil {
		a.fail(req, "revoke", CodeDBConnectionFailed, err)
		return
	}
	if err := a.execStatements(ctx, db, role.RevocationStatements, username, "", time.Now()); err != nil {
		a.fail(req, "revoke", classifyErr(err), err)
		return
	}

	a.mu.Lock()
	delete(a.leases, req.LeaseID)
	a.mu.Unlock()

	metrics.DynRequestsTotal.WithLabelValues("revoke", "success").Inc()
	a.logger.Info().Str("username", username).Str("lease_id", req.LeaseID).Msg("credential revoked")
	a.send(Reply{Type: "revoked", Topic: "dynamic-secrets", RequestID: req.RequestID,
		ConnectionID: cfg.ConnectionID, LeaseID: req.LeaseID, Username: username})
}

// lookupRole finds the connection config and role for a request.
func (a *Agent) lookupRole(connectionID, roleID string) (*types.DynamicSecretsConfig, *types.RoleConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, ok := a.configs[connectionID]
	if !ok {
		return nil, nil, fmt.Errorf("no config for connection %s", connectionID)
	}
	if role, ok := cfg.Roles[roleID]; ok {
		return cfg, &role, nil
	}
	for _, role := range cfg.Roles {
		if role.RoleID == roleID || role.Name == roleID {
			return cfg, &role, nil
		}
	}
	return nil, nil, fmt.Errorf("no role %s on connection %s", roleID, connectionID)
}

// resolveLease maps a revoke/renew request back to its connection,
// role, and username. The lease registry covers credentials issued by
// this process; the request's own fields cover issuance before a
// restart.
func (a *Agent) resolveLease(req *Request) (*types.DynamicSecretsConfig, *types.RoleConfig, string, error) {
	a.mu.Lock()
	rec, ok := a.leases[req.LeaseID]
	a.mu.Unlock()

	connectionID, roleID, username := req.ConnectionID, req.RoleID, req.Username
	if ok {
		connectionID, roleID = rec.connectionID, rec.roleID
		if username == "" {
			username = rec.username
		}
	}
	if username == "" {
		return nil, nil, "", fmt.Errorf("no username for lease %s", req.LeaseID)
	}

	cfg, role, err := a.lookupRole(connectionID, roleID)
	if err != nil {
		return nil, nil, "", err
	}
	return cfg, role, username, nil
}

func (a *Agent) resolveExpiry(req *Request, role *types.RoleConfig, now time.Time) time.Time {
	if req.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, req.ExpiresAt); err == nil {
			return t
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = role.DefaultTTL
	}
	if ttl <= 0 {
		ttl = 3600
	}
	if role.MaxTTL > 0 && ttl > role.MaxTTL {
		ttl = role.MaxTTL
	}
	return now.Add(time.Duration(ttl) * time.Second)
}

// pool returns the cached pooled client for a connection, opening one
// on a cache miss.
func (a *Agent) pool(cfg *types.DynamicSecretsConfig) (*sql.DB, error) {
	if db, ok := a.pools.Get(cfg.ConnectionID); ok {
		return db, nil
	}

	db, err := openPool(cfg)
	if err != nil {
		return nil, err
	}
	a.pools.Add(cfg.ConnectionID, db)
	metrics.DynPoolsOpen.Inc()
	return db, nil
}

// execStatements runs rendered statements in order. A failed statement
// stops the sequence; earlier statements are not re-executed.
func (a *Agent) execStatements(ctx context.Context, db *sql.DB, statements []string, username, password string, expiresAt time.Time) error {
	for _, stmt := range statements {
		rendered := RenderStatement(stmt, username, password, expiresAt)
		if _, err := db.ExecContext(ctx, rendered); err != nil {
			a.logger.Error().Err(err).Str("statement", RedactStatement(rendered, password)).
				Msg("statement execution failed")
			return err
		}
		a.logger.Debug().Str("statement", RedactStatement(rendered, password)).Msg("statement executed")
	}
	return nil
}

func (a *Agent) fail(req *Request, op string, code ErrorCode, err error) {
	metrics.DynRequestsTotal.WithLabelValues(op, "failure").Inc()
	a.logger.Error().Err(err).Str("op", op).Str("code", string(code)).
		Str("request_id", req.RequestID).Str("connection_id", req.ConnectionID).
		Msg("dynamic-secrets request failed")
	a.send(Reply{
		Type: "error", Topic: "dynamic-secrets",
		RequestID: req.RequestID, ConnectionID: req.ConnectionID,
		Code: code, Message: err.Error(),
	})
}

func (a *Agent) send(r Reply) {
	if err := a.sender.Send(r); err != nil {
		a.logger.Warn().Err(err).Str("type", r.Type).Msg("failed to send dynamic-secrets reply")
	}
}

func classifyErr(err error) ErrorCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case isConnErr(err):
		return CodeDBConnectionFailed
	default:
		return CodeSQLExecutionFailed
	}
}

func isConnErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connect", "no such host", "bad connection", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Close shuts down all cached pools in parallel.
func (a *Agent) Close() {
	keys := a.pools.Keys()
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			a.pools.Remove(k)
		}(k)
	}
	wg.Wait()
}
