package vault

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/metrics"
	"github.com/znlabs/zn-vault-agent/pkg/types"
)

const (
	// requestTimeout bounds a single HTTP attempt
	requestTimeout = 30 * time.Second

	// maxAttempts is the default attempt count for retryable calls
	maxAttempts = 3

	// tokenExpirySlack invalidates cached bearer tokens early
	tokenExpirySlack = 60 * time.Second
)

// AuthError is a 401/403 from the vault. It is never retried; the
// managed-key controller owns recovery.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("vault authentication failed (HTTP %d): %s", e.Status, e.Message)
}

// APIError is a terminal non-auth HTTP failure (4xx other than 401/403/429).
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vault request failed (HTTP %d): %s", e.Status, e.Message)
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Client talks to the vault HTTP API with retry, token caching, and
// authentication injection.
type Client struct {
	baseURL    string
	tenantID   string
	hostname   string
	httpClient *http.Client
	logger     zerolog.Logger

	mu          sync.RWMutex
	staticToken string
	apiKey      string
	username    string
	password    string
	token       string
	tokenExpiry time.Time
}

// Option configures a Client
type Option func(*Client)

// WithToken sets an explicit bearer token. It outranks every other
// credential and is never refreshed by the client.
func WithToken(token string) Option {
	return func(c *Client) { c.staticToken = token }
}

// WithAPIKey sets the static API key
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithCredentials sets username/password for bearer login
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithTenant sets the tenant ID header
func WithTenant(tenantID string) Option {
	return func(c *Client) { c.tenantID = tenantID }
}

// WithInsecure disables TLS certificate verification
func WithInsecure(insecure bool) Option {
	return func(c *Client) {
		if insecure {
			c.httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	}
}

// NewClient creates a vault client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	hostname, _ := os.Hostname()
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		hostname: hostname,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: log.WithComponent("vault-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAPIKey replaces the static API key. Called by the managed-key
// controller after a rotation.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// HasValidToken reports whether a cached bearer token is still usable.
func (c *Client) HasValidToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenExpirySlack))
}

// ClearToken drops the cached bearer token.
func (c *Client) ClearToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}

// loginResponse is the bearer issuance payload
type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Login obtains a bearer token with username/password. Never retried:
// repeated failed logins risk account lockout.
func (c *Client) Login(ctx context.Context) error {
	c.mu.RLock()
	username, password := c.username, c.password
	c.mu.RUnlock()

	if username == "" || password == "" {
		return fmt.Errorf("no username/password configured for login")
	}

	var resp loginResponse
	err := c.do(ctx, "login", http.MethodPost, "/auth/login",
		map[string]string{"username": username, "password": password},
		&resp, requestOpts{noRetry: true, skipAuth: true})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return nil
}

// ListCertificates returns certificate metadata.
func (c *Client) ListCertificates(ctx context.Context) ([]types.CertificateMetadata, error) {
	var out []types.CertificateMetadata
	err := c.do(ctx, "listCertificates", http.MethodGet, "/v1/certificates", nil, &out, requestOpts{})
	return out, err
}

// GetCertificate returns metadata for one certificate.
func (c *Client) GetCertificate(ctx context.Context, id string) (*types.CertificateMetadata, error) {
	var out types.CertificateMetadata
	err := c.do(ctx, "getCertificate", http.MethodGet, "/v1/certificates/"+url.PathEscape(id), nil, &out, requestOpts{})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptCertificate returns decrypted certificate material.
func (c *Client) DecryptCertificate(ctx context.Context, id, purpose string) (*types.CertificateMaterial, error) {
	var out types.CertificateMaterial
	err := c.do(ctx, "decryptCertificate", http.MethodPost,
		"/v1/certificates/"+url.PathEscape(id)+"/decrypt",
		map[string]string{"purpose": purpose}, &out, requestOpts{})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AckDelivery reports a successful deploy. Best-effort, never retried.
func (c *Client) AckDelivery(ctx context.Context, id string, version int64) error {
	body := map[string]any{
		"hostname":  c.hostname,
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return c.do(ctx, "ackDelivery", http.MethodPost,
		"/v1/certificates/"+url.PathEscape(id)+"/ack", body, nil, requestOpts{noRetry: true})
}

// SecretList is the normalized secret listing
type SecretList struct {
	Items []types.SecretMetadata `json:"items"`
	Total int                    `json:"total"`
}

// ListSecrets lists secret metadata. The server returns a bare array;
// it is normalized to {items, total}.
func (c *Client) ListSecrets(ctx context.Context) (*SecretList, error) {
	var items []types.SecretMetadata
	if err := c.do(ctx, "listSecrets", http.MethodGet, "/v1/secrets", nil, &items, requestOpts{}); err != nil {
		return nil, err
	}
	return &SecretList{Items: items, Total: len(items)}, nil
}

// GetSecretMetadata resolves a UUID or "alias:path" reference to metadata.
func (c *Client) GetSecretMetadata(ctx context.Context, idOrAlias string) (*types.SecretMetadata, error) {
	var out types.SecretMetadata
	var err error
	if alias, ok := strings.CutPrefix(idOrAlias, "alias:"); ok {
		err = c.do(ctx, "getSecretMetadata", http.MethodGet,
			"/v1/secrets/alias/"+url.PathEscape(alias), nil, &out, requestOpts{})
	} else {
		err = c.do(ctx, "getSecretMetadata", http.MethodGet,
			"/v1/secrets/"+url.PathEscape(idOrAlias)+"/meta", nil, &out, requestOpts{})
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSecret fetches and decrypts a secret by UUID or "alias:path".
// Alias references are resolved to UUIDs via a metadata call first.
func (c *Client) GetSecret(ctx context.Context, idOrAlias string) (*types.Secret, error) {
	id := idOrAlias
	alias := ""
	if strings.HasPrefix(idOrAlias, "alias:") {
		meta, err := c.GetSecretMetadata(ctx, idOrAlias)
		if err != nil {
			return nil, err
		}
		id = meta.ID
		alias = meta.Alias
	}

	var out struct {
		ID      string         `json:"id"`
		Type    string         `json:"type,omitempty"`
		Version int64          `json:"version"`
		Data    map[string]any `json:"data"`
	}
	err := c.do(ctx, "getSecret", http.MethodPost,
		"/v1/secrets/"+url.PathEscape(id)+"/decrypt", nil, &out, requestOpts{})
	if err != nil {
		return nil, err
	}

	return &types.Secret{
		ID:      out.ID,
		Alias:   alias,
		Type:    out.Type,
		Version: out.Version,
		Data:    out.Data,
	}, nil
}

// BindManagedAPIKey trades a managed key name for its current value and
// rotation metadata.
func (c *Client) BindManagedAPIKey(ctx context.Context, name string) (*types.BindResponse, error) {
	var out types.BindResponse
	err := c.do(ctx, "bindManagedApiKey", http.MethodPost,
		"/auth/api-keys/managed/"+url.PathEscape(name)+"/bind", nil, &out, requestOpts{})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckHealth probes the vault liveness endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	return c.do(ctx, "checkHealth", http.MethodGet, "/v1/health", nil, nil, requestOpts{})
}

type requestOpts struct {
	noRetry  bool
	skipAuth bool
}

// transientMessages are the network failure signatures worth retrying
var transientMessages = []string{
	"connection refused",
	"no such host",
	"host not found",
	"timed out",
	"timeout",
	"socket hang up",
	"connection reset",
	"EOF",
}

func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// do executes one logical API call with retry. Retries apply only to
// transient network failures, 5xx, and 429. 401/403 abort immediately.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any, opts requestOpts) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	attempt := func() error {
		return c.attempt(ctx, op, method, path, payload, out, opts)
	}

	if opts.noRetry {
		return attempt()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Str("op", op).Dur("retry_in", wait).Msg("retrying vault request")
	}
	return backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx), notify)
}

func (c *Client) attempt(ctx context.Context, op, method, path string, payload []byte, out any, opts requestOpts) error {
	start := time.Now()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if !opts.skipAuth {
		if err := c.injectAuth(ctx, req); err != nil {
			return backoff.Permanent(err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.VaultReachable.Set(0)
		metrics.VaultRequestsTotal.WithLabelValues(op, "network_error").Inc()
		metrics.VaultRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if isTransientNetErr(err) {
			return fmt.Errorf("vault request failed: %w", err)
		}
		return backoff.Permanent(fmt.Errorf("vault request failed: %w", err))
	}
	defer resp.Body.Close()

	metrics.VaultReachable.Set(1)
	metrics.VaultRequestsTotal.WithLabelValues(op, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	metrics.VaultRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(&AuthError{Status: resp.StatusCode, Message: errorMessage(data)})

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("vault returned HTTP %d: %s", resp.StatusCode, errorMessage(data))

	default:
		return backoff.Permanent(&APIError{Status: resp.StatusCode, Message: errorMessage(data)})
	}
}

// injectAuth applies the authentication precedence: explicit token,
// static API key, unexpired cached bearer, then username/password login.
func (c *Client) injectAuth(ctx context.Context, req *http.Request) error {
	c.mu.RLock()
	staticToken := c.staticToken
	apiKey := c.apiKey
	c.mu.RUnlock()

	if staticToken != "" {
		req.Header.Set("Authorization", "Bearer "+staticToken)
		return nil
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
		return nil
	}

	if c.HasValidToken() {
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}

	if err := c.Login(ctx); err != nil {
		return fmt.Errorf("login for bearer token failed: %w", err)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
