package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/metrics"
)

const (
	// DefaultHeartbeatInterval is how often the agent pings
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultPongTimeout is how long a ping may go unanswered
	DefaultPongTimeout = 45 * time.Second

	// DefaultHandshakeTimeout bounds the WS upgrade
	DefaultHandshakeTimeout = 10 * time.Second

	// maxReconnectDelay caps reconnect backoff
	maxReconnectDelay = 60 * time.Second
)

// errAuthFailure marks a 401 at the WS handshake. It is not a normal
// reconnect: the managed-key controller must recover the key first.
var errAuthFailure = errors.New("websocket handshake rejected: unauthorized")

// Message is the wire schema of the agent websocket. Payloads are UTF-8
// JSON with a type discriminator.
type Message struct {
	Type          string          `json:"type"`
	AgentID       string          `json:"agentId,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Message       string          `json:"message,omitempty"`
	Subscriptions json.RawMessage `json:"subscriptions,omitempty"`
}

// Message types
const (
	msgRegistered = "registered"
	msgSubscribed = "subscribed"
	msgPong       = "pong"
	msgPing       = "ping"
	msgEvent      = "event"
	msgError      = "error"
)

// Topics carried on the single connection
const (
	TopicCertificates   = "certificates"
	TopicSecrets        = "secrets"
	TopicUpdates        = "updates"
	TopicDynamicSecrets = "dynamic-secrets"
	TopicKeyRotations   = "key-rotations"
)

// Options configures the event channel.
type Options struct {
	VaultURL string

	// APIKey is called at dial time so every reconnect carries the
	// current managed key.
	APIKey func() string

	Hostname      string
	Version       string
	Platform      string
	CertIDs       []string
	SecretIDs     []string
	UpdateChannel string
	Insecure      bool

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	HandshakeTimeout  time.Duration

	// OnEvent receives every typed event by topic
	OnEvent func(topic string, data json.RawMessage)

	// OnConnected fires after every successful open, first and
	// reconnects alike
	OnConnected func()

	// OnDisconnected fires when an open connection drops
	OnDisconnected func(err error)

	// OnAuthFailure fires on a 401 handshake. Returning false stops
	// reconnection attempts entirely (stale key with no recovery).
	OnAuthFailure func() bool
}

// Channel maintains the single persistent websocket to the vault.
type Channel struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	lastPong time.Time
}

// New creates an event channel.
func New(opts Options) *Channel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Channel{
		opts:   opts,
		logger: log.WithComponent("event-channel"),
	}
}

// endpoint builds the WS URL with subscriptions as query parameters.
func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.opts.VaultURL)
	if err != nil {
		return "", fmt.Errorf("invalid vault URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	u.Path = "/v1/ws/agent"

	q := url.Values{}
	if len(c.opts.CertIDs) > 0 {
		q.Set("certIds", strings.Join(c.opts.CertIDs, ","))
	}
	if len(c.opts.SecretIDs) > 0 {
		q.Set("secretIds", strings.Join(c.opts.SecretIDs, ","))
	}
	if c.opts.UpdateChannel != "" {
		q.Set("updateChannel", c.opts.UpdateChannel)
	}
	if c.opts.APIKey != nil {
		q.Set("apiKey", c.opts.APIKey())
	}
	q.Set("hostname", c.opts.Hostname)
	q.Set("version", c.opts.Version)
	q.Set("platform", c.opts.Platform)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and serves until the context is canceled. It owns the
// reconnect loop: exponential backoff capped at 60s plus up to 1s of
// jitter, with the attempt counter reset on every successful open.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}

		if errors.Is(err, errAuthFailure) {
			c.logger.Warn().Msg("websocket handshake unauthorized, deferring to key recovery")
			if c.opts.OnAuthFailure != nil && !c.opts.OnAuthFailure() {
				c.logger.Error().Msg("key recovery failed, stopping reconnection attempts")
				return errAuthFailure
			}
			// Key recovered; retry promptly with the new key
			attempt = 0
		}

		attempt++
		delay := reconnectDelay(attempt)
		c.logger.Info().Err(err).Dur("delay", delay).Int("attempt", attempt).Msg("reconnecting")
		metrics.WSReconnectsTotal.Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// reconnectDelay is min(1s*2^(attempt-1), 60s) + U(0,1s)
func reconnectDelay(attempt int) time.Duration {
	if attempt > 7 {
		attempt = 7
	}
	base := time.Second * time.Duration(1<<uint(attempt-1))
	if base > maxReconnectDelay {
		base = maxReconnectDelay
	}
	return base + time.Duration(rand.Int63n(int64(time.Second)))
}

// connectAndServe dials once and serves the connection until it drops.
// The bool reports whether the dial succeeded, so the caller can reset
// its attempt counter.
func (c *Channel) connectAndServe(ctx context.Context) (bool, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	if c.opts.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, errAuthFailure
		}
		return false, fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.lastPong = time.Now()
	c.mu.Unlock()

	metrics.WSConnected.Set(1)
	defer metrics.WSConnected.Set(0)

	c.logger.Info().Msg("websocket connected")
	if c.opts.OnConnected != nil {
		go c.opts.OnConnected()
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(serveCtx, conn)

	err = c.readLoop(conn)
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	if c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected(err)
	}
	return true, err
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read failed: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed websocket message")
			continue
		}

		switch msg.Type {
		case msgRegistered:
			c.logger.Info().Str("agent_id", msg.AgentID).Msg("registered with vault")
		case msgSubscribed:
			c.logger.Debug().RawJSON("subscriptions", orEmpty(msg.Subscriptions)).Msg("subscriptions confirmed")
		case msgPong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		case msgEvent:
			metrics.WSMessagesTotal.WithLabelValues(msg.Topic).Inc()
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(msg.Topic, msg.Data)
			}
		case msgError:
			c.logger.Error().Str("message", msg.Message).Msg("vault reported websocket error")
		default:
			c.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown message type")
		}
	}
}

// heartbeat pings every interval, arms a pong timeout per ping, and
// force-closes a stale connection so the reconnect loop takes over.
func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastPong) > c.opts.PongTimeout+c.opts.HeartbeatInterval
			c.mu.Unlock()
			if stale {
				c.logger.Warn().Msg("no pong within staleness window, forcing reconnect")
				conn.Close()
				return
			}

			if err := c.Send(Message{Type: msgPing}); err != nil {
				conn.Close()
				return
			}
			pingAt := time.Now()

			// Per-ping pong timeout
			time.AfterFunc(c.opts.PongTimeout, func() {
				c.mu.Lock()
				missed := c.lastPong.Before(pingAt)
				current := c.conn == conn
				c.mu.Unlock()
				if missed && current {
					c.logger.Warn().Msg("pong timeout, forcing reconnect")
					conn.Close()
				}
			})

		case <-ctx.Done():
			return
		}
	}
}

// Send writes a message on the current connection. Used for pings,
// subscription changes, and dynamic-secrets replies.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(v)
}

// Subscribe adds topics on the live connection.
func (c *Channel) Subscribe(topics, certIDs, secretIDs []string, updateChannel string) error {
	return c.Send(map[string]any{
		"type":      "subscribe",
		"topics":    topics,
		"certIds":   certIDs,
		"secretIds": secretIDs,
		"channel":   updateChannel,
	})
}

// ForceReconnect closes the current connection so the reconnect loop
// dials again immediately, picking up the current API key.
func (c *Channel) ForceReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether the channel currently holds an open socket.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func orEmpty(raw json.RawMessage) []byte {
	if raw == nil {
		return []byte("{}")
	}
	return raw
}
