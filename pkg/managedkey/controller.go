package managedkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/znlabs/zn-vault-agent/pkg/events"
	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/metrics"
	"github.com/znlabs/zn-vault-agent/pkg/types"
	"github.com/znlabs/zn-vault-agent/pkg/vault"
)

const (
	// rotationLead schedules the refresh ahead of the announced rotation
	rotationLead = 30 * time.Second

	// minRefreshDelay is the floor for any scheduled refresh
	minRefreshDelay = 60 * time.Second

	// fixedRefreshInterval applies when the server gave no schedule
	fixedRefreshInterval = 5 * time.Minute

	// gracePollFloor is the minimum delay before a grace safety poll
	gracePollFloor = 10 * time.Second

	// heartbeatInterval drives the freshness monitor
	heartbeatInterval = 60 * time.Second

	// heartbeatSlack is how far past the expected rotation the monitor
	// waits before forcing a refresh
	heartbeatSlack = 60 * time.Second

	// reconnectSettleDelay lets a fresh connection settle before the
	// post-reconnect refresh
	reconnectSettleDelay = 2 * time.Second

	// maxRetryAttempts bounds the ws-event refresh retry loop
	maxRetryAttempts = 5
)

// Binder is the slice of the vault client the controller needs.
type Binder interface {
	BindManagedAPIKey(ctx context.Context, name string) (*types.BindResponse, error)
	SetAPIKey(key string)
}

// ConfigUpdater persists the bound key and its rotation metadata. The
// controller is the only writer of the configured API key.
type ConfigUpdater interface {
	SetManagedKey(key string, next, grace *time.Time, mode types.RotationMode) error
	APIKey() string
}

// Controller keeps the agent's own managed API key current across
// server-driven rotations.
type Controller struct {
	binder Binder
	cfg    ConfigUpdater
	name   string
	broker *events.Broker
	logger zerolog.Logger

	// onKeyChanged fires exactly once per distinct new key, strictly
	// after the key is stored, before any reconnect uses it.
	onKeyChanged func(newKey string)

	mu               sync.Mutex
	running          bool
	currentKey       string
	nextRotationAt   *time.Time
	graceExpiresAt   *time.Time
	rotationMode     types.RotationMode
	staleKeyDetected bool
	tracking         types.RotationTracking

	refreshTimer *time.Timer
	graceTimer   *time.Timer
	stopCh       chan struct{}
}

// NewController creates the controller for one managed key name.
func NewController(binder Binder, cfg ConfigUpdater, name string, broker *events.Broker, onKeyChanged func(string)) *Controller {
	return &Controller{
		binder:       binder,
		cfg:          cfg,
		name:         name,
		broker:       broker,
		onKeyChanged: onKeyChanged,
		logger:       log.WithComponent("managed-key"),
		stopCh:       make(chan struct{}),
	}
}

// Start seeds state from the stored key, performs the initial refresh,
// and starts the heartbeat freshness monitor.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	c.currentKey = c.cfg.APIKey()
	c.mu.Unlock()

	if err := c.Refresh(ctx, "startup"); err != nil {
		c.logger.Warn().Err(err).Msg("initial key refresh failed, will retry on schedule")
		c.mu.Lock()
		c.scheduleNextLocked()
		c.mu.Unlock()
	}

	go c.heartbeatLoop(ctx)
}

// Stop halts all timers and loops.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
}

// State returns a snapshot of the controller's state.
func (c *Controller) State() types.ManagedKeyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.ManagedKeyState{
		CurrentKey:       c.currentKey,
		NextRotationAt:   c.nextRotationAt,
		GraceExpiresAt:   c.graceExpiresAt,
		RotationMode:     c.rotationMode,
		StaleKeyDetected: c.staleKeyDetected,
		Tracking:         c.tracking,
	}
}

// Refresh binds the managed key name and applies the response. It is
// the critical section for the agent's own credential: one refresh in
// flight at a time, ordered by call time.
func (c *Controller) Refresh(ctx context.Context, source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx, source)
}

func (c *Controller) refreshLocked(ctx context.Context, source string) error {
	resp, err := c.binder.BindManagedAPIKey(ctx, c.name)
	if err != nil {
		metrics.KeyRefreshFailuresTotal.WithLabelValues(source).Inc()
		c.logger.Warn().Err(err).Str("source", source).Msg("managed key refresh failed")
		return err
	}

	now := time.Now()
	c.tracking.LastPollAt = now

	rotated := resp.Key != "" && resp.Key != c.currentKey
	if rotated {
		// Persist first, then replace in memory, then notify. The new
		// key is observed before the old one is dropped.
		if err := c.cfg.SetManagedKey(resp.Key, resp.NextRotationAt, resp.GraceExpiresAt, resp.RotationMode); err != nil {
			c.logger.Warn().Err(err).Msg("failed to persist rotated key")
		}
		c.binder.SetAPIKey(resp.Key)

		hadKey := c.currentKey != ""
		c.currentKey = resp.Key

		metrics.KeyRotationsTotal.WithLabelValues(source).Inc()
		metrics.KeyLastRotationTimestamp.Set(float64(now.Unix()))

		if hadKey && !c.tracking.WSEventReceived && (source == "grace_poll" || source == "heartbeat") {
			c.tracking.MissedRotationsCount++
			metrics.KeyPollFallbacksTotal.WithLabelValues(source).Inc()
			c.logger.Warn().Str("source", source).Int("missed", c.tracking.MissedRotationsCount).
				Msg("rotation caught by poll, websocket event was missed")
		}

		c.logger.Info().Str("source", source).Msg("managed key rotated")
		c.broker.Publish(&events.Event{
			Type:     events.EventKeyRotated,
			Message:  fmt.Sprintf("managed key %s rotated", c.name),
			Metadata: map[string]string{"name": c.name, "source": source},
		})

		if hadKey && c.onKeyChanged != nil {
			c.onKeyChanged(resp.Key)
		}
	}

	c.nextRotationAt = resp.NextRotationAt
	c.graceExpiresAt = resp.GraceExpiresAt
	if resp.RotationMode != "" {
		c.rotationMode = resp.RotationMode
	}
	if resp.NextRotationAt != nil {
		c.tracking.ExpectedRotationAt = *resp.NextRotationAt
	}
	c.tracking.WSEventReceived = false

	c.staleKeyDetected = false
	metrics.KeyStale.Set(0)

	c.scheduleNextLocked()
	c.armGracePollLocked()
	return nil
}

// refreshDelayLocked applies the refresh priority rules: rotation time
// minus lead, else grace midpoint, else the fixed interval; never
// sooner than the 60s floor.
func (c *Controller) refreshDelayLocked() time.Duration {
	var delay time.Duration
	switch {
	case c.nextRotationAt != nil:
		delay = time.Until(*c.nextRotationAt) - rotationLead
	case c.graceExpiresAt != nil:
		delay = time.Until(*c.graceExpiresAt) / 2
	default:
		delay = fixedRefreshInterval
	}
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}
	return delay
}

func (c *Controller) scheduleNextLocked() {
	if !c.running {
		return
	}
	delay := c.refreshDelayLocked()

	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := c.Refresh(ctx, "scheduled"); err != nil {
			c.mu.Lock()
			c.scheduleNextLocked()
			c.mu.Unlock()
		}
	})
	c.logger.Debug().Dur("delay", delay).Msg("next key refresh scheduled")
}

// armGracePollLocked arms the grace-period safety poll. It tolerates
// loss of websocket events across the window in which both old and new
// keys are accepted.
func (c *Controller) armGracePollLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if !c.running || c.graceExpiresAt == nil {
		return
	}

	remaining := time.Until(*c.graceExpiresAt)
	if remaining <= 0 {
		return
	}
	delay := remaining / 2
	if delay < gracePollFloor {
		delay = gracePollFloor
	}

	c.graceTimer = time.AfterFunc(delay, func() {
		metrics.KeyGracePollsTotal.Inc()

		c.mu.Lock()
		seenEvent := c.tracking.WSEventReceived
		c.mu.Unlock()
		if seenEvent {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := c.Refresh(ctx, "grace_poll"); err != nil {
			c.logger.Warn().Err(err).Msg("grace poll refresh failed")
		}
	})
}

// heartbeatLoop watches for rotations that should have happened but
// produced neither a websocket event nor a successful poll.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.KeyHeartbeatChecksTotal.Inc()

			c.mu.Lock()
			if c.graceExpiresAt != nil {
				remaining := time.Until(*c.graceExpiresAt).Seconds()
				if remaining < 0 {
					remaining = 0
				}
				metrics.KeyGraceRemainingSeconds.Set(remaining)
			} else {
				metrics.KeyGraceRemainingSeconds.Set(0)
			}

			overdue := !c.tracking.ExpectedRotationAt.IsZero() &&
				time.Now().After(c.tracking.ExpectedRotationAt.Add(heartbeatSlack)) &&
				!c.tracking.WSEventReceived
			c.mu.Unlock()

			if overdue {
				c.logger.Warn().Msg("expected rotation overdue without websocket event, refreshing")
				if err := c.Refresh(ctx, "heartbeat"); err != nil {
					c.logger.Warn().Err(err).Msg("heartbeat refresh failed")
				}
			}

		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// HandleRotationEvent processes a key.rotated websocket event.
func (c *Controller) HandleRotationEvent(ctx context.Context, keyName string) {
	if keyName != c.name {
		return
	}

	metrics.KeyWSEventsTotal.Inc()
	c.mu.Lock()
	c.tracking.WSEventReceived = true
	c.tracking.LastWSEventAt = time.Now()
	c.mu.Unlock()

	go c.refreshWithRetry(ctx, "ws_event")
}

// refreshWithRetry retries a failed refresh with exponential backoff,
// min(2^attempt seconds, 60s), up to maxRetryAttempts.
func (c *Controller) refreshWithRetry(ctx context.Context, source string) {
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if err := c.Refresh(ctx, source); err == nil {
			return
		} else if vault.IsAuthError(err) {
			// Retrying an invalid key is pointless
			return
		}

		delay := time.Second * time.Duration(1<<uint(attempt))
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
	c.logger.Error().Str("source", source).Int("attempts", maxRetryAttempts).
		Msg("managed key refresh exhausted retries")
}

// HandleReconnect runs after every websocket reconnect: wait for the
// connection to settle, then refresh to pick up anything missed during
// the outage.
func (c *Controller) HandleReconnect(ctx context.Context) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}

	go func() {
		select {
		case <-time.After(reconnectSettleDelay):
		case <-c.stopCh:
			return
		}
		if err := c.Refresh(ctx, "reconnect"); err != nil {
			c.logger.Warn().Err(err).Msg("post-reconnect refresh failed")
		}
	}()
}

// HandleAuthFailure runs when the websocket handshake got a 401. It
// attempts an emergency bind. Returning false means the stored key is
// truly invalid and reconnection must stop.
func (c *Controller) HandleAuthFailure(ctx context.Context) bool {
	err := c.Refresh(ctx, "reconnect")
	if err == nil {
		c.mu.Lock()
		c.staleKeyDetected = false
		c.mu.Unlock()
		metrics.KeyStale.Set(0)
		return true
	}

	if vault.IsAuthError(err) {
		c.mu.Lock()
		c.staleKeyDetected = true
		c.mu.Unlock()
		metrics.KeyStale.Set(1)
		c.logOperatorRecovery()
		return false
	}

	// Transient failure; let the channel keep trying
	return true
}

// logOperatorRecovery prints the manual recovery steps for a stale key.
// There is no automatic remediation: the agent cannot authenticate at
// all anymore.
func (c *Controller) logOperatorRecovery() {
	c.logger.Error().Str("key", c.name).Msg("stored managed key is no longer accepted by the vault")
	c.logger.Error().Msg("MANUAL RECOVERY REQUIRED:")
	c.logger.Error().Msgf("  1. Log into the vault UI and open API Keys > Managed > %s", c.name)
	c.logger.Error().Msg("  2. Issue a fresh key value (Rotate Now) and copy it")
	c.logger.Error().Msg("  3. Update auth.apiKey in the agent config (or ZN_VAULT_AGENT_API_KEY)")
	c.logger.Error().Msg("  4. Restart the agent")
}
