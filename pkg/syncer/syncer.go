package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/znlabs/zn-vault-agent/pkg/channel"
	"github.com/znlabs/zn-vault-agent/pkg/config"
	"github.com/znlabs/zn-vault-agent/pkg/deploy"
	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/metrics"
	"github.com/znlabs/zn-vault-agent/pkg/types"
)

// DrainTimeout bounds the wait for in-flight deploys at shutdown.
const DrainTimeout = 30 * time.Second

// State is the engine lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// KeyHandler receives rotation-related notifications.
type KeyHandler interface {
	HandleRotationEvent(ctx context.Context, keyName string)
	HandleReconnect(ctx context.Context)
}

// DynHandler receives dynamic-secrets frames.
type DynHandler interface {
	HandleEvent(ctx context.Context, data json.RawMessage)
}

// eventPayload is the union of the routable event fields.
type eventPayload struct {
	CertificateID string `json:"certificateId,omitempty"`
	SecretID      string `json:"secretId,omitempty"`
	Alias         string `json:"alias,omitempty"`
	Name          string `json:"name,omitempty"`
	Version       string `json:"version,omitempty"`
}

// Syncer routes vault events to deploys and runs the fallback poll.
type Syncer struct {
	cfg      *config.Manager
	deployer *deploy.Deployer
	keys     KeyHandler // nil outside managed-key mode
	dyn      DynHandler // nil unless dynamic secrets are enabled
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	active sync.WaitGroup

	initialSync sync.Once
}

// New creates the sync engine. keys and dyn may be nil.
func New(cfg *config.Manager, deployer *deploy.Deployer, keys KeyHandler, dyn DynHandler) *Syncer {
	return &Syncer{
		cfg:      cfg,
		deployer: deployer,
		keys:     keys,
		dyn:      dyn,
		logger:   log.WithComponent("syncer"),
		state:    StateStarting,
	}
}

// State returns the current lifecycle state.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the fallback-poll loop until the context is canceled, then
// drains. The poll is a safety net for events lost while disconnected.
func (s *Syncer) Run(ctx context.Context) {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	interval := time.Duration(s.cfg.Config().PollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("sync engine running")
	for {
		select {
		case <-ticker.C:
			s.logger.Debug().Msg("fallback poll")
			s.deployEverything(ctx, false)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// drain stops accepting events and waits for in-flight deploys, bounded
// at DrainTimeout.
func (s *Syncer) drain() {
	s.mu.Lock()
	s.state = StateDraining
	s.mu.Unlock()
	s.logger.Info().Msg("draining, waiting for in-flight deploys")

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DrainTimeout):
		s.logger.Warn().Dur("timeout", DrainTimeout).Msg("drain timeout reached with deploys still active")
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info().Msg("sync engine stopped")
}

// HandleConnected runs on every successful channel open. The first open
// triggers the initial sync so changes made while the agent was down
// land without waiting for an event.
func (s *Syncer) HandleConnected(ctx context.Context) {
	if s.keys != nil {
		s.keys.HandleReconnect(ctx)
	}
	s.initialSync.Do(func() {
		s.logger.Info().Msg("initial sync")
		go s.deployEverything(ctx, false)
	})
}

// HandleEvent routes one websocket event by topic. Events arriving
// while draining are dropped.
func (s *Syncer) HandleEvent(ctx context.Context, topic string, data json.RawMessage) {
	if st := s.State(); st != StateRunning {
		s.logger.Debug().Str("topic", topic).Str("state", string(st)).Msg("dropping event, sync engine not running")
		return
	}

	switch topic {
	case channel.TopicCertificates:
		s.routeCertEvent(ctx, data)
	case channel.TopicSecrets:
		s.routeSecretEvent(ctx, data)
	case channel.TopicKeyRotations:
		s.routeKeyEvent(ctx, data)
	case channel.TopicDynamicSecrets:
		if s.dyn != nil {
			s.dyn.HandleEvent(ctx, data)
		}
	case channel.TopicUpdates:
		s.logger.Info().RawJSON("update", data).Msg("agent update available")
	default:
		s.logger.Debug().Str("topic", topic).Msg("ignoring event on unknown topic")
	}
}

func (s *Syncer) routeCertEvent(ctx context.Context, data json.RawMessage) {
	var payload eventPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed certificate event")
		return
	}

	cfg := s.cfg.Config()
	matched := false
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.CertificateID != payload.CertificateID {
			continue
		}
		matched = true
		go s.deployCert(ctx, t, true)
	}
	if !matched {
		s.logger.Debug().Str("certificate_id", payload.CertificateID).Msg("certificate event matched no target")
	}
}

func (s *Syncer) routeSecretEvent(ctx context.Context, data json.RawMessage) {
	var payload eventPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed secret event")
		return
	}

	cfg := s.cfg.Config()
	matched := false
	for i := range cfg.SecretTargets {
		t := &cfg.SecretTargets[i]
		if !secretTargetMatches(t, &payload) {
			continue
		}
		matched = true
		go s.deploySecret(ctx, t, true)
	}
	if !matched {
		s.logger.Debug().Str("secret_id", payload.SecretID).Str("alias", payload.Alias).
			Msg("secret event matched no target")
	}
}

// secretTargetMatches matches by UUID or by alias. Targets may name the
// secret either way.
func secretTargetMatches(t *types.SecretTarget, p *eventPayload) bool {
	if p.SecretID != "" && t.SecretID == p.SecretID {
		return true
	}
	if p.Alias != "" && (t.SecretID == "alias:"+p.Alias || t.SecretID == p.Alias) {
		return true
	}
	return false
}

func (s *Syncer) routeKeyEvent(ctx context.Context, data json.RawMessage) {
	if s.keys == nil {
		return
	}
	var payload eventPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed key-rotation event")
		return
	}
	s.keys.HandleRotationEvent(ctx, payload.Name)
}

// deployEverything walks all targets sequentially, the DeployAll order.
func (s *Syncer) deployEverything(ctx context.Context, force bool) {
	cfg := s.cfg.Config()
	for i := range cfg.Targets {
		s.deployCert(ctx, &cfg.Targets[i], force)
	}
	for i := range cfg.SecretTargets {
		s.deploySecret(ctx, &cfg.SecretTargets[i], force)
	}
}

func (s *Syncer) deployCert(ctx context.Context, t *types.CertificateTarget, force bool) {
	s.active.Add(1)
	metrics.ActiveDeployments.Inc()
	defer func() {
		metrics.ActiveDeployments.Dec()
		s.active.Done()
	}()

	result := s.deployer.DeployCertificate(ctx, t, force)
	if !result.Success {
		s.logger.Warn().Str("target", t.Name).Str("message", result.Message).Msg("certificate deploy failed")
	}
}

func (s *Syncer) deploySecret(ctx context.Context, t *types.SecretTarget, force bool) {
	s.active.Add(1)
	metrics.ActiveDeployments.Inc()
	defer func() {
		metrics.ActiveDeployments.Dec()
		s.active.Done()
	}()

	result := s.deployer.DeploySecret(ctx, t, force)
	if !result.Success {
		s.logger.Warn().Str("target", t.Name).Str("message", result.Message).Msg("secret deploy failed")
	}
}
