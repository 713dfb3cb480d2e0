package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/znlabs/zn-vault-agent/pkg/atomicfile"
	"github.com/znlabs/zn-vault-agent/pkg/channel"
	"github.com/znlabs/zn-vault-agent/pkg/config"
	"github.com/znlabs/zn-vault-agent/pkg/deploy"
	"github.com/znlabs/zn-vault-agent/pkg/dynsecrets"
	"github.com/znlabs/zn-vault-agent/pkg/events"
	"github.com/znlabs/zn-vault-agent/pkg/health"
	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/managedkey"
	"github.com/znlabs/zn-vault-agent/pkg/store"
	"github.com/znlabs/zn-vault-agent/pkg/syncer"
	"github.com/znlabs/zn-vault-agent/pkg/vault"
)

const defaultDataDir = "/var/lib/zn-vault-agent"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the agent in daemon mode: connect the event channel, deploy on
push events, poll as a fallback, rotate the managed key, and serve
health and metrics endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rt, err := newRuntime(configPath, true)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		rt.start(ctx)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger := log.WithComponent("main")
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			rt.broker.Publish(&events.Event{Type: events.EventAgentStopping, Message: "shutdown requested"})
			cancel()
		}()

		// Blocks until canceled, then drains
		rt.syncer.Run(ctx)
		return nil
	},
}

// agentRuntime wires the agent's components together. The exec command
// reuses it without the health server.
type agentRuntime struct {
	cfg      *config.Config
	mgr      *config.Manager
	store    *store.Store
	client   *vault.Client
	broker   *events.Broker
	deployer *deploy.Deployer
	keyctl   *managedkey.Controller
	dyn      *dynsecrets.Agent
	channel  *channel.Channel
	syncer   *syncer.Syncer
	health   *health.Server
}

func newRuntime(configFile string, withHealth bool) (*agentRuntime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")

	rt := &agentRuntime{cfg: cfg, mgr: config.NewManager(cfg, configFile)}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	rt.store, err = store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	opts := []vault.Option{vault.WithInsecure(cfg.Insecure)}
	if cfg.TenantID != "" {
		opts = append(opts, vault.WithTenant(cfg.TenantID))
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, vault.WithToken(cfg.Auth.Token))
	}
	if cfg.Auth.APIKey != "" {
		opts = append(opts, vault.WithAPIKey(cfg.Auth.APIKey))
	} else if cfg.Auth.Username != "" {
		opts = append(opts, vault.WithCredentials(cfg.Auth.Username, cfg.Auth.Password))
	}
	rt.client = vault.NewClient(cfg.VaultURL, opts...)

	rt.broker = events.NewBroker()
	rt.broker.Start()
	rt.deployer = deploy.NewDeployer(rt.client, rt.store, rt.broker)

	if cfg.ManagedKeyEnabled() {
		rt.keyctl = managedkey.NewController(rt.client, rt.mgr, cfg.ManagedKey.Name, rt.broker,
			func(string) {
				// Reconnect so the socket authenticates with the new key
				if rt.channel != nil {
					rt.channel.ForceReconnect()
				}
			})
	}

	if withHealth && cfg.HealthAddr != "" {
		rt.health = health.NewServer(Version)
	}

	hostname, _ := os.Hostname()
	var certIDs, secretIDs []string
	for _, t := range cfg.Targets {
		certIDs = append(certIDs, t.CertificateID)
	}
	for _, t := range cfg.SecretTargets {
		secretIDs = append(secretIDs, t.SecretID)
	}

	rootCtx := context.Background()
	rt.channel = channel.New(channel.Options{
		VaultURL:      cfg.VaultURL,
		APIKey:        rt.mgr.APIKey,
		Hostname:      hostname,
		Version:       Version,
		Platform:      runtime.GOOS,
		CertIDs:       certIDs,
		SecretIDs:     secretIDs,
		UpdateChannel: cfg.UpdateChannel,
		Insecure:      cfg.Insecure,
		OnEvent: func(topic string, data json.RawMessage) {
			rt.syncer.HandleEvent(rootCtx, topic, data)
		},
		OnConnected: func() {
			if rt.health != nil {
				rt.health.SetWebSocketState(true)
			}
			rt.syncer.HandleConnected(rootCtx)
		},
		OnDisconnected: func(error) {
			if rt.health != nil {
				rt.health.SetWebSocketState(false)
			}
		},
		OnAuthFailure: func() bool {
			if rt.keyctl != nil {
				return rt.keyctl.HandleAuthFailure(rootCtx)
			}
			logger.Error().Msg("vault rejected the configured credentials, not retrying")
			return false
		},
	})

	if cfg.DynamicSecrets != nil && cfg.DynamicSecrets.Enabled {
		priv, err := dynsecrets.LoadPrivateKey(cfg.DynamicSecrets.PrivateKeyPath)
		if err != nil {
			rt.shutdown()
			return nil, fmt.Errorf("failed to load dynamic-secrets key: %w", err)
		}
		rt.dyn = dynsecrets.New(rt.channel, priv, cfg.DynamicSecrets.PoolCacheSize)
	}

	var keys syncer.KeyHandler
	if rt.keyctl != nil {
		keys = rt.keyctl
	}
	var dyn syncer.DynHandler
	if rt.dyn != nil {
		dyn = rt.dyn
	}
	rt.syncer = syncer.New(rt.mgr, rt.deployer, keys, dyn)

	return rt, nil
}

// start launches the background pieces: orphan cleanup, health server,
// managed-key controller, and the event channel.
func (rt *agentRuntime) start(ctx context.Context) {
	logger := log.WithComponent("main")

	if removed := atomicfile.CleanupOrphans(deploy.OutputDirs(rt.cfg.Targets, rt.cfg.SecretTargets)); removed > 0 {
		logger.Info().Int("removed", removed).Msg("cleaned up orphaned temp and backup files")
	}

	if rt.health != nil {
		rt.broker.Handle(func(ev *events.Event) {
			rt.health.SetLastSync(ev.Timestamp)
		}, events.EventCertificateDeployed, events.EventSecretDeployed)

		go func() {
			// A busy port is reported but never kills the daemon
			if err := rt.health.Start(rt.cfg.HealthAddr); err != nil {
				logger.Error().Err(err).Str("addr", rt.cfg.HealthAddr).Msg("health server failed to start")
			}
		}()
	}

	if rt.keyctl != nil {
		rt.keyctl.Start(ctx)
	}

	go func() {
		if err := rt.channel.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("event channel stopped")
		}
	}()

	rt.broker.Publish(&events.Event{
		Type:     events.EventAgentStarted,
		Message:  "agent started",
		Metadata: map[string]string{"version": Version, "hostname": hostnameOr("unknown")},
	})
	logger.Info().Str("version", Version).Int("cert_targets", len(rt.cfg.Targets)).
		Int("secret_targets", len(rt.cfg.SecretTargets)).Msg("agent started")
}

func (rt *agentRuntime) shutdown() {
	if rt.keyctl != nil {
		rt.keyctl.Stop()
	}
	if rt.dyn != nil {
		rt.dyn.Close()
	}
	if rt.health != nil {
		rt.health.Stop()
	}
	if rt.broker != nil {
		rt.broker.Stop()
	}
	if rt.store != nil {
		rt.store.Close()
	}
	// Let in-flight log writes land
	time.Sleep(50 * time.Millisecond)
}

func hostnameOr(fallback string) string {
	h, err := os.Hostname()
	if err != nil {
		return fallback
	}
	return h
}
