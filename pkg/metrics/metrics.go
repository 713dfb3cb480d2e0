package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Vault client metrics
	VaultRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "znva_vault_requests_total",
			Help: "Total number of vault API requests by method and status",
		},
		[]string{"method", "status"},
	)

	VaultRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "znva_vault_request_duration_seconds",
			Help:    "Vault API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	VaultReachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "znva_vault_reachable",
			Help: "Whether the vault was reachable on the last request (1 = reachable)",
		},
	)

	// Event channel metrics
	WSConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "znva_ws_connected",
			Help: "Whether the websocket channel is currently open (1 = open)",
		},
	)

	WSReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "znva_ws_reconnects_total",
			Help: "Total number of websocket reconnect attempts",
		},
	)

	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "znva_ws_messages_total",
			Help: "Total number of websocket messages received by topic",
		},
		[]string{"topic"},
	)

	// Deployer metrics
	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "znva_deploys_total",
			Help: "Total number of deploys by kind and result",
		},
		[]string{"kind", "result"},
	)

	DeployDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "znva_deploy_duration_seconds",
			Help:    "Deploy duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ActiveDeployments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "znva_active_deployments",
			Help: "Number of deploys currently in flight",
		},
	)

	// Managed-key rotation metrics
	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "znva_key_rotations_total",
			Help: "Total number of detected managed-key rotations by source",
		},
		[]string{"source"},
	)

	KeyWSEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "znva_key_ws_events_total",
			Help: "Total number of key.rotated websocket events received",
		},
	)

	KeyPollFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "znva_key_poll_fallbacks_total",
			Help: "Total number of poll-driven refreshes that caught a missed rotation",
		},
		[]string{"source"},
	)

	KeyRefreshFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "znva_key_refresh_failures_total",
			Help: "Total number of failed managed-key refreshes by source",
		},
		[]string{"source"},
	)

	KeyGracePollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "znva_key_grace_polls_total",
			Help: "Total number of grace-period safety polls",
		},
	)

	KeyHeartbeatChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "znva_key_heartbeat_checks_total",
			Help: "Total number of heartbeat freshness checks",
		},
	)

	KeyStale = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "znva_key_stale",
			Help: "Whether the stored managed key is known stale (1 = stale)",
		},
	)

	KeyGraceRemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "znva_key_grace_remaining_seconds",
			Help: "Seconds remaining in the managed-key grace period",
		},
	)

	KeyLastRotationTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "znva_key_last_rotation_timestamp",
			Help: "Unix timestamp of the last detected key rotation",
		},
	)

	// Dynamic-credential metrics
	DynRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "znva_dynamic_requests_total",
			Help: "Total number of dynamic-credential requests by operation and result",
		},
		[]string{"op", "result"},
	)

	DynPoolsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "znva_dynamic_pools_open",
			Help: "Number of cached database connection pools",
		},
	)

	// Supervisor metrics
	ChildRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "znva_child_restarts_total",
			Help: "Total number of supervised child restarts",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(VaultRequestsTotal)
	prometheus.MustRegister(VaultRequestDuration)
	prometheus.MustRegister(VaultReachable)
	prometheus.MustRegister(WSConnected)
	prometheus.MustRegister(WSReconnectsTotal)
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(DeployDuration)
	prometheus.MustRegister(ActiveDeployments)
	prometheus.MustRegister(KeyRotationsTotal)
	prometheus.MustRegister(KeyWSEventsTotal)
	prometheus.MustRegister(KeyPollFallbacksTotal)
	prometheus.MustRegister(KeyRefreshFailuresTotal)
	prometheus.MustRegister(KeyGracePollsTotal)
	prometheus.MustRegister(KeyHeartbeatChecksTotal)
	prometheus.MustRegister(KeyStale)
	prometheus.MustRegister(KeyGraceRemainingSeconds)
	prometheus.MustRegister(KeyLastRotationTimestamp)
	prometheus.MustRegister(DynRequestsTotal)
	prometheus.MustRegister(DynPoolsOpen)
	prometheus.MustRegister(ChildRestartsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
