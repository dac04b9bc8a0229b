package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slicerhub_sessions_active",
			Help: "Number of live sessions in the store",
		},
	)

	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slicerhub_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsRetiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slicerhub_sessions_retired_total",
			Help: "Total number of sessions retired by reason",
		},
		[]string{"reason"},
	)

	LoginFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slicerhub_login_failures_total",
			Help: "Total number of failed logins by reason",
		},
		[]string{"reason"},
	)

	// Container metrics
	ContainerLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slicerhub_container_launch_duration_seconds",
			Help:    "Time from container start request to running state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	ContainerLaunchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slicerhub_container_launch_failures_total",
			Help: "Total number of container launches that never reached running",
		},
	)

	// Proxy metrics
	ProxyReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slicerhub_proxy_reloads_total",
			Help: "Total number of successful proxy configuration reloads",
		},
	)

	ProxyReloadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slicerhub_proxy_reload_failures_total",
			Help: "Total number of proxy reload attempts that gave up",
		},
	)

	// Reaper metrics
	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slicerhub_reaper_cycles_total",
			Help: "Total number of completed reaper passes",
		},
	)

	ReaperCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slicerhub_reaper_cycle_duration_seconds",
			Help:    "Duration of a reaper pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slicerhub_http_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slicerhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(SessionsCreatedTotal)
	prometheus.MustRegister(SessionsRetiredTotal)
	prometheus.MustRegister(LoginFailuresTotal)
	prometheus.MustRegister(ContainerLaunchDuration)
	prometheus.MustRegister(ContainerLaunchFailures)
	prometheus.MustRegister(ProxyReloadsTotal)
	prometheus.MustRegister(ProxyReloadFailures)
	prometheus.MustRegister(ReaperCyclesTotal)
	prometheus.MustRegister(ReaperCycleDuration)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
