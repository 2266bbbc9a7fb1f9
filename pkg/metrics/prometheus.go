package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metrics container for a channel core.
type Metrics struct {
	// Call-path metrics (client interceptor chain).
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	GRPCRequestsInFlight prometheus.Gauge

	// Channel / subchannel lifecycle.
	ChannelStateTransitions    *prometheus.CounterVec
	SubchannelStateTransitions *prometheus.CounterVec
	SubchannelReconnects       *prometheus.CounterVec
	SubchannelsActive          *prometheus.GaugeVec

	// Load-balancing.
	PicksTotal *prometheus.CounterVec

	// Resolver.
	ResolverUpdatesTotal *prometheus.CounterVec
	ResolverErrorsTotal  *prometheus.CounterVec
	ResolverAddressCount *prometheus.GaugeVec

	// xDS control plane.
	XDSRequestsTotal  *prometheus.CounterVec
	XDSResponsesTotal *prometheus.CounterVec
	XDSStreamRestarts prometheus.Counter

	// Process/runtime.
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics builds and registers the metrics container.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		GRPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_requests_total",
				Help:      "Total number of outbound gRPC calls dispatched through the channel",
			},
			[]string{"method", "status"},
		),

		GRPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_request_duration_seconds",
				Help:      "Duration of outbound gRPC calls",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),

		GRPCRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_requests_in_flight",
				Help:      "Current number of outbound gRPC calls in flight",
			},
		),

		ChannelStateTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "channel_state_transitions_total",
				Help:      "Channel connectivity state transitions",
			},
			[]string{"target", "state"},
		),

		SubchannelStateTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subchannel_state_transitions_total",
				Help:      "Subchannel connectivity state transitions",
			},
			[]string{"address", "state"},
		),

		SubchannelReconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subchannel_reconnects_total",
				Help:      "Number of subchannel reconnect attempts after backoff",
			},
			[]string{"address"},
		),

		SubchannelsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subchannels_active",
				Help:      "Number of subchannels currently tracked, by state",
			},
			[]string{"state"},
		),

		PicksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "picks_total",
				Help:      "Picker results, by outcome kind (complete, queue, fail, drop)",
			},
			[]string{"policy", "result"},
		),

		ResolverUpdatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resolver_updates_total",
				Help:      "Total number of resolver updates delivered to the channel",
			},
			[]string{"scheme"},
		),

		ResolverErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resolver_errors_total",
				Help:      "Total number of resolver errors reported to the channel",
			},
			[]string{"scheme"},
		),

		ResolverAddressCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resolver_address_count",
				Help:      "Number of addresses in the most recent resolver update",
			},
			[]string{"scheme"},
		),

		XDSRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "xds_requests_total",
				Help:      "DiscoveryRequests sent on the ADS stream, by type URL and ack/nack",
			},
			[]string{"type_url", "outcome"},
		),

		XDSResponsesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "xds_responses_total",
				Help:      "DiscoveryResponses received on the ADS stream",
			},
			[]string{"type_url"},
		),

		XDSStreamRestarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "xds_stream_restarts_total",
				Help:      "Number of times the ADS stream was torn down and reopened",
			},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Build information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics container, initializing it with defaults if needed.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("grpccore", "")
	}
	return defaultMetrics
}

// RecordGRPCRequest records a completed outbound call.
func (m *Metrics) RecordGRPCRequest(method string, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordChannelStateTransition records a channel entering a new connectivity state.
func (m *Metrics) RecordChannelStateTransition(target, state string) {
	m.ChannelStateTransitions.WithLabelValues(target, state).Inc()
}

// RecordSubchannelStateTransition records a subchannel entering a new connectivity state.
func (m *Metrics) RecordSubchannelStateTransition(address, state string) {
	m.SubchannelStateTransitions.WithLabelValues(address, state).Inc()
}

// RecordSubchannelReconnect records a subchannel reconnect attempt.
func (m *Metrics) RecordSubchannelReconnect(address string) {
	m.SubchannelReconnects.WithLabelValues(address).Inc()
}

// SetSubchannelsActive sets the gauge of subchannels currently in a state.
func (m *Metrics) SetSubchannelsActive(state string, count int) {
	m.SubchannelsActive.WithLabelValues(state).Set(float64(count))
}

// RecordPick records a picker result.
func (m *Metrics) RecordPick(policy, result string) {
	m.PicksTotal.WithLabelValues(policy, result).Inc()
}

// RecordResolverUpdate records a resolver update and its address count.
func (m *Metrics) RecordResolverUpdate(scheme string, addrCount int) {
	m.ResolverUpdatesTotal.WithLabelValues(scheme).Inc()
	m.ResolverAddressCount.WithLabelValues(scheme).Set(float64(addrCount))
}

// RecordResolverError records a resolver error report.
func (m *Metrics) RecordResolverError(scheme string) {
	m.ResolverErrorsTotal.WithLabelValues(scheme).Inc()
}

// RecordXDSRequest records a DiscoveryRequest sent, tagged ack or nack.
func (m *Metrics) RecordXDSRequest(typeURL, outcome string) {
	m.XDSRequestsTotal.WithLabelValues(typeURL, outcome).Inc()
}

// RecordXDSResponse records a DiscoveryResponse received.
func (m *Metrics) RecordXDSResponse(typeURL string) {
	m.XDSResponsesTotal.WithLabelValues(typeURL).Inc()
}

// RecordXDSStreamRestart records an ADS stream restart.
func (m *Metrics) RecordXDSStreamRestart() {
	m.XDSStreamRestarts.Inc()
}

// SetServiceInfo sets build metadata as a gauge with value 1.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts the HTTP server exposing /metrics and /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write error is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
