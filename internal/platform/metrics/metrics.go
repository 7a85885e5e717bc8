package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the story player.
// All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	itemsStartedTotal      prometheus.Counter
	naturalAdvancesTotal   prometheus.Counter
	mediaFaultsTotal       *prometheus.CounterVec
	pushEventsTotal        *prometheus.CounterVec
	transportFailuresTotal *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	unseenGroups           prometheus.Gauge
}

// New creates and registers Prometheus metrics for the player.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "story_player_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "story_player_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	itemsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "story_player_items_started_total",
		Help: "Total number of story items that became active",
	})
	naturalAdvancesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "story_player_natural_advances_total",
		Help: "Total number of advances caused by an item completing or disappearing",
	})
	mediaFaultsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "story_player_media_faults_total",
		Help: "Total number of media load failures by kind (error or timeout)",
	}, []string{"kind"})
	pushEventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "story_player_push_events_total",
		Help: "Total number of push events applied by type",
	}, []string{"type"})
	transportFailuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "story_player_transport_failures_total",
		Help: "Total number of failed outbound calls by operation",
	}, []string{"op"})
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "story_player_request_duration_seconds",
		Help:    "Control API latency by route, method and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
	unseenGroups := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "story_player_unseen_groups",
		Help: "Number of story groups with at least one unviewed item",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		itemsStartedTotal,
		naturalAdvancesTotal,
		mediaFaultsTotal,
		pushEventsTotal,
		transportFailuresTotal,
		requestDuration,
		unseenGroups,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		errorsTotal:            errorsTotal,
		itemsStartedTotal:      itemsStartedTotal,
		naturalAdvancesTotal:   naturalAdvancesTotal,
		mediaFaultsTotal:       mediaFaultsTotal,
		pushEventsTotal:        pushEventsTotal,
		transportFailuresTotal: transportFailuresTotal,
		requestDuration:        requestDuration,
		unseenGroups:           unseenGroups,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncItemsStarted increments the items started counter.
func (m *Metrics) IncItemsStarted() {
	if m == nil {
		return
	}
	m.itemsStartedTotal.Inc()
}

// IncNaturalAdvances increments the natural advances counter.
func (m *Metrics) IncNaturalAdvances() {
	if m == nil {
		return
	}
	m.naturalAdvancesTotal.Inc()
}

// IncMediaFaults increments the media fault counter for kind.
func (m *Metrics) IncMediaFaults(kind string) {
	if m == nil {
		return
	}
	m.mediaFaultsTotal.WithLabelValues(kind).Inc()
}

// IncPushEvents increments the push event counter for eventType.
func (m *Metrics) IncPushEvents(eventType string) {
	if m == nil {
		return
	}
	m.pushEventsTotal.WithLabelValues(eventType).Inc()
}

// IncTransportFailures increments the failed call counter for op.
func (m *Metrics) IncTransportFailures(op string) {
	if m == nil {
		return
	}
	m.transportFailuresTotal.WithLabelValues(op).Inc()
}

// ObserveRequest records the latency of one control API request. route is
// the matched route pattern, so ids in the path do not explode cardinality.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}

// SetUnseenGroups sets the unseen groups gauge.
func (m *Metrics) SetUnseenGroups(n int) {
	if m == nil {
		return
	}
	m.unseenGroups.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. unseen groups).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
