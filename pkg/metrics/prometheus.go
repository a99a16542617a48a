package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Store Metrics
	dbQueryDuration    *prometheus.HistogramVec
	dbQueryErrorsTotal *prometheus.CounterVec
	dbRetriesTotal     *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal          *prometheus.CounterVec
	callsActive         prometheus.Gauge
	callsDuration       *prometheus.HistogramVec
	callsFailedTotal    *prometheus.CounterVec
	participantOps      *prometheus.CounterVec
	provisionDuration   prometheus.Histogram
	startRacesLostTotal prometheus.Counter
	ghostsReapedTotal   prometheus.Counter

	// Presence Metrics
	presenceSubscribers    prometheus.Gauge
	presenceScopes         prometheus.Gauge
	presenceEventsTotal    *prometheus.CounterVec
	presenceSlowDropsTotal prometheus.Counter

	// Notification Metrics
	eventsEnqueuedTotal     *prometheus.CounterVec
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics on a registry owned by this instance
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// Store Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "db_query_duration_seconds",
				Help:        "Session store statement latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		dbQueryErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "db_query_errors_total",
				Help:        "Total number of session store errors",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		dbRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "db_query_retries_total",
				Help:        "Total number of retried session store statements",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active presence WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),

		// Call Metrics
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of active calls started or ended by this instance",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed call operations",
				ConstLabels: labels,
			},
			[]string{"operation", "reason"},
		),
		participantOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_participant_operations_total",
				Help:        "Total number of participant operations by outcome",
				ConstLabels: labels,
			},
			[]string{"operation", "outcome"},
		),
		provisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_provision_duration_seconds",
				Help:        "Media room allocation latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
		),
		startRacesLostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_start_races_lost_total",
				Help:        "Starts that lost the one-active-call race and joined instead",
				ConstLabels: labels,
			},
		),
		ghostsReapedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_ghost_participants_reaped_total",
				Help:        "Participants marked left after their heartbeat expired",
				ConstLabels: labels,
			},
		),

		// Presence Metrics
		presenceSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_subscribers",
				Help:        "Number of open presence subscriptions",
				ConstLabels: labels,
			},
		),
		presenceScopes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_scopes",
				Help:        "Number of room scopes with an open change feed stream",
				ConstLabels: labels,
			},
		),
		presenceEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "presence_events_total",
				Help:        "Total number of change events fanned out to subscribers",
				ConstLabels: labels,
			},
			[]string{"table"},
		),
		presenceSlowDropsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_slow_subscriber_drops_total",
				Help:        "Subscribers dropped for falling behind",
				ConstLabels: labels,
			},
		),

		// Notification Metrics
		eventsEnqueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_events_enqueued_total",
				Help:        "Total number of call events handed to the notification queue",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
	}

	return m
}

// GetRegistry returns the registry holding this instance's collectors
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Store Metrics Methods

// RecordDBQuery records a session store statement
func (m *Metrics) RecordDBQuery(operation string, duration time.Duration, err error) {
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.dbQueryErrorsTotal.WithLabelValues(operation).Inc()
	}
}

// RecordDBRetry records a retried statement
func (m *Metrics) RecordDBRetry(operation string) {
	m.dbRetriesTotal.WithLabelValues(operation).Inc()
}

// WebSocket Metrics Methods

// IncWebSocketConnections increments open presence connections
func (m *Metrics) IncWebSocketConnections() {
	m.websocketConnections.Inc()
}

// DecWebSocketConnections decrements open presence connections
func (m *Metrics) DecWebSocketConnections() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// Call Metrics Methods

// RecordCallStarted records a started call
func (m *Metrics) RecordCallStarted(callType string) {
	m.callsTotal.WithLabelValues(callType, "started").Inc()
	m.callsActive.Inc()
}

// RecordCallEnded records an ended call and its duration
func (m *Metrics) RecordCallEnded(callType string, duration time.Duration) {
	m.callsTotal.WithLabelValues(callType, "ended").Inc()
	m.callsActive.Dec()
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a failed call operation
func (m *Metrics) RecordCallFailure(operation, reason string) {
	m.callsFailedTotal.WithLabelValues(operation, reason).Inc()
}

// RecordParticipantOp records a participant operation; outcome is "applied" or "noop"
func (m *Metrics) RecordParticipantOp(operation, outcome string) {
	m.participantOps.WithLabelValues(operation, outcome).Inc()
}

// ObserveProvision records media room allocation latency
func (m *Metrics) ObserveProvision(duration time.Duration) {
	m.provisionDuration.Observe(duration.Seconds())
}

// RecordStartRaceLost records a start that resolved into a join
func (m *Metrics) RecordStartRaceLost() {
	m.startRacesLostTotal.Inc()
}

// RecordGhostReaped records a participant removed by the reaper
func (m *Metrics) RecordGhostReaped() {
	m.ghostsReapedTotal.Inc()
}

// Presence Metrics Methods

// SetPresenceScopes sets the number of scopes with an open feed stream
func (m *Metrics) SetPresenceScopes(count int) {
	m.presenceScopes.Set(float64(count))
}

// IncPresenceSubscribers increments open subscriptions
func (m *Metrics) IncPresenceSubscribers() {
	m.presenceSubscribers.Inc()
}

// DecPresenceSubscribers decrements open subscriptions
func (m *Metrics) DecPresenceSubscribers() {
	m.presenceSubscribers.Dec()
}

// RecordPresenceEvent records a fanned-out change event
func (m *Metrics) RecordPresenceEvent(table string) {
	m.presenceEventsTotal.WithLabelValues(table).Inc()
}

// RecordSlowSubscriberDrop records a dropped subscriber
func (m *Metrics) RecordSlowSubscriberDrop() {
	m.presenceSlowDropsTotal.Inc()
}

// Notification Metrics Methods

// RecordEventEnqueued records a notification event hand-off
func (m *Metrics) RecordEventEnqueued(eventType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.eventsEnqueuedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType, platform string) {
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType, platform string) {
	m.pushNotificationsFailed.WithLabelValues(notifType, platform).Inc()
}
