package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Consumption metrics
	TokensConsumedTotal      *prometheus.CounterVec
	ConsumptionRejectedTotal *prometheus.CounterVec

	// Alert metrics
	AlertsFiredTotal *prometheus.CounterVec
	AlertEmailsTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec
	WebhookDuration    *prometheus.HistogramVec

	// Metering metrics
	MeterReportsTotal   *prometheus.CounterVec
	MeterReportAttempts prometheus.Histogram

	// Product cache metrics
	ProductCacheHitsTotal   prometheus.Counter
	ProductCacheMissesTotal prometheus.Counter

	// Scheduled job metrics
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		TokensConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_tokens_consumed_total",
				Help: "Tokens recorded in the usage ledger",
			},
			[]string{"plan_class"},
		),
		ConsumptionRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_consumption_rejected_total",
				Help: "Consumption requests refused",
			},
			[]string{"reason"},
		),
		AlertsFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_alerts_fired_total",
				Help: "Usage alerts created",
			},
			[]string{"alert_type"},
		),
		AlertEmailsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_alert_emails_total",
				Help: "Usage alert emails attempted",
			},
			[]string{"status"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_webhook_events_total",
				Help: "Processor webhook events handled",
			},
			[]string{"kind", "outcome"},
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_webhook_duration_seconds",
				Help:    "Webhook handling duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		MeterReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_meter_reports_total",
				Help: "Meter event reports by outcome",
			},
			[]string{"outcome"},
		),
		MeterReportAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_meter_report_attempts",
				Help:    "Attempts needed per meter event report",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		ProductCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenmeter_product_cache_hits_total",
				Help: "Product name lookups served from cache",
			},
		),
		ProductCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenmeter_product_cache_misses_total",
				Help: "Product name lookups that went to the processor",
			},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_job_runs_total",
				Help: "Scheduled job runs by outcome",
			},
			[]string{"job", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_job_duration_seconds",
				Help:    "Scheduled job duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
			},
			[]string{"job"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenmeter_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenmeter_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenmeter_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TokensConsumedTotal,
		m.ConsumptionRejectedTotal,
		m.AlertsFiredTotal,
		m.AlertEmailsTotal,
		m.WebhookEventsTotal,
		m.WebhookDuration,
		m.MeterReportsTotal,
		m.MeterReportAttempts,
		m.ProductCacheHitsTotal,
		m.ProductCacheMissesTotal,
		m.JobRunsTotal,
		m.JobDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// RecordConsumption counts tokens written to the ledger
func (m *Metrics) RecordConsumption(planClass string, tokens int64) {
	if m == nil {
		return
	}
	m.TokensConsumedTotal.WithLabelValues(planClass).Add(float64(tokens))
}

// RecordRejection counts a refused consumption
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.ConsumptionRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAlert counts a created alert
func (m *Metrics) RecordAlert(alertType string) {
	if m == nil {
		return
	}
	m.AlertsFiredTotal.WithLabelValues(alertType).Inc()
}

// RecordAlertEmail counts an alert email attempt
func (m *Metrics) RecordAlertEmail(err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.AlertEmailsTotal.WithLabelValues(status).Inc()
}

// RecordWebhook counts a handled webhook event
func (m *Metrics) RecordWebhook(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(kind, outcome).Inc()
	m.WebhookDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordMeterReport counts a meter report and the attempts it took
func (m *Metrics) RecordMeterReport(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.MeterReportsTotal.WithLabelValues(outcome).Inc()
	m.MeterReportAttempts.Observe(float64(attempts))
}

// RecordProductLookup counts a product cache hit or miss
func (m *Metrics) RecordProductLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ProductCacheHitsTotal.Inc()
		return
	}
	m.ProductCacheMissesTotal.Inc()
}

// RecordJob counts one scheduled job run
func (m *Metrics) RecordJob(job string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.JobRunsTotal.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel prefers the mux route template over the raw path to bound cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
