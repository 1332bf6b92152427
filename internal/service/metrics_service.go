package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the portal.
type MetricsService struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	feedPublished     prometheus.Counter
	feedSubscribers   prometheus.Gauge
	submissionBytes   prometheus.Histogram
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	statusTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_status_transitions_total",
		Help: "Lifecycle transitions applied to assessment requests",
	}, []string{"from", "to"})

	feedPublished := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "change_feed_events_published_total",
		Help: "Change events published to the realtime feed",
	})

	feedSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "change_feed_subscribers",
		Help: "Currently open change feed subscriptions",
	})

	submissionBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "submission_attachment_bytes",
		Help:    "Combined attachment size per accepted submission",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, statusTransitions, feedPublished, feedSubscribers, submissionBytes, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:          registry,
		handler:           handler,
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		statusTransitions: statusTransitions,
		feedPublished:     feedPublished,
		feedSubscribers:   feedSubscribers,
		submissionBytes:   submissionBytes,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveTransition counts one applied lifecycle transition.
func (m *MetricsService) ObserveTransition(from, to models.RequestStatus) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveFeedPublish counts one published change event.
func (m *MetricsService) ObserveFeedPublish() {
	if m == nil {
		return
	}
	m.feedPublished.Inc()
}

// FeedSubscriberOpened and FeedSubscriberClosed track live subscriptions.
func (m *MetricsService) FeedSubscriberOpened() {
	if m == nil {
		return
	}
	m.feedSubscribers.Inc()
}

func (m *MetricsService) FeedSubscriberClosed() {
	if m == nil {
		return
	}
	m.feedSubscribers.Dec()
}

// ObserveSubmissionBytes records the accepted attachment volume.
func (m *MetricsService) ObserveSubmissionBytes(total int64) {
	if m == nil {
		return
	}
	m.submissionBytes.Observe(float64(total))
}
