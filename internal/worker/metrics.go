package worker

import (
	"net/http"
	"time"

	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	sinkKafka   = "kafka"
	sinkWebhook = "webhook"
)

type metrics struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	attemptTime  *prometheus.HistogramVec
	inflight     prometheus.Gauge
	deliveries   *prometheus.CounterVec
	pixels       *prometheus.CounterVec
	outputBytes  *prometheus.CounterVec
	computeTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelcrop",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Task attempts by job kind and resulting status.",
		}, []string{"kind", "status"}),
		attemptTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pixelcrop",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one task attempt, including the wait for a slot.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind", "status"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcrop",
			Subsystem: "worker",
			Name:      "active_jobs",
			Help:      "Jobs currently holding a processing slot.",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelcrop",
			Subsystem: "worker",
			Name:      "result_events_total",
			Help:      "Result notifications by sink, event and outcome.",
		}, []string{"sink", "event", "outcome"}),
		pixels: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelcrop",
			Subsystem: "usage",
			Name:      "pixels_processed_total",
			Help:      "Output pixels rendered by completed jobs.",
		}, []string{"kind"}),
		outputBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelcrop",
			Subsystem: "usage",
			Name:      "output_bytes_total",
			Help:      "Encoded result bytes written by completed jobs.",
		}, []string{"kind"}),
		computeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelcrop",
			Subsystem: "usage",
			Name:      "compute_seconds_total",
			Help:      "Processing time spent on completed jobs.",
		}, []string{"kind"}),
	}
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) observeAttempt(kind, status string, elapsed time.Duration) {
	m.attempts.WithLabelValues(kind, status).Inc()
	m.attemptTime.WithLabelValues(kind, status).Observe(elapsed.Seconds())
}

func (m *metrics) observeDelivery(sink, event string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(sink, event, outcome).Inc()
}

func (m *metrics) observeUsage(usage domain.UsageLog) {
	m.pixels.WithLabelValues(usage.Kind).Add(float64(usage.PixelsProcessed))
	m.outputBytes.WithLabelValues(usage.Kind).Add(float64(usage.OutputBytes))
	m.computeTotal.WithLabelValues(usage.Kind).Add(float64(usage.ComputeTimeMS) / 1000)
}
