package sensorpi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sensorpi"

// Metrics holds the prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	temperature   *prometheus.GaugeVec
	active        *prometheus.GaugeVec
	readErrors    *prometheus.CounterVec
	persisted     prometheus.Counter
	persistErrors prometheus.Counter
	sinkErrors    *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sensor_temperature_celsius",
			Help:      "Last temperature read from the probe.",
		}, []string{"serial"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sensor_active",
			Help:      "1 if the probe was present on the last bus scan.",
		}, []string{"serial"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sensor_read_errors_total",
			Help:      "Failed probe reads by kind.",
		}, []string{"serial", "kind"}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "readings_persisted_total",
			Help:      "Readings appended to the database.",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persist_failures_total",
			Help:      "Reading batches that failed to persist.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sink_failures_total",
			Help:      "Failed reading mirror publishes.",
		}, []string{"sink"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent reading and persisting in one sampling cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}

	reg.MustRegister(
		m.temperature,
		m.active,
		m.readErrors,
		m.persisted,
		m.persistErrors,
		m.sinkErrors,
		m.cycleDuration,
	)

	return m
}

func (m *Metrics) observeSensors(statuses []SensorStatus) {
	if m == nil {
		return
	}
	for _, status := range statuses {
		if status.Active {
			m.active.WithLabelValues(status.SerialID).Set(1)
		} else {
			m.active.WithLabelValues(status.SerialID).Set(0)
		}
		if status.HasTemperature {
			m.temperature.WithLabelValues(status.SerialID).Set(status.TemperatureC)
		}
	}
}

func (m *Metrics) readFailed(serial, kind string) {
	if m == nil {
		return
	}
	m.readErrors.WithLabelValues(serial, kind).Inc()
}

func (m *Metrics) readingsPersisted(count int) {
	if m == nil {
		return
	}
	m.persisted.Add(float64(count))
}

func (m *Metrics) persistFailed() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

func (m *Metrics) sinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) cycleDone(took time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(took.Seconds())
}
