package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/nimdanitro/cold-chain-publisher/pkg/publisher"

// Metrics holds the publisher's Prometheus collectors and OTel instruments.
type Metrics struct {
	ticks       prometheus.Counter
	skipped     prometheus.Counter
	submissions *prometheus.CounterVec
	inFlight    prometheus.Gauge

	temperature metric.Float64Gauge
	duration    metric.Float64Histogram
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publisher_ticks_total",
			Help: "Number of publish ticks fired",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publisher_ticks_skipped_total",
			Help: "Ticks skipped because a submission was still in flight",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publisher_submissions_total",
			Help: "Chaincode submissions by outcome",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "publisher_in_flight",
			Help: "1 while a submission is outstanding",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.skipped, m.submissions, m.inFlight)
	}

	meter := otel.Meter(instrumentationName)
	m.temperature, _ = meter.Float64Gauge("sensor.temperature",
		metric.WithUnit("Cel"),
		metric.WithDescription("Last generated temperature in degrees Celsius"),
	)
	m.duration, _ = meter.Float64Histogram("publisher.submit.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of a chaincode submission"),
	)

	return m
}
