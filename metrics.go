package embedauth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records orchestrator request outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	state    prometheus.Gauge
}

// NewMetrics creates the orchestrator collectors and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedauth",
			Name:      "step_requests_total",
			Help:      "Requests issued per workflow step, by result.",
		}, []string{"step", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "embedauth",
			Name:      "step_duration_seconds",
			Help:      "Latency of workflow step requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "embedauth",
			Name:      "state",
			Help:      "Current workflow state (0=NoCredential .. 5=Ready).",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.state)
	}
	return m
}

func (m *Metrics) observe(step string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(step, result).Inc()
	m.duration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
