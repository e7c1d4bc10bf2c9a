package notifications

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports delivery counters. A nil *Metrics records nothing.
type Metrics struct {
	created  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	released *prometheus.CounterVec
	digests  *prometheus.CounterVec
}

// NewMetrics registers the delivery collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifykit",
			Name:      "deliveries_created_total",
			Help:      "Delivery records created by fan-out, by channel.",
		}, []string{"channel"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifykit",
			Name:      "deliveries_skipped_total",
			Help:      "Deliveries recorded as skipped at dispatch, by channel and reason.",
		}, []string{"channel", "reason"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifykit",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notifykit",
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Duration of delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		released: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifykit",
			Name:      "sweep_released_total",
			Help:      "Pending deliveries re-enqueued by the retry sweep, by kind.",
		}, []string{"kind"}),
		digests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifykit",
			Name:      "digests_sent_total",
			Help:      "Digest emails queued, by frequency.",
		}, []string{"frequency"}),
	}
}

func (m *Metrics) observeCreated(ch Channel) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) observeSkipped(ch Channel, reason SkipReason) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(string(ch), string(reason)).Inc()
}

func (m *Metrics) observeAttempt(ch Channel, res Result) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(ch), res.Outcome.String()).Inc()
	m.duration.WithLabelValues(string(ch)).Observe(res.Duration.Seconds())
}

func (m *Metrics) observeReleased(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.released.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) observeDigest(freq Frequency) {
	if m == nil {
		return
	}
	m.digests.WithLabelValues(string(freq)).Inc()
}
