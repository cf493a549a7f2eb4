package scheduling

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for talon generation and booking. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Talons persisted by materialization or manual creation
	TalonsCreated *prometheus.CounterVec

	// Book/cancel outcomes by operation and result
	BookingOutcome *prometheus.CounterVec

	// Time from lock request to lock scope end
	LockDuration prometheus.Histogram

	// Busy-slot cache lookups by result (hit, miss, error)
	BusyCacheLookups *prometheus.CounterVec
}

// NewMetrics registers all scheduling metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TalonsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_talons_created_total",
			Help: "Total talons persisted by source",
		}, []string{"source"}), // source: "schedule", "manual"

		BookingOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_operations_total",
			Help: "Total book and cancel operations by outcome",
		}, []string{"operation", "outcome"}),

		LockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "booking_talon_lock_duration_seconds",
			Help:    "Duration of talon lock scopes including the wait for the lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		BusyCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_busy_cache_lookups_total",
			Help: "Busy-slot cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) AddTalonsCreated(source string, n int) {
	if m != nil && n > 0 {
		m.TalonsCreated.WithLabelValues(source).Add(float64(n))
	}
}

func (m *Metrics) IncrementOutcome(operation, outcome string) {
	if m != nil {
		m.BookingOutcome.WithLabelValues(operation, outcome).Inc()
	}
}

func (m *Metrics) ObserveLock(d time.Duration) {
	if m != nil {
		m.LockDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementCacheLookup(result string) {
	if m != nil {
		m.BusyCacheLookups.WithLabelValues(result).Inc()
	}
}
