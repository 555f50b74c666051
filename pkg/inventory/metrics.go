package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds Prometheus collectors for the ledger. A nil *Metrics is valid
// and records nothing.
// 台帳のPrometheusメトリクス
type Metrics struct {
	movements        *prometheus.CounterVec
	movementValue    *prometheus.CounterVec
	reversals        *prometheus.CounterVec
	retries          *prometheus.CounterVec
	failures         *prometheus.CounterVec
	blockedDeletions prometheus.Counter
	lowStockAlerts   prometheus.Counter
	duration         *prometheus.HistogramVec
}

// NewMetrics registers the ledger collectors with reg
// 台帳メトリクスを登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		movements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zai",
			Subsystem: "ledger",
			Name:      "movements_total",
			Help:      "Committed movements by type.",
		}, []string{"type"}),
		movementValue: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zai",
			Subsystem: "ledger",
			Name:      "movement_value_total",
			Help:      "Absolute value of committed movements by type.",
		}, []string{"type"}),
		reversals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zai",
			Subsystem: "ledger",
			Name:      "reversals_total",
			Help:      "Committed deletions and reversals by action.",
		}, []string{"action"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zai",
			Subsystem: "ledger",
			Name:      "retries_total",
			Help:      "Retries after transient errors by operation.",
		}, []string{"operation"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zai",
			Subsystem: "ledger",
			Name:      "failures_total",
			Help:      "Failed operations by error kind.",
		}, []string{"operation", "kind"}),
		blockedDeletions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "zai",
			Subsystem: "ledger",
			Name:      "blocked_deletions_total",
			Help:      "Deletions refused because layers were consumed downstream.",
		}),
		lowStockAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "zai",
			Subsystem: "ledger",
			Name:      "low_stock_alerts_total",
			Help:      "Low stock alerts raised.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zai",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) observeMovement(t MovementType, value decimal.Decimal) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(string(t)).Inc()
	v, _ := value.Abs().Float64()
	m.movementValue.WithLabelValues(string(t)).Add(v)
}

func (m *Metrics) observeReversal(action DeleteAction) {
	if m == nil {
		return
	}
	m.reversals.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) observeRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) observeResult(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	kind := KindOf(err)
	m.failures.WithLabelValues(operation, string(kind)).Inc()
	if kind == KindDeletionBlocked {
		m.blockedDeletions.Inc()
	}
}

func (m *Metrics) observeLowStock() {
	if m == nil {
		return
	}
	m.lowStockAlerts.Inc()
}
