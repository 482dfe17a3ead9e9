// Package metrics exposes prometheus collectors for the coordinator and the
// recovery job. A nil *Collector is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "compensable"

// Operation labels.
const (
	OpBegin    = "begin"
	OpBranch   = "branch"
	OpCommit   = "commit"
	OpRollback = "rollback"
)

// Outcome labels.
const (
	OutcomeSuccess         = "success"
	OutcomeFailure         = "failure"
	OutcomeRecovered       = "recovered"
	OutcomeSkippedMaxRetry = "skipped_max_retry"
	OutcomeSkippedBranch   = "skipped_branch"
	OutcomeOptimisticLock  = "optimistic_lock"
)

type Collector struct {
	transactions *prometheus.CounterVec
	recovery     *prometheus.CounterVec
	lastScanSize prometheus.Gauge
}

// New builds the collectors and registers them on reg. Passing a nil
// registerer keeps the collectors unregistered, which is handy in tests.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Coordinator operations by outcome.",
		}, []string{"op", "outcome"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_total",
			Help:      "Transactions visited by the recovery job by outcome.",
		}, []string{"outcome"}),
		lastScanSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_last_scan_size",
			Help:      "Number of stalled transactions loaded by the last recovery cycle.",
		}),
	}
	if reg == nil {
		return c, nil
	}
	for _, collector := range []prometheus.Collector{c.transactions, c.recovery, c.lastScanSize} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ObserveTransaction(op, outcome string) {
	if c == nil {
		return
	}
	c.transactions.WithLabelValues(op, outcome).Inc()
}

func (c *Collector) ObserveRecovery(outcome string) {
	if c == nil {
		return
	}
	c.recovery.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetLastScanSize(n int) {
	if c == nil {
		return
	}
	c.lastScanSize.Set(float64(n))
}

// Transactions and Recovery expose the raw vectors for assertions.
func (c *Collector) Transactions() *prometheus.CounterVec {
	return c.transactions
}

func (c *Collector) Recovery() *prometheus.CounterVec {
	return c.recovery
}
