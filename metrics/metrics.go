// Package metrics exposes engine statistics as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/loan-ledger/loan"
)

const namespace = "loan_ledger"

// Collector implements loan.Recorder.
type Collector struct {
	transactions *prometheus.CounterVec
	replays      prometheus.Counter
	replayBatch  prometheus.Histogram
	entries      prometheus.Counter
	rejected     *prometheus.CounterVec
	lockWait     prometheus.Histogram
}

var _ loan.Recorder = (*Collector)(nil)

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_processed_total",
			Help:      "Loan transactions applied, by transaction type.",
		}, []string{"type"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Reverse-and-replay runs triggered by backdated or reversed transactions.",
		}),
		replayBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_batch_size",
			Help:      "Transactions re-processed per replay.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_entries_posted_total",
			Help:      "Journal entries appended, including reversal entries.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Rejected loan commands, by error code.",
		}, []string{"code"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-loan lock.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.transactions, c.replays, c.replayBatch, c.entries, c.rejected, c.lockWait)
	}
	return c
}

func (c *Collector) TransactionProcessed(typ string) {
	c.transactions.WithLabelValues(typ).Inc()
}

func (c *Collector) Replayed(batch int) {
	c.replays.Inc()
	c.replayBatch.Observe(float64(batch))
}

func (c *Collector) EntriesPosted(n int) {
	if n > 0 {
		c.entries.Add(float64(n))
	}
}

func (c *Collector) Rejected(code string) {
	c.rejected.WithLabelValues(code).Inc()
}

func (c *Collector) LockWaited(d time.Duration) {
	c.lockWait.Observe(d.Seconds())
}
