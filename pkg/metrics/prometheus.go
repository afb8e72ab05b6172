package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports engine events as Prometheus metrics.
type Prometheus struct {
	transactions   *prometheus.CounterVec
	commitLatency  prometheus.Histogram
	committedWrite prometheus.Counter
	rollbacks      prometheus.Counter
	queries        *prometheus.CounterVec
	queryLatency   *prometheus.HistogramVec
	queryRows      prometheus.Counter
	recovered      *prometheus.CounterVec
	recoveryTime   prometheus.Gauge
	checkpoints    *prometheus.CounterVec
	walRemoved     prometheus.Counter
}

// NewPrometheus creates the collectors under namespace and registers them
// with reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Commit attempts by outcome",
		}, []string{"outcome"}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Latency of commit attempts",
			Buckets:   prometheus.DefBuckets,
		}),
		committedWrite: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_writes_total",
			Help:      "Entity and relationship writes made visible by commits",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Transactions rolled back",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Executed queries by kind and status",
		}, []string{"kind", "status"}),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Latency of query execution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		queryRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_rows_total",
			Help:      "Rows produced by queries",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_transactions_total",
			Help:      "Transactions seen during WAL recovery",
		}, []string{"result"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of the last WAL recovery",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints by status",
		}, []string{"status"}),
		walRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_segments_removed_total",
			Help:      "WAL segments deleted by checkpoints",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.transactions, p.commitLatency, p.committedWrite, p.rollbacks,
		p.queries, p.queryLatency, p.queryRows,
		p.recovered, p.recoveryTime, p.checkpoints, p.walRemoved,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return p, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (p *Prometheus) RecordCommit(outcome string, writes int, d time.Duration) {
	p.transactions.WithLabelValues(outcome).Inc()
	p.commitLatency.Observe(d.Seconds())
	if outcome == OutcomeCommitted {
		p.committedWrite.Add(float64(writes))
	}
}

func (p *Prometheus) RecordRollback() {
	p.rollbacks.Inc()
}

func (p *Prometheus) RecordQuery(kind string, rows int, truncated bool, d time.Duration, err error) {
	st := status(err)
	if err == nil && truncated {
		st = "truncated"
	}
	p.queries.WithLabelValues(kind, st).Inc()
	p.queryLatency.WithLabelValues(kind).Observe(d.Seconds())
	p.queryRows.Add(float64(rows))
}

func (p *Prometheus) RecordRecovery(applied, discarded int, d time.Duration) {
	p.recovered.WithLabelValues("applied").Add(float64(applied))
	p.recovered.WithLabelValues("discarded").Add(float64(discarded))
	p.recoveryTime.Set(d.Seconds())
}

func (p *Prometheus) RecordCheckpoint(removed int, _ time.Duration, err error) {
	p.checkpoints.WithLabelValues(status(err)).Inc()
	p.walRemoved.Add(float64(removed))
}
