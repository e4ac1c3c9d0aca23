package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ResolvedTargets   prometheus.Counter
	RepairedTargets   prometheus.Counter
	SelectionsCreated prometheus.Counter
	UsageEntries      prometheus.Counter
	UsageWriteErrors  prometheus.Counter
	SyncRuns          prometheus.Counter
	SyncRowsWritten   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ResolvedTargets: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "resolve_targets_total",
				Help:      "Total usage-slot resolutions served",
			}),
			RepairedTargets: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "resolve_repairs_total",
				Help:      "Total selections auto-repaired during resolution",
			}),
			SelectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "resolve_selections_created_total",
				Help:      "Total selections lazily created on first resolve",
			}),
			UsageEntries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "usage_entries_total",
				Help:      "Total usage ledger entries written",
			}),
			UsageWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "usage_write_errors_total",
				Help:      "Total ledger writes that failed and were dropped",
			}),
			SyncRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "sync_runs_total",
				Help:      "Total catalog reconcile runs",
			}),
			SyncRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "sync_rows_written_total",
				Help:      "Total platform and model rows written by reconcile",
			}),
		}
		prometheus.MustRegister(global.ResolvedTargets, global.RepairedTargets,
			global.SelectionsCreated, global.UsageEntries, global.UsageWriteErrors,
			global.SyncRuns, global.SyncRowsWritten)
	})
	return global
}
