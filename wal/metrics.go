package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "raftwal",
		Name:      "appended_entries_total",
		Help:      "Entries written to partition files.",
	})
	committedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "raftwal",
		Name:      "committed_entries_total",
		Help:      "Entries moved past the commit index.",
	})
	compactionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "raftwal",
		Name:      "compactions_total",
		Help:      "Completed log compactions.",
	})
	snapshotInstalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "raftwal",
		Name:      "snapshot_installs_total",
		Help:      "Snapshot entries installed through a single-entry append; compactions are counted separately.",
	})
	lastIndexGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "raftwal",
		Name:      "last_index",
		Help:      "Highest durable log index.",
	})
)
