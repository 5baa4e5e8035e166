// Package metrics holds the prometheus collectors of a node. They live in a
// standalone package so cluster, overseer and update code can record without
// importing the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RaftApplyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shardex_raft_apply_latency_ms",
		Help:    "Latency of raft.Apply in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	RaftLeadershipChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardex_raft_leadership_changes_total",
		Help: "Times this node became raft leader",
	})

	OverseerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardex_overseer_messages_total",
		Help: "Mutation messages processed by the overseer, by operation and result",
	}, []string{"operation", "result"})

	OverseerPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardex_overseer_publishes_total",
		Help: "Cluster state publishes",
	})

	OverseerLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardex_overseer_leader",
		Help: "1 while the overseer loop runs on this node",
	})

	Updates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardex_updates_total",
		Help: "Update commands by kind and outcome (applied, dropped, buffered, conflict, error)",
	}, []string{"kind", "outcome"})

	UpdateLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardex_update_duration_seconds",
		Help:    "Update request latency including forwarding",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	ForwardErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardex_forward_errors_total",
		Help: "Failed forwards by distrib phase",
	}, []string{"phase"})

	Recoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardex_recoveries_total",
		Help: "Core recoveries by result",
	}, []string{"result"})
)

// Register registers every collector on reg, or on the default registerer
// when reg is nil. Collectors already registered are skipped.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		RaftApplyLatency,
		RaftLeadershipChanges,
		OverseerMessages,
		OverseerPublishes,
		OverseerLeader,
		Updates,
		UpdateLatency,
		ForwardErrors,
		Recoveries,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
