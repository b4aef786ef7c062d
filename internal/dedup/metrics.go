package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the dedup engine's exported counters.
type Metrics struct {
	Total       prometheus.Counter
	Forwarded   prometheus.Counter
	Duplicates  prometheus.Counter
	ActiveFlows prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Total: factory.NewCounter(prometheus.CounterOpts{
			Name: "pathsteer_dedup_packets_total",
			Help: "Packets entering the dedup engine",
		}),
		Forwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "pathsteer_dedup_packets_forwarded_total",
			Help: "First-arrival packets forwarded",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "pathsteer_dedup_packets_dropped_total",
			Help: "Duplicate packets dropped",
		}),
		ActiveFlows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pathsteer_dedup_active_flows",
			Help: "Live flow-table entries as of the last sweep",
		}),
	}
}
