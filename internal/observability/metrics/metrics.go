package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for the conversation engine.
type EngineMetrics struct {
	inboundTotal     *prometheus.CounterVec
	repliesTotal     *prometheus.CounterVec
	chunksTotal      *prometheus.CounterVec
	followupsTotal   *prometheus.CounterVec
	generatorLatency prometheus.Histogram
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Subsystem: "engine",
			Name:      "inbound_total",
			Help:      "Total inbound messaging events",
		}, []string{"kind"}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Subsystem: "engine",
			Name:      "replies_total",
			Help:      "Total composed replies by outcome",
		}, []string{"status"}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Subsystem: "engine",
			Name:      "chunks_total",
			Help:      "Total reply chunks by delivery outcome",
		}, []string{"status"}),
		followupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Subsystem: "engine",
			Name:      "followups_total",
			Help:      "Total follow-up jobs by outcome",
		}, []string{"status"}),
		generatorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inboxpilot",
			Subsystem: "engine",
			Name:      "generator_latency_seconds",
			Help:      "Latency of generator completions",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.repliesTotal, m.chunksTotal, m.followupsTotal, m.generatorLatency)
	return m
}

func (m *EngineMetrics) ObserveInbound(kind string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) ObserveReply(status string) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) ObserveChunk(status string) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) ObserveFollowup(status string) {
	if m == nil {
		return
	}
	m.followupsTotal.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) ObserveGeneratorLatency(seconds float64) {
	if m == nil {
		return
	}
	m.generatorLatency.Observe(seconds)
}
