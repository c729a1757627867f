// Package metrics exposes the substrate's Prometheus series: consensus
// throughput and latency, view-change frequency, message volume, and
// detector/cache health, so an operator can watch a cluster the way they
// would watch any other production service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every series emitted by a single substrate node.
type Metrics struct {
	proposalsCommitted prometheus.Counter
	proposalsAborted   *prometheus.CounterVec
	viewChangesTotal   prometheus.Counter
	consensusLatency   prometheus.Histogram

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec

	quarantinedAgents prometheus.Gauge
	agentReputation   *prometheus.GaugeVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	batchSize prometheus.Histogram
}

// NewMetrics registers every series against the default Prometheus
// registry and returns the handle components use to record observations.
func NewMetrics() *Metrics {
	return &Metrics{
		proposalsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmbft_proposals_committed_total",
			Help: "Total number of consensus proposals that reached quorum and committed.",
		}),

		proposalsAborted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmbft_proposals_aborted_total",
				Help: "Total number of consensus proposals that aborted, by reason.",
			},
			[]string{"reason"},
		),

		viewChangesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmbft_view_changes_total",
			Help: "Total number of PBFT view changes initiated.",
		}),

		consensusLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmbft_consensus_latency_seconds",
			Help:    "Time from proposal submission to commit or abort.",
			Buckets: prometheus.DefBuckets,
		}),

		messagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmbft_messages_sent_total",
				Help: "Total consensus messages sent, by message type.",
			},
			[]string{"type"},
		),
		messagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmbft_messages_received_total",
				Help: "Total consensus messages received, by message type.",
			},
			[]string{"type"},
		),

		quarantinedAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmbft_quarantined_agents",
			Help: "Current number of agents quarantined by the malicious-behaviour detector.",
		}),
		agentReputation: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarmbft_agent_reputation",
				Help: "Current reputation score per agent.",
			},
			[]string{"agent_id"},
		),

		cacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmbft_message_cache_hits_total",
			Help: "Total message-cache lookups that found a cached digest.",
		}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmbft_message_cache_misses_total",
			Help: "Total message-cache lookups that missed.",
		}),

		batchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmbft_batch_size",
			Help:    "Distribution of operation counts per dispatched batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
	}
}

// RecordCommit records a proposal that reached quorum.
func (m *Metrics) RecordCommit(latency time.Duration) {
	m.proposalsCommitted.Inc()
	m.consensusLatency.Observe(latency.Seconds())
}

// RecordAbort records a proposal that aborted, tagged with why.
func (m *Metrics) RecordAbort(reason string, latency time.Duration) {
	m.proposalsAborted.WithLabelValues(reason).Inc()
	m.consensusLatency.Observe(latency.Seconds())
}

// RecordViewChange records a single view-change initiation.
func (m *Metrics) RecordViewChange() {
	m.viewChangesTotal.Inc()
}

// RecordMessageSent records one outbound consensus message of the given type.
func (m *Metrics) RecordMessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

// RecordMessageReceived records one inbound consensus message of the given type.
func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

// SetQuarantinedAgents sets the current quarantined-agent count.
func (m *Metrics) SetQuarantinedAgents(n int) {
	m.quarantinedAgents.Set(float64(n))
}

// SetAgentReputation records a single agent's current reputation score.
func (m *Metrics) SetAgentReputation(agentID string, score float64) {
	m.agentReputation.WithLabelValues(agentID).Set(score)
}

// RecordCacheHit records a message-cache hit.
func (m *Metrics) RecordCacheHit() { m.cacheHits.Inc() }

// RecordCacheMiss records a message-cache miss.
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Inc() }

// RecordBatch records the size of a dispatched batch.
func (m *Metrics) RecordBatch(size int) {
	m.batchSize.Observe(float64(size))
}

// Registry returns the Prometheus gatherer an HTTP handler can serve
// (/metrics) for scraping.
func (m *Metrics) Registry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
