package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	// Chunk store metrics
	StoreChunks         prometheus.Gauge
	StoreBytes          prometheus.Gauge
	StoreEvictionsTotal prometheus.Counter
	StoreHitsTotal      prometheus.Counter
	StoreMissesTotal    prometheus.Counter

	// FEC metrics
	FECRecoveriesTotal        prometheus.Counter
	FECRecoveryFailuresTotal  prometheus.Counter
	FECParityPacketsSentTotal prometheus.Counter
	FECLatePacketsTotal       prometheus.Counter

	// Verifier metrics
	VerificationsTotal *prometheus.CounterVec
	RevokedChunkDrops  prometheus.Counter
	TrustedKeys        prometheus.Gauge

	// P2P metrics
	UnchokedPeers         prometheus.Gauge
	ChokedRequestsTotal   prometheus.Counter
	BytesTransferredTotal *prometheus.CounterVec

	// CES metrics
	PipelineProcessedTotal  *prometheus.CounterVec
	PipelineBytesIn         prometheus.Counter
	PipelineBytesCompressed prometheus.Counter

	// Compute metrics
	TasksTotal           *prometheus.CounterVec
	TaskDuration         prometheus.Histogram
	MeterInterruptsTotal *prometheus.CounterVec
	MerkleProofsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		StoreChunks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "warpgrid_store_chunks",
			Help: "Chunks currently held in the ring buffer",
		}),

		StoreBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "warpgrid_store_bytes",
			Help: "Payload bytes currently held in the ring buffer",
		}),

		StoreEvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_store_evictions_total",
			Help: "Chunks overwritten by ring buffer wraparound",
		}),

		StoreHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_store_hits_total",
			Help: "Chunk lookups that found a live chunk",
		}),

		StoreMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_store_misses_total",
			Help: "Chunk lookups that missed",
		}),

		FECRecoveriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_fec_recoveries_total",
			Help: "FEC groups recovered",
		}),

		FECRecoveryFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_fec_recovery_failures_total",
			Help: "Failed FEC group recoveries",
		}),

		FECParityPacketsSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_fec_parity_packets_sent_total",
			Help: "Parity packets produced for transmission",
		}),

		FECLatePacketsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_fec_late_packets_total",
			Help: "Packets discarded because their group was already retired",
		}),

		VerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warpgrid_verifications_total",
				Help: "Chunk signature verifications",
			},
			[]string{"result"},
		),

		RevokedChunkDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_revoked_chunk_drops_total",
			Help: "Chunks silently dropped because the source peer is revoked",
		}),

		TrustedKeys: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "warpgrid_trusted_keys",
			Help: "Trusted public keys currently registered",
		}),

		UnchokedPeers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "warpgrid_unchoked_peers",
			Help: "Peers in the current unchoke set",
		}),

		ChokedRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_choked_requests_total",
			Help: "Chunk requests rejected because the peer is choked",
		}),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warpgrid_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		PipelineProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warpgrid_pipeline_processed_total",
				Help: "CES pipeline passes",
			},
			[]string{"direction", "result"},
		),

		PipelineBytesIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_pipeline_bytes_in_total",
			Help: "Bytes entering the CES pipeline",
		}),

		PipelineBytesCompressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "warpgrid_pipeline_bytes_compressed_total",
			Help: "Bytes after CES compression",
		}),

		TasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warpgrid_compute_tasks_total",
				Help: "Compute tasks by terminal status",
			},
			[]string{"status"},
		),

		TaskDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "warpgrid_compute_task_duration_seconds",
			Help:    "Compute task execution time distribution",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		MeterInterruptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warpgrid_compute_meter_interrupts_total",
				Help: "Meter interrupts by overrun kind",
			},
			[]string{"kind"},
		),

		MerkleProofsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warpgrid_merkle_proofs_total",
				Help: "Merkle proof verifications",
			},
			[]string{"result"},
		),
	}

	return m
}

// RecordStoreStats updates the ring buffer gauges from a snapshot.
func (m *Metrics) RecordStoreStats(chunks, bytes int) {
	m.StoreChunks.Set(float64(chunks))
	m.StoreBytes.Set(float64(bytes))
}

// RecordVerification increments verification counters.
func (m *Metrics) RecordVerification(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.VerificationsTotal.WithLabelValues(result).Inc()
}

// RecordRevokedDrop counts a silent drop of a revoked peer's chunk.
func (m *Metrics) RecordRevokedDrop() {
	m.RevokedChunkDrops.Inc()
	m.VerificationsTotal.WithLabelValues("failure").Inc()
}

// RecordFECRecovery updates FEC recovery counters.
func (m *Metrics) RecordFECRecovery(success bool) {
	if success {
		m.FECRecoveriesTotal.Inc()
	} else {
		m.FECRecoveryFailuresTotal.Inc()
	}
}

// RecordTaskFinished records a compute task terminal state.
func (m *Metrics) RecordTaskFinished(status string, durationSeconds float64) {
	m.TasksTotal.WithLabelValues(status).Inc()
	m.TaskDuration.Observe(durationSeconds)
}

// RecordMerkleProof increments Merkle proof counters.
func (m *Metrics) RecordMerkleProof(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.MerkleProofsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
