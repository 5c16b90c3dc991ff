package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/internal/types"
)

// Logger is the structured logger handed to every component at
// construction. It carries the node-wide context fields on a zerolog
// instance; derived loggers add per-peer or per-job context.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger builds a logger emitting JSON records to output (stdout
// when nil), stamped with the service name, version, and host.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// NopLogger returns a logger that discards everything. Used by tests and
// by components constructed without a logger.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peer types.PeerID) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peer.String()).Logger(),
	}
}

// WithJob adds job_id context to logger.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("job_id", jobID).Logger(),
	}
}

// WithGroup adds fec_group context to logger.
func (l *Logger) WithGroup(group types.FecGroupID) *Logger {
	return &Logger{
		logger: l.logger.With().Str("fec_group", group.String()).Logger(),
	}
}

// Debug emits a debug-level record.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info emits an info-level record.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn emits a warning-level record.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error emits an error-level record carrying err.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal emits a fatal record and terminates the process.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// PipelineProcessed logs one CES forward pass.
func (l *Logger) PipelineProcessed(inputBytes, compressedBytes int, fileType string, dataShards, parityShards int) {
	l.logger.Info().
		Int("input_bytes", inputBytes).
		Int("compressed_bytes", compressedBytes).
		Str("file_type", fileType).
		Int("data_shards", dataShards).
		Int("parity_shards", parityShards).
		Msg("content processed into shards")
}

// ChunkStored logs a chunk landing in the ring buffer.
func (l *Logger) ChunkStored(id types.ChunkID, size int, evicted bool) {
	l.logger.Debug().
		Str("chunk_id", id.String()).
		Int("chunk_size", size).
		Bool("evicted_previous", evicted).
		Msg("chunk stored")
}

// GroupRecovered logs a successful FEC group recovery.
func (l *Logger) GroupRecovered(group types.FecGroupID, recovered, received int) {
	l.logger.Info().
		Str("fec_group", group.String()).
		Int("recovered_packets", recovered).
		Int("received_packets", received).
		Msg("FEC group recovered")
}

// UnchokeRotated logs a scheduler unchoke rotation.
func (l *Logger) UnchokeRotated(regular, optimistic int, perPeerBps uint64) {
	l.logger.Info().
		Int("regular_unchoked", regular).
		Int("optimistic_unchoked", optimistic).
		Uint64("per_peer_bps", perPeerBps).
		Msg("unchoke set rotated")
}

// ChunkRejected logs a chunk dropped by the verifier.
func (l *Logger) ChunkRejected(id types.ChunkID, peer types.PeerID, reason string) {
	l.logger.Warn().
		Str("chunk_id", id.String()).
		Str("peer_id", peer.String()).
		Str("reason", reason).
		Msg("chunk rejected by verifier")
}

// TaskCompleted logs a compute task reaching a terminal state.
func (l *Logger) TaskCompleted(taskID, status string, executionTime time.Duration, resultBytes int) {
	l.logger.Info().
		Str("task_id", taskID).
		Str("status", status).
		Float64("execution_seconds", executionTime.Seconds()).
		Int("result_bytes", resultBytes).
		Msg("compute task finished")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, peer types.PeerID) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("peer_id", peer.String()).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// getHostname names the host for the standing log context.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
