// Package config loads and validates the node configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warpgrid/warpgrid/internal/fec"
)

// ConfigError names the field that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s invalid: %s", e.Field, e.Reason)
}

// Config is the full recognized configuration surface.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	FEC     FECConfig     `yaml:"fec"`
	P2P     P2PConfig     `yaml:"p2p"`
	QUIC    QUICConfig    `yaml:"quic"`
	Compute ComputeConfig `yaml:"compute"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig controls the chunk store.
type StorageConfig struct {
	RingBufferSlots int `yaml:"ring_buffer_slots"`
	ChunkTTLSeconds int `yaml:"chunk_ttl_seconds"`
	// MaxMemoryBytes is advisory; the ring buffer bounds memory by slot
	// count, not bytes.
	MaxMemoryBytes uint64 `yaml:"max_memory_bytes"`
}

// ChunkTTL returns the chunk time-to-live as a duration.
func (s StorageConfig) ChunkTTL() time.Duration {
	return time.Duration(s.ChunkTTLSeconds) * time.Second
}

// FECConfig controls the packet-group FEC engine.
type FECConfig struct {
	DefaultK int  `yaml:"default_k"`
	DefaultM int  `yaml:"default_m"`
	Adaptive bool `yaml:"adaptive"`
}

// P2PConfig controls the unchoke scheduler.
type P2PConfig struct {
	MaxUploadBps           uint64 `yaml:"max_upload_bps"`
	MaxDownloadBps         uint64 `yaml:"max_download_bps"`
	UnchokeIntervalSeconds int    `yaml:"unchoke_interval_seconds"`
	RegularUnchokeCount    int    `yaml:"regular_unchoke_count"`
	OptimisticUnchokeCount int    `yaml:"optimistic_unchoke_count"`
}

// UnchokeInterval returns the rotation period as a duration.
func (p P2PConfig) UnchokeInterval() time.Duration {
	return time.Duration(p.UnchokeIntervalSeconds) * time.Second
}

// QUICConfig is handed to the transport collaborator.
type QUICConfig struct {
	ListenAddr               string `yaml:"listen_addr"`
	MaxConcurrentConnections int    `yaml:"max_concurrent_connections"`
	MaxStreamsPerConnection  int    `yaml:"max_streams_per_connection"`
	IdleTimeoutMS            int    `yaml:"idle_timeout_ms"`
	CongestionController     string `yaml:"congestion_controller"`
	EnableGSO                bool   `yaml:"enable_gso"`
	MaxChunkSize             int    `yaml:"max_chunk_size"`
}

// ComputeConfig controls the compute sandbox.
type ComputeConfig struct {
	MaxMemoryMB      uint64 `yaml:"max_memory_mb"`
	MaxCPUCycles     uint64 `yaml:"max_cpu_cycles"`
	MaxExecutionMS   uint64 `yaml:"max_execution_time_ms"`
	WorkerThreads    int    `yaml:"worker_threads"`
	VerificationMode string `yaml:"verification_mode"`
	SimulationMode   bool   `yaml:"simulation_mode"`
}

// MetricsConfig controls the scrape endpoint the collaborator mounts.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			RingBufferSlots: 4096,
			ChunkTTLSeconds: 120,
			MaxMemoryBytes:  512 * 1024 * 1024,
		},
		FEC: FECConfig{
			DefaultK: 16,
			DefaultM: 2,
			Adaptive: true,
		},
		P2P: P2PConfig{
			MaxUploadBps:           50_000_000,
			MaxDownloadBps:         100_000_000,
			UnchokeIntervalSeconds: 10,
			RegularUnchokeCount:    4,
			OptimisticUnchokeCount: 1,
		},
		QUIC: QUICConfig{
			ListenAddr:               ":4433",
			MaxConcurrentConnections: 1000,
			MaxStreamsPerConnection:  256,
			IdleTimeoutMS:            30_000,
			CongestionController:     "bbr",
			EnableGSO:                true,
			MaxChunkSize:             10 * 1024 * 1024,
		},
		Compute: ComputeConfig{
			MaxMemoryMB:      256,
			MaxCPUCycles:     1_000_000_000,
			MaxExecutionMS:   30_000,
			WorkerThreads:    8,
			VerificationMode: "hash",
			SimulationMode:   false,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9100",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every constraint and names the offending field.
func (c *Config) Validate() error {
	if c.Storage.RingBufferSlots <= 0 {
		return &ConfigError{Field: "storage.ring_buffer_slots", Reason: "must be > 0"}
	}
	if c.Storage.ChunkTTLSeconds <= 0 {
		return &ConfigError{Field: "storage.chunk_ttl_seconds", Reason: "must be > 0"}
	}

	if c.FEC.DefaultK <= 0 {
		return &ConfigError{Field: "fec.default_k", Reason: "must be > 0"}
	}
	if c.FEC.DefaultM < 1 || c.FEC.DefaultM >= c.FEC.DefaultK {
		return &ConfigError{Field: "fec.default_m", Reason: "must be in [1, default_k)"}
	}

	if c.P2P.MaxUploadBps == 0 {
		return &ConfigError{Field: "p2p.max_upload_bps", Reason: "must be > 0"}
	}
	if c.P2P.MaxDownloadBps == 0 {
		return &ConfigError{Field: "p2p.max_download_bps", Reason: "must be > 0"}
	}
	if c.P2P.UnchokeIntervalSeconds <= 0 {
		return &ConfigError{Field: "p2p.unchoke_interval_seconds", Reason: "must be > 0"}
	}
	if c.P2P.RegularUnchokeCount <= 0 {
		return &ConfigError{Field: "p2p.regular_unchoke_count", Reason: "must be > 0"}
	}
	if c.P2P.OptimisticUnchokeCount < 0 {
		return &ConfigError{Field: "p2p.optimistic_unchoke_count", Reason: "must be >= 0"}
	}

	if c.QUIC.MaxConcurrentConnections <= 0 {
		return &ConfigError{Field: "quic.max_concurrent_connections", Reason: "must be > 0"}
	}
	if c.QUIC.MaxStreamsPerConnection <= 0 {
		return &ConfigError{Field: "quic.max_streams_per_connection", Reason: "must be > 0"}
	}
	if c.QUIC.IdleTimeoutMS < 1000 {
		return &ConfigError{Field: "quic.idle_timeout_ms", Reason: "must be >= 1000"}
	}
	switch c.QUIC.CongestionController {
	case "bbr", "cubic", "reno":
	default:
		return &ConfigError{Field: "quic.congestion_controller", Reason: "must be one of bbr, cubic, reno"}
	}
	if c.QUIC.MaxChunkSize <= 0 {
		return &ConfigError{Field: "quic.max_chunk_size", Reason: "must be > 0"}
	}

	if c.Compute.WorkerThreads <= 0 {
		return &ConfigError{Field: "compute.worker_threads", Reason: "must be > 0"}
	}
	switch c.Compute.VerificationMode {
	case "none", "hash", "merkle", "redundancy":
	default:
		return &ConfigError{Field: "compute.verification_mode", Reason: "must be one of none, hash, merkle, redundancy"}
	}

	return nil
}

// SelectFECParams picks (k, m) from a latency budget and loss rate when
// adaptive selection is on, and returns the configured defaults
// otherwise.
func (c *FECConfig) SelectFECParams(latencyBudget time.Duration, lossRate float64) (k, m int) {
	if !c.Adaptive {
		return c.DefaultK, c.DefaultM
	}
	return fec.SelectParams(latencyBudget, lossRate)
}
