package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/warpgrid/warpgrid/internal/compute"
	"github.com/warpgrid/warpgrid/internal/config"
	"github.com/warpgrid/warpgrid/internal/fec"
	"github.com/warpgrid/warpgrid/internal/manifest"
	"github.com/warpgrid/warpgrid/internal/observability"
	"github.com/warpgrid/warpgrid/internal/p2p"
	"github.com/warpgrid/warpgrid/internal/store"
	"github.com/warpgrid/warpgrid/internal/transport"
	"github.com/warpgrid/warpgrid/internal/verifier"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	quicAddr := flag.String("quic-addr", "", "override QUIC listener address")
	metricsAddr := flag.String("metrics-addr", "", "override metrics listener address")
	manifestDB := flag.String("manifest-db", "warpgrid-manifests.db", "manifest store path")
	flag.Parse()

	logger := observability.NewLogger("warpgridd", version, os.Stdout)
	metrics := observability.NewMetrics()

	logger.Info("warpgrid node starting")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal(err, "failed to load configuration")
		}
		cfg = loaded
	}
	if *quicAddr != "" {
		cfg.QUIC.ListenAddr = *quicAddr
	}
	if *metricsAddr != "" {
		cfg.Metrics.ListenAddr = *metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chunk store
	chunkStore, err := store.New(cfg.Storage.RingBufferSlots, cfg.Storage.ChunkTTL())
	if err != nil {
		logger.Fatal(err, "failed to create chunk store")
	}

	// FEC engine
	fecEngine, err := fec.NewEngine(fec.Config{
		BlockSize:   cfg.FEC.DefaultK,
		ParityCount: cfg.FEC.DefaultM,
	}, logger)
	if err != nil {
		logger.Fatal(err, "failed to create FEC engine")
	}
	fecEngine.WithMetrics(metrics)

	// Verifier
	chunkVerifier := verifier.New(logger, metrics)

	// P2P scheduler
	scheduler := p2p.NewEngine(p2p.Config{
		MaxUploadBps:           cfg.P2P.MaxUploadBps,
		MaxDownloadBps:         cfg.P2P.MaxDownloadBps,
		UnchokeInterval:        cfg.P2P.UnchokeInterval(),
		RegularUnchokeCount:    cfg.P2P.RegularUnchokeCount,
		OptimisticUnchokeCount: cfg.P2P.OptimisticUnchokeCount,
	}, logger, metrics)
	go scheduler.Run(ctx)

	// Compute pool
	computeCfg := compute.Config{
		MaxMemoryMB:    cfg.Compute.MaxMemoryMB,
		MaxCPUCycles:   cfg.Compute.MaxCPUCycles,
		MaxExecutionMS: cfg.Compute.MaxExecutionMS,
		WorkerThreads:  cfg.Compute.WorkerThreads,
		Verification:   parseVerification(cfg.Compute.VerificationMode),
		SimulationMode: cfg.Compute.SimulationMode,
	}
	computePool := compute.NewPool(computeCfg, logger, metrics)

	// Compute plane self-check: a tiny job over the probe module must
	// complete without error before the node advertises capacity.
	probe := compute.NewJobManifest("startup-probe", probeModule(), []byte("warpgrid compute probe"))
	probe.MinChunkSize = 1
	probe.MaxChunkSize = 64
	if _, _, err := computePool.RunJob(ctx, probe); err != nil {
		logger.Fatal(err, "compute self-check failed")
	}
	logger.Info("compute plane ready")

	// Manifest store
	manifests, err := manifest.Open(*manifestDB)
	if err != nil {
		logger.Fatal(err, "failed to open manifest store")
	}
	defer manifests.Close()

	// TLS identity and QUIC listener
	certPEM, keyPEM, err := transport.GenerateNodeCert("warpgrid-node")
	if err != nil {
		logger.Fatal(err, "failed to generate node certificate")
	}
	tlsConf, err := transport.ServerTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build TLS config")
	}

	listener, err := quic.ListenAddr(cfg.QUIC.ListenAddr, tlsConf, &quic.Config{
		MaxIdleTimeout:        time.Duration(cfg.QUIC.IdleTimeoutMS) * time.Millisecond,
		MaxIncomingUniStreams: int64(cfg.QUIC.MaxStreamsPerConnection),
	})
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer listener.Close()
	logger.Info("QUIC listener started on " + cfg.QUIC.ListenAddr)

	// Accept loop: one receiver per connection.
	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error(err, "accept failed")
				continue
			}

			peer := transport.PeerIdentity(conn.ConnectionState().TLS, conn.RemoteAddr().String())
			logger.ConnectionEstablished(conn.RemoteAddr().String(), peer)
			scheduler.AddPeer(peer)

			receiver := transport.NewReceiver(conn, peer, chunkStore, chunkVerifier,
				scheduler, cfg.QUIC.MaxChunkSize, logger).
				WithFEC(fecEngine, cfg.FEC.DefaultK)
			go func() {
				if err := receiver.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error(err, "receiver stopped")
				}
			}()
		}
	}()

	// TTL eviction and store gauge loop.
	go func() {
		ticker := time.NewTicker(cfg.Storage.ChunkTTL() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				chunkStore.EvictExpired(time.Now())
				stats := chunkStore.Stats()
				metrics.RecordStoreStats(stats.ChunkCount, stats.SizeBytes)
			}
		}
	}()

	// Metrics endpoint.
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.ListenAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server stopped")
		}
	}()
	logger.Info("metrics endpoint on " + cfg.Metrics.ListenAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "metrics shutdown failed")
	}
}

// probeModule is the minimal valid module header used by the startup
// self-check.
func probeModule() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
}

func parseVerification(mode string) compute.VerificationMode {
	switch mode {
	case "none":
		return compute.VerifyNone
	case "merkle":
		return compute.VerifyMerkle
	case "redundancy":
		return compute.VerifyRedundancy
	default:
		return compute.VerifyHash
	}
}
