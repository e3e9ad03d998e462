// Command bridge runs one or two Interledger bridge engine processes: single
// responder, multi-responder quorum, or decentralised, selected by
// BRIDGE_MODE. It wires the reference Kafka/HTTP/Redis adapters declared in
// internal/adapter and internal/statemanager to whichever engine variant the
// configuration selects, then serves Prometheus metrics alongside them.
//
// When BRIDGE_MODE=single and BRIDGE_PAIRING_FILE is set, a bidirectional
// pair of ledgers described by that file each get their own engine running
// concurrently, mirroring spec.md's "two bridges run in parallel for
// bidirectional pairing."
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/SOFIE-project/Interledger/internal/adapter/httpledger"
	"github.com/SOFIE-project/Interledger/internal/adapter/kafkainitiator"
	"github.com/SOFIE-project/Interledger/internal/config"
	"github.com/SOFIE-project/Interledger/internal/domain"
	"github.com/SOFIE-project/Interledger/internal/engine"
	"github.com/SOFIE-project/Interledger/internal/engine/decentralized"
	"github.com/SOFIE-project/Interledger/internal/engine/quorum"
	"github.com/SOFIE-project/Interledger/internal/observability"
	"github.com/SOFIE-project/Interledger/internal/statemanager/redisstate"
)

// runnable is the shape every engine variant satisfies; main dispatches on
// BRIDGE_MODE to build one and never needs to know which beyond that.
type runnable interface {
	Run(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
}

// leg pairs a runnable engine with the adapter-cleanup func built alongside
// it, and a label used only for logging.
type leg struct {
	name    string
	engine  runnable
	closeFn func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogJSON)
	logger.Info("starting bridge", "mode", cfg.Mode, "env", cfg.AppEnv)

	shutdownTracer, err := observability.SetupTracing(cfg.OTLPEndpoint, cfg.OTELServiceName, cfg.IsProd())
	if err != nil {
		logger.Error("failed to setup tracing", "error", err)
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	legs, err := buildLegs(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("engine build failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, l := range legs {
			l.closeFn()
		}
	}()

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	runLegs(ctx, cfg, logger, legs)
	logger.Info("bridge stopped")
}

// buildLegs constructs one engine per direction: a single leg for
// quorum/decentralised modes or a plain single-responder bridge, or two legs
// (left->right, right->left) when a pairing file is configured for single
// mode.
func buildLegs(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger *slog.Logger) ([]leg, error) {
	if cfg.Mode == "single" && cfg.PairingFile != "" {
		pc, err := config.LoadPairing(cfg.PairingFile)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded bidirectional pairing", "left", pc.Left.Name, "right", pc.Right.Name)

		leftToRight, closeLR, err := buildSingleLeg(ctx, cfg, metrics, pc.Left, pc.Right)
		if err != nil {
			return nil, fmt.Errorf("op=main.buildLegs: left->right: %w", err)
		}
		rightToLeft, closeRL, err := buildSingleLeg(ctx, cfg, metrics, pc.Right, pc.Left)
		if err != nil {
			closeLR()
			return nil, fmt.Errorf("op=main.buildLegs: right->left: %w", err)
		}
		return []leg{
			{name: pc.Left.Name + "->" + pc.Right.Name, engine: leftToRight, closeFn: closeLR},
			{name: pc.Right.Name + "->" + pc.Left.Name, engine: rightToLeft, closeFn: closeRL},
		}, nil
	}

	e, closeFn, err := buildEngine(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}
	return []leg{{name: cfg.Mode, engine: e, closeFn: closeFn}}, nil
}

// buildSingleLeg wires one direction of a pairing: src's event topic feeds
// the initiator, dst's HTTP endpoint is the responder.
func buildSingleLeg(_ context.Context, cfg config.Config, metrics *observability.Metrics, src, dst config.LedgerDescriptor) (runnable, func(), error) {
	initiator, err := kafkainitiator.New(cfg.KafkaBrokers, src.GroupID, src.EventTopic, domain.LedgerType(src.LedgerType))
	if err != nil {
		return nil, func() {}, err
	}
	responder, err := httpledger.New(dst.ResponderURL, domain.LedgerType(dst.LedgerType),
		httpledger.WithHTTPClient(&http.Client{Timeout: cfg.HTTPClientTimeout}))
	if err != nil {
		initiator.Close()
		return nil, func() {}, err
	}
	e, err := engine.New(initiator, responder, metrics)
	if err != nil {
		initiator.Close()
		return nil, func() {}, err
	}
	return e, initiator.Close, nil
}

// buildEngine constructs the adapters and engine variant selected by
// cfg.Mode, reading wiring exclusively from environment configuration (no
// pairing file). The returned func releases adapter resources (Kafka
// client, Redis client) on shutdown.
func buildEngine(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (runnable, func(), error) {
	ledgerType := domain.LedgerType(cfg.LedgerType)

	initiator, err := kafkainitiator.New(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopic, ledgerType)
	if err != nil {
		return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
	}
	closeFns := []func(){initiator.Close}
	closeAll := func() {
		for i := len(closeFns) - 1; i >= 0; i-- {
			closeFns[i]()
		}
	}

	switch cfg.Mode {
	case "single":
		responder, err := httpledger.New(cfg.ResponderURL, ledgerType, httpledger.WithHTTPClient(&http.Client{Timeout: cfg.HTTPClientTimeout}))
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
		}
		e, err := engine.New(initiator, responder, metrics)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
		}
		return e, closeAll, nil

	case "quorum":
		responders := make([]domain.MultiResponder, 0, len(cfg.QuorumResponderURLs))
		for _, url := range cfg.QuorumResponderURLs {
			r, err := httpledger.New(url, ledgerType, httpledger.WithHTTPClient(&http.Client{Timeout: cfg.HTTPClientTimeout}))
			if err != nil {
				closeAll()
				return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
			}
			responders = append(responders, r)
		}
		e, err := quorum.New(initiator, responders, cfg.QuorumThreshold, metrics)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
		}
		return e, closeAll, nil

	case "decentralized":
		responder, err := httpledger.New(cfg.ResponderURL, ledgerType, httpledger.WithHTTPClient(&http.Client{Timeout: cfg.HTTPClientTimeout}))
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
		}
		rdb := redis.NewClient(opts)
		closeFns = append(closeFns, func() { _ = rdb.Close() })
		store, err := redisstate.New(ctx, rdb, cfg.OTELServiceName)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
		}
		e, err := decentralized.New(initiator, responder, store, metrics)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w", err)
		}
		return e, closeAll, nil

	default:
		closeAll()
		return nil, func() {}, fmt.Errorf("op=main.buildEngine: %w: unknown mode %q", domain.ErrInvalidArgument, cfg.Mode)
	}
}

// runLegs runs every leg concurrently until ctx is cancelled, then stops
// whichever legs are still running and waits up to cfg.ShutdownTimeout for
// them to drain. A leg that exits on its own earlier is logged if it
// returned an error; runLegs keeps waiting for ctx either way.
func runLegs(ctx context.Context, cfg config.Config, logger *slog.Logger, legs []leg) {
	var wg sync.WaitGroup
	for _, l := range legs {
		wg.Add(1)
		go func(l leg) {
			defer wg.Done()
			if err := l.engine.Run(ctx); err != nil {
				logger.Error("leg stopped with error", "leg", l.name, "error", err)
			}
		}(l)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	for _, l := range legs {
		l.engine.Stop()
	}
	for _, l := range legs {
		select {
		case <-l.engine.Done():
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("leg did not drain outstanding work within shutdown timeout", "leg", l.name)
		}
	}
	wg.Wait()
}

// startMetricsServer exposes /metrics (and /healthz) on addr in the
// background, alongside a liveness probe.
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
