package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyocense/kernel/internal/config"
	"github.com/dyocense/kernel/internal/fingerprint"
	"github.com/dyocense/kernel/internal/kernel"
	"github.com/dyocense/kernel/internal/kernel/budget"
	"github.com/dyocense/kernel/internal/kernel/evidence"
	"github.com/dyocense/kernel/internal/kernel/idempotency"
	"github.com/dyocense/kernel/internal/kernel/postgres"
	"github.com/dyocense/kernel/internal/kernel/registry"
	"github.com/dyocense/kernel/internal/kernel/stage"
	"github.com/dyocense/kernel/internal/kernel/stage/compile"
	"github.com/dyocense/kernel/internal/kernel/stage/diagnose"
	"github.com/dyocense/kernel/internal/kernel/stage/explain"
	"github.com/dyocense/kernel/internal/kernel/stage/forecast"
	"github.com/dyocense/kernel/internal/kernel/stage/optimise"
	"github.com/dyocense/kernel/internal/kernel/stage/policy"
	"github.com/dyocense/kernel/internal/observability"
	"github.com/dyocense/kernel/internal/server"
	"github.com/dyocense/kernel/internal/tenant"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	var configPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return exitFailure
			}
			configPath = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return exitFailure
		}
	}
	if configPath == "" {
		usage()
		return exitFailure
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}
	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}
	defer func() { _ = log.Sync() }()

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	metrics := observability.NewMetrics("dyocense")
	tracing := observability.NewTracing("dyocense-kernel")

	alert := func(tenantID string, period budget.Period, kind budget.Kind, used, cap float64) {
		log.Warn("tenant budget soft limit crossed",
			zap.String("tenant_id", tenantID),
			zap.String("period", string(period)),
			zap.String("component", string(kind)),
			zap.Float64("used", used),
			zap.Float64("cap", cap))
	}
	st, err := openStores(ctx, cfg, alert)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	defer st.close(log)

	resolver, err := tenant.NewFileResolver(cfg.Tenants.Path, log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}
	if cfg.Tenants.Watch {
		go func() {
			if err := resolver.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("tenant directory watcher stopped", zap.Error(err))
			}
		}()
	}

	guard, err := policy.New(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "policy guard: %v\n", err)
		return exitInternal
	}

	kern := kernel.New(kernel.Deps{
		Registry:   st.reg,
		Accountant: st.acct,
		Index:      st.idx,
		Adapters: stage.Adapters{
			Compiler:      compile.New(),
			Forecaster:    forecast.New(),
			Policy:        guard,
			Optimiser:     optimise.New(),
			Diagnostician: diagnose.New(),
			Explainer:     explain.New(),
		},
		Evidence: evidence.NewWriter(st.ev, log, metrics),
		Hasher:   fingerprint.MustNew(nil),
		Logger:   log,
		Metrics:  metrics,
		Tracer:   tracing.Tracer("kernel"),
	}, kernel.Config{
		Workers:          cfg.Kernel.Workers,
		Salt:             cfg.Kernel.SeedSalt,
		AdmissionTimeout: cfg.Kernel.AdmissionTimeout.D(),
		IdempotencyTTL:   cfg.Kernel.IdempotencyTTL.D(),
		DrainTimeout:     cfg.Kernel.DrainTimeout.D(),
	})
	// Workers get their own root context: a shutdown signal must drain them
	// gracefully through kern.Shutdown, not cancel them mid-run.
	if err := kern.Start(context.Background()); err != nil {
		fmt.Fprintln(stderr, err)
		return exitInternal
	}

	srv := server.New(kern, resolver, log, metrics, server.Config{
		Addr:            cfg.Server.Addr,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ReadTimeout:     cfg.Server.ReadTimeout.D(),
		WriteTimeout:    cfg.Server.WriteTimeout.D(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.D(),
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	exit := exitOK
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
			exit = exitInternal
		}
	}
	// Release the signal handler so a second interrupt kills the process.
	stopSignals()

	grace := cfg.Server.ShutdownTimeout.D() + cfg.Kernel.DrainTimeout.D() + 5*time.Second
	shCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn("http drain incomplete", zap.Error(err))
	}
	if err := kern.Shutdown(shCtx); err != nil {
		log.Warn("kernel drain incomplete; interrupted runs resume on restart", zap.Error(err))
	}
	if err := tracing.Shutdown(shCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	return exit
}

// stores bundles the backend handles serve opens from config. The pool is
// retained separately because registry and budget may share it.
type stores struct {
	reg  registry.Registry
	acct budget.Accountant
	idx  idempotency.Index
	ev   evidence.Store
	pool *postgres.Pool
}

func openStores(ctx context.Context, cfg *config.File, alert budget.AlertFunc) (*stores, error) {
	st := &stores{}
	ok := false
	defer func() {
		if !ok {
			st.close(zap.NewNop())
		}
	}()

	if cfg.Stores.Registry == config.BackendPostgres || cfg.Stores.Budget == config.BackendPostgres {
		pool, err := postgres.NewPool(ctx, cfg.Stores.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		st.pool = pool
	}

	switch cfg.Stores.Registry {
	case config.BackendPostgres:
		st.reg = registry.NewPostgresRegistry(st.pool)
	default:
		st.reg = registry.NewMemoryRegistry()
	}

	switch cfg.Stores.Budget {
	case config.BackendPostgres:
		st.acct = budget.NewPostgresAccountant(st.pool, alert)
	default:
		st.acct = budget.NewMemoryAccountant(budget.WithAlertFunc(alert))
	}

	switch cfg.Stores.Idempotency {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Stores.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Stores.RedisAddr, err)
		}
		st.idx = idempotency.NewRedisIndex(client)
	default:
		st.idx = idempotency.NewMemoryIndex()
	}

	switch cfg.Stores.Evidence {
	case config.BackendFS:
		store, err := evidence.NewFSStore(cfg.Stores.EvidenceRoot)
		if err != nil {
			return nil, fmt.Errorf("evidence fs: %w", err)
		}
		st.ev = store
	case config.BackendClickHouse:
		store, err := evidence.NewClickHouseStore(ctx, cfg.Stores.ClickHouseDSN)
		if err != nil {
			return nil, fmt.Errorf("evidence clickhouse: %w", err)
		}
		st.ev = store
	default:
		st.ev = evidence.NewMemoryStore()
	}

	ok = true
	return st, nil
}

// close releases every handle. Safe on partially-opened bundles.
func (s *stores) close(log *zap.Logger) {
	if s.idx != nil {
		if err := s.idx.Close(); err != nil {
			log.Warn("idempotency index close", zap.Error(err))
		}
	}
	if s.ev != nil {
		if err := s.ev.Close(); err != nil {
			log.Warn("evidence store close", zap.Error(err))
		}
	}
	if s.reg != nil {
		if err := s.reg.Close(); err != nil {
			log.Warn("run registry close", zap.Error(err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
