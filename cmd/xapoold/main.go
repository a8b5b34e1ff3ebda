// Package main is the entrypoint for the XA resource-pool daemon. It loads
// configuration, builds one pool per resource, exposes metrics and health
// endpoints, and handles graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joao-brasil/xapool/internal/config"
	"github.com/joao-brasil/xapool/internal/coordinator"
	"github.com/joao-brasil/xapool/internal/health"
	"github.com/joao-brasil/xapool/internal/metrics"
	"github.com/joao-brasil/xapool/internal/pool"
	"github.com/joao-brasil/xapool/internal/tm"
	"github.com/joao-brasil/xapool/pkg/datasource/lrc"
	"github.com/joao-brasil/xapool/pkg/datasource/pgxa"
	"github.com/joao-brasil/xapool/pkg/resource"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	_ "github.com/microsoft/go-mssqldb"
)

var (
	managerConfigPath   = flag.String("config", "configs/manager.yaml", "Path to manager configuration file")
	resourcesConfigPath = flag.String("resources", "configs/resources.yaml", "Path to resources configuration file")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*managerConfigPath, *resourcesConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Manager.LogLevel); err == nil {
		log = log.Level(level)
	}
	log.Info().Int("resources", len(cfg.Resources)).Str("instance", cfg.Manager.InstanceID).
		Msg("starting XA resource pool daemon")

	for _, r := range cfg.Resources {
		log.Info().Str("resource", r.UniqueName).Str("driver", r.Driver).
			Int("max_pool_size", r.MaxPoolSize).Int("min_pool_size", r.MinPoolSize).
			Msg("resource configured")
	}

	ctx := context.Background()

	// ─── Coordinator ─────────────────────────────────────────────────
	var limiter pool.SlotLimiter
	var redisPing func(ctx context.Context) error
	if cfg.Redis.Enabled {
		coord, err := coordinator.New(ctx, cfg.Redis, cfg.Manager.InstanceID, cfg.Resources, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize coordinator")
		}
		defer coord.Close()
		coord.StartHeartbeat()
		limiter = coord
		redisPing = func(ctx context.Context) error { return coord.TryPing(ctx) }
	}

	// ─── Transaction manager and pools ───────────────────────────────
	manager := tm.NewManager(log)
	registrar := pool.NewRegistrar()

	factories := make(map[string]pool.ConnectionFactory, len(cfg.Resources))
	pools := make(map[string]*pool.Pool, len(cfg.Resources))
	for i := range cfg.Resources {
		def := &cfg.Resources[i]
		factory := factoryFor(def)
		factories[def.UniqueName] = factory

		p, err := pool.New(ctx, def, factory, pool.Env{
			TxContext: manager,
			Registrar: registrar,
			Limiter:   limiter,
			Logger:    log,
		})
		if err != nil {
			log.Fatal().Err(err).Str("resource", def.UniqueName).Msg("failed to initialize pool")
		}
		p.StartShrinking(cfg.Manager.ShrinkInterval)
		pools[def.UniqueName] = p
	}

	// ─── Metrics server ──────────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Manager.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.Manager.MetricsPort).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Manager.InstanceID).Set(1)

	// ─── Health server ───────────────────────────────────────────────
	checker := health.NewChecker(cfg.Manager.InstanceID, factories, redisPing, log)
	healthServer := checker.Serve(cfg.Manager.HealthPort)
	log.Info().Int("port", cfg.Manager.HealthPort).Msg("health server listening")

	report := checker.Check(ctx)
	for _, comp := range report.Components {
		log.Info().Str("name", comp.Name).Str("status", string(comp.Status)).
			Str("latency", comp.Latency).Msg("initial health check")
	}

	// ─── Graceful shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for name, p := range pools {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Str("resource", name).Msg("error closing pool")
		}
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("error shutting down health server")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("error shutting down metrics server")
	}
	log.Info().Msg("shutdown complete")
}

// factoryFor selects the datasource adapter for a resource definition:
// PostgreSQL gets the native two-phase adapter, everything else the
// last-resource-commit emulator over database/sql.
func factoryFor(def *resource.Definition) pool.ConnectionFactory {
	switch def.Driver {
	case "postgres", "pgx":
		return pgxa.New(def.DSN)
	default:
		return lrc.New(def.Driver, def.DSN)
	}
}
