package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/market-scout/internal/api"
	"github.com/ahrav/market-scout/internal/api/debug"
	"github.com/ahrav/market-scout/internal/api/routes/health"
	"github.com/ahrav/market-scout/internal/app/credential"
	"github.com/ahrav/market-scout/internal/app/dispatch"
	"github.com/ahrav/market-scout/internal/app/proxypool"
	"github.com/ahrav/market-scout/internal/app/stream"
	"github.com/ahrav/market-scout/internal/config"
	credentialDomain "github.com/ahrav/market-scout/internal/domain/credential"
	dispatchDomain "github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/infra/eventbus/kafka"
	"github.com/ahrav/market-scout/internal/infra/market"
	"github.com/ahrav/market-scout/internal/infra/storage"
	credentialMemory "github.com/ahrav/market-scout/internal/infra/storage/credential/memory"
	credentialStore "github.com/ahrav/market-scout/internal/infra/storage/credential/postgres"
	archiveMemory "github.com/ahrav/market-scout/internal/infra/storage/dispatch/memory"
	archiveStore "github.com/ahrav/market-scout/internal/infra/storage/dispatch/postgres"
	"github.com/ahrav/market-scout/internal/metrics"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/common/otel"
	"github.com/ahrav/market-scout/pkg/common/timeutil"
)

var build = "develop"

const serviceType = "market-scout"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	var configPath string
	cmd := &cobra.Command{
		Use:           "scoutd",
		Short:         "Token-gated marketplace product lookup service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return start(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to $SCOUT_CONFIG)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "scoutd: %v\n", err)
		os.Exit(1)
	}
}

func start(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"env":      cfg.Service.Env,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Service.LogLevel), svcName, traceIDFn, logEvents, metadata)
	if cfg.Telemetry.ExporterEndpoint != "" {
		log = logger.NewFanout(log, otel.NewLogHandler(cfg.Service.Name))
	}

	if err := run(ctx, log, *cfg, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		return err
	}
	return nil
}

func run(ctx context.Context, log *logger.Logger, cfg config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	excluded := make(map[string]struct{}, len(cfg.Telemetry.ExcludedRoutes))
	for _, r := range cfg.Telemetry.ExcludedRoutes {
		excluded[r] = struct{}{}
	}

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes:   excluded,
		Probability:      cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language":       "go",
			"deployment.environment": cfg.Service.Env,
			"host.name":              hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(context.WithoutCancel(ctx))

	tracer := traceProvider.Tracer(cfg.Service.Name)

	metricCollector, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	// -------------------------------------------------------------------------
	// Start Debug Service
	if cfg.Server.DebugAddr != "" {
		go func() {
			log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Server.DebugAddr)

			if err := http.ListenAndServe(cfg.Server.DebugAddr, debug.Mux()); err != nil {
				log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Server.DebugAddr, "msg", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Storage
	stores, err := openStores(ctx, log, cfg.Database, tracer)
	if err != nil {
		return err
	}
	defer stores.close()

	clock := timeutil.Default()

	creds := credential.NewService(stores.tokens, clock, log, metricCollector, tracer)
	if err := creds.Load(ctx); err != nil {
		return fmt.Errorf("loading tokens: %w", err)
	}

	// -------------------------------------------------------------------------
	// Markets
	catalog := market.DefaultCatalog()
	if cfg.Market.CatalogPath != "" {
		if catalog, err = market.LoadCatalog(ctx, cfg.Market.CatalogPath); err != nil {
			return fmt.Errorf("loading market catalog: %w", err)
		}
	}

	var fetcher dispatch.Fetcher
	switch cfg.Market.Fetcher {
	case "http":
		hf := market.NewHTTPFetcher(catalog, market.HTTPConfig{
			UserAgent:    cfg.Market.UserAgent,
			MaxIdleConns: cfg.Market.MaxIdleConns,
		}, log, tracer)
		defer hf.Close()
		fetcher = hf
	default:
		fetcher = market.NewMockFetcher(catalog, market.MockConfig{
			MinLatency:  cfg.Market.MockMinLatency,
			MaxLatency:  cfg.Market.MockMaxLatency,
			FailureRate: cfg.Market.MockFailureRate,
		})
	}
	log.Info(ctx, "startup", "status", "fetcher selected", "fetcher", cfg.Market.Fetcher)

	// -------------------------------------------------------------------------
	// Dispatch
	hub := stream.NewHub(cfg.Stream.BufferSize, clock, log, metricCollector)
	publishers := dispatch.Publishers{hub}

	if len(cfg.Kafka.Brokers) > 0 {
		log.Info(ctx, "startup", "status", "connecting kafka exporter", "brokers", cfg.Kafka.Brokers)
		exporter, err := kafka.ConnectExporter(ctx, kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			ClientID:       cfg.Kafka.ClientID,
			Topic:          cfg.Kafka.Topic,
			ConnectTimeout: cfg.Kafka.ConnectTimeout,
		}, log, metricCollector, tracer)
		if err != nil {
			return fmt.Errorf("connecting kafka exporter: %w", err)
		}
		defer exporter.Close()
		publishers = append(publishers, exporter)
	}

	registry := dispatch.NewRegistry(creds, publishers, dispatch.RegistryConfig{
		Retention: cfg.Dispatch.Retention,
		Archive:   stores.archive,
		Topics:    hub,
	}, clock, log, metricCollector, tracer)
	hub.SetSource(registry)

	defaultPool, err := proxy.ParsePool(cfg.Proxy.Default)
	if err != nil {
		return fmt.Errorf("parsing default proxy pool: %w", err)
	}
	proxies := proxypool.NewManager(defaultPool, proxypool.Config{
		FailureThreshold: cfg.Proxy.FailureThreshold,
		RecoveryInterval: cfg.Proxy.RecoveryInterval,
		MaxEndpoints:     cfg.Proxy.MaxTracked,
	}, clock, log, metricCollector)

	dispatcher := dispatch.NewDispatcher(registry, creds, proxies, fetcher, dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		QueueSize:       cfg.Dispatch.QueueSize,
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		BackoffInitial:  cfg.Dispatch.BackoffInitial,
		BackoffMax:      cfg.Dispatch.BackoffMax,
		FetchTimeout:    cfg.Dispatch.FetchTimeout,
		OrderLimitItems: cfg.Dispatch.OrderLimitItems,
	}, log, metricCollector, tracer)
	creds.OnRevoke(dispatcher.OnTokenRevoked)

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	if cfg.API.MasterToken == "" {
		log.Warn(ctx, "startup", "status", "master token not set, token management is disabled")
	}

	handler := api.NewHandler(api.Config{
		Build:          build,
		RootPath:       cfg.API.RootPath,
		MasterToken:    cfg.API.MasterToken,
		OpenWSLimit:    cfg.API.OpenWSLimit,
		WSPingInterval: cfg.API.WSPingInterval,
		MaxBodyBytes:   cfg.API.MaxBodyBytes,
		Log:            log,
		Tracer:         tracer,
		Metrics:        metricCollector,
		Tokens:         creds,
		Dispatcher:     dispatcher,
		Hub:            hub,
		Proxies:        proxies,
		Catalog:        catalog,
		DB:             stores.pinger,
	})

	srv := http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		ErrorLog:    logger.NewStdLogger(log, logger.LevelError),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		registry.RunJanitor(gctx, cfg.Dispatch.JanitorInterval)
		return nil
	})
	g.Go(func() error {
		creds.RunUsageFlusher(gctx, cfg.Credential.FlushInterval)
		return nil
	})
	if stores.purger != nil && cfg.Database.ArchiveTTL > 0 {
		g.Go(func() error {
			runArchivePurge(gctx, log, stores.purger, cfg.Database.ArchiveTTL, time.Hour)
			return nil
		})
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		stopWork()
		_ = g.Wait()
		return fmt.Errorf("server error: %w", err)

	case <-gctx.Done():
		err := g.Wait()
		_ = srv.Close()
		return fmt.Errorf("background worker stopped: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			log.Error(ctx, "shutdown", "status", "could not stop server gracefully", "error", err)
		}

		stopWork()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stopping workers: %w", err)
		}

		// Persist usage accumulated since the last periodic flush.
		if err := creds.FlushUsage(ctx); err != nil {
			log.Error(ctx, "shutdown", "status", "flushing token usage", "error", err)
		}
	}

	return nil
}

type archivePurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

type stores struct {
	tokens  credentialDomain.Repository
	archive dispatchDomain.ArchiveRepository
	purger  archivePurger
	pinger  health.Pinger
	close   func()
}

// openStores connects to postgres when a DSN is configured and falls back to
// in-memory stores otherwise.
func openStores(ctx context.Context, log *logger.Logger, cfg config.DatabaseConfig, tracer trace.Tracer) (*stores, error) {
	if cfg.DSN == "" {
		log.Info(ctx, "startup", "status", "database not configured, using in-memory stores")
		return &stores{
			tokens:  credentialMemory.NewTokenStore(),
			archive: archiveMemory.NewArchiveStore(cfg.ArchiveCapacity),
			close:   func() {},
		}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating db pool: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectTimeout
	b.InitialInterval = time.Second

	ping := func() error {
		if err := pool.Ping(ctx); err != nil {
			log.Warn(ctx, "startup", "status", "database not ready, retrying", "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if cfg.MigrationsURL != "" {
		log.Info(ctx, "startup", "status", "applying migrations", "source", cfg.MigrationsURL)
		if err := storage.Migrate(pool, cfg.MigrationsURL); err != nil {
			pool.Close()
			return nil, err
		}
	}

	archive := archiveStore.NewArchiveStore(pool, tracer)
	return &stores{
		tokens:  credentialStore.NewTokenStore(pool, tracer),
		archive: archive,
		purger:  archive,
		pinger:  pool,
		close:   pool.Close,
	}, nil
}

// runArchivePurge deletes archived tasks older than ttl every interval.
func runArchivePurge(ctx context.Context, log *logger.Logger, p archivePurger, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.Purge(ctx, now.Add(-ttl))
			if err != nil {
				log.Error(ctx, "purging task archive", "error", err)
				continue
			}
			if n > 0 {
				log.Info(ctx, "task archive purged", "removed", n)
			}
		}
	}
}
