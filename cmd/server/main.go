package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"checkoutd/cmd/server/config"
	grpcadapter "checkoutd/internal/adapters/grpc"
	"checkoutd/internal/checkout"
	"checkoutd/internal/events"
	"checkoutd/internal/observability"
	"checkoutd/internal/realtime"
	"checkoutd/internal/reconcile"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadEnvFile(os.Getenv("ENV_FILE")); err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load env file")
	}
	serverCfg := config.LoadServer()
	logger := newLogger(serverCfg)

	if err := run(ctx, serverCfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

// loadEnvFile seeds the environment from path (default .env). A missing file
// is not an error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func newLogger(cfg config.ServerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if strings.EqualFold(cfg.LogFormat, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "checkoutd").Logger()
}

func run(ctx context.Context, serverCfg config.ServerConfig, logger zerolog.Logger) error {
	checkoutCfg, err := config.LoadCheckout()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	stock, err := config.LoadStock(checkoutCfg.StockFile)
	if err != nil {
		return err
	}
	reliability, err := checkout.LoadReliabilityConfig(checkoutCfg.PolicyFile, os.Getenv)
	if err != nil {
		return err
	}

	backendCfg := checkout.BackendConfig{
		DatabaseURL: checkoutCfg.DatabaseURL,
		RedisPrefix: redisCfg.Prefix,
		Retention:   checkoutCfg.Retention,
		Lease:       checkoutCfg.ClaimLease,
		Stock:       stock,
	}
	// A configured Redis carries the idempotency ledger, so it must be reachable.
	rdb, err := buildRedisClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("close redis")
			}
		}()
		backendCfg.Redis = rdb
	}

	backends, cleanup, err := checkout.BuildBackends(ctx, backendCfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	stats := observability.NewMetrics()
	prom := observability.NewPrometheusMetrics(stats)
	supervisor := checkout.NewSupervisorFromConfig(reliability, checkout.WithCallObserver(prom.ObserveCall))

	hub := realtime.NewHub(logger.With().Str("component", "events").Logger())
	publishers := []events.Publisher{hub}
	if brokers := events.ParseBrokers(checkoutCfg.KafkaBrokers); len(brokers) > 0 {
		kafkaPub := events.NewKafkaPublisher(events.NewWriter(brokers, checkoutCfg.KafkaTopic))
		defer func() {
			if err := kafkaPub.Close(); err != nil {
				logger.Warn().Err(err).Msg("close kafka writer")
			}
		}()
		publishers = append(publishers, kafkaPub)
		logger.Info().Strs("brokers", brokers).Str("topic", checkoutCfg.KafkaTopic).Msg("kafka events enabled")
	}

	opts := []checkout.Option{
		checkout.WithLogger(logger.With().Str("component", "checkout").Logger()),
		checkout.WithEventPublisher(events.NewFanoutPublisher(publishers...)),
		checkout.WithObserver(prom),
		checkout.WithConfig(timingConfig(checkoutCfg)),
	}
	if backends.Steps != nil {
		opts = append(opts, checkout.WithStepRecorder(backends.Steps))
	}
	if checkoutCfg.JournalPath != "" {
		journal, err := reconcile.Open(checkoutCfg.JournalPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Warn().Err(err).Msg("close reconciliation journal")
			}
		}()
		opts = append(opts, checkout.WithJournal(journal))
	}

	orchestrator, err := checkout.NewOrchestrator(backends.Dependencies(supervisor), opts...)
	if err != nil {
		return err
	}

	limiter := newGrpcRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, stats.AddRateLimitWait)
	grpcLogger := logger.With().Str("component", "grpc").Logger()
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, stats, grpcLogger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, stats, grpcLogger)),
	)
	grpcadapter.RegisterCheckoutServiceServer(server, grpcadapter.NewCheckoutServer(orchestrator))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !serverCfg.Production() {
		reflection.Register(server)
		logger.Info().Str("env", serverCfg.Env).Msg("gRPC reflection enabled")
	}

	lis, err := net.Listen("tcp", serverCfg.GRPCAddr)
	if err != nil {
		return err
	}
	obsSrv := &http.Server{
		Addr:              obsCfg.Addr,
		Handler:           newObservabilityMux(stats, prom, hub, backends.Check),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("addr", obsCfg.Addr).Msg("observability server listening")
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return checkout.RunJanitor(gctx, backends.Purger, checkoutCfg.PurgeInterval, logger.With().Str("component", "janitor").Logger())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stats.MarkShutdown(stats.Snapshot().InFlight)
		server.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return obsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// timingConfig overlays configured durations on the orchestrator defaults.
func timingConfig(cfg config.CheckoutConfig) checkout.Config {
	timing := checkout.DefaultConfig()
	if cfg.ReservationTTL > 0 {
		timing.ReservationTTL = cfg.ReservationTTL
	}
	if cfg.InProgressWait > 0 {
		timing.InProgressWait = cfg.InProgressWait
	}
	if cfg.InProgressPoll > 0 {
		timing.InProgressPoll = cfg.InProgressPoll
	}
	return timing
}

func newObservabilityMux(stats *observability.Metrics, prom *observability.PrometheusMetrics, hub http.Handler, check func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	mux.Handle("/stats", observability.Handler(stats))
	if hub != nil {
		mux.Handle("/events", hub)
	}
	mux.Handle("/healthz", observability.HealthHandler(func() error {
		if check == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return check(ctx)
	}))
	return mux
}
