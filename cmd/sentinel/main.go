package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/cart_sentinel/internal/analytics"
	"github.com/austindbirch/cart_sentinel/internal/api"
	"github.com/austindbirch/cart_sentinel/internal/archive"
	"github.com/austindbirch/cart_sentinel/internal/auth"
	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/db"
	"github.com/austindbirch/cart_sentinel/internal/dedup"
	"github.com/austindbirch/cart_sentinel/internal/delivery"
	"github.com/austindbirch/cart_sentinel/internal/detector"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/health"
	"github.com/austindbirch/cart_sentinel/internal/ingest"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/processor"
	"github.com/austindbirch/cart_sentinel/internal/queue"
	"github.com/austindbirch/cart_sentinel/internal/recovery"
	"github.com/austindbirch/cart_sentinel/internal/retry"
	"github.com/austindbirch/cart_sentinel/internal/scheduler"
	"github.com/austindbirch/cart_sentinel/internal/store"
	"github.com/austindbirch/cart_sentinel/internal/store/memstore"
	"github.com/austindbirch/cart_sentinel/internal/store/postgres"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

const (
	webhookPath     = "/webhooks/shopify"
	shutdownTimeout = 30 * time.Second
)

func main() {
	// a missing .env is fine, the environment wins anyway
	_ = godotenv.Load()
	cfg := config.FromEnv()

	logger := logging.New(cfg.AppName)
	logging.SetDefaultService(cfg.AppName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("cart sentinel stopped with error")
	}
	logger.Plain().Info("cart sentinel stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache, err := openDedup(ctx, cfg.Dedup)
	if err != nil {
		return err
	}
	defer closeCache()

	// NSQ producer, only when something publishes
	var producer *nsq.Producer
	if cfg.NSQ.PublishDLQ || cfg.NSQ.PublishRecoveries {
		producer, err = delivery.NewProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return fmt.Errorf("nsq producer: %w", err)
		}
		defer producer.Stop()
	}
	deadLetters, notifier := newDelivery(cfg.NSQ, producer, logger)

	// Queue, processors and retries
	var sweeper *retry.Sweeper
	q := queue.New(cfg.Queue, st, cache, logger,
		queue.WithRetryNotifier(func(ev *domain.WebhookEvent) { sweeper.Notify(ev) }),
		queue.WithTerminalHandler(deadLetters.Handle),
	)
	sweeper = retry.New(cfg.Queue, st, q, logger)

	registry := processor.New(processor.Config{
		HighValueThreshold: cfg.HighValueThreshold,
		Cadence:            cfg.Recovery.Cadence,
	}, st, q, logger)
	q.Handle(registry.Process)

	// the queue outlives the signal so Stop can drain in-flight events
	if err := q.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if rep, err := sweeper.RecoverOnStartup(ctx); err != nil {
		logger.Plain().WithError(err).Error("startup recovery failed")
	} else {
		logger.Plain().WithFields(map[string]any{
			"resubmitted": rep.Orphans,
			"interrupted": rep.Interrupted,
		}).Info("startup recovery finished")
	}

	det := detector.New(cfg.Detector, st, q, logger)
	agg := analytics.New(st, logger)
	dispatcher := recovery.New(cfg.Recovery, st, notifier, logger)

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		bucket, err := archive.NewS3Store(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("archive bucket: %w", err)
		}
		archiver = archive.New(cfg.Archive, st, bucket, logger, archive.WithRetryBudget(cfg.Queue.MaxRetries))
	}

	sched := scheduler.New(logger)
	if err := registerJobs(sched, cfg.Schedule, jobSet{
		detector:   det,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		analytics:  agg,
		archiver:   archiver,
	}); err != nil {
		return err
	}
	sched.Start(ctx)

	// gRPC health
	var validator *auth.JWTValidator
	if cfg.Auth.JWTPublicKey != "" {
		validator, err = auth.NewJWTValidator(cfg.Auth.JWTPublicKey, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return fmt.Errorf("jwt validator: %w", err)
		}
	}
	grpcOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if validator != nil {
		grpcOpts = append(grpcOpts, grpc.ChainUnaryInterceptor(validator.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	hs.SetServingStatus(cfg.AppName, healthpb.HealthCheckResponse_SERVING)

	// HTTP: health, metrics, webhooks, operator API
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	handler, err := newHTTPHandler(httpDeps{
		store:     st,
		reg:       reg,
		validator: validator,
		checks:    healthChecks(cache, producer),
		webhooks:  ingest.NewHandler(cfg.Webhook, st, q, logger),
		api: api.New(api.Deps{
			Queue:      q,
			Events:     st,
			Sweeper:    sweeper,
			Detector:   det,
			Analytics:  agg,
			Jobs:       sched,
			MaxRetries: cfg.Queue.MaxRetries,
			Logger:     logger,
		}),
	})
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down")
		hs.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// stop intake first, then the jobs that feed the queue, then the queue
		grpcSrv.GracefulStop()
		errs := []error{httpSrv.Shutdown(sctx), sched.Stop(sctx), q.Stop(sctx)}
		return errors.Join(errs...)
	})
	return g.Wait()
}

type closer func()

func openStore(ctx context.Context, cfg config.Config) (store.Store, closer, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memstore.New(), func() {}, nil
	case "postgres", "":
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func openDedup(ctx context.Context, cfg config.Dedup) (dedup.Cache, closer, error) {
	switch cfg.Backend {
	case "memory", "":
		return dedup.NewMemoryCache(), func() {}, nil
	case "redis":
		client, err := dedup.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return dedup.NewRedisCache(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown DEDUP_BACKEND %q", cfg.Backend)
	}
}

// newDelivery picks the outbound sinks. A nil producer means nothing is
// published and both sinks only log.
func newDelivery(cfg config.NSQ, producer *nsq.Producer, logger *logging.Logger) (*delivery.DeadLetters, delivery.Notifier) {
	var dlqPub delivery.Publisher
	if producer != nil && cfg.PublishDLQ {
		dlqPub = producer
	}
	deadLetters := delivery.NewDeadLetters(dlqPub, cfg.DLQTopic, logger)

	var notifier delivery.Notifier = delivery.NewLogNotifier(logger)
	if producer != nil && cfg.PublishRecoveries {
		notifier = delivery.NewNSQNotifier(producer, cfg.RecoveryTopic)
	}
	return deadLetters, notifier
}

type jobSet struct {
	detector   *detector.Detector
	sweeper    *retry.Sweeper
	dispatcher *recovery.Dispatcher
	analytics  *analytics.Aggregator
	archiver   *archive.Archiver // nil when archiving is off
}

func registerJobs(s *scheduler.Scheduler, cfg config.Schedule, j jobSet) error {
	jobs := []struct {
		name string
		spec string
		run  scheduler.Job
	}{
		{"cart_scan", cfg.CartScan, func(ctx context.Context) error {
			_, err := j.detector.DetectCarts(ctx)
			return err
		}},
		{"checkout_scan", cfg.CheckoutScan, func(ctx context.Context) error {
			_, err := j.detector.DetectCheckouts(ctx)
			return err
		}},
		{"retry_sweep", cfg.RetrySweep, func(ctx context.Context) error {
			_, err := j.sweeper.Sweep(ctx)
			return err
		}},
		{"recovery_dispatch", cfg.Recovery, func(ctx context.Context) error {
			_, err := j.dispatcher.Dispatch(ctx)
			return err
		}},
		{"daily_rollup", cfg.Rollup, func(ctx context.Context) error {
			_, err := j.analytics.RollupPreviousDay(ctx)
			return err
		}},
	}
	if j.archiver != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			run  scheduler.Job
		}{"archive", cfg.Archive, func(ctx context.Context) error {
			_, err := j.archiver.Run(ctx)
			return err
		}})
	}

	for _, job := range jobs {
		if err := s.Add(job.name, job.spec, job.run); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	return nil
}

func healthChecks(cache dedup.Cache, producer *nsq.Producer) map[string]health.Check {
	checks := map[string]health.Check{
		"dedup": func(ctx context.Context) error {
			_, err := cache.Size(ctx)
			return err
		},
	}
	if producer != nil {
		checks["nsq"] = func(context.Context) error { return producer.Ping() }
	}
	return checks
}

type httpDeps struct {
	store     health.Pinger
	reg       *prometheus.Registry
	validator *auth.JWTValidator // nil leaves the operator API open
	checks    map[string]health.Check
	webhooks  http.Handler
	api       *api.Server
}

func newHTTPHandler(d httpDeps) (http.Handler, error) {
	gwmux := runtime.NewServeMux()
	if err := d.api.Register(gwmux); err != nil {
		return nil, fmt.Errorf("register operator API: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(d.store, d.checks))
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	mux.Handle(webhookPath, d.webhooks)
	mux.Handle("/", gwmux)

	if d.validator == nil {
		return mux, nil
	}
	return d.validator.HTTPMiddleware(mux), nil
}
