// Package server provides the composition root: it builds every component
// from configuration and runs them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/api"
	"github.com/JakeFAU/scrapeq/internal/backoff"
	"github.com/JakeFAU/scrapeq/internal/broker"
	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/delivery"
	"github.com/JakeFAU/scrapeq/internal/dispatcher"
	"github.com/JakeFAU/scrapeq/internal/events"
	amqptransport "github.com/JakeFAU/scrapeq/internal/events/amqp"
	pubsubtransport "github.com/JakeFAU/scrapeq/internal/events/pubsub"
	"github.com/JakeFAU/scrapeq/internal/hash/sha256"
	"github.com/JakeFAU/scrapeq/internal/id/uuid"
	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/lease"
	"github.com/JakeFAU/scrapeq/internal/logging"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/parser"
	"github.com/JakeFAU/scrapeq/internal/policy/ratelimit"
	"github.com/JakeFAU/scrapeq/internal/progress"
	progresssinks "github.com/JakeFAU/scrapeq/internal/progress/sinks"
	"github.com/JakeFAU/scrapeq/internal/secrets"
	gcsstorage "github.com/JakeFAU/scrapeq/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrapeq/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrapeq/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrapeq/internal/storage/postgres"
	"github.com/JakeFAU/scrapeq/internal/telemetry"
)

// transport carries deliver and parse messages between replicas.
type transport interface {
	events.Publisher
	events.Subscriber
}

type stores struct {
	jobs       jobs.JobStore
	leases     jobs.LeaseStore
	artifacts  jobs.ArtifactStore
	deliveries jobs.DeliveryStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool        *pgxpool.Pool
	gcs         *storage.Client
	transport   transport
	progressHub *progress.Hub
	tracer      *sdktrace.TracerProvider

	coordinator *lease.Coordinator
	worker      *delivery.Worker
	dispatch    *dispatcher.Dispatcher
	apiServer   *api.Server
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(
	ctx context.Context,
	cfg config.Config,
	logger *zap.Logger,
	reg prometheus.Registerer,
) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(ctx)
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("events_transport", cfg.Events.Transport),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("parser", cfg.ParserEnabled()),
	)

	metrics.Init()
	app.tracer, err = telemetry.InitTracing(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}

	st, err := app.setupStores(ctx)
	if err != nil {
		return app, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return app, err
	}
	if err = app.setupTransport(ctx); err != nil {
		return app, err
	}
	if err = app.setupProgress(reg); err != nil {
		return app, err
	}

	clock := system.New()
	ids := uuid.New()

	app.coordinator = lease.New(lease.Config{
		Duration:      cfg.Leases.Duration,
		SweepInterval: cfg.Leases.SweepInterval,
		MaxAttempts:   cfg.Leases.MaxAttempts,
	}, st.jobs, st.leases, clock, ids, app.progressHub, logger)

	finalPhase := jobs.PhaseIngested
	var parseClient broker.Parser
	if cfg.ParserEnabled() {
		finalPhase = jobs.PhaseParsed
		parseClient = parser.New(cfg.Parser.Endpoint, cfg.Parser.Timeout, nil)
		logger.Info("parser enabled", zap.String("endpoint", cfg.Parser.Endpoint))
	}

	app.worker = delivery.New(delivery.Config{
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		Concurrency:  cfg.Delivery.Concurrency,
		PollInterval: cfg.Delivery.PollInterval,
		FinalPhase:   finalPhase,
	}, delivery.Stores{
		Jobs:       st.jobs,
		Artifacts:  st.artifacts,
		Deliveries: st.deliveries,
	},
		secrets.New(cfg.Secrets),
		ids,
		clock,
		delivery.NewSender(cfg.Delivery.Timeout, nil).WithLimiter(ratelimit.New(ratelimit.Config{
			RPS:   cfg.Delivery.RateLimitRPS,
			Burst: cfg.Delivery.RateLimitBurst,
		})),
		backoff.NewExponential(cfg.Delivery.BackoffBase, cfg.Delivery.BackoffMax),
		app.progressHub,
		logger,
	)

	brk := broker.New(broker.Config{
		BlobPrefix:     cfg.Storage.Prefix,
		CandidateLimit: cfg.Leases.CandidateLimit,
		MaxLeaseBatch:  cfg.Leases.MaxBatch,
	}, broker.Deps{
		Jobs:       st.jobs,
		Artifacts:  st.artifacts,
		Deliveries: st.deliveries,
		Blobs:      blobs,
		Leases:     app.coordinator,
		Publisher:  app.transport,
		Parser:     parseClient,
		Hasher:     sha256.New(),
		IDs:        ids,
		Clock:      clock,
	}, logger.Named("broker"))

	var parseHandler dispatcher.ParseHandler
	if parseClient != nil {
		parseHandler = brk
	}
	app.dispatch = dispatcher.New(app.transport, app.worker, parseHandler, cfg.Events.Consumers, logger)

	opts := api.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}
	if app.pool != nil {
		opts.Ready = app.pool.Ping
	}
	app.apiServer = api.NewServer(brk, opts, logger.Named("api"))
	return app, nil
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN configured, jobs and leases are kept in memory and lost on restart")
		return stores{
			jobs:       memorystorage.NewJobStore(),
			leases:     memorystorage.NewLeaseStore(),
			artifacts:  memorystorage.NewArtifactStore(),
			deliveries: memorystorage.NewDeliveryStore(),
		}, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.DB.AutoMigrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return stores{}, err
		}
		a.logger.Info("postgres schema applied")
	}
	a.logger.Info("postgres stores initialized")
	return stores{
		jobs:       pgstore.NewJobStore(pool),
		leases:     pgstore.NewLeaseStore(pool),
		artifacts:  pgstore.NewArtifactStore(pool),
		deliveries: pgstore.NewDeliveryStore(pool),
	}, nil
}

func (a *App) setupBlobStore(ctx context.Context) (jobs.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupTransport(ctx context.Context) error {
	switch a.cfg.Events.Transport {
	case config.TransportPubSub:
		t, err := pubsubtransport.New(ctx, pubsubtransport.Config{
			ProjectID:    a.cfg.Events.PubSub.ProjectID,
			Topic:        a.cfg.Events.PubSub.Topic,
			Subscription: a.cfg.Events.PubSub.Subscription,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub transport init failed: %w", err)
		}
		a.transport = t
		a.logger.Info("Pub/Sub transport initialized",
			zap.String("project", a.cfg.Events.PubSub.ProjectID),
			zap.String("topic", a.cfg.Events.PubSub.Topic),
		)
	case config.TransportAMQP:
		t, err := amqptransport.Dial(amqptransport.Config{
			URL:        a.cfg.Events.AMQP.URL,
			Exchange:   a.cfg.Events.AMQP.Exchange,
			Queue:      a.cfg.Events.AMQP.Queue,
			RoutingKey: a.cfg.Events.AMQP.RoutingKey,
			Prefetch:   a.cfg.Events.AMQP.Prefetch,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("amqp transport init failed: %w", err)
		}
		a.transport = t
		a.logger.Info("AMQP transport initialized", zap.String("queue", a.cfg.Events.AMQP.Queue))
	default:
		a.transport = events.NewMemory(a.cfg.Events.Buffer).WithRedelivery(
			backoff.NewExponential(a.cfg.Events.RedeliveryBase, a.cfg.Events.RedeliveryMax))
		a.logger.Info("using in-memory event transport", zap.Int("buffer", a.cfg.Events.Buffer))
	}
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves until SIGINT, SIGTERM, or ctx cancellation, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.coordinator.Restore(ctx); err != nil {
		_ = ln.Close()
		a.Close(context.Background())
		return fmt.Errorf("restore leases: %w", err)
	}
	recovered, err := a.worker.Recover(ctx)
	if err != nil {
		_ = ln.Close()
		a.Close(context.Background())
		return fmt.Errorf("recover deliveries: %w", err)
	}
	a.logger.Info("application started", zap.Int("recovered_deliveries", recovered))

	bg, cancelBG := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := a.coordinator.Run(bg); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("lease coordinator stopped", zap.Error(err))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.worker.Run(bg); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("delivery worker stopped", zap.Error(err))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("consumers", a.cfg.Events.Consumers))
		a.dispatch.Run(bg)
	}()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Background loops outlive the listener so in-flight requests still reach the coordinator.
	cancelBG()
	wg.Wait()
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every external resource. It is safe to call once.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.logger.Warn("event transport close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
