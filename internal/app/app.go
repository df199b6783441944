package app

import (
	"IntentFlow/internal/cache"
	"IntentFlow/internal/config"
	"IntentFlow/internal/core"
	"IntentFlow/internal/event"
	"IntentFlow/internal/execution"
	"IntentFlow/internal/intent"
	"IntentFlow/internal/observability"
	"IntentFlow/internal/persistence"
	"IntentFlow/internal/projection"
	"IntentFlow/internal/risk"
	"IntentFlow/internal/server"
	"IntentFlow/internal/stream"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Store is what the app needs from the durable event store.
type Store interface {
	core.EventStore
	intent.HistoryReader
}

// App owns every component and its lifecycle. Components are built by New,
// wired and started by Start, and stopped in reverse order by Shutdown.
type App struct {
	cfg      config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	health   *observability.HealthChecker

	db  *sql.DB
	nc  *nats.Conn
	rdb *redis.Client

	store        Store
	buffer       stream.ReplayBuffer
	bus          stream.Bus
	mirror       *projection.MirrorWorker
	coordinator  *core.Coordinator
	venues       *execution.Registry
	orchestrator *execution.Orchestrator
	manager      *intent.Manager
	handler      http.Handler
	server       *server.Server
	metricsSrv   *http.Server

	mu       sync.Mutex
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown bool
}

// New connects to the configured infrastructure and builds every component.
// Connection failures are returned; nothing is served yet.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *App, err error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		metrics:  observability.NewMetrics(registry),
		health:   observability.NewHealthChecker(),
	}
	defer func() {
		if err != nil {
			a.closeConnections()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	seen, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.openBus(ctx); err != nil {
		return nil, err
	}

	a.coordinator = core.NewCoordinator(a.store, seen, a.mirror, core.Config{
		LRUCapacity: cfg.LRUCapacity,
		DedupTTL:    cfg.DedupTTL,
		RebuildPage: core.DefaultConfig().RebuildPage,
	}, a.module("coordinator"), a.metrics)

	emitter := core.NewEmitter(a.coordinator, a.bus, a.module("emitter"))
	a.venues = paperVenues(cfg.PaperFeeBps)
	a.orchestrator = execution.NewOrchestrator(execution.Config{
		PollInterval: cfg.VenuePollInterval,
		VenueTimeout: cfg.VenueTimeout,
	}, a.venues, emitter, a.store, a.module("orchestrator"), a.metrics)

	a.manager = intent.NewManager(intent.Config{
		MaxQueueSize:    cfg.MaxQueueSize,
		AuditRejections: cfg.AuditRejections,
		RetryInitial:    time.Second,
		RetryMax:        30 * time.Second,
	}, intent.Deps{
		Recorder:    a.coordinator,
		Publisher:   a.bus,
		History:     a.store,
		States:      a.coordinator,
		Risk:        risk.NewEngine(risk.Config{MaxSlippage: cfg.MaxSlippage, MaxNotionalUSD: cfg.MaxNotionalUSD}),
		Prioritizer: intent.NewHeuristicPrioritizer(intent.DefaultFeatureWeights()),
		Pipeline:    intent.NewLocalPipeline(cfg.PipelineWorkers, intent.SliceByFillSize, a.module("pipeline")),
		Planner:     execution.NewPlanner(emitter, a.venues, a.module("planner")),
	}, a.module("intent-manager"), a.metrics)

	a.handler, err = server.NewHTTPHandler(server.Deps{
		Intents: a.manager,
		Plans:   a.coordinator,
		Events:  a.bus,
		Health:  a.health,
	}, a.module("api"), a.metrics)
	if err != nil {
		return nil, err
	}
	a.server = server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, a.handler, a.health, a.module("server"))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	a.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
	return a, nil
}

func (a *App) module(name string) zerolog.Logger {
	return a.log.With().Str("module", name).Logger()
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.PostgresDSN == "" {
		a.log.Warn().Msg("no postgres DSN configured, using the in-memory event store")
		a.store = persistence.NewMemoryStore()
		return nil
	}
	db, err := persistence.Open(ctx, a.cfg.PostgresDSN, 30*time.Second, a.module("postgres"))
	if err != nil {
		return err
	}
	a.db = db
	migrator := persistence.NewMigrator(db, os.DirFS(a.cfg.MigrationsDir), a.module("migrator"))
	var version int
	if a.cfg.MigrateOnStart {
		version, err = migrator.Up(ctx)
	} else {
		version, err = migrator.Check(ctx)
	}
	if err != nil {
		return fmt.Errorf("event store schema: %w", err)
	}
	a.health.SetDetail("schemaVersion", version)
	a.store = persistence.NewPostgresStore(db)
	a.log.Info().Int("schema_version", version).Msg("postgres connected")
	return nil
}

// openCache connects Redis when configured and returns the dedup marker cache.
// Without Redis the replay buffer is in memory and nothing is mirrored.
func (a *App) openCache(ctx context.Context) (core.SeenCache, error) {
	if a.cfg.RedisAddr == "" {
		a.buffer = stream.NewMemoryBuffer(int(a.cfg.BufferMaxLen), a.cfg.BufferRetention)
		return nil, nil
	}
	rdb, err := cache.Connect(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	rc := cache.NewRedisCache(rdb)
	a.buffer = stream.NewRedisBuffer(rdb, a.cfg.BufferMaxLen, a.cfg.BufferRetention)
	a.mirror = projection.NewMirrorWorker(rc, 4096, a.cfg.BufferRetention, a.module("mirror"), a.metrics)
	a.log.Info().Str("addr", a.cfg.RedisAddr).Msg("redis connected")
	return rc, nil
}

func (a *App) busOptions() stream.Options {
	opts := stream.DefaultOptions()
	opts.StreamName = a.cfg.StreamName
	opts.MaxAge = a.cfg.StreamMaxAge
	opts.PublishTimeout = a.cfg.PublishTimeout
	opts.AckWait = a.cfg.AckWait
	opts.NakDelay = a.cfg.NakDelay
	opts.MaxDeliver = a.cfg.MaxDeliver
	opts.HandlerTimeout = a.cfg.HandlerTimeout
	return opts
}

func (a *App) openBus(ctx context.Context) error {
	opts := a.busOptions()
	if a.cfg.Transport == config.TransportLocal {
		a.bus = stream.NewLocalBus(a.buffer, opts, a.module("bus"), a.metrics)
		return nil
	}
	nc, js, err := stream.ConnectNATS(a.cfg.NATSURL, a.cfg.MaxReconnects, a.module("nats"), a.metrics)
	if err != nil {
		return err
	}
	a.nc = nc
	es := stream.NewEventStream(js, a.buffer, opts, a.module("bus"), a.metrics)
	if err := es.EnsureStreams(ctx); err != nil {
		return err
	}
	a.bus = es
	a.log.Info().Str("url", a.cfg.NATSURL).Msg("NATS connected")
	return nil
}

// paperVenues registers a paper venue for every known venue.
func paperVenues(feeBps int64) *execution.Registry {
	reg := execution.NewRegistry()
	for _, v := range []intent.Venue{
		intent.VenueUniswapV3, intent.VenueUniswapV2, intent.VenueCurve,
		intent.VenueBalancer, intent.VenueSushiswap, intent.VenuePancakeswap,
	} {
		reg.Register(execution.NewPaperVenue(v, execution.PaperConfig{FeeBps: feeBps}))
	}
	return reg
}

// Start rebuilds projections from the event store, subscribes consumers and
// launches the worker loop and servers. The coordinator subscribes before the
// orchestrator so it sees every event first.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group != nil || a.shutdown {
		return errors.New("app already started")
	}

	n, err := a.coordinator.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	a.log.Info().Int("events", n).Msg("projections rebuilt")

	if err := a.coordinator.Subscribe(ctx, a.bus); err != nil {
		return err
	}
	if err := a.orchestrator.Subscribe(ctx, a.bus); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	a.cancel, a.group = cancel, g

	if a.mirror != nil {
		g.Go(func() error { return a.mirror.Run(gctx) })
	}
	a.manager.Start(gctx)
	g.Go(func() error { return a.server.StartGRPC(gctx) })
	g.Go(func() error { return a.server.StartHTTP(gctx) })
	g.Go(func() error { return a.serveMetrics(gctx) })

	a.health.SetReady(true)
	a.log.Info().
		Str("transport", a.cfg.Transport).
		Str("http", a.cfg.HTTPAddr).
		Str("grpc", a.cfg.GRPCAddr).
		Str("metrics", a.cfg.MetricsAddr).
		Msg("IntentFlow ready")
	return nil
}

func (a *App) serveMetrics(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutCtx)
	}()
	a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("metrics server listening")
	if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Wait blocks until a background component fails or the app shuts down.
func (a *App) Wait() error {
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Shutdown stops intake, drains the worker loop, stops servers and closes
// connections. Safe to call twice.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	cancel, g := a.cancel, a.group
	a.mu.Unlock()

	a.health.SetReady(false)
	var errs []error
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("intent manager: %w", err))
	}
	if cancel != nil {
		cancel()
	}
	if g != nil {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	a.closeConnections()
	a.log.Info().Msg("IntentFlow shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeConnections() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// Handler is the HTTP API, for in-process callers and tests.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Manager() *intent.Manager { return a.manager }

func (a *App) Coordinator() *core.Coordinator { return a.coordinator }

// Ready reports the readiness probe state.
func (a *App) Ready() bool { return a.health.IsReady() }

// Replay reads the bus replay buffer for subject.
func (a *App) Replay(ctx context.Context, subject string, from, to time.Time) ([]*event.Envelope, error) {
	return a.bus.Replay(ctx, subject, from, to)
}
