package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/cascade/auth"
	"github.com/c360studio/cascade/cascade"
	"github.com/c360studio/cascade/classify"
	"github.com/c360studio/cascade/config"
	"github.com/c360studio/cascade/executor"
	"github.com/c360studio/cascade/ident"
	"github.com/c360studio/cascade/llm"
	"github.com/c360studio/cascade/logstore"
	"github.com/c360studio/cascade/ratelimit"
	"github.com/c360studio/cascade/registry"
	"github.com/c360studio/cascade/server"
)

// App wires the platform components together for the serve command.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *natsserver.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Components
	store       *registry.Store
	logs        *logstore.Aggregator
	limiter     ratelimit.Limiter
	memLimiter  *ratelimit.MemoryLimiter
	redisClient *redis.Client
	llmClient   *llm.Client
	engine      *cascade.Engine

	httpServer *http.Server
}

// NewApp creates an application instance from configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes all components and begins serving HTTP.
func (a *App) Start(ctx context.Context) error {
	promReg := prometheus.NewRegistry()

	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := registry.NewStore(ctx, a.js, registry.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}
	a.store = store

	a.logs = logstore.NewAggregator(
		logstore.WithLogger(a.logger),
		logstore.WithMetrics(logstore.NewMetrics(promReg)),
	)
	if a.cfg.Logs.RetentionInterval > 0 {
		a.logs.ScheduleRetention(logstore.RetentionPolicy{
			MaxAge:   a.cfg.Logs.RetentionMaxAge,
			MaxCount: a.cfg.Logs.RetentionMaxCount,
		}, a.cfg.Logs.RetentionInterval)
	}

	a.startLimiter(promReg)

	a.llmClient = llm.NewClient(a.modelRegistry(), llm.WithLogger(a.logger))
	classifier := classify.New(a.llmClient, classify.WithLogger(a.logger))

	dispatcher := executor.NewDispatcher(a.executors(), executor.WithLogger(a.logger))

	var authorizer *auth.Authorizer
	if a.cfg.Server.AllowAnonymous {
		authorizer = auth.NewAnonymousAuthorizer()
	} else {
		authorizer = auth.NewAuthorizer()
	}

	a.engine = cascade.NewEngine(dispatcher, a.store, authorizer,
		cascade.WithLogger(a.logger),
		cascade.WithClassifier(classifier),
		cascade.WithLogAggregator(a.logs),
		cascade.WithPromMetrics(cascade.NewPromMetrics(promReg)),
	)

	srv := server.New(a.engine, a.store, a.logs, authorizer,
		server.WithLogger(a.logger),
		server.WithLimiter(a.limiter, server.RateLimitPolicy{
			Limit:  a.cfg.RateLimit.Limit,
			Window: a.cfg.RateLimit.Window,
		}),
		server.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	return nil
}

// executors builds the tier executor set. The code tier needs an external
// sandbox and is only installed when one is registered; the human tier
// uses an in-process queue unless a real one is configured.
func (a *App) executors() map[registry.FunctionType]executor.Executor {
	return map[registry.FunctionType]executor.Executor{
		registry.TypeGenerative: executor.NewGenerativeExecutor(a.llmClient, a.logger),
		registry.TypeAgentic:    executor.NewAgenticExecutor(a.llmClient, executor.WithAgenticLogger(a.logger)),
		registry.TypeHuman:      executor.NewHumanExecutor(newMemoryTaskQueue(), a.logger),
	}
}

// modelRegistry maps every capability at the configured endpoint.
func (a *App) modelRegistry() *llm.Registry {
	endpoint := &llm.EndpointConfig{
		Provider: a.cfg.Model.Provider,
		URL:      a.cfg.Model.Endpoint,
		Model:    a.cfg.Model.Default,
	}
	caps := make(map[llm.Capability]*llm.CapabilityConfig)
	for _, c := range []llm.Capability{
		llm.CapabilityClassify, llm.CapabilityGenerative, llm.CapabilityAgentic, llm.CapabilityFast,
	} {
		caps[c] = &llm.CapabilityConfig{Preferred: []string{"primary"}}
	}
	r := llm.NewRegistry(caps, map[string]*llm.EndpointConfig{"primary": endpoint})
	r.SetDefault("primary")
	return r
}

func (a *App) startLimiter(promReg prometheus.Registerer) {
	metrics := ratelimit.NewMetrics(promReg)
	if a.cfg.Redis.Addr != "" {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.limiter = ratelimit.NewRedisLimiter(a.redisClient,
			ratelimit.WithRedisLogger(a.logger),
			ratelimit.WithRedisMetrics(metrics),
		)
		return
	}
	a.memLimiter = ratelimit.NewMemoryLimiter(
		ratelimit.WithLogger(a.logger),
		ratelimit.WithMetrics(metrics),
	)
	a.limiter = a.memLimiter
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &natsserver.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := natsserver.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}

	if a.logs != nil {
		report := a.logs.Drain()
		a.logger.Info("Log aggregator drained",
			"subscribers", report.Subscribers,
			"heartbeats", report.Heartbeats,
			"retention_timers", report.RetentionTimers)
	}

	if a.memLimiter != nil {
		a.memLimiter.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("Redis close failed", "error", err)
		}
	}

	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("NATS drain failed", "error", err)
		}
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

// memoryTaskQueue is the in-process human-review queue used when no
// external queue is configured. Tasks are held until an operator resolves
// them through other channels; single-binary deployments stay functional.
type memoryTaskQueue struct {
	mu    sync.Mutex
	tasks map[string]executor.Task
}

func newMemoryTaskQueue() *memoryTaskQueue {
	return &memoryTaskQueue{tasks: make(map[string]executor.Task)}
}

func (q *memoryTaskQueue) Enqueue(_ context.Context, task executor.Task) (*executor.TaskHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task.ID == "" {
		task.ID = ident.NewTaskID()
	}
	q.tasks[task.ID] = task
	return &executor.TaskHandle{
		ID:     task.ID,
		URL:    "/tasks/" + task.ID,
		Status: "queued",
	}, nil
}
