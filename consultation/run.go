// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"learnwork/consultation/llm"
	"learnwork/shared/logger"
)

const serviceName = "consultation"

// App is a fully wired consultation service.
type App struct {
	cfg Config
	log *logger.Logger

	registry *prometheus.Registry
	metrics  *Metrics

	repo    Repository
	cache   AnswerCache
	redis   *redis.Client
	gateway *llm.Gateway

	blocking  *WorkerPool
	scheduler *WorkerPool

	orch       *Orchestrator
	service    *Service
	reconciler *Reconciler
	auth       *Authenticator
	handler    *Handler
}

// NewApp builds every component named by cfg. Redis and the database are
// optional; without them the service runs on in-memory stores.
func NewApp(ctx context.Context, cfg Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.New(serviceName)
	}
	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = NewMetrics(a.registry)

	if err := a.initStorage(ctx); err != nil {
		a.closeStores()
		return nil, err
	}

	var locker Locker
	if a.redis != nil {
		a.cache = NewRedisAnswerCache(a.redis)
		locker = NewRedisLocker(a.redis)
	} else {
		a.cache = NewMemoryAnswerCache()
		locker = NewMemoryLocker()
		log.Warn(0, 0, "REDIS_URL not set, using in-memory cache and dispatch lock", nil)
	}

	creds, err := a.credentials(ctx)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	provider := llm.NewProvider(llm.ProviderConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIPath:     cfg.AI.APIPath,
		Credentials: creds,
	})
	a.gateway = llm.NewGateway(provider, llm.GatewayConfig{
		TextModel:     cfg.AI.TextModel,
		VisionModel:   cfg.AI.VisionModel,
		Timeout:       cfg.AI.Timeout,
		StreamTimeout: cfg.AI.StreamTimeout,
		MaxTokens:     cfg.AI.MaxTokens,
		Temperature:   cfg.AI.Temperature,
		Retry:         cfg.AI.RetryConfig(),
	}, log.Named("gateway"))
	a.gateway.SetObserver(a.metrics)

	a.blocking = NewWorkerPool("blocking", cfg.BlockingWorkers, cfg.BlockingQueue, log.Named("pool"))
	a.scheduler = NewWorkerPool("dispatch", cfg.DispatchWorkers, cfg.DispatchQueue, log.Named("pool"))
	a.blocking.OnDepth(a.metrics.QueueDepth)
	a.scheduler.OnDepth(a.metrics.QueueDepth)

	notifier, err := NewNotifier(NotifierMode(strings.ToLower(cfg.Notifier.Mode)), cfg.Notifier.WebhookURL, log.Named("notifier"))
	if err != nil {
		a.closeStores()
		return nil, err
	}
	transfers := NewTransferService(a.repo, notifier, a.metrics, log.Named("transfers"))

	a.orch = NewOrchestrator(OrchestratorDeps{
		Repo:      a.repo,
		Cache:     a.cache,
		Gateway:   NewAIGateway(a.gateway),
		Policy:    KeywordPolicy(cfg.EscalationKeywords...),
		Transfers: transfers,
		Locker:    locker,
		Blocking:  a.blocking,
		Scheduler: a.scheduler,
		Metrics:   a.metrics,
		Log:       log.Named("orchestrator"),
	}, OrchestratorConfig{
		CacheTTL:        cfg.CacheTTL,
		LockTTL:         cfg.DispatchLockTTL,
		DispatchTimeout: cfg.DispatchTimeout,
	})

	a.service = NewService(a.repo, a.orch, transfers, a.gateway, a.blocking, log.Named("service"))
	a.reconciler = NewReconciler(a.repo, a.orch, cfg.ReconcileInterval, cfg.ReconcileStaleAfter, log.Named("reconciler"))
	a.auth = NewAuthenticator(cfg.JWTSecret)
	if a.auth.DevMode() {
		log.Warn(0, 0, "JWT_SECRET not set, trusting X-User-ID and X-User-Role headers", nil)
	}
	a.handler = NewHandler(a.service, NewSSEBridge(cfg.StreamIdleTimeout, log.Named("sse")), log.Named("http"))
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	if a.cfg.RedisURL != "" {
		client, err := NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			return err
		}
		a.redis = client
	}

	if a.cfg.DatabaseURL == "" {
		a.repo = NewMemoryRepository()
		a.log.Warn(0, 0, "DATABASE_URL not set, using in-memory repository", nil)
		return nil
	}

	dialect, err := ParseDialect(a.cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	repo, err := OpenSQLRepository(ctx, dialect, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.repo = repo
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	a.log.Info(0, 0, "Database ready", map[string]interface{}{"driver": string(dialect)})
	return nil
}

func (a *App) credentials(ctx context.Context) (llm.CredentialSource, error) {
	if a.cfg.AI.APIKeySecretARN != "" {
		creds, err := llm.NewSecretsManagerCredentials(ctx, a.cfg.AI.AWSRegion, a.cfg.AI.APIKeySecretARN, 0)
		if err != nil {
			return nil, err
		}
		return creds, nil
	}
	if a.cfg.AI.APIKey == "" {
		a.log.Warn(0, 0, "AI_API_KEY not set, AI calls will escalate to staff", nil)
	}
	return llm.StaticCredentials(a.cfg.AI.APIKey), nil
}

// Handler returns the HTTP surface: health, metrics and the authenticated API.
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(a.auth.Middleware)
	a.handler.RegisterRoutes(api)

	c := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

type healthResponse struct {
	Status     string          `json:"status"`
	Service    string          `json:"service"`
	Timestamp  time.Time       `json:"timestamp"`
	Components map[string]bool `json:"components"`
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := map[string]bool{
		"database":    a.repo.Ping(ctx) == nil,
		"cache":       a.cache.Ping(ctx) == nil,
		"ai_provider": a.gateway.Ready(ctx) == nil,
	}

	resp := healthResponse{
		Status:     "healthy",
		Service:    serviceName,
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
	status := http.StatusOK
	switch {
	case !components["database"]:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case !components["cache"] || !components["ai_provider"]:
		// Cache and provider failures degrade to escalation, not outage.
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

// Start launches background work that lives until ctx is done.
func (a *App) Start(ctx context.Context) {
	go a.reconciler.Run(ctx)
}

// Shutdown drains in-flight dispatches, stops the pools and closes stores.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.orch.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for dispatches: %w", err))
	}
	if err := a.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.blocking.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

// Run starts the consultation service and blocks until SIGINT or SIGTERM.
func Run() {
	log := logger.New(serviceName)
	log.Info(0, 0, "Starting consultation service", nil)

	cfg, err := LoadConfig()
	if err != nil {
		log.ErrorWithErr(0, 0, "Invalid configuration", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	app, err := NewApp(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.ErrorWithErr(0, 0, "Failed to initialize components", err, nil)
		os.Exit(1)
	}
	app.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(0, 0, "Consultation service listening", map[string]interface{}{"port": cfg.Port})
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorWithErr(0, 0, "HTTP server failed", err, nil)
		}
	case <-ctx.Done():
		log.Info(0, 0, "Shutdown signal received", nil)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr(0, 0, "HTTP server shutdown failed", err, nil)
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr(0, 0, "Shutdown incomplete", err, nil)
	}
	log.Info(0, 0, "Consultation service stopped", nil)
}
