package main

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pysugar/mcp-auth-gateway/internal/auth/serviceauth"
	"github.com/pysugar/mcp-auth-gateway/internal/auth/token"
	"github.com/pysugar/mcp-auth-gateway/internal/config"
	"github.com/pysugar/mcp-auth-gateway/internal/crypto"
	"github.com/pysugar/mcp-auth-gateway/internal/db"
	"github.com/pysugar/mcp-auth-gateway/internal/logging"
	"github.com/pysugar/mcp-auth-gateway/internal/mcpserver"
	"github.com/pysugar/mcp-auth-gateway/internal/metrics"
	"github.com/pysugar/mcp-auth-gateway/internal/proxy/handlers"
	"github.com/pysugar/mcp-auth-gateway/internal/proxy/middleware"
	"github.com/pysugar/mcp-auth-gateway/internal/upstream"
	"github.com/pysugar/mcp-auth-gateway/internal/usage"
	"go.uber.org/zap"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	kv        *db.KVStore
	repo      *db.CredentialRepo
	upstream  *upstream.Client
	factory   *serviceauth.Factory
	refresher *token.Refresher
	auth      *middleware.Authenticator
	usage     *usage.Logger
	consumer  *usage.Consumer
	mcp       *mcpserver.Server
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	key, err := cfg.Auth.Key()
	if err != nil {
		return nil, err
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	kv := db.NewKVStore(database)
	repo := db.NewCredentialRepo(database, sealer)
	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout,
		upstream.WithLogger(logger.Named("upstream")),
		upstream.WithMetrics(m),
	)

	factory := serviceauth.NewFactory(serviceauth.Deps{
		Store:         kv,
		Repo:          repo,
		Sealer:        sealer,
		Identity:      client,
		HTTPClient:    client.HTTPClient(),
		TokenURL:      cfg.OAuth.TokenURL,
		ValidationTTL: cfg.Auth.ValidationTTL,
		StopTTL:       cfg.Auth.StopTTL,
		Logger:        logger.Named("serviceauth"),
		Metrics:       m,
	})
	refresher := token.NewRefresher(kv, client, logger.Named("refresh"), m)
	authenticator := middleware.NewAuthenticator(kv, client,
		cfg.Auth.APIKeyCacheTTL, cfg.Auth.SessionTimeout, logger.Named("auth"), m)

	costs := usage.NewCostTable(cfg.Usage.Costs, cfg.Usage.DefaultCost)
	queue := usage.NewStoreQueue(kv, cfg.Usage.QueueTTL)
	usageLogger := usage.NewLogger(queue, costs, logger.Named("usage"), m)
	consumer := usage.NewConsumer(queue, client, cfg.Upstream.IngestToken, cfg.Usage.BatchSize,
		logger.Named("usage-consumer"), m)

	mcp := mcpserver.New(client, refresher, middleware.NewToolWrapper(usageLogger), logger.Named("mcp"))

	return &app{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		kv:        kv,
		repo:      repo,
		upstream:  client,
		factory:   factory,
		refresher: refresher,
		auth:      authenticator,
		usage:     usageLogger,
		consumer:  consumer,
		mcp:       mcp,
	}, nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestID)

	r.Get("/health", handlers.HealthHandler())
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware)
		r.Handle("/mcp", a.mcp.Handler())
	})

	log := a.logger.Named("admin")
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(a.cfg.Server.AdminPassword))
		r.Post("/credentials/{id}/validate", handlers.ValidateCredentialHandler(a.factory, log))
		r.Post("/credentials/{id}/commands/{command}", handlers.CredentialCommandHandler(a.factory, log))
		r.Get("/users/{userId}/credentials", handlers.UserCredentialsHandler(a.repo))
		r.Post("/users/{userId}/profile/refresh", handlers.RefreshProfileHandler(a.refresher))
		r.Post("/usage/flush", handlers.FlushUsageHandler(a.consumer))
	})
	return r
}
