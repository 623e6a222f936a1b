package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/usp-platform/usp/internal/audit"
	"github.com/usp-platform/usp/internal/auth"
	"github.com/usp-platform/usp/internal/config"
	"github.com/usp-platform/usp/internal/httpserver"
	"github.com/usp-platform/usp/internal/platform"
	"github.com/usp-platform/usp/internal/seal"
	"github.com/usp-platform/usp/internal/store"
	"github.com/usp-platform/usp/internal/telemetry"
	"github.com/usp-platform/usp/internal/version"
	"github.com/usp-platform/usp/pkg/authz"
	"github.com/usp-platform/usp/pkg/database"
	"github.com/usp-platform/usp/pkg/kv"
	"github.com/usp-platform/usp/pkg/lease"
	"github.com/usp-platform/usp/pkg/transit"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting usp",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "usp", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// components bundles every piece shared between the API and worker
// process modes, so both build them identically from cfg.
type components struct {
	st            *store.Store
	sealCtl       *seal.Controller
	auditSink     *audit.Sink
	kvEngine      *kv.Engine
	transitEngine *transit.Engine
	dbEngine      *database.Engine
	evaluator     *authz.Evaluator
	leaseManager  *lease.Manager
}

func buildComponents(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, logger *slog.Logger) (*components, error) {
	st := store.New(db)

	sealCtl, err := seal.NewController(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("constructing seal controller: %w", err)
	}

	auditSink := audit.NewSink(st, sealCtl, logger)
	if err := auditSink.VerifyChain(ctx); err != nil {
		return nil, fmt.Errorf("verifying audit chain: %w", err)
	}

	kvEngine := kv.NewEngine(st, sealCtl, auditSink, cfg.KVMaxVersionsDefault)
	transitEngine := transit.NewEngine(st, sealCtl, auditSink)
	dbEngine := database.NewEngine(st, sealCtl, auditSink)
	evaluator := authz.NewEvaluator(st, auditSink, cfg.RiskMFAThreshold, cfg.RiskDenyThreshold)

	leaseManager := lease.NewManager(st, dbEngine, auditSink, logger, lease.NewOwnerID(), lease.Config{
		MaxAttempts:   cfg.LeaseRevokeMaxAttempts,
		BackoffBaseMS: cfg.LeaseRevokeBackoffMS,
	})
	leaseManager.RegisterRotator("transit_key", transit.KeyRotator{Engine: transitEngine})
	leaseManager.RegisterRotator("database_root", database.RootRotator{Engine: dbEngine})
	leaseManager.RegisterRotator("kv_retention", kv.RetentionRotator{Engine: kvEngine})

	return &components{
		st:            st,
		sealCtl:       sealCtl,
		auditSink:     auditSink,
		kvEngine:      kvEngine,
		transitEngine: transitEngine,
		dbEngine:      dbEngine,
		evaluator:     evaluator,
		leaseManager:  leaseManager,
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	c, err := buildComponents(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	c.auditSink.Start(ctx)
	defer c.auditSink.Close()

	bootstrapCredential := cfg.BootstrapToken
	if bootstrapCredential == "" {
		bootstrapCredential = auth.GenerateBootstrapCredential()
		logger.Warn("USP_BOOTSTRAP_TOKEN not set, generated an ephemeral bootstrap credential for this process only",
			"bootstrap_token", bootstrapCredential)
	}
	limiter := auth.NewRateLimiter(rdb, cfg.BootstrapRateLimitMaxAttempts, time.Duration(cfg.BootstrapRateLimitWindow)*time.Second)
	bootstrapAuth := auth.NewBootstrapAuthenticator(bootstrapCredential, limiter)

	tokenTTL, err := time.ParseDuration(cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("parsing token ttl %q: %w", cfg.TokenTTL, err)
	}
	tokenSigningSecret := cfg.TokenSigningSecret
	if tokenSigningSecret == "" {
		tokenSigningSecret = auth.GenerateBootstrapCredential()
		logger.Warn("USP_TOKEN_SIGNING_SECRET not set, generated an ephemeral signing secret for this process only")
	}
	tokenIssuer, err := auth.NewTokenIssuer(tokenSigningSecret, tokenTTL)
	if err != nil {
		return fmt.Errorf("constructing token issuer: %w", err)
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, tokenIssuer.Middleware, bootstrapAuth.RequireBootstrap)

	mountRoutes(srv, c)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// mountRoutes wires every engine's HTTP handler onto srv, pairing each
// route group with the capability action and resource type its operation
// corresponds to in pkg/authz's policy model.
func mountRoutes(srv *httpserver.Server, c *components) {
	sealHandler := seal.NewHandler(c.sealCtl, c.auditSink)
	srv.BootstrapRouter.Mount("/", sealHandler.BootstrapRoutes())
	srv.APIRouter.Get("/seal/status", sealHandler.StatusRoute())

	authzHandler := authz.NewHandler(c.evaluator)
	srv.APIRouter.Route("/policies", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "sudo", "policy", nil))
		r.Mount("/", authzHandler.PolicyRoutes())
	})
	// /authz is mounted separately, open to any authenticated caller, so
	// a principal can always preview a decision for themselves without
	// needing the /policies sudo capability.
	srv.APIRouter.Mount("/authz", authzHandler.CheckRoutes())

	auditHandler := audit.NewHandler(c.st.Queries())
	srv.APIRouter.Route("/audit", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "read", "audit", nil))
		r.Mount("/", auditHandler.Routes())
	})

	mountKV(srv, c)
	mountTransit(srv, c)
	mountDatabase(srv, c)
}

// mountKV wires the KV v2 engine's three route groups, each keyed off the
// wildcard path segment as the resource id so HCL path-capability policies
// can pattern-match the actual secret path.
func mountKV(srv *httpserver.Server, c *components) {
	h := kv.NewHandler(c.kvEngine)

	srv.APIRouter.Route("/kv/data", func(r chi.Router) {
		r.Use(auth.RequireAuthzByMethod(c.evaluator, map[string]string{
			http.MethodGet:    "read",
			http.MethodPost:   "create",
			http.MethodDelete: "delete",
		}, "kv", auth.PathWildcard))
		r.Mount("/", h.DataRoutes())
	})

	srv.APIRouter.Route("/kv/metadata", func(r chi.Router) {
		r.Use(auth.RequireAuthzByMethod(c.evaluator, map[string]string{
			http.MethodGet:    "read",
			http.MethodPost:   "update",
			http.MethodDelete: "delete",
		}, "kv", auth.PathWildcard))
		r.Mount("/", h.MetadataRoutes())
	})

	srv.APIRouter.Route("/kv/destroy", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "sudo", "kv", auth.PathWildcard))
		r.Mount("/", h.DestroyRoutes())
	})
}

// mountTransit wires the Transit engine's route groups. Key lifecycle
// routes share the {name} param as resource id; the four crypto
// operations are each mounted under their own path, all gated with the
// "update" capability action.
func mountTransit(srv *httpserver.Server, c *components) {
	h := transit.NewHandler(c.transitEngine)
	byName := auth.URLParam("name")

	crudAuthz := auth.RequireAuthzByMethod(c.evaluator, map[string]string{
		http.MethodGet:    "read",
		http.MethodPost:   "create",
		http.MethodDelete: "delete",
	}, "transit", byName)
	manageAuthz := auth.RequireAuthz(c.evaluator, "update", "transit", byName)
	srv.APIRouter.Route("/transit/keys", func(r chi.Router) {
		r.Mount("/", h.KeyRoutes(crudAuthz, manageAuthz))
	})

	srv.APIRouter.Route("/transit/encrypt", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "update", "transit", byName))
		r.Mount("/", h.EncryptRoutes())
	})
	srv.APIRouter.Route("/transit/decrypt", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "update", "transit", byName))
		r.Mount("/", h.DecryptRoutes())
	})
	srv.APIRouter.Route("/transit/sign", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "update", "transit", byName))
		r.Mount("/", h.SignRoutes())
	})
	srv.APIRouter.Route("/transit/verify", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "update", "transit", byName))
		r.Mount("/", h.VerifyRoutes())
	})
}

// mountDatabase wires the Database secrets engine. Connection and role
// configuration require sudo since they carry root database credentials;
// credential issuance and lease lifecycle only require the matching
// capability on the role/lease in question.
func mountDatabase(srv *httpserver.Server, c *components) {
	h := database.NewHandler(c.dbEngine)
	byName := auth.URLParam("name")

	srv.APIRouter.Route("/database/config", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "sudo", "database", byName))
		r.Mount("/", h.ConfigRoutes())
	})
	srv.APIRouter.Route("/database/roles", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "sudo", "database", byName))
		r.Mount("/", h.RoleRoutes())
	})
	srv.APIRouter.Route("/database/creds", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "read", "database", byName))
		r.Mount("/", h.CredsRoutes())
	})
	srv.APIRouter.Route("/database/leases", func(r chi.Router) {
		r.Use(auth.RequireAuthz(c.evaluator, "update", "database", auth.PathWildcard))
		r.Mount("/", h.LeaseRoutes())
	})
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, metricsReg *prometheus.Registry) error {
	c, err := buildComponents(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	c.auditSink.Start(ctx)
	defer c.auditSink.Close()

	logger.Info("lease manager worker started")
	return c.leaseManager.Run(ctx)
}
