package httpserver

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/usp-platform/usp/internal/config"
	"github.com/usp-platform/usp/internal/version"
)

// Server holds the HTTP server dependencies shared by every mounted
// engine handler. Domain handlers (seal, kv, transit, database, authz,
// audit) are mounted onto APIRouter/BootstrapRouter by the composition
// root after NewServer returns.
type Server struct {
	Router          *chi.Mux
	APIRouter       chi.Router // capability-token-authenticated /v1 sub-router
	BootstrapRouter chi.Router // bootstrap-credential /v1/seal sub-router
	Logger          *slog.Logger
	DB              *pgxpool.Pool
	Redis           *redis.Client
	Metrics         *prometheus.Registry
	startedAt       time.Time
}

// TokenMiddleware authenticates a capability token and builds the
// requestctx.Context every core operation takes explicitly. Implemented by
// *auth.TokenIssuer; kept as a function value here to avoid an import
// cycle between httpserver and auth.
type TokenMiddleware func(http.Handler) http.Handler

// BootstrapMiddleware authenticates the bootstrap credential guarding the
// seal admin plane. Implemented by *auth.BootstrapAuthenticator.
type BootstrapMiddleware func(http.Handler) http.Handler

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints, and opens the /v1 routers for the composition root to mount
// domain handlers onto.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, tokenAuth TokenMiddleware, bootstrapAuth BootstrapMiddleware) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-USP-Bootstrap-Token", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-USP-Required-Action"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/status", s.HandleStatus)

	s.Router.Route("/v1", func(r chi.Router) {
		r.Route("/seal", func(r chi.Router) {
			r.Use(bootstrapAuth)
			s.BootstrapRouter = r
		})

		r.Group(func(r chi.Router) {
			r.Use(tokenAuth)
			s.APIRouter = r
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status          string  `json:"status"`
	Version         string  `json:"version"`
	CommitSHA       string  `json:"commit_sha"`
	Uptime          string  `json:"uptime"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	Database        string  `json:"database"`
	DatabaseLatency float64 `json:"database_latency_ms"`
	Redis           string  `json:"redis"`
	RedisLatency    float64 `json:"redis_latency_ms"`
}

// HandleStatus returns system health information including DB/Redis
// connectivity and uptime. Unlike /v1/seal/status it carries no seal
// state — seal.Controller.Status is the source of truth for that.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	dbStart := time.Now()
	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("status check: database ping failed", "error", err)
		resp.Database = "error"
	} else {
		resp.Database = "ok"
	}
	resp.DatabaseLatency = roundMS(time.Since(dbStart))

	if s.Redis != nil {
		redisStart := time.Now()
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("status check: redis ping failed", "error", err)
			resp.Redis = "error"
		} else {
			resp.Redis = "ok"
		}
		resp.RedisLatency = roundMS(time.Since(redisStart))
	}

	if resp.Database == "ok" && resp.Redis != "error" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}

func roundMS(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
