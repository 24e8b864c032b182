package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/handler"
	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/openapi"
	"github.com/tollgate/tollgate/internal/server/middleware"
	"github.com/tollgate/tollgate/internal/service"
)

// Header names set on requests forwarded upstream.
const (
	HeaderTokenID   = "X-Tollgate-Token-Id"
	HeaderRequestID = middleware.RequestIDHeader
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	CORSMethods     []string
	// LoginRateLimit caps operator login attempts per IP per minute.
	LoginRateLimit int
	SessionTTL     time.Duration
	// Upstream receives admitted gateway requests. Nil answers 502.
	Upstream *url.URL
	// Version is reported in the OpenAPI document.
	Version string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		LoginRateLimit:  10,
		SessionTTL:      time.Hour,
	}
}

// Deps are the components the server routes to.
type Deps struct {
	Store    *config.Store
	Auth     *service.AuthService
	Tokens   *service.TokenRegistry
	IPRules  *service.IPRuleService
	Settings *service.SettingsCache
	Security *service.SecurityCenter
	Routes   *gateway.RouteTable
	Pipeline *gateway.Pipeline
}

// Server is the top-level HTTP server: the operator API under /api/v1/system
// and the admission-guarded gateway routes from the route table.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	proxy      http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes and middleware mounted.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.proxy = s.newUpstream()
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   corsMethods(s.cfg.CORSMethods),
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- OpenAPI document (no auth required) ---
	r.Get("/openapi.json", s.handleOpenAPI)

	// --- Operator API ---
	r.Route("/api/v1/system", func(r chi.Router) {
		r.Use(chimw.Compress(5))
		sysHandler := handler.NewSystemHandler(s.deps.Store, s.deps.Auth, s.cfg.SessionTTL)
		tokenHandler := handler.NewTokenHandler(s.deps.Tokens, s.deps.IPRules)
		secHandler := handler.NewSecurityHandler(s.deps.Security, s.deps.IPRules, s.deps.Settings)

		r.With(middleware.LoginRateLimit(s.loginLimit())).Post("/admin/session", sysHandler.Login)
		r.Delete("/admin/session", sysHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.Auth))
			handler.Mount(r, sysHandler, tokenHandler, secHandler)
		})
	})

	// --- Gateway routes ---
	for _, route := range s.deps.Routes.Routes() {
		r.With(s.deps.Pipeline.Middleware(route)).Method(route.Method, route.Pattern, s.proxy)
	}

	s.router = r
}

func (s *Server) loginLimit() int {
	if s.cfg.LoginRateLimit > 0 {
		return s.cfg.LoginRateLimit
	}
	return DefaultConfig().LoginRateLimit
}

func corsMethods(methods []string) []string {
	if len(methods) > 0 {
		return methods
	}
	return []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
}

// newUpstream returns the handler for admitted gateway requests.
func (s *Server) newUpstream() http.Handler {
	if s.cfg.Upstream == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusBadGateway, "upstream not configured")
		})
	}
	target := s.cfg.Upstream
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// The gateway secret stays at the gateway.
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del(HeaderTokenID)
			if adm := gateway.GetAdmission(pr.In.Context()); adm != nil && adm.Token != nil {
				pr.Out.Header.Set(HeaderTokenID, strconv.FormatInt(adm.Token.ID, 10))
			}
			if id := middleware.GetRequestID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(HeaderRequestID, id)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Error("upstream request failed",
				"path", r.URL.Path,
				"request_id", middleware.GetRequestID(r.Context()),
				"error", err,
			)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 503 when the store is
// unreachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}
	if s.cfg.Upstream == nil {
		checks["upstream"] = "not configured"
	} else {
		checks["upstream"] = s.cfg.Upstream.Redacted()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	baseURL := scheme + "://" + r.Host
	doc := openapi.GenerateGatewaySpec(s.deps.Routes.Routes(), baseURL, s.cfg.Version)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: code, Message: message},
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully,
// draining in-flight requests within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
