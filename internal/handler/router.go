package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jwxt-agent/internal/middleware"
	"jwxt-agent/internal/service"
	ws "jwxt-agent/internal/websocket"
)

// RouterConfig carries everything the API router serves.
type RouterConfig struct {
	Portal         *service.Portal
	Hub            *ws.Hub
	ReadyChecks    map[string]Checker
	AllowedOrigins []string
	SessionTTL     time.Duration
	SecureCookie   bool
	// OpenAPI is nil when request validation is off.
	OpenAPI *middleware.OpenAPIValidatorConfig
	// LoginRPS and APIRPS of zero disable the matching limiter.
	LoginRPS   float64
	LoginBurst int
	APIRPS     float64
	APIBurst   int
}

// NewRouter builds the chi router. ctx bounds the background work of the
// rate limiters and websocket clients.
func NewRouter(ctx context.Context, cfg RouterConfig) http.Handler {
	sessions := NewSessionHandler(cfg.Portal, cfg.SessionTTL, cfg.SecureCookie)
	courses := NewCourseHandler(cfg.Portal)
	tasks := NewTaskHandler(cfg.Portal)
	wsHandler := NewWebSocketHandler(ctx, cfg.Hub, cfg.Portal, cfg.AllowedOrigins)

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestContext)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.Metrics())

	r.Get("/health", Health)
	r.Get("/health/ready", Ready(cfg.ReadyChecks))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not found", "NOT_FOUND")
	})

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.OpenAPI != nil {
			r.Use(middleware.OpenAPIValidator(cfg.OpenAPI))
		}

		r.Group(func(r chi.Router) {
			if cfg.LoginRPS > 0 {
				r.Use(middleware.NewRateLimiter(ctx, cfg.LoginRPS, cfg.LoginBurst).Middleware())
			}
			r.Post("/sessions", sessions.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Portal))
			if cfg.APIRPS > 0 {
				r.Use(middleware.NewRateLimiter(ctx, cfg.APIRPS, cfg.APIBurst).Middleware())
			}

			r.Get("/sessions/current", sessions.Current)
			r.Delete("/sessions/current", sessions.Logout)
			r.Post("/sessions/current/refresh", sessions.Refresh)

			r.Post("/crawl", courses.Crawl)
			r.Post("/enroll", courses.Enroll)
			r.Post("/drop", courses.Drop)
			r.Post("/breakdown", courses.Breakdown)
			r.Get("/selected", courses.Selected)

			r.Post("/tasks", tasks.Start)
			r.Get("/tasks", tasks.List)
			r.Get("/tasks/{id}", tasks.Get)
			r.Patch("/tasks/{id}", tasks.Update)
			r.Delete("/tasks/{id}", tasks.Stop)
		})
	})

	r.With(middleware.Auth(cfg.Portal)).Get("/ws/tasks", wsHandler.HandleConnection)

	return r
}
