package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/circuitbreaker"
	"github.com/lalithlochan/officina/internal/metrics"
	"github.com/lalithlochan/officina/internal/notify"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// RouterConfig collects what the router needs. Optional fields may be nil.
type RouterConfig struct {
	Handler     *Handler
	Logger      *zap.Logger
	RateLimiter Limiter
	Idempotency IdempotencyStore
	Database    Pinger
	Breakers    []*circuitbreaker.CircuitBreaker
	Timeout     time.Duration
}

// NewRouter builds the HTTP surface of the gateway.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Client-Info", "Apikey"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	h := cfg.Handler
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Timeout))
		if cfg.RateLimiter != nil {
			r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.Logger, IPKeyFunc))
		}

		r.Post("/email-queue/process", h.ProcessEmailQueue)
		r.Post("/automations/enroll", h.EnrollLeads)

		r.Route("/notify", func(r chi.Router) {
			if cfg.Idempotency != nil {
				r.Use(Idempotency(cfg.Idempotency, cfg.Logger))
			}
			for _, event := range notify.Types() {
				r.Post("/"+event, h.Notify(event))
			}
		})
	})

	r.Get("/health", healthHandler(cfg.Database, cfg.Breakers, h))
	r.Handle("/metrics", metrics.Handler())

	return r
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Database string                 `json:"database,omitempty"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

func healthHandler(database Pinger, breakers []*circuitbreaker.CircuitBreaker, h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		status := http.StatusOK

		if database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := database.Health(ctx); err != nil {
				resp.Status = "degraded"
				resp.Database = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				resp.Database = "ok"
			}
		}
		for _, b := range breakers {
			resp.Breakers = append(resp.Breakers, b.Stats())
		}

		h.writeJSON(w, status, resp)
	}
}
