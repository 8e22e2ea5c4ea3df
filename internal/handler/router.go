package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/wagechannel/channel-server-go/internal/config"
	"github.com/wagechannel/channel-server-go/internal/middleware"
	"github.com/wagechannel/channel-server-go/internal/service"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type RouterDeps struct {
	Channels     *service.ChannelService
	Tracker      *service.Tracker
	Negotiator   *service.Negotiator
	Events       *EventsHandler
	Auth         func(http.Handler) http.Handler
	RateLimit    func(http.Handler) http.Handler
	Health       map[string]HealthCheck
	IsProduction bool
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.IsProduction).Handler)

	r.Get("/health", healthHandler(deps.Health))

	r.Route("/v1", func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit)
		}

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(middleware.NewBodyLimitMiddleware(middleware.DefaultMaxBodySize).Handler)

			NewChannelHandler(deps.Channels).Register(r)
			NewSessionHandler(deps.Tracker).Register(r)
			NewClosureHandler(deps.Negotiator).Register(r)
		})

		// The event stream outlives the request timeout.
		if deps.Events != nil {
			r.Method(http.MethodGet, "/events", deps.Events)
		}
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = "unavailable"
				continue
			}
			body[name] = "ok"
		}
		writeJSON(w, status, body)
	}
}
