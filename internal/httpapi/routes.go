package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/DoyleJ11/tile-table/internal/hub"
	"github.com/DoyleJ11/tile-table/internal/ws"
)

type Options struct {
	WS        ws.Options
	CORSAllow []string
	Metrics   http.Handler // nil disables /metrics
}

func SetupRoutes(h *hub.Hub, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, opts.WS))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// Browser lookups before connecting.
	r.Group(func(r chi.Router) {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: opts.CORSAllow,
			AllowedMethods: []string{http.MethodGet},
		}).Handler)
		r.Get("/games/{gameID}", GetGame(h))
	})
	return r
}
