package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/face-finder/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	storeHandler := handlers.NewStoreHandler(s.store)
	matchHandler := handlers.NewMatchHandler(s.store, s.embedder, handlers.MatchOptions{
		Threshold: s.config.Match.Threshold,
		Index:     s.index,
		SearchK:   s.config.Web.SearchK,
		Logger:    s.logger,
	})

	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/store", storeHandler.Get)
		r.Post("/match", matchHandler.Match)

		if s.photos != nil {
			r.Get("/photos/*", s.photos.Get)
		}
	})
}
