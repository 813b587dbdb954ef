package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the HTTP router with all API routes
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Request/response endpoints get a hard timeout
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/health", handler.GetHealth)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", handler.CreateSession)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", handler.GetSession)
					r.Post("/status", handler.UpdateSessionStatus)
					r.Post("/fragments", handler.IngestFragment)
					r.Post("/presence", handler.ApplyPresence)
					r.Post("/bookmarks", handler.CreateBookmark)
					r.Get("/snapshot", handler.GetSnapshot)
					r.Get("/transcript", handler.GetTranscript)
				})
			})
		})
	})

	// Viewer streams are long-lived, no request timeout
	r.Get("/ws/sessions/{id}", handler.HandleSessionStream)

	return r
}
