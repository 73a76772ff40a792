package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/health", handlers.handleHealth)
	r.Get("/stats", handlers.handleStats)

	// Live queries
	r.Route("/observers", func(r chi.Router) {
		r.Get("/", handlers.handleObservers)
		r.Get("/{id}", handlers.handleObserver)
		r.Get("/{id}/documents", handlers.handleObserverDocuments)
	})

	// Change log
	r.Route("/oplog", func(r chi.Router) {
		r.Get("/", handlers.handleOplogStatus)
		r.Get("/entries", handlers.handleOplogEntries)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
