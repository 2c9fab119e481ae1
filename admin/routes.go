package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(AuthMiddleware)

	r.Route("/cluster", func(r chi.Router) {
		r.Get("/nodes", handlers.withTerm(handlers.handleListNodes))
		r.Post("/nodes/{nodeID}/drain", handlers.withTerm(handlers.handleDrainNode))
	})

	r.Route("/catalog", func(r chi.Router) {
		r.Get("/", handlers.withTerm(handlers.handleListCatalog))
		r.Post("/databases", handlers.withTerm(handlers.handleCreateDatabase))
		r.Post("/schemas", handlers.withTerm(handlers.handleCreateSchema))
		r.Post("/streaming", handlers.withTerm(handlers.handleCreateStreamingJob))
		r.Delete("/{objectID}", handlers.withTerm(handlers.handleDropObject))
	})

	r.Get("/barrier", handlers.withTerm(handlers.handleBarrierStatus))

	r.Route("/hummock", func(r chi.Router) {
		r.Get("/version", handlers.withTerm(handlers.handleHummockVersion))
		r.Get("/tasks", handlers.withTerm(handlers.handleCompactionTasks))
		r.Post("/compact", handlers.withTerm(handlers.handleTriggerCompaction))
	})

	r.Post("/fragments/{fragmentID}/scale", handlers.withTerm(handlers.handleScaleFragment))

	r.Route("/users", func(r chi.Router) {
		r.Get("/", handlers.withTerm(handlers.handleListUsers))
		r.Post("/", handlers.withTerm(handlers.handleCreateUser))
		r.Delete("/{name}", handlers.withTerm(handlers.handleDropUser))
		r.Post("/{name}/grant", handlers.withTerm(handlers.handleGrant))
		r.Post("/{name}/revoke", handlers.withTerm(handlers.handleRevoke))
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
