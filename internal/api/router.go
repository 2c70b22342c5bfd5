package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kylephillipsau/nosdesk-collab/internal/hub"
	"github.com/kylephillipsau/nosdesk-collab/internal/middleware"
)

// SetupRoutes wires the REST surface and the document WebSocket endpoint.
func SetupRoutes(h *Handler, ws *hub.Handler) *mux.Router {
	r := mux.NewRouter()

	// Tracing first so recovery and handlers run inside the request span.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/documents/{id}/revisions", h.ListRevisions).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/revisions", h.CreateRevision).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/revisions/{rev}", h.GetRevision).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/stats", h.DocumentStats).Methods(http.MethodGet)

	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	r.HandleFunc("/ws/document/{id}", ws.HandleDocument)

	return r
}
