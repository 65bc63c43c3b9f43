package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/kalendr/kalendr/internal/api/recovery"
)

// NewRouter mounts the API surface under /api with panic recovery.
func NewRouter(events *EventHandler, history *HistoryHandler, health *HealthHandler, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery.Middleware(log))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", health.Check).Methods(http.MethodGet)
	api.HandleFunc("/collections", events.Collections).Methods(http.MethodGet)

	api.HandleFunc("/events", events.Query).Methods(http.MethodGet)
	api.HandleFunc("/events", events.Create).Methods(http.MethodPost)
	api.HandleFunc("/events/{eventId}", events.Get).Methods(http.MethodGet)
	api.HandleFunc("/events/{eventId}", events.Update).Methods(http.MethodPatch)
	api.HandleFunc("/events/{eventId}", events.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/events/{eventId}/move", events.Move).Methods(http.MethodPost)
	api.HandleFunc("/events/{eventId}/undo", events.Undo).Methods(http.MethodPost)
	api.HandleFunc("/events/{eventId}/history", history.EventHistory).Methods(http.MethodGet)

	api.HandleFunc("/history", history.Recent).Methods(http.MethodGet)
	api.HandleFunc("/history/stats", history.Stats).Methods(http.MethodGet)

	return r
}
