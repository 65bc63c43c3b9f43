// Package http is the thin transport layer over the cache read paths, the
// mutation coordinator, and the undo orchestrator.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kalendr/kalendr/internal/api/respond"
	"github.com/kalendr/kalendr/internal/cache"
	"github.com/kalendr/kalendr/internal/model"
	"github.com/kalendr/kalendr/internal/mutate"
	"github.com/kalendr/kalendr/internal/undo"
)

// Mutator is the write surface consumed by the event handler.
type Mutator interface {
	CreateAllDayEvent(ctx context.Context, p mutate.CreateParams, actor model.Actor) (*model.EventTemplate, error)
	UpdateEvent(ctx context.Context, uid string, patch mutate.UpdatePatch, actor model.Actor) (*model.EventTemplate, error)
	DeleteEvent(ctx context.Context, uid string, actor model.Actor) error
	MoveEvent(ctx context.Context, uid, targetCollectionID string, actor model.Actor) (*model.EventTemplate, error)
	GetEvent(ctx context.Context, uid string) (*model.EventTemplate, error)
}

// Reader is the cache read surface consumed by the event handler.
type Reader interface {
	QueryEvents(ctx context.Context, collectionIDs []string, start, end time.Time) (*cache.QueryResult, error)
	Collections(ctx context.Context) ([]model.Collection, error)
}

// Undoer reverses the most recent recorded operation on an event.
type Undoer interface {
	Undo(ctx context.Context, uid string, actor model.Actor) (*undo.Result, error)
}

// EventHandler handles event read and mutation requests.
type EventHandler struct {
	reader Reader
	mut    Mutator
	undoer Undoer
}

func NewEventHandler(reader Reader, mut Mutator, undoer Undoer) *EventHandler {
	return &EventHandler{reader: reader, mut: mut, undoer: undoer}
}

// Collections handles GET /api/collections.
func (h *EventHandler) Collections(w http.ResponseWriter, r *http.Request) {
	cols, err := h.reader.Collections(r.Context())
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	if cols == nil {
		cols = []model.Collection{}
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"collections": cols,
		"count":       len(cols),
	})
}

// Query handles GET /api/events?collections=a,b&start=&end=.
func (h *EventHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTimeParam(q.Get("start"))
	if err != nil {
		respond.WriteBadRequest(w, "start: "+err.Error())
		return
	}
	end, err := parseTimeParam(q.Get("end"))
	if err != nil {
		respond.WriteBadRequest(w, "end: "+err.Error())
		return
	}

	var collectionIDs []string
	if raw := q.Get("collections"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				collectionIDs = append(collectionIDs, id)
			}
		}
	}

	res, err := h.reader.QueryEvents(r.Context(), collectionIDs, start, end)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	if res.Events == nil {
		res.Events = []model.Occurrence{}
	}
	respond.WriteJSON(w, http.StatusOK, res)
}

// Create handles POST /api/events.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		mutate.CreateParams
		Actor model.Actor `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "invalid JSON")
		return
	}

	ev, err := h.mut.CreateAllDayEvent(r.Context(), req.CreateParams, req.Actor)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, ev)
}

// Get handles GET /api/events/{eventId}.
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["eventId"]

	ev, err := h.mut.GetEvent(r.Context(), uid)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, ev)
}

// Update handles PATCH /api/events/{eventId}.
func (h *EventHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["eventId"]

	var req struct {
		mutate.UpdatePatch
		Actor model.Actor `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "invalid JSON")
		return
	}

	ev, err := h.mut.UpdateEvent(r.Context(), uid, req.UpdatePatch, req.Actor)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, ev)
}

// Delete handles DELETE /api/events/{eventId}. The actor travels in an
// optional JSON body since DELETE payloads are not guaranteed to survive
// intermediaries.
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["eventId"]

	var req struct {
		Actor model.Actor `json:"actor"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.mut.DeleteEvent(r.Context(), uid, req.Actor); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Move handles POST /api/events/{eventId}/move.
func (h *EventHandler) Move(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["eventId"]

	var req struct {
		TargetCollectionID string      `json:"targetCollectionId"`
		Actor              model.Actor `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "invalid JSON")
		return
	}

	ev, err := h.mut.MoveEvent(r.Context(), uid, req.TargetCollectionID, req.Actor)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, ev)
}

// Undo handles POST /api/events/{eventId}/undo.
func (h *EventHandler) Undo(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["eventId"]

	var req struct {
		Actor model.Actor `json:"actor"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := h.undoer.Undo(r.Context(), uid, req.Actor)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, res)
}

// parseTimeParam accepts a date (2006-01-02) or an RFC 3339 timestamp.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, model.Validationf("parameter is required")
	}
	if t, err := time.ParseInLocation(model.DateOnly, v, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, model.Validationf("%q is neither a date nor an RFC 3339 timestamp", v)
	}
	return t.UTC(), nil
}
