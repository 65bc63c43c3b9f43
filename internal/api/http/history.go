package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kalendr/kalendr/internal/api/respond"
	"github.com/kalendr/kalendr/internal/ledger"
	"github.com/kalendr/kalendr/internal/model"
)

// HistoryHandler serves read-only audit ledger queries.
type HistoryHandler struct {
	store ledger.Store
}

func NewHistoryHandler(store ledger.Store) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// EventHistory handles GET /api/events/{eventId}/history?limit=.
func (h *HistoryHandler) EventHistory(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["eventId"]

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respond.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := h.store.EventHistory(r.Context(), uid, limit)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []model.AuditRecord{}
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"records": recs,
		"count":   len(recs),
	})
}

// Recent handles GET /api/history?op=&actor=&collection=&from=&to=&limit=.
func (h *HistoryHandler) Recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.HistoryFilter{
		Operation:  model.Operation(q.Get("op")),
		ActorEmail: q.Get("actor"),
		Collection: q.Get("collection"),
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respond.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respond.WriteBadRequest(w, "from must be an RFC 3339 timestamp")
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respond.WriteBadRequest(w, "to must be an RFC 3339 timestamp")
			return
		}
		f.To = t
	}

	recs, err := h.store.RecentHistory(r.Context(), f)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []model.AuditRecord{}
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"records": recs,
		"count":   len(recs),
	})
}

// Stats handles GET /api/history/stats.
func (h *HistoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, stats)
}
