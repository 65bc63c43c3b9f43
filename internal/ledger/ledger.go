// Package ledger defines the append-only audit history of mutations.
// Drivers live under ledger/sqlite and ledger/postgres.
package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalendr/kalendr/internal/model"
)

// SentinelID is returned by Recorder.Append when the underlying write
// failed. Audit writes are observational; a failed append never propagates.
const SentinelID int64 = -1

// HistoryFilter narrows RecentHistory queries. Zero values mean "no filter".
type HistoryFilter struct {
	Operation  model.Operation
	ActorEmail string
	Collection string
	From       time.Time
	To         time.Time
	Limit      int
}

// ActorCount is one row of the top-actors statistic.
type ActorCount struct {
	Email string `json:"email"`
	Count int64  `json:"count"`
}

// Stats summarizes ledger contents.
type Stats struct {
	TotalOperations int64                     `json:"totalOperations"`
	ByOperation     map[model.Operation]int64 `json:"byOperation"`
	TopActors       []ActorCount              `json:"topActors"`
	Last24h         int64                     `json:"last24h"`
}

// PreviousState is the most recent successfully captured prior state of an
// event, used by undo.
type PreviousState struct {
	State     *model.EventSnapshot `json:"state"`
	Operation model.Operation      `json:"operation"`
	Timestamp time.Time            `json:"timestamp"`
}

// Store exposes the durable ledger operations required by services.
type Store interface {
	// Append writes one record and returns its id.
	Append(ctx context.Context, rec *model.AuditRecord) (int64, error)

	// EventHistory returns records for one event, newest first, at most
	// limit rows (unlimited when limit <= 0).
	EventHistory(ctx context.Context, eventUID string, limit int) ([]model.AuditRecord, error)

	// RecentHistory returns records matching the filter, newest first.
	RecentHistory(ctx context.Context, f HistoryFilter) ([]model.AuditRecord, error)

	// PreviousState returns the most recent SUCCESS record for the event
	// that can anchor an undo: any record with a before-state, or a CREATE
	// (whose State is then nil). Returns nil when there is none.
	PreviousState(ctx context.Context, eventUID string) (*PreviousState, error)

	// Statistics aggregates ledger contents.
	Statistics(ctx context.Context) (*Stats, error)

	Close() error
}

// Recorder wraps a Store with the never-fail append contract: a write
// failure is logged and reported as SentinelID so the mutation it audits is
// unaffected.
type Recorder struct {
	store Store
	log   zerolog.Logger
}

func NewRecorder(store Store, log zerolog.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// Append writes the record, best-effort.
func (r *Recorder) Append(ctx context.Context, rec *model.AuditRecord) int64 {
	id, err := r.store.Append(ctx, rec)
	if err != nil {
		r.log.Error().Err(err).
			Str("event_uid", rec.EventUID).
			Str("operation", string(rec.Operation)).
			Msg("audit append failed, mutation unaffected")
		return SentinelID
	}
	return id
}

// Store exposes the underlying driver for query paths.
func (r *Recorder) Store() Store { return r.store }
