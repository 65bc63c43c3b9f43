// Package undo replays the inverse of the most recent recorded operation on
// an event, using the audit ledger as the source of prior state.
package undo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kalendr/kalendr/internal/ledger"
	"github.com/kalendr/kalendr/internal/model"
)

// Mutator is the slice of the mutation coordinator undo drives.
type Mutator interface {
	GetEvent(ctx context.Context, uid string) (*model.EventTemplate, error)
	CreateFromSnapshot(ctx context.Context, uid string, snap *model.EventSnapshot, actor model.Actor) (*model.EventTemplate, error)
	RestoreEvent(ctx context.Context, uid string, snap *model.EventSnapshot, actor model.Actor) (*model.EventTemplate, error)
	MoveEvent(ctx context.Context, uid, targetCollectionID string, actor model.Actor) (*model.EventTemplate, error)
	DeleteEvent(ctx context.Context, uid string, actor model.Actor) error
}

// Cache is the refresh surface warmed after a successful undo.
type Cache interface {
	Collections(ctx context.Context) ([]model.Collection, error)
	RefreshCollection(ctx context.Context, col model.Collection) error
}

// Result reports which operation was undone and what was applied to undo it.
// Event is nil when the inverse was a delete.
type Result struct {
	EventUID         string               `json:"eventUid"`
	UndoneOperation  model.Operation      `json:"undoneOperation"`
	AppliedOperation model.Operation      `json:"appliedOperation"`
	Event            *model.EventTemplate `json:"event,omitempty"`
}

type Orchestrator struct {
	mut   Mutator
	store ledger.Store
	cache Cache
	log   zerolog.Logger
}

func New(mut Mutator, store ledger.Store, cache Cache, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{mut: mut, store: store, cache: cache, log: log}
}

// Undo reverses the most recent successful operation recorded for the event.
// The inverse runs through the coordinator, so it is locked, audited, and
// cache-invalidating like any direct mutation. Affected collections are
// rewarmed asynchronously afterwards.
func (o *Orchestrator) Undo(ctx context.Context, uid string, actor model.Actor) (*Result, error) {
	prev, err := o.store.PreviousState(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("read previous state: %w", err)
	}
	if prev == nil {
		return nil, fmt.Errorf("event %s: %w", uid, model.ErrNothingToUndo)
	}

	res := &Result{EventUID: uid, UndoneOperation: prev.Operation}
	var affected []string

	switch prev.Operation {
	case model.OpCreate:
		// The creation is reversed by deleting the event.
		cur, err := o.mut.GetEvent(ctx, uid)
		if err != nil {
			return nil, err
		}
		if err := o.mut.DeleteEvent(ctx, uid, actor); err != nil {
			return nil, err
		}
		res.AppliedOperation = model.OpDelete
		affected = append(affected, cur.CollectionID)

	case model.OpDelete:
		if prev.State == nil {
			return nil, fmt.Errorf("%w: delete record for %s has no before-state", model.ErrIncompleteAuditData, uid)
		}
		ev, err := o.mut.CreateFromSnapshot(ctx, uid, prev.State, actor)
		if err != nil {
			return nil, err
		}
		res.AppliedOperation = model.OpCreate
		res.Event = ev
		affected = append(affected, ev.CollectionID)

	case model.OpUpdate, model.OpMove:
		if prev.State == nil {
			return nil, fmt.Errorf("%w: %s record for %s has no before-state", model.ErrIncompleteAuditData, prev.Operation, uid)
		}
		cur, err := o.mut.GetEvent(ctx, uid)
		if err != nil {
			return nil, err
		}
		if cur.CollectionID != prev.State.CollectionID {
			// Return the event to its prior collection before restoring
			// field values.
			if _, err := o.mut.MoveEvent(ctx, uid, prev.State.CollectionID, actor); err != nil {
				return nil, err
			}
			affected = append(affected, cur.CollectionID)
		}
		ev, err := o.mut.RestoreEvent(ctx, uid, prev.State, actor)
		if err != nil {
			return nil, err
		}
		res.AppliedOperation = model.OpUpdate
		res.Event = ev
		affected = append(affected, ev.CollectionID)

	default:
		return nil, fmt.Errorf("event %s: unknown recorded operation %q", uid, prev.Operation)
	}

	o.refreshAsync(affected)
	return res, nil
}

// refreshAsync rewarms the named collections in the background. Failures are
// logged and never affect the undo outcome.
func (o *Orchestrator) refreshAsync(collectionIDs []string) {
	if len(collectionIDs) == 0 {
		return
	}
	go func() {
		ctx := context.Background()
		cols, err := o.cache.Collections(ctx)
		if err != nil {
			o.log.Warn().Err(err).Msg("post-undo refresh: cannot list collections")
			return
		}
		want := make(map[string]bool, len(collectionIDs))
		for _, id := range collectionIDs {
			want[id] = true
		}
		for _, col := range cols {
			if !want[col.ID] {
				continue
			}
			if err := o.cache.RefreshCollection(ctx, col); err != nil {
				o.log.Warn().Err(err).Str("collection", col.ID).Msg("post-undo refresh failed")
			}
		}
	}()
}
