// Package mutate orchestrates event mutations against the remote store:
// validation, per-event serialization, conditional writes, cache
// invalidation, and audit logging.
package mutate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kalendr/kalendr/internal/cache"
	"github.com/kalendr/kalendr/internal/gateway"
	"github.com/kalendr/kalendr/internal/gateway/ics"
	"github.com/kalendr/kalendr/internal/ledger"
	"github.com/kalendr/kalendr/internal/metacodec"
	"github.com/kalendr/kalendr/internal/model"
)

// Coordinator owns the write path. Gateway failures abort and propagate;
// cache invalidation and audit appends after a successful write are
// best-effort and never surface to the caller.
type Coordinator struct {
	gw    gateway.RemoteGateway
	cache *cache.Store
	audit *ledger.Recorder
	locks *lockTable
	log   zerolog.Logger
}

func New(gw gateway.RemoteGateway, c *cache.Store, audit *ledger.Recorder, log zerolog.Logger) *Coordinator {
	return &Coordinator{gw: gw, cache: c, audit: audit, locks: newLockTable(), log: log}
}

// InFlight reports how many event ids currently hold a mutation lock.
func (c *Coordinator) InFlight() int { return c.locks.size() }

// CreateParams describes a new all-day event. Start and End are inclusive
// dates in 2006-01-02 form; the exclusive remote end is computed here.
type CreateParams struct {
	CollectionID string            `json:"collectionId"`
	Summary      string            `json:"summary"`
	Description  string            `json:"description,omitempty"`
	Location     string            `json:"location,omitempty"`
	Start        string            `json:"start"`
	End          string            `json:"end"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// UpdatePatch carries the fields of an update; nil pointers leave the
// current value in place. Metadata precedence: an embedded block inside
// Description wins only when Metadata is not given explicitly.
type UpdatePatch struct {
	Summary     *string           `json:"summary,omitempty"`
	Description *string           `json:"description,omitempty"`
	Location    *string           `json:"location,omitempty"`
	Start       *string           `json:"start,omitempty"`
	End         *string           `json:"end,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CreateAllDayEvent validates, writes the event to the remote store, then
// invalidates the cache and records a CREATE audit entry.
func (c *Coordinator) CreateAllDayEvent(ctx context.Context, p CreateParams, actor model.Actor) (*model.EventTemplate, error) {
	if p.CollectionID == "" {
		return nil, model.Validationf("collectionId is required")
	}
	if p.Summary == "" {
		return nil, model.Validationf("summary is required")
	}
	start, err := parseDate("start", p.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseDate("end", p.End)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, model.Validationf("end date %s precedes start date %s", p.End, p.Start)
	}

	t := &model.EventTemplate{
		UID:          uuid.New().String(),
		Summary:      p.Summary,
		Description:  p.Description,
		Metadata:     p.Metadata,
		Location:     p.Location,
		AllDay:       true,
		Start:        start,
		End:          end.AddDate(0, 0, 1), // remote end is exclusive
		CollectionID: p.CollectionID,
	}
	return c.createTemplate(ctx, t, actor)
}

// CreateFromSnapshot recreates an event from an audit snapshot, keeping its
// original UID. Used by undo after a delete.
func (c *Coordinator) CreateFromSnapshot(ctx context.Context, uid string, snap *model.EventSnapshot, actor model.Actor) (*model.EventTemplate, error) {
	if snap.CollectionID == "" || snap.Start == "" || snap.End == "" {
		return nil, fmt.Errorf("%w: snapshot for %s lacks collection or dates", model.ErrIncompleteAuditData, uid)
	}
	start, end, err := parseSnapshotDates(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIncompleteAuditData, err)
	}
	t := &model.EventTemplate{
		UID:          uid,
		Summary:      snap.Summary,
		Description:  snap.Description,
		Metadata:     snap.Metadata,
		Location:     snap.Location,
		AllDay:       snap.AllDay,
		Start:        start,
		End:          end,
		RRule:        snap.RRule,
		CollectionID: snap.CollectionID,
	}
	return c.createTemplate(ctx, t, actor)
}

func (c *Coordinator) createTemplate(ctx context.Context, t *model.EventTemplate, actor model.Actor) (*model.EventTemplate, error) {
	release := c.locks.acquire(t.UID)
	defer release()

	data, err := ics.Serialize(wireCopy(t))
	if err != nil {
		return nil, model.Validationf("cannot serialize event: %v", err)
	}

	ref, err := c.gw.CreateObject(ctx, t.CollectionID, t.UID+".ics", data)
	if err != nil {
		c.audit.Append(ctx, &model.AuditRecord{
			EventUID:         t.UID,
			Operation:        model.OpCreate,
			Actor:            actor,
			Timestamp:        time.Now().UTC(),
			SourceCollection: t.CollectionID,
			After:            model.Snapshot(t),
			Status:           model.StatusFailed,
			ErrorMessage:     err.Error(),
		})
		return nil, err
	}
	t.Path = ref.Path
	t.Etag = ref.Etag

	c.cache.Invalidate(t.CollectionID)
	c.audit.Append(ctx, &model.AuditRecord{
		EventUID:         t.UID,
		Operation:        model.OpCreate,
		Actor:            actor,
		Timestamp:        time.Now().UTC(),
		SourceCollection: t.CollectionID,
		After:            model.Snapshot(t),
		Status:           model.StatusSuccess,
	})
	return t, nil
}

// UpdateEvent loads the current state from the cache, merges the patch, and
// submits a conditional update. A stale version tag surfaces as a conflict.
func (c *Coordinator) UpdateEvent(ctx context.Context, uid string, patch UpdatePatch, actor model.Actor) (*model.EventTemplate, error) {
	release := c.locks.acquire(uid)
	defer release()

	cur, err := c.cache.FindEvent(ctx, uid)
	if err != nil {
		return nil, err
	}
	before := model.Snapshot(cur)

	next := *cur
	if patch.Summary != nil {
		next.Summary = *patch.Summary
	}
	if patch.Location != nil {
		next.Location = *patch.Location
	}
	applyDescriptionPatch(&next, patch)
	if err := applyDatePatch(&next, patch); err != nil {
		return nil, err
	}

	data, err := ics.Serialize(wireCopy(&next))
	if err != nil {
		return nil, model.Validationf("cannot serialize event: %v", err)
	}

	ref, err := c.gw.UpdateObject(ctx, gateway.ObjectRef{
		CollectionID: cur.CollectionID,
		Path:         cur.Path,
		Etag:         cur.Etag,
	}, data)
	if err != nil {
		c.audit.Append(ctx, &model.AuditRecord{
			EventUID:         uid,
			Operation:        model.OpUpdate,
			Actor:            actor,
			Timestamp:        time.Now().UTC(),
			SourceCollection: cur.CollectionID,
			Before:           before,
			After:            model.Snapshot(&next),
			Status:           model.StatusFailed,
			ErrorMessage:     err.Error(),
		})
		return nil, err
	}
	next.Path = ref.Path
	next.Etag = ref.Etag

	c.cache.Invalidate(cur.CollectionID)
	c.audit.Append(ctx, &model.AuditRecord{
		EventUID:         uid,
		Operation:        model.OpUpdate,
		Actor:            actor,
		Timestamp:        time.Now().UTC(),
		SourceCollection: cur.CollectionID,
		Before:           before,
		After:            model.Snapshot(&next),
		Status:           model.StatusSuccess,
	})
	return &next, nil
}

// RestoreEvent rewrites an event's fields from an audit snapshot within its
// current collection. The snapshot keeps remote semantics (exclusive all-day
// end), so values apply verbatim rather than through an UpdatePatch.
func (c *Coordinator) RestoreEvent(ctx context.Context, uid string, snap *model.EventSnapshot, actor model.Actor) (*model.EventTemplate, error) {
	start, end, err := parseSnapshotDates(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIncompleteAuditData, err)
	}

	release := c.locks.acquire(uid)
	defer release()

	cur, err := c.cache.FindEvent(ctx, uid)
	if err != nil {
		return nil, err
	}
	before := model.Snapshot(cur)

	next := *cur
	next.Summary = snap.Summary
	next.Description = snap.Description
	next.Metadata = snap.Metadata
	next.Location = snap.Location
	next.AllDay = snap.AllDay
	next.Start = start
	next.End = end
	next.RRule = snap.RRule

	data, err := ics.Serialize(wireCopy(&next))
	if err != nil {
		return nil, model.Validationf("cannot serialize event: %v", err)
	}

	ref, err := c.gw.UpdateObject(ctx, gateway.ObjectRef{
		CollectionID: cur.CollectionID,
		Path:         cur.Path,
		Etag:         cur.Etag,
	}, data)
	if err != nil {
		c.audit.Append(ctx, &model.AuditRecord{
			EventUID:         uid,
			Operation:        model.OpUpdate,
			Actor:            actor,
			Timestamp:        time.Now().UTC(),
			SourceCollection: cur.CollectionID,
			Before:           before,
			After:            model.Snapshot(&next),
			Status:           model.StatusFailed,
			ErrorMessage:     err.Error(),
		})
		return nil, err
	}
	next.Path = ref.Path
	next.Etag = ref.Etag

	c.cache.Invalidate(cur.CollectionID)
	c.audit.Append(ctx, &model.AuditRecord{
		EventUID:         uid,
		Operation:        model.OpUpdate,
		Actor:            actor,
		Timestamp:        time.Now().UTC(),
		SourceCollection: cur.CollectionID,
		Before:           before,
		After:            model.Snapshot(&next),
		Status:           model.StatusSuccess,
	})
	return &next, nil
}

// DeleteEvent removes the event with a conditional delete. The full prior
// state is captured so a later undo can recreate the event verbatim.
func (c *Coordinator) DeleteEvent(ctx context.Context, uid string, actor model.Actor) error {
	release := c.locks.acquire(uid)
	defer release()

	cur, err := c.cache.FindEvent(ctx, uid)
	if err != nil {
		return err
	}
	before := model.Snapshot(cur)

	err = c.gw.DeleteObject(ctx, gateway.ObjectRef{
		CollectionID: cur.CollectionID,
		Path:         cur.Path,
		Etag:         cur.Etag,
	})
	if err != nil {
		c.audit.Append(ctx, &model.AuditRecord{
			EventUID:         uid,
			Operation:        model.OpDelete,
			Actor:            actor,
			Timestamp:        time.Now().UTC(),
			SourceCollection: cur.CollectionID,
			Before:           before,
			Status:           model.StatusFailed,
			ErrorMessage:     err.Error(),
		})
		return err
	}

	c.cache.Invalidate(cur.CollectionID)
	c.audit.Append(ctx, &model.AuditRecord{
		EventUID:         uid,
		Operation:        model.OpDelete,
		Actor:            actor,
		Timestamp:        time.Now().UTC(),
		SourceCollection: cur.CollectionID,
		Before:           before,
		Status:           model.StatusSuccess,
	})
	return nil
}

// MoveEvent relocates an event to another collection. The remote store has
// no cross-collection transaction, so this is create-then-delete with
// compensation: if the source delete fails the target copy is removed; if
// that also fails the duplication is reported as a partial failure that
// needs manual remediation.
func (c *Coordinator) MoveEvent(ctx context.Context, uid, targetCollectionID string, actor model.Actor) (*model.EventTemplate, error) {
	if targetCollectionID == "" {
		return nil, model.Validationf("targetCollectionId is required")
	}

	release := c.locks.acquire(uid)
	defer release()

	cur, err := c.cache.FindEvent(ctx, uid)
	if err != nil {
		return nil, err
	}
	if cur.CollectionID == targetCollectionID {
		return cur, nil
	}
	before := model.Snapshot(cur)

	failed := func(msg string) {
		c.audit.Append(ctx, &model.AuditRecord{
			EventUID:         uid,
			Operation:        model.OpMove,
			Actor:            actor,
			Timestamp:        time.Now().UTC(),
			SourceCollection: cur.CollectionID,
			TargetCollection: targetCollectionID,
			Before:           before,
			Status:           model.StatusFailed,
			ErrorMessage:     msg,
		})
	}

	next := *cur
	next.CollectionID = targetCollectionID
	data, err := ics.Serialize(wireCopy(&next))
	if err != nil {
		return nil, model.Validationf("cannot serialize event: %v", err)
	}

	// Step 1 of 2: copy into the target collection. The conditional create
	// rejects if the target already has an object under this name.
	targetRef, err := c.gw.CreateObject(ctx, targetCollectionID, uid+".ics", data)
	if err != nil {
		failed(err.Error())
		return nil, err
	}

	// Step 2 of 2: delete the original from the source collection.
	err = c.gw.DeleteObject(ctx, gateway.ObjectRef{
		CollectionID: cur.CollectionID,
		Path:         cur.Path,
		Etag:         cur.Etag,
	})
	if err != nil {
		// Compensate by removing the copy we just created.
		compErr := c.gw.DeleteObject(ctx, targetRef)
		if compErr != nil {
			pf := &model.PartialFailureError{
				EventUID:         uid,
				SourceCollection: cur.CollectionID,
				TargetCollection: targetCollectionID,
				Err:              fmt.Errorf("source delete: %v; compensation delete: %v", err, compErr),
			}
			c.audit.Append(ctx, &model.AuditRecord{
				EventUID:         uid,
				Operation:        model.OpMove,
				Actor:            actor,
				Timestamp:        time.Now().UTC(),
				SourceCollection: cur.CollectionID,
				TargetCollection: targetCollectionID,
				Before:           before,
				After:            model.Snapshot(&next),
				Status:           model.StatusPartial,
				ErrorMessage:     pf.Error(),
			})
			c.log.Error().Err(pf).Str("uid", uid).Msg("move left event duplicated across collections")
			return nil, pf
		}
		failed(fmt.Sprintf("source delete failed, target copy rolled back: %v", err))
		return nil, err
	}

	next.Path = targetRef.Path
	next.Etag = targetRef.Etag

	c.cache.Invalidate(cur.CollectionID)
	c.cache.Invalidate(targetCollectionID)
	c.audit.Append(ctx, &model.AuditRecord{
		EventUID:         uid,
		Operation:        model.OpMove,
		Actor:            actor,
		Timestamp:        time.Now().UTC(),
		SourceCollection: cur.CollectionID,
		TargetCollection: targetCollectionID,
		Before:           before,
		After:            model.Snapshot(&next),
		Status:           model.StatusSuccess,
	})
	return &next, nil
}

// GetEvent resolves an event by UID from the cache.
func (c *Coordinator) GetEvent(ctx context.Context, uid string) (*model.EventTemplate, error) {
	return c.cache.FindEvent(ctx, uid)
}

// --- helpers ---

// wireCopy re-embeds the metadata block into the description for the trip
// back to the remote store.
func wireCopy(t *model.EventTemplate) *model.EventTemplate {
	w := *t
	w.Description = metacodec.Encode(t.Description, t.Metadata)
	return &w
}

// applyDescriptionPatch implements the precedence rules: an embedded block
// in the patched description wins only when no explicit metadata was given;
// explicit metadata otherwise wins; absent both, existing metadata persists.
func applyDescriptionPatch(next *model.EventTemplate, patch UpdatePatch) {
	if patch.Description != nil {
		decoded := metacodec.Decode(*patch.Description)
		next.Description = decoded.Text
		switch {
		case patch.Metadata != nil:
			next.Metadata = patch.Metadata
		case decoded.Metadata != nil:
			next.Metadata = decoded.Metadata
		}
		return
	}
	if patch.Metadata != nil {
		next.Metadata = patch.Metadata
	}
}

func applyDatePatch(next *model.EventTemplate, patch UpdatePatch) error {
	if patch.Start == nil && patch.End == nil {
		return nil
	}
	if patch.Start != nil {
		start, err := parseEventTime(next.AllDay, "start", *patch.Start)
		if err != nil {
			return err
		}
		next.Start = start
	}
	if patch.End != nil {
		end, err := parseEventTime(next.AllDay, "end", *patch.End)
		if err != nil {
			return err
		}
		if next.AllDay {
			end = end.AddDate(0, 0, 1) // inclusive input, exclusive remote end
		}
		next.End = end
	}
	if next.End.Before(next.Start) {
		return model.Validationf("end precedes start after patch")
	}
	return nil
}

func parseDate(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, model.Validationf("%s date is required", field)
	}
	t, err := time.ParseInLocation(model.DateOnly, v, time.UTC)
	if err != nil {
		return time.Time{}, model.Validationf("%s date %q is not in %s form", field, v, model.DateOnly)
	}
	return t, nil
}

func parseEventTime(allDay bool, field, v string) (time.Time, error) {
	if allDay {
		return parseDate(field, v)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, model.Validationf("%s time %q is not RFC 3339", field, v)
	}
	return t.UTC(), nil
}

func parseSnapshotDates(snap *model.EventSnapshot) (time.Time, time.Time, error) {
	layout := time.RFC3339
	if snap.AllDay {
		layout = model.DateOnly
	}
	start, err := time.ParseInLocation(layout, snap.Start, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("snapshot start %q: %v", snap.Start, err)
	}
	end, err := time.ParseInLocation(layout, snap.End, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("snapshot end %q: %v", snap.End, err)
	}
	return start, end, nil
}
