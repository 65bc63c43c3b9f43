package mutate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalendr/kalendr/internal/cache"
	"github.com/kalendr/kalendr/internal/expand"
	"github.com/kalendr/kalendr/internal/gateway"
	"github.com/kalendr/kalendr/internal/gateway/ics"
	"github.com/kalendr/kalendr/internal/ledger"
	"github.com/kalendr/kalendr/internal/metacodec"
	"github.com/kalendr/kalendr/internal/model"
)

const (
	workCal     = "/calendars/work/"
	personalCal = "/calendars/personal/"
)

// --- Fakes ---

// fakeGateway is an in-memory remote store with etag versioning and
// per-collection delete failure injection.
type fakeGateway struct {
	mu      sync.Mutex
	cols    []model.Collection
	objects map[string]map[string]gateway.RawObject // collectionID -> path -> object
	nextVer int

	failDelete map[string]error // collectionID -> injected error
	failUpdate error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		cols: []model.Collection{
			{ID: workCal, Name: "Work"},
			{ID: personalCal, Name: "Personal"},
		},
		objects: map[string]map[string]gateway.RawObject{
			workCal:     {},
			personalCal: {},
		},
		failDelete: map[string]error{},
	}
}

func (f *fakeGateway) ListCollections(ctx context.Context) ([]model.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Collection, len(f.cols))
	copy(out, f.cols)
	return out, nil
}

func (f *fakeGateway) FetchObjects(ctx context.Context, collectionID string, w gateway.Window) ([]gateway.RawObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.RawObject
	for _, o := range f.objects[collectionID] {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeGateway) CreateObject(ctx context.Context, collectionID, filename string, data []byte) (gateway.ObjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := collectionID + filename
	if _, taken := f.objects[collectionID][path]; taken {
		return gateway.ObjectRef{}, fmt.Errorf("%w: %s exists", model.ErrVersionConflict, path)
	}
	f.nextVer++
	obj := gateway.RawObject{Path: path, Etag: fmt.Sprintf("v%d", f.nextVer), Data: data}
	f.objects[collectionID][path] = obj
	return gateway.ObjectRef{CollectionID: collectionID, Path: path, Etag: obj.Etag}, nil
}

func (f *fakeGateway) UpdateObject(ctx context.Context, ref gateway.ObjectRef, data []byte) (gateway.ObjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return gateway.ObjectRef{}, f.failUpdate
	}
	cur, ok := f.objects[ref.CollectionID][ref.Path]
	if !ok {
		return gateway.ObjectRef{}, fmt.Errorf("%w: %s", model.ErrNotFound, ref.Path)
	}
	if cur.Etag != ref.Etag {
		return gateway.ObjectRef{}, fmt.Errorf("%w: stale etag %s", model.ErrVersionConflict, ref.Etag)
	}
	f.nextVer++
	obj := gateway.RawObject{Path: ref.Path, Etag: fmt.Sprintf("v%d", f.nextVer), Data: data}
	f.objects[ref.CollectionID][ref.Path] = obj
	return gateway.ObjectRef{CollectionID: ref.CollectionID, Path: ref.Path, Etag: obj.Etag}, nil
}

func (f *fakeGateway) DeleteObject(ctx context.Context, ref gateway.ObjectRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDelete[ref.CollectionID]; err != nil {
		return err
	}
	cur, ok := f.objects[ref.CollectionID][ref.Path]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, ref.Path)
	}
	if ref.Etag != "" && cur.Etag != ref.Etag {
		return fmt.Errorf("%w: stale etag %s", model.ErrVersionConflict, ref.Etag)
	}
	delete(f.objects[ref.CollectionID], ref.Path)
	return nil
}

func (f *fakeGateway) count(collectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects[collectionID])
}

func (f *fakeGateway) object(collectionID, path string) (gateway.RawObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[collectionID][path]
	return o, ok
}

// fakeLedger captures appended records in memory.
type fakeLedger struct {
	mu      sync.Mutex
	records []model.AuditRecord
	fail    error
}

func (f *fakeLedger) Append(ctx context.Context, rec *model.AuditRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	f.records = append(f.records, *rec)
	return int64(len(f.records)), nil
}

func (f *fakeLedger) EventHistory(ctx context.Context, eventUID string, limit int) ([]model.AuditRecord, error) {
	return nil, nil
}

func (f *fakeLedger) RecentHistory(ctx context.Context, flt ledger.HistoryFilter) ([]model.AuditRecord, error) {
	return nil, nil
}

func (f *fakeLedger) PreviousState(ctx context.Context, eventUID string) (*ledger.PreviousState, error) {
	return nil, nil
}

func (f *fakeLedger) Statistics(ctx context.Context) (*ledger.Stats, error) { return nil, nil }

func (f *fakeLedger) Close() error { return nil }

func (f *fakeLedger) last(t *testing.T) model.AuditRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.records)
	return f.records[len(f.records)-1]
}

// --- Fixture ---

type fixture struct {
	gw     *fakeGateway
	led    *fakeLedger
	cache  *cache.Store
	coord  *Coordinator
	actor  model.Actor
	anchor time.Time // an in-window date for test events
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := newFakeGateway()
	led := &fakeLedger{}
	c := cache.New(gw, expand.New(zerolog.Nop()), nil, 10*time.Minute, zerolog.Nop())
	return &fixture{
		gw:     gw,
		led:    led,
		cache:  c,
		coord:  New(gw, c, ledger.NewRecorder(led, zerolog.Nop()), zerolog.Nop()),
		actor:  model.Actor{Name: "Pat", Email: "pat@example.com"},
		anchor: time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 7),
	}
}

// seed puts an all-day event directly on the fake remote store.
func (fx *fixture) seed(t *testing.T, uid string, meta map[string]string) *model.EventTemplate {
	t.Helper()
	tmpl := &model.EventTemplate{
		UID:          uid,
		Summary:      "planning",
		Description:  metacodec.Encode("notes", meta),
		AllDay:       true,
		Start:        fx.anchor,
		End:          fx.anchor.AddDate(0, 0, 2),
		CollectionID: workCal,
	}
	data, err := ics.Serialize(tmpl)
	require.NoError(t, err)
	ref, err := fx.gw.CreateObject(context.Background(), workCal, uid+".ics", data)
	require.NoError(t, err)
	tmpl.Path = ref.Path
	tmpl.Etag = ref.Etag
	return tmpl
}

func strptr(s string) *string { return &s }

// --- Create ---

func TestCreateAllDayEventValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    CreateParams
	}{
		{"missing collection", CreateParams{Summary: "x", Start: "2025-10-20", End: "2025-10-20"}},
		{"missing summary", CreateParams{CollectionID: workCal, Start: "2025-10-20", End: "2025-10-20"}},
		{"bad start", CreateParams{CollectionID: workCal, Summary: "x", Start: "20/10/2025", End: "2025-10-21"}},
		{"end before start", CreateParams{CollectionID: workCal, Summary: "x", Start: "2025-10-21", End: "2025-10-20"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.coord.CreateAllDayEvent(ctx, tc.p, fx.actor)
			assert.True(t, model.IsValidation(err))
		})
	}
	assert.Equal(t, 0, fx.gw.count(workCal), "validation failures never reach the remote store")
	assert.Empty(t, fx.led.records)
}

func TestCreateAllDayEventWritesAndAudits(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	created, err := fx.coord.CreateAllDayEvent(ctx, CreateParams{
		CollectionID: workCal,
		Summary:      "offsite",
		Description:  "bring badges",
		Metadata:     map[string]string{"room": "4a"},
		Start:        "2025-10-20",
		End:          "2025-10-22", // inclusive
	}, fx.actor)
	require.NoError(t, err)
	require.NotEmpty(t, created.UID)
	assert.Equal(t, "2025-10-23", created.End.Format(model.DateOnly), "stored end is exclusive")
	assert.NotEmpty(t, created.Etag)

	// The wire form re-embeds the metadata block in the description.
	obj, ok := fx.gw.object(workCal, created.Path)
	require.True(t, ok)
	parsed, err := ics.Parse(workCal, obj)
	require.NoError(t, err)
	decoded := metacodec.Decode(parsed.Description)
	assert.Equal(t, "bring badges", decoded.Text)
	assert.Equal(t, map[string]string{"room": "4a"}, decoded.Metadata)

	rec := fx.led.last(t)
	assert.Equal(t, model.OpCreate, rec.Operation)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Nil(t, rec.Before)
	require.NotNil(t, rec.After)
	assert.Equal(t, "2025-10-20", rec.After.Start)
	assert.Equal(t, "pat@example.com", rec.Actor.Email)
}

func TestCreateFromSnapshotRejectsIncompleteData(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.coord.CreateFromSnapshot(context.Background(), "e1", &model.EventSnapshot{
		Summary: "orphan", AllDay: true, Start: "2025-10-20",
	}, fx.actor)
	assert.ErrorIs(t, err, model.ErrIncompleteAuditData)
}

// --- Update ---

func TestUpdateEventMergesPatchAndAudits(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, "e1", nil)

	updated, err := fx.coord.UpdateEvent(ctx, "e1", UpdatePatch{
		Summary: strptr("planning v2"),
	}, fx.actor)
	require.NoError(t, err)
	assert.Equal(t, "planning v2", updated.Summary)
	assert.Equal(t, "notes", updated.Description, "untouched fields persist")

	rec := fx.led.last(t)
	assert.Equal(t, model.OpUpdate, rec.Operation)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	require.NotNil(t, rec.Before)
	require.NotNil(t, rec.After)
	assert.Equal(t, "planning", rec.Before.Summary)
	assert.Equal(t, "planning v2", rec.After.Summary)

	// The cache was invalidated, so a fresh lookup sees the new summary.
	got, err := fx.cache.FindEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "planning v2", got.Summary)
}

func TestUpdateEventMetadataPrecedence(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit metadata wins over embedded block", func(t *testing.T) {
		fx := newFixture(t)
		fx.seed(t, "e1", map[string]string{"room": "4a"})

		desc := metacodec.Encode("new text", map[string]string{"room": "ignored"})
		got, err := fx.coord.UpdateEvent(ctx, "e1", UpdatePatch{
			Description: strptr(desc),
			Metadata:    map[string]string{"room": "5b"},
		}, fx.actor)
		require.NoError(t, err)
		assert.Equal(t, "new text", got.Description)
		assert.Equal(t, map[string]string{"room": "5b"}, got.Metadata)
	})

	t.Run("embedded block applies when no explicit metadata", func(t *testing.T) {
		fx := newFixture(t)
		fx.seed(t, "e1", map[string]string{"room": "4a"})

		desc := metacodec.Encode("new text", map[string]string{"room": "6c"})
		got, err := fx.coord.UpdateEvent(ctx, "e1", UpdatePatch{Description: strptr(desc)}, fx.actor)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"room": "6c"}, got.Metadata)
	})

	t.Run("plain description preserves existing metadata", func(t *testing.T) {
		fx := newFixture(t)
		fx.seed(t, "e1", map[string]string{"room": "4a"})

		got, err := fx.coord.UpdateEvent(ctx, "e1", UpdatePatch{Description: strptr("just text")}, fx.actor)
		require.NoError(t, err)
		assert.Equal(t, "just text", got.Description)
		assert.Equal(t, map[string]string{"room": "4a"}, got.Metadata)
	})
}

func TestUpdateEventConflictSurfacesAndAuditsFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, "e1", nil)

	fx.gw.failUpdate = fmt.Errorf("%w: remote changed", model.ErrVersionConflict)
	_, err := fx.coord.UpdateEvent(ctx, "e1", UpdatePatch{Summary: strptr("nope")}, fx.actor)
	assert.True(t, model.IsVersionConflict(err))

	rec := fx.led.last(t)
	assert.Equal(t, model.OpUpdate, rec.Operation)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
}

func TestUpdateEventUnknownUID(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.coord.UpdateEvent(context.Background(), "ghost", UpdatePatch{}, fx.actor)
	assert.True(t, model.IsNotFound(err))
}

// --- Delete ---

func TestDeleteEventCapturesBeforeState(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, "e1", map[string]string{"room": "4a"})

	require.NoError(t, fx.coord.DeleteEvent(ctx, "e1", fx.actor))
	assert.Equal(t, 0, fx.gw.count(workCal))

	rec := fx.led.last(t)
	assert.Equal(t, model.OpDelete, rec.Operation)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Nil(t, rec.After)
	require.NotNil(t, rec.Before, "delete must capture the full prior state for undo")
	assert.Equal(t, "planning", rec.Before.Summary)
	assert.Equal(t, workCal, rec.Before.CollectionID)
	assert.Equal(t, map[string]string{"room": "4a"}, rec.Before.Metadata)

	_, err := fx.cache.FindEvent(ctx, "e1")
	assert.True(t, model.IsNotFound(err))
}

// --- Move ---

func TestMoveEventHappyPath(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, "e1", nil)

	moved, err := fx.coord.MoveEvent(ctx, "e1", personalCal, fx.actor)
	require.NoError(t, err)
	assert.Equal(t, personalCal, moved.CollectionID)
	assert.Equal(t, 0, fx.gw.count(workCal))
	assert.Equal(t, 1, fx.gw.count(personalCal))

	rec := fx.led.last(t)
	assert.Equal(t, model.OpMove, rec.Operation)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Equal(t, workCal, rec.SourceCollection)
	assert.Equal(t, personalCal, rec.TargetCollection)

	got, err := fx.cache.FindEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, personalCal, got.CollectionID)
}

func TestMoveEventSameCollectionIsNoOp(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "e1", nil)

	got, err := fx.coord.MoveEvent(context.Background(), "e1", workCal, fx.actor)
	require.NoError(t, err)
	assert.Equal(t, workCal, got.CollectionID)
	assert.Empty(t, fx.led.records, "no-op moves are not audited")
}

func TestMoveEventCompensatesOnSourceDeleteFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, "e1", nil)

	fx.gw.failDelete[workCal] = fmt.Errorf("%w: source down", model.ErrRemoteUnavailable)
	_, err := fx.coord.MoveEvent(ctx, "e1", personalCal, fx.actor)
	assert.True(t, model.IsRemoteUnavailable(err))

	// The target copy was rolled back, so no duplicate exists.
	assert.Equal(t, 1, fx.gw.count(workCal))
	assert.Equal(t, 0, fx.gw.count(personalCal))

	rec := fx.led.last(t)
	assert.Equal(t, model.OpMove, rec.Operation)
	assert.Equal(t, model.StatusFailed, rec.Status)
}

func TestMoveEventPartialFailureWhenCompensationFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, "e1", nil)

	fx.gw.failDelete[workCal] = fmt.Errorf("%w: source down", model.ErrRemoteUnavailable)
	fx.gw.failDelete[personalCal] = fmt.Errorf("%w: target down", model.ErrRemoteUnavailable)
	_, err := fx.coord.MoveEvent(ctx, "e1", personalCal, fx.actor)

	require.True(t, model.IsPartialFailure(err))
	var pf *model.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "e1", pf.EventUID)
	assert.Equal(t, workCal, pf.SourceCollection)
	assert.Equal(t, personalCal, pf.TargetCollection)

	// The event is duplicated across both collections until remediated.
	assert.Equal(t, 1, fx.gw.count(workCal))
	assert.Equal(t, 1, fx.gw.count(personalCal))

	rec := fx.led.last(t)
	assert.Equal(t, model.StatusPartial, rec.Status)
}

func TestConcurrentUpdatesSerializePerEvent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, "e1", nil)

	// Warm the cache so both goroutines resolve the event.
	_, err := fx.cache.FindEvent(ctx, "e1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.coord.UpdateEvent(ctx, "e1", UpdatePatch{
				Summary: strptr(fmt.Sprintf("rev %d", i)),
			}, fx.actor)
		}(i)
	}
	wg.Wait()

	// Serialized under the per-event lock, every update sees a fresh etag
	// and succeeds.
	for i, err := range errs {
		assert.NoError(t, err, "update %d", i)
	}
	assert.Equal(t, 0, fx.coord.InFlight())
}
