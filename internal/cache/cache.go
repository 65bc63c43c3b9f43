// Package cache keeps a local, queryable copy of remote calendar
// collections. Each collection is cached as one immutable snapshot that is
// only ever replaced whole; reads of an existing snapshot never block on an
// in-flight refresh, only a first-ever read waits for its collection.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalendr/kalendr/internal/config"
	"github.com/kalendr/kalendr/internal/expand"
	"github.com/kalendr/kalendr/internal/gateway"
	"github.com/kalendr/kalendr/internal/gateway/ics"
	"github.com/kalendr/kalendr/internal/metacodec"
	"github.com/kalendr/kalendr/internal/model"
)

// Refresh window relative to now: how far back and forward the cache keeps
// expanded occurrences.
const (
	LookbackMonths  = 3
	LookaheadMonths = 12
)

// palette provides deterministic display colors for collections without a
// policy override.
var palette = []string{
	"#1f6feb", "#2da44e", "#bf3989", "#d4a72c",
	"#8250df", "#cf222e", "#1b7c83", "#bc4c00",
}

// entry pairs the public snapshot with the templates it was expanded from.
// Both are replaced together and never mutated after publication.
type entry struct {
	snap      *model.CacheEntry
	templates map[string]*model.EventTemplate // keyed by UID
}

// Store is the per-collection event cache.
type Store struct {
	gw       gateway.RemoteGateway
	expander *expand.Expander
	policies config.CollectionPolicies
	ttl      time.Duration
	log      zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	inFlight map[string]*refreshWait // per-collection refresh guard

	refreshingAll atomic.Bool
}

// New constructs a Store. ttl controls when an entry is considered stale;
// stale entries keep serving until a refresh replaces them.
func New(gw gateway.RemoteGateway, expander *expand.Expander, policies config.CollectionPolicies, ttl time.Duration, log zerolog.Logger) *Store {
	if policies == nil {
		policies = config.CollectionPolicies{}
	}
	return &Store{
		gw:       gw,
		expander: expander,
		policies: policies,
		ttl:      ttl,
		log:      log,
		entries:  make(map[string]*entry),
		inFlight: make(map[string]*refreshWait),
	}
}

// Window returns the fixed refresh window around now.
func Window(now time.Time) gateway.Window {
	return gateway.Window{
		Start: now.AddDate(0, -LookbackMonths, 0),
		End:   now.AddDate(0, LookaheadMonths, 0),
	}
}

// Collections lists remote collections with the local ordering/exclusion
// policy applied. Excluded collections are dropped; the rest sort by rank,
// then name.
func (s *Store) Collections(ctx context.Context) ([]model.Collection, error) {
	cols, err := s.gw.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list collections: %v", model.ErrRemoteUnavailable, err)
	}
	out := make([]model.Collection, 0, len(cols))
	for _, c := range cols {
		c = s.applyPolicy(c)
		if c.Excluded {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) applyPolicy(c model.Collection) model.Collection {
	pol, ok := s.policies[c.ID]
	if ok {
		if pol.Name != "" {
			c.Name = pol.Name
		}
		c.Rank = pol.Rank
		c.Excluded = pol.Excluded
		if pol.Color != "" {
			c.Color = pol.Color
		}
	} else {
		// Unranked collections sort after every ranked one.
		c.Rank = len(palette) * 1000
	}
	if c.Color == "" {
		c.Color = deriveColor(c.ID)
	}
	return c
}

func deriveColor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}

// RefreshCollection fetches, expands and atomically replaces the snapshot
// for one collection.
func (s *Store) RefreshCollection(ctx context.Context, col model.Collection) error {
	col = s.applyPolicy(col)
	w := Window(time.Now().UTC())

	objects, err := s.gw.FetchObjects(ctx, col.ID, w)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %v", model.ErrRemoteUnavailable, col.ID, err)
	}

	events := make([]model.Occurrence, 0, len(objects))
	templates := make(map[string]*model.EventTemplate, len(objects))
	for _, obj := range objects {
		tmpl, err := ics.Parse(col.ID, obj)
		if err != nil {
			s.log.Warn().Err(err).Str("collection", col.ID).Str("path", obj.Path).
				Msg("skipping unparseable calendar object")
			continue
		}
		decoded := metacodec.Decode(tmpl.Description)
		tmpl.Description = decoded.Text
		tmpl.Metadata = decoded.Metadata

		templates[tmpl.UID] = tmpl
		events = append(events, s.expander.Expand(tmpl, col, w.Start, w.End).All()...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].UID < events[j].UID
	})

	snap := &model.CacheEntry{
		Collection:  col,
		Events:      events,
		RefreshedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.entries[col.ID] = &entry{snap: snap, templates: templates}
	s.mu.Unlock()

	s.log.Debug().Str("collection", col.ID).Int("events", len(events)).
		Msg("collection cache refreshed")
	return nil
}

// RefreshAll refreshes every non-excluded collection concurrently. A refresh
// already in progress makes the call a no-op.
func (s *Store) RefreshAll(ctx context.Context) error {
	if !s.refreshingAll.CompareAndSwap(false, true) {
		s.log.Debug().Msg("refresh already in progress, skipping")
		return nil
	}
	defer s.refreshingAll.Store(false)

	cols, err := s.Collections(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(cols))
	for i, col := range cols {
		wg.Add(1)
		go func(i int, col model.Collection) {
			defer wg.Done()
			errs[i] = s.RefreshCollection(ctx, col)
		}(i, col)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			s.log.Error().Err(err).Str("collection", cols[i].ID).Msg("collection refresh failed")
		}
	}
	return nil
}

// Get returns the current snapshot for a collection, stale or not.
func (s *Store) Get(collectionID string) (*model.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[collectionID]
	if !ok {
		return nil, false
	}
	return e.snap, true
}

// Invalidate drops the snapshot for a collection so the next read refetches.
func (s *Store) Invalidate(collectionID string) {
	s.mu.Lock()
	delete(s.entries, collectionID)
	s.mu.Unlock()
}

// QueryResult is the read-path payload: the queried collections plus every
// occurrence overlapping the window.
type QueryResult struct {
	Collections []model.Collection `json:"collections"`
	Events      []model.Occurrence `json:"events"`
}

// QueryEvents returns occurrences from the named collections (all visible
// collections when empty) whose interval overlaps [start, end]. Missing
// snapshots are fetched synchronously; stale ones are served as-is and
// refreshed in the background.
func (s *Store) QueryEvents(ctx context.Context, collectionIDs []string, start, end time.Time) (*QueryResult, error) {
	if end.Before(start) {
		return nil, model.Validationf("query end %s precedes start %s", end.Format(model.DateOnly), start.Format(model.DateOnly))
	}

	cols, err := s.Collections(ctx)
	if err != nil {
		return nil, err
	}
	if len(collectionIDs) > 0 {
		want := make(map[string]bool, len(collectionIDs))
		for _, id := range collectionIDs {
			want[id] = true
		}
		filtered := cols[:0]
		for _, c := range cols {
			if want[c.ID] {
				filtered = append(filtered, c)
			}
		}
		cols = filtered
	}

	res := &QueryResult{Collections: cols}
	now := time.Now().UTC()
	for _, col := range cols {
		snap, ok := s.Get(col.ID)
		if !ok {
			if err := s.refreshGuarded(ctx, col); err != nil {
				return nil, err
			}
			snap, _ = s.Get(col.ID)
		} else if now.Sub(snap.RefreshedAt) > s.ttl {
			// Stale-while-revalidate: serve the old snapshot, refresh
			// out of band.
			go func(col model.Collection) {
				if err := s.refreshGuarded(context.Background(), col); err != nil {
					s.log.Warn().Err(err).Str("collection", col.ID).Msg("background refresh failed")
				}
			}(col)
		}
		if snap == nil {
			continue
		}
		for _, occ := range snap.Events {
			if occurrenceOverlaps(occ, start, end) {
				res.Events = append(res.Events, occ)
			}
		}
	}

	sort.SliceStable(res.Events, func(i, j int) bool {
		return res.Events[i].Start.Before(res.Events[j].Start)
	})
	return res, nil
}

// refreshWait lets late callers of refreshGuarded block on the refresh that
// beat them to a collection. err is written before done closes.
type refreshWait struct {
	done chan struct{}
	err  error
}

// refreshGuarded deduplicates concurrent refreshes of one collection. A
// caller that loses the race waits for the winner and shares its outcome, so
// a first-ever read never observes a half-populated cache.
func (s *Store) refreshGuarded(ctx context.Context, col model.Collection) error {
	s.mu.Lock()
	if w, ok := s.inFlight[col.ID]; ok {
		s.mu.Unlock()
		select {
		case <-w.done:
			return w.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w := &refreshWait{done: make(chan struct{})}
	s.inFlight[col.ID] = w
	s.mu.Unlock()

	w.err = s.RefreshCollection(ctx, col)
	s.mu.Lock()
	delete(s.inFlight, col.ID)
	s.mu.Unlock()
	close(w.done)
	return w.err
}

// FindEvent locates the template for an event UID in the cached snapshots.
// On a miss, any collection without a snapshot is fetched before concluding
// the event does not exist.
func (s *Store) FindEvent(ctx context.Context, uid string) (*model.EventTemplate, error) {
	if tmpl := s.lookupTemplate(uid); tmpl != nil {
		return tmpl, nil
	}

	cols, err := s.Collections(ctx)
	if err != nil {
		return nil, err
	}
	refreshed := false
	for _, col := range cols {
		if _, ok := s.Get(col.ID); ok {
			continue
		}
		if err := s.refreshGuarded(ctx, col); err != nil {
			return nil, err
		}
		refreshed = true
	}
	if refreshed {
		if tmpl := s.lookupTemplate(uid); tmpl != nil {
			return tmpl, nil
		}
	}
	return nil, fmt.Errorf("event %s: %w", uid, model.ErrNotFound)
}

func (s *Store) lookupTemplate(uid string) *model.EventTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if tmpl, ok := e.templates[uid]; ok {
			cp := *tmpl
			return &cp
		}
	}
	return nil
}

// occurrenceOverlaps applies inclusive boundary matching. All-day
// occurrences cover their entire inclusive end date.
func occurrenceOverlaps(occ model.Occurrence, start, end time.Time) bool {
	occEnd := occ.End
	if occ.AllDay {
		occEnd = occEnd.AddDate(0, 0, 1).Add(-time.Second)
	}
	return !occEnd.Before(start) && !end.Before(occ.Start)
}
