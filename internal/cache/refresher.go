package cache

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Refresher drives periodic background refreshes of the whole cache. The
// store's single in-flight guard makes overlapping ticks no-ops, so a slow
// refresh is skipped over rather than queued behind.
type Refresher struct {
	cron  *cron.Cron
	store *Store
	log   zerolog.Logger
}

// NewRefresher schedules RefreshAll on the given cron spec (e.g.
// "@every 5m").
func NewRefresher(store *Store, schedule string, log zerolog.Logger) (*Refresher, error) {
	r := &Refresher{cron: cron.New(), store: store, log: log}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Refresher) tick() {
	if err := r.store.RefreshAll(context.Background()); err != nil {
		r.log.Error().Err(err).Msg("scheduled cache refresh failed")
	}
}

// Start begins the schedule and runs one refresh immediately so the cache
// is warm before the first tick.
func (r *Refresher) Start() {
	go r.tick()
	r.cron.Start()
	r.log.Info().Msg("cache refresher started")
}

// Stop halts the schedule; a refresh already running finishes on its own.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info().Msg("cache refresher stopped")
}
