package expand

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalendr/kalendr/internal/model"
)

var workCol = model.Collection{ID: "/calendars/work/", Name: "Work", Color: "#1f6feb"}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newExpander() *Expander {
	return New(zerolog.Nop())
}

func TestExpandSingleAllDayInclusiveEnd(t *testing.T) {
	tmpl := &model.EventTemplate{
		UID:    "e1",
		AllDay: true,
		Start:  day(2025, 10, 20),
		End:    day(2025, 10, 25), // remote exclusive end
	}
	res := newExpander().Expand(tmpl, workCol, day(2025, 10, 1), day(2025, 11, 1))
	require.Len(t, res.SingleEvents, 1)
	require.Empty(t, res.Occurrences)

	occ := res.SingleEvents[0]
	assert.False(t, occ.Recurring)
	assert.True(t, occ.End.Equal(day(2025, 10, 24)), "display end must be inclusive")
	assert.Equal(t, "Work", occ.CollectionName)
	assert.Equal(t, "#1f6feb", occ.Color)
}

func TestExpandSingleOutsideWindow(t *testing.T) {
	tmpl := &model.EventTemplate{
		UID:    "e2",
		AllDay: true,
		Start:  day(2025, 1, 1),
		End:    day(2025, 1, 2),
	}
	res := newExpander().Expand(tmpl, workCol, day(2025, 6, 1), day(2025, 7, 1))
	assert.Empty(t, res.All())
}

func TestExpandWeeklyRecurrence(t *testing.T) {
	tmpl := &model.EventTemplate{
		UID:   "e3",
		Start: time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC), // a Monday
		End:   time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC),
		RRule: "FREQ=WEEKLY;BYDAY=MO",
	}
	res := newExpander().Expand(tmpl, workCol, day(2025, 3, 1), day(2025, 4, 1))
	require.Empty(t, res.SingleEvents)
	require.Len(t, res.Occurrences, 5) // Mondays: 3, 10, 17, 24, 31

	for _, occ := range res.Occurrences {
		assert.True(t, occ.Recurring)
		assert.Equal(t, time.Monday, occ.Start.Weekday())
		assert.Equal(t, 30*time.Minute, occ.End.Sub(occ.Start))
	}
}

func TestExpandTruncatesAtCap(t *testing.T) {
	tmpl := &model.EventTemplate{
		UID:   "e4",
		Start: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		RRule: "FREQ=DAILY",
	}
	e := newExpander()
	e.MaxOccurrences = 10
	res := e.Expand(tmpl, workCol, day(2025, 1, 1), day(2026, 1, 1))
	assert.Len(t, res.Occurrences, 10)
}

func TestExpandBadRRuleFallsBackToSingle(t *testing.T) {
	tmpl := &model.EventTemplate{
		UID:   "e5",
		Start: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		RRule: "FREQ=NONSENSE",
	}
	res := newExpander().Expand(tmpl, workCol, day(2025, 4, 1), day(2025, 6, 1))
	require.Len(t, res.SingleEvents, 1)
	assert.False(t, res.SingleEvents[0].Recurring)
}

func TestExpandIdentityNeverCollides(t *testing.T) {
	tmpl := &model.EventTemplate{
		UID:   "e6",
		Start: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		RRule: "FREQ=DAILY",
	}
	res := newExpander().Expand(tmpl, workCol, day(2025, 2, 1), day(2025, 3, 1))
	seen := map[string]bool{}
	for _, occ := range res.Occurrences {
		key := occ.UID + "|" + occ.Start.Format(time.RFC3339)
		assert.False(t, seen[key], "duplicate occurrence identity %s", key)
		seen[key] = true
	}
}
