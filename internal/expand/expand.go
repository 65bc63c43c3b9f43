// Package expand turns event templates into concrete occurrences within a
// time window. Recurring templates are expanded through their RRULE with a
// hard iteration cap; all-day exclusive remote ends become inclusive
// display ends here.
package expand

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"

	"github.com/kalendr/kalendr/internal/model"
)

// DefaultMaxOccurrences caps expansion of a single template so pathological
// rules terminate. Hitting the cap truncates, it does not error.
const DefaultMaxOccurrences = 1000

// Expander expands templates for one collection at a time.
type Expander struct {
	MaxOccurrences int
	Log            zerolog.Logger
}

func New(log zerolog.Logger) *Expander {
	return &Expander{MaxOccurrences: DefaultMaxOccurrences, Log: log}
}

// Result separates plain events from derived recurring occurrences. Both
// carry inclusive display ends.
type Result struct {
	SingleEvents []model.Occurrence
	Occurrences  []model.Occurrence
}

// All returns every expanded occurrence in one slice.
func (r Result) All() []model.Occurrence {
	out := make([]model.Occurrence, 0, len(r.SingleEvents)+len(r.Occurrences))
	out = append(out, r.SingleEvents...)
	out = append(out, r.Occurrences...)
	return out
}

// Expand produces the occurrences of a template that intersect
// [winStart, winEnd]. The collection supplies the display name and color
// each occurrence carries.
func (e *Expander) Expand(t *model.EventTemplate, col model.Collection, winStart, winEnd time.Time) Result {
	var res Result
	if t.RRule == "" {
		displayEnd := displayEnd(t, t.End)
		if overlaps(t.Start, displayEnd, winStart, winEnd) {
			res.SingleEvents = append(res.SingleEvents, makeOccurrence(t, col, t.Start, displayEnd, false))
		}
		return res
	}

	rule, err := rrule.StrToRRule(t.RRule)
	if err != nil {
		e.Log.Warn().Err(err).Str("uid", t.UID).Str("rrule", t.RRule).
			Msg("unparseable recurrence rule, emitting template as single event")
		displayEnd := displayEnd(t, t.End)
		if overlaps(t.Start, displayEnd, winStart, winEnd) {
			res.SingleEvents = append(res.SingleEvents, makeOccurrence(t, col, t.Start, displayEnd, false))
		}
		return res
	}
	rule.DTStart(t.Start)

	limit := e.MaxOccurrences
	if limit <= 0 {
		limit = DefaultMaxOccurrences
	}

	duration := t.End.Sub(t.Start)
	starts := rule.Between(winStart.Add(-duration), winEnd, true)
	if len(starts) > limit {
		starts = starts[:limit]
		e.Log.Warn().Str("uid", t.UID).Int("cap", limit).
			Msg("recurrence expansion truncated at cap")
	}

	for _, start := range starts {
		end := displayEnd(t, start.Add(duration))
		if !overlaps(start, end, winStart, winEnd) {
			continue
		}
		res.Occurrences = append(res.Occurrences, makeOccurrence(t, col, start, end, true))
	}
	return res
}

// displayEnd converts the remote exclusive end of an all-day interval into
// the inclusive date shown to callers. Timed events pass through.
func displayEnd(t *model.EventTemplate, exclusiveEnd time.Time) time.Time {
	if !t.AllDay {
		return exclusiveEnd
	}
	inclusive := exclusiveEnd.AddDate(0, 0, -1)
	if inclusive.Before(t.Start) {
		return t.Start
	}
	return inclusive
}

func makeOccurrence(t *model.EventTemplate, col model.Collection, start, end time.Time, recurring bool) model.Occurrence {
	name := col.Name
	if name == "" {
		name = col.ID
	}
	return model.Occurrence{
		UID:            t.UID,
		Recurring:      recurring,
		Summary:        t.Summary,
		Description:    t.Description,
		Metadata:       t.Metadata,
		Location:       t.Location,
		AllDay:         t.AllDay,
		Start:          start,
		End:            end,
		CollectionID:   col.ID,
		CollectionName: name,
		Color:          col.Color,
	}
}

// overlaps matches the four interval cases (inside, spanning, partial left,
// partial right) with inclusive boundaries on both sides.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
