// Package ics converts between raw iCalendar payloads at the gateway
// boundary and event templates. All-day dates here keep the remote store's
// exclusive-end semantics.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/kalendr/kalendr/internal/gateway"
	"github.com/kalendr/kalendr/internal/model"
)

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
	utcLayout      = "20060102T150405Z"
)

// Parse extracts the master event from a raw calendar object. Override
// components (RECURRENCE-ID) are skipped; expansion works from the master
// template only.
func Parse(collectionID string, obj gateway.RawObject) (*model.EventTemplate, error) {
	if len(obj.Data) == 0 {
		return nil, errors.New("ics: empty calendar object")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(obj.Data))
	if err != nil {
		return nil, fmt.Errorf("ics: parse calendar: %w", err)
	}

	for _, ve := range cal.Events() {
		if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
			continue
		}
		return parseEvent(collectionID, obj, ve)
	}
	return nil, errors.New("ics: no master VEVENT in calendar object")
}

func parseEvent(collectionID string, obj gateway.RawObject, ve *ical.VEvent) (*model.EventTemplate, error) {
	t := &model.EventTemplate{
		CollectionID: collectionID,
		Path:         obj.Path,
		Etag:         obj.Etag,
	}

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return nil, errors.New("ics: VEVENT missing UID")
	}
	t.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		t.Summary = unescape(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		t.Description = unescape(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		t.Location = unescape(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		t.RRule = p.Value
	}

	start := ve.GetProperty(ical.ComponentPropertyDtStart)
	if start == nil || start.Value == "" {
		return nil, errors.New("ics: VEVENT missing DTSTART")
	}
	t.AllDay = isDateOnly(start)

	var err error
	if t.Start, err = parsestamp(start.Value); err != nil {
		return nil, fmt.Errorf("ics: DTSTART: %w", err)
	}
	if end := ve.GetProperty(ical.ComponentPropertyDtEnd); end != nil && end.Value != "" {
		if t.End, err = parsestamp(end.Value); err != nil {
			return nil, fmt.Errorf("ics: DTEND: %w", err)
		}
	} else if t.AllDay {
		// Missing DTEND on an all-day event means a single day,
		// exclusive end the following midnight.
		t.End = t.Start.AddDate(0, 0, 1)
	} else {
		t.End = t.Start
	}

	return t, nil
}

// Serialize renders a template back into an iCalendar payload suitable for
// a conditional PUT.
func Serialize(t *model.EventTemplate) ([]byte, error) {
	if t.UID == "" {
		return nil, errors.New("ics: template missing UID")
	}
	cal := ical.NewCalendar()
	ve := cal.AddEvent(t.UID)
	ve.SetDtStampTime(time.Now().UTC())

	if t.AllDay {
		ve.SetProperty(ical.ComponentPropertyDtStart, t.Start.Format(dateLayout),
			ical.WithValue("DATE"))
		ve.SetProperty(ical.ComponentPropertyDtEnd, t.End.Format(dateLayout),
			ical.WithValue("DATE"))
	} else {
		ve.SetProperty(ical.ComponentPropertyDtStart, t.Start.UTC().Format(utcLayout))
		ve.SetProperty(ical.ComponentPropertyDtEnd, t.End.UTC().Format(utcLayout))
	}

	ve.SetProperty(ical.ComponentPropertySummary, escape(t.Summary))
	if t.Description != "" {
		ve.SetProperty(ical.ComponentPropertyDescription, escape(t.Description))
	}
	if t.Location != "" {
		ve.SetProperty(ical.ComponentPropertyLocation, escape(t.Location))
	}
	if t.RRule != "" {
		ve.AddRrule(t.RRule)
	}

	return []byte(cal.Serialize()), nil
}

func isDateOnly(p *ical.IANAProperty) bool {
	if params := p.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return true
		}
	}
	return !strings.Contains(p.Value, "T")
}

// parsestamp handles the three timestamp forms the remote store emits:
// UTC date-times, floating date-times, and bare dates.
func parsestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse(utcLayout, v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation(dateTimeLayout, v, time.UTC)
	default:
		return time.ParseInLocation(dateLayout, v, time.UTC)
	}
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, ";", `\;`)
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ';', ',', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
