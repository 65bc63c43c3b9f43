package model

import "time"

// Operation identifies the kind of mutation recorded in the audit ledger.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpMove   Operation = "MOVE"
)

// Status records the outcome of a mutation attempt.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPartial Status = "PARTIAL"
)

// DateOnly is the layout for all-day event dates.
const DateOnly = "2006-01-02"

// Collection is a remote calendar container. ID is the collection path on
// the remote store. Rank and Excluded come from the local listing policy;
// Color is deterministic per collection unless overridden.
type Collection struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Rank     int    `json:"rank"`
	Color    string `json:"color"`
	Excluded bool   `json:"-"`
}

// EventTemplate is the stored representation of a remote event, single or
// recurring. Start/End keep the remote store's semantics: for all-day events
// End is exclusive.
type EventTemplate struct {
	UID          string            `json:"uid"`
	Summary      string            `json:"summary"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Location     string            `json:"location,omitempty"`
	AllDay       bool              `json:"allDay"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	RRule        string            `json:"rrule,omitempty"`
	CollectionID string            `json:"collectionId"`

	// Path and Etag locate and version the object on the remote store.
	Path string `json:"path"`
	Etag string `json:"etag"`
}

// Occurrence is one concrete instance produced by expanding a template
// within a window. Identity is (UID, Start) when Recurring, UID otherwise.
// For all-day events End is the inclusive display date.
type Occurrence struct {
	UID            string            `json:"uid"`
	Recurring      bool              `json:"recurring"`
	Summary        string            `json:"summary"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Location       string            `json:"location,omitempty"`
	AllDay         bool              `json:"allDay"`
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	CollectionID   string            `json:"collectionId"`
	CollectionName string            `json:"collectionName"`
	Color          string            `json:"color"`
}

// CacheEntry is a whole-collection snapshot. Entries are immutable after
// publication; a refresh replaces the entry rather than mutating it.
type CacheEntry struct {
	Collection  Collection
	Events      []Occurrence
	RefreshedAt time.Time
}

// Actor identifies who requested a mutation. Both fields are optional.
type Actor struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// EventSnapshot captures the full visible state of an event at audit time.
// Start/End are formatted strings (DateOnly for all-day, RFC 3339 otherwise)
// so that a snapshot deserialized from the ledger is self-describing.
type EventSnapshot struct {
	Summary      string            `json:"summary"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Location     string            `json:"location,omitempty"`
	CollectionID string            `json:"collectionId"`
	AllDay       bool              `json:"allDay"`
	Start        string            `json:"start"`
	End          string            `json:"end"`
	RRule        string            `json:"rrule,omitempty"`
}

// AuditRecord is one immutable row in the ledger. Before is nil iff the
// operation is CREATE; After is nil iff the operation is DELETE.
type AuditRecord struct {
	ID               int64          `json:"id"`
	EventUID         string         `json:"eventUid"`
	Operation        Operation      `json:"operation"`
	Actor            Actor          `json:"actor"`
	Timestamp        time.Time      `json:"timestamp"`
	SourceCollection string         `json:"sourceCollection"`
	TargetCollection string         `json:"targetCollection,omitempty"`
	Before           *EventSnapshot `json:"beforeState,omitempty"`
	After            *EventSnapshot `json:"afterState,omitempty"`
	Status           Status         `json:"status"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Snapshot converts a template into its audit representation.
func Snapshot(t *EventTemplate) *EventSnapshot {
	if t == nil {
		return nil
	}
	layout := time.RFC3339
	if t.AllDay {
		layout = DateOnly
	}
	return &EventSnapshot{
		Summary:      t.Summary,
		Description:  t.Description,
		Metadata:     t.Metadata,
		Location:     t.Location,
		CollectionID: t.CollectionID,
		AllDay:       t.AllDay,
		Start:        t.Start.Format(layout),
		End:          t.End.Format(layout),
		RRule:        t.RRule,
	}
}
