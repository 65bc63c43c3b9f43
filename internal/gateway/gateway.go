// Package gateway defines the contract against the remote calendar store.
// Implementations adapt a concrete protocol (CalDAV) to this surface; the
// rest of the system only sees opaque version tags and serialized objects.
package gateway

import (
	"context"
	"time"

	"github.com/kalendr/kalendr/internal/model"
)

// Window bounds a fetch. For all-day events the remote store treats End as
// exclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// RawObject is one calendar object as stored remotely.
type RawObject struct {
	// Path locates the object within its collection.
	Path string
	// Etag is the version tag for conditional writes.
	Etag string
	// Data is the serialized (iCalendar) payload.
	Data []byte
}

// ObjectRef addresses one remote object for conditional writes.
type ObjectRef struct {
	CollectionID string
	Path         string
	Etag         string
}

// RemoteGateway is the abstract client for the remote calendar store.
//
// Error contract: a conditional write against a stale version tag returns
// model.ErrVersionConflict, a missing object returns model.ErrNotFound, and
// network or server failures return model.ErrRemoteUnavailable (wrapped).
type RemoteGateway interface {
	// ListCollections returns all calendar collections visible to the
	// configured account.
	ListCollections(ctx context.Context) ([]model.Collection, error)

	// FetchObjects returns the raw objects in a collection that intersect
	// the window.
	FetchObjects(ctx context.Context, collectionID string, w Window) ([]RawObject, error)

	// CreateObject writes a new object under the given filename. Creation
	// fails with model.ErrVersionConflict if the path is already taken.
	CreateObject(ctx context.Context, collectionID, filename string, data []byte) (ObjectRef, error)

	// UpdateObject conditionally replaces an object; ref.Etag must match
	// the remote version.
	UpdateObject(ctx context.Context, ref ObjectRef, data []byte) (ObjectRef, error)

	// DeleteObject conditionally removes an object; ref.Etag must match
	// the remote version.
	DeleteObject(ctx context.Context, ref ObjectRef) error
}
