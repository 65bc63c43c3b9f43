// Package caldav adapts a CalDAV server to the RemoteGateway contract.
package caldav

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	webdav "github.com/yinjun1991/caldav-client-go"
	"github.com/yinjun1991/caldav-client-go/caldav"

	"github.com/kalendr/kalendr/internal/gateway"
	"github.com/kalendr/kalendr/internal/model"
)

// Adapter implements gateway.RemoteGateway over RFC 4791 CalDAV.
type Adapter struct {
	client *caldav.Client
	log    zerolog.Logger

	mu      sync.Mutex
	homeSet string // discovered once, then cached
}

// New builds an adapter authenticating with HTTP basic auth.
func New(endpoint, username, password string, log zerolog.Logger) (*Adapter, error) {
	httpClient := webdav.HTTPClientWithBasicAuth(nil, username, password)
	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client for %s: %w", endpoint, err)
	}
	return &Adapter{client: client, log: log}, nil
}

func (a *Adapter) calendarHomeSet(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.homeSet != "" {
		return a.homeSet, nil
	}

	principal, err := a.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", classify(err)
	}
	home, err := a.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", classify(err)
	}
	a.homeSet = home
	return home, nil
}

func (a *Adapter) ListCollections(ctx context.Context) ([]model.Collection, error) {
	home, err := a.calendarHomeSet(ctx)
	if err != nil {
		return nil, err
	}
	cals, err := a.client.FindCalendars(ctx, home)
	if err != nil {
		return nil, classify(err)
	}

	out := make([]model.Collection, 0, len(cals))
	for _, cal := range cals {
		if !supportsEvents(cal) {
			continue
		}
		out = append(out, model.Collection{
			ID:    cal.Path,
			Name:  cal.Name,
			Color: cal.Color,
		})
	}
	return out, nil
}

// supportsEvents reports whether a calendar holds VEVENT components. An
// empty component set means the server did not advertise one, which is
// treated as supporting events.
func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == "VEVENT" {
			return true
		}
	}
	return false
}

func (a *Adapter) FetchObjects(ctx context.Context, collectionID string, w gateway.Window) ([]gateway.RawObject, error) {
	req := &caldav.CalendarQueryRequest{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		Filter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: w.Start,
				End:   w.End,
			}},
		},
	}
	objs, err := a.client.CalendarQuery(ctx, collectionID, req)
	if err != nil {
		return nil, classify(err)
	}

	out := make([]gateway.RawObject, 0, len(objs))
	for _, o := range objs {
		out = append(out, gateway.RawObject{
			Path: o.Path,
			Etag: o.ETag,
			Data: o.Data,
		})
	}
	return out, nil
}

func (a *Adapter) CreateObject(ctx context.Context, collectionID, filename string, data []byte) (gateway.ObjectRef, error) {
	path := joinPath(collectionID, filename)

	// If-None-Match: * rejects the write when the path is already taken.
	co, err := a.client.PutCalendarObject(ctx, path, bytes.NewReader(data), &caldav.PutCalendarObjectOptions{
		IfNoneMatch: "*",
	})
	if err != nil {
		return gateway.ObjectRef{}, classify(err)
	}
	return a.refFrom(ctx, collectionID, path, co)
}

func (a *Adapter) UpdateObject(ctx context.Context, ref gateway.ObjectRef, data []byte) (gateway.ObjectRef, error) {
	co, err := a.client.PutCalendarObject(ctx, ref.Path, bytes.NewReader(data), &caldav.PutCalendarObjectOptions{
		IfMatch: ref.Etag,
	})
	if err != nil {
		return gateway.ObjectRef{}, classify(err)
	}
	return a.refFrom(ctx, ref.CollectionID, ref.Path, co)
}

func (a *Adapter) DeleteObject(ctx context.Context, ref gateway.ObjectRef) error {
	err := a.client.DeleteCalendarObject(ctx, ref.Path, &caldav.DeleteCalendarObjectOptions{
		IfMatch: ref.Etag,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// refFrom resolves the version tag of a written object. Some servers omit
// the ETag header from PUT responses, in which case it is fetched back.
func (a *Adapter) refFrom(ctx context.Context, collectionID, path string, co *caldav.CalendarObject) (gateway.ObjectRef, error) {
	etag := ""
	if co != nil {
		etag = co.ETag
	}
	if etag == "" {
		fetched, err := a.client.GetCalendarObject(ctx, path)
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("cannot read back etag after write")
		} else {
			etag = fetched.ETag
		}
	}
	return gateway.ObjectRef{CollectionID: collectionID, Path: path, Etag: etag}, nil
}

func joinPath(collectionID, filename string) string {
	return strings.TrimSuffix(collectionID, "/") + "/" + filename
}

// classify maps client errors onto the gateway error contract. The client
// reports preconditions and missing resources in message text, so matching
// is textual.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "precondition failed"):
		return fmt.Errorf("%w: %v", model.ErrVersionConflict, err)
	case strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", model.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", model.ErrRemoteUnavailable, err)
	}
}
