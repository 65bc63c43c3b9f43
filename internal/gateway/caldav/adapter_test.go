package caldav

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalendr/kalendr/internal/gateway"
	"github.com/kalendr/kalendr/internal/model"
)

func newTestAdapter(t *testing.T, ts *httptest.Server) *Adapter {
	t.Helper()
	a, err := New(ts.URL, "user", "secret", zerolog.Nop())
	require.NoError(t, err)
	return a
}

func TestCreateObjectSendsIfNoneMatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/calendars/work/e1.ics", r.URL.Path)
		assert.Equal(t, "*", r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	a := newTestAdapter(t, ts)
	ref, err := a.CreateObject(context.Background(), "/calendars/work/", "e1.ics", []byte("BEGIN:VCALENDAR\nEND:VCALENDAR"))
	require.NoError(t, err)
	assert.Equal(t, "/calendars/work/e1.ics", ref.Path)
	assert.Equal(t, "v1", ref.Etag)
}

func TestCreateObjectCollision(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer ts.Close()

	a := newTestAdapter(t, ts)
	_, err := a.CreateObject(context.Background(), "/calendars/work/", "e1.ics", []byte("x"))
	assert.True(t, model.IsVersionConflict(err))
}

func TestUpdateObjectSendsQuotedIfMatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, `"v1"`, r.Header.Get("If-Match"))
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a := newTestAdapter(t, ts)
	ref, err := a.UpdateObject(context.Background(), gateway.ObjectRef{
		CollectionID: "/calendars/work/",
		Path:         "/calendars/work/e1.ics",
		Etag:         "v1",
	}, []byte("BEGIN:VCALENDAR\nEND:VCALENDAR"))
	require.NoError(t, err)
	assert.Equal(t, "v2", ref.Etag)
}

func TestDeleteObjectErrorMapping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		switch {
		case r.URL.Path == "/calendars/work/missing.ics":
			w.WriteHeader(http.StatusNotFound)
		case r.Header.Get("If-Match") == `"stale"`:
			w.WriteHeader(http.StatusPreconditionFailed)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer ts.Close()

	a := newTestAdapter(t, ts)
	ctx := context.Background()

	err := a.DeleteObject(ctx, gateway.ObjectRef{Path: "/calendars/work/e1.ics", Etag: "stale"})
	assert.True(t, model.IsVersionConflict(err))

	err = a.DeleteObject(ctx, gateway.ObjectRef{Path: "/calendars/work/missing.ics", Etag: "v1"})
	assert.True(t, model.IsNotFound(err))

	err = a.DeleteObject(ctx, gateway.ObjectRef{Path: "/calendars/work/e1.ics", Etag: "v1"})
	assert.NoError(t, err)
}

func TestClassify(t *testing.T) {
	assert.True(t, model.IsVersionConflict(classify(errors.New("caldav: precondition failed - resource ETag mismatch"))))
	assert.True(t, model.IsNotFound(classify(errors.New("caldav: calendar object not found at path: /x"))))
	assert.True(t, model.IsRemoteUnavailable(classify(errors.New("connection refused"))))
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/cal/work/e1.ics", joinPath("/cal/work/", "e1.ics"))
	assert.Equal(t, "/cal/work/e1.ics", joinPath("/cal/work", "e1.ics"))
}
