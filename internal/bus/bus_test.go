package bus_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/bus"
	"shipline/internal/config"
)

func TestHTTPNotifierDelivers(t *testing.T) {
	var got atomic.Int32
	var header atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		header.Store(r.Header.Get("X-Shipline-Event"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := bus.NewHTTPNotifier([]config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}})
	err := n.Send(context.Background(), "sprint.approved", map[string]any{"sprint_id": "s-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, "sprint.approved", header.Load())
}

func TestHTTPNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := bus.NewHTTPNotifier([]config.WebhookConfig{{URL: srv.URL}})
	err := n.Send(context.Background(), "project.kickoff", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestHTTPNotifierClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := bus.NewHTTPNotifier([]config.WebhookConfig{{URL: srv.URL}})
	err := n.Send(context.Background(), "project.kickoff", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPNotifierEventFilter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := bus.NewHTTPNotifier([]config.WebhookConfig{{URL: srv.URL, Events: []string{"sprint.approved"}}})
	require.NoError(t, n.Send(context.Background(), "knowledge.synced", nil))
	assert.Equal(t, int32(0), calls.Load())
	require.NoError(t, n.Send(context.Background(), "sprint.approved", nil))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecorder(t *testing.T) {
	rec := &bus.Recorder{}
	require.NoError(t, rec.Send(context.Background(), "a", map[string]any{"k": "v"}))
	sends := rec.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "a", sends[0].Event)
}
