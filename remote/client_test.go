package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditsync/domain"
	syncerrors "auditsync/errors"
	"auditsync/logging"
	"auditsync/wire"
)

func testEnvelope(t *testing.T, op wire.Operation) *wire.Envelope {
	t.Helper()
	a := &domain.Audit{ID: "a-1", Title: "test"}
	env, err := wire.NewAuditEnvelope(op, a, "idem-1", time.Now())
	require.NoError(t, err)
	return env
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cl, err := NewHTTPClient(Config{BaseURL: srv.URL, Logger: logging.NewNoopLogger()})
	require.NoError(t, err)
	return cl, srv
}

func TestHTTPClient_PushCreate(t *testing.T) {
	var gotPath, gotMethod, gotIdem string
	var gotBody map[string]any
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotIdem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"revision":7,"entity":{"id":"a-1"}}`))
	})

	result, err := cl.Push(context.Background(), testEnvelope(t, wire.OpCreate), 0)
	require.NoError(t, err)
	assert.Nil(t, result.Conflict)
	assert.Equal(t, int64(7), result.Revision)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/audits", gotPath)
	assert.Equal(t, "idem-1", gotIdem)
	assert.Equal(t, float64(0), gotBody["expected_revision"])
	assert.Equal(t, "audit", gotBody["entity_type"])
}

func TestHTTPClient_PushRouting(t *testing.T) {
	var gotPath, gotMethod string
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_, _ = w.Write([]byte(`{"revision":1}`))
	})
	ctx := context.Background()

	_, err := cl.Push(ctx, testEnvelope(t, wire.OpUpdate), 3)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/audits/a-1", gotPath)

	_, err = cl.Push(ctx, testEnvelope(t, wire.OpDelete), 3)
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)

	payload, err := json.Marshal(wire.ActionProgress{AuditID: "a-1", ActionID: "act-1", Progress: 50})
	require.NoError(t, err)
	env := &wire.Envelope{
		SchemaVersion:  wire.SchemaVersion,
		EntityType:     wire.EntityAction,
		Operation:      wire.OpProgress,
		EntityID:       "act-1",
		IdempotencyKey: "idem-2",
		IssuedAt:       time.Now(),
		Payload:        payload,
	}
	_, err = cl.Push(ctx, env, 3)
	require.NoError(t, err)
	assert.Equal(t, "/actions/act-1/progress", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
}

// TestHTTPClient_Push409 版本不匹配作为数据返回，不是错误
func TestHTTPClient_Push409(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"current_revision":9,"current_entity":{"id":"a-1","title":"server"}}`))
	})

	result, err := cl.Push(context.Background(), testEnvelope(t, wire.OpUpdate), 3)
	require.NoError(t, err)
	require.NotNil(t, result.Conflict)
	assert.Equal(t, int64(9), result.Conflict.CurrentRevision)
	assert.Contains(t, string(result.Conflict.CurrentEntity), "server")
}

func TestHTTPClient_PushErrorClassification(t *testing.T) {
	status := make(chan int, 1)
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(<-status)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	})
	ctx := context.Background()

	status <- http.StatusBadRequest
	_, err := cl.Push(ctx, testEnvelope(t, wire.OpUpdate), 3)
	require.Error(t, err)
	assert.True(t, syncerrors.IsValidation(err))

	status <- http.StatusServiceUnavailable
	_, err = cl.Push(ctx, testEnvelope(t, wire.OpUpdate), 3)
	require.Error(t, err)
	assert.True(t, syncerrors.IsTransient(err))
}

// TestHTTPClient_TimeoutIsTransient 超时按瞬态失败处理
func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	cl, err := NewHTTPClient(Config{
		BaseURL: srv.URL,
		Timeout: 20 * time.Millisecond,
		Logger:  logging.NewNoopLogger(),
	})
	require.NoError(t, err)

	_, err = cl.Push(context.Background(), testEnvelope(t, wire.OpUpdate), 3)
	require.Error(t, err)
	assert.True(t, syncerrors.IsTransient(err))
}

func TestHTTPClient_Pull(t *testing.T) {
	var gotQuery string
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{
			"changes":[
				{"entity_type":"audit","entity_id":"a-1","revision":5,"entity":{"id":"a-1"}},
				{"entity_type":"audit","entity_id":"a-2","revision":6,"deleted":true}
			],
			"next_since":6,
			"has_more":true
		}`))
	})

	delta, err := cl.Pull(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "since=4", gotQuery)
	require.Len(t, delta.Changes, 2)
	assert.Equal(t, "a-1", delta.Changes[0].EntityID)
	assert.True(t, delta.Changes[1].Deleted)
	assert.Equal(t, int64(6), delta.NextSince)
	assert.True(t, delta.HasMore)
}

func TestHTTPClient_PullCorruptBody(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})

	_, err := cl.Pull(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, syncerrors.IsCorruption(err))
}
