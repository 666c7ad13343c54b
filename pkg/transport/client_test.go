package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	endpoint string
	status   int
	failed   bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (f *fakeRecorder) RecordCall(_ context.Context, endpoint string, _ time.Duration, status int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recorded{endpoint: endpoint, status: status, failed: err != nil})
}

func TestClient_DoDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/echo", r.URL.Path)
		assert.Equal(t, "v", r.URL.Query().Get("k"))
		assert.Equal(t, "abc", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer server.Close()

	rec := &fakeRecorder{}
	client := New(Config{BaseURL: server.URL + "/", Timeout: time.Second, MaxRetries: 3}, WithRecorder(rec))
	defer client.Close()

	var out map[string]string
	err := client.Do(context.Background(), Request{
		Name:   "echo",
		Method: http.MethodPost,
		Path:   "/echo",
		Query:  map[string]string{"k": "v"},
		Header: http.Header{"Idempotency-Key": []string{"abc"}},
		Body:   map[string]string{"msg": "hello"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["echo"])

	require.Len(t, rec.calls, 1)
	assert.Equal(t, recorded{endpoint: "echo", status: 200}, rec.calls[0])
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the body must be replayed on every attempt
		var in map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, 7, in["n"])

		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	err := client.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/x",
		Header: http.Header{IdempotencyHeader: []string{"x-1"}},
		Body:   map[string]int{"n": 7},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestClient_PostWithoutKeyIsNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, MaxRetries: 4, RetryDelay: time.Millisecond})
	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/AddOrder"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTransport))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	err = client.Do(context.Background(), Request{Method: http.MethodPatch, Path: "/UpdateOrderQuantity/s1/"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestClient_SendReturnsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	resp, err := client.Send(context.Background(), Request{Method: http.MethodPost, Path: "/holdings/execute"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.True(t, resp.Replayed())

	var none *Response
	assert.False(t, none.Replayed())
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "insufficient funds", http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, MaxRetries: 5, RetryDelay: time.Millisecond})
	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/holdings/execute"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.True(t, errors.Is(err, core.ErrTransport))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
	assert.Equal(t, "insufficient funds", statusErr.Body)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, MaxRetries: 2, RetryDelay: time.Millisecond})
	err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTransport))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := New(Config{BaseURL: url, MaxRetries: 2, RetryDelay: time.Millisecond})
	err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTransport))
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond, MaxRetries: 1})
	err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"}, nil)
	assert.Error(t, err)
}

func TestClient_InvalidJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("invalid json"))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	var out map[string]any
	err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"}, &out)
	assert.Error(t, err)
}
