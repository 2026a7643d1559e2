//go:build !integration && !e2e
// +build !integration,!e2e

package proxyengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/berry13/keycycle-proxy/internal/keypool"
	"github.com/berry13/keycycle-proxy/internal/testutil"
	"github.com/berry13/keycycle-proxy/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, pool *keypool.KeyPool, maxRetries int) *Engine {
	t.Helper()
	client := upstream.New(upstream.Config{
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxRetries:     1,
	}, nil)
	return New(pool, client, maxRetries, nil)
}

// newEngineExactCalls builds an engine whose upstream client never retries
// on its own (MaxRetries: 0), so every engine-level attempt produces
// exactly one upstream HTTP call. Used by the literal call-count scenarios.
func newEngineExactCalls(t *testing.T, pool *keypool.KeyPool, maxRetries int) *Engine {
	t.Helper()
	client := upstream.New(upstream.Config{
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxRetries:     0,
	}, nil)
	return New(pool, client, maxRetries, nil)
}

func TestProxy_StripsIncomingAuthorization(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := keypool.New([]*keypool.Credential{testutil.SampleCredential(srv.URL)}, keypool.RoundRobin, nil)
	engine := newEngine(t, pool, 2)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer client-supplied")

	resp, err := engine.Proxy(context.Background(), "req-1", http.MethodPost, "/v1/chat/completions", headers, []byte(`{"model":"gpt-4"}`))
	require.Nil(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer sk-test-credential", seen)
}

func TestProxy_NoKeyAvailable(t *testing.T) {
	pool := keypool.New([]*keypool.Credential{testutil.SampleCredential("http://unused", "gpt-4")}, keypool.RoundRobin, nil)
	engine := newEngine(t, pool, 2)

	_, err := engine.Proxy(context.Background(), "req-1", http.MethodPost, "/", http.Header{}, []byte(`{"model":"claude-3"}`))
	require.NotNil(t, err)
	assert.Equal(t, KindNoKeyAvailable, err.Kind)
	assert.Equal(t, 500, err.StatusCode())
}

func TestProxy_RotatesOnRotateSetStatus(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	pool := keypool.New([]*keypool.Credential{
		testutil.SampleCredential(srvA.URL),
		testutil.SampleCredential(srvB.URL),
	}, keypool.RoundRobin, nil)
	engine := newEngine(t, pool, 2)

	resp, err := engine.Proxy(context.Background(), "req-1", http.MethodPost, "/", http.Header{}, []byte(`{}`))
	require.Nil(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxy_ModelExtractionSentinelForNonPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := keypool.New([]*keypool.Credential{testutil.SampleCredential(srv.URL)}, keypool.RoundRobin, nil)
	engine := newEngine(t, pool, 1)

	resp, err := engine.Proxy(context.Background(), "req-1", http.MethodGet, "/health-ish", http.Header{}, nil)
	require.Nil(t, err)
	resp.Body.Close()
}

func TestProxy_InvalidJSONBodyIsRejectedBeforeSelectingCredential(t *testing.T) {
	pool := keypool.New([]*keypool.Credential{testutil.SampleCredential("http://unused")}, keypool.RoundRobin, nil)
	engine := newEngine(t, pool, 2)

	_, err := engine.Proxy(context.Background(), "req-1", http.MethodPost, "/", http.Header{}, []byte(`not-json`))
	require.NotNil(t, err)
	assert.Equal(t, KindInvalidJSON, err.Kind)
	assert.Equal(t, 400, err.StatusCode())
}

func TestProxy_RotatesToNextCredentialOnUpstreamError(t *testing.T) {
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	pool := keypool.New([]*keypool.Credential{
		testutil.SampleCredential("http://127.0.0.1:1"),
		testutil.SampleCredential(srvB.URL),
	}, keypool.RoundRobin, nil)
	engine := newEngine(t, pool, 2)

	resp, err := engine.Proxy(context.Background(), "req-1", http.MethodPost, "/", http.Header{}, []byte(`{}`))
	require.Nil(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxy_ReportsAttemptSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := keypool.New([]*keypool.Credential{testutil.SampleCredential(srv.URL)}, keypool.RoundRobin, nil)
	engine := newEngine(t, pool, 1)

	var got Attempt
	engine.OnAttempt(func(a Attempt) { got = a })

	resp, err := engine.Proxy(context.Background(), "req-42", http.MethodPost, "/", http.Header{}, []byte(`{"model":"gpt-4"}`))
	require.Nil(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-42", got.RequestID)
	assert.Equal(t, "gpt-4", got.Model)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, 0, got.Rotations)
}

// TestProxy_RotatesOn429WithExactCallCount is scenario S2: two credentials,
// A dedicated to gpt-3.5-turbo and B catch-all. A returns 429, B returns
// 200; the client sees B's 200 and exactly two upstream calls are made.
func TestProxy_RotatesOn429WithExactCallCount(t *testing.T) {
	callsA := 0
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callsA++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srvA.Close()

	callsB := 0
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callsB++
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	pool := keypool.New([]*keypool.Credential{
		testutil.SampleCredential(srvA.URL, "gpt-3.5-turbo"),
		testutil.SampleCredential(srvB.URL, "others"),
	}, keypool.RoundRobin, nil)
	engine := newEngineExactCalls(t, pool, 3)

	body := []byte(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"Hello!"}]}`)
	resp, err := engine.Proxy(context.Background(), "req-s2", http.MethodPost, "/v1/chat/completions", http.Header{}, body)
	require.Nil(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, callsA)
	assert.Equal(t, 1, callsB)
	assert.Equal(t, 2, callsA+callsB)
}

// TestProxy_RoutesToOthersAndNeverCallsNonMatchingCredential is scenario
// S3: A is dedicated to gpt-3.5-turbo, B is catch-all. A request naming
// claude-2 can only match B; A must never be called.
func TestProxy_RoutesToOthersAndNeverCallsNonMatchingCredential(t *testing.T) {
	aCalled := false
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srvA.Close()

	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	pool := keypool.New([]*keypool.Credential{
		testutil.SampleCredential(srvA.URL, "gpt-3.5-turbo"),
		testutil.SampleCredential(srvB.URL, "others"),
	}, keypool.RoundRobin, nil)
	engine := newEngineExactCalls(t, pool, 1)

	resp, err := engine.Proxy(context.Background(), "req-s3", http.MethodPost, "/v1/chat/completions", http.Header{}, []byte(`{"model":"claude-2"}`))
	require.Nil(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, aCalled, "credential A must never be called for a model it does not serve")
}

// TestProxy_ExhaustionReturns502WithExactCallCount is scenario S6: one
// credential, upstream always 429, max_retries=2; the client sees 502 and
// exactly three upstream calls were made.
func TestProxy_ExhaustionReturns502WithExactCallCount(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pool := keypool.New([]*keypool.Credential{testutil.SampleCredential(srv.URL)}, keypool.RoundRobin, nil)
	engine := newEngineExactCalls(t, pool, 2)

	_, err := engine.Proxy(context.Background(), "req-s6", http.MethodPost, "/v1/chat/completions", http.Header{}, []byte(`{}`))
	require.NotNil(t, err)
	assert.Equal(t, 502, err.StatusCode())
	assert.Equal(t, 3, calls)
}
