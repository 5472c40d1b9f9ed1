package report

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBody(t *testing.T, r *http.Request) webhookPayload {
	t.Helper()

	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload
}

func TestFinalizer_Finalize_Success(t *testing.T) {
	var calls atomic.Int32
	var gotToken string
	var gotPayload webhookPayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotToken = r.URL.Query().Get("repo_token")
		gotPayload = decodeBody(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := NewFinalizerWithClient(server.URL, "secret-token", server.Client(), time.Millisecond)
	err := f.Finalize(context.Background(), "42-abc1234", MarkerDone)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "secret-token", gotToken)
	assert.Equal(t, "42-abc1234", gotPayload.Payload.BuildNum)
	assert.Equal(t, "done", gotPayload.Payload.Status)
}

func TestFinalizer_Finalize_RetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := NewFinalizerWithClient(server.URL, "tok", server.Client(), time.Millisecond)
	err := f.Finalize(context.Background(), "7-deadbee", MarkerError)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFinalizer_Finalize_SecondFailureIsFinal(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewFinalizerWithClient(server.URL, "tok", server.Client(), time.Millisecond)
	err := f.Finalize(context.Background(), "7-deadbee", MarkerDone)
	require.Error(t, err)

	var finErr *FinalizationError
	require.ErrorAs(t, err, &finErr)
	assert.Equal(t, int32(2), calls.Load(), "exactly one retry")
}

func TestFinalizer_Finalize_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	f := NewFinalizerWithClient(server.URL, "bad-token", server.Client(), time.Millisecond)
	err := f.Finalize(context.Background(), "7-deadbee", MarkerDone)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a payload rejection is not transient")
}

func TestFinalizer_Finalize_ConnectionRefusedIsTransient(t *testing.T) {
	// Point at a closed port: both attempts fail at the network level.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	f := NewFinalizerWithClient(url, "tok", &http.Client{Timeout: time.Second}, time.Millisecond)
	err := f.Finalize(context.Background(), "7-deadbee", MarkerDone)
	require.Error(t, err)

	var finErr *FinalizationError
	assert.ErrorAs(t, err, &finErr)
}
