package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/formpilot/internal/models"
)

func TestClient_Enqueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var specs []models.JobSpec
		require.NoError(t, json.NewDecoder(r.Body).Decode(&specs))
		assert.Len(t, specs, 2)

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"accepted":1,"jobIds":["a"],"rejected":[{"index":1,"error":"bad url"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", nil)
	result, err := client.Enqueue(context.Background(), []models.JobSpec{
		{TargetURL: "https://example.co.jp/"},
		{TargetURL: "nope"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, []string{"a"}, result.JobIDs)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 1, result.Rejected[0].Index)
}

func TestClient_EnqueueAllRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"accepted":0,"jobIds":[],"rejected":[{"index":0,"error":"bad url"}]}`))
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, nil).Enqueue(context.Background(), []models.JobSpec{{TargetURL: "nope"}})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Len(t, result.Rejected, 1)
}

func TestClient_StatsAndControls(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/api/jobs/stats":
			w.Write([]byte(`{"counts":{"pending":2,"processing":1,"completed":0,"failed":0},"paused":true,"maxConcurrent":3,"inFlight":1}`))
		case "/api/queue/concurrency":
			w.Write([]byte(`{"maxConcurrent":5}`))
		default:
			w.Write([]byte(`{"paused":true}`))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	ctx := context.Background()

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Paused)
	assert.Equal(t, 3, stats.MaxConcurrent)
	assert.Equal(t, 2, stats.Counts.Pending)

	require.NoError(t, client.Pause(ctx))
	require.NoError(t, client.Resume(ctx))

	n, err := client.SetConcurrency(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, []string{
		"GET /api/jobs/stats",
		"POST /api/queue/pause",
		"POST /api/queue/resume",
		"PUT /api/queue/concurrency",
	}, calls)
}

func TestClient_ErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","error":"max concurrency must be between 1 and 5"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).SetConcurrency(context.Background(), 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "between 1 and 5")
}
