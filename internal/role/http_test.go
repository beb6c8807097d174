package role

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/conclave/internal/report"
)

func TestHTTPHandlerPostsTaskAndDecodesReport(t *testing.T) {
	var got Task
	var attempt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		attempt = r.Header.Get("X-Conclave-Attempt")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"findings":[{"location":"api.go:7","severity":"critical","description":"sql injection"}],"scores":{"security":3}}`))
	}))
	defer srv.Close()

	h, err := NewHTTPHandler(srv.URL+"/review", 0)
	require.NoError(t, err)
	rep, err := h.Handle(context.Background(), Task{ID: "sec", Role: "security", RunID: "run-1", Attempt: 2, Artifact: "api.go"})
	require.NoError(t, err)
	assert.Equal(t, "sec", got.ID)
	assert.Equal(t, "api.go", got.Artifact)
	assert.Equal(t, "2", attempt)
	require.Len(t, rep.Findings, 1)
	assert.Equal(t, report.SeverityCritical, rep.Findings[0].Severity)
	assert.Equal(t, 3.0, rep.Scores["security"])
}

func TestHTTPHandlerStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		fatal  bool
	}{
		{name: "server error is retryable", status: http.StatusBadGateway, body: "upstream down", fatal: false},
		{name: "client error is fatal", status: http.StatusBadRequest, body: "unknown task", fatal: true},
		{name: "malformed report is fatal", status: http.StatusOK, body: "not json", fatal: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			h, err := NewHTTPHandler(srv.URL, time.Second)
			require.NoError(t, err)
			_, err = h.Handle(context.Background(), Task{ID: "a", Role: "r"})
			require.Error(t, err)
			assert.Equal(t, tc.fatal, IsFatal(err))
			if tc.status != http.StatusOK {
				assert.Contains(t, err.Error(), tc.body)
			}
		})
	}
}

func TestHTTPHandlerHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h, err := NewHTTPHandler(srv.URL, time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Handle(ctx, Task{ID: "a", Role: "r"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsFatal(err))
}

func TestNewHTTPHandlerRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://example.com/x", "http://", "://nope"} {
		_, err := NewHTTPHandler(raw, 0)
		assert.Error(t, err, raw)
	}
	h, err := NewHTTPHandler(" https://reviewers.internal/security ", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://reviewers.internal/security", h.Endpoint())
}
