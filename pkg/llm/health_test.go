package llm

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnsureHealthyProbesOnFirstUse tests the lazy initial probe
func TestEnsureHealthyProbesOnFirstUse(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		w.Write([]byte(completionBody("pong")))
	})
	defer server.Close()

	checker := NewHealthChecker(NewClient(server.URL, "", "m", 1))
	require.NoError(t, checker.EnsureHealthy(context.Background(), false))

	healthy, lastErr, lastCheck := checker.Status()
	assert.True(t, healthy)
	assert.Empty(t, lastErr)
	assert.False(t, lastCheck.IsZero())
}

// TestEnsureHealthyReportsFailure tests that probe failures surface as
// errors with the upstream cause.
func TestEnsureHealthyReportsFailure(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"message": "backend down"}}`))
	})
	defer server.Close()

	checker := NewHealthChecker(NewClient(server.URL, "", "m", 1))
	err := checker.EnsureHealthy(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")

	healthy, lastErr, _ := checker.Status()
	assert.False(t, healthy)
	assert.NotEmpty(t, lastErr)
}

// TestEnsureHealthyCachesOutcome tests that a later call without force
// reuses the remembered probe result.
func TestEnsureHealthyCachesOutcome(t *testing.T) {
	calls := 0
	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		calls++
		w.Write([]byte(completionBody("pong")))
	})
	defer server.Close()

	checker := NewHealthChecker(NewClient(server.URL, "", "m", 1))
	ctx := context.Background()
	require.NoError(t, checker.EnsureHealthy(ctx, false))
	require.NoError(t, checker.EnsureHealthy(ctx, false))
	assert.Equal(t, 1, calls)

	require.NoError(t, checker.EnsureHealthy(ctx, true))
	assert.Equal(t, 2, calls, "force triggers a fresh probe")
}
