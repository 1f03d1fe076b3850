package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/commands", r.URL.Path)

		var req commandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "kubectl get pods", req.Command)

		_ = json.NewEncoder(w).Encode(executorResponse{Success: true, Output: "3 pods running"})
	}))
	defer srv.Close()

	c := NewExecutorClient(ExecutorConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	out, err := c.Run(context.Background(), "kubectl get pods")
	require.NoError(t, err)
	assert.Equal(t, "3 pods running", out)
}

func TestExecutorRunFailureKeepsOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(executorResponse{
			Success: false,
			Output:  "partial log",
			Error:   "exit status 1",
		})
	}))
	defer srv.Close()

	c := NewExecutorClient(ExecutorConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	out, err := c.Run(context.Background(), "systemctl restart payments")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Equal(t, "partial log", out)
}

func TestExecutorRollback(t *testing.T) {
	var got rollbackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/rollbacks", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(executorResponse{Success: true})
	}))
	defer srv.Close()

	c := NewExecutorClient(ExecutorConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, c.Rollback(context.Background(), "payments", "v1.4.2", "v1.4.1"))
	assert.Equal(t, rollbackRequest{Service: "payments", FromVersion: "v1.4.2", ToVersion: "v1.4.1"}, got)
}

func TestExecutorSimulatedWithoutURL(t *testing.T) {
	c := NewExecutorClient(ExecutorConfig{Timeout: time.Second})

	out, err := c.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Contains(t, out, "echo hello")

	require.NoError(t, c.Rollback(context.Background(), "payments", "v2", "v1"))
}
