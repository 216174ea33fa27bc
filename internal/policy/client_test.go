package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(t *testing.T, endpoint string, threshold int) *Client {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewClient(endpoint, 2*time.Second, threshold, 50*time.Millisecond, time.Second, testLogger(), m)
}

func testAction() *model.Action {
	a := model.NewAction(model.ActionScaleDeployment, "deploy/web", model.EnvProduction, "supervisor")
	a.AffectedResources = []string{"deploy/web"}
	return a
}

func TestEvaluateAllow(t *testing.T) {
	var gotReq EvaluateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]any{"allow": true})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5)
	decision, err := c.Evaluate(context.Background(), testAction(), model.RiskMedium)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reasons)

	assert.Equal(t, "scale_deployment", gotReq.Action)
	assert.Equal(t, "production", gotReq.Environment)
	assert.Equal(t, "medium", gotReq.RiskLevel)
	assert.Equal(t, 1, gotReq.Context.BlastRadius)
}

func TestEvaluateDenyCarriesOrderedReasons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"allow":        false,
			"deny_reasons": []string{"change freeze in effect", "production requires ticket"},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5)
	decision, err := c.Evaluate(context.Background(), testAction(), model.RiskHigh)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{"change freeze in effect", "production requires ticket"}, decision.Reasons)
}

func TestEvaluateDenyReasonsOverrideAllowFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"allow":        true,
			"deny_reasons": []string{"conflicting rule"},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5)
	decision, err := c.Evaluate(context.Background(), testAction(), model.RiskLow)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "a decision with deny reasons is a deny")
}

func TestEvaluateServerErrorFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5)
	decision, err := c.Evaluate(context.Background(), testAction(), model.RiskLow)
	require.Error(t, err)
	assert.Nil(t, decision)
	assert.ErrorIs(t, err, model.ErrPolicyUnavailable)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 3)
	for i := 0; i < 3; i++ {
		_, err := c.Evaluate(context.Background(), testAction(), model.RiskLow)
		require.ErrorIs(t, err, model.ErrPolicyUnavailable)
	}
	require.Equal(t, BreakerOpen, c.BreakerState())

	// The open breaker answers without touching the service.
	before := calls.Load()
	_, err := c.Evaluate(context.Background(), testAction(), model.RiskLow)
	require.ErrorIs(t, err, model.ErrPolicyUnavailable)
	assert.Equal(t, before, calls.Load())
}

func TestBreakerRecoversThroughProbe(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"allow": true})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 1)
	_, err := c.Evaluate(context.Background(), testAction(), model.RiskLow)
	require.ErrorIs(t, err, model.ErrPolicyUnavailable)
	require.Equal(t, BreakerOpen, c.BreakerState())

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond) // past the 50ms cool-down

	decision, err := c.Evaluate(context.Background(), testAction(), model.RiskLow)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, BreakerClosed, c.BreakerState())
}

func TestEvaluateUnreachableEndpoint(t *testing.T) {
	c := testClient(t, "http://127.0.0.1:1", 5)
	_, err := c.Evaluate(context.Background(), testAction(), model.RiskLow)
	require.ErrorIs(t, err, model.ErrPolicyUnavailable)
}
