package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	name string
	err  error
}

func (f fakeChecker) Name() string                  { return f.name }
func (f fakeChecker) Healthy(context.Context) error { return f.err }

func TestHealth_AllComponentsOK(t *testing.T) {
	s, err := NewServer(9090, nil,
		fakeChecker{name: "store"},
		fakeChecker{name: "nats"},
	)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Components["store"])
	assert.Equal(t, "ok", resp.Components["nats"])
}

func TestHealth_DegradedOnFailingComponent(t *testing.T) {
	s, err := NewServer(9090, nil,
		fakeChecker{name: "store"},
		fakeChecker{name: "nats", err: errors.New("connection closed")},
	)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Components["store"])
	assert.Equal(t, "connection closed", resp.Components["nats"])
}

func TestMetrics_Served(t *testing.T) {
	s, err := NewServer(9090, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
