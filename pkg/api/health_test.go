package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cuemby/logship/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthServerRoutes(t *testing.T) {
	metrics.RegisterComponent(metrics.ComponentStorage, true, "")
	hs := NewHealthServer()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/live", wantStatus: http.StatusOK, wantBody: `"alive"`},
		{path: "/ready", wantStatus: http.StatusOK, wantBody: `"ready"`},
		{path: "/health", wantStatus: http.StatusOK},
		{path: "/metrics", wantStatus: http.StatusOK, wantBody: "logship_entries_total"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			metrics.EntriesTotal.WithLabelValues("info").Add(0)

			rec := httptest.NewRecorder()
			hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHealthServerRejectsPost(t *testing.T) {
	hs := NewHealthServer()

	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", strings.NewReader("{}")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthServerStartStop(t *testing.T) {
	metrics.RegisterComponent(metrics.ComponentStorage, true, "")
	hs := NewHealthServer()

	addr, err := hs.Start("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var status metrics.HealthStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "ready", status.Status)

	require.NoError(t, hs.Stop(context.Background()))
	_, err = http.Get("http://" + addr.String() + "/ready")
	assert.Error(t, err)
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, NewHealthServer().Stop(context.Background()))
}
