package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	s := NewServer("1.2.3")
	s.SetWebSocketState(true)
	s.SetLastSync(time.Now())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.healthHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.True(t, resp.WebSocketConnected)
	assert.NotZero(t, resp.Timestamp)
}

func TestReadyHandler(t *testing.T) {
	tests := []struct {
		name           string
		wsConnected    bool
		expectedStatus int
	}{
		{
			name:           "ready when websocket is open",
			wsConnected:    true,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "not ready when websocket is down",
			wsConnected:    false,
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("test")
			s.SetWebSocketState(tt.wsConnected)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()
			s.readyHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestLiveHandler(t *testing.T) {
	s := NewServer("test")

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	s.liveHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "alive", resp["status"])
}
