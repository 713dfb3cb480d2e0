package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantHealthy bool
	}{
		{"200 is healthy", http.StatusOK, true},
		{"302 is healthy", http.StatusFound, true},
		{"500 is unhealthy", http.StatusInternalServerError, false},
		{"404 is unhealthy", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			checker := NewHTTPChecker(server.URL, 2*time.Second)
			result := checker.Check(context.Background())

			assert.Equal(t, tt.wantHealthy, result.Healthy, result.Message)
			assert.Equal(t, CheckTypeHTTP, checker.Type())
		})
	}
}

func TestHTTPChecker_Unreachable(t *testing.T) {
	checker := NewHTTPChecker("http://127.0.0.1:1", time.Second)
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.NotEmpty(t, result.Message)
}
