package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestGetSecret_ByUUID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secrets/abc-123/decrypt" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "abc-123", "version": 7,
			"data": map[string]string{"DB_PASS": "s3cret"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("key"))
	secret, err := client.GetSecret(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if secret.Version != 7 {
		t.Errorf("version = %d, want 7", secret.Version)
	}
	if secret.Data["DB_PASS"] != "s3cret" {
		t.Errorf("data = %#v", secret.Data)
	}
}

// TestGetSecret_AliasResolution verifies that alias references resolve
// through the metadata endpoint before decryption.
func TestGetSecret_AliasResolution(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// EscapedPath keeps the %2F of the alias reference visible
		calls = append(calls, r.URL.EscapedPath())
		switch r.URL.EscapedPath() {
		case "/v1/secrets/alias/prod%2Fdb":
			json.NewEncoder(w).Encode(map[string]any{"id": "uuid-9", "alias": "prod/db", "version": 2})
		case "/v1/secrets/uuid-9/decrypt":
			json.NewEncoder(w).Encode(map[string]any{"id": "uuid-9", "version": 2, "data": map[string]string{"k": "v"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("key"))
	secret, err := client.GetSecret(context.Background(), "alias:prod/db")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if secret.Alias != "prod/db" || secret.ID != "uuid-9" {
		t.Errorf("secret = %+v", secret)
	}
	if len(calls) != 2 {
		t.Errorf("calls = %v, want metadata then decrypt", calls)
	}
}

// TestDo_RetriesTransient verifies that a 500 is retried and the retry
// succeeds.
func TestDo_RetriesTransient(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("key"))
	if err := client.CheckHealth(context.Background()); err != nil {
		t.Fatalf("CheckHealth failed after retry: %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

// TestDo_NoRetryOnAuthError verifies that a 401 aborts immediately.
func TestDo_NoRetryOnAuthError(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "bad key"})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("stale"))
	err := client.CheckHealth(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Errorf("expected AuthError, got %T: %v", err, err)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("requests = %d, want 1 (no retry on 401)", got)
	}
}

// TestDo_TerminalClientError verifies that a 404 is not retried and is
// not classified as an auth failure.
func TestDo_TerminalClientError(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("key"))
	err := client.CheckHealth(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if IsAuthError(err) {
		t.Error("404 must not be an AuthError")
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

// TestInjectAuth_APIKeyHeader verifies the X-API-Key header is used for
// static keys.
func TestInjectAuth_APIKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "my-key" {
			t.Errorf("X-API-Key = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("my-key"))
	if err := client.CheckHealth(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestInjectAuth_ExplicitTokenOutranksAPIKey verifies an explicit
// bearer token wins over a configured API key.
func TestInjectAuth_ExplicitTokenOutranksAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer explicit-tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-API-Key"); got != "" {
			t.Errorf("unexpected X-API-Key header %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithToken("explicit-tok"), WithAPIKey("my-key"))
	if err := client.CheckHealth(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestInjectAuth_LoginFallback verifies that without an API key the
// client logs in and caches the bearer token.
func TestInjectAuth_LoginFallback(t *testing.T) {
	var logins int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			atomic.AddInt32(&logins, 1)
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["username"] != "agent" || body["password"] != "pw" {
				t.Errorf("login body = %v", body)
			}
			json.NewEncoder(w).Encode(map[string]any{"accessToken": "tok-1", "expiresIn": 3600})
		case "/v1/health":
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Errorf("Authorization = %q", got)
			}
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, WithCredentials("agent", "pw"))

	// Two calls, one login: the token is cached
	if err := client.CheckHealth(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := client.CheckHealth(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&logins); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
	if !client.HasValidToken() {
		t.Error("expected a cached valid token")
	}

	client.ClearToken()
	if client.HasValidToken() {
		t.Error("token should be gone after ClearToken")
	}
}

func TestBindManagedAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/api-keys/managed/host-key/bind" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"key": "K1", "rotationMode": "scheduled"})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("K0"))
	resp, err := client.BindManagedAPIKey(context.Background(), "host-key")
	if err != nil {
		t.Fatalf("BindManagedAPIKey failed: %v", err)
	}
	if resp.Key != "K1" {
		t.Errorf("key = %q, want K1", resp.Key)
	}
}

func TestListSecrets_NormalizesArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "a", "version": 1},
			{"id": "b", "version": 2},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("key"))
	list, err := client.ListSecrets(context.Background())
	if err != nil {
		t.Fatalf("ListSecrets failed: %v", err)
	}
	if list.Total != 2 || len(list.Items) != 2 {
		t.Errorf("list = %+v", list)
	}
}

func TestIsTransientNetErr(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"dial tcp 127.0.0.1:1: connection refused", true},
		{"lookup vault.local: no such host", true},
		{"read tcp: connection reset by peer", true},
		{"unexpected EOF", true},
		{"x509: certificate signed by unknown authority", false},
	}
	for _, tt := range tests {
		if got := isTransientNetErr(errTest(tt.msg)); got != tt.want {
			t.Errorf("isTransientNetErr(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
