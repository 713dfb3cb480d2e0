package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReconnectDelay_Bounds(t *testing.T) {
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		got := reconnectDelay(tt.attempt)
		if got < tt.base || got > tt.base+time.Second {
			t.Errorf("reconnectDelay(%d) = %v, want [%v, %v]", tt.attempt, got, tt.base, tt.base+time.Second)
		}
	}
}

func TestEndpoint_QueryParameters(t *testing.T) {
	c := New(Options{
		VaultURL:      "https://vault.example.com",
		APIKey:        func() string { return "key-1" },
		Hostname:      "host-a",
		Version:       "1.2.3",
		Platform:      "linux/amd64",
		CertIDs:       []string{"c1", "c2"},
		SecretIDs:     []string{"s1"},
		UpdateChannel: "stable",
	})

	endpoint, err := c.endpoint()
	if err != nil {
		t.Fatalf("endpoint failed: %v", err)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "wss" {
		t.Errorf("scheme = %q, want wss", u.Scheme)
	}
	if u.Path != "/v1/ws/agent" {
		t.Errorf("path = %q", u.Path)
	}

	q := u.Query()
	if q.Get("certIds") != "c1,c2" {
		t.Errorf("certIds = %q", q.Get("certIds"))
	}
	if q.Get("secretIds") != "s1" {
		t.Errorf("secretIds = %q", q.Get("secretIds"))
	}
	if q.Get("apiKey") != "key-1" {
		t.Errorf("apiKey = %q", q.Get("apiKey"))
	}
	if q.Get("updateChannel") != "stable" || q.Get("hostname") != "host-a" {
		t.Errorf("query = %v", q)
	}
}

func TestEndpoint_PlainHTTPBecomesWS(t *testing.T) {
	c := New(Options{VaultURL: "http://localhost:8080"})
	endpoint, err := c.endpoint()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(endpoint, "ws://localhost:8080/v1/ws/agent") {
		t.Errorf("endpoint = %q", endpoint)
	}
}

// TestRun_DeliversEvents runs one connect cycle against a local WS
// server and checks event dispatch and the connected callback.
func TestRun_DeliversEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apiKey") != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(Message{Type: "registered", AgentID: "agent-1"})
		conn.WriteJSON(Message{Type: "event", Topic: TopicSecrets, Data: []byte(`{"secretId":"s1"}`)})
		// Hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	events := make(chan string, 1)
	connected := make(chan struct{}, 1)
	c := New(Options{
		VaultURL: server.URL,
		APIKey:   func() string { return "key-1" },
		OnEvent: func(topic string, data json.RawMessage) {
			events <- topic
		},
		OnConnected: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("OnConnected never fired")
	}
	select {
	case topic := <-events:
		if topic != TopicSecrets {
			t.Errorf("topic = %q, want %q", topic, TopicSecrets)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event never delivered")
	}

	if !c.Connected() {
		t.Error("channel should report connected")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestRun_AuthFailureStopsWhenUnrecoverable verifies that a 401
// handshake with a failed recovery callback ends the reconnect loop.
func TestRun_AuthFailureStopsWhenUnrecoverable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var recoveries int32
	c := New(Options{
		VaultURL: server.URL,
		APIKey:   func() string { return "stale" },
		OnAuthFailure: func() bool {
			atomic.AddInt32(&recoveries, 1)
			return false
		},
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run should return the auth failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after unrecoverable auth failure")
	}
	if got := atomic.LoadInt32(&recoveries); got != 1 {
		t.Errorf("recovery attempts = %d, want 1", got)
	}
}

// TestRun_AttemptResetsAfterSuccessfulOpen verifies the backoff counter
// restarts at 1s after every successful open. The server accepts each
// upgrade and drops it immediately; five opens must complete on first-
// attempt delays rather than a compounding series.
func TestRun_AttemptResetsAfterSuccessfulOpen(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	var opens int32
	c := New(Options{
		VaultURL: server.URL,
		OnConnected: func() {
			atomic.AddInt32(&opens, 1)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	start := time.Now()
	deadline := time.After(12 * time.Second)
	for atomic.LoadInt32(&opens) < 5 {
		select {
		case <-deadline:
			t.Fatalf("only %d opens in %v; reconnect delays are compounding", atomic.LoadInt32(&opens), time.Since(start))
		case <-time.After(20 * time.Millisecond):
		}
	}
	// Four post-open delays of 1s plus at most 1s jitter each
	if elapsed := time.Since(start); elapsed > 11*time.Second {
		t.Errorf("5 opens took %v, want first-attempt delays throughout", elapsed)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSend_NotConnected(t *testing.T) {
	c := New(Options{VaultURL: "https://vault.example.com"})
	if err := c.Send(Message{Type: "ping"}); err == nil {
		t.Error("Send without a connection should fail")
	}
}
