package managedkey

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/znlabs/zn-vault-agent/pkg/events"
	"github.com/znlabs/zn-vault-agent/pkg/types"
	"github.com/znlabs/zn-vault-agent/pkg/vault"
)

// fakeBinder returns scripted bind responses in order, repeating the
// last one.
type fakeBinder struct {
	mu        sync.Mutex
	responses []*types.BindResponse
	errs      []error
	calls     int
	activeKey string
}

func (f *fakeBinder) BindManagedAPIKey(ctx context.Context, name string) (*types.BindResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.responses[i], nil
}

func (f *fakeBinder) SetAPIKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeKey = key
}

func (f *fakeBinder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeConfig records persisted keys.
type fakeConfig struct {
	mu    sync.Mutex
	key   string
	saves int
}

func (f *fakeConfig) SetManagedKey(key string, next, grace *time.Time, mode types.RotationMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
	f.saves++
	return nil
}

func (f *fakeConfig) APIKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key
}

func newTestBroker(t *testing.T) *events.Broker {
	t.Helper()
	b := events.NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

// TestRefresh_ExactlyOnceCallback verifies that K distinct key values
// produce K-1 callbacks when the initial key was already set.
func TestRefresh_ExactlyOnceCallback(t *testing.T) {
	binder := &fakeBinder{responses: []*types.BindResponse{
		{Key: "K0"}, // startup refresh, same as stored
		{Key: "K1"}, // rotation
		{Key: "K1"}, // repeat, no change
	}}
	cfg := &fakeConfig{key: "K0"}

	var mu sync.Mutex
	var changed []string
	ctrl := NewController(binder, cfg, "host-key", newTestBroker(t), func(key string) {
		mu.Lock()
		changed = append(changed, key)
		mu.Unlock()
	})
	defer ctrl.Stop()

	ctx := context.Background()
	ctrl.Start(ctx)

	if err := ctrl.Refresh(ctx, "scheduled"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := ctrl.Refresh(ctx, "scheduled"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changed) != 1 || changed[0] != "K1" {
		t.Errorf("onKeyChanged calls = %v, want exactly [K1]", changed)
	}
	if cfg.APIKey() != "K1" {
		t.Errorf("persisted key = %q, want K1", cfg.APIKey())
	}
	if binder.activeKey != "K1" {
		t.Errorf("client key = %q, want K1", binder.activeKey)
	}
}

// TestRefresh_PollFallbackCountsMissedRotation verifies the missed-
// rotation bookkeeping when a poll, not a WS event, catches the change.
func TestRefresh_PollFallbackCountsMissedRotation(t *testing.T) {
	binder := &fakeBinder{responses: []*types.BindResponse{
		{Key: "K0"},
		{Key: "K1"},
	}}
	cfg := &fakeConfig{key: "K0"}
	ctrl := NewController(binder, cfg, "host-key", newTestBroker(t), nil)
	defer ctrl.Stop()

	ctx := context.Background()
	ctrl.Start(ctx)

	if err := ctrl.Refresh(ctx, "grace_poll"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	state := ctrl.State()
	if state.Tracking.MissedRotationsCount != 1 {
		t.Errorf("missed rotations = %d, want 1", state.Tracking.MissedRotationsCount)
	}
	if state.CurrentKey != "K1" {
		t.Errorf("current key = %q, want K1", state.CurrentKey)
	}
}

// TestHandleAuthFailure_StaleKey verifies that a 401 on the emergency
// bind marks the key stale and stops reconnects.
func TestHandleAuthFailure_StaleKey(t *testing.T) {
	binder := &fakeBinder{
		responses: []*types.BindResponse{nil},
		errs:      []error{&vault.AuthError{Status: 401, Message: "invalid key"}},
	}
	cfg := &fakeConfig{key: "K0"}
	ctrl := NewController(binder, cfg, "host-key", newTestBroker(t), nil)
	defer ctrl.Stop()

	ctrl.mu.Lock()
	ctrl.running = true
	ctrl.currentKey = "K0"
	ctrl.mu.Unlock()

	if ctrl.HandleAuthFailure(context.Background()) {
		t.Error("HandleAuthFailure should return false on a 401 bind")
	}
	if !ctrl.State().StaleKeyDetected {
		t.Error("staleKeyDetected should be set")
	}
}

// TestHandleAuthFailure_Recovers verifies that a successful emergency
// bind clears the stale flag and resumes reconnects.
func TestHandleAuthFailure_Recovers(t *testing.T) {
	binder := &fakeBinder{responses: []*types.BindResponse{{Key: "K1"}}}
	cfg := &fakeConfig{key: "K0"}
	ctrl := NewController(binder, cfg, "host-key", newTestBroker(t), nil)
	defer ctrl.Stop()

	ctrl.mu.Lock()
	ctrl.running = true
	ctrl.currentKey = "K0"
	ctrl.staleKeyDetected = true
	ctrl.mu.Unlock()

	if !ctrl.HandleAuthFailure(context.Background()) {
		t.Error("HandleAuthFailure should return true after a successful bind")
	}
	state := ctrl.State()
	if state.StaleKeyDetected {
		t.Error("stale flag should be cleared")
	}
	if state.CurrentKey != "K1" {
		t.Errorf("current key = %q, want K1", state.CurrentKey)
	}
}

// TestHandleAuthFailure_TransientKeepsRetrying verifies that a network
// failure on the emergency bind does not stop reconnection.
func TestHandleAuthFailure_TransientKeepsRetrying(t *testing.T) {
	binder := &fakeBinder{
		responses: []*types.BindResponse{nil},
		errs:      []error{errors.New("connection refused")},
	}
	cfg := &fakeConfig{key: "K0"}
	ctrl := NewController(binder, cfg, "host-key", newTestBroker(t), nil)
	defer ctrl.Stop()

	if !ctrl.HandleAuthFailure(context.Background()) {
		t.Error("transient bind failure should keep the channel retrying")
	}
}

// TestHandleRotationEvent_NameFilter verifies that events for other keys
// are ignored.
func TestHandleRotationEvent_NameFilter(t *testing.T) {
	binder := &fakeBinder{responses: []*types.BindResponse{{Key: "K1"}}}
	cfg := &fakeConfig{key: "K0"}
	ctrl := NewController(binder, cfg, "host-key", newTestBroker(t), nil)
	defer ctrl.Stop()

	ctrl.HandleRotationEvent(context.Background(), "some-other-key")

	time.Sleep(50 * time.Millisecond)
	if got := binder.callCount(); got != 0 {
		t.Errorf("bind calls = %d, want 0 for a mismatched key name", got)
	}
}

// TestScheduling_NextRotationLeadsByThirtySeconds checks the delay rules
// without waiting for timers to fire.
func TestSchedulingRules(t *testing.T) {
	future := func(d time.Duration) *time.Time {
		t := time.Now().Add(d)
		return &t
	}

	tests := []struct {
		name  string
		next  *time.Time
		grace *time.Time
		min   time.Duration
		max   time.Duration
	}{
		{"rotation minus lead", future(10 * time.Minute), nil, 9 * time.Minute, 10 * time.Minute},
		{"clamped to floor", future(10 * time.Second), nil, minRefreshDelay, minRefreshDelay + time.Second},
		{"grace midpoint", nil, future(10 * time.Minute), 4 * time.Minute, 6 * time.Minute},
		{"fixed interval", nil, nil, fixedRefreshInterval, fixedRefreshInterval + time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := NewController(&fakeBinder{responses: []*types.BindResponse{{Key: "K0"}}},
				&fakeConfig{}, "host-key", newTestBroker(t), nil)
			defer ctrl.Stop()

			ctrl.mu.Lock()
			ctrl.running = true
			ctrl.nextRotationAt = tt.next
			ctrl.graceExpiresAt = tt.grace
			delay := ctrl.refreshDelayLocked()
			ctrl.mu.Unlock()

			if delay < tt.min || delay > tt.max {
				t.Errorf("delay = %v, want within [%v, %v]", delay, tt.min, tt.max)
			}
		})
	}
}
