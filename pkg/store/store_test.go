package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/znlabs/zn-vault-agent/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetCertState(t *testing.T) {
	s := openTestStore(t)

	want := types.SyncState{
		Fingerprint:  "abc123",
		Version:      4,
		LastSyncedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.PutCertState("web", want); err != nil {
		t.Fatalf("PutCertState failed: %v", err)
	}

	got, err := s.GetCertState("web")
	if err != nil {
		t.Fatalf("GetCertState failed: %v", err)
	}
	if got.Fingerprint != want.Fingerprint || got.Version != want.Version {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.LastSyncedAt.Equal(want.LastSyncedAt) {
		t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, want.LastSyncedAt)
	}
}

// TestGetMissingReturnsZeroState verifies that an absent target yields a
// zero state rather than an error.
func TestGetMissingReturnsZeroState(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetSecretState("never-written")
	if err != nil {
		t.Fatalf("GetSecretState failed: %v", err)
	}
	if got.Fingerprint != "" || got.Version != 0 || !got.LastSyncedAt.IsZero() {
		t.Errorf("missing state should be zero, got %+v", got)
	}
}

// TestCertAndSecretNamespaces verifies that a cert target and a secret
// target with the same name do not collide.
func TestCertAndSecretNamespaces(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutCertState("app", types.SyncState{Fingerprint: "cert-fp"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSecretState("app", types.SyncState{Fingerprint: "secret-fp"}); err != nil {
		t.Fatal(err)
	}

	cert, _ := s.GetCertState("app")
	secret, _ := s.GetSecretState("app")
	if cert.Fingerprint != "cert-fp" || secret.Fingerprint != "secret-fp" {
		t.Errorf("namespace collision: cert=%q secret=%q", cert.Fingerprint, secret.Fingerprint)
	}
}

func TestDeleteTargetState(t *testing.T) {
	s := openTestStore(t)

	s.PutCertState("app", types.SyncState{Fingerprint: "x"})
	s.PutSecretState("app", types.SyncState{Fingerprint: "y"})
	if err := s.DeleteTargetState("app"); err != nil {
		t.Fatalf("DeleteTargetState failed: %v", err)
	}

	cert, _ := s.GetCertState("app")
	secret, _ := s.GetSecretState("app")
	if cert.Fingerprint != "" || secret.Fingerprint != "" {
		t.Error("state should be gone after delete")
	}
}

// TestStatePersistsAcrossReopen verifies the state survives a close and
// reopen of the same data directory.
func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutCertState("web", types.SyncState{Fingerprint: "fp", Version: 2}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.GetCertState("web")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fingerprint != "fp" || got.Version != 2 {
		t.Errorf("reopened state = %+v", got)
	}
}

func TestOpen_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	info, err := os.Stat(filepath.Join(dir, "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("database mode = %o, want 0600", perm)
	}
}
