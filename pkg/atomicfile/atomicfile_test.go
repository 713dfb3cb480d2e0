package atomicfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"absolute path", "/etc/ssl/cert.pem", false},
		{"relative path", "certs/cert.pem", true},
		{"parent traversal", "/etc/../etc/passwd", true},
		{"embedded NUL", "/etc/ssl/\x00cert", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain-name", "plain-name"},
		{"with space", "with_space"},
		{"semi;colon", "semi_colon"},
		{"$(injection)", "__injection_"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWrite_CreatesFileWithMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "secret.env")

	if err := Write(path, []byte("data\n"), 0600, ""); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(content) != "data\n" {
		t.Errorf("content = %q", content)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}

	// No temp file left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteWithBackup_AndRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cert.pem")

	// First write: no previous content, no backup
	backup, err := WriteWithBackup(path, []byte("v1"), 0600, "")
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if backup != "" {
		t.Errorf("expected no backup for a new file, got %q", backup)
	}

	// Second write: previous content saved
	backup, err = WriteWithBackup(path, []byte("v2"), 0600, "")
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if backup == "" {
		t.Fatal("expected a backup path")
	}
	backed, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("backup unreadable: %v", err)
	}
	if string(backed) != "v1" {
		t.Errorf("backup content = %q, want v1", backed)
	}

	// Rollback restores the previous content
	if err := RestoreBackup(path); err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "v1" {
		t.Errorf("restored content = %q, want v1", content)
	}
}

func TestCleanupOrphans(t *testing.T) {
	dir := t.TempDir()

	// Orphaned temp file matching the write pattern
	tempFile := filepath.Join(dir, ".cert.pem.12345.tmp")
	if err := os.WriteFile(tempFile, []byte("partial"), 0600); err != nil {
		t.Fatal(err)
	}

	// Stale backup, older than the retention window
	staleBak := filepath.Join(dir, "old.pem.bak")
	if err := os.WriteFile(staleBak, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(staleBak, old, old); err != nil {
		t.Fatal(err)
	}

	// Fresh backup, kept
	freshBak := filepath.Join(dir, "fresh.pem.bak")
	if err := os.WriteFile(freshBak, []byte("fresh"), 0600); err != nil {
		t.Fatal(err)
	}

	// Regular file, never touched
	regular := filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(regular, []byte("live"), 0600); err != nil {
		t.Fatal(err)
	}

	removed := CleanupOrphans([]string{dir})
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	for _, gone := range []string{tempFile, staleBak} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", gone)
		}
	}
	for _, kept := range []string{freshBak, regular} {
		if _, err := os.Stat(kept); err != nil {
			t.Errorf("%s should have been kept: %v", kept, err)
		}
	}
}

func TestBackupPath(t *testing.T) {
	if got := BackupPath("/etc/ssl/cert.pem"); got != "/etc/ssl/cert.pem.bak" {
		t.Errorf("BackupPath = %q", got)
	}
}
