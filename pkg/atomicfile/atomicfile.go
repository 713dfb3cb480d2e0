package atomicfile

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/znlabs/zn-vault-agent/pkg/log"
)

const (
	// DirMode is used when creating missing parent directories
	DirMode os.FileMode = 0755

	// BackupMaxAge is how long .bak files are kept before cleanup
	BackupMaxAge = 24 * time.Hour
)

var (
	tempFilePattern = regexp.MustCompile(`^\.[^/]+\.\d+\.tmp$`)
	shellMetaChars  = regexp.MustCompile("[;&|<>`$(){}\\[\\]!*?'\"\\\\ \t\n]")
)

// ValidatePath checks that a destination path is safe to write:
// absolute, free of ".." after normalization, and free of NUL bytes.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("destination path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("destination path contains NUL byte")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("destination path must be absolute: %s", path)
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("destination path must not contain '..': %s", path)
		}
	}
	return nil
}

// SanitizeName replaces shell metacharacters in a user-provided file-name
// fragment with underscores.
func SanitizeName(name string) string {
	return shellMetaChars.ReplaceAllString(name, "_")
}

// tempPath returns the sibling temp file name for a destination:
// <dir>/.<base>.<pid>.tmp
func tempPath(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	return filepath.Join(dir, fmt.Sprintf(".%s.%d.tmp", base, os.Getpid()))
}

// BackupPath returns the .bak sibling for a destination.
func BackupPath(path string) string {
	return path + ".bak"
}

// Write atomically replaces the file at path with data. The destination
// either holds its prior byte sequence or the new one, never a partial
// file. The mode is applied to the temp file before the rename; ownership
// is applied only when the process runs as root (chown failure is
// non-fatal).
func Write(path string, data []byte, mode os.FileMode, owner string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp := tempPath(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// O_CREATE mode is filtered by umask; enforce the exact mode
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to set mode on temp file: %w", err)
	}

	if owner != "" {
		chownIfRoot(tmp, owner)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}

	return nil
}

// WriteWithBackup copies the current destination to its .bak sibling
// before atomically replacing it. It returns the backup path, or "" if
// the destination did not exist.
func WriteWithBackup(path string, data []byte, mode os.FileMode, owner string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}

	backup := ""
	if prev, err := os.ReadFile(path); err == nil {
		backup = BackupPath(path)
		info, statErr := os.Stat(path)
		bakMode := mode
		if statErr == nil {
			bakMode = info.Mode().Perm()
		}
		if err := os.WriteFile(backup, prev, bakMode); err != nil {
			return "", fmt.Errorf("failed to write backup: %w", err)
		}
	}

	if err := Write(path, data, mode, owner); err != nil {
		return backup, err
	}
	return backup, nil
}

// RestoreBackup moves the .bak sibling back over the destination.
func RestoreBackup(path string) error {
	backup := BackupPath(path)
	if _, err := os.Stat(backup); err != nil {
		return fmt.Errorf("no backup to restore for %s: %w", path, err)
	}
	if err := os.Rename(backup, path); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	return nil
}

// CleanupOrphans removes leftover temp files and stale .bak files from
// the given destination directories. A crash between write and rename
// leaves a temp file that must not accumulate. Returns the number of
// files removed.
func CleanupOrphans(dirs []string) int {
	logger := log.WithComponent("atomic-writer")
	removed := 0
	seen := make(map[string]bool, len(dirs))

	for _, dir := range dirs {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			full := filepath.Join(dir, name)

			if tempFilePattern.MatchString(name) {
				if err := os.Remove(full); err == nil {
					logger.Debug().Str("file", full).Msg("removed orphaned temp file")
					removed++
				}
				continue
			}

			if strings.HasSuffix(name, ".bak") {
				info, err := entry.Info()
				if err != nil {
					continue
				}
				if time.Since(info.ModTime()) > BackupMaxAge {
					if err := os.Remove(full); err == nil {
						logger.Debug().Str("file", full).Msg("removed stale backup file")
						removed++
					}
				}
			}
		}
	}
	return removed
}

// chownIfRoot applies ownership when running as root. Failure is logged
// and ignored so that permission problems never break a deploy.
func chownIfRoot(path, owner string) {
	if os.Geteuid() != 0 {
		return
	}

	u, err := user.Lookup(owner)
	if err != nil {
		logger := log.WithComponent("atomic-writer")
		logger.Warn().
			Str("owner", owner).Err(err).Msg("owner lookup failed, keeping current ownership")
		return
	}
	uid, err1 := strconv.Atoi(u.Uid)
	gid, err2 := strconv.Atoi(u.Gid)
	if err1 != nil || err2 != nil {
		return
	}
	if err := os.Chown(path, uid, gid); err != nil {
		logger := log.WithComponent("atomic-writer")
		logger.Warn().
			Str("owner", owner).Err(err).Msg("chown failed, keeping current ownership")
	}
}
