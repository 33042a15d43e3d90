package storagev2

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nexus-agent/nexus/internal/logging"
)

// FileLock is a cross-process advisory lock backed by O_EXCL file creation.
// It guards long critical sections (knowledge_scan, improvement_apply,
// daily_self_learning); if another process holds it, the owning step is
// skipped for this iteration rather than blocked on.
type FileLock struct {
	path     string
	staleAge time.Duration
	held     bool
}

// NewFileLock builds a lock at path. Locks older than staleAge are treated
// as abandoned by a crashed process and broken on the next acquire.
func NewFileLock(path string, staleAge time.Duration) *FileLock {
	if staleAge <= 0 {
		staleAge = 2 * time.Hour
	}
	return &FileLock{path: path, staleAge: staleAge}
}

// TryAcquire attempts to take the lock without blocking. It returns false
// when another live process holds it.
func (l *FileLock) TryAcquire() bool {
	if l.held {
		return true
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false
	}

	if info, err := os.Stat(l.path); err == nil {
		if time.Since(info.ModTime()) > l.staleAge {
			logging.Get(logging.CategoryStorage).Warn("breaking stale lock %s (age %s)", l.path, time.Since(info.ModTime()))
			os.Remove(l.path)
		} else {
			return false
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Close()
	l.held = true
	return true
}

// Release drops the lock if held by this instance.
func (l *FileLock) Release() {
	if !l.held {
		return
	}
	os.Remove(l.path)
	l.held = false
}

// Held reports whether this instance currently owns the lock.
func (l *FileLock) Held() bool { return l.held }
