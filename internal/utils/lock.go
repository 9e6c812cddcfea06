package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gofrs/flock"
)

const (
	lockFileSuffix = ".lock"
)

// ErrSiteBusy is returned when another collector run holds the lock for a site.
var ErrSiteBusy = errors.New("site collector already running")

var unsafeLockChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SiteLock is a file-based lock keyed by site id. Two runs of the same site
// exclude each other across goroutines and processes; different sites never contend.
type SiteLock struct {
	lock *flock.Flock
	path string
}

// NewSiteLock creates the lock for siteID inside dir.
func NewSiteLock(dir, siteID string) (*SiteLock, error) {
	if siteID == "" {
		return nil, errors.New("empty site id")
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create lock dir: %w", err)
	}
	lockPath := filepath.Join(dir, "shelfsync-"+unsafeLockChars.ReplaceAllString(siteID, "_")+lockFileSuffix)
	return &SiteLock{
		lock: flock.New(lockPath),
		path: lockPath,
	}, nil
}

// TryLock acquires the lock without waiting. It returns ErrSiteBusy if the
// site is already being collected.
func (l *SiteLock) TryLock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}
	if !locked {
		return ErrSiteBusy
	}
	return nil
}

// Unlock releases the lock.
func (l *SiteLock) Unlock() error {
	if err := l.lock.Unlock(); err != nil {
		// Suppress error if the lock file doesn't exist, as it means we don't hold the lock.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file location.
func (l *SiteLock) Path() string { return l.path }

// GetAbsDBPath resolves the database path.
func GetAbsDBPath(dbPath string) (string, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "shelfsync", "shelfsync.sqlite"), nil
	}
	return filepath.Abs(dbPath)
}
