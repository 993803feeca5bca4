package storage

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/util"
)

// LockFileName is the advisory lock sidecar next to the state document.
const LockFileName = "state.lock.yaml"

// DefaultLockTTL is how long a lock survives without its holder refreshing
// it. A crashed holder's lock becomes claimable after this.
const DefaultLockTTL = 60 * time.Second

// lockPollInterval is the retry cadence while waiting for a held lock.
const lockPollInterval = 100 * time.Millisecond

// lockRecord is the serialized lock sidecar.
type lockRecord struct {
	Owner     string    `yaml:"owner"` // per-process uuid token
	PID       int       `yaml:"pid"`
	Acquired  time.Time `yaml:"acquired"`
	Heartbeat time.Time `yaml:"heartbeat"`
	TTL       string    `yaml:"ttl"`
}

func (l *lockRecord) ttlDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultLockTTL
	}
	return d
}

// isStale returns true if the lock heartbeat is older than its TTL.
func (l *lockRecord) isStale() bool {
	return time.Since(l.Heartbeat) > l.ttlDuration()
}

// fileLock is an advisory exclusive lock backed by a YAML sidecar file.
// Acquisition blocks (polling) until the holder releases, the holder's
// record goes stale, or the timeout expires.
type fileLock struct {
	path  string
	owner string
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path, owner: uuid.NewString()}
}

func (l *fileLock) read() (*lockRecord, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var rec lockRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &rec, nil
}

func (l *fileLock) write(rec *lockRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	return util.AtomicWriteFile(l.path, data, 0o644)
}

// acquire blocks until the lock is held or timeout expires.
func (l *fileLock) acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.ErrLockTimeout(l.path, timeout.String())
		}
		time.Sleep(lockPollInterval)
	}
}

// tryAcquire attempts a single acquisition. Create-exclusive wins the
// race for a fresh lock; stale locks are claimed by overwrite followed by
// a confirming read.
func (l *fileLock) tryAcquire() (bool, error) {
	now := time.Now().UTC()
	rec := &lockRecord{
		Owner:     l.owner,
		PID:       os.Getpid(),
		Acquired:  now,
		Heartbeat: now,
		TTL:       DefaultLockTTL.String(),
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		data, merr := yaml.Marshal(rec)
		if merr != nil {
			f.Close()
			os.Remove(l.path)
			return false, fmt.Errorf("marshal lock: %w", merr)
		}
		if _, werr := f.Write(data); werr != nil {
			f.Close()
			os.Remove(l.path)
			return false, fmt.Errorf("write lock file: %w", werr)
		}
		return true, f.Close()
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("create lock file: %w", err)
	}

	existing, rerr := l.read()
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return false, nil // released between create and read, retry
		}
		return false, rerr
	}
	if existing.Owner == l.owner {
		// Re-entrant refresh.
		return true, l.write(rec)
	}
	if !existing.isStale() {
		return false, nil
	}

	// Claim the stale lock, then confirm we won any concurrent claim.
	if err := l.write(rec); err != nil {
		return false, err
	}
	confirm, err := l.read()
	if err != nil {
		return false, nil
	}
	return confirm.Owner == l.owner, nil
}

// release removes the lock if this process owns it.
func (l *fileLock) release() error {
	existing, err := l.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Owner != l.owner {
		return fmt.Errorf("lock owned by another process (pid %d)", existing.PID)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
