package entity

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

// DefaultLockTTL is the hard expiry on the advisory project lock. Holders
// must treat expiry as permission for others to act.
const DefaultLockTTL = 4 * time.Hour

// Lock is the advisory project lock coordinating a human-driven and an
// autonomous instance of the same entity. It is a file, not a mutex.
type Lock struct {
	LockedBy string    `json:"locked_by"`
	LockedAt time.Time `json:"locked_at"`
	Context  string    `json:"context"`
}

// Expired reports whether the lock has passed its hard expiry.
func (l *Lock) Expired(ttl time.Duration) bool {
	return time.Since(l.LockedAt) > ttl
}

func (e *Entity) lockPath() string { return filepath.Join(e.Root, ".project_lock") }

// LockStatus returns the current lock and whether it is live. A missing
// file or an expired lock reads as not held.
func (e *Entity) LockStatus() (*Lock, bool, error) {
	data, err := os.ReadFile(e.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("entity: read lock: %w", err)
	}
	var l Lock
	if err := jsonx.Unmarshal(data, &l); err != nil {
		// A corrupt lock file must not wedge the entity forever.
		return nil, false, nil
	}
	if l.Expired(DefaultLockTTL) {
		return &l, false, nil
	}
	return &l, true, nil
}

// AcquireLock takes the lock for holder. Re-acquiring your own live lock
// refreshes it; someone else's live lock is a failure.
func (e *Entity) AcquireLock(holder, context string) (*Lock, error) {
	current, held, err := e.LockStatus()
	if err != nil {
		return nil, err
	}
	if held && current.LockedBy != holder {
		return current, fmt.Errorf("entity: project lock held by %s since %s",
			current.LockedBy, current.LockedAt.Format(time.RFC3339))
	}

	l := &Lock{LockedBy: holder, LockedAt: time.Now().UTC(), Context: context}
	data, err := jsonx.Marshal(l)
	if err != nil {
		return nil, err
	}

	tmp := e.lockPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("entity: write lock: %w", err)
	}
	if err := os.Rename(tmp, e.lockPath()); err != nil {
		return nil, fmt.Errorf("entity: commit lock: %w", err)
	}
	return l, nil
}

// ReleaseLock drops the lock if holder owns it. Releasing a lock you do
// not hold is an error; releasing a missing lock is not.
func (e *Entity) ReleaseLock(holder string) error {
	current, held, err := e.LockStatus()
	if err != nil {
		return err
	}
	if !held {
		if current != nil {
			// Expired lock left behind; clean it up regardless of owner.
			_ = os.Remove(e.lockPath())
		}
		return nil
	}
	if current.LockedBy != holder {
		return fmt.Errorf("entity: project lock held by %s, not %s", current.LockedBy, holder)
	}
	if err := os.Remove(e.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("entity: remove lock: %w", err)
	}
	return nil
}
