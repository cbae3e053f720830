package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another process holds a unit's state lock.
var ErrLocked = errors.New("state is locked")

// staleLockAge is how old a local lock file must be before it is taken over.
const staleLockAge = 10 * time.Minute

type lockInfo struct {
	PID      int       `json:"pid"`
	Host     string    `json:"host,omitempty"`
	Acquired time.Time `json:"acquired"`
}

// Lock creates the unit's lock file next to its state. A lock older than
// staleLockAge is assumed abandoned and replaced.
func (m *Manager) Lock() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockPath := m.lockPath()
	if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > staleLockAge {
		_ = os.Remove(lockPath)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w by another process (lock file: %s); remove it if no apply is running", ErrLocked, lockPath)
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	host, _ := os.Hostname()
	if err := json.NewEncoder(f).Encode(lockInfo{PID: os.Getpid(), Host: host, Acquired: time.Now().UTC()}); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Unlock releases the state lock.
func (m *Manager) Unlock() error {
	if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}
