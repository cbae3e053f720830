package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/picklr-io/inferstack/internal/ir"
)

const stateSuffix = ".state.json"

// Manager reads and writes one unit's state file on local disk.
type Manager struct {
	path string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the state file location.
func (m *Manager) Path() string {
	return m.path
}

// UnitStatePath returns the local state file of a unit under dir.
func UnitStatePath(dir, unit string) string {
	return filepath.Join(dir, unit+stateSuffix)
}

// ListUnits returns the names of the units with a state file under dir.
func ListUnits(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var units []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateSuffix) {
			continue
		}
		units = append(units, strings.TrimSuffix(e.Name(), stateSuffix))
	}
	sort.Strings(units)
	return units, nil
}

// Read loads the state from the configured path.
// If the state file is encrypted, it is transparently decrypted before loading.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", m.path, err)
	}

	st, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", m.path, err)
	}
	return st, nil
}

// Write saves the state to the configured path, replacing the file atomically.
// If INFERSTACK_STATE_ENCRYPTION_KEY is set, the file is transparently encrypted.
func (m *Manager) Write(ctx context.Context, st *ir.State) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := Encode(st)
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", m.path, err)
	}
	return nil
}

// Encode serializes and, when a key is configured, encrypts a state.
func Encode(st *ir.State) ([]byte, error) {
	content, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}
	encrypted, err := EncryptState(append(content, '\n'))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return encrypted, nil
}

// Decode decrypts if needed and parses a serialized state.
func Decode(raw []byte) (*ir.State, error) {
	if IsEncrypted(raw) {
		decrypted, err := DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state: %w", err)
		}
		raw = decrypted
	}

	st := newState()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if st.Version > ir.StateVersion {
		return nil, fmt.Errorf("state version %d is newer than supported version %d", st.Version, ir.StateVersion)
	}
	return st, nil
}

func newState() *ir.State {
	return &ir.State{
		Version: ir.StateVersion,
		Serial:  0,
	}
}
