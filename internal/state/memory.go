package state

import (
	"context"
	"sync"

	"github.com/picklr-io/inferstack/internal/ir"
)

// MemoryBackend keeps state in process. Reads return a fresh copy, so callers
// observe only what was written.
type MemoryBackend struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	writes int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Read(ctx context.Context) (*ir.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return newState(), nil
	}
	return Decode(b.data)
}

func (b *MemoryBackend) Write(ctx context.Context, st *ir.State) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
	b.writes++
	return nil
}

func (b *MemoryBackend) Lock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		return ErrLocked
	}
	b.locked = true
	return nil
}

func (b *MemoryBackend) Unlock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = false
	return nil
}

// Writes returns how many times state has been written.
func (b *MemoryBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}
