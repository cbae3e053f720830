package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ReadWrite(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	statePath := UnitStatePath(t.TempDir(), "llm")
	mgr := NewManager(statePath)
	ctx := context.Background()

	s, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.StateVersion, s.Version)
	assert.Equal(t, 0, s.Serial)

	s.Lineage = "test-lineage"
	s.Unit = "llm"
	s.Resources = []*ir.ResourceState{{
		Kind:       ir.KindNetwork,
		Name:       "vpc",
		Provider:   "aws",
		InputsHash: "hash123",
		Outputs:    map[string]any{"vpcId": "vpc-123"},
	}}
	require.NoError(t, mgr.Write(ctx, s))

	content, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"name": "vpc"`)

	info, err := os.Stat(statePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-lineage", got.Lineage)
	require.Len(t, got.Resources, 1)
	assert.Equal(t, "vpc-123", got.Resources[0].Outputs["vpcId"])
	assert.True(t, got.Resources[0].Converged())
}

func TestManager_EncryptedRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "state-passphrase")
	mgr := NewManager(filepath.Join(t.TempDir(), "enc.state.json"))
	ctx := context.Background()

	require.NoError(t, mgr.Write(ctx, &ir.State{Version: 1, Lineage: "abc"}))

	raw, err := os.ReadFile(mgr.Path())
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))

	got, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Lineage)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	_, err := Decode([]byte(`{"version": 99}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer")
}

func TestListUnits(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	dir := t.TempDir()

	units, err := ListUnits(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, units)

	for _, u := range []string{"beta", "alpha"} {
		require.NoError(t, NewManager(UnitStatePath(dir, u)).Write(context.Background(), newState()))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	units, err = ListUnits(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, units)
}

func TestManager_Lock(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "llm.state.json"))

	require.NoError(t, mgr.Lock())
	assert.ErrorIs(t, mgr.Lock(), ErrLocked)
	require.NoError(t, mgr.Unlock())
	require.NoError(t, mgr.Lock())
	require.NoError(t, mgr.Unlock())
}

func TestMemoryBackend(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	b := NewMemoryBackend()
	ctx := context.Background()

	st, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Resources)

	st.Upsert(&ir.ResourceState{Kind: ir.KindCluster, Name: "cluster"})
	require.NoError(t, b.Write(ctx, st))
	assert.Equal(t, 1, b.Writes())

	// Mutating the caller's copy does not leak into the backend.
	st.Remove("cluster")
	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.NotNil(t, got.Lookup("cluster"))

	require.NoError(t, b.Lock())
	assert.ErrorIs(t, b.Lock(), ErrLocked)
	require.NoError(t, b.Unlock())
}

func TestManager_StaleLockIsTakenOver(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "llm.state.json"))
	require.NoError(t, mgr.Lock())

	old := time.Now().Add(-2 * staleLockAge)
	require.NoError(t, os.Chtimes(mgr.lockPath(), old, old))
	require.NoError(t, mgr.Lock())
	require.NoError(t, mgr.Unlock())
}
