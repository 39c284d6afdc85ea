package token

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/model"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, []byte("test-secret"), model.NodeID("node-a"), 0, nil, nil)
}

func TestIssuedTokenStartsWithPrefix(t *testing.T) {
	svc := newTestService(t)
	display, rec, err := svc.Create("t", nil, nil)
	require.NoError(t, err)
	assert.True(t, len(display) > len(Prefix) && display[:len(Prefix)] == Prefix)
	assert.NotEmpty(t, rec.TokenHash)
}

func TestValidateRoundTrip(t *testing.T) {
	svc := newTestService(t)
	display, rec, err := svc.Create("t", nil, nil)
	require.NoError(t, err)

	got, ok, err := svc.Validate(display)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
}

func TestValidateRejectsForeignString(t *testing.T) {
	svc := newTestService(t)
	_, ok, err := svc.Validate("not-a-real-token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeInvalidatesToken(t *testing.T) {
	svc := newTestService(t)
	display, rec, err := svc.Create("t", nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(rec.ID))

	_, ok, err := svc.Validate(display)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenLifecycle(t *testing.T) {
	svc := newTestService(t)
	display, rec, err := svc.Create("t", nil, nil)
	require.NoError(t, err)

	list, err := svc.List()
	require.NoError(t, err)
	found := false
	for _, r := range list {
		if r.ID == rec.ID {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, svc.Delete(rec.ID))

	_, ok, err := svc.Validate(display)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGossipTokenCreatedMerge(t *testing.T) {
	svc := newTestService(t)
	_, rec, err := svc.Create("t", nil, nil)
	require.NoError(t, err)

	older := *rec
	older.Name = "stale"
	older.CreatedAt = rec.CreatedAt.Add(-time.Hour)
	require.NoError(t, svc.ApplyGossipTokenCreated(&older))

	got, found, err := svc.store.Get(rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "t", got.Name) // older write did not overwrite
}
