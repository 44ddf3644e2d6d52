package pstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := &MemoryStore{}
	require.NoError(t, store.Initialize(nil, ""))
	return store
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	info := &NexusInfo{
		CleanShutdown: false,
		Children: []ChildInfo{
			{UUID: "c1", Healthy: true},
			{UUID: "c2", Healthy: false},
		},
	}
	require.NoError(t, store.Put(ctx, "nx-1", info))

	got, err := store.Get(ctx, "nx-1")
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, got.Version)
	assert.False(t, got.CleanShutdown)

	healthy, found := got.FindChild("c1")
	assert.True(t, found)
	assert.True(t, healthy)
	healthy, found = got.FindChild("c2")
	assert.True(t, found)
	assert.False(t, healthy)
	_, found = got.FindChild("c3")
	assert.False(t, found)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := newMemoryStore(t)
	_, err := store.Get(context.Background(), "absent")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "nx-1", &NexusInfo{}))
	require.NoError(t, store.Delete(ctx, "nx-1"))
	_, err := store.Get(ctx, "nx-1")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryStoreDeadline(t *testing.T) {
	store := newMemoryStore(t)
	store.SetLatency(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.Put(ctx, "nx-1", &NexusInfo{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestMemoryStoreFailing(t *testing.T) {
	store := newMemoryStore(t)
	store.SetFailing(true)
	err := store.Put(context.Background(), "nx-1", &NexusInfo{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	store.SetFailing(false)
	assert.NoError(t, store.Put(context.Background(), "nx-1", &NexusInfo{}))
}

func TestLevelDBStoreRoundTrip(t *testing.T) {
	store := &LevelDBStore{}
	require.NoError(t, store.initialize(t.TempDir()))
	defer store.Shutdown()
	ctx := context.Background()

	info := &NexusInfo{
		CleanShutdown: true,
		Children:      []ChildInfo{{UUID: "c1", Healthy: true}},
	}
	require.NoError(t, store.Put(ctx, "nx-2", info))
	got, err := store.Get(ctx, "nx-2")
	require.NoError(t, err)
	assert.True(t, got.CleanShutdown)
	assert.Len(t, got.Children, 1)

	_, err = store.Get(ctx, "absent")
	assert.Equal(t, ErrNotFound, err)
}

func TestGetStoreByName(t *testing.T) {
	store, err := GetStore("memory")
	require.NoError(t, err)
	assert.Equal(t, "memory", store.GetName())

	_, err = GetStore("nope")
	assert.Error(t, err)
}

func TestEtcdStore(t *testing.T) {
	// Needs a running etcd; see docker folder for local setup.
	if false {
		store := &EtcdStore{}
		require.NoError(t, store.initialize("localhost:2379", "3s"))
		defer store.Shutdown()
		require.NoError(t, store.Put(context.Background(), "nx-3", &NexusInfo{}))
	}
}
