package checkpoint

import (
	"encoding/json"
	"testing"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittsync/internal/store"
)

func TestSaveLoad(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)

	src, err := store.NewSQLiteStore()
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.UpsertMemory(&store.Memory{ID: "m", UserID: "u", Content: "kept", CreatedAt: 1}))
	require.NoError(t, src.EnqueueQueueItem(&store.QueueItem{ID: "q", Type: store.OpCreate,
		Collection: store.CollectionMemories, Data: json.RawMessage(`{"id":"m"}`), Status: store.StatusFailed, Error: "boom"}))
	_, err = src.MarkDirty("u")
	require.NoError(t, err)
	require.NoError(t, New(fs, "", src).Save())

	dst, err := store.NewSQLiteStore()
	require.NoError(t, err)
	defer dst.Close()
	ok, err := New(fs, "", dst).Load()
	require.NoError(t, err)
	require.True(t, ok)

	m, err := dst.GetMemory("m")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "kept", m.Content)

	items, err := dst.ListQueueItems(store.StatusFailed)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "boom", items[0].Error)

	meta, err := dst.GetSyncMetadata("u")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, meta.Dirty)
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)

	ok, err := New(fs, "", store.NewMemStore()).Load()
	require.NoError(t, err)
	assert.False(t, ok)
}
