package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittsync/internal/remote/remotetest"
	"github.com/kittclouds/kittsync/internal/store"
)

func enqueue(t *testing.T, st store.Storer, id string, op store.QueueOp, coll store.Collection, data string, at int64) {
	t.Helper()
	require.NoError(t, st.EnqueueQueueItem(&store.QueueItem{
		ID: id, Type: op, Collection: coll, UserID: "u",
		Data: json.RawMessage(data), CreatedAt: at, Status: store.StatusPending,
	}))
}

func statusOf(t *testing.T, st store.Storer, id string) store.QueueStatus {
	t.Helper()
	items, err := st.ListQueueItems("")
	require.NoError(t, err)
	for _, item := range items {
		if item.ID == id {
			return item.Status
		}
	}
	t.Fatalf("queue item %s not found", id)
	return ""
}

func TestProcessReplaysInOrder(t *testing.T) {
	st := store.NewMemStore()
	fake := remotetest.New()
	enqueue(t, st, "q1", store.OpCreate, store.CollectionMemories, `{"id":"m1","userId":"u"}`, 1)
	enqueue(t, st, "q2", store.OpUpdate, store.CollectionGroups, `{"id":"g1","userId":"u"}`, 2)
	enqueue(t, st, "q3", store.OpDelete, store.CollectionMemories, `{"id":"m1"}`, 3)

	res, err := NewProcessor(st, fake).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 3}, res)

	calls := fake.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, remotetest.Call{Method: "POST", Collection: store.CollectionMemories, ID: "m1"}, calls[0])
	assert.Equal(t, "POST", calls[1].Method)
	assert.Equal(t, remotetest.Call{Method: "DELETE", Collection: store.CollectionMemories, ID: "m1"}, calls[2])

	assert.Empty(t, fake.IDs(store.CollectionMemories))
	assert.Equal(t, []string{"g1"}, fake.IDs(store.CollectionGroups))
	for _, id := range []string{"q1", "q2", "q3"} {
		assert.Equal(t, store.StatusSynced, statusOf(t, st, id))
	}
}

func TestFailedItemsAreTerminal(t *testing.T) {
	st := store.NewMemStore()
	fake := remotetest.New()
	p := NewProcessor(st, fake)
	enqueue(t, st, "q1", store.OpCreate, store.CollectionMemories, `{"id":"m1"}`, 1)

	fake.SetFailure(errors.New("remote down"))
	res, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	failed, err := st.ListQueueItems(store.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "remote down", failed[0].Error)

	// The remote recovers, but a failed item is never selected again.
	fake.SetFailure(nil)
	before := len(fake.Calls())
	res, err = p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Len(t, fake.Calls(), before)
	assert.Equal(t, store.StatusFailed, statusOf(t, st, "q1"))

	// Only an explicit reset brings it back.
	n, err := st.RequeueFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res, err = p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 1}, res)
}

func TestPerItemFailureDoesNotAbort(t *testing.T) {
	st := store.NewMemStore()
	fake := remotetest.New()
	enqueue(t, st, "bad", store.OpDelete, store.CollectionMemories, `{}`, 1)
	enqueue(t, st, "unknown", store.OpCreate, store.CollectionSyncMetadata, `{"id":"x"}`, 2)
	enqueue(t, st, "good", store.OpCreate, store.CollectionGoals, `{"id":"goal"}`, 3)

	res, err := NewProcessor(st, fake).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 1, Failed: 2}, res)
	assert.Equal(t, store.StatusFailed, statusOf(t, st, "bad"))
	assert.Equal(t, store.StatusFailed, statusOf(t, st, "unknown"))
	assert.Equal(t, store.StatusSynced, statusOf(t, st, "good"))
}

func TestCancelledPassLeavesItemsPending(t *testing.T) {
	st := store.NewMemStore()
	fake := remotetest.New()
	fake.Hold()
	enqueue(t, st, "q1", store.OpCreate, store.CollectionMemories, `{"id":"m1"}`, 1)
	enqueue(t, st, "q2", store.OpCreate, store.CollectionMemories, `{"id":"m2"}`, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewProcessor(st, fake).Process(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pending, err := st.ListQueueItems(store.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunProcessesOnTrigger(t *testing.T) {
	st := store.NewMemStore()
	fake := remotetest.New()
	p := NewProcessor(st, fake)
	enqueue(t, st, "q1", store.OpCreate, store.CollectionMemories, `{"id":"m1"}`, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, time.Hour)
		close(done)
	}()

	p.Trigger()
	require.Eventually(t, func() bool {
		return statusOf(t, st, "q1") == store.StatusSynced
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
