package dal

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittsync/internal/remote"
	"github.com/kittclouds/kittsync/internal/remote/remotetest"
	"github.com/kittclouds/kittsync/internal/store"
	"github.com/kittclouds/kittsync/internal/syncpolicy"
	"github.com/kittclouds/kittsync/internal/syncqueue"
	"github.com/kittclouds/kittsync/pkg/vector"
)

const userID = "user-1"

type fixture struct {
	svc    *Service
	store  store.Storer
	fake   *remotetest.Fake
	policy *syncpolicy.Controller
}

type fixtureOption func(*Options)

func newFixture(t *testing.T, mode syncpolicy.Mode, opts ...fixtureOption) *fixture {
	t.Helper()
	fs, err := mem.NewFS()
	require.NoError(t, err)
	policy := syncpolicy.NewController(fs, "")
	require.NoError(t, policy.SetMode(mode))

	st, err := store.NewSQLiteStore()
	require.NoError(t, err)
	fake := remotetest.New()

	o := Options{Store: st, Remote: fake, Policy: policy}
	for _, opt := range opts {
		opt(&o)
	}
	svc, err := New(o)
	require.NoError(t, err)
	require.NoError(t, svc.Init(context.Background(), userID))

	t.Cleanup(func() {
		fake.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Dispose(ctx)
		_ = st.Close()
	})
	if f, ok := o.Remote.(*remotetest.Fake); ok {
		fake = f
	}
	return &fixture{svc: svc, store: o.Store, fake: fake, policy: policy}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Flush(ctx))
}

func (f *fixture) queue(t *testing.T, status store.QueueStatus) []*store.QueueItem {
	t.Helper()
	items, err := f.store.ListQueueItems(status)
	require.NoError(t, err)
	return items
}

func (f *fixture) dirty(t *testing.T) bool {
	t.Helper()
	meta, err := f.store.GetSyncMetadata(userID)
	require.NoError(t, err)
	return meta != nil && meta.Dirty
}

var allModes = []syncpolicy.Mode{syncpolicy.Disabled, syncpolicy.Enabled, syncpolicy.Auto}

// =============================================================================
// Local-first durability
// =============================================================================

func TestLocalFirstDurability(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			f.fake.SetFailure(errors.New("offline"))
			ctx := context.Background()

			m, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "note"})
			require.NoError(t, err)
			require.NotEmpty(t, m.ID)
			got, err := f.store.GetMemory(m.ID)
			require.NoError(t, err)
			require.NotNil(t, got, "created memory must be local immediately")

			_, err = f.svc.Memories().Update(ctx, m.ID, userID, map[string]any{"content": "edited"})
			require.NoError(t, err)
			got, err = f.store.GetMemory(m.ID)
			require.NoError(t, err)
			assert.Equal(t, "edited", got.Content)

			require.NoError(t, f.svc.Memories().Delete(ctx, m.ID, userID))
			got, err = f.store.GetMemory(m.ID)
			require.NoError(t, err)
			assert.Nil(t, got)

			g, err := f.svc.Groups().Create(ctx, userID, &store.Group{Name: "G"})
			require.NoError(t, err)
			assert.Equal(t, []string{}, g.MemoryIDs)
			goal, err := f.svc.Goals().Create(ctx, userID, &store.Goal{Title: "T"})
			require.NoError(t, err)
			assert.Equal(t, store.GoalActive, goal.Status)
			b, err := f.svc.Blocks().Create(ctx, userID, &store.CanvasBlock{Type: store.BlockText, Config: &store.TextConfig{Text: "x"}})
			require.NoError(t, err)

			_, err = f.svc.Groups().Get(ctx, g.ID)
			require.NoError(t, err)
			_, err = f.svc.Goals().Get(ctx, goal.ID)
			require.NoError(t, err)
			_, err = f.svc.Blocks().Get(ctx, b.ID)
			require.NoError(t, err)
		})
	}
}

func TestCreateKeepsSuppliedIDAndCreatedAt(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	m, err := f.svc.Memories().Create(context.Background(), userID, &store.Memory{ID: "mine", Content: "x", CreatedAt: 42})
	require.NoError(t, err)
	assert.Equal(t, "mine", m.ID)
	assert.EqualValues(t, 42, m.CreatedAt)
	assert.NotZero(t, m.UpdatedAt)
}

func TestCreateCannotTakeOverForeignID(t *testing.T) {
	f := newFixture(t, syncpolicy.Enabled)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertMemory(&store.Memory{ID: "shared", UserID: "other", Content: "theirs", CreatedAt: 1}))

	_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{ID: "shared", Content: "mine"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	m, err := f.store.GetMemory("shared")
	require.NoError(t, err)
	assert.Equal(t, "other", m.UserID)
	assert.Equal(t, "theirs", m.Content)

	meta, err := f.store.GetSyncMetadata(userID)
	require.NoError(t, err)
	if meta != nil {
		assert.False(t, meta.Dirty)
	}
}

func TestUnalignedEmbeddingIsStoredButNotIndexed(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	vectors, err := vector.NewStore(fs, "hnsw.bin")
	require.NoError(t, err)
	f := newFixture(t, syncpolicy.Disabled, func(o *Options) { o.Vectors = vectors })
	ctx := context.Background()

	_, err = f.svc.Memories().Create(ctx, userID, &store.Memory{ID: "a", Embedding: []float32{1, 0, 0, 0}})
	require.NoError(t, err)
	_, err = f.svc.Memories().Create(ctx, userID, &store.Memory{ID: "b", Embedding: []float32{0, 1, 0}})
	require.NoError(t, err)

	m, err := f.store.GetMemory("b")
	require.NoError(t, err)
	require.NotNil(t, m)
	meta, err := f.store.GetSyncMetadata(userID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, meta.Dirty)
	assert.Equal(t, 1, vectors.Len())
}

func TestGetAllNaturalOrder(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	ctx := context.Background()
	for i, id := range []string{"old", "mid", "new"} {
		_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{ID: id, CreatedAt: int64(100 + i)})
		require.NoError(t, err)
	}
	list, err := f.svc.Memories().GetAll(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[2].ID)
}

// =============================================================================
// Update semantics
// =============================================================================

func TestUpdateIsPartialMerge(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	ctx := context.Background()
	m, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "body", Title: "title", Topic: "work", CreatedAt: 7})
	require.NoError(t, err)

	updated, err := f.svc.Memories().Update(ctx, m.ID, userID, map[string]any{
		"topic":     "home",
		"id":        "hijack",
		"createdAt": 1,
		"userId":    "someone-else",
	})
	require.NoError(t, err)
	assert.Equal(t, m.ID, updated.ID)
	assert.Equal(t, "home", updated.Topic)
	assert.Equal(t, "body", updated.Content)
	assert.Equal(t, "title", updated.Title)
	assert.EqualValues(t, 7, updated.CreatedAt)
	assert.Equal(t, userID, updated.UserID)

	got, err := f.svc.Memories().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)
}

func TestUpdateBlockConfig(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	ctx := context.Background()
	b, err := f.svc.Blocks().Create(ctx, userID, &store.CanvasBlock{Type: store.BlockCalendar, Config: &store.CalendarConfig{View: "day"}})
	require.NoError(t, err)

	b, err = f.svc.Blocks().Update(ctx, b.ID, userID, map[string]any{"config": map[string]any{"view": "month"}, "x": 12.5})
	require.NoError(t, err)
	assert.Equal(t, &store.CalendarConfig{View: "month"}, b.Config)
	assert.Equal(t, 12.5, b.X)

	_, err = f.svc.Blocks().Update(ctx, b.ID, userID, map[string]any{"config": map[string]any{"view": "century"}})
	var verr *store.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
}

func TestUnknownOrForeignRowsAreNotFound(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	ctx := context.Background()
	m, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "x"})
	require.NoError(t, err)

	_, err = f.svc.Memories().Update(ctx, "missing", userID, map[string]any{"content": "y"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.Memories().Update(ctx, m.ID, "intruder", map[string]any{"content": "y"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.svc.Memories().Delete(ctx, m.ID, "intruder"), store.ErrNotFound)
	_, err = f.svc.Memories().Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvalidBlockIsRejectedBeforeDirty(t *testing.T) {
	f := newFixture(t, syncpolicy.Auto)
	_, err := f.svc.Blocks().Create(context.Background(), userID, &store.CanvasBlock{Type: "spreadsheet", Config: &store.TextConfig{}})
	var verr *store.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.False(t, f.dirty(t))
	f.flush(t)
	assert.Empty(t, f.fake.Calls())
}

// =============================================================================
// Dirty flag
// =============================================================================

func TestDirtyFlagCorrectness(t *testing.T) {
	f := newFixture(t, syncpolicy.Enabled)
	ctx := context.Background()
	assert.False(t, f.dirty(t))

	m, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "x"})
	require.NoError(t, err)
	assert.True(t, f.dirty(t))

	_, err = f.svc.Backup(ctx, userID)
	require.NoError(t, err)
	assert.False(t, f.dirty(t))

	_, err = f.svc.Memories().Update(ctx, m.ID, userID, map[string]any{"content": "y"})
	require.NoError(t, err)
	assert.True(t, f.dirty(t))

	_, err = f.svc.Backup(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Memories().Delete(ctx, m.ID, userID))
	assert.True(t, f.dirty(t))

	require.NoError(t, f.svc.SetBoardPosition(ctx, &store.BoardPosition{UserID: userID, GroupID: "g", MemoryID: "m"}))
	meta, err := f.svc.SyncMetadata(ctx, userID)
	require.NoError(t, err)
	assert.True(t, meta.Dirty)
}

func TestBackupWorksWhenDisabled(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	ctx := context.Background()
	_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "x"})
	require.NoError(t, err)

	_, err = f.svc.Backup(ctx, userID)
	require.NoError(t, err)
	assert.NotEmpty(t, f.fake.Backup(userID))
	assert.False(t, f.dirty(t))
}

// =============================================================================
// Mode gating and mirroring
// =============================================================================

func TestDisabledModeNeverCallsRemote(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	f.fake.SetFailure(errors.New("must not be called"))
	ctx := context.Background()

	m, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "x"})
	require.NoError(t, err)
	_, err = f.svc.Memories().Update(ctx, m.ID, userID, map[string]any{"content": "y"})
	require.NoError(t, err)
	g, err := f.svc.Groups().Create(ctx, userID, &store.Group{Name: "g"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Groups().Delete(ctx, g.ID, userID))
	require.NoError(t, f.svc.Memories().Delete(ctx, m.ID, userID))
	f.flush(t)

	assert.Empty(t, f.fake.Calls())
	assert.Empty(t, f.queue(t, ""))
}

func TestMirrorReachesRemote(t *testing.T) {
	for _, mode := range []syncpolicy.Mode{syncpolicy.Enabled, syncpolicy.Auto} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			ctx := context.Background()

			m, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "x"})
			require.NoError(t, err)
			goal, err := f.svc.Goals().Create(ctx, userID, &store.Goal{Title: "g"})
			require.NoError(t, err)
			_, err = f.svc.Memories().Update(ctx, m.ID, userID, map[string]any{"content": "y"})
			require.NoError(t, err)
			require.NoError(t, f.svc.Goals().Delete(ctx, goal.ID, userID))
			f.flush(t)

			var remoteMemory store.Memory
			require.NoError(t, json.Unmarshal(f.fake.Row(store.CollectionMemories, m.ID), &remoteMemory))
			assert.Equal(t, "y", remoteMemory.Content)
			assert.Empty(t, f.fake.IDs(store.CollectionGoals))
			assert.Empty(t, f.queue(t, ""))
		})
	}
}

func TestBoardPositionsAreNotMirrored(t *testing.T) {
	f := newFixture(t, syncpolicy.Auto)
	ctx := context.Background()
	require.NoError(t, f.svc.SetBoardPosition(ctx, &store.BoardPosition{UserID: userID, GroupID: "g", MemoryID: "m", X: 3}))
	list, err := f.svc.BoardPositions(ctx, userID, "g")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, f.svc.DeleteBoardPosition(ctx, userID, "g", "m"))
	f.flush(t)

	assert.Empty(t, f.fake.Calls())
	list, err = f.svc.BoardPositions(ctx, userID, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestModeChangeIsNotRetroactive(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	ctx := context.Background()
	_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{ID: "before"})
	require.NoError(t, err)

	require.NoError(t, f.policy.SetMode(syncpolicy.Auto))
	_, err = f.svc.Memories().Create(ctx, userID, &store.Memory{ID: "after"})
	require.NoError(t, err)
	f.flush(t)

	assert.Equal(t, []string{"after"}, f.fake.IDs(store.CollectionMemories))
	assert.Empty(t, f.queue(t, ""))
}

// =============================================================================
// Retry queue
// =============================================================================

func TestMirrorFailureEnqueuesExactlyOnce(t *testing.T) {
	f := newFixture(t, syncpolicy.Enabled)
	f.fake.SetFailure(errors.New("connection refused"))
	ctx := context.Background()

	m, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "x"})
	require.NoError(t, err, "remote failures never reach the caller")
	f.flush(t)

	pending := f.queue(t, store.StatusPending)
	require.Len(t, pending, 1)
	item := pending[0]
	assert.Equal(t, store.OpCreate, item.Type)
	assert.Equal(t, store.CollectionMemories, item.Collection)
	assert.Equal(t, userID, item.UserID)
	assert.Equal(t, "connection refused", item.Error)
	id, err := remote.IDPayload(item.Data)
	require.NoError(t, err)
	assert.Equal(t, m.ID, id)

	require.NoError(t, f.svc.Memories().Delete(ctx, m.ID, userID))
	f.flush(t)
	pending = f.queue(t, store.StatusPending)
	require.Len(t, pending, 2)
	assert.Equal(t, store.OpDelete, pending[1].Type)
	assert.JSONEq(t, `{"id":"`+m.ID+`"}`, string(pending[1].Data))
}

func TestOfflineCreateThenReconnect(t *testing.T) {
	f := newFixture(t, syncpolicy.Auto)
	f.fake.SetFailure(errors.New("offline"))
	ctx := context.Background()

	m, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "note"})
	require.NoError(t, err)
	assert.Equal(t, "note", m.Content)
	f.flush(t)
	require.Len(t, f.queue(t, store.StatusPending), 1)

	f.fake.SetFailure(nil)
	res, err := f.svc.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Result{Synced: 1}, res)

	synced := f.queue(t, store.StatusSynced)
	require.Len(t, synced, 1)
	assert.Empty(t, f.queue(t, store.StatusPending))
	assert.NotNil(t, f.fake.Row(store.CollectionMemories, m.ID))
}

func TestQueueTerminalityThroughService(t *testing.T) {
	f := newFixture(t, syncpolicy.Auto)
	f.fake.SetFailure(errors.New("offline"))
	ctx := context.Background()

	_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "note"})
	require.NoError(t, err)
	f.flush(t)

	_, err = f.svc.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	require.Len(t, f.queue(t, store.StatusFailed), 1)

	f.fake.SetFailure(nil)
	res, err := f.svc.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Result{}, res)
	assert.Len(t, f.queue(t, store.StatusFailed), 1)
}

func TestBacklogFullEnqueues(t *testing.T) {
	f := newFixture(t, syncpolicy.Auto, func(o *Options) { o.MirrorBacklog = 1 })
	f.fake.Hold()
	ctx := context.Background()

	for range 3 {
		_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "x"})
		require.NoError(t, err)
	}
	queued := f.queue(t, store.StatusPending)
	require.NotEmpty(t, queued)
	assert.Equal(t, errBacklogFull.Error(), queued[0].Error)

	f.fake.Release()
	f.flush(t)
	total := len(f.fake.IDs(store.CollectionMemories)) + len(f.queue(t, store.StatusPending))
	assert.Equal(t, 3, total, "every mutation reaches the remote or the queue")
}

type panickyClient struct {
	*remotetest.Fake
}

func (panickyClient) Upsert(context.Context, store.Collection, json.RawMessage) error {
	panic("boom")
}

func TestMirrorPanicIsQueued(t *testing.T) {
	f := newFixture(t, syncpolicy.Auto, func(o *Options) { o.Remote = panickyClient{remotetest.New()} })
	_, err := f.svc.Memories().Create(context.Background(), userID, &store.Memory{Content: "x"})
	require.NoError(t, err)
	f.flush(t)

	pending := f.queue(t, store.StatusPending)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].Error, "boom")
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestLifecycleErrors(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	st := store.NewMemStore()
	svc, err := New(Options{Store: st, Remote: remotetest.New(), Policy: syncpolicy.NewController(fs, "")})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Memories().Create(ctx, userID, &store.Memory{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, svc.Init(ctx, userID))
	assert.Equal(t, userID, svc.UserID())
	require.NoError(t, svc.Dispose(ctx))
	require.NoError(t, svc.Dispose(ctx), "dispose is idempotent")

	_, err = svc.Memories().GetAll(ctx, userID)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, svc.Init(ctx, userID), ErrDisposed)

	_, err = New(Options{Store: st})
	assert.Error(t, err)
}

func TestDisposeDeadlineQueuesOutstandingMirrors(t *testing.T) {
	f := newFixture(t, syncpolicy.Auto)
	f.fake.Hold()
	ctx := context.Background()

	for range 2 {
		_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{Content: "x"})
		require.NoError(t, err)
	}

	dctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := f.svc.Dispose(dctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Len(t, f.queue(t, store.StatusPending), 2, "no mirrored mutation is lost on dispose")
	assert.Empty(t, f.fake.IDs(store.CollectionMemories))
}

// =============================================================================
// Degraded reads
// =============================================================================

type brokenListStore struct {
	store.Storer
	lists atomic.Int32
}

func (s *brokenListStore) ListMemories(string) ([]*store.Memory, error) {
	s.lists.Add(1)
	return nil, errors.New("database disk image is malformed")
}

func TestGetAllFallsBackToRemoteWithoutPersisting(t *testing.T) {
	broken := &brokenListStore{Storer: store.NewMemStore()}
	f := newFixture(t, syncpolicy.Disabled, func(o *Options) { o.Store = broken })

	require.NoError(t, f.fake.Upsert(context.Background(), store.CollectionMemories,
		json.RawMessage(`{"id":"r1","userId":"user-1","content":"remote copy","createdAt":1}`)))

	list, err := f.svc.Memories().GetAll(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "remote copy", list[0].Content)

	m, err := broken.GetMemory("r1")
	require.NoError(t, err)
	assert.Nil(t, m, "fallback rows are not written locally")
}

// =============================================================================
// Restore, changes and related memories
// =============================================================================

func TestRestoreOverwriteThroughService(t *testing.T) {
	f := newFixture(t, syncpolicy.Enabled)
	ctx := context.Background()

	_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{ID: "y", Content: "backed up"})
	require.NoError(t, err)
	_, err = f.svc.Backup(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Memories().Delete(ctx, "y", userID))
	_, err = f.svc.Memories().Create(ctx, userID, &store.Memory{ID: "x", Content: "local only"})
	require.NoError(t, err)

	meta, err := f.svc.Restore(ctx, userID)
	require.NoError(t, err)
	assert.False(t, meta.Dirty)

	list, err := f.svc.Memories().GetAll(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "y", list[0].ID)
}

func TestSubscribeSeesCommittedChanges(t *testing.T) {
	f := newFixture(t, syncpolicy.Disabled)
	changes, stop := f.svc.Subscribe(4)
	defer stop()

	m, err := f.svc.Memories().Create(context.Background(), userID, &store.Memory{Content: "x"})
	require.NoError(t, err)

	select {
	case c := <-changes:
		assert.Equal(t, Change{UserID: userID, Collection: store.CollectionMemories, Op: store.OpCreate, ID: m.ID}, c)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}
}

func TestRelatedMemories(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	vectors, err := vector.NewStore(fs, "hnsw.bin")
	require.NoError(t, err)
	f := newFixture(t, syncpolicy.Disabled, func(o *Options) { o.Vectors = vectors })
	ctx := context.Background()

	create := func(id string, emb []float32) {
		_, err := f.svc.Memories().Create(ctx, userID, &store.Memory{ID: id, Embedding: emb})
		require.NoError(t, err)
	}
	create("cats", []float32{1, 0, 0, 0})
	create("kittens", []float32{0.95, 0.05, 0, 0})
	create("tax", []float32{0, 0, 1, 0})
	create("lions", []float32{0.9, 0.1, 0, 0})

	related, err := f.svc.RelatedMemories(ctx, userID, "cats", 2)
	require.NoError(t, err)
	require.Len(t, related, 2)
	assert.Equal(t, "kittens", related[0].ID)
	assert.Equal(t, "lions", related[1].ID)

	require.NoError(t, f.svc.Memories().Delete(ctx, "kittens", userID))
	related, err = f.svc.RelatedMemories(ctx, userID, "cats", 2)
	require.NoError(t, err)
	for _, m := range related {
		assert.NotEqual(t, "kittens", m.ID)
	}

	_, err = f.svc.RelatedMemories(ctx, "intruder", "cats", 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
