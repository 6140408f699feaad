// Package store provides persistence for kittsync.
// This file contains the interface and in-memory implementation for testing.
package store

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Storer defines the interface for data persistence.
// This allows swapping between MemStore (testing) and SQLiteStore (production).
type Storer interface {
	// Memories
	UpsertMemory(m *Memory) error
	GetMemory(id string) (*Memory, error)
	DeleteMemory(id string) error
	ListMemories(userID string) ([]*Memory, error)
	QueryMemories(q MemoryQuery) ([]*Memory, error)

	// Groups
	UpsertGroup(g *Group) error
	GetGroup(id string) (*Group, error)
	DeleteGroup(id string) error
	ListGroups(userID string) ([]*Group, error)

	// Goals
	UpsertGoal(g *Goal) error
	GetGoal(id string) (*Goal, error)
	DeleteGoal(id string) error
	ListGoals(userID string) ([]*Goal, error)

	// Canvas blocks
	UpsertBlock(b *CanvasBlock) error
	GetBlock(id string) (*CanvasBlock, error)
	DeleteBlock(id string) error
	ListBlocks(userID string) ([]*CanvasBlock, error)

	// Board positions
	UpsertBoardPosition(p *BoardPosition) error
	GetBoardPosition(userID, groupID, memoryID string) (*BoardPosition, error)
	DeleteBoardPosition(userID, groupID, memoryID string) error
	ListBoardPositions(userID, groupID string) ([]*BoardPosition, error)

	// Sync metadata
	GetSyncMetadata(userID string) (*SyncMetadata, error)
	MarkDirty(userID string) (*SyncMetadata, error)
	MarkClean(userID string, syncedAt, atVersion int64) (*SyncMetadata, error)

	// Retry queue
	EnqueueQueueItem(item *QueueItem) error
	ListQueueItems(status QueueStatus) ([]*QueueItem, error)
	SetQueueItemStatus(id string, status QueueStatus, errMsg string) error
	RequeueFailed() (int, error)
	PurgeQueueItems(status QueueStatus) (int, error)

	// Snapshots
	ExportSnapshot() (*Snapshot, error)
	ImportSnapshot(snap *Snapshot, mode ImportMode) error

	// Lifecycle
	Info() (*Info, error)
	Close() error
}

// MemoryQuery filters memories by owner and indexed classification fields.
// Empty filter fields match everything. Results are newest-first unless
// Ascending is set.
type MemoryQuery struct {
	UserID     string
	Topic      string
	Nature     string
	ClusterTag string
	Ascending  bool
	Limit      int
}

// Info describes the store engine and its contents.
type Info struct {
	Engine     string              `json:"engine"`
	VecVersion string              `json:"vecVersion,omitempty"`
	Rows       map[Collection]int  `json:"rows"`
	Queue      map[QueueStatus]int `json:"queue"`
}

// MemStore is an in-memory implementation of Storer. It backs the browser
// build, where it is checkpointed to IndexedDB, and the shared store tests.
type MemStore struct {
	mu        sync.RWMutex
	memories  map[string]*Memory
	groups    map[string]*Group
	goals     map[string]*Goal
	blocks    map[string]*CanvasBlock
	positions map[positionKey]*BoardPosition
	meta      map[string]*SyncMetadata
	queue     []*QueueItem
}

type positionKey struct {
	userID, groupID, memoryID string
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	s := &MemStore{}
	s.reset()
	return s
}

func (s *MemStore) reset() {
	s.memories = make(map[string]*Memory)
	s.groups = make(map[string]*Group)
	s.goals = make(map[string]*Goal)
	s.blocks = make(map[string]*CanvasBlock)
	s.positions = make(map[positionKey]*BoardPosition)
	s.meta = make(map[string]*SyncMetadata)
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error {
	return nil
}

// =============================================================================
// Memories
// =============================================================================

func (s *MemStore) UpsertMemory(m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memories[m.ID] = clone(m)
	return nil
}

func (s *MemStore) GetMemory(id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.memories[id]; ok {
		return clone(m), nil
	}
	return nil, nil
}

func (s *MemStore) DeleteMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.memories, id)
	return nil
}

func (s *MemStore) ListMemories(userID string) ([]*Memory, error) {
	return s.QueryMemories(MemoryQuery{UserID: userID})
}

func (s *MemStore) QueryMemories(q MemoryQuery) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Memory
	for _, m := range s.memories {
		if q.UserID != "" && m.UserID != q.UserID ||
			q.Topic != "" && m.Topic != q.Topic ||
			q.Nature != "" && m.Nature != q.Nature ||
			q.ClusterTag != "" && m.ClusterTag != q.ClusterTag {
			continue
		}
		result = append(result, clone(m))
	}

	slices.SortFunc(result, func(a, b *Memory) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			if q.Ascending {
				return c
			}
			return -c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// =============================================================================
// Groups, goals, blocks
// =============================================================================

func (s *MemStore) UpsertGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[g.ID] = clone(g)
	return nil
}

func (s *MemStore) GetGroup(id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClone(s.groups, id), nil
}

func (s *MemStore) DeleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, id)
	return nil
}

func (s *MemStore) ListGroups(userID string) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listNewestFirst(s.groups, func(g *Group) (string, int64, string) {
		return g.UserID, g.CreatedAt, g.ID
	}, userID), nil
}

func (s *MemStore) UpsertGoal(g *Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.goals[g.ID] = clone(g)
	return nil
}

func (s *MemStore) GetGoal(id string) (*Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClone(s.goals, id), nil
}

func (s *MemStore) DeleteGoal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.goals, id)
	return nil
}

func (s *MemStore) ListGoals(userID string) ([]*Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listNewestFirst(s.goals, func(g *Goal) (string, int64, string) {
		return g.UserID, g.CreatedAt, g.ID
	}, userID), nil
}

func (s *MemStore) UpsertBlock(b *CanvasBlock) error {
	if err := b.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[b.ID] = clone(b)
	return nil
}

func (s *MemStore) GetBlock(id string) (*CanvasBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClone(s.blocks, id), nil
}

func (s *MemStore) DeleteBlock(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blocks, id)
	return nil
}

func (s *MemStore) ListBlocks(userID string) ([]*CanvasBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listNewestFirst(s.blocks, func(b *CanvasBlock) (string, int64, string) {
		return b.UserID, b.CreatedAt, b.ID
	}, userID), nil
}

// =============================================================================
// Board positions
// =============================================================================

func (s *MemStore) UpsertBoardPosition(p *BoardPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[positionKey{p.UserID, p.GroupID, p.MemoryID}] = clone(p)
	return nil
}

func (s *MemStore) GetBoardPosition(userID, groupID, memoryID string) (*BoardPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClone(s.positions, positionKey{userID, groupID, memoryID}), nil
}

func (s *MemStore) DeleteBoardPosition(userID, groupID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, positionKey{userID, groupID, memoryID})
	return nil
}

func (s *MemStore) ListBoardPositions(userID, groupID string) ([]*BoardPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*BoardPosition
	for k, p := range s.positions {
		if k.userID == userID && (groupID == "" || k.groupID == groupID) {
			result = append(result, clone(p))
		}
	}
	slices.SortFunc(result, comparePositions)
	return result, nil
}

// =============================================================================
// Sync metadata
// =============================================================================

func (s *MemStore) GetSyncMetadata(userID string) (*SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClone(s.meta, SyncMetadataKey(userID)), nil
}

func (s *MemStore) MarkDirty(userID string) (*SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.metaFor(userID)
	meta.Dirty = true
	meta.Version++
	return clone(meta), nil
}

func (s *MemStore) MarkClean(userID string, syncedAt, atVersion int64) (*SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.metaFor(userID)
	if atVersion == AnyVersion || meta.Version == atVersion {
		meta.Dirty = false
	}
	meta.LastSyncedAt = syncedAt
	return clone(meta), nil
}

func (s *MemStore) metaFor(userID string) *SyncMetadata {
	key := SyncMetadataKey(userID)
	meta, ok := s.meta[key]
	if !ok {
		meta = &SyncMetadata{Key: key, UserID: userID}
		s.meta[key] = meta
	}
	return meta
}

// =============================================================================
// Retry queue
// =============================================================================

func (s *MemStore) EnqueueQueueItem(item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.queue {
		if existing.ID == item.ID {
			s.queue[i] = clone(item)
			return nil
		}
	}
	s.queue = append(s.queue, clone(item))
	return nil
}

func (s *MemStore) ListQueueItems(status QueueStatus) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*QueueItem
	for _, item := range s.queue {
		if status == "" || item.Status == status {
			result = append(result, clone(item))
		}
	}
	slices.SortStableFunc(result, func(a, b *QueueItem) int {
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})
	return result, nil
}

func (s *MemStore) SetQueueItemStatus(id string, status QueueStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.queue {
		if item.ID == id {
			item.Status = status
			item.Error = errMsg
			return nil
		}
	}
	return fmt.Errorf("queue item %q: %w", id, ErrNotFound)
}

func (s *MemStore) RequeueFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.queue {
		if item.Status == StatusFailed {
			item.Status = StatusPending
			item.Error = ""
			n++
		}
	}
	return n, nil
}

func (s *MemStore) PurgeQueueItems(status QueueStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	for _, item := range s.queue {
		if status == "" || item.Status == status {
			continue
		}
		kept = append(kept, item)
	}
	n := len(s.queue) - len(kept)
	s.queue = kept
	return n, nil
}

// =============================================================================
// Snapshots
// =============================================================================

func (s *MemStore) ExportSnapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Version:        SnapshotVersion,
		ExportedAt:     time.Now().UnixMilli(),
		Memories:       sortedByKey(s.memories, func(m *Memory) string { return m.ID }),
		Groups:         sortedByKey(s.groups, func(g *Group) string { return g.ID }),
		Goals:          sortedByKey(s.goals, func(g *Goal) string { return g.ID }),
		BoardBlocks:    sortedByKey(s.blocks, func(b *CanvasBlock) string { return b.ID }),
		BoardPositions: make([]*BoardPosition, 0, len(s.positions)),
		SyncMetadata:   sortedByKey(s.meta, func(m *SyncMetadata) string { return m.Key }),
	}
	for _, p := range s.positions {
		snap.BoardPositions = append(snap.BoardPositions, clone(p))
	}
	slices.SortFunc(snap.BoardPositions, comparePositions)
	return snap, nil
}

func (s *MemStore) ImportSnapshot(snap *Snapshot, mode ImportMode) error {
	if err := checkImport(snap, mode); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == ImportReplace {
		s.reset()
	}
	for _, m := range snap.Memories {
		s.memories[m.ID] = clone(m)
	}
	for _, g := range snap.Groups {
		s.groups[g.ID] = clone(g)
	}
	for _, g := range snap.Goals {
		s.goals[g.ID] = clone(g)
	}
	for _, b := range snap.BoardBlocks {
		s.blocks[b.ID] = clone(b)
	}
	for _, p := range snap.BoardPositions {
		s.positions[positionKey{p.UserID, p.GroupID, p.MemoryID}] = clone(p)
	}
	for _, m := range snap.SyncMetadata {
		s.meta[m.Key] = clone(m)
	}
	return nil
}

func (s *MemStore) Info() (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := &Info{
		Engine: "memory",
		Rows: map[Collection]int{
			CollectionMemories:       len(s.memories),
			CollectionGroups:         len(s.groups),
			CollectionGoals:          len(s.goals),
			CollectionBoardBlocks:    len(s.blocks),
			CollectionBoardPositions: len(s.positions),
			CollectionSyncMetadata:   len(s.meta),
		},
		Queue: map[QueueStatus]int{},
	}
	for _, item := range s.queue {
		info.Queue[item.Status]++
	}
	return info, nil
}

// =============================================================================
// Helpers
// =============================================================================

// clone deep-copies a row through its JSON form, so stored rows never alias
// caller memory.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("store: clone %T: %v", v, err))
	}
	return &out
}

func getClone[K comparable, T any](m map[K]*T, key K) *T {
	if v, ok := m[key]; ok {
		return clone(v)
	}
	return nil
}

func listNewestFirst[T any](m map[string]*T, fields func(*T) (string, int64, string), userID string) []*T {
	var result []*T
	for _, v := range m {
		if owner, _, _ := fields(v); owner == userID {
			result = append(result, clone(v))
		}
	}
	slices.SortFunc(result, func(a, b *T) int {
		_, ca, ia := fields(a)
		_, cb, ib := fields(b)
		if c := cmp.Compare(cb, ca); c != 0 {
			return c
		}
		return cmp.Compare(ia, ib)
	})
	return result
}

func sortedByKey[T any](m map[string]*T, key func(*T) string) []*T {
	result := make([]*T, 0, len(m))
	for _, v := range m {
		result = append(result, clone(v))
	}
	slices.SortFunc(result, func(a, b *T) int {
		return cmp.Compare(key(a), key(b))
	})
	return result
}

func comparePositions(a, b *BoardPosition) int {
	return cmp.Or(
		cmp.Compare(a.UserID, b.UserID),
		cmp.Compare(a.GroupID, b.GroupID),
		cmp.Compare(a.MemoryID, b.MemoryID),
	)
}

// Compile-time interface check
var _ Storer = (*MemStore)(nil)
