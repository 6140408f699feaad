// Package dal is the data access layer: the only entry point application
// code uses to read and mutate entities. Every call commits against the
// local store first; remote mirroring is a background concern.
package dal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kittclouds/kittsync/internal/backup"
	"github.com/kittclouds/kittsync/internal/remote"
	"github.com/kittclouds/kittsync/internal/store"
	"github.com/kittclouds/kittsync/internal/syncpolicy"
	"github.com/kittclouds/kittsync/internal/syncqueue"
	"github.com/kittclouds/kittsync/pkg/vector"
)

var (
	// ErrNotInitialized is returned before Init.
	ErrNotInitialized = errors.New("data access layer not initialized")
	// ErrDisposed is returned after Dispose.
	ErrDisposed = errors.New("data access layer disposed")
)

// ModeSource reports the current sync mode.
type ModeSource interface {
	Mode() syncpolicy.Mode
}

// Options configures a Service.
type Options struct {
	Store  store.Storer
	Remote remote.Client
	Policy ModeSource

	// Vectors, when set, indexes memory embeddings for RelatedMemories.
	Vectors *vector.Store
	// Codec transforms backups; nil means backup.Plain.
	Codec backup.Codec
	// MirrorBacklog bounds the background mirror queue.
	MirrorBacklog int

	Now func() time.Time
}

type state int

const (
	stateNew state = iota
	stateReady
	stateDisposed
)

// Service is an explicitly constructed data access layer instance.
type Service struct {
	store   store.Storer
	remote  remote.Client
	policy  ModeSource
	vectors *vector.Store
	now     func() time.Time

	mirror    *mirror
	processor *syncqueue.Processor
	backups   *backup.Service
	changes   changeFeed

	memories *Collection[*store.Memory]
	groups   *Collection[*store.Group]
	goals    *Collection[*store.Goal]
	blocks   *Collection[*store.CanvasBlock]

	mu     sync.RWMutex
	state  state
	userID string
}

// New wires a Service. Call Init before use and Dispose when done.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("dal: store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("dal: remote client is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("dal: sync policy is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MirrorBacklog <= 0 {
		opts.MirrorBacklog = 256
	}

	s := &Service{
		store:     opts.Store,
		remote:    opts.Remote,
		policy:    opts.Policy,
		vectors:   opts.Vectors,
		now:       opts.Now,
		mirror:    newMirror(opts.Store, opts.Remote, opts.MirrorBacklog, opts.Now),
		processor: syncqueue.NewProcessor(opts.Store, opts.Remote),
		backups:   backup.New(opts.Store, opts.Remote, opts.Codec),
	}

	st := opts.Store
	s.memories = &Collection[*store.Memory]{
		svc:  s,
		name: store.CollectionMemories,
		tbl: table[*store.Memory]{
			get:  func(id string) (*store.Memory, bool, error) { m, err := st.GetMemory(id); return m, m != nil, err },
			list: st.ListMemories,
			put:  st.UpsertMemory,
			del:  st.DeleteMemory,
		},
		fresh:       func() *store.Memory { return &store.Memory{} },
		afterPut:    s.indexMemory,
		afterDelete: s.unindexMemory,
	}
	s.groups = &Collection[*store.Group]{
		svc:  s,
		name: store.CollectionGroups,
		tbl: table[*store.Group]{
			get:  func(id string) (*store.Group, bool, error) { g, err := st.GetGroup(id); return g, g != nil, err },
			list: st.ListGroups,
			put:  st.UpsertGroup,
			del:  st.DeleteGroup,
		},
		fresh: func() *store.Group { return &store.Group{} },
	}
	s.goals = &Collection[*store.Goal]{
		svc:  s,
		name: store.CollectionGoals,
		tbl: table[*store.Goal]{
			get:  func(id string) (*store.Goal, bool, error) { g, err := st.GetGoal(id); return g, g != nil, err },
			list: st.ListGoals,
			put:  st.UpsertGoal,
			del:  st.DeleteGoal,
		},
		fresh: func() *store.Goal { return &store.Goal{} },
	}
	s.blocks = &Collection[*store.CanvasBlock]{
		svc:  s,
		name: store.CollectionBoardBlocks,
		tbl: table[*store.CanvasBlock]{
			get:  func(id string) (*store.CanvasBlock, bool, error) { b, err := st.GetBlock(id); return b, b != nil, err },
			list: st.ListBlocks,
			put:  st.UpsertBlock,
			del:  st.DeleteBlock,
		},
		fresh: func() *store.CanvasBlock { return &store.CanvasBlock{} },
	}
	return s, nil
}

// Init makes the service usable for userID. It is a no-op when already
// initialized.
func (s *Service) Init(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("dal: user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateDisposed:
		return ErrDisposed
	case stateReady:
		return nil
	}
	if err := s.reindex(userID); err != nil {
		log.Warn("related-memory index rebuild failed", "userId", userID, "err", err)
	}
	s.userID = userID
	s.state = stateReady
	log.Debug("data access layer ready", "userId", userID, "mode", s.policy.Mode())
	return nil
}

// Dispose stops accepting calls and drains the mirror queue. If ctx ends
// first, outstanding remote calls are cancelled and their mutations are
// queued for replay.
func (s *Service) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateDisposed
	s.mu.Unlock()

	err := s.mirror.close(ctx)
	s.changes.closeAll()
	if s.vectors != nil {
		if serr := s.vectors.Save(); serr != nil {
			log.Warn("saving related-memory index failed", "err", serr)
		}
	}
	return err
}

// UserID returns the user passed to Init.
func (s *Service) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case stateNew:
		return ErrNotInitialized
	case stateDisposed:
		return ErrDisposed
	}
	return nil
}

func (s *Service) Memories() *Collection[*store.Memory]    { return s.memories }
func (s *Service) Groups() *Collection[*store.Group]       { return s.groups }
func (s *Service) Goals() *Collection[*store.Goal]         { return s.goals }
func (s *Service) Blocks() *Collection[*store.CanvasBlock] { return s.blocks }

// Subscribe returns a feed of committed local changes and a function that
// ends the subscription. Changes are dropped when the buffer is full.
func (s *Service) Subscribe(buffer int) (<-chan Change, func()) {
	return s.changes.subscribe(buffer)
}

// committed runs the post-commit steps shared by every mutation: the dirty
// mark, change notification, and, when mode mirrors, a mirror task.
func (s *Service) committed(mode syncpolicy.Mode, userID string, coll store.Collection, op store.QueueOp, id string, payload any) error {
	if _, err := s.store.MarkDirty(userID); err != nil {
		return fmt.Errorf("mark dirty: %w", err)
	}
	s.changes.publish(Change{UserID: userID, Collection: coll, Op: op, ID: id})

	if !mode.Mirrors() || coll == store.CollectionBoardPositions {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s %q for mirroring: %w", coll, id, err)
	}
	s.mirror.submit(mirrorTask{userID: userID, op: op, collection: coll, data: data})
	return nil
}

// Flush waits for mirror tasks submitted so far to reach the remote or the
// retry queue.
func (s *Service) Flush(ctx context.Context) error {
	return s.mirror.flush(ctx)
}

// =============================================================================
// Board positions (local only, covered by backups)
// =============================================================================

// SetBoardPosition places a memory of a group on the board.
func (s *Service) SetBoardPosition(ctx context.Context, p *store.BoardPosition) error {
	if err := s.ready(); err != nil {
		return err
	}
	if p.UserID == "" || p.GroupID == "" || p.MemoryID == "" {
		return errors.New("board position needs user, group and memory ids")
	}
	p.UpdatedAt = s.now().UnixMilli()
	if err := s.store.UpsertBoardPosition(p); err != nil {
		return err
	}
	return s.committed(s.policy.Mode(), p.UserID, store.CollectionBoardPositions, store.OpUpdate,
		p.GroupID+"/"+p.MemoryID, p)
}

// BoardPositions lists a user's positions, for one group or all when
// groupID is empty.
func (s *Service) BoardPositions(ctx context.Context, userID, groupID string) ([]*store.BoardPosition, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.ListBoardPositions(userID, groupID)
}

func (s *Service) DeleteBoardPosition(ctx context.Context, userID, groupID, memoryID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.store.DeleteBoardPosition(userID, groupID, memoryID); err != nil {
		return err
	}
	return s.committed(s.policy.Mode(), userID, store.CollectionBoardPositions, store.OpDelete,
		groupID+"/"+memoryID, nil)
}

// =============================================================================
// Sync bookkeeping, queue and snapshots
// =============================================================================

// SyncMetadata returns the user's dirty state, or nil before the first
// mutation.
func (s *Service) SyncMetadata(ctx context.Context, userID string) (*store.SyncMetadata, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.GetSyncMetadata(userID)
}

// ProcessSyncQueue replays pending queue items once.
func (s *Service) ProcessSyncQueue(ctx context.Context) (syncqueue.Result, error) {
	if err := s.ready(); err != nil {
		return syncqueue.Result{}, err
	}
	return s.processor.Process(ctx)
}

// Processor exposes the queue processor for periodic runs.
func (s *Service) Processor() *syncqueue.Processor {
	return s.processor
}

// Backup pushes a full snapshot. It works in every sync mode.
func (s *Service) Backup(ctx context.Context, userID string) (*store.SyncMetadata, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.backups.Backup(ctx, userID)
}

// Restore replaces the local store with the remote snapshot.
func (s *Service) Restore(ctx context.Context, userID string) (*store.SyncMetadata, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	meta, err := s.backups.Restore(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.reindex(userID); err != nil {
		log.Warn("related-memory index rebuild failed", "userId", userID, "err", err)
	}
	s.changes.publish(Change{UserID: userID, Op: store.OpUpdate})
	return meta, nil
}

// =============================================================================
// Related memories
// =============================================================================

func (s *Service) indexMemory(m *store.Memory) {
	if s.vectors == nil {
		return
	}
	if len(m.Embedding) == 0 {
		s.vectors.Remove(m.ID)
		return
	}
	if err := s.vectors.Add(m.ID, m.Embedding); err != nil {
		s.vectors.Remove(m.ID)
		log.Warn("memory not indexed", "memoryId", m.ID, "err", err)
	}
}

func (s *Service) unindexMemory(id string) {
	if s.vectors != nil {
		s.vectors.Remove(id)
	}
}

// reindex adds every embedded memory of userID missing from the index.
func (s *Service) reindex(userID string) error {
	if s.vectors == nil {
		return nil
	}
	list, err := s.store.ListMemories(userID)
	if err != nil {
		return err
	}
	for _, m := range list {
		if len(m.Embedding) > 0 {
			if err := s.vectors.Add(m.ID, m.Embedding); err != nil {
				log.Debug("memory not indexed", "memoryId", m.ID, "err", err)
			}
		}
	}
	return nil
}

// RelatedMemories returns up to k of the user's memories nearest to
// memoryID by embedding. Rows deleted or owned by others are skipped.
func (s *Service) RelatedMemories(ctx context.Context, userID, memoryID string, k int) ([]*store.Memory, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.vectors == nil {
		return nil, errors.New("related-memory index is not configured")
	}
	src, err := s.store.GetMemory(memoryID)
	if err != nil {
		return nil, err
	}
	if src == nil || src.UserID != userID {
		return nil, fmt.Errorf("memories %q: %w", memoryID, store.ErrNotFound)
	}
	if len(src.Embedding) == 0 {
		return nil, nil
	}

	keys, err := s.vectors.Search(src.Embedding, k+1)
	if err != nil {
		return nil, err
	}
	related := make([]*store.Memory, 0, k)
	for _, key := range keys {
		if key == memoryID {
			continue
		}
		m, err := s.store.GetMemory(key)
		if err != nil {
			return nil, err
		}
		if m == nil || m.UserID != userID {
			continue
		}
		related = append(related, m)
		if len(related) == k {
			break
		}
	}
	return related, nil
}
