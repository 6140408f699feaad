// Package store provides the embedded, on-device persistence for kittsync.
// It is the single source of truth for the running client: every entity
// table plus the sync bookkeeping tables live here.
package store

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Collection names an entity table as it appears in snapshots, queue items
// and on the remote wire.
type Collection string

const (
	CollectionMemories       Collection = "memories"
	CollectionGroups         Collection = "groups"
	CollectionGoals          Collection = "goals"
	CollectionBoardBlocks    Collection = "boardBlocks"
	CollectionBoardPositions Collection = "boardPositions"
	CollectionSyncMetadata   Collection = "syncMetadata"
)

// Memory is a single note.
type Memory struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Title     string `json:"title,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`

	// Classification
	Topic       string `json:"topic,omitempty"`
	Nature      string `json:"nature,omitempty"`
	ClusterTag  string `json:"clusterTag,omitempty"`
	RepeatCount int    `json:"repeatCount,omitempty"`

	RelatedMemoryIDs []string `json:"relatedMemoryIds,omitempty"`

	// Provenance
	Source    string `json:"source,omitempty"` // "manual" | "ingest" | "meeting" | "import"
	SourceURL string `json:"sourceUrl,omitempty"`
	SourceRef string `json:"sourceRef,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`
}

// Group is a named cluster of memory ids. MemoryIDs is not referentially
// enforced: deleting a memory leaves dangling ids behind.
type Group struct {
	ID            string   `json:"id"`
	UserID        string   `json:"userId"`
	Name          string   `json:"name"`
	MemoryIDs     []string `json:"memoryIds"`
	IsAIGenerated bool     `json:"isAIGenerated"`
	CreatedAt     int64    `json:"createdAt"`
	UpdatedAt     int64    `json:"updatedAt"`
}

// GoalStatus is the lifecycle state of a Goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalArchived  GoalStatus = "archived"
)

// Milestone is one step of a Goal.
type Milestone struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Done   bool   `json:"done"`
	DoneAt int64  `json:"doneAt,omitempty"`
}

// Goal is a tracked objective.
type Goal struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Status      GoalStatus  `json:"status"`
	Progress    float64     `json:"progress"`
	Milestones  []Milestone `json:"milestones"`
	CreatedAt   int64       `json:"createdAt"`
	UpdatedAt   int64       `json:"updatedAt"`
}

// BoardPosition places one memory of one group on the board.
// (UserID, GroupID, MemoryID) is the primary key.
type BoardPosition struct {
	UserID    string  `json:"userId"`
	GroupID   string  `json:"groupId"`
	MemoryID  string  `json:"memoryId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	UpdatedAt int64   `json:"updatedAt"`
}

// SyncMetadata tracks, per user, whether local mutations exist that no full
// backup has confirmed yet. Version counts local mutations.
type SyncMetadata struct {
	Key          string `json:"key"`
	UserID       string `json:"userId"`
	LastSyncedAt int64  `json:"lastSyncedAt"`
	Version      int64  `json:"version"`
	Dirty        bool   `json:"dirty"`
}

// SyncMetadataKey returns the row key of a user's SyncMetadata.
func SyncMetadataKey(userID string) string {
	return "user_" + userID
}

// QueueOp is the kind of mutation a QueueItem replays.
type QueueOp string

const (
	OpCreate QueueOp = "create"
	OpUpdate QueueOp = "update"
	OpDelete QueueOp = "delete"
)

// QueueStatus is the state of a QueueItem. Synced and failed are terminal.
type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusSynced  QueueStatus = "synced"
	StatusFailed  QueueStatus = "failed"
)

// QueueItem is a durable record of a mirrored mutation that did not reach
// the remote service.
type QueueItem struct {
	ID         string          `json:"id"`
	Type       QueueOp         `json:"type"`
	Collection Collection      `json:"collection"`
	UserID     string          `json:"userId,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  int64           `json:"createdAt"`
	Status     QueueStatus     `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// Record is implemented by the entities the data access layer mirrors.
type Record interface {
	Key() string
	Owner() string
	// Stamp assigns ownership, a fresh id when none is set, createdAt when
	// unset, and updatedAt.
	Stamp(userID string, now int64)
}

// NewID returns a new globally unique id.
func NewID() string {
	return uuid.NewString()
}

func (m *Memory) Key() string   { return m.ID }
func (m *Memory) Owner() string { return m.UserID }

func (m *Memory) Stamp(userID string, now int64) {
	m.UserID = userID
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

func (g *Group) Key() string   { return g.ID }
func (g *Group) Owner() string { return g.UserID }

func (g *Group) Stamp(userID string, now int64) {
	g.UserID = userID
	if g.ID == "" {
		g.ID = NewID()
	}
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	if g.MemoryIDs == nil {
		g.MemoryIDs = []string{}
	}
	g.UpdatedAt = now
}

func (g *Goal) Key() string   { return g.ID }
func (g *Goal) Owner() string { return g.UserID }

func (g *Goal) Stamp(userID string, now int64) {
	g.UserID = userID
	if g.ID == "" {
		g.ID = NewID()
	}
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	if g.Status == "" {
		g.Status = GoalActive
	}
	if g.Milestones == nil {
		g.Milestones = []Milestone{}
	}
	for i := range g.Milestones {
		if g.Milestones[i].ID == "" {
			g.Milestones[i].ID = NewID()
		}
	}
	g.UpdatedAt = now
}

func (b *CanvasBlock) Key() string   { return b.ID }
func (b *CanvasBlock) Owner() string { return b.UserID }

func (b *CanvasBlock) Stamp(userID string, now int64) {
	b.UserID = userID
	if b.ID == "" {
		b.ID = NewID()
	}
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}
