package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore is the SQLite-backed data store.
// Thread-safe; the pool is pinned to one connection so ":memory:" databases
// are shared by every caller.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// schema defines the entity tables and the two bookkeeping tables.
// Indexed fields are promoted to columns; the full row is kept as JSON in
// body so exports reproduce every field exactly.
const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    topic TEXT,
    nature TEXT,
    cluster_tag TEXT,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_memories_user_topic ON memories(user_id, topic);
CREATE INDEX IF NOT EXISTS idx_memories_user_nature ON memories(user_id, nature);
CREATE INDEX IF NOT EXISTS idx_memories_user_cluster ON memories(user_id, cluster_tag);

-- "groups" is an SQL keyword
CREATE TABLE IF NOT EXISTS memory_groups (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_groups_user_created ON memory_groups(user_id, created_at);

CREATE TABLE IF NOT EXISTS goals (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_goals_user_created ON goals(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_goals_user_status ON goals(user_id, status);

CREATE TABLE IF NOT EXISTS board_blocks (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_user_created ON board_blocks(user_id, created_at);

CREATE TABLE IF NOT EXISTS board_positions (
    user_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    memory_id TEXT NOT NULL,
    body TEXT NOT NULL,
    PRIMARY KEY (user_id, group_id, memory_id)
);

CREATE TABLE IF NOT EXISTS sync_metadata (
    key TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    last_synced_at INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    dirty INTEGER NOT NULL DEFAULT 0
);

-- seq keeps insertion order for items enqueued in the same millisecond
CREATE TABLE IF NOT EXISTS sync_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    collection TEXT NOT NULL,
    user_id TEXT,
    data TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status, created_at, seq);
`

// entityTables are cleared by a replace import. The retry queue is not an
// entity table and survives it.
var entityTables = []string{
	"memories", "memory_groups", "goals", "board_blocks", "board_positions", "sync_metadata",
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new in-memory SQLite store.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file path for persistent storage.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	// Create schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// Memories
// =============================================================================

// UpsertMemory inserts or replaces a memory.
func (s *SQLiteStore) UpsertMemory(m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putMemory(s.db, m)
}

func putMemory(q querier, m *Memory) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO memories (id, user_id, created_at, topic, nature, cluster_tag, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			created_at = excluded.created_at,
			topic = excluded.topic,
			nature = excluded.nature,
			cluster_tag = excluded.cluster_tag,
			body = excluded.body
	`, m.ID, m.UserID, m.CreatedAt, m.Topic, m.Nature, m.ClusterTag, string(body))
	return err
}

// GetMemory retrieves a memory by ID.
func (s *SQLiteStore) GetMemory(id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBody[Memory](s.db, `SELECT body FROM memories WHERE id = ?`, id)
}

// DeleteMemory removes a memory by ID.
func (s *SQLiteStore) DeleteMemory(id string) error {
	return s.exec(`DELETE FROM memories WHERE id = ?`, id)
}

// ListMemories returns a user's memories, newest first.
func (s *SQLiteStore) ListMemories(userID string) ([]*Memory, error) {
	return s.QueryMemories(MemoryQuery{UserID: userID})
}

// QueryMemories filters memories on the indexed columns.
func (s *SQLiteStore) QueryMemories(q MemoryQuery) ([]*Memory, error) {
	var where []string
	var args []any
	for _, f := range []struct {
		col, val string
	}{
		{"user_id", q.UserID},
		{"topic", q.Topic},
		{"nature", q.Nature},
		{"cluster_tag", q.ClusterTag},
	} {
		if f.val != "" {
			where = append(where, f.col+" = ?")
			args = append(args, f.val)
		}
	}

	query := `SELECT body FROM memories`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if q.Ascending {
		query += ` ORDER BY created_at ASC, id`
	} else {
		query += ` ORDER BY created_at DESC, id`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBodies[Memory](s.db, query, args...)
}

// =============================================================================
// Groups
// =============================================================================

// UpsertGroup inserts or replaces a group.
func (s *SQLiteStore) UpsertGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putGroup(s.db, g)
}

func putGroup(q querier, g *Group) error {
	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO memory_groups (id, user_id, created_at, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			created_at = excluded.created_at,
			body = excluded.body
	`, g.ID, g.UserID, g.CreatedAt, string(body))
	return err
}

// GetGroup retrieves a group by ID.
func (s *SQLiteStore) GetGroup(id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBody[Group](s.db, `SELECT body FROM memory_groups WHERE id = ?`, id)
}

// DeleteGroup removes a group by ID. Memories are untouched.
func (s *SQLiteStore) DeleteGroup(id string) error {
	return s.exec(`DELETE FROM memory_groups WHERE id = ?`, id)
}

// ListGroups returns a user's groups, newest first.
func (s *SQLiteStore) ListGroups(userID string) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBodies[Group](s.db, `
		SELECT body FROM memory_groups WHERE user_id = ? ORDER BY created_at DESC, id
	`, userID)
}

// =============================================================================
// Goals
// =============================================================================

// UpsertGoal inserts or replaces a goal.
func (s *SQLiteStore) UpsertGoal(g *Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putGoal(s.db, g)
}

func putGoal(q querier, g *Goal) error {
	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal goal: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO goals (id, user_id, status, created_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			created_at = excluded.created_at,
			body = excluded.body
	`, g.ID, g.UserID, string(g.Status), g.CreatedAt, string(body))
	return err
}

// GetGoal retrieves a goal by ID.
func (s *SQLiteStore) GetGoal(id string) (*Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBody[Goal](s.db, `SELECT body FROM goals WHERE id = ?`, id)
}

// DeleteGoal removes a goal by ID.
func (s *SQLiteStore) DeleteGoal(id string) error {
	return s.exec(`DELETE FROM goals WHERE id = ?`, id)
}

// ListGoals returns a user's goals, newest first.
func (s *SQLiteStore) ListGoals(userID string) ([]*Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBodies[Goal](s.db, `
		SELECT body FROM goals WHERE user_id = ? ORDER BY created_at DESC, id
	`, userID)
}

// =============================================================================
// Canvas blocks
// =============================================================================

// UpsertBlock validates and inserts or replaces a canvas block.
func (s *SQLiteStore) UpsertBlock(b *CanvasBlock) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return putBlock(s.db, b)
}

func putBlock(q querier, b *CanvasBlock) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO board_blocks (id, user_id, type, created_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			type = excluded.type,
			created_at = excluded.created_at,
			body = excluded.body
	`, b.ID, b.UserID, string(b.Type), b.CreatedAt, string(body))
	return err
}

// GetBlock retrieves a canvas block by ID.
func (s *SQLiteStore) GetBlock(id string) (*CanvasBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBody[CanvasBlock](s.db, `SELECT body FROM board_blocks WHERE id = ?`, id)
}

// DeleteBlock removes a canvas block by ID.
func (s *SQLiteStore) DeleteBlock(id string) error {
	return s.exec(`DELETE FROM board_blocks WHERE id = ?`, id)
}

// ListBlocks returns a user's canvas blocks, newest first.
func (s *SQLiteStore) ListBlocks(userID string) ([]*CanvasBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBodies[CanvasBlock](s.db, `
		SELECT body FROM board_blocks WHERE user_id = ? ORDER BY created_at DESC, id
	`, userID)
}

// =============================================================================
// Board positions
// =============================================================================

// UpsertBoardPosition inserts or replaces the position for its
// (user, group, memory) triple.
func (s *SQLiteStore) UpsertBoardPosition(p *BoardPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putBoardPosition(s.db, p)
}

func putBoardPosition(q querier, p *BoardPosition) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal board position: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO board_positions (user_id, group_id, memory_id, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, group_id, memory_id) DO UPDATE SET body = excluded.body
	`, p.UserID, p.GroupID, p.MemoryID, string(body))
	return err
}

// GetBoardPosition retrieves the position of one memory in one group.
func (s *SQLiteStore) GetBoardPosition(userID, groupID, memoryID string) (*BoardPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBody[BoardPosition](s.db, `
		SELECT body FROM board_positions WHERE user_id = ? AND group_id = ? AND memory_id = ?
	`, userID, groupID, memoryID)
}

// DeleteBoardPosition removes one position.
func (s *SQLiteStore) DeleteBoardPosition(userID, groupID, memoryID string) error {
	return s.exec(`
		DELETE FROM board_positions WHERE user_id = ? AND group_id = ? AND memory_id = ?
	`, userID, groupID, memoryID)
}

// ListBoardPositions returns a user's positions, optionally for one group.
func (s *SQLiteStore) ListBoardPositions(userID, groupID string) ([]*BoardPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if groupID != "" {
		return queryBodies[BoardPosition](s.db, `
			SELECT body FROM board_positions WHERE user_id = ? AND group_id = ?
			ORDER BY user_id, group_id, memory_id
		`, userID, groupID)
	}
	return queryBodies[BoardPosition](s.db, `
		SELECT body FROM board_positions WHERE user_id = ?
		ORDER BY user_id, group_id, memory_id
	`, userID)
}

// =============================================================================
// Sync metadata
// =============================================================================

// GetSyncMetadata returns the user's sync metadata, or nil if the user never
// mutated or synced anything.
func (s *SQLiteStore) GetSyncMetadata(userID string) (*SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSyncMetadata(s.db, userID)
}

// MarkDirty flags the user as holding unbacked-up mutations and bumps the
// mutation counter.
func (s *SQLiteStore) MarkDirty(userID string) (*SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_metadata (key, user_id, last_synced_at, version, dirty)
		VALUES (?, ?, 0, 1, 1)
		ON CONFLICT(key) DO UPDATE SET dirty = 1, version = version + 1
	`, SyncMetadataKey(userID), userID)
	if err != nil {
		return nil, err
	}
	return getSyncMetadata(s.db, userID)
}

// MarkClean records a successful sync. The dirty flag is cleared only if no
// mutation happened since atVersion was observed, or atVersion is AnyVersion.
func (s *SQLiteStore) MarkClean(userID string, syncedAt, atVersion int64) (*SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_metadata (key, user_id, last_synced_at, version, dirty)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(key) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			dirty = CASE WHEN ? = -1 OR version = ? THEN 0 ELSE dirty END
	`, SyncMetadataKey(userID), userID, syncedAt, atVersion, atVersion)
	if err != nil {
		return nil, err
	}
	return getSyncMetadata(s.db, userID)
}

func getSyncMetadata(q querier, userID string) (*SyncMetadata, error) {
	var meta SyncMetadata
	var dirty int
	err := q.QueryRow(`
		SELECT key, user_id, last_synced_at, version, dirty FROM sync_metadata WHERE key = ?
	`, SyncMetadataKey(userID)).Scan(&meta.Key, &meta.UserID, &meta.LastSyncedAt, &meta.Version, &dirty)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta.Dirty = dirty != 0
	return &meta, nil
}

// =============================================================================
// Retry queue
// =============================================================================

// EnqueueQueueItem appends an item, or replaces the item with the same ID.
func (s *SQLiteStore) EnqueueQueueItem(item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putQueueItem(s.db, item)
}

func putQueueItem(q querier, item *QueueItem) error {
	data := string(item.Data)
	if data == "" {
		data = "null"
	}
	_, err := q.Exec(`
		INSERT INTO sync_queue (id, type, collection, user_id, data, created_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			collection = excluded.collection,
			user_id = excluded.user_id,
			data = excluded.data,
			created_at = excluded.created_at,
			status = excluded.status,
			error = excluded.error
	`, item.ID, string(item.Type), string(item.Collection), item.UserID, data,
		item.CreatedAt, string(item.Status), item.Error)
	return err
}

// ListQueueItems returns items with the given status (all when empty) in
// the order they were enqueued.
func (s *SQLiteStore) ListQueueItems(status QueueStatus) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	const cols = `SELECT id, type, collection, user_id, data, created_at, status, error FROM sync_queue`
	if status != "" {
		rows, err = s.db.Query(cols+` WHERE status = ? ORDER BY created_at, seq`, string(status))
	} else {
		rows, err = s.db.Query(cols + ` ORDER BY created_at, seq`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		var item QueueItem
		var userID, errMsg sql.NullString
		var data string
		if err := rows.Scan(&item.ID, &item.Type, &item.Collection, &userID, &data,
			&item.CreatedAt, &item.Status, &errMsg); err != nil {
			return nil, err
		}
		item.UserID = userID.String
		item.Error = errMsg.String
		item.Data = json.RawMessage(data)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// SetQueueItemStatus moves an item to status and records errMsg.
func (s *SQLiteStore) SetQueueItemStatus(id string, status QueueStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sync_queue SET status = ?, error = ? WHERE id = ?`,
		string(status), errMsg, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("queue item %q: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueFailed moves every failed item back to pending. Nothing calls this
// implicitly; failed items wait for an explicit reset.
func (s *SQLiteStore) RequeueFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sync_queue SET status = ?, error = '' WHERE status = ?`,
		string(StatusPending), string(StatusFailed))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PurgeQueueItems deletes items with the given status (all when empty).
func (s *SQLiteStore) PurgeQueueItems(status QueueStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if status != "" {
		res, err = s.db.Exec(`DELETE FROM sync_queue WHERE status = ?`, string(status))
	} else {
		res, err = s.db.Exec(`DELETE FROM sync_queue`)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// Snapshots
// =============================================================================

// ExportSnapshot reads every entity table in one pass.
func (s *SQLiteStore) ExportSnapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{Version: SnapshotVersion, ExportedAt: time.Now().UnixMilli()}
	var err error
	if snap.Memories, err = queryBodies[Memory](s.db, `SELECT body FROM memories ORDER BY id`); err != nil {
		return nil, fmt.Errorf("export memories: %w", err)
	}
	if snap.Groups, err = queryBodies[Group](s.db, `SELECT body FROM memory_groups ORDER BY id`); err != nil {
		return nil, fmt.Errorf("export groups: %w", err)
	}
	if snap.Goals, err = queryBodies[Goal](s.db, `SELECT body FROM goals ORDER BY id`); err != nil {
		return nil, fmt.Errorf("export goals: %w", err)
	}
	if snap.BoardBlocks, err = queryBodies[CanvasBlock](s.db, `SELECT body FROM board_blocks ORDER BY id`); err != nil {
		return nil, fmt.Errorf("export blocks: %w", err)
	}
	if snap.BoardPositions, err = queryBodies[BoardPosition](s.db, `
		SELECT body FROM board_positions ORDER BY user_id, group_id, memory_id
	`); err != nil {
		return nil, fmt.Errorf("export board positions: %w", err)
	}

	rows, err := s.db.Query(`SELECT key, user_id, last_synced_at, version, dirty FROM sync_metadata ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("export sync metadata: %w", err)
	}
	defer rows.Close()
	snap.SyncMetadata = []*SyncMetadata{}
	for rows.Next() {
		var meta SyncMetadata
		var dirty int
		if err := rows.Scan(&meta.Key, &meta.UserID, &meta.LastSyncedAt, &meta.Version, &dirty); err != nil {
			return nil, err
		}
		meta.Dirty = dirty != 0
		snap.SyncMetadata = append(snap.SyncMetadata, &meta)
	}
	return snap, rows.Err()
}

// ImportSnapshot writes a snapshot in a single transaction. Version and
// canvas block checks run before the transaction starts.
func (s *SQLiteStore) ImportSnapshot(snap *Snapshot, mode ImportMode) error {
	if err := checkImport(snap, mode); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := importTx(tx, snap, mode); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func importTx(tx *sql.Tx, snap *Snapshot, mode ImportMode) error {
	if mode == ImportReplace {
		for _, table := range entityTables {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
	}
	for _, m := range snap.Memories {
		if err := putMemory(tx, m); err != nil {
			return err
		}
	}
	for _, g := range snap.Groups {
		if err := putGroup(tx, g); err != nil {
			return err
		}
	}
	for _, g := range snap.Goals {
		if err := putGoal(tx, g); err != nil {
			return err
		}
	}
	for _, b := range snap.BoardBlocks {
		if err := putBlock(tx, b); err != nil {
			return err
		}
	}
	for _, p := range snap.BoardPositions {
		if err := putBoardPosition(tx, p); err != nil {
			return err
		}
	}
	for _, m := range snap.SyncMetadata {
		_, err := tx.Exec(`
			INSERT INTO sync_metadata (key, user_id, last_synced_at, version, dirty)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				user_id = excluded.user_id,
				last_synced_at = excluded.last_synced_at,
				version = excluded.version,
				dirty = excluded.dirty
		`, m.Key, m.UserID, m.LastSyncedAt, m.Version, boolToInt(m.Dirty))
		if err != nil {
			return err
		}
	}
	return nil
}

// Info reports engine versions and row counts.
func (s *SQLiteStore) Info() (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version string
	if err := s.db.QueryRow(`SELECT sqlite_version()`).Scan(&version); err != nil {
		return nil, err
	}
	info := &Info{
		Engine: "sqlite " + version,
		Rows:   map[Collection]int{},
		Queue:  map[QueueStatus]int{},
	}
	// vec_version is only present when sqlite3.Binary is a sqlite-vec build.
	var vec sql.NullString
	if err := s.db.QueryRow(`SELECT vec_version()`).Scan(&vec); err == nil {
		info.VecVersion = vec.String
	}

	for coll, table := range map[Collection]string{
		CollectionMemories:       "memories",
		CollectionGroups:         "memory_groups",
		CollectionGoals:          "goals",
		CollectionBoardBlocks:    "board_blocks",
		CollectionBoardPositions: "board_positions",
		CollectionSyncMetadata:   "sync_metadata",
	} {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			return nil, err
		}
		info.Rows[coll] = n
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		info.Queue[status] = n
	}
	return info, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

func (s *SQLiteStore) exec(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(query, args...)
	return err
}

func getBody[T any](q querier, query string, args ...any) (*T, error) {
	var body string
	err := q.QueryRow(query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("corrupt row: %w", err)
	}
	return &v, nil
}

func queryBodies[T any](q querier, query string, args ...any) ([]*T, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*T{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("corrupt row: %w", err)
		}
		result = append(result, &v)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface check
var _ Storer = (*SQLiteStore)(nil)
