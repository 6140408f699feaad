// Package checkpoint persists an in-memory store to a hackpadfs filesystem,
// so a browser session (IndexedDB) survives a reload.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/hack-pad/hackpadfs"

	"github.com/kittclouds/kittsync/internal/store"
)

// DefaultPath is the checkpoint file name inside the filesystem.
const DefaultPath = "kittsync-checkpoint.json"

type file struct {
	Snapshot *store.Snapshot    `json:"snapshot"`
	Queue    []*store.QueueItem `json:"queue"`
}

// Checkpointer writes and reads one checkpoint file.
type Checkpointer struct {
	fs    hackpadfs.FS
	path  string
	store store.Storer

	mu sync.Mutex
}

// New creates a Checkpointer for st at path inside fsys.
func New(fsys hackpadfs.FS, path string, st store.Storer) *Checkpointer {
	if path == "" {
		path = DefaultPath
	}
	return &Checkpointer{fs: fsys, path: path, store: st}
}

// Save writes every entity table plus the retry queue.
func (c *Checkpointer) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.store.ExportSnapshot()
	if err != nil {
		return fmt.Errorf("checkpoint export: %w", err)
	}
	queue, err := c.store.ListQueueItems("")
	if err != nil {
		return fmt.Errorf("checkpoint queue: %w", err)
	}
	data, err := json.Marshal(file{Snapshot: snap, Queue: queue})
	if err != nil {
		return fmt.Errorf("checkpoint encode: %w", err)
	}
	if err := hackpadfs.WriteFullFile(c.fs, c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load replaces the store's entity tables with the checkpoint and restores
// the retry queue. It reports false when no checkpoint exists.
func (c *Checkpointer) Load() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := hackpadfs.ReadFile(c.fs, c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return false, fmt.Errorf("checkpoint decode: %w", err)
	}
	if f.Snapshot == nil {
		return false, errors.New("checkpoint has no snapshot")
	}
	if err := c.store.ImportSnapshot(f.Snapshot, store.ImportReplace); err != nil {
		return false, err
	}
	for _, item := range f.Queue {
		if err := c.store.EnqueueQueueItem(item); err != nil {
			return false, fmt.Errorf("checkpoint queue item %s: %w", item.ID, err)
		}
	}
	return true, nil
}
