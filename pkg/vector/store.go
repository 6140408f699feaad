package vector

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector" // fogfish/hnsw/vector alias, imports kshard/vector
	"github.com/hack-pad/hackpadfs"
	kvector "github.com/kshard/vector" // Underlying vector types
)

// Store manages an HNSW index of memory embeddings keyed by memory id, and
// its persistence.
//
// HNSW nodes cannot be removed, so replacing or deleting a key retires its
// node id. Retired nodes stay in the graph and are filtered from results.
type Store struct {
	Index *hnsw.HNSW[vector.VF32]
	FS    hackpadfs.FS
	Path  string

	mu   sync.RWMutex
	keys map[string]uint32
	ids  map[uint32]string
	next uint32
}

// snapshot is the gob-encoded file layout.
type snapshot struct {
	Nodes hnsw.Nodes[vector.VF32]
	Keys  map[string]uint32
	Next  uint32
}

// NewStore creates a new Vector Store.
// If a valid index exists at path, it loads it. A missing file starts an
// empty index; any other load error is returned.
func NewStore(fsys hackpadfs.FS, path string) (*Store, error) {
	s := &Store{
		FS:   fsys,
		Path: path,
	}

	if err := s.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		s.reset()
	}
	return s, nil
}

func (s *Store) reset() {
	s.Index = hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine()))
	s.keys = make(map[string]uint32)
	s.ids = make(map[uint32]string)
	s.next = 0
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Add inserts or replaces the vector of key.
// Returns error if vector dimension doesn't match existing index.
func (s *Store) Add(key string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Index == nil {
		return fmt.Errorf("index not initialized")
	}
	if len(vec) == 0 {
		return fmt.Errorf("empty vector for %q", key)
	}
	if err := s.checkDim(vec); err != nil {
		return err
	}

	if old, ok := s.keys[key]; ok {
		delete(s.ids, old)
	}
	s.next++
	s.keys[key] = s.next
	s.ids[s.next] = key

	s.Index.Insert(vector.VF32{Key: s.next, Vec: vec})
	return nil
}

// Remove retires key. Unknown keys are ignored.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.keys[key]; ok {
		delete(s.ids, id)
		delete(s.keys, key)
	}
}

// Search returns up to k live keys nearest to vec, closest first.
func (s *Store) Search(vec []float32, k int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Index == nil {
		return nil, fmt.Errorf("index not initialized")
	}
	if k <= 0 || len(s.keys) == 0 {
		return nil, nil
	}
	if err := s.checkDim(vec); err != nil {
		return nil, err
	}

	// Over-fetch by the number of retired nodes so filtering still fills k.
	want := k + int(s.next) - len(s.ids)
	ef := want * 2
	if ef < 100 {
		ef = 100
	}

	query := vector.VF32{Vec: vec} // Key ignored in Search distance calc
	results := s.Index.Search(query, want, ef)

	keys := make([]string, 0, k)
	for _, r := range results {
		key, ok := s.ids[r.Key]
		if !ok {
			continue
		}
		keys = append(keys, key)
		if len(keys) == k {
			break
		}
	}
	return keys, nil
}

// Cosine distance works on 4-lane blocks, so every dimension must be a
// multiple of 4.
func (s *Store) checkDim(vec []float32) error {
	if len(vec)%4 != 0 {
		return fmt.Errorf("vector dimension %d is not a multiple of 4", len(vec))
	}
	if s.Index.Size() > 0 {
		dim := len(s.Index.Head().Vec)
		if len(vec) != dim {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", dim, len(vec))
		}
	}
	return nil
}

// Save persists the index to FS.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Index == nil {
		return nil
	}

	var snap snapshot
	if len(s.keys) > 0 {
		snap = snapshot{
			Nodes: s.Index.Nodes(),
			Keys:  s.keys,
			Next:  s.next,
		}
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	if err := hackpadfs.WriteFullFile(s.FS, s.Path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}

	return nil
}

// Load reads the index from FS.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := hackpadfs.ReadFile(s.FS, s.Path)
	if err != nil {
		return err
	}

	var snap snapshot
	dec := gob.NewDecoder(bytes.NewReader(content))
	if err := dec.Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}

	if len(snap.Keys) == 0 || len(snap.Nodes.Heap) == 0 {
		s.reset()
		return nil
	}

	// Rehydrate
	s.Index = hnsw.FromNodes[vector.VF32](
		vector.SurfaceVF32(kvector.Cosine()),
		snap.Nodes,
	)
	s.keys = snap.Keys
	if s.keys == nil {
		s.keys = make(map[string]uint32)
	}
	s.ids = make(map[uint32]string, len(s.keys))
	for key, id := range s.keys {
		s.ids[id] = key
	}
	s.next = snap.Next

	return nil
}
