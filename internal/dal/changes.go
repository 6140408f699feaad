package dal

import (
	"sync"

	"github.com/kittclouds/kittsync/internal/store"
)

// Change describes one committed local mutation.
type Change struct {
	UserID     string
	Collection store.Collection
	Op         store.QueueOp
	ID         string
}

// changeFeed fans committed changes out to subscribers, so other runtime
// contexts sharing the store can invalidate their caches. Slow subscribers
// drop changes rather than block writers.
type changeFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Change
}

func (f *changeFeed) subscribe(buffer int) (<-chan Change, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs == nil {
		f.subs = make(map[int]chan Change)
	}
	id := f.next
	f.next++
	ch := make(chan Change, buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *changeFeed) publish(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (f *changeFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
