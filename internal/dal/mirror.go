package dal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kittclouds/kittsync/internal/metrics"
	"github.com/kittclouds/kittsync/internal/remote"
	"github.com/kittclouds/kittsync/internal/store"
	"github.com/kittclouds/kittsync/internal/syncqueue"
)

var errBacklogFull = errors.New("mirror backlog full")

// mirrorTask is one mutation to push to the remote. A task with a non-nil
// barrier carries no mutation and only signals that earlier tasks are done.
type mirrorTask struct {
	userID     string
	op         store.QueueOp
	collection store.Collection
	data       json.RawMessage

	barrier chan struct{}
}

// mirror is the background mirror task queue: one worker goroutine drains
// a bounded channel. Every task either reaches the remote or becomes a
// pending queue item.
type mirror struct {
	store  store.Storer
	remote remote.Client
	now    func() time.Time

	tasks  chan mirrorTask
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func newMirror(st store.Storer, rc remote.Client, backlog int, now func() time.Time) *mirror {
	if backlog <= 0 {
		backlog = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &mirror{
		store:  st,
		remote: rc,
		now:    now,
		tasks:  make(chan mirrorTask, backlog),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go m.run()
	return m
}

// submit hands a task to the worker without blocking. A full backlog or a
// closed queue sends the task straight to the retry queue.
func (m *mirror) submit(t mirrorTask) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		m.enqueue(t, ErrDisposed)
		return
	}
	select {
	case m.tasks <- t:
	default:
		m.enqueue(t, errBacklogFull)
	}
}

func (m *mirror) run() {
	defer close(m.done)
	for t := range m.tasks {
		if t.barrier != nil {
			close(t.barrier)
			continue
		}
		m.deliver(t)
	}
}

func (m *mirror) deliver(t mirrorTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("mirror task panicked", "collection", t.collection, "op", t.op, "panic", r)
			m.enqueue(t, fmt.Errorf("mirror panic: %v", r))
		}
	}()

	err := syncqueue.Dispatch(m.ctx, m.remote, t.op, t.collection, t.data)
	if err == nil {
		metrics.MirrorTotal.WithLabelValues(string(t.collection), string(t.op), metrics.ResultOK).Inc()
		return
	}
	log.Warn("mirror failed, queued", "collection", t.collection, "op", t.op, "err", err)
	m.enqueue(t, err)
}

// enqueue records a task that did not reach the remote.
func (m *mirror) enqueue(t mirrorTask, cause error) {
	metrics.MirrorTotal.WithLabelValues(string(t.collection), string(t.op), metrics.ResultQueued).Inc()
	item := &store.QueueItem{
		ID:         store.NewID(),
		Type:       t.op,
		Collection: t.collection,
		UserID:     t.userID,
		Data:       t.data,
		CreatedAt:  m.now().UnixMilli(),
		Status:     store.StatusPending,
		Error:      cause.Error(),
	}
	if err := m.store.EnqueueQueueItem(item); err != nil {
		log.Error("mirror: enqueue failed, mutation will not reach the remote",
			"collection", t.collection, "op", t.op, "err", err)
		return
	}
	metrics.QueueEnqueuedTotal.WithLabelValues(string(t.collection)).Inc()
}

// flush waits until every task submitted before the call has been
// delivered or enqueued.
func (m *mirror) flush(ctx context.Context) error {
	barrier := make(chan struct{})

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		select {
		case <-m.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case m.tasks <- mirrorTask{barrier: barrier}:
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}
	m.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops intake and waits for the worker. When ctx ends first, calls in
// flight are cancelled so the remaining tasks land in the retry queue.
func (m *mirror) close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	close(m.tasks)
	m.mu.Unlock()

	select {
	case <-m.done:
		m.cancel()
		return nil
	case <-ctx.Done():
		log.Warn("mirror: dispose deadline reached, queueing remaining tasks", "pending", len(m.tasks))
		m.cancel()
		<-m.done
		return ctx.Err()
	}
}
