// Package syncqueue replays mutations that failed to reach the remote
// service.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kittclouds/kittsync/internal/metrics"
	"github.com/kittclouds/kittsync/internal/remote"
	"github.com/kittclouds/kittsync/internal/store"
)

// Dispatch sends one mutation to the remote: create and update upsert the
// full entity, delete sends the id from data.
func Dispatch(ctx context.Context, rc remote.Client, op store.QueueOp, coll store.Collection, data json.RawMessage) error {
	switch op {
	case store.OpCreate, store.OpUpdate:
		return rc.Upsert(ctx, coll, data)
	case store.OpDelete:
		id, err := remote.IDPayload(data)
		if err != nil {
			return err
		}
		return rc.Delete(ctx, coll, id)
	default:
		return fmt.Errorf("unknown queue op %q", op)
	}
}

// Result summarizes one Process pass.
type Result struct {
	Synced int
	Failed int
}

// Processor replays pending queue items. Items that fail are marked failed
// and are never selected again; RequeueFailed on the store is the only way
// back to pending.
type Processor struct {
	store  store.Storer
	remote remote.Client

	mu      sync.Mutex // one pass at a time
	trigger chan struct{}
}

// NewProcessor creates a processor over st and rc.
func NewProcessor(st store.Storer, rc remote.Client) *Processor {
	return &Processor{
		store:   st,
		remote:  rc,
		trigger: make(chan struct{}, 1),
	}
}

// Process replays every pending item in FIFO order, one at a time. A
// per-item failure never aborts the pass. If ctx ends, the item in flight
// and the rest stay pending.
func (p *Processor) Process(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res Result
	items, err := p.store.ListQueueItems(store.StatusPending)
	if err != nil {
		return res, fmt.Errorf("list pending queue items: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		err := Dispatch(ctx, p.remote, item.Type, item.Collection, item.Data)
		if err != nil && ctx.Err() != nil {
			return res, ctx.Err()
		}

		status, msg := store.StatusSynced, ""
		if err != nil {
			status, msg = store.StatusFailed, err.Error()
			log.Error("syncqueue: replay failed", "itemId", item.ID, "collection", item.Collection, "type", item.Type, "err", err)
		}
		if sErr := p.store.SetQueueItemStatus(item.ID, status, msg); sErr != nil {
			log.Error("syncqueue: update item status failed", "itemId", item.ID, "err", sErr)
			continue
		}
		metrics.QueueReplayTotal.WithLabelValues(string(status)).Inc()
		if err != nil {
			res.Failed++
		} else {
			res.Synced++
		}
	}

	if len(items) > 0 {
		log.Info("syncqueue: pass complete", "synced", res.Synced, "failed", res.Failed)
	}
	return res, nil
}

// Trigger requests an immediate pass from Run, for example on reconnect.
// It never blocks.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run processes the queue every interval and on Trigger. Returns when ctx
// is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
		if _, err := p.Process(ctx); err != nil && ctx.Err() == nil {
			log.Error("syncqueue: pass failed", "err", err)
		}
	}
}
