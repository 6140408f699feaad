package dal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/kittclouds/kittsync/internal/store"
)

// immutableFields cannot be changed by Update.
var immutableFields = []string{"id", "userId", "createdAt"}

// table adapts one entity table of the store.
type table[T store.Record] struct {
	get  func(id string) (T, bool, error)
	list func(userID string) ([]T, error)
	put  func(T) error
	del  func(id string) error
}

// Collection is the local-first CRUD surface of one entity kind. Every
// mutation commits locally, marks the user dirty, and returns; mirroring to
// the remote happens in the background.
type Collection[T store.Record] struct {
	svc   *Service
	name  store.Collection
	tbl   table[T]
	fresh func() T

	// afterPut and afterDelete run after a local commit.
	afterPut    func(T)
	afterDelete func(id string)
}

// Name returns the collection's wire name.
func (c *Collection[T]) Name() store.Collection {
	return c.name
}

// GetAll returns the user's rows in the collection's natural order. If the
// local read fails, it falls back to the remote and does not persist the
// result.
func (c *Collection[T]) GetAll(ctx context.Context, userID string) ([]T, error) {
	if err := c.svc.ready(); err != nil {
		return nil, err
	}
	rows, err := c.tbl.list(userID)
	if err == nil {
		return rows, nil
	}

	log.Warn("local read failed, falling back to remote", "collection", c.name, "err", err)
	raw, rerr := c.svc.remote.FetchAll(ctx, c.name, userID)
	if rerr != nil {
		return nil, fmt.Errorf("local read: %w; remote fallback: %v", err, rerr)
	}
	var remoteRows []T
	if err := json.Unmarshal(raw, &remoteRows); err != nil {
		return nil, fmt.Errorf("decode remote %s: %w", c.name, err)
	}
	return remoteRows, nil
}

// Get returns one row by id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := c.svc.ready(); err != nil {
		return zero, err
	}
	row, ok, err := c.tbl.get(id)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%s %q: %w", c.name, id, store.ErrNotFound)
	}
	return row, nil
}

// Create assigns an id and timestamps when absent, commits entity locally
// and returns it. A supplied id that belongs to another user is
// ErrNotFound, as it is for Update and Delete.
func (c *Collection[T]) Create(ctx context.Context, userID string, entity T) (T, error) {
	var zero T
	if err := c.svc.ready(); err != nil {
		return zero, err
	}
	mode := c.svc.policy.Mode()

	if id := entity.Key(); id != "" {
		existing, ok, err := c.tbl.get(id)
		if err != nil {
			return zero, err
		}
		if ok && existing.Owner() != userID {
			return zero, fmt.Errorf("%s %q: %w", c.name, id, store.ErrNotFound)
		}
	}

	entity.Stamp(userID, c.svc.now().UnixMilli())
	if err := c.tbl.put(entity); err != nil {
		return zero, err
	}
	if c.afterPut != nil {
		c.afterPut(entity)
	}
	if err := c.svc.committed(mode, userID, c.name, store.OpCreate, entity.Key(), entity); err != nil {
		return zero, err
	}
	return entity, nil
}

// Update merges patch into the stored row at the top level. Fields absent
// from patch are preserved; id, userId and createdAt cannot change. An
// unknown id or a row owned by another user is ErrNotFound.
func (c *Collection[T]) Update(ctx context.Context, id, userID string, patch map[string]any) (T, error) {
	var zero T
	if err := c.svc.ready(); err != nil {
		return zero, err
	}
	mode := c.svc.policy.Mode()

	existing, ok, err := c.tbl.get(id)
	if err != nil {
		return zero, err
	}
	if !ok || existing.Owner() != userID {
		return zero, fmt.Errorf("%s %q: %w", c.name, id, store.ErrNotFound)
	}

	merged, err := mergePatch(existing, patch, c.fresh())
	if err != nil {
		return zero, fmt.Errorf("update %s %q: %w", c.name, id, err)
	}
	merged.Stamp(userID, c.svc.now().UnixMilli())
	if err := c.tbl.put(merged); err != nil {
		return zero, err
	}
	if c.afterPut != nil {
		c.afterPut(merged)
	}
	if err := c.svc.committed(mode, userID, c.name, store.OpUpdate, id, merged); err != nil {
		return zero, err
	}
	return merged, nil
}

// Delete removes the user's row locally.
func (c *Collection[T]) Delete(ctx context.Context, id, userID string) error {
	if err := c.svc.ready(); err != nil {
		return err
	}
	mode := c.svc.policy.Mode()

	existing, ok, err := c.tbl.get(id)
	if err != nil {
		return err
	}
	if !ok || existing.Owner() != userID {
		return fmt.Errorf("%s %q: %w", c.name, id, store.ErrNotFound)
	}
	if err := c.tbl.del(id); err != nil {
		return err
	}
	if c.afterDelete != nil {
		c.afterDelete(id)
	}
	return c.svc.committed(mode, userID, c.name, store.OpDelete, id, map[string]string{"id": id})
}

// mergePatch overlays patch on the JSON form of existing and decodes the
// result into out.
func mergePatch[T any](existing T, patch map[string]any, out T) (T, error) {
	base, err := json.Marshal(existing)
	if err != nil {
		return out, err
	}
	var fields map[string]any
	if err := json.Unmarshal(base, &fields); err != nil {
		return out, err
	}
	kept := make(map[string]any, len(immutableFields))
	for _, k := range immutableFields {
		if v, ok := fields[k]; ok {
			kept[k] = v
		}
	}
	for k, v := range patch {
		fields[k] = v
	}
	for k, v := range kept {
		fields[k] = v
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return out, err
	}
	return out, nil
}
