// Package remotetest provides an in-memory remote persistence service for
// testing components that mirror to, replay against, or back up to it.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kittclouds/kittsync/internal/remote"
	"github.com/kittclouds/kittsync/internal/store"
)

// Call records one request served (or refused) by the Fake.
type Call struct {
	Method     string
	Collection store.Collection
	ID         string
	UserID     string
}

// Fake is a remote.Client backed by maps. The zero value is not usable; use
// New.
type Fake struct {
	mu      sync.Mutex
	rows    map[store.Collection]map[string]json.RawMessage
	backups map[string]json.RawMessage
	calls   []Call
	failure error
	gate    chan struct{}
}

// New returns an empty, reachable Fake.
func New() *Fake {
	return &Fake{
		rows:    make(map[store.Collection]map[string]json.RawMessage),
		backups: make(map[string]json.RawMessage),
	}
}

// SetFailure makes every subsequent call fail with err. A nil err restores
// service.
func (f *Fake) SetFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure = err
}

// Hold blocks every subsequent call until Release or until the call's
// context is done.
func (f *Fake) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
}

// Release unblocks calls waiting on Hold.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Calls returns every request seen so far, in arrival order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Row returns the stored entity, or nil.
func (f *Fake) Row(coll store.Collection, id string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[coll][id]
}

// IDs returns the sorted ids stored for a collection.
func (f *Fake) IDs(coll store.Collection) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.rows[coll]))
	for id := range f.rows[coll] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Backup returns the last snapshot pushed for a user.
func (f *Fake) Backup(userID string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backups[userID]
}

// PutBackup seeds the snapshot a restore will return.
func (f *Fake) PutBackup(userID string, data json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups[userID] = data
}

// enter records the call and applies Hold and SetFailure.
func (f *Fake) enter(ctx context.Context, c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure
}

func (f *Fake) FetchAll(ctx context.Context, coll store.Collection, userID string) (json.RawMessage, error) {
	if _, err := remote.Path(coll); err != nil {
		return nil, err
	}
	if err := f.enter(ctx, Call{Method: "GET", Collection: coll, UserID: userID}); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var owned []json.RawMessage
	for _, id := range sortedKeys(f.rows[coll]) {
		row := f.rows[coll][id]
		var owner struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(row, &owner); err == nil && owner.UserID == userID {
			owned = append(owned, row)
		}
	}
	if owned == nil {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(owned)
}

func (f *Fake) Upsert(ctx context.Context, coll store.Collection, entity json.RawMessage) error {
	if _, err := remote.Path(coll); err != nil {
		return err
	}
	id, err := remote.IDPayload(entity)
	if err != nil {
		return &remote.StatusError{Method: "POST", Path: string(coll), Code: 400, Body: err.Error()}
	}
	if err := f.enter(ctx, Call{Method: "POST", Collection: coll, ID: id}); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[coll] == nil {
		f.rows[coll] = make(map[string]json.RawMessage)
	}
	f.rows[coll][id] = append(json.RawMessage(nil), entity...)
	return nil
}

func (f *Fake) Delete(ctx context.Context, coll store.Collection, id string) error {
	if _, err := remote.Path(coll); err != nil {
		return err
	}
	if err := f.enter(ctx, Call{Method: "DELETE", Collection: coll, ID: id}); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows[coll], id)
	return nil
}

func (f *Fake) PushBackup(ctx context.Context, userID string, data json.RawMessage) error {
	if err := f.enter(ctx, Call{Method: "POST", UserID: userID}); err != nil {
		return err
	}
	if !json.Valid(data) {
		return &remote.StatusError{Method: "POST", Path: "/sync/backup", Code: 400, Body: "invalid json"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups[userID] = append(json.RawMessage(nil), data...)
	return nil
}

func (f *Fake) FetchBackup(ctx context.Context, userID string) (json.RawMessage, error) {
	if err := f.enter(ctx, Call{Method: "GET", UserID: userID}); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backups[userID], nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String summarizes the stored rows for test failure messages.
func (f *Fake) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rows := range f.rows {
		n += len(rows)
	}
	return fmt.Sprintf("remotetest.Fake{rows: %d, backups: %d, calls: %d}", n, len(f.backups), len(f.calls))
}

var _ remote.Client = (*Fake)(nil)
