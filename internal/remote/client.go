// Package remote is the client side of the remote persistence service's
// REST contract. The remote is a mirror and backup target; the local store
// stays the authority.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kittclouds/kittsync/internal/store"
)

// Client talks to the remote persistence service.
type Client interface {
	// FetchAll returns the JSON array of a user's rows in one collection.
	FetchAll(ctx context.Context, coll store.Collection, userID string) (json.RawMessage, error)
	// Upsert writes one full entity.
	Upsert(ctx context.Context, coll store.Collection, entity json.RawMessage) error
	Delete(ctx context.Context, coll store.Collection, id string) error
	// PushBackup uploads an encoded snapshot.
	PushBackup(ctx context.Context, userID string, data json.RawMessage) error
	// FetchBackup returns the last uploaded snapshot, or empty data when the
	// user has none.
	FetchBackup(ctx context.Context, userID string) (json.RawMessage, error)
}

// ErrUnknownCollection is returned for a collection the remote does not serve.
var ErrUnknownCollection = errors.New("collection is not served by the remote")

var collectionPaths = map[store.Collection]string{
	store.CollectionMemories:    "/memories",
	store.CollectionGroups:      "/groups",
	store.CollectionGoals:       "/goals",
	store.CollectionBoardBlocks: "/board-blocks",
}

// Path returns the REST path of a mirrored collection.
func Path(coll store.Collection) (string, error) {
	p, ok := collectionPaths[coll]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, coll)
	}
	return p, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Temporary reports whether the server failed rather than rejected the request.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == 429
}

// IDPayload extracts the id of an entity or delete payload.
func IDPayload(data json.RawMessage) (string, error) {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("decode payload id: %w", err)
	}
	if v.ID == "" {
		return "", errors.New("payload has no id")
	}
	return v.ID, nil
}
