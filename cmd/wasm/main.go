//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall/js"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hack-pad/hackpadfs/indexeddb"

	"github.com/kittclouds/kittsync/internal/checkpoint"
	"github.com/kittclouds/kittsync/internal/config"
	"github.com/kittclouds/kittsync/internal/dal"
	"github.com/kittclouds/kittsync/internal/remote"
	"github.com/kittclouds/kittsync/internal/store"
	"github.com/kittclouds/kittsync/internal/syncpolicy"
	"github.com/kittclouds/kittsync/pkg/vector"
)

// Version info
const Version = "0.3.0"

// Global state
var (
	svc         *dal.Service
	policy      *syncpolicy.Controller
	checkpoints *checkpoint.Checkpointer
	stopChanges func()
)

func main() {
	println("[KittSync] WASM Ready v" + Version)

	js.Global().Set("KittSync", js.ValueOf(map[string]interface{}{
		"version":    js.FuncOf(getVersion),
		"initialize": js.FuncOf(initialize),
		"dispose":    js.FuncOf(dispose),
		// Sync mode
		"getMode": js.FuncOf(getMode),
		"setMode": js.FuncOf(setMode),
		// Entity API: collection is memories|groups|goals|boardBlocks
		"list":   js.FuncOf(list),
		"get":    js.FuncOf(get),
		"create": js.FuncOf(create),
		"update": js.FuncOf(update),
		"remove": js.FuncOf(remove),
		// Board positions (local only)
		"setBoardPosition": js.FuncOf(setBoardPosition),
		"boardPositions":   js.FuncOf(boardPositions),
		// Sync
		"syncMetadata": js.FuncOf(syncMetadata),
		"processQueue": js.FuncOf(processQueue),
		"backup":       js.FuncOf(backupNow),
		"restore":      js.FuncOf(restore),
		"related":      js.FuncOf(related),
	}))

	select {}
}

func getVersion(this js.Value, args []js.Value) interface{} {
	return Version
}

// initialize: [userID string, optsJSON string]
// opts: {"remoteUrl": "...", "token": "...", "timeoutMs": 15000}
// Returns a Promise.
func initialize(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("requires userID")
	}
	userID := args[0].String()
	var opts struct {
		RemoteURL string `json:"remoteUrl"`
		Token     string `json:"token"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if len(args) > 1 && args[1].Type() == js.TypeString {
		if err := json.Unmarshal([]byte(args[1].String()), &opts); err != nil {
			return errorResult("invalid options json: " + err.Error())
		}
	}

	return promise(func(ctx context.Context) (interface{}, error) {
		if svc != nil {
			return successResult("already initialized"), nil
		}
		cfg := config.DefaultConfig()
		if opts.RemoteURL != "" {
			cfg.RemoteURL = opts.RemoteURL
		}
		if opts.TimeoutMs > 0 {
			cfg.RemoteTimeout = time.Duration(opts.TimeoutMs) * time.Millisecond
		}

		fs, err := indexeddb.NewFS(ctx, "kittsync", indexeddb.Options{})
		if err != nil {
			return nil, fmt.Errorf("failed to create idb fs: %w", err)
		}

		st := store.NewMemStore()
		checkpoints = checkpoint.New(fs, checkpoint.DefaultPath, st)
		if ok, err := checkpoints.Load(); err != nil {
			log.Warn("checkpoint unreadable, starting empty", "err", err)
		} else if ok {
			log.Info("checkpoint restored")
		}

		token := opts.Token
		rc, err := remote.NewHTTPClient(cfg.RemoteURL, remote.Options{
			Timeout: cfg.RemoteTimeout,
			Token: func(context.Context) (string, error) {
				return token, nil
			},
		})
		if err != nil {
			return nil, err
		}

		vectors, err := vector.NewStore(fs, "hnsw.bin")
		if err != nil {
			log.Warn("related-memory index unreadable, starting empty", "err", err)
			vectors = nil
		}

		policy = syncpolicy.NewController(fs, syncpolicy.DefaultPath)
		s, err := dal.New(dal.Options{
			Store:         st,
			Remote:        rc,
			Policy:        policy,
			Vectors:       vectors,
			MirrorBacklog: cfg.MirrorBacklog,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx, userID); err != nil {
			return nil, err
		}

		// Queue items are written by the mirror worker after the change
		// fires, so checkpoint once more after the mirror settles.
		changes, stop := s.Subscribe(64)
		stopChanges = stop
		go func() {
			for range changes {
				fctx, cancel := context.WithTimeout(context.Background(), cfg.RemoteTimeout)
				_ = s.Flush(fctx)
				cancel()
				saveCheckpoint()
			}
		}()

		svc = s
		return successResult("initialized"), nil
	})
}

// dispose: [] Returns a Promise.
func dispose(this js.Value, args []js.Value) interface{} {
	return promise(func(ctx context.Context) (interface{}, error) {
		if svc == nil {
			return successResult("not initialized"), nil
		}
		dctx, cancel := context.WithTimeout(ctx, config.DefaultConfig().MirrorDisposeTimeout)
		defer cancel()
		err := svc.Dispose(dctx)
		if stopChanges != nil {
			stopChanges()
		}
		saveCheckpoint()
		svc = nil
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return successResult("disposed"), nil
	})
}

func saveCheckpoint() {
	if checkpoints == nil {
		return
	}
	if err := checkpoints.Save(); err != nil {
		log.Error("checkpoint save failed", "err", err)
	}
}

func getMode(this js.Value, args []js.Value) interface{} {
	if policy == nil {
		return errorResult("not initialized")
	}
	return string(policy.Mode())
}

// setMode: [mode string]
func setMode(this js.Value, args []js.Value) interface{} {
	if policy == nil {
		return errorResult("not initialized")
	}
	if len(args) < 1 {
		return errorResult("requires mode")
	}
	mode, err := syncpolicy.ParseMode(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return promise(func(ctx context.Context) (interface{}, error) {
		if err := policy.SetMode(mode); err != nil {
			return nil, err
		}
		return successResult(string(mode)), nil
	})
}

// list: [collection string]
func list(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("requires collection")
	}
	coll := store.Collection(args[0].String())
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		switch coll {
		case store.CollectionMemories:
			return svc.Memories().GetAll(ctx, userID)
		case store.CollectionGroups:
			return svc.Groups().GetAll(ctx, userID)
		case store.CollectionGoals:
			return svc.Goals().GetAll(ctx, userID)
		case store.CollectionBoardBlocks:
			return svc.Blocks().GetAll(ctx, userID)
		}
		return nil, unknownCollection(coll)
	})
}

// get: [collection string, id string]
func get(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("requires 2 args: collection (string), id (string)")
	}
	coll, id := store.Collection(args[0].String()), args[1].String()
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		switch coll {
		case store.CollectionMemories:
			return svc.Memories().Get(ctx, id)
		case store.CollectionGroups:
			return svc.Groups().Get(ctx, id)
		case store.CollectionGoals:
			return svc.Goals().Get(ctx, id)
		case store.CollectionBoardBlocks:
			return svc.Blocks().Get(ctx, id)
		}
		return nil, unknownCollection(coll)
	})
}

// create: [collection string, entityJSON string]
func create(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("requires 2 args: collection (string), entityJSON (string)")
	}
	coll, data := store.Collection(args[0].String()), []byte(args[1].String())
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		switch coll {
		case store.CollectionMemories:
			return createIn(ctx, svc.Memories(), userID, data, &store.Memory{})
		case store.CollectionGroups:
			return createIn(ctx, svc.Groups(), userID, data, &store.Group{})
		case store.CollectionGoals:
			return createIn(ctx, svc.Goals(), userID, data, &store.Goal{})
		case store.CollectionBoardBlocks:
			return createIn(ctx, svc.Blocks(), userID, data, &store.CanvasBlock{})
		}
		return nil, unknownCollection(coll)
	})
}

func createIn[T store.Record](ctx context.Context, c *dal.Collection[T], userID string, data []byte, entity T) (T, error) {
	if err := json.Unmarshal(data, entity); err != nil {
		var zero T
		return zero, fmt.Errorf("invalid %s json: %w", c.Name(), err)
	}
	return c.Create(ctx, userID, entity)
}

// update: [collection string, id string, patchJSON string]
func update(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return errorResult("requires 3 args: collection (string), id (string), patchJSON (string)")
	}
	coll, id := store.Collection(args[0].String()), args[1].String()
	var patch map[string]any
	if err := json.Unmarshal([]byte(args[2].String()), &patch); err != nil {
		return errorResult("invalid patch json: " + err.Error())
	}
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		switch coll {
		case store.CollectionMemories:
			return svc.Memories().Update(ctx, id, userID, patch)
		case store.CollectionGroups:
			return svc.Groups().Update(ctx, id, userID, patch)
		case store.CollectionGoals:
			return svc.Goals().Update(ctx, id, userID, patch)
		case store.CollectionBoardBlocks:
			return svc.Blocks().Update(ctx, id, userID, patch)
		}
		return nil, unknownCollection(coll)
	})
}

// remove: [collection string, id string]
func remove(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("requires 2 args: collection (string), id (string)")
	}
	coll, id := store.Collection(args[0].String()), args[1].String()
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		var err error
		switch coll {
		case store.CollectionMemories:
			err = svc.Memories().Delete(ctx, id, userID)
		case store.CollectionGroups:
			err = svc.Groups().Delete(ctx, id, userID)
		case store.CollectionGoals:
			err = svc.Goals().Delete(ctx, id, userID)
		case store.CollectionBoardBlocks:
			err = svc.Blocks().Delete(ctx, id, userID)
		default:
			err = unknownCollection(coll)
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"deleted": id}, nil
	})
}

// setBoardPosition: [positionJSON string]
func setBoardPosition(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("requires positionJSON")
	}
	var p store.BoardPosition
	if err := json.Unmarshal([]byte(args[0].String()), &p); err != nil {
		return errorResult("invalid position json: " + err.Error())
	}
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		p.UserID = userID
		if err := svc.SetBoardPosition(ctx, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

// boardPositions: [groupID string]
func boardPositions(this js.Value, args []js.Value) interface{} {
	groupID := ""
	if len(args) > 0 {
		groupID = args[0].String()
	}
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		return svc.BoardPositions(ctx, userID, groupID)
	})
}

func syncMetadata(this js.Value, args []js.Value) interface{} {
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		return svc.SyncMetadata(ctx, userID)
	})
}

func processQueue(this js.Value, args []js.Value) interface{} {
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		res, err := svc.ProcessSyncQueue(ctx)
		saveCheckpoint()
		return res, err
	})
}

func backupNow(this js.Value, args []js.Value) interface{} {
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		meta, err := svc.Backup(ctx, userID)
		saveCheckpoint()
		return meta, err
	})
}

func restore(this js.Value, args []js.Value) interface{} {
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		meta, err := svc.Restore(ctx, userID)
		if err == nil {
			saveCheckpoint()
		}
		return meta, err
	})
}

// related: [memoryID string, k int]
func related(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("requires 2 args: memoryID (string), k (int)")
	}
	id, k := args[0].String(), args[1].Int()
	return call(func(ctx context.Context, userID string) (interface{}, error) {
		return svc.RelatedMemories(ctx, userID, id, k)
	})
}

// =============================================================================
// Helpers
// =============================================================================

func unknownCollection(coll store.Collection) error {
	return fmt.Errorf("%w: %q", remote.ErrUnknownCollection, coll)
}

// call runs fn for the initialized user inside a Promise.
func call(fn func(ctx context.Context, userID string) (interface{}, error)) interface{} {
	if svc == nil {
		return errorResult("not initialized")
	}
	s := svc
	return promise(func(ctx context.Context) (interface{}, error) {
		v, err := fn(ctx, s.UserID())
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	})
}

// promise runs fn on a goroutine. Blocking calls (IndexedDB, fetch) must not
// run on the JS event loop goroutine. Errors resolve as errorResult JSON
// rather than rejecting.
func promise(fn func(ctx context.Context) (interface{}, error)) interface{} {
	var handler js.Func
	handler = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		resolve := args[0]
		go func() {
			defer handler.Release()
			v, err := fn(context.Background())
			if err != nil {
				resolve.Invoke(errorResult(err.Error()))
				return
			}
			resolve.Invoke(v)
		}()
		return nil
	})
	return js.Global().Get("Promise").New(handler)
}

// errorResult creates a JSON error response
func errorResult(msg string) interface{} {
	result := map[string]interface{}{
		"error": msg,
	}
	jsonBytes, _ := json.Marshal(result)
	return string(jsonBytes)
}

// successResult creates a JSON success response
func successResult(msg string) interface{} {
	result := map[string]interface{}{
		"success": msg,
	}
	jsonBytes, _ := json.Marshal(result)
	return string(jsonBytes)
}
