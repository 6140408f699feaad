// Package backup pushes full snapshots of the local store to the remote
// service and restores them. It bypasses per-entity mirroring.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kittclouds/kittsync/internal/metrics"
	"github.com/kittclouds/kittsync/internal/remote"
	"github.com/kittclouds/kittsync/internal/store"
)

// ErrNoBackup is returned by Restore when the remote holds no snapshot.
var ErrNoBackup = errors.New("no backup found on the remote")

// BackupError is a failed full backup. The local store is unchanged and
// the user stays dirty.
type BackupError struct {
	Err error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup failed, check connection: %v", e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// RestoreError is a failed restore. The local store is unchanged.
type RestoreError struct {
	Err error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore failed, check connection: %v", e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Service runs backups and restores for one store.
type Service struct {
	store  store.Storer
	remote remote.Client
	codec  Codec
	now    func() time.Time
}

// New creates a Service. A nil codec means Plain.
func New(st store.Storer, rc remote.Client, codec Codec) *Service {
	if codec == nil {
		codec = Plain{}
	}
	return &Service{store: st, remote: rc, codec: codec, now: time.Now}
}

// Backup exports the store, pushes it, and clears the user's dirty flag.
// Mutations that land between the export and the acknowledgement keep the
// flag set.
func (s *Service) Backup(ctx context.Context, userID string) (meta *store.SyncMetadata, err error) {
	defer func() {
		metrics.SnapshotTotal.WithLabelValues("backup", metrics.Result(err)).Inc()
	}()

	var atVersion int64
	current, err := s.store.GetSyncMetadata(userID)
	if err != nil {
		return nil, &BackupError{Err: err}
	}
	if current != nil {
		atVersion = current.Version
	}

	snap, err := s.store.ExportSnapshot()
	if err != nil {
		return nil, &BackupError{Err: fmt.Errorf("export snapshot: %w", err)}
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, &BackupError{Err: fmt.Errorf("encode snapshot: %w", err)}
	}
	data, err := s.codec.Encrypt(plain)
	if err != nil {
		return nil, &BackupError{Err: fmt.Errorf("%s encrypt: %w", s.codec.ID(), err)}
	}
	if err := s.remote.PushBackup(ctx, userID, data); err != nil {
		return nil, &BackupError{Err: err}
	}

	meta, err = s.store.MarkClean(userID, s.now().UnixMilli(), atVersion)
	if err != nil {
		return nil, &BackupError{Err: fmt.Errorf("mark clean: %w", err)}
	}
	log.Info("backup pushed", "userId", userID, "memories", len(snap.Memories), "bytes", len(data), "dirty", meta.Dirty)
	return meta, nil
}

// Restore replaces the local store with the remote snapshot and clears the
// user's dirty flag. On any error before the import, the store is untouched.
func (s *Service) Restore(ctx context.Context, userID string) (meta *store.SyncMetadata, err error) {
	defer func() {
		metrics.SnapshotTotal.WithLabelValues("restore", metrics.Result(err)).Inc()
	}()

	data, err := s.remote.FetchBackup(ctx, userID)
	if err != nil {
		return nil, &RestoreError{Err: err}
	}
	if len(data) == 0 {
		return nil, &RestoreError{Err: ErrNoBackup}
	}
	plain, err := s.codec.Decrypt(data)
	if err != nil {
		return nil, &RestoreError{Err: fmt.Errorf("%s decrypt: %w", s.codec.ID(), err)}
	}

	var snap store.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, &RestoreError{Err: fmt.Errorf("decode snapshot: %w", err)}
	}
	if err := s.store.ImportSnapshot(&snap, store.ImportReplace); err != nil {
		return nil, &RestoreError{Err: err}
	}

	meta, err = s.store.MarkClean(userID, s.now().UnixMilli(), store.AnyVersion)
	if err != nil {
		return nil, &RestoreError{Err: fmt.Errorf("mark clean: %w", err)}
	}
	log.Info("backup restored", "userId", userID, "memories", len(snap.Memories))
	return meta, nil
}
