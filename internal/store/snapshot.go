package store

import (
	"errors"
	"fmt"
)

// SnapshotVersion is the only snapshot schema version this store reads.
const SnapshotVersion = 1

// Snapshot is a full serialization of every entity table. It is both the
// local export format and the backup/restore wire format.
type Snapshot struct {
	Version        int              `json:"version"`
	ExportedAt     int64            `json:"exportedAt"`
	Memories       []*Memory        `json:"memories"`
	Groups         []*Group         `json:"groups"`
	Goals          []*Goal          `json:"goals"`
	BoardBlocks    []*CanvasBlock   `json:"boardBlocks"`
	BoardPositions []*BoardPosition `json:"boardPositions"`
	SyncMetadata   []*SyncMetadata  `json:"syncMetadata"`
}

// ImportMode selects how ImportSnapshot treats existing rows.
type ImportMode string

const (
	// ImportReplace clears every entity table before inserting.
	ImportReplace ImportMode = "replace"
	// ImportMerge upserts snapshot rows and leaves other rows untouched.
	ImportMerge ImportMode = "merge"
)

// AnyVersion makes MarkClean clear the dirty flag unconditionally.
const AnyVersion int64 = -1

// ErrNotFound is returned when a row addressed by key does not exist.
var ErrNotFound = errors.New("not found")

// SchemaVersionError rejects a snapshot written by an unsupported schema.
type SchemaVersionError struct {
	Got  int
	Want int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("snapshot schema version %d is not supported (want %d)", e.Got, e.Want)
}

// checkImport runs every check that must pass before an import touches a
// single row.
func checkImport(snap *Snapshot, mode ImportMode) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	if snap.Version != SnapshotVersion {
		return &SchemaVersionError{Got: snap.Version, Want: SnapshotVersion}
	}
	if mode != ImportReplace && mode != ImportMerge {
		return fmt.Errorf("unknown import mode %q", mode)
	}
	for name, n := range map[string]int{
		"memories":       nilEntry(snap.Memories),
		"groups":         nilEntry(snap.Groups),
		"goals":          nilEntry(snap.Goals),
		"boardBlocks":    nilEntry(snap.BoardBlocks),
		"boardPositions": nilEntry(snap.BoardPositions),
		"syncMetadata":   nilEntry(snap.SyncMetadata),
	} {
		if n >= 0 {
			return fmt.Errorf("snapshot %s[%d] is null", name, n)
		}
	}
	for _, b := range snap.BoardBlocks {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// nilEntry returns the index of the first nil row, or -1.
func nilEntry[T any](rows []*T) int {
	for i, r := range rows {
		if r == nil {
			return i
		}
	}
	return -1
}
