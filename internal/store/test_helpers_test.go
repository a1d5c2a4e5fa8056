package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// put creates a PUT operation with minimal required fields.
func put(opID int64, rowType, rowID, data string, checksum uint32) oplog.Operation {
	return oplog.Operation{
		OpID:     opID,
		Kind:     oplog.OpPut,
		RowType:  rowType,
		RowID:    rowID,
		Data:     data,
		Checksum: oplog.Checksum(checksum),
	}
}

// remove creates a REMOVE operation.
func remove(opID int64, rowType, rowID string, checksum uint32) oplog.Operation {
	return oplog.Operation{
		OpID:     opID,
		Kind:     oplog.OpRemove,
		RowType:  rowType,
		RowID:    rowID,
		Checksum: oplog.Checksum(checksum),
	}
}

// mustAppend appends operations to a bucket or fails the test.
func mustAppend(t *testing.T, s *Store, bucket string, ops ...oplog.Operation) {
	t.Helper()
	if err := s.AppendOperations(context.Background(), bucket, ops); err != nil {
		t.Fatalf("AppendOperations(%q) failed: %v", bucket, err)
	}
}

// checkpointFor builds a checkpoint matching the store's current checksums
// for the named buckets, targeting each bucket's last appended op.
func checkpointFor(t *testing.T, s *Store, id int64, buckets ...string) oplog.Checkpoint {
	t.Helper()
	ctx := context.Background()

	states, err := s.BucketCursors(ctx)
	if err != nil {
		t.Fatalf("BucketCursors() failed: %v", err)
	}
	byName := make(map[string]BucketState, len(states))
	for _, st := range states {
		byName[st.Name] = st
	}

	cp := oplog.Checkpoint{ID: id}
	for _, name := range buckets {
		st := byName[name]
		cp.Buckets = append(cp.Buckets, oplog.BucketChecksum{
			Bucket:   name,
			TargetOp: st.LastOp,
			Checksum: st.Checksum,
		})
	}
	return cp
}

// mustApply tracks, validates and applies a checkpoint, failing the test if
// the apply does not publish.
func mustApply(t *testing.T, s *Store, cp oplog.Checkpoint) {
	t.Helper()
	ctx := context.Background()
	if err := s.TrackCheckpoint(ctx, cp); err != nil {
		t.Fatalf("TrackCheckpoint() failed: %v", err)
	}
	applied, err := s.ApplyCheckpoint(ctx, cp)
	if err != nil {
		t.Fatalf("ApplyCheckpoint() failed: %v", err)
	}
	if !applied {
		t.Fatal("ApplyCheckpoint() did not publish")
	}
}

// readRow reads a row from the queryable view, failing on error.
func readRow(t *testing.T, s *Store, table, id string) string {
	t.Helper()
	data, err := s.ReadRow(context.Background(), table, id)
	if err != nil {
		t.Fatalf("ReadRow(%s/%s) failed: %v", table, id, err)
	}
	return string(data)
}
