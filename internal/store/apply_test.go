package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

func TestApplyCheckpoint_PublishesAtomically(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "b1",
		put(1, "todos", "t1", `{"v":1}`, 10),
		put(2, "todos", "t2", `{"v":2}`, 20),
	)

	// Nothing is visible before the checkpoint applies.
	if got := readRow(t, s, "todos", "t1"); got != "" {
		t.Fatalf("view = %s before apply, want empty", got)
	}

	mustApply(t, s, checkpointFor(t, s, 1, "b1"))

	if got := readRow(t, s, "todos", "t1"); got != `{"v":1}` {
		t.Errorf("view t1 = %s, want synced row", got)
	}
	if got := readRow(t, s, "todos", "t2"); got != `{"v":2}` {
		t.Errorf("view t2 = %s, want synced row", got)
	}

	w, err := s.Watermark(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w.CheckpointID != 1 {
		t.Errorf("watermark checkpoint = %d, want 1", w.CheckpointID)
	}
	if w.Buckets["b1"] != 2 {
		t.Errorf("watermark b1 = %d, want 2", w.Buckets["b1"])
	}

	if _, ok, err := s.LastSyncedAt(ctx); err != nil || !ok {
		t.Errorf("LastSyncedAt = (%v, %v), want recorded time", ok, err)
	}

	var marked int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM ps_updated_rows").Scan(&marked); err != nil {
		t.Fatal(err)
	}
	if marked != 0 {
		t.Errorf("ps_updated_rows = %d rows after apply, want 0", marked)
	}
}

func TestApplyCheckpoint_WaitsForTarget(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "b1", put(1, "todos", "t1", `{"v":1}`, 10))

	// The checkpoint targets an op we have not downloaded yet.
	cp := oplog.Checkpoint{ID: 1, Buckets: []oplog.BucketChecksum{
		{Bucket: "b1", TargetOp: 5, Checksum: 10},
	}}
	if err := s.TrackCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}

	applied, err := s.ApplyCheckpoint(ctx, cp)
	if err != nil {
		t.Fatalf("ApplyCheckpoint() failed: %v", err)
	}
	if applied {
		t.Fatal("checkpoint applied before bucket reached target")
	}
	if got := readRow(t, s, "todos", "t1"); got != "" {
		t.Errorf("view = %s, want nothing published", got)
	}

	// Once the bucket catches up the same checkpoint applies.
	mustAppend(t, s, "b1", put(5, "todos", "t1", `{"v":5}`, 40))
	cp = checkpointFor(t, s, 1, "b1")
	mustApply(t, s, cp)
	if got := readRow(t, s, "todos", "t1"); got != `{"v":5}` {
		t.Errorf("view = %s, want latest row", got)
	}
}

func TestApplyCheckpoint_IdempotentBelowWatermark(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "b1", put(1, "todos", "t1", `{"v":1}`, 10))
	cp := checkpointFor(t, s, 3, "b1")
	mustApply(t, s, cp)

	// Re-applying the same checkpoint, or an older one, changes nothing.
	applied, err := s.ApplyCheckpoint(ctx, cp)
	if err != nil || !applied {
		t.Fatalf("re-apply = (%v, %v), want idempotent no-op", applied, err)
	}
	applied, err = s.ApplyCheckpoint(ctx, oplog.Checkpoint{ID: 2})
	if err != nil || !applied {
		t.Fatalf("older apply = (%v, %v), want idempotent no-op", applied, err)
	}
}

func TestValidateCheckpoint_Mismatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "b1", put(1, "todos", "t1", `{"v":1}`, 10))

	cp := oplog.Checkpoint{ID: 1, Buckets: []oplog.BucketChecksum{
		{Bucket: "b1", TargetOp: 1, Checksum: 99},
	}}
	err := s.ValidateCheckpoint(ctx, cp)
	if !IsChecksumMismatch(err) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}

	// The apply path re-validates and refuses to publish.
	if err := s.TrackCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}
	applied, err := s.ApplyCheckpoint(ctx, cp)
	if applied || !IsChecksumMismatch(err) {
		t.Fatalf("ApplyCheckpoint = (%v, %v), want checksum mismatch", applied, err)
	}
	if got := readRow(t, s, "todos", "t1"); got != "" {
		t.Errorf("view = %s, want nothing published on mismatch", got)
	}
}

func TestValidateCheckpoint_MatchAfterDiscard(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "b1", put(1, "todos", "t1", `{"v":1}`, 10))

	cp := oplog.Checkpoint{ID: 1, Buckets: []oplog.BucketChecksum{
		{Bucket: "b1", TargetOp: 2, Checksum: 30},
	}}
	if err := s.ValidateCheckpoint(ctx, cp); !IsChecksumMismatch(err) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	// Discard and re-fetch the bucket, as the coordinator would.
	if err := s.DeleteBucket(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s, "b1",
		put(1, "todos", "t1", `{"v":1}`, 10),
		put(2, "todos", "t2", `{"v":2}`, 20),
	)
	if err := s.ValidateCheckpoint(ctx, cp); err != nil {
		t.Fatalf("ValidateCheckpoint() after re-fetch failed: %v", err)
	}
}

func TestApplyCheckpoint_RemoveDeletesRow(t *testing.T) {
	s := createTestStore(t)

	mustAppend(t, s, "b1", put(1, "todos", "t1", `{"v":1}`, 10))
	mustApply(t, s, checkpointFor(t, s, 1, "b1"))
	if got := readRow(t, s, "todos", "t1"); got == "" {
		t.Fatal("row not published")
	}

	mustAppend(t, s, "b1", remove(2, "todos", "t1", 20))
	mustApply(t, s, checkpointFor(t, s, 2, "b1"))

	if got := readRow(t, s, "todos", "t1"); got != "" {
		t.Errorf("view = %s, want row removed", got)
	}
}

func TestApplyCheckpoint_NewestOpAcrossBucketsWins(t *testing.T) {
	s := createTestStore(t)

	// Two buckets hold the same row; the payload of the operation with the
	// highest op id is published.
	mustAppend(t, s, "b1", put(5, "todos", "t1", `{"from":"b1"}`, 1))
	mustAppend(t, s, "b2", put(9, "todos", "t1", `{"from":"b2"}`, 2))

	mustApply(t, s, checkpointFor(t, s, 1, "b1", "b2"))

	if got := readRow(t, s, "todos", "t1"); got != `{"from":"b2"}` {
		t.Errorf("view = %s, want payload of newest op", got)
	}
}

func TestApplyCheckpoint_LocalWritesTakePrecedence(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "b1", put(1, "todos", "t1", `{"v":1,"done":false}`, 10))
	mustApply(t, s, checkpointFor(t, s, 1, "b1"))

	if _, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPatch, `{"done":true}`); err != nil {
		t.Fatal(err)
	}

	// A new remote version arrives while the local write is still pending.
	mustAppend(t, s, "b1", put(2, "todos", "t1", `{"v":2,"done":false}`, 20))
	mustApply(t, s, checkpointFor(t, s, 2, "b1"))

	var got map[string]any
	if err := json.Unmarshal([]byte(readRow(t, s, "todos", "t1")), &got); err != nil {
		t.Fatal(err)
	}
	if got["v"] != float64(2) {
		t.Errorf("v = %v, want remote update visible", got["v"])
	}
	if got["done"] != true {
		t.Errorf("done = %v, want pending local write to win", got["done"])
	}
}

func TestWatermark_FreshDatabase(t *testing.T) {
	s := createTestStore(t)

	w, err := s.Watermark(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if w.CheckpointID != 0 || len(w.Buckets) != 0 {
		t.Errorf("watermark = %+v, want zero state", w)
	}

	if _, ok, err := s.LastSyncedAt(context.Background()); err != nil || ok {
		t.Errorf("LastSyncedAt = (%v, %v), want unset", ok, err)
	}
}
