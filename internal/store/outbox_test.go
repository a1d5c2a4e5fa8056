package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

func TestEnqueueWrite_PutAppliesOptimistically(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPut, `{"v":1}`)
	if err != nil {
		t.Fatalf("EnqueueWrite() failed: %v", err)
	}
	if entry.ClientID == "" {
		t.Error("entry has no client id")
	}

	if got := readRow(t, s, "todos", "t1"); got != `{"v":1}` {
		t.Errorf("view = %s, want optimistic write", got)
	}

	pending, err := s.PendingWrites(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientID != entry.ClientID {
		t.Errorf("pending = %+v, want the enqueued entry", pending)
	}
}

func TestEnqueueWrite_PatchMergesIntoView(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPut, `{"a":1,"b":2}`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPatch, `{"b":3}`); err != nil {
		t.Fatal(err)
	}

	var got map[string]int
	if err := json.Unmarshal([]byte(readRow(t, s, "todos", "t1")), &got); err != nil {
		t.Fatal(err)
	}
	if got["a"] != 1 || got["b"] != 3 {
		t.Errorf("view = %v, want patched row", got)
	}
}

func TestEnqueueWrite_DeleteRemovesFromView(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPut, `{"v":1}`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudDelete, ""); err != nil {
		t.Fatal(err)
	}

	if got := readRow(t, s, "todos", "t1"); got != "" {
		t.Errorf("view = %s, want row deleted", got)
	}
}

func TestEnqueueWrite_TransactionGrouping(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPut, `{}`)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.EnqueueWrite(ctx, "todos", "t2", oplog.CrudPut, `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if first.TxID != second.TxID {
		t.Errorf("writes split across transactions: %d != %d", first.TxID, second.TxID)
	}

	if err := s.CompleteWriteTransaction(ctx); err != nil {
		t.Fatal(err)
	}

	third, err := s.EnqueueWrite(ctx, "todos", "t3", oplog.CrudPut, `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if third.TxID == first.TxID {
		t.Error("new transaction group reused the old tx id")
	}
}

func TestAcknowledgeWrite_RematerializesFromSyncedState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Synced base.
	mustAppend(t, s, "b1", put(1, "todos", "t1", `{"v":1}`, 10))
	mustApply(t, s, checkpointFor(t, s, 1, "b1"))

	entry, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPut, `{"v":2}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := readRow(t, s, "todos", "t1"); got != `{"v":2}` {
		t.Fatalf("view = %s, want local write before ack", got)
	}

	// After ack only the synced payload remains; the server's own version
	// of the write arrives with a later checkpoint.
	if err := s.AcknowledgeWrite(ctx, entry.ClientID); err != nil {
		t.Fatalf("AcknowledgeWrite() failed: %v", err)
	}
	if got := readRow(t, s, "todos", "t1"); got != `{"v":1}` {
		t.Errorf("view = %s, want synced base after ack", got)
	}

	pending, err := s.PendingWrites(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d entries, want empty outbox", len(pending))
	}
}

func TestAcknowledgeWrite_KeepsLaterWritesForKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPut, `{"a":1}`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPatch, `{"b":2}`); err != nil {
		t.Fatal(err)
	}

	if err := s.AcknowledgeWrite(ctx, first.ClientID); err != nil {
		t.Fatal(err)
	}

	// No synced base: the remaining patch applies onto an empty row.
	var got map[string]int
	if err := json.Unmarshal([]byte(readRow(t, s, "todos", "t1")), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["b"] != 2 {
		t.Errorf("view = %v, want only the unacknowledged patch", got)
	}
}

func TestRejectWrite_DiscardsLocalEffect(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "b1", put(1, "todos", "t1", `{"v":1}`, 10))
	mustApply(t, s, checkpointFor(t, s, 1, "b1"))

	entry, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudDelete, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := readRow(t, s, "todos", "t1"); got != "" {
		t.Fatal("optimistic delete not visible")
	}

	rejected, err := s.RejectWrite(ctx, entry.ClientID)
	if err != nil {
		t.Fatalf("RejectWrite() failed: %v", err)
	}
	if rejected.ClientID != entry.ClientID || rejected.Kind != oplog.CrudDelete {
		t.Errorf("rejected entry = %+v, want the discarded write", rejected)
	}

	// The synced row is restored.
	if got := readRow(t, s, "todos", "t1"); got != `{"v":1}` {
		t.Errorf("view = %s, want synced row restored after reject", got)
	}
}

func TestSettleWrite_UnknownClientID(t *testing.T) {
	s := createTestStore(t)

	err := s.AcknowledgeWrite(context.Background(), "no-such-id")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}

	_, err = s.RejectWrite(context.Background(), "no-such-id")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestPendingWrites_OrderAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, row := range []string{"t1", "t2", "t3"} {
		entry, err := s.EnqueueWrite(ctx, "todos", row, oplog.CrudPut, `{}`)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, entry.ClientID)
	}

	pending, err := s.PendingWrites(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ClientID != ids[0] || pending[1].ClientID != ids[1] {
		t.Errorf("pending = %+v, want first two entries in enqueue order", pending)
	}

	forKey, err := s.PendingForKey(ctx, "todos", "t2")
	if err != nil {
		t.Fatal(err)
	}
	if len(forKey) != 1 || forKey[0].ClientID != ids[1] {
		t.Errorf("PendingForKey = %+v, want the t2 entry", forKey)
	}
}

func TestHasPendingWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	has, err := s.HasPendingWrites(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("fresh store reports pending writes")
	}

	entry, err := s.EnqueueWrite(ctx, "todos", "t1", oplog.CrudPut, `{}`)
	if err != nil {
		t.Fatal(err)
	}

	has, err = s.HasPendingWrites(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("pending write not reported")
	}

	if err := s.AcknowledgeWrite(ctx, entry.ClientID); err != nil {
		t.Fatal(err)
	}
	has, err = s.HasPendingWrites(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("outbox reported pending after ack")
	}
}
