package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/powersync-ja/powersync-sqlite-core/internal/engine"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/powersync-ja/powersync-sqlite-core/internal/store"
)

// Harness executes one scenario against a fresh database.
//
// Scenarios are push-fed: protocol lines are enqueued directly instead of
// being fetched through a transport, so a scenario fully controls the order
// in which checkpoints, data batches and completions arrive. Each step is
// drained before the next starts, making execution deterministic.
type Harness struct {
	dbPath string
	store  *store.Store
	engine *engine.Engine

	// writes records outbox entries in execution order so ack/reject steps
	// can reference them by index; client ids are generated at runtime.
	writes []oplog.CrudEntry
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database under a temporary directory. The
// database is file-backed so restart steps can close and reopen it.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "psdb-scenario-")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{dbPath: filepath.Join(dir, "sync.db")}
	if err := h.open(); err != nil {
		return nil, err
	}
	defer h.store.Close()

	ctx := context.Background()

	if len(scenario.Tables) > 0 {
		if err := h.store.ApplySchema(ctx, scenarioSchema(scenario)); err != nil {
			return nil, fmt.Errorf("apply scenario schema: %w", err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result := NewResult()
	for _, errMsg := range EvaluateAssertions(ctx, h.store, scenario.Assertions) {
		result.AddError(errMsg)
	}

	snapshot, err := h.snapshot(ctx, scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("snapshot final state: %w", err)
	}
	result.Snapshot = snapshot

	return result, nil
}

// open creates the store and engine. Called initially and after restart
// steps; the engine holds no durable state, so rebuilding it mirrors a
// process restart.
func (h *Harness) open() error {
	st, err := store.Open(h.dbPath)
	if err != nil {
		return fmt.Errorf("open scenario store: %w", err)
	}
	h.store = st
	h.engine = engine.New(st, nil)
	return nil
}

// executeStep performs one scripted action and waits for the engine to
// finish processing it.
func (h *Harness) executeStep(ctx context.Context, step Step) error {
	switch {
	case step.Checkpoint != nil:
		h.engine.Enqueue(engine.CheckpointEvent(checkpointFromStep(step.Checkpoint)))
		return h.engine.Drain(ctx)

	case step.Data != nil:
		h.engine.Enqueue(engine.DataEvent(dataLineFromStep(step.Data)))
		return h.engine.Drain(ctx)

	case step.CheckpointComplete != nil:
		h.engine.Enqueue(engine.CheckpointCompleteEvent(oplog.Checkpoint{ID: step.CheckpointComplete.ID}))
		return h.engine.Drain(ctx)

	case step.Write != nil:
		kind, _ := oplog.ParseCrudKind(step.Write.Op)
		entry, err := h.store.EnqueueWrite(ctx, step.Write.Table, step.Write.RowID, kind, step.Write.Data)
		if err != nil {
			return fmt.Errorf("enqueue write: %w", err)
		}
		h.writes = append(h.writes, entry)
		return nil

	case step.CompleteTx != nil:
		return h.store.CompleteWriteTransaction(ctx)

	case step.Ack != nil:
		h.engine.Enqueue(engine.WriteAckEvent(h.writes[step.Ack.Write].ClientID))
		return h.engine.Drain(ctx)

	case step.Reject != nil:
		h.engine.Enqueue(engine.WriteRejectEvent(h.writes[step.Reject.Write].ClientID, step.Reject.Reason))
		return h.engine.Drain(ctx)

	case step.Restart != nil:
		if err := h.store.Close(); err != nil {
			return fmt.Errorf("close for restart: %w", err)
		}
		return h.open()

	default:
		return fmt.Errorf("empty step")
	}
}

// snapshot reads the externally observable final state.
func (h *Harness) snapshot(ctx context.Context, scenarioName string) (*Snapshot, error) {
	w, err := h.store.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	types, err := h.store.RowTypes(ctx)
	if err != nil {
		return nil, err
	}
	rows := make(map[string][]RowSnapshot, len(types))
	for _, typ := range types {
		viewRows, err := h.store.ListRows(ctx, typ)
		if err != nil {
			return nil, err
		}
		snaps := make([]RowSnapshot, 0, len(viewRows))
		for _, r := range viewRows {
			snaps = append(snaps, RowSnapshot{ID: r.ID, Data: decodeJSON(r.Data)})
		}
		rows[typ] = snaps
	}

	pending, err := h.store.PendingWrites(ctx, 0)
	if err != nil {
		return nil, err
	}
	pendingSnaps := make([]PendingSnapshot, 0, len(pending))
	for _, e := range pending {
		pendingSnaps = append(pendingSnaps, PendingSnapshot{
			Table: e.Table,
			RowID: e.RowID,
			Op:    e.Kind.String(),
			Data:  decodeJSON(json.RawMessage(e.Data)),
			TxID:  e.TxID,
		})
	}

	return &Snapshot{
		Scenario: scenarioName,
		Watermark: WatermarkSnapshot{
			Checkpoint: w.CheckpointID,
			Buckets:    w.Buckets,
		},
		Rows:    rows,
		Pending: pendingSnaps,
	}, nil
}

// decodeJSON parses a row payload for readable snapshot diffs. Invalid or
// empty payloads pass through as strings.
func decodeJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// scenarioSchema converts scenario table definitions into a schema.
func scenarioSchema(scenario *Scenario) *schema.Schema {
	sch := &schema.Schema{}
	for _, tbl := range scenario.Tables {
		cols := make([]schema.Column, 0, len(tbl.Columns))
		for _, col := range tbl.Columns {
			cols = append(cols, schema.Column{Name: col.Name, Type: col.Type})
		}
		sch.Tables = append(sch.Tables, schema.Table{Name: tbl.Name, Columns: cols})
	}
	return sch
}

// checkpointFromStep converts a scripted checkpoint line.
func checkpointFromStep(step *CheckpointStep) oplog.Checkpoint {
	cp := oplog.Checkpoint{ID: step.ID}
	for _, b := range step.Buckets {
		cp.Buckets = append(cp.Buckets, oplog.BucketChecksum{
			Bucket:   b.Bucket,
			TargetOp: b.TargetOp,
			Checksum: oplog.Checksum(b.Checksum),
		})
	}
	return cp
}

// dataLineFromStep converts a scripted data line.
func dataLineFromStep(step *DataStep) oplog.DataLine {
	line := oplog.DataLine{Bucket: step.Bucket}
	for _, op := range step.Ops {
		kind, _ := oplog.ParseOpKind(op.Op)
		line.Ops = append(line.Ops, oplog.Operation{
			Bucket:   step.Bucket,
			OpID:     op.OpID,
			Kind:     kind,
			RowType:  op.RowType,
			RowID:    op.RowID,
			Subkey:   op.Subkey,
			Data:     op.Data,
			Checksum: oplog.Checksum(op.Checksum),
		})
	}
	return line
}
