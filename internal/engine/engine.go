package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/store"
)

// BucketRequest asks the transport for a bucket's operations in the range
// (After, Target].
type BucketRequest struct {
	Bucket string
	After  int64 // exclusive lower bound: ops with op_id > After
	Target int64 // the checkpoint's target op for the bucket
}

// Transport fetches bucket data on the engine's behalf. Implementations
// respond asynchronously by enqueuing data and checkpoint-complete events.
//
// The context passed to RequestBucket is cancelled when the requesting
// checkpoint is superseded; in-flight downloads for a stale checkpoint
// should stop.
type Transport interface {
	RequestBucket(ctx context.Context, req BucketRequest) error
}

// CheckpointState tracks an in-flight checkpoint through its lifecycle.
type CheckpointState int

const (
	// StatePending: announced, waiting for bucket data.
	StatePending CheckpointState = iota + 1
	// StateValidating: all data delivered, checksums being verified (or a
	// discarded bucket is being re-fetched after a mismatch).
	StateValidating
	// StateReadyToApply: checksums verified, waiting for the apply to
	// publish.
	StateReadyToApply
	// StateApplied: published to the queryable view.
	StateApplied
	// StateSuperseded: abandoned in favor of a newer checkpoint.
	StateSuperseded
)

func (s CheckpointState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateValidating:
		return "validating"
	case StateReadyToApply:
		return "ready_to_apply"
	case StateApplied:
		return "applied"
	case StateSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("CheckpointState(%d)", int(s))
	}
}

// inflight is the engine's working state for the current checkpoint.
type inflight struct {
	cp     oplog.Checkpoint
	state  CheckpointState
	ctx    context.Context
	cancel context.CancelFunc
}

// Engine is the single-writer checkpoint coordinator.
//
// The engine processes sync events (checkpoints, data batches, completions,
// write acknowledgments) in FIFO order and advances durable state through
// the store.
//
// CRITICAL: All mutations happen in the single-writer Run loop goroutine.
// External callers use Enqueue() to submit events for processing.
//
// Thread-safety model:
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Inflight(): safe from any goroutine
//
// INVARIANTS:
//   - At most one checkpoint is in flight; a newer one supersedes it
//   - A superseded checkpoint's bucket downloads are cancelled via context
//   - Applies are atomic; an interrupted apply leaves the watermark untouched
type Engine struct {
	store     *store.Store
	transport Transport
	queue     *eventQueue

	mu      sync.Mutex
	current *inflight

	onApplied       func(oplog.Checkpoint)
	onWriteRejected func(*SyncError)
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithOnCheckpointApplied registers a callback invoked from the Run loop
// after a checkpoint publishes.
func WithOnCheckpointApplied(fn func(oplog.Checkpoint)) Option {
	return func(e *Engine) {
		e.onApplied = fn
	}
}

// WithOnWriteRejected registers a callback invoked from the Run loop when
// the server rejects a local write. The rejected write's local effect has
// already been discarded when the callback fires.
func WithOnWriteRejected(fn func(*SyncError)) Option {
	return func(e *Engine) {
		e.onWriteRejected = fn
	}
}

// New creates an Engine over the given store and transport.
//
// The transport may be nil for purely push-fed setups (everything arrives
// via Enqueue); discarded buckets then wait for the next checkpoint to be
// re-fetched.
func New(s *store.Store, t Transport, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		transport: t,
		queue:     newEventQueue(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Enqueue submits an event for processing by the Run loop.
// Thread-safe: may be called from any goroutine.
//
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev Event) bool {
	return e.queue.Enqueue(ev)
}

// Run starts the single-writer event loop.
// Blocks until context is cancelled or Stop() is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
// All store writes and checkpoint transitions happen in this goroutine.
//
// ERROR HANDLING: On event processing failure, the error is logged with
// event context and processing continues. Ordering violations and checksum
// mismatches are per-bucket conditions the protocol recovers from; stopping
// the loop would stall every other bucket.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("sync engine starting")

	for {
		// Try non-blocking dequeue first
		event, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(ctx, event); err != nil {
				logEventError(event, err)
			}
			continue
		}

		// No event ready - wait for signal or context cancellation
		select {
		case <-ctx.Done():
			slog.Info("sync engine stopping: context cancelled")
			e.queue.Close()
			e.cancelCurrent(StateSuperseded)
			return ctx.Err()

		case <-e.queue.Wait():
			// Signal received - loop back to TryDequeue
			// The signal channel closes when queue is closed,
			// which will cause this case to fire immediately
			if e.queue.Len() == 0 {
				// Queue closed and empty
				slog.Info("sync engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain synchronously processes queued events until the queue is empty.
//
// Drain is an alternative to Run for callers that feed events in batches
// and need to observe the resulting state between batches, such as scenario
// replay. Event failures are logged and processing continues, exactly as in
// Run. Must not be called concurrently with Run.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, ok := e.queue.TryDequeue()
		if !ok {
			return nil
		}
		if err := e.processEvent(ctx, event); err != nil {
			logEventError(event, err)
		}
	}
}

// Stop gracefully shuts down the engine.
// Closes the event queue, which will cause Run() to return.
func (e *Engine) Stop() {
	e.queue.Close()
}

// QueueLen returns the current number of pending events.
// Useful for monitoring and testing.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Inflight returns the current checkpoint and its state.
// The third return is false when no checkpoint is in flight.
func (e *Engine) Inflight() (oplog.Checkpoint, CheckpointState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return oplog.Checkpoint{}, 0, false
	}
	return e.current.cp, e.current.state, true
}

// processEvent routes an event to the appropriate handler.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (e *Engine) processEvent(ctx context.Context, event Event) error {
	switch event.Type {
	case EventTypeCheckpoint:
		if event.Checkpoint == nil {
			return fmt.Errorf("checkpoint event missing checkpoint data")
		}
		return e.handleCheckpoint(ctx, *event.Checkpoint)

	case EventTypeData:
		if event.Data == nil {
			return fmt.Errorf("data event missing bucket data")
		}
		return e.handleData(ctx, *event.Data)

	case EventTypeCheckpointComplete:
		if event.Checkpoint == nil {
			return fmt.Errorf("checkpoint-complete event missing checkpoint data")
		}
		return e.handleCheckpointComplete(ctx, *event.Checkpoint)

	case EventTypeWriteAck:
		return e.handleWriteAck(ctx, event.ClientID)

	case EventTypeWriteReject:
		return e.handleWriteReject(ctx, event.ClientID, event.Reason)

	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
}

// handleCheckpoint starts work towards a new checkpoint, superseding any
// checkpoint still in flight.
func (e *Engine) handleCheckpoint(ctx context.Context, cp oplog.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint %d: %w", cp.ID, err)
	}

	w, err := e.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	if w.Covers(&cp) {
		slog.Debug("checkpoint already applied, skipping",
			"checkpoint", cp.ID,
			"watermark", w.CheckpointID,
		)
		return nil
	}

	// A newer checkpoint wins; stop downloading for the old one.
	e.cancelCurrent(StateSuperseded)

	cctx, cancel := context.WithCancel(ctx)
	cur := &inflight{cp: cp, state: StatePending, ctx: cctx, cancel: cancel}
	e.setCurrent(cur)

	slog.Info("checkpoint started",
		"checkpoint", cp.ID,
		"buckets", len(cp.Buckets),
	)

	if err := e.store.TrackCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("track checkpoint %d: %w", cp.ID, err)
	}

	requested, err := e.requestLaggingBuckets(ctx, cur)
	if err != nil {
		return err
	}
	if requested == 0 {
		// Everything is already downloaded; no complete line will come for
		// data we never asked for.
		return e.settle(ctx)
	}
	return nil
}

// requestLaggingBuckets asks the transport for every bucket that has not
// reached its checkpoint target. Returns how many requests were issued.
func (e *Engine) requestLaggingBuckets(ctx context.Context, cur *inflight) (int, error) {
	states, err := e.store.BucketCursors(ctx)
	if err != nil {
		return 0, fmt.Errorf("read bucket cursors: %w", err)
	}
	lastOps := make(map[string]int64, len(states))
	for _, st := range states {
		lastOps[st.Name] = st.LastOp
	}

	requested := 0
	for _, b := range cur.cp.Buckets {
		after := lastOps[b.Bucket]
		if after >= b.TargetOp {
			continue
		}
		if e.transport == nil {
			continue
		}
		req := BucketRequest{Bucket: b.Bucket, After: after, Target: b.TargetOp}
		if err := e.transport.RequestBucket(cur.ctx, req); err != nil {
			return requested, fmt.Errorf("request bucket %q: %w", b.Bucket, err)
		}
		requested++
	}
	return requested, nil
}

// handleData appends a bucket batch to the log and, if a checkpoint is past
// validation, re-attempts the apply with the new data in place.
func (e *Engine) handleData(ctx context.Context, line oplog.DataLine) error {
	err := e.store.AppendOperations(ctx, line.Bucket, line.Ops)
	if err != nil {
		var oo *store.OutOfOrderError
		if errors.As(err, &oo) {
			// The batch is dropped whole; the bucket's log is untouched and
			// the checkpoint stalls until the transport re-sends the range.
			return &SyncError{
				Code:    ErrCodeOutOfOrder,
				Message: fmt.Sprintf("op %d does not advance log (max %d)", oo.OpID, oo.MaxOpID),
				Bucket:  oo.Bucket,
				Err:     err,
			}
		}
		return fmt.Errorf("append to bucket %q: %w", line.Bucket, err)
	}

	slog.Debug("bucket data appended",
		"bucket", line.Bucket,
		"ops", len(line.Ops),
	)

	// A refetch after a checksum mismatch delivers data after the complete
	// line was seen; each batch is another chance to settle.
	e.mu.Lock()
	cur := e.current
	resume := cur != nil && (cur.state == StateValidating || cur.state == StateReadyToApply)
	e.mu.Unlock()
	if resume {
		return e.settle(ctx)
	}
	return nil
}

// handleCheckpointComplete validates and applies the in-flight checkpoint.
func (e *Engine) handleCheckpointComplete(ctx context.Context, cp oplog.Checkpoint) error {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()

	if cur == nil || cur.cp.ID != cp.ID {
		slog.Debug("stale checkpoint-complete ignored", "checkpoint", cp.ID)
		return nil
	}
	return e.settle(ctx)
}

// settle drives the in-flight checkpoint through validation and apply.
//
// On a checksum mismatch the offending bucket's local data is discarded and
// re-requested from scratch; the checkpoint stays in flight and settles
// again as the re-fetched data arrives.
func (e *Engine) settle(ctx context.Context) error {
	e.mu.Lock()
	cur := e.current
	if cur == nil {
		e.mu.Unlock()
		return nil
	}
	if cur.state != StateReadyToApply {
		cur.state = StateValidating
	}
	e.mu.Unlock()

	// Checksums are only meaningful once every bucket holds its full range;
	// validating a half-downloaded bucket would discard good data.
	lagging, err := e.laggingBuckets(ctx, cur.cp)
	if err != nil {
		return fmt.Errorf("read bucket cursors: %w", err)
	}
	if len(lagging) > 0 {
		slog.Debug("checkpoint waiting for bucket data",
			"checkpoint", cur.cp.ID,
			"buckets", lagging,
		)
		return nil
	}

	if err := e.store.ValidateCheckpoint(ctx, cur.cp); err != nil {
		var mismatch *store.ChecksumMismatchError
		if !errors.As(err, &mismatch) {
			return fmt.Errorf("validate checkpoint %d: %w", cur.cp.ID, err)
		}

		slog.Warn("checksum mismatch, discarding bucket",
			"checkpoint", cur.cp.ID,
			"bucket", mismatch.Bucket,
			"expected", mismatch.Expected.String(),
			"actual", mismatch.Actual.String(),
		)

		if err := e.store.DeleteBucket(ctx, mismatch.Bucket); err != nil {
			return fmt.Errorf("discard bucket %q: %w", mismatch.Bucket, err)
		}
		if e.transport != nil {
			if b, ok := cur.cp.Bucket(mismatch.Bucket); ok {
				req := BucketRequest{Bucket: b.Bucket, After: 0, Target: b.TargetOp}
				if err := e.transport.RequestBucket(cur.ctx, req); err != nil {
					return fmt.Errorf("re-request bucket %q: %w", b.Bucket, err)
				}
			}
		}
		return &SyncError{
			Code:       ErrCodeChecksumMismatch,
			Message:    "bucket discarded for re-fetch",
			Bucket:     mismatch.Bucket,
			Checkpoint: cur.cp.ID,
			Err:        err,
		}
	}

	e.mu.Lock()
	cur.state = StateReadyToApply
	e.mu.Unlock()

	applied, err := e.store.ApplyCheckpoint(ctx, cur.cp)
	if err != nil {
		if ctx.Err() != nil {
			// The transaction rolled back; nothing partial was published.
			return NewApplyInterruptedError(cur.cp.ID, err)
		}
		return fmt.Errorf("apply checkpoint %d: %w", cur.cp.ID, err)
	}
	if !applied {
		// Some bucket is still short of its target (a re-fetch in flight);
		// the next data batch retries.
		return nil
	}

	e.mu.Lock()
	cur.state = StateApplied
	if e.current == cur {
		e.current = nil
	}
	e.mu.Unlock()
	cur.cancel()

	slog.Info("checkpoint applied", "checkpoint", cur.cp.ID)

	if e.onApplied != nil {
		e.onApplied(cur.cp)
	}
	return nil
}

// laggingBuckets lists the checkpoint's buckets whose log has not reached
// its target op.
func (e *Engine) laggingBuckets(ctx context.Context, cp oplog.Checkpoint) ([]string, error) {
	states, err := e.store.BucketCursors(ctx)
	if err != nil {
		return nil, err
	}
	lastOps := make(map[string]int64, len(states))
	for _, st := range states {
		lastOps[st.Name] = st.LastOp
	}

	var lagging []string
	for _, b := range cp.Buckets {
		if lastOps[b.Bucket] < b.TargetOp {
			lagging = append(lagging, b.Bucket)
		}
	}
	return lagging, nil
}

// handleWriteAck removes an acknowledged write from the outbox.
// Acks are idempotent: an unknown client id is ignored.
func (e *Engine) handleWriteAck(ctx context.Context, clientID string) error {
	err := e.store.AcknowledgeWrite(ctx, clientID)
	if errors.Is(err, store.ErrEntryNotFound) {
		slog.Debug("ack for unknown write ignored", "client_id", clientID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("acknowledge write %s: %w", clientID, err)
	}

	slog.Info("write acknowledged", "client_id", clientID)
	return nil
}

// handleWriteReject discards a rejected write's local effect and surfaces
// the rejection through the configured callback.
func (e *Engine) handleWriteReject(ctx context.Context, clientID, reason string) error {
	entry, err := e.store.RejectWrite(ctx, clientID)
	if errors.Is(err, store.ErrEntryNotFound) {
		slog.Debug("rejection for unknown write ignored", "client_id", clientID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reject write %s: %w", clientID, err)
	}

	rejection := NewWriteRejectedError(clientID, reason)
	slog.Warn("write rejected",
		"client_id", clientID,
		"table", entry.Table,
		"row_id", entry.RowID,
		"op", entry.Kind.String(),
		"reason", rejection.Message,
	)

	if e.onWriteRejected != nil {
		e.onWriteRejected(rejection)
	}
	return nil
}

// setCurrent installs the in-flight checkpoint.
func (e *Engine) setCurrent(cur *inflight) {
	e.mu.Lock()
	e.current = cur
	e.mu.Unlock()
}

// cancelCurrent abandons the in-flight checkpoint, if any, cancelling its
// bucket downloads.
func (e *Engine) cancelCurrent(state CheckpointState) {
	e.mu.Lock()
	cur := e.current
	e.current = nil
	e.mu.Unlock()

	if cur == nil {
		return
	}
	cur.state = state
	cur.cancel()
	slog.Info("checkpoint superseded", "checkpoint", cur.cp.ID)
}

// logEventError logs an event processing failure with context.
// This enables manual investigation of failed protocol lines.
func logEventError(event Event, err error) {
	switch event.Type {
	case EventTypeCheckpoint, EventTypeCheckpointComplete:
		var id int64
		if event.Checkpoint != nil {
			id = event.Checkpoint.ID
		}
		slog.Error("checkpoint processing failed",
			"error", err,
			"checkpoint", id,
		)

	case EventTypeData:
		if event.Data != nil {
			slog.Error("bucket data processing failed",
				"error", err,
				"bucket", event.Data.Bucket,
				"ops", len(event.Data.Ops),
			)
		} else {
			slog.Error("bucket data processing failed",
				"error", err,
				"note", "bucket data was nil",
			)
		}

	case EventTypeWriteAck, EventTypeWriteReject:
		slog.Error("write settlement failed",
			"error", err,
			"client_id", event.ClientID,
		)

	default:
		slog.Error("event processing failed",
			"error", err,
			"event_type", event.Type,
		)
	}
}
