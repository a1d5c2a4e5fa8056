// Package testutil provides deterministic fakes for exercising the sync
// engine in tests and scripted harness scenarios.
package testutil

import (
	"context"
	"sync"

	"github.com/powersync-ja/powersync-sqlite-core/internal/engine"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// EventSink receives protocol events. Satisfied by *engine.Engine.
type EventSink interface {
	Enqueue(engine.Event) bool
}

// ScriptedTransport serves pre-scripted bucket data in response to the
// engine's bucket requests.
//
// Scripted data lines are queued per bucket; each RequestBucket call drains
// that bucket's queue into the sink. Once every scripted line has been
// served, the scripted checkpoint-complete line (if any) follows. The same
// scenario with the same script produces an identical event sequence.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type ScriptedTransport struct {
	mu       sync.Mutex
	sink     EventSink
	data     map[string][]oplog.DataLine
	complete *oplog.Checkpoint
	requests []engine.BucketRequest

	// Err, when set, is returned by the next RequestBucket call.
	Err error
}

// NewScriptedTransport creates a transport feeding the given sink.
func NewScriptedTransport(sink EventSink) *ScriptedTransport {
	return &ScriptedTransport{
		sink: sink,
		data: make(map[string][]oplog.DataLine),
	}
}

// ScriptData queues a data line to be served when its bucket is requested.
func (t *ScriptedTransport) ScriptData(lines ...oplog.DataLine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range lines {
		t.data[line.Bucket] = append(t.data[line.Bucket], line)
	}
}

// ScriptComplete arranges for a checkpoint-complete line to follow once all
// scripted data has been served.
func (t *ScriptedTransport) ScriptComplete(cp oplog.Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.complete = &cp
}

// RequestBucket serves the bucket's scripted data lines, then the scripted
// checkpoint-complete once nothing remains queued.
//
// Implements engine.Transport.
func (t *ScriptedTransport) RequestBucket(ctx context.Context, req engine.BucketRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.Err != nil {
		err := t.Err
		t.Err = nil
		t.mu.Unlock()
		return err
	}

	t.requests = append(t.requests, req)

	lines := t.data[req.Bucket]
	delete(t.data, req.Bucket)

	var complete *oplog.Checkpoint
	if t.complete != nil && t.remainingLocked() == 0 {
		complete = t.complete
		t.complete = nil
	}
	t.mu.Unlock()

	for _, line := range lines {
		t.sink.Enqueue(engine.DataEvent(line))
	}
	if complete != nil {
		t.sink.Enqueue(engine.CheckpointCompleteEvent(*complete))
	}
	return nil
}

// Requests returns a copy of every bucket request seen, in order.
func (t *ScriptedTransport) Requests() []engine.BucketRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]engine.BucketRequest, len(t.requests))
	copy(out, t.requests)
	return out
}

// remainingLocked counts data lines still queued. Caller holds mu.
func (t *ScriptedTransport) remainingLocked() int {
	n := 0
	for _, lines := range t.data {
		n += len(lines)
	}
	return n
}
