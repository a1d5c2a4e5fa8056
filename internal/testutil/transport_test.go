package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powersync-ja/powersync-sqlite-core/internal/engine"
	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// recordingSink captures enqueued events for assertions.
type recordingSink struct {
	events []engine.Event
}

func (s *recordingSink) Enqueue(e engine.Event) bool {
	s.events = append(s.events, e)
	return true
}

func line(bucket string, opIDs ...int64) oplog.DataLine {
	ops := make([]oplog.Operation, len(opIDs))
	for i, id := range opIDs {
		ops[i] = oplog.Operation{OpID: id, Kind: oplog.OpPut, RowType: "t", RowID: "r", Checksum: 1}
	}
	return oplog.DataLine{Bucket: bucket, Ops: ops}
}

func TestScriptedTransportServesDataThenComplete(t *testing.T) {
	sink := &recordingSink{}
	tr := NewScriptedTransport(sink)

	cp := oplog.Checkpoint{ID: 1, Buckets: []oplog.BucketChecksum{
		{Bucket: "a", TargetOp: 2, Checksum: 2},
		{Bucket: "b", TargetOp: 1, Checksum: 1},
	}}
	tr.ScriptData(line("a", 1, 2), line("b", 1))
	tr.ScriptComplete(cp)

	ctx := context.Background()
	require.NoError(t, tr.RequestBucket(ctx, engine.BucketRequest{Bucket: "a", After: 0, Target: 2}))

	// Bucket "b" still has queued data, so no complete yet.
	require.Len(t, sink.events, 1)
	assert.Equal(t, engine.EventTypeData, sink.events[0].Type)
	assert.Equal(t, "a", sink.events[0].Data.Bucket)

	require.NoError(t, tr.RequestBucket(ctx, engine.BucketRequest{Bucket: "b", After: 0, Target: 1}))

	require.Len(t, sink.events, 3)
	assert.Equal(t, engine.EventTypeData, sink.events[1].Type)
	assert.Equal(t, engine.EventTypeCheckpointComplete, sink.events[2].Type)
	assert.Equal(t, int64(1), sink.events[2].Checkpoint.ID)
}

func TestScriptedTransportRecordsRequests(t *testing.T) {
	tr := NewScriptedTransport(&recordingSink{})

	ctx := context.Background()
	require.NoError(t, tr.RequestBucket(ctx, engine.BucketRequest{Bucket: "a", After: 0, Target: 5}))
	require.NoError(t, tr.RequestBucket(ctx, engine.BucketRequest{Bucket: "a", After: 5, Target: 9}))

	assert.Equal(t, []engine.BucketRequest{
		{Bucket: "a", After: 0, Target: 5},
		{Bucket: "a", After: 5, Target: 9},
	}, tr.Requests())
}

func TestScriptedTransportHonorsCancelledContext(t *testing.T) {
	sink := &recordingSink{}
	tr := NewScriptedTransport(sink)
	tr.ScriptData(line("a", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.RequestBucket(ctx, engine.BucketRequest{Bucket: "a", After: 0, Target: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.events)
	assert.Empty(t, tr.Requests())
}

func TestScriptedTransportInjectedError(t *testing.T) {
	tr := NewScriptedTransport(&recordingSink{})
	boom := errors.New("connection reset")
	tr.Err = boom

	ctx := context.Background()
	assert.ErrorIs(t, tr.RequestBucket(ctx, engine.BucketRequest{Bucket: "a"}), boom)

	// The error fires once; the next request succeeds.
	assert.NoError(t, tr.RequestBucket(ctx, engine.BucketRequest{Bucket: "a"}))
	assert.Len(t, tr.Requests(), 1)
}
