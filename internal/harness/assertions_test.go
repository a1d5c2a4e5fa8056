package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/store"
)

// assertionStore builds a store holding one applied row and one pending
// write, the minimal state every assertion type can run against.
func assertionStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.AppendOperations(ctx, "b1", []oplog.Operation{{
		OpID:     1,
		Kind:     oplog.OpPut,
		RowType:  "todos",
		RowID:    "t1",
		Data:     `{"title":"one","count":3}`,
		Checksum: 10,
	}}))
	cp := oplog.Checkpoint{ID: 1, Buckets: []oplog.BucketChecksum{
		{Bucket: "b1", TargetOp: 1, Checksum: 10},
	}}
	require.NoError(t, s.TrackCheckpoint(ctx, cp))
	applied, err := s.ApplyCheckpoint(ctx, cp)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = s.EnqueueWrite(ctx, "todos", "t2", oplog.CrudPut, `{"title":"local"}`)
	require.NoError(t, err)

	return s
}

func TestEvaluateAssertionsAllPass(t *testing.T) {
	s := assertionStore(t)

	errs := EvaluateAssertions(context.Background(), s, []Assertion{
		{Type: AssertRow, Table: "todos", ID: "t1", Expect: map[string]interface{}{"title": "one", "count": 3}},
		{Type: AssertRowAbsent, Table: "todos", ID: "missing"},
		{Type: AssertWatermark, Checkpoint: 1, Buckets: map[string]int64{"b1": 1}},
		{Type: AssertPendingCount, Count: 1},
		{Type: AssertBucketChecksum, Bucket: "b1", Checksum: 10},
	})
	assert.Empty(t, errs)
}

func TestAssertRowFailures(t *testing.T) {
	s := assertionStore(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name:      "missing row",
			assertion: Assertion{Type: AssertRow, Table: "todos", ID: "nope", Expect: map[string]interface{}{"title": "x"}},
			want:      "row does not exist",
		},
		{
			name:      "missing field",
			assertion: Assertion{Type: AssertRow, Table: "todos", ID: "t1", Expect: map[string]interface{}{"owner": "x"}},
			want:      "field is missing",
		},
		{
			name:      "wrong value",
			assertion: Assertion{Type: AssertRow, Table: "todos", ID: "t1", Expect: map[string]interface{}{"title": "two"}},
			want:      `field "title"`,
		},
		{
			name:      "unexpected row",
			assertion: Assertion{Type: AssertRowAbsent, Table: "todos", ID: "t1"},
			want:      "row exists",
		},
		{
			name:      "wrong watermark",
			assertion: Assertion{Type: AssertWatermark, Checkpoint: 9},
			want:      "applied checkpoint 1",
		},
		{
			name:      "wrong bucket position",
			assertion: Assertion{Type: AssertWatermark, Buckets: map[string]int64{"b1": 5}},
			want:      "applied through op 1",
		},
		{
			name:      "wrong pending count",
			assertion: Assertion{Type: AssertPendingCount, Count: 7},
			want:      "1 pending writes",
		},
		{
			name:      "wrong checksum",
			assertion: Assertion{Type: AssertBucketChecksum, Bucket: "b1", Checksum: 99},
			want:      "checksum",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(ctx, s, []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestValuesEqualNumericCoercion(t *testing.T) {
	// YAML parses 3 as int; JSON parses 3 as float64. Both must compare equal.
	assert.True(t, valuesEqual(3, float64(3)))
	assert.True(t, valuesEqual(int64(3), float64(3)))
	assert.False(t, valuesEqual(3, float64(4)))
	assert.True(t, valuesEqual("x", "x"))
	assert.False(t, valuesEqual("x", float64(3)))
}
