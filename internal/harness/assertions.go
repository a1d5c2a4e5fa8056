package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes expected and actual values to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the store's final state
// and returns the failure messages. An empty slice means all passed.
func EvaluateAssertions(ctx context.Context, st *store.Store, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(ctx, st, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(ctx context.Context, st *store.Store, a Assertion) error {
	switch a.Type {
	case AssertRow:
		return assertRow(ctx, st, a)
	case AssertRowAbsent:
		return assertRowAbsent(ctx, st, a)
	case AssertWatermark:
		return assertWatermark(ctx, st, a)
	case AssertPendingCount:
		return assertPendingCount(ctx, st, a)
	case AssertBucketChecksum:
		return assertBucketChecksum(ctx, st, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertRow checks that the row exists and its fields cover the expected
// values (subset match: extra fields are allowed).
func assertRow(ctx context.Context, st *store.Store, a Assertion) error {
	raw, err := st.ReadRow(ctx, a.Table, a.ID)
	if err != nil {
		return fmt.Errorf("read row %s/%s: %w", a.Table, a.ID, err)
	}
	if raw == nil {
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("row %s/%s with fields %v", a.Table, a.ID, a.Expect),
			Actual:   "row does not exist",
		}
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("row %s/%s holds invalid JSON: %w", a.Table, a.ID, err)
	}

	for key, want := range a.Expect {
		got, ok := fields[key]
		if !ok {
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("row %s/%s field %q = %v", a.Table, a.ID, key, want),
				Actual:   "field is missing",
			}
		}
		if !valuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("row %s/%s field %q = %v", a.Table, a.ID, key, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func assertRowAbsent(ctx context.Context, st *store.Store, a Assertion) error {
	raw, err := st.ReadRow(ctx, a.Table, a.ID)
	if err != nil {
		return fmt.Errorf("read row %s/%s: %w", a.Table, a.ID, err)
	}
	if raw != nil {
		return &AssertionError{
			Type:     AssertRowAbsent,
			Expected: fmt.Sprintf("no row %s/%s", a.Table, a.ID),
			Actual:   fmt.Sprintf("row exists with data %s", raw),
		}
	}
	return nil
}

func assertWatermark(ctx context.Context, st *store.Store, a Assertion) error {
	w, err := st.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	if a.Checkpoint > 0 && w.CheckpointID != a.Checkpoint {
		return &AssertionError{
			Type:     AssertWatermark,
			Expected: fmt.Sprintf("applied checkpoint %d", a.Checkpoint),
			Actual:   fmt.Sprintf("applied checkpoint %d", w.CheckpointID),
		}
	}
	for bucket, want := range a.Buckets {
		if got := w.AppliedOp(bucket); got != want {
			return &AssertionError{
				Type:     AssertWatermark,
				Expected: fmt.Sprintf("bucket %q applied through op %d", bucket, want),
				Actual:   fmt.Sprintf("applied through op %d", got),
			}
		}
	}
	return nil
}

func assertPendingCount(ctx context.Context, st *store.Store, a Assertion) error {
	pending, err := st.PendingWrites(ctx, 0)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	if len(pending) != a.Count {
		return &AssertionError{
			Type:     AssertPendingCount,
			Expected: fmt.Sprintf("%d pending writes", a.Count),
			Actual:   fmt.Sprintf("%d pending writes", len(pending)),
		}
	}
	return nil
}

func assertBucketChecksum(ctx context.Context, st *store.Store, a Assertion) error {
	sum, err := st.ChecksumOf(ctx, a.Bucket)
	if err != nil {
		return fmt.Errorf("read checksum of %q: %w", a.Bucket, err)
	}
	if sum != oplog.Checksum(a.Checksum) {
		return &AssertionError{
			Type:     AssertBucketChecksum,
			Expected: fmt.Sprintf("bucket %q checksum %s", a.Bucket, oplog.Checksum(a.Checksum)),
			Actual:   sum.String(),
		}
	}
	return nil
}

// valuesEqual compares a YAML-parsed expected value against a JSON-parsed
// actual value. YAML integers arrive as int while JSON numbers arrive as
// float64, so numbers compare by value.
func valuesEqual(want, got interface{}) bool {
	if wf, ok := asFloat(want); ok {
		gf, ok := asFloat(got)
		return ok && wf == gf
	}
	return reflect.DeepEqual(want, got)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
