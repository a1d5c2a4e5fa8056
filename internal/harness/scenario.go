package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// Scenario defines a replayable sync session: a sequence of protocol lines
// and local writes, plus assertions over the resulting database state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tables optionally defines typed tables to create before the steps
	// run. Rows of undeclared types land in the untyped fallback store.
	Tables []TableDef `yaml:"tables,omitempty"`

	// Steps is the ordered session script.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final database state.
	Assertions []Assertion `yaml:"assertions"`
}

// TableDef declares a typed table for the scenario's schema.
type TableDef struct {
	Name    string      `yaml:"name"`
	Columns []ColumnDef `yaml:"columns"`
}

// ColumnDef declares a column extracted from row JSON.
type ColumnDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Step is a single scripted action. Exactly one field must be set.
type Step struct {
	// Checkpoint announces a checkpoint to the engine.
	Checkpoint *CheckpointStep `yaml:"checkpoint,omitempty"`

	// Data delivers a batch of operations for one bucket.
	Data *DataStep `yaml:"data,omitempty"`

	// CheckpointComplete signals that a checkpoint's data is fully
	// delivered.
	CheckpointComplete *CompleteStep `yaml:"checkpoint_complete,omitempty"`

	// Write enqueues a local write into the outbox.
	Write *WriteStep `yaml:"write,omitempty"`

	// CompleteTx ends the current local write transaction, so subsequent
	// writes group under a new transaction id.
	CompleteTx *CompleteTxStep `yaml:"complete_tx,omitempty"`

	// Ack acknowledges an uploaded write by its position in the scenario's
	// write history.
	Ack *AckStep `yaml:"ack,omitempty"`

	// Reject reports a server-side rejection of a write.
	Reject *RejectStep `yaml:"reject,omitempty"`

	// Restart closes and reopens the database, simulating a process
	// restart mid-session.
	Restart *RestartStep `yaml:"restart,omitempty"`
}

// CheckpointStep mirrors a checkpoint protocol line.
type CheckpointStep struct {
	ID      int64          `yaml:"id"`
	Buckets []BucketTarget `yaml:"buckets"`
}

// BucketTarget is one bucket's target position and checksum.
type BucketTarget struct {
	Bucket   string `yaml:"bucket"`
	TargetOp int64  `yaml:"target_op"`
	Checksum uint32 `yaml:"checksum"`
}

// DataStep mirrors a bucket data protocol line.
type DataStep struct {
	Bucket string   `yaml:"bucket"`
	Ops    []OpStep `yaml:"ops"`
}

// OpStep is one operation in a data batch.
type OpStep struct {
	OpID     int64  `yaml:"op_id"`
	Op       string `yaml:"op"` // PUT, REMOVE, MOVE, CLEAR
	RowType  string `yaml:"type,omitempty"`
	RowID    string `yaml:"id,omitempty"`
	Subkey   string `yaml:"subkey,omitempty"`
	Data     string `yaml:"data,omitempty"`
	Checksum uint32 `yaml:"checksum"`
}

// CompleteStep mirrors a checkpoint-complete protocol line.
type CompleteStep struct {
	ID int64 `yaml:"id"`
}

// WriteStep enqueues a local write.
type WriteStep struct {
	Table string `yaml:"table"`
	RowID string `yaml:"id"`
	Op    string `yaml:"op"` // PUT, PATCH, DELETE
	Data  string `yaml:"data,omitempty"`
}

// CompleteTxStep has no parameters.
type CompleteTxStep struct{}

// AckStep acknowledges a write. Write indexes into the scenario's writes in
// order of execution, starting at 0.
type AckStep struct {
	Write int `yaml:"write"`
}

// RejectStep rejects a write, identified like AckStep.
type RejectStep struct {
	Write  int    `yaml:"write"`
	Reason string `yaml:"reason,omitempty"`
}

// RestartStep has no parameters.
type RestartStep struct{}

// Assertion validates final database state.
type Assertion struct {
	// Type selects the assertion:
	// - "row": a row exists with the expected fields (subset match)
	// - "row_absent": no row exists for the type and id
	// - "watermark": the applied checkpoint and bucket positions
	// - "pending_count": number of outbox entries awaiting acknowledgment
	// - "bucket_checksum": a bucket's accumulated checksum
	Type string `yaml:"type"`

	// Table and ID identify a row (row, row_absent).
	Table string `yaml:"table,omitempty"`
	ID    string `yaml:"id,omitempty"`

	// Expect holds expected row fields, subset match (row).
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Checkpoint is the expected applied checkpoint id (watermark).
	Checkpoint int64 `yaml:"checkpoint,omitempty"`

	// Buckets holds expected applied op positions per bucket (watermark).
	Buckets map[string]int64 `yaml:"buckets,omitempty"`

	// Count is the expected outbox size (pending_count).
	Count int `yaml:"count"`

	// Bucket and Checksum identify a bucket checksum (bucket_checksum).
	Bucket   string `yaml:"bucket,omitempty"`
	Checksum uint32 `yaml:"checksum"`
}

// Assertion type constants.
const (
	AssertRow            = "row"
	AssertRowAbsent      = "row_absent"
	AssertWatermark      = "watermark"
	AssertPendingCount   = "pending_count"
	AssertBucketChecksum = "bucket_checksum"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation (catches
// typos like "assertion:" vs "assertions:").
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, tbl := range s.Tables {
		if tbl.Name == "" {
			return fmt.Errorf("tables[%d]: name is required", i)
		}
		if len(tbl.Columns) == 0 {
			return fmt.Errorf("tables[%d]: columns list is required", i)
		}
	}

	writes := 0
	for i, step := range s.Steps {
		if err := validateStep(i, &step, &writes); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks that exactly one action is set and its fields are
// usable. writes tracks how many write steps precede the current step so
// ack/reject indexes can be range-checked.
func validateStep(index int, step *Step, writes *int) error {
	set := 0
	if step.Checkpoint != nil {
		set++
		if step.Checkpoint.ID <= 0 {
			return fmt.Errorf("steps[%d].checkpoint: id must be positive", index)
		}
	}
	if step.Data != nil {
		set++
		if step.Data.Bucket == "" {
			return fmt.Errorf("steps[%d].data: bucket is required", index)
		}
		for j, op := range step.Data.Ops {
			if _, ok := oplog.ParseOpKind(op.Op); !ok {
				return fmt.Errorf("steps[%d].data.ops[%d]: unknown op %q", index, j, op.Op)
			}
		}
	}
	if step.CheckpointComplete != nil {
		set++
		if step.CheckpointComplete.ID <= 0 {
			return fmt.Errorf("steps[%d].checkpoint_complete: id must be positive", index)
		}
	}
	if step.Write != nil {
		set++
		if step.Write.Table == "" || step.Write.RowID == "" {
			return fmt.Errorf("steps[%d].write: table and id are required", index)
		}
		if _, ok := oplog.ParseCrudKind(step.Write.Op); !ok {
			return fmt.Errorf("steps[%d].write: unknown op %q", index, step.Write.Op)
		}
		*writes++
	}
	if step.CompleteTx != nil {
		set++
	}
	if step.Ack != nil {
		set++
		if step.Ack.Write < 0 || step.Ack.Write >= *writes {
			return fmt.Errorf("steps[%d].ack: write index %d out of range", index, step.Ack.Write)
		}
	}
	if step.Reject != nil {
		set++
		if step.Reject.Write < 0 || step.Reject.Write >= *writes {
			return fmt.Errorf("steps[%d].reject: write index %d out of range", index, step.Reject.Write)
		}
	}
	if step.Restart != nil {
		set++
	}

	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, found %d", index, set)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRow:
		if a.Table == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: table and id are required for row", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for row", index)
		}
	case AssertRowAbsent:
		if a.Table == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: table and id are required for row_absent", index)
		}
	case AssertWatermark:
		if a.Checkpoint <= 0 && len(a.Buckets) == 0 {
			return fmt.Errorf("assertions[%d]: checkpoint or buckets is required for watermark", index)
		}
	case AssertPendingCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for pending_count", index)
		}
	case AssertBucketChecksum:
		if a.Bucket == "" {
			return fmt.Errorf("assertions[%d]: bucket is required for bucket_checksum", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
