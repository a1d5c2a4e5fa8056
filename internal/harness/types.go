package harness

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success: every assertion held.
	Pass bool `json:"pass"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the final database state, used for golden comparison.
	Snapshot *Snapshot `json:"snapshot"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot captures the externally observable state after a scenario:
// the queryable view, the watermark, and the outbox. Volatile identifiers
// (client ids, timestamps) are excluded so snapshots compare stably.
type Snapshot struct {
	Scenario  string                   `json:"scenario"`
	Watermark WatermarkSnapshot        `json:"watermark"`
	Rows      map[string][]RowSnapshot `json:"rows"`
	Pending   []PendingSnapshot        `json:"pending"`
}

// WatermarkSnapshot is the applied checkpoint and per-bucket positions.
type WatermarkSnapshot struct {
	Checkpoint int64            `json:"checkpoint"`
	Buckets    map[string]int64 `json:"buckets"`
}

// RowSnapshot is one row of the queryable view with its JSON payload
// decoded for readable diffs.
type RowSnapshot struct {
	ID   string      `json:"id"`
	Data interface{} `json:"data"`
}

// PendingSnapshot is one outbox entry awaiting acknowledgment.
type PendingSnapshot struct {
	Table string      `json:"table"`
	RowID string      `json:"id"`
	Op    string      `json:"op"`
	Data  interface{} `json:"data,omitempty"`
	TxID  int64       `json:"tx_id"`
}
