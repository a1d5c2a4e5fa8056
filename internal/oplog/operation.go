package oplog

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// OpKind identifies the kind of a remote bucket operation.
type OpKind int

const (
	// OpPut upserts a row into the queryable view.
	OpPut OpKind = iota + 1
	// OpRemove deletes a row from the queryable view.
	OpRemove
	// OpMove contributes only to the bucket checksum; it marks data that was
	// relocated to another bucket and carries no row payload.
	OpMove
	// OpClear resets the bucket: all previously synced rows in the bucket
	// are implicitly removed and must be re-synced.
	OpClear
)

var opKindNames = map[OpKind]string{
	OpPut:    "PUT",
	OpRemove: "REMOVE",
	OpMove:   "MOVE",
	OpClear:  "CLEAR",
}

var opKindValues = map[string]OpKind{
	"PUT":    OpPut,
	"REMOVE": OpRemove,
	"MOVE":   OpMove,
	"CLEAR":  OpClear,
}

// ParseOpKind resolves a wire name ("PUT", "REMOVE", "MOVE", "CLEAR") to
// its kind.
func ParseOpKind(name string) (OpKind, bool) {
	k, ok := opKindValues[name]
	return k, ok
}

// String returns the wire name of the kind ("PUT", "REMOVE", "MOVE", "CLEAR").
func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// MarshalJSON encodes the kind as its wire name.
func (k OpKind) MarshalJSON() ([]byte, error) {
	name, ok := opKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown op kind %d", int(k))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a wire name into an OpKind.
func (k *OpKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	kind, ok := opKindValues[name]
	if !ok {
		return fmt.Errorf("unknown op kind %q", name)
	}
	*k = kind
	return nil
}

// Operation is an immutable record in a bucket's operation log.
//
// OpID is monotonically increasing within a bucket and totally orders
// operations within that bucket only. Data is the row payload as a JSON
// document (PUT only). Checksum is this operation's contribution to the
// bucket's rolling checksum.
type Operation struct {
	Bucket   string   `json:"bucket"`
	OpID     int64    `json:"op_id"`
	Kind     OpKind   `json:"op"`
	RowType  string   `json:"object_type,omitempty"`
	RowID    string   `json:"object_id,omitempty"`
	Subkey   string   `json:"subkey,omitempty"`
	Data     string   `json:"data,omitempty"`
	Checksum Checksum `json:"checksum"`
}

// Key returns the operation's composite row key, or "" when the operation
// carries no row identity (MOVE, CLEAR).
func (o Operation) Key() string {
	if o.RowType == "" && o.RowID == "" {
		return ""
	}
	return RowKey(o.RowType, o.RowID, o.Subkey)
}

// RowKey builds the composite key identifying a row across buckets.
//
// The key is NFC-normalized: the same logical key must compare byte-equal
// regardless of which device produced it.
func RowKey(rowType, rowID, subkey string) string {
	if subkey == "" {
		subkey = "null"
	}
	return norm.NFC.String(rowType + "/" + rowID + "/" + subkey)
}

// DataLine is a batch of operations for a single bucket as delivered by the
// transport.
type DataLine struct {
	Bucket string      `json:"bucket"`
	Ops    []Operation `json:"data"`
}
