package oplog

import (
	"encoding/json"
	"fmt"
	"time"
)

// CrudKind identifies the kind of a pending local write.
type CrudKind int

const (
	// CrudPut replaces the full row payload.
	CrudPut CrudKind = iota + 1
	// CrudPatch merges the payload into the existing row.
	CrudPatch
	// CrudDelete removes the row.
	CrudDelete
)

var crudKindNames = map[CrudKind]string{
	CrudPut:    "PUT",
	CrudPatch:  "PATCH",
	CrudDelete: "DELETE",
}

var crudKindValues = map[string]CrudKind{
	"PUT":    CrudPut,
	"PATCH":  CrudPatch,
	"DELETE": CrudDelete,
}

// ParseCrudKind resolves a wire name ("PUT", "PATCH", "DELETE") to its kind.
func ParseCrudKind(name string) (CrudKind, bool) {
	k, ok := crudKindValues[name]
	return k, ok
}

func (k CrudKind) String() string {
	if name, ok := crudKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("CrudKind(%d)", int(k))
}

// MarshalJSON encodes the kind as its wire name.
func (k CrudKind) MarshalJSON() ([]byte, error) {
	name, ok := crudKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown crud kind %d", int(k))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a wire name into a CrudKind.
func (k *CrudKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	kind, ok := crudKindValues[name]
	if !ok {
		return fmt.Errorf("unknown crud kind %q", name)
	}
	*k = kind
	return nil
}

// CrudEntry is a local write pending server acknowledgment.
//
// Entries for the same row key are never reordered relative to each other
// (FIFO per key). An entry is removed when the server acknowledges the write
// by client id, or when a server-side rejection is received.
type CrudEntry struct {
	ClientID  string    `json:"client_id"`
	TxID      int64     `json:"tx_id"`
	Table     string    `json:"type"`
	RowID     string    `json:"id"`
	Kind      CrudKind  `json:"op"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the composite row key the entry targets.
func (e CrudEntry) Key() string {
	return RowKey(e.Table, e.RowID, "")
}

// MergePatch applies a PATCH payload onto a base JSON document, returning
// the merged document. Keys present in the patch override the base; a base
// of "" is treated as an empty object.
func MergePatch(base, patch string) (string, error) {
	merged := map[string]json.RawMessage{}
	if base != "" {
		if err := json.Unmarshal([]byte(base), &merged); err != nil {
			return "", fmt.Errorf("parse base row: %w", err)
		}
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal([]byte(patch), &overlay); err != nil {
		return "", fmt.Errorf("parse patch: %w", err)
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode merged row: %w", err)
	}
	return string(out), nil
}
