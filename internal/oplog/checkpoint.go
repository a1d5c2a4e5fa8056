package oplog

import "fmt"

// BucketChecksum is one bucket's target position and checksum inside a
// checkpoint descriptor.
type BucketChecksum struct {
	Bucket   string   `json:"bucket"`
	TargetOp int64    `json:"target_op"`
	Checksum Checksum `json:"checksum"`
}

// Checkpoint is a snapshot descriptor supplied by the sync service: the
// target state all referenced buckets must reach before the checkpoint may
// be applied. Immutable once received; superseded by any checkpoint with a
// higher ID.
type Checkpoint struct {
	ID      int64            `json:"checkpoint_id"`
	Buckets []BucketChecksum `json:"buckets"`
}

// Bucket returns the entry for the named bucket, if present.
func (c *Checkpoint) Bucket(name string) (BucketChecksum, bool) {
	for _, b := range c.Buckets {
		if b.Bucket == name {
			return b, true
		}
	}
	return BucketChecksum{}, false
}

// Validate checks structural invariants of a received descriptor.
func (c *Checkpoint) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("checkpoint id must be positive, got %d", c.ID)
	}
	seen := make(map[string]bool, len(c.Buckets))
	for _, b := range c.Buckets {
		if b.Bucket == "" {
			return fmt.Errorf("checkpoint %d references an unnamed bucket", c.ID)
		}
		if seen[b.Bucket] {
			return fmt.Errorf("checkpoint %d references bucket %q twice", c.ID, b.Bucket)
		}
		seen[b.Bucket] = true
		if b.TargetOp < 0 {
			return fmt.Errorf("checkpoint %d bucket %q has negative target op %d", c.ID, b.Bucket, b.TargetOp)
		}
	}
	return nil
}

// Watermark records what the queryable view currently reflects: the last
// fully applied checkpoint and each bucket's applied op position.
//
// The watermark is mutated exclusively inside the apply transaction; readers
// obtain it through the store so it is always consistent with the view.
type Watermark struct {
	CheckpointID int64            `json:"applied_checkpoint_id"`
	Buckets      map[string]int64 `json:"buckets"`
}

// AppliedOp returns the applied op position for a bucket (0 if unknown).
func (w Watermark) AppliedOp(bucket string) int64 {
	return w.Buckets[bucket]
}

// Covers reports whether the watermark already reflects the checkpoint,
// which makes re-applying it a no-op.
func (w Watermark) Covers(cp *Checkpoint) bool {
	return w.CheckpointID >= cp.ID
}
