// Package engine implements the checkpoint coordinator of the sync core.
//
// The engine is the write side of the sync protocol - it receives
// checkpoints, bucket data batches and write acknowledgments, and advances
// durable state through the store.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// The engine processes all events in a single goroutine. This ensures:
// - One checkpoint in flight at a time
// - Appends, validations and applies never interleave
// - Simple reasoning about what state the view reflects
//
// Event Processing Flow:
// 1. Protocol lines enqueued to FIFO queue (checkpoint, data, complete,
//    write ack/reject)
// 2. Engine.Run() dequeues events one at a time
// 3. processEvent() routes to the appropriate handler
// 4. Handlers write to SQLite (single writer)
// 5. On checkpoint-complete: checksums validated, checkpoint applied
//    atomically
//
// Checkpoint Lifecycle:
// pending -> validating -> ready_to_apply -> applied, with two exits:
// superseded (a newer checkpoint arrived; downloads for the old one are
// cancelled via context) and checksum mismatch (the offending bucket is
// discarded and re-fetched while the checkpoint stays in flight).
//
// The engine is designed for correctness, not throughput. Reads of the
// queryable view may be parallelized; the coordination loop is strictly
// single-threaded.
//
// CRITICAL PATTERNS:
//
// Per-Bucket Ordering:
// Op ids order operations within a bucket only. The engine never compares
// op ids across buckets; cross-bucket consistency comes from checkpoints.
//
// Atomic Publication:
// Nothing downloaded is visible until a whole checkpoint validates and
// applies in one transaction. An interrupted apply leaves the watermark
// and the view exactly as they were.
package engine
