// Package store provides SQLite-backed durable storage for the sync core.
//
// A single database holds four kinds of state:
//   - Bucket operation logs (ps_buckets, ps_oplog): the ordered per-bucket
//     sequence of remote operations downloaded from the sync service.
//   - The CRUD outbox (ps_crud): local writes pending server acknowledgment.
//   - The queryable view (ps_data_* tables and ps_untyped): the materialized
//     rows application code reads.
//   - Sync bookkeeping (ps_kv, ps_sync_state, ps_updated_rows): the applied
//     watermark, the persistent client id, and rows needing
//     re-materialization.
//
// # Critical Patterns
//
// Atomic apply:
//   - ApplyCheckpoint materializes remote operations, overlays pending local
//     writes, and advances the watermark in ONE transaction.
//   - Readers never observe a partially-applied checkpoint; a crash before
//     commit leaves the previous state intact and re-apply is idempotent.
//
// Local precedence:
//   - Pending outbox entries always win over applied remote state for the
//     same row key, in FIFO-per-key order, until acknowledged or rejected.
//
// Per-bucket ordering only:
//   - op_id is monotonic within a bucket; there is no global sequence.
//     Appends reject op_ids at or below the bucket's current maximum.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
