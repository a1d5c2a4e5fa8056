// Package oplog provides the core synchronization types: bucket operations,
// checkpoints, checksums, watermarks, and pending local writes.
//
// This package contains type definitions and pure functions only. All other
// internal packages import oplog; oplog imports nothing internal. This
// ensures the sync vocabulary remains the foundational layer with no
// circular dependencies.
//
// Key design constraints:
//   - Operation ids are int64 and totally ordered per bucket only; there is
//     no global sequence across buckets.
//   - Checksums are unsigned 32-bit values accumulated with wrapping
//     addition, matching the format the sync service emits.
//   - Row keys are NFC-normalized so keys compare byte-stable across devices.
package oplog
