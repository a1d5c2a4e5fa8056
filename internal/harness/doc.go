// Package harness provides conformance testing for the sync core.
//
// The harness replays YAML-scripted sync sessions through the real engine
// and store, evaluates assertions over the final database state, and
// snapshots the outcome for golden-file comparison.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	tables:
//	  - name: todos
//	    columns:
//	      - { name: title, type: text }
//	steps:
//	  - checkpoint:
//	      id: 1
//	      buckets:
//	        - { bucket: "b1", target_op: 2, checksum: 30 }
//	  - data:
//	      bucket: "b1"
//	      ops:
//	        - { op_id: 1, op: PUT, type: todos, id: t1, data: '{"title":"one"}', checksum: 10 }
//	  - checkpoint_complete: { id: 1 }
//	  - write: { table: todos, id: t2, op: PUT, data: '{"title":"local"}' }
//	  - ack: { write: 0 }
//	assertions:
//	  - type: row
//	    table: todos
//	    id: t1
//	    expect: { title: "one" }
//	  - type: watermark
//	    checkpoint: 1
//
// # Step Types
//
//   - checkpoint: announce a checkpoint to work towards
//   - data: deliver a batch of bucket operations
//   - checkpoint_complete: signal a checkpoint's data as fully delivered
//   - write: enqueue a local write into the outbox
//   - complete_tx: end the current local write transaction
//   - ack / reject: settle a write, referenced by its index in the
//     scenario's write history (client ids are generated at runtime)
//   - restart: close and reopen the database mid-session
//
// # Assertion Types
//
//   - row: a row exists with the expected fields (subset match)
//   - row_absent: no row exists for the type and id
//   - watermark: the applied checkpoint and per-bucket positions
//   - pending_count: the number of outbox entries awaiting acknowledgment
//   - bucket_checksum: a bucket's accumulated checksum
//
// # Deterministic Replay
//
// Scenarios are push-fed: protocol lines are enqueued directly instead of
// being fetched through a transport, so the scenario controls delivery
// order exactly. Each step drains the engine's queue before the next
// starts. Snapshots exclude volatile identifiers (client ids, timestamps),
// so the same scenario always produces the same golden output.
//
// # Usage
//
// Run a scenario against its golden file:
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/checkpoint_apply.yaml")
//	require.NoError(t, err)
//	harness.RunWithGolden(t, scenario)
//
// Golden files live in testdata/golden/ and regenerate with:
//
//	go test ./internal/harness -update
package harness
