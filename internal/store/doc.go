// Package store provides SQLite-backed run history.
//
// Every compatibility run and every timing test run is recorded once:
//   - runs: one row per run, with the full result tree and its digest
//   - check_runs: one row per checker invocation of a compatibility run
//
// # Ordering
//
// Run IDs are UUIDv7, so they sort by creation time. Listing queries order by
// started_at ASC, id ASC COLLATE BINARY, which keeps results stable when two
// runs share a timestamp.
//
// # Integrity
//
// The stored digest is computed over the canonical JSON form of the tree
// (internal/canon). ReadRun recomputes it and refuses rows that no longer
// match.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
