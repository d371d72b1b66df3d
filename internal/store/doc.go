// Package store provides the terminal's SQLite-backed local store and the
// pending operation queue built on top of it.
//
// The local store is a tenant-tagged key-value cache of entity collections
// (orders, tables, stock items, menu, settings). It is the optimistic source
// of truth for the UI: every mutation lands here before it is queued.
//
// The queue (pending_orders) is an ordered, durable list of mutations that
// have not reached the remote system of record yet.
//
// # Critical Patterns
//
// Write-and-enqueue atomicity:
//   - Commit writes the record and inserts the job in ONE transaction
//   - A crash can never leave an optimistic write without its job, or a job
//     without its write
//
// Ordering:
//   - seq INTEGER PRIMARY KEY AUTOINCREMENT is the enqueue stamp
//   - AUTOINCREMENT never reuses a value, so seq is monotonic across restarts
//   - All queue reads use ORDER BY seq ASC
//
// Sync flag:
//   - is_synced stays false while any job referencing the record is queued
//   - CompleteJob flips it in the same transaction that removes the last job
//
// Tenant isolation:
//   - Records carry tenant_id for lookup, but storage does not enforce
//     isolation; callers filter by tenant
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
