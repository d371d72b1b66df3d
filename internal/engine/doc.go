// Package engine drains the pending operation queue into the remote system
// of record.
//
// ARCHITECTURE:
//
// Single-Flight Drain:
// A drain takes a point-in-time snapshot of the queue and processes jobs one
// at a time in enqueue order. Concurrent Drain calls share the drain already
// in flight instead of starting a second one, so no job is ever applied by
// two drains at once.
//
// Entity Chains:
// Jobs for the same entity form a chain. Once a job in a chain fails, is in
// its backoff window or is quarantined, later jobs for that entity are held
// back for the rest of the drain. A settlement also belongs to the chain
// of the table it releases. Other entities keep draining.
//
// Failure Policy:
// A failed job stays queued with its retry count, last error and next
// attempt time. Delays grow exponentially up to a cap; after a fixed number
// of attempts the job is quarantined until an operator requeues or discards
// it.
//
// Settlement Cascade:
// COMPLETE_ORDER bills the order first. If billing fails nothing else runs.
// The remaining steps (stock, promo, daily sales, loyalty, table) run
// independently; each completed step is persisted in the job payload so a
// redelivery skips it. BILLED is never reverted.
package engine
