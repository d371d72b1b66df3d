// Package domain defines the tillsync data model shared by the local store,
// the remote system of record, and the sync engine.
//
// Every entity serialises to a JSON-like record. The same JSON layout is used
// for the local cache and for the remote store; fields that only make sense on
// a terminal (sync flag, denormalised display names) are listed in
// LocalOnlyOrderFields and LocalOnlyItemFields and stripped before upload.
//
// # Order lifecycle
//
//	NEW -> IN_KITCHEN -> READY -> BILLED -> ARCHIVED
//	NEW | IN_KITCHEN | READY -> CANCELLED
//
// BILLED fires the settlement cascade, CANCELLED releases the table only, and
// ARCHIVED has no side effects. CanTransition is the single authority on which
// moves are legal.
//
// # Pending operations
//
// Queued mutations are a closed sum type: every Payload variant lives in this
// package (job.go) and the sync engine dispatches on the concrete type.
package domain
