// Package store is the SQLite audit log behind the submission gate.
//
// Three append-only tables:
//   - decisions: every gate verdict, accepted or not, keyed by the gate's
//     sequence number
//   - dispatches: the queue id (or error) of each accepted decision
//   - outcomes: every pipeline outcome, keyed by request id
//
// Accepted, dispatched decisions double as the local run history that the
// assistant answers "what was the last scan?" from.
//
// # Ordering
//
// Queries order by seq (decisions) or insertion id (outcomes), never by
// wall time, so reads are deterministic. Timestamps are stored as fixed
// width UTC text and are only used for range filters.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
