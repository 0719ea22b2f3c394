// Package queryir describes read queries over the audit store as data.
//
// History questions ("runs of scan since Monday", "the run with queue id
// q-12", "the last twenty requests") all reduce to a Select over the
// decision, dispatch and outcome tables with a conjunction of simple
// predicates. Building them as values instead of string concatenation
// keeps every value parameterized and every result ordered:
//
//	[RunFilter / lookups] → [queryir.Select] → [querysql] → SQLite
//
// The fragment is deliberately small:
//   - Select with explicit columns, one source table and left joins
//   - Predicates: Equals, Compare, FieldEquals, NotEmpty, And, Or
//   - ORDER BY is mandatory; LIMIT is optional
//
// Table, alias and field names are interpolated into SQL, so Validate
// restricts them to plain identifiers. Values never are.
//
// SEALED INTERFACES:
//
// Query and Predicate are sealed with marker methods, so backends can
// switch over them exhaustively.
package queryir
