package queryir

import "github.com/roach88/baitchat/internal/ir"

// Query represents an abstract read query.
//
// This is a sealed interface - only types in this package implement it.
type Query interface {
	queryNode() // Marker method - seals interface to this package
}

// Predicate represents a filter condition.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Select reads columns from a table and its joins.
//
// Semantics:
//
//	SELECT <columns> FROM <from> [LEFT JOIN ...] WHERE <filter>
//	ORDER BY <order> [LIMIT <limit>]
//
// Example:
//
//	Select{
//	  Columns: []Column{{Field: "d.seq"}, {Field: "x.queue_id", Coalesce: true}},
//	  From:    Table{Name: "decisions", Alias: "d"},
//	  Joins: []Join{{
//	    Table: Table{Name: "dispatches", Alias: "x"},
//	    On:    FieldEquals{Left: "x.submission_id", Right: "d.submission_id"},
//	  }},
//	  Filter:  Equals{Field: "d.plan", Value: ir.String("scan")},
//	  OrderBy: []Order{{Field: "d.seq", Desc: true}},
//	  Limit:   1,
//	}
//
// Translates to SQL:
//
//	SELECT d.seq, COALESCE(x.queue_id, '') FROM decisions d
//	LEFT JOIN dispatches x ON x.submission_id = d.submission_id
//	WHERE d.plan = ? ORDER BY d.seq DESC LIMIT ?
type Select struct {
	Columns []Column
	From    Table
	Joins   []Join
	Filter  Predicate // nil = no filter
	OrderBy []Order   // required
	Limit   int       // 0 = no limit
}

func (Select) queryNode() {}

// Table names a source table and an optional alias.
type Table struct {
	Name  string
	Alias string
}

// Join is a LEFT JOIN of Table on a condition. Rows of the source
// without a match keep NULL join columns; select them with Coalesce.
type Join struct {
	Table Table
	On    Predicate
}

// Column is a selected field. Coalesce reads NULL as the empty string.
type Column struct {
	Field    string
	Coalesce bool
}

// Order is one ORDER BY key.
type Order struct {
	Field string
	Desc  bool
}

// Equals is <field> = <value>.
type Equals struct {
	Field string
	Value ir.Value // scalar only
}

func (Equals) predicateNode() {}

// CompareOp is an ordering comparison.
type CompareOp string

const (
	OpLess         CompareOp = "<"
	OpLessEqual    CompareOp = "<="
	OpGreater      CompareOp = ">"
	OpGreaterEqual CompareOp = ">="
)

// Compare is <field> <op> <value>. Timestamps compare as their stored
// RFC 3339 text, which orders correctly for UTC values.
type Compare struct {
	Field string
	Op    CompareOp
	Value ir.Value // scalar only
}

func (Compare) predicateNode() {}

// FieldEquals is <left> = <right> between two fields, for join conditions.
type FieldEquals struct {
	Left  string
	Right string
}

func (FieldEquals) predicateNode() {}

// NotEmpty is true when the field is neither NULL nor the empty string.
type NotEmpty struct {
	Field string
}

func (NotEmpty) predicateNode() {}

// And is true when every predicate is. Empty is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is true when any predicate is. Empty is never true.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}
