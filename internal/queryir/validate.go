package queryir

import (
	"fmt"
	"regexp"

	"github.com/roach88/baitchat/internal/ir"
)

// identRe matches a plain or alias-qualified column or table name.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// ValidationResult lists the problems found in a query.
type ValidationResult struct {
	// Valid is true when the query can be compiled safely.
	Valid bool

	// Problems describes each rule the query breaks. Empty when Valid.
	Problems []string
}

// Validate checks a query before it is compiled:
//  1. Table, alias and field names are identifiers
//  2. At least one column and one ORDER BY key
//  3. Values are scalars
//  4. Limit is not negative
//
// Validate is a pure function with no side effects.
func Validate(query Query) ValidationResult {
	v := &validator{
		problems: []string{},
	}
	v.validateQuery(query)

	return ValidationResult{
		Valid:    len(v.problems) == 0,
		Problems: v.problems,
	}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case Select:
		v.validateSelect(query)
	case *Select:
		if query == nil {
			v.addProblem("nil query")
			return
		}
		v.validateSelect(*query)
	case nil:
		v.addProblem("nil query")
	default:
		v.addProblem("unknown query type: %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	if len(sel.Columns) == 0 {
		v.addProblem("no columns selected")
	}
	for _, c := range sel.Columns {
		v.field("column", c.Field)
	}
	v.table(sel.From)
	for _, j := range sel.Joins {
		v.table(j.Table)
		if j.On == nil {
			v.addProblem("join of %s has no condition", j.Table.Name)
			continue
		}
		v.validatePredicate(j.On)
	}
	if sel.Filter != nil {
		v.validatePredicate(sel.Filter)
	}
	if len(sel.OrderBy) == 0 {
		v.addProblem("no ORDER BY key - results must be deterministic")
	}
	for _, o := range sel.OrderBy {
		v.field("order", o.Field)
	}
	if sel.Limit < 0 {
		v.addProblem("negative limit %d", sel.Limit)
	}
}

func (v *validator) table(t Table) {
	if !identRe.MatchString(t.Name) {
		v.addProblem("table %q is not an identifier", t.Name)
	}
	if t.Alias != "" && !identRe.MatchString(t.Alias) {
		v.addProblem("alias %q is not an identifier", t.Alias)
	}
}

func (v *validator) field(role, name string) {
	if !identRe.MatchString(name) {
		v.addProblem("%s field %q is not an identifier", role, name)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.field("filter", pred.Field)
		v.scalar(pred.Field, pred.Value)
	case Compare:
		v.field("filter", pred.Field)
		v.scalar(pred.Field, pred.Value)
		switch pred.Op {
		case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		default:
			v.addProblem("unknown comparison %q on %s", pred.Op, pred.Field)
		}
	case FieldEquals:
		v.field("join", pred.Left)
		v.field("join", pred.Right)
	case NotEmpty:
		v.field("filter", pred.Field)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case Or:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case nil:
		v.addProblem("nil predicate")
	default:
		v.addProblem("unknown predicate type: %T", p)
	}
}

func (v *validator) scalar(field string, val ir.Value) {
	switch val.(type) {
	case ir.String, ir.Int, ir.Float, ir.Bool:
	default:
		v.addProblem("field %s compared to non-scalar %T", field, val)
	}
}
