// Package querysql compiles queryir queries to parameterized SQLite SQL.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/queryir"
)

// Compile converts a query to SQL and its parameters.
//
// Every value, including the limit, is a ? parameter; only validated
// identifiers are written into the SQL text. The query is validated first
// and rejected with all of its problems.
func Compile(q queryir.Query) (string, []any, error) {
	if res := queryir.Validate(q); !res.Valid {
		return "", nil, fmt.Errorf("invalid query: %s", strings.Join(res.Problems, "; "))
	}

	switch query := q.(type) {
	case queryir.Select:
		return compileSelect(query)
	case *queryir.Select:
		return compileSelect(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func compileSelect(q queryir.Select) (string, []any, error) {
	var (
		b      strings.Builder
		params []any
	)

	b.WriteString("SELECT ")
	for i, c := range q.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		if c.Coalesce {
			fmt.Fprintf(&b, "COALESCE(%s, '')", c.Field)
		} else {
			b.WriteString(c.Field)
		}
	}

	b.WriteString(" FROM ")
	b.WriteString(tableRef(q.From))
	for _, j := range q.Joins {
		on, onParams, err := compilePredicate(j.On)
		if err != nil {
			return "", nil, fmt.Errorf("compile join %s: %w", j.Table.Name, err)
		}
		fmt.Fprintf(&b, " LEFT JOIN %s ON %s", tableRef(j.Table), on)
		params = append(params, onParams...)
	}

	if q.Filter != nil {
		where, whereParams, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = append(params, whereParams...)
	}

	b.WriteString(" ORDER BY ")
	for i, o := range q.OrderBy {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(o.Field)
		if o.Desc {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}

	return b.String(), params, nil
}

func tableRef(t queryir.Table) string {
	if t.Alias == "" {
		return t.Name
	}
	return t.Name + " " + t.Alias
}

// compilePredicate compiles a predicate to a WHERE fragment.
// Values are never interpolated.
func compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		param, err := valueToParam(pred.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", pred.Field, err)
		}
		return pred.Field + " = ?", []any{param}, nil

	case queryir.Compare:
		param, err := valueToParam(pred.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", pred.Field, err)
		}
		return fmt.Sprintf("%s %s ?", pred.Field, pred.Op), []any{param}, nil

	case queryir.FieldEquals:
		return pred.Left + " = " + pred.Right, nil, nil

	case queryir.NotEmpty:
		return fmt.Sprintf("(%s IS NOT NULL AND %s != '')", pred.Field, pred.Field), nil, nil

	case queryir.And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil // vacuous truth
		}
		return compileJunction(pred.Predicates, " AND ")

	case queryir.Or:
		if len(pred.Predicates) == 0 {
			return "1 = 0", nil, nil
		}
		return compileJunction(pred.Predicates, " OR ")

	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileJunction(preds []queryir.Predicate, sep string) (string, []any, error) {
	parts := make([]string, 0, len(preds))
	var params []any
	for _, sub := range preds {
		sql, subParams, err := compilePredicate(sub)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, subParams...)
	}
	if len(parts) == 1 {
		return parts[0], params, nil
	}
	return "(" + strings.Join(parts, sep) + ")", params, nil
}

// valueToParam converts a scalar ir.Value to a SQL parameter.
func valueToParam(v ir.Value) (any, error) {
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Float:
		return float64(val), nil
	case ir.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}
