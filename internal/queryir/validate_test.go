package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/baitchat/internal/ir"
)

func runsQuery() Select {
	return Select{
		Columns: []Column{{Field: "d.seq"}, {Field: "x.queue_id", Coalesce: true}},
		From:    Table{Name: "decisions", Alias: "d"},
		Joins: []Join{{
			Table: Table{Name: "dispatches", Alias: "x"},
			On:    FieldEquals{Left: "x.submission_id", Right: "d.submission_id"},
		}},
		Filter: And{Predicates: []Predicate{
			Equals{Field: "d.accepted", Value: ir.Int(1)},
			NotEmpty{Field: "x.queue_id"},
			Compare{Field: "d.decided_at", Op: OpGreaterEqual, Value: ir.String("2025-01-01T00:00:00Z")},
			Or{Predicates: []Predicate{
				Equals{Field: "x.queue_id", Value: ir.String("q-1")},
				Equals{Field: "d.request_id", Value: ir.String("q-1")},
			}},
		}},
		OrderBy: []Order{{Field: "d.seq", Desc: true}},
		Limit:   10,
	}
}

func TestValidateAcceptsRunsQuery(t *testing.T) {
	res := Validate(runsQuery())
	assert.True(t, res.Valid, res.Problems)
	assert.Empty(t, res.Problems)

	q := runsQuery()
	res = Validate(&q)
	assert.True(t, res.Valid, res.Problems)
}

func TestValidateProblems(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Select)
		want   string
	}{
		{"no columns", func(s *Select) { s.Columns = nil }, "no columns"},
		{"no order", func(s *Select) { s.OrderBy = nil }, "ORDER BY"},
		{"negative limit", func(s *Select) { s.Limit = -1 }, "negative limit"},
		{"injected field", func(s *Select) {
			s.Filter = Equals{Field: "plan; DROP TABLE decisions", Value: ir.String("x")}
		}, "not an identifier"},
		{"bad table", func(s *Select) { s.From = Table{Name: "Decisions"} }, "table"},
		{"bad alias", func(s *Select) { s.From.Alias = "d x" }, "alias"},
		{"list value", func(s *Select) {
			s.Filter = Equals{Field: "d.plan", Value: ir.List{ir.String("scan")}}
		}, "non-scalar"},
		{"unknown op", func(s *Select) {
			s.Filter = Compare{Field: "d.seq", Op: "LIKE", Value: ir.Int(1)}
		}, "unknown comparison"},
		{"join without condition", func(s *Select) { s.Joins[0].On = nil }, "no condition"},
		{"nil predicate in and", func(s *Select) { s.Filter = And{Predicates: []Predicate{nil}} }, "nil predicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := runsQuery()
			tt.modify(&q)
			res := Validate(q)
			assert.False(t, res.Valid)
			if assert.NotEmpty(t, res.Problems) {
				assert.Contains(t, res.Problems[0], tt.want)
			}
		})
	}
}

func TestValidateNilQuery(t *testing.T) {
	res := Validate(nil)
	assert.False(t, res.Valid)

	var q *Select
	res = Validate(q)
	assert.False(t, res.Valid)
}
