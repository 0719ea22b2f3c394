package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/queryir"
)

func TestCompileSelect(t *testing.T) {
	q := queryir.Select{
		Columns: []queryir.Column{{Field: "d.seq"}, {Field: "d.plan"}, {Field: "x.queue_id", Coalesce: true}},
		From:    queryir.Table{Name: "decisions", Alias: "d"},
		Joins: []queryir.Join{{
			Table: queryir.Table{Name: "dispatches", Alias: "x"},
			On:    queryir.FieldEquals{Left: "x.submission_id", Right: "d.submission_id"},
		}},
		Filter: queryir.And{Predicates: []queryir.Predicate{
			queryir.Equals{Field: "d.accepted", Value: ir.Bool(true)},
			queryir.NotEmpty{Field: "x.queue_id"},
			queryir.Equals{Field: "d.plan", Value: ir.String("scan")},
			queryir.Compare{Field: "d.decided_at", Op: queryir.OpGreaterEqual, Value: ir.String("2025-01-01T00:00:00Z")},
		}},
		OrderBy: []queryir.Order{{Field: "d.seq", Desc: true}},
		Limit:   5,
	}

	sql, params, err := Compile(q)
	require.NoError(t, err)
	assert.Equal(t, "SELECT d.seq, d.plan, COALESCE(x.queue_id, '') FROM decisions d"+
		" LEFT JOIN dispatches x ON x.submission_id = d.submission_id"+
		" WHERE (d.accepted = ? AND (x.queue_id IS NOT NULL AND x.queue_id != '') AND d.plan = ? AND d.decided_at >= ?)"+
		" ORDER BY d.seq DESC LIMIT ?", sql)
	assert.Equal(t, []any{int64(1), "scan", "2025-01-01T00:00:00Z", 5}, params)
}

func TestCompileWithoutFilterOrLimit(t *testing.T) {
	sql, params, err := Compile(&queryir.Select{
		Columns: []queryir.Column{{Field: "id"}, {Field: "request_id"}},
		From:    queryir.Table{Name: "outcomes"},
		OrderBy: []queryir.Order{{Field: "id"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, request_id FROM outcomes ORDER BY id ASC", sql)
	assert.Empty(t, params)
}

func TestCompileOr(t *testing.T) {
	sql, params, err := Compile(queryir.Select{
		Columns: []queryir.Column{{Field: "seq"}},
		From:    queryir.Table{Name: "decisions"},
		Filter: queryir.Or{Predicates: []queryir.Predicate{
			queryir.Equals{Field: "submission_id", Value: ir.String("q-1")},
			queryir.Equals{Field: "request_id", Value: ir.String("q-1")},
		}},
		OrderBy: []queryir.Order{{Field: "seq", Desc: true}},
		Limit:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT seq FROM decisions WHERE (submission_id = ? OR request_id = ?) ORDER BY seq DESC LIMIT ?", sql)
	assert.Equal(t, []any{"q-1", "q-1", 1}, params)
}

func TestCompileEmptyJunctions(t *testing.T) {
	base := queryir.Select{
		Columns: []queryir.Column{{Field: "seq"}},
		From:    queryir.Table{Name: "decisions"},
		OrderBy: []queryir.Order{{Field: "seq"}},
	}

	base.Filter = queryir.And{}
	sql, _, err := Compile(base)
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE 1 = 1")

	base.Filter = queryir.Or{}
	sql, _, err = Compile(base)
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE 1 = 0")
}

func TestCompileRejectsInvalidQuery(t *testing.T) {
	_, _, err := Compile(queryir.Select{
		Columns: []queryir.Column{{Field: "seq"}},
		From:    queryir.Table{Name: "decisions"},
		Filter:  queryir.Equals{Field: "plan = plan OR 1", Value: ir.String("x")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an identifier")
	assert.Contains(t, err.Error(), "ORDER BY")
}

func TestValueToParam(t *testing.T) {
	tests := []struct {
		in   ir.Value
		want any
	}{
		{ir.String("a"), "a"},
		{ir.Int(3), int64(3)},
		{ir.Float(0.5), 0.5},
		{ir.Bool(false), int64(0)},
	}
	for _, tt := range tests {
		got, err := valueToParam(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := valueToParam(ir.Null{})
	assert.Error(t, err)
}
