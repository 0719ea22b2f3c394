package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/queryir"
	"github.com/roach88/baitchat/internal/querysql"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DecisionRecord is a stored gate decision joined with its dispatch result.
type DecisionRecord struct {
	Seq           int64         `json:"seq"`
	SubmissionID  string        `json:"submission_id"`
	RequestID     string        `json:"request_id"`
	Plan          string        `json:"plan"`
	Args          []ir.BoundArg `json:"args"`
	Generation    uint64        `json:"generation"`
	SchemaHash    string        `json:"schema_hash"`
	Accepted      bool          `json:"accepted"`
	Code          ir.ErrorCode  `json:"code,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	DecidedAt     time.Time     `json:"decided_at"`
	QueueID       string        `json:"queue_id,omitempty"`
	DispatchError string        `json:"dispatch_error,omitempty"`
}

// OutcomeRecord is a stored pipeline outcome.
type OutcomeRecord struct {
	ID           int64            `json:"id"`
	RequestID    string           `json:"request_id"`
	Utterance    string           `json:"utterance"`
	Status       ir.OutcomeStatus `json:"status"`
	Code         ir.ErrorCode     `json:"code,omitempty"`
	Message      string           `json:"message"`
	Plan         string           `json:"plan,omitempty"`
	QueueID      string           `json:"queue_id,omitempty"`
	SubmissionID string           `json:"submission_id,omitempty"`
	RecordedAt   time.Time        `json:"recorded_at"`
}

// RunFilter narrows run history queries. Zero fields do not filter.
type RunFilter struct {
	Plan  string
	Since time.Time
	Until time.Time // exclusive
	Limit int
}

// decisionsQuery selects decisions joined with their dispatch result.
// Callers add the filter, order and limit.
func decisionsQuery() queryir.Select {
	cols := []string{
		"d.seq", "d.submission_id", "d.request_id", "d.plan", "d.args", "d.generation", "d.schema_hash",
		"d.accepted", "d.code", "d.reason", "d.decided_at",
	}
	q := queryir.Select{
		From: queryir.Table{Name: "decisions", Alias: "d"},
		Joins: []queryir.Join{{
			Table: queryir.Table{Name: "dispatches", Alias: "x"},
			On:    queryir.FieldEquals{Left: "x.submission_id", Right: "d.submission_id"},
		}},
		OrderBy: []queryir.Order{{Field: "d.seq"}},
	}
	for _, c := range cols {
		q.Columns = append(q.Columns, queryir.Column{Field: c})
	}
	q.Columns = append(q.Columns,
		queryir.Column{Field: "x.queue_id", Coalesce: true},
		queryir.Column{Field: "x.error", Coalesce: true},
	)
	return q
}

// dispatchedRuns matches accepted decisions the queue server took.
func dispatchedRuns(more ...queryir.Predicate) queryir.Predicate {
	return queryir.And{Predicates: append([]queryir.Predicate{
		queryir.Equals{Field: "d.accepted", Value: ir.Bool(true)},
		queryir.NotEmpty{Field: "x.queue_id"},
	}, more...)}
}

var newestFirst = []queryir.Order{{Field: "d.seq", Desc: true}}

// LastSeq returns the highest decision sequence number, or 0 for an empty
// log. The gate's clock resumes from it.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM decisions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// ReadDecisions returns every decision, oldest first.
func (s *Store) ReadDecisions(ctx context.Context) ([]DecisionRecord, error) {
	return s.queryDecisions(ctx, decisionsQuery())
}

// ReadDecision returns the decision with the given submission id.
// Returns ErrNotFound if there is none.
func (s *Store) ReadDecision(ctx context.Context, submissionID string) (DecisionRecord, error) {
	q := decisionsQuery()
	q.Filter = queryir.Equals{Field: "d.submission_id", Value: ir.String(submissionID)}
	recs, err := s.queryDecisions(ctx, q)
	if err != nil {
		return DecisionRecord{}, err
	}
	if len(recs) == 0 {
		return DecisionRecord{}, fmt.Errorf("decision %s: %w", submissionID, ErrNotFound)
	}
	return recs[0], nil
}

// Runs returns accepted, successfully dispatched decisions, newest first.
func (s *Store) Runs(ctx context.Context, f RunFilter) ([]DecisionRecord, error) {
	var preds []queryir.Predicate
	if f.Plan != "" {
		preds = append(preds, queryir.Equals{Field: "d.plan", Value: ir.String(f.Plan)})
	}
	if !f.Since.IsZero() {
		preds = append(preds, queryir.Compare{Field: "d.decided_at", Op: queryir.OpGreaterEqual, Value: ir.String(formatTime(f.Since))})
	}
	if !f.Until.IsZero() {
		preds = append(preds, queryir.Compare{Field: "d.decided_at", Op: queryir.OpLess, Value: ir.String(formatTime(f.Until))})
	}
	q := decisionsQuery()
	q.Filter = dispatchedRuns(preds...)
	q.OrderBy = newestFirst
	q.Limit = max(f.Limit, 0)
	return s.queryDecisions(ctx, q)
}

// LastRun returns the most recent dispatched run, optionally of one plan.
// Returns ErrNotFound if there is none.
func (s *Store) LastRun(ctx context.Context, plan string) (DecisionRecord, error) {
	runs, err := s.Runs(ctx, RunFilter{Plan: plan, Limit: 1})
	if err != nil {
		return DecisionRecord{}, err
	}
	if len(runs) == 0 {
		return DecisionRecord{}, fmt.Errorf("last run: %w", ErrNotFound)
	}
	return runs[0], nil
}

// RunByID finds a dispatched run by queue id, submission id or request id.
// Returns ErrNotFound if there is none.
func (s *Store) RunByID(ctx context.Context, id string) (DecisionRecord, error) {
	q := decisionsQuery()
	q.Filter = dispatchedRuns(queryir.Or{Predicates: []queryir.Predicate{
		queryir.Equals{Field: "x.queue_id", Value: ir.String(id)},
		queryir.Equals{Field: "d.submission_id", Value: ir.String(id)},
		queryir.Equals{Field: "d.request_id", Value: ir.String(id)},
	}})
	q.OrderBy = newestFirst
	q.Limit = 1
	recs, err := s.queryDecisions(ctx, q)
	if err != nil {
		return DecisionRecord{}, err
	}
	if len(recs) == 0 {
		return DecisionRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

func (s *Store) queryDecisions(ctx context.Context, q queryir.Select) ([]DecisionRecord, error) {
	query, args, err := querysql.Compile(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	recs := []DecisionRecord{}
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return recs, nil
}

func scanDecision(rows *sql.Rows) (DecisionRecord, error) {
	var (
		rec        DecisionRecord
		argsJSON   string
		generation int64
		accepted   int
		code       string
		decidedAt  string
	)
	err := rows.Scan(
		&rec.Seq, &rec.SubmissionID, &rec.RequestID, &rec.Plan, &argsJSON, &generation, &rec.SchemaHash,
		&accepted, &code, &rec.Reason, &decidedAt,
		&rec.QueueID, &rec.DispatchError,
	)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("scan decision: %w", err)
	}

	rec.Args, err = unmarshalArgs(argsJSON)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("decision %d: %w", rec.Seq, err)
	}
	rec.DecidedAt, err = parseTime(decidedAt)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("decision %d: %w", rec.Seq, err)
	}
	rec.Generation = uint64(generation)
	rec.Accepted = accepted == 1
	rec.Code = ir.ErrorCode(code)
	return rec, nil
}

// ReadOutcomes returns the most recent outcomes, newest first. limit <= 0
// returns all of them.
func (s *Store) ReadOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	q := queryir.Select{
		From:    queryir.Table{Name: "outcomes"},
		OrderBy: []queryir.Order{{Field: "id", Desc: true}},
		Limit:   max(limit, 0),
	}
	for _, c := range []string{"id", "request_id", "utterance", "status", "code", "message", "plan", "queue_id", "submission_id", "recorded_at"} {
		q.Columns = append(q.Columns, queryir.Column{Field: c})
	}
	query, args, err := querysql.Compile(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	recs := []OutcomeRecord{}
	for rows.Next() {
		var (
			rec        OutcomeRecord
			status     string
			code       string
			recordedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Utterance, &status, &code, &rec.Message,
			&rec.Plan, &rec.QueueID, &rec.SubmissionID, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		rec.Status = ir.OutcomeStatus(status)
		rec.Code = ir.ErrorCode(code)
		if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("outcome %s: %w", rec.RequestID, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return recs, nil
}

// ReadOutcomeJSON returns the full stored Outcome JSON for a request.
// Returns ErrNotFound if there is none.
func (s *Store) ReadOutcomeJSON(ctx context.Context, requestID string) (string, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT outcome FROM outcomes WHERE request_id = ?`, requestID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("outcome %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read outcome: %w", err)
	}
	return data, nil
}
