package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/ir"
)

// RecordDecision inserts a gate decision. Implements gate.Auditor.
//
// A sequence number is never reused: when another writer of the same
// database already recorded it, the insert fails with gate.ErrSeqTaken
// and nothing is written.
func (s *Store) RecordDecision(ctx context.Context, d gate.Decision) error {
	argsJSON, err := marshalArgs(d.Args)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}

	accepted := 0
	if d.Accepted {
		accepted = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions
		(seq, submission_id, request_id, plan, args, generation, schema_hash, accepted, code, reason,
		 decided_at, engine_version, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.Seq,
		d.SubmissionID,
		d.RequestID,
		d.Plan,
		argsJSON,
		int64(d.Generation),
		d.SchemaHash,
		accepted,
		string(d.Code),
		d.Reason,
		formatTime(d.DecidedAt),
		ir.Version,
		ir.SchemaVersion,
	)
	if isPrimaryKeyConflict(err) {
		return fmt.Errorf("record decision %d: %w", d.Seq, gate.ErrSeqTaken)
	}
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func isPrimaryKeyConflict(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// RecordDispatch stores the queue id or dispatch error of an accepted
// decision. Implements gate.Auditor.
//
// Note: The decision referenced by submissionID must exist (foreign key constraint).
func (s *Store) RecordDispatch(ctx context.Context, submissionID, queueID string, dispatchErr error) error {
	errText := ""
	if dispatchErr != nil {
		errText = dispatchErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatches (submission_id, queue_id, error)
		VALUES (?, ?, ?)
		ON CONFLICT(submission_id) DO NOTHING
	`, submissionID, queueID, errText)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// RecordOutcome stores one pipeline outcome with the text that produced
// it. Uses ON CONFLICT(request_id) DO NOTHING - each request has exactly
// one outcome.
func (s *Store) RecordOutcome(ctx context.Context, utterance string, o ir.Outcome, at time.Time) error {
	outcomeJSON, err := marshalOutcome(o)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outcomes
		(request_id, utterance, status, code, message, plan, queue_id, submission_id, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`,
		o.RequestID,
		utterance,
		string(o.Status),
		string(o.Code),
		o.Message,
		o.Plan,
		o.QueueID,
		o.SubmissionID,
		outcomeJSON,
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}
