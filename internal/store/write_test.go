package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/ir"
)

func TestRecordDecision_Accepted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	d := createTestDecision(1, "scan", testEpoch)
	if err := s.RecordDecision(ctx, d); err != nil {
		t.Fatalf("RecordDecision() failed: %v", err)
	}

	recs, err := s.ReadDecisions(ctx)
	if err != nil {
		t.Fatalf("ReadDecisions() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d decisions, want 1", len(recs))
	}
	got := recs[0]
	if got.SubmissionID != d.SubmissionID || got.Plan != "scan" || !got.Accepted {
		t.Errorf("decision = %+v", got)
	}
	if !got.DecidedAt.Equal(testEpoch) {
		t.Errorf("DecidedAt = %v, want %v", got.DecidedAt, testEpoch)
	}
	if got.QueueID != "" {
		t.Errorf("QueueID = %q before dispatch", got.QueueID)
	}
}

func TestRecordDecision_SeqTaken(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.RecordDecision(ctx, createTestDecision(1, "scan", testEpoch)); err != nil {
		t.Fatalf("RecordDecision() failed: %v", err)
	}
	other := createTestDecision(1, "count", testEpoch)
	other.SubmissionID, other.RequestID = "sub-other", "req-other"
	err := s.RecordDecision(ctx, other)
	if !errors.Is(err, gate.ErrSeqTaken) {
		t.Fatalf("RecordDecision() with a used seq = %v, want gate.ErrSeqTaken", err)
	}

	recs, _ := s.ReadDecisions(ctx)
	if len(recs) != 1 || recs[0].Plan != "scan" {
		t.Errorf("decisions = %+v, want only the first", recs)
	}
}

func TestRecordDecision_Rejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	d := createTestDecision(1, "scan", testEpoch)
	d.Accepted = false
	d.Code = ir.CodeStalePlanOrDevice
	d.Reason = `plan "scan" is no longer in the whitelist`
	if err := s.RecordDecision(ctx, d); err != nil {
		t.Fatalf("RecordDecision() failed: %v", err)
	}

	got, err := s.ReadDecision(ctx, d.SubmissionID)
	if err != nil {
		t.Fatalf("ReadDecision() failed: %v", err)
	}
	if got.Accepted || got.Code != ir.CodeStalePlanOrDevice || got.Reason != d.Reason {
		t.Errorf("decision = %+v", got)
	}
}

func TestRecordDispatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ok := createTestDecision(1, "scan", testEpoch)
	failed := createTestDecision(2, "count", testEpoch)
	if err := s.RecordDecision(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDecision(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDispatch(ctx, ok.SubmissionID, "q-1", nil); err != nil {
		t.Fatalf("RecordDispatch() failed: %v", err)
	}
	if err := s.RecordDispatch(ctx, failed.SubmissionID, "", errors.New("connection refused")); err != nil {
		t.Fatalf("RecordDispatch() failed: %v", err)
	}

	got, _ := s.ReadDecision(ctx, ok.SubmissionID)
	if got.QueueID != "q-1" || got.DispatchError != "" {
		t.Errorf("dispatched decision = %+v", got)
	}
	got, _ = s.ReadDecision(ctx, failed.SubmissionID)
	if got.QueueID != "" || got.DispatchError != "connection refused" {
		t.Errorf("failed decision = %+v", got)
	}
}

func TestRecordOutcome(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o := ir.Outcome{
		RequestID: "req-0001",
		Status:    ir.OutcomeNeedsClarification,
		Code:      ir.CodeMissingRequiredArgument,
		Message:   "which motor? (motor is required)",
		Plan:      "scan",
	}
	if err := s.RecordOutcome(ctx, "scan detector_a from 0 to 5 in 51 steps", o, testEpoch); err != nil {
		t.Fatalf("RecordOutcome() failed: %v", err)
	}
	// Second write for the same request is ignored.
	o.Message = "changed"
	if err := s.RecordOutcome(ctx, "other", o, testEpoch); err != nil {
		t.Fatalf("RecordOutcome() repeat failed: %v", err)
	}

	recs, err := s.ReadOutcomes(ctx, 0)
	if err != nil {
		t.Fatalf("ReadOutcomes() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(recs))
	}
	got := recs[0]
	if got.Utterance != "scan detector_a from 0 to 5 in 51 steps" || got.Message != "which motor? (motor is required)" {
		t.Errorf("outcome = %+v", got)
	}
	if got.Status != ir.OutcomeNeedsClarification || got.Code != ir.CodeMissingRequiredArgument {
		t.Errorf("outcome status = %s/%s", got.Status, got.Code)
	}

	data, err := s.ReadOutcomeJSON(ctx, "req-0001")
	if err != nil {
		t.Fatalf("ReadOutcomeJSON() failed: %v", err)
	}
	want := `{"request_id":"req-0001","status":"needs_clarification","code":"MISSING_REQUIRED_ARGUMENT","message":"which motor? (motor is required)","plan":"scan"}`
	if data != want {
		t.Errorf("outcome JSON =\n%s\nwant\n%s", data, want)
	}
}

func TestReadOutcomeJSON_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadOutcomeJSON(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
