package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/ir"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// scanArgs is a representative argument list covering every value kind.
func scanArgs() []ir.BoundArg {
	return []ir.BoundArg{
		{Name: "detectors", Kind: ir.KindDevices, Value: ir.List{ir.String("det_a")}},
		{Name: "motor", Kind: ir.KindDevice, Value: ir.String("motor_x")},
		{Name: "start", Kind: ir.KindNumber, Value: ir.Float(0), Unit: "mm"},
		{Name: "stop", Kind: ir.KindNumber, Value: ir.Float(5), Unit: "mm"},
		{Name: "num", Kind: ir.KindInteger, Value: ir.Int(51)},
	}
}

// createTestDecision creates an accepted decision with minimal required fields.
func createTestDecision(seq int64, plan string, at time.Time) gate.Decision {
	return gate.Decision{
		Seq:          seq,
		SubmissionID: fmt.Sprintf("sub-%04d", seq),
		RequestID:    fmt.Sprintf("req-%04d", seq),
		Plan:         plan,
		Args:         scanArgs(),
		Generation:   1,
		SchemaHash:   "test-hash",
		Accepted:     true,
		DecidedAt:    at,
	}
}
