package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanSchema() PlanSchema {
	lo, hi := 1.0, 10000.0
	return PlanSchema{
		Name:        "scan",
		Description: "step scan",
		Aliases:     []string{"line scan"},
		Parameters: []ParameterSpec{
			{Name: "detectors", Kind: KindDevices, Required: true, Category: CategoryDetector},
			{Name: "motor", Kind: KindDevice, Required: true, Category: CategoryMotor},
			{Name: "start", Kind: KindNumber, Required: true, Unit: "mm", LimitsFrom: "motor"},
			{Name: "stop", Kind: KindNumber, Required: true, Unit: "mm", LimitsFrom: "motor"},
			{Name: "num", Kind: KindInteger, Required: true, Min: &lo, Max: &hi},
		},
	}
}

func TestSchemaHashDeterministic(t *testing.T) {
	a, err := SchemaHash(scanSchema())
	require.NoError(t, err)
	b, err := SchemaHash(scanSchema())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSchemaHashIgnoresPresentation(t *testing.T) {
	base := MustSchemaHash(scanSchema())

	changed := scanSchema()
	changed.Description = "something else"
	changed.Aliases = []string{"ascan"}
	assert.Equal(t, base, MustSchemaHash(changed))
}

func TestSchemaHashTracksSignature(t *testing.T) {
	base := MustSchemaHash(scanSchema())

	changed := scanSchema()
	hi := 500.0
	changed.Parameters[4].Max = &hi
	assert.NotEqual(t, base, MustSchemaHash(changed))

	reordered := scanSchema()
	reordered.Parameters[2], reordered.Parameters[3] = reordered.Parameters[3], reordered.Parameters[2]
	assert.NotEqual(t, base, MustSchemaHash(reordered))
}

func TestSnapshotFingerprint(t *testing.T) {
	devices := []DeviceRef{{ID: "motor_x", Category: CategoryMotor, Limits: &Limits{Low: -10, High: 10}}}

	a, err := SnapshotFingerprint([]PlanSchema{scanSchema()}, devices)
	require.NoError(t, err)

	devices[0].Limits = &Limits{Low: -5, High: 5}
	b, err := SnapshotFingerprint([]PlanSchema{scanSchema()}, devices)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSubmissionIDDependsOnSeq(t *testing.T) {
	args := Object{"num": Int(11)}
	a, err := SubmissionID("req-1", "count", args, 1)
	require.NoError(t, err)
	b, err := SubmissionID("req-1", "count", args, 2)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain(DomainSchema, data), hashWithDomain(DomainSubmission, data))
}
