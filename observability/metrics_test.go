package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordApply(t *testing.T) {
	RecordApply("command", "ok", 0.001)
	count := testutil.ToFloat64(applyTotal.WithLabelValues("command", "ok"))
	assert.Greater(t, count, 0.0)
}

func TestSetActiveServices(t *testing.T) {
	SetActiveServices(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(activeServices))
}

func TestRecordCanDeleteCheck(t *testing.T) {
	before := testutil.ToFloat64(canDeleteChecksTotal)
	RecordCanDeleteCheck()
	after := testutil.ToFloat64(canDeleteChecksTotal)
	assert.Equal(t, before+1, after)
}

func TestRecordSnapshotAndRestore(t *testing.T) {
	RecordSnapshot(0.05)
	RecordRestore(0.02)
}
