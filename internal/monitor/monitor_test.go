package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/ew/internal/chain"
)

func TestReportCursorUpdatesSnapshot(t *testing.T) {
	m := New()
	m.ReportCursor("main", 5)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "main", snap[0].Name)
	assert.Equal(t, chain.Height(5), snap[0].Height)
	assert.False(t, snap[0].Dropped)
}

func TestReportRollbackIncrementsCount(t *testing.T) {
	m := New()
	m.ReportCursor("main", 5)
	m.ReportRollback("main", 5)
	m.ReportRollback("main", 4)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].RollbackCount)
}

func TestReportCursorDroppedMarksExistingCursor(t *testing.T) {
	m := New()
	m.ReportCursor("lagging", 3)
	m.ReportCursorDropped("lagging")

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Dropped)
}

func TestReportCursorDroppedOnUnknownCursorIsNoop(t *testing.T) {
	m := New()
	m.ReportCursorDropped("never-seen")
	assert.Empty(t, m.Snapshot())
}
