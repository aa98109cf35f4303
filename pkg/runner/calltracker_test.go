package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewrun/crewd/pkg/agent"
	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/models"
)

func trackerFixture(t *testing.T, preventDuplicate bool) (*CallTracker, *CancelToken) {
	t.Helper()
	hierarchy := &config.HierarchyConfig{
		ID: "h1",
		Teams: []config.TeamConfig{
			{Name: "research", PreventDuplicate: preventDuplicate},
			{Name: "writing"},
		},
	}
	token := NewCancelToken()
	return NewCallTracker(hierarchy, token), token
}

func TestTaskFingerprintNormalization(t *testing.T) {
	base := TaskFingerprint("Summarize the Q3 report")

	assert.Equal(t, base, TaskFingerprint("  summarize   the q3\treport "))
	assert.Equal(t, base, TaskFingerprint("SUMMARIZE THE Q3 REPORT"))
	assert.NotEqual(t, base, TaskFingerprint("summarize the q4 report"))
}

func TestCallTrackerDuplicateBlocked(t *testing.T) {
	tracker, _ := trackerFixture(t, true)

	first, duplicate, err := tracker.Open("research", "analyst", "find revenue numbers")
	require.NoError(t, err)
	assert.False(t, duplicate)
	tracker.Close(first, models.CallStatusCompleted, "42")

	// Same normalized task in the same team is blocked, even mid-flight.
	_, duplicate, err = tracker.Open("research", "analyst", "  Find   Revenue NUMBERS ")
	require.NoError(t, err)
	assert.True(t, duplicate)

	calls := tracker.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, models.CallStatusCompleted, calls[0].Status)
	assert.Equal(t, models.CallStatusDuplicateBlocked, calls[1].Status)
	assert.NotNil(t, calls[1].EndTime)
}

func TestCallTrackerDuplicateBlocksInProgress(t *testing.T) {
	tracker, _ := trackerFixture(t, true)

	_, duplicate, err := tracker.Open("research", "analyst", "find revenue numbers")
	require.NoError(t, err)
	require.False(t, duplicate)

	_, duplicate, err = tracker.Open("research", "analyst", "find revenue numbers")
	require.NoError(t, err)
	assert.True(t, duplicate, "an in-progress equivalent call must block")
}

func TestCallTrackerRetryAfterFailure(t *testing.T) {
	tracker, _ := trackerFixture(t, true)

	first, duplicate, err := tracker.Open("research", "analyst", "fetch the dataset")
	require.NoError(t, err)
	require.False(t, duplicate)
	tracker.Close(first, models.CallStatusFailed, "")

	_, duplicate, err = tracker.Open("research", "analyst", "fetch the dataset")
	require.NoError(t, err)
	assert.False(t, duplicate, "a failed attempt must not block a retry")
}

func TestCallTrackerNoBlockingWhenDisabled(t *testing.T) {
	tracker, _ := trackerFixture(t, false)

	_, duplicate, err := tracker.Open("research", "analyst", "same task")
	require.NoError(t, err)
	assert.False(t, duplicate)

	_, duplicate, err = tracker.Open("research", "analyst", "same task")
	require.NoError(t, err)
	assert.False(t, duplicate)
}

func TestCallTrackerTeamLevelNeverBlocked(t *testing.T) {
	tracker, _ := trackerFixture(t, true)

	_, duplicate, err := tracker.Open("research", "", "investigate outage")
	require.NoError(t, err)
	assert.False(t, duplicate)

	_, duplicate, err = tracker.Open("research", "", "investigate outage")
	require.NoError(t, err)
	assert.False(t, duplicate, "team dispatch is recorded but never deduplicated")
}

func TestCallTrackerScopedPerTeam(t *testing.T) {
	tracker, _ := trackerFixture(t, true)

	_, duplicate, err := tracker.Open("research", "analyst", "shared task")
	require.NoError(t, err)
	require.False(t, duplicate)

	// writing has no prevent_duplicate, and fingerprints are per-team anyway.
	_, duplicate, err = tracker.Open("writing", "editor", "shared task")
	require.NoError(t, err)
	assert.False(t, duplicate)
}

func TestCallTrackerOpenAfterCancel(t *testing.T) {
	tracker, token := trackerFixture(t, false)
	token.Cancel()

	_, _, err := tracker.Open("research", "analyst", "anything")
	assert.ErrorIs(t, err, agent.ErrRunCancelled)
}

func TestCallTrackerStatistics(t *testing.T) {
	tracker, _ := trackerFixture(t, true)

	teamCall, _, err := tracker.Open("research", "", "investigate")
	require.NoError(t, err)
	workerCall, _, err := tracker.Open("research", "analyst", "dig into logs")
	require.NoError(t, err)
	_, duplicate, err := tracker.Open("research", "analyst", "dig into logs")
	require.NoError(t, err)
	require.True(t, duplicate)
	failedCall, _, err := tracker.Open("writing", "editor", "draft summary")
	require.NoError(t, err)

	tracker.Close(workerCall, models.CallStatusCompleted, "done")
	tracker.Close(failedCall, models.CallStatusFailed, "")
	tracker.Close(teamCall, models.CallStatusCompleted, "team done")

	stats := tracker.Statistics()
	assert.Equal(t, 4, stats.TotalCalls)
	assert.Equal(t, 2, stats.CompletedCalls)
	assert.Equal(t, 1, stats.BlockedCalls)
	assert.Equal(t, 1, stats.FailedCalls)

	// Worker dispatches never roll up into their team's count.
	assert.Equal(t, 1, stats.ByTeam["research"])
	assert.NotContains(t, stats.ByTeam, "writing")
	assert.Equal(t, 2, stats.ByWorker["analyst"])
	assert.Equal(t, 1, stats.ByWorker["editor"])
}

func TestCallTrackerStatisticsTeamWorkerSplit(t *testing.T) {
	tracker, _ := trackerFixture(t, false)

	teamCall, _, err := tracker.Open("research", "", "investigate outage")
	require.NoError(t, err)
	workerCall, _, err := tracker.Open("research", "analyst", "check the logs")
	require.NoError(t, err)
	tracker.Close(workerCall, models.CallStatusCompleted, "clean")
	tracker.Close(teamCall, models.CallStatusCompleted, "no outage")

	stats := tracker.Statistics()
	assert.Equal(t, 1, stats.ByTeam["research"])
	assert.Equal(t, 1, stats.ByWorker["analyst"])
}

func TestCallTrackerCloseOpen(t *testing.T) {
	tracker, _ := trackerFixture(t, false)

	done, _, err := tracker.Open("research", "analyst", "task one")
	require.NoError(t, err)
	tracker.Close(done, models.CallStatusCompleted, "finished")

	_, _, err = tracker.Open("research", "analyst", "task two")
	require.NoError(t, err)

	tracker.CloseOpen(models.CallStatusCancelled)

	calls := tracker.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, models.CallStatusCompleted, calls[0].Status, "settled calls are untouched")
	assert.Equal(t, models.CallStatusCancelled, calls[1].Status)
}
