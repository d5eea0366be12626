package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHealthTracker(start time.Time) (*HealthTracker, *time.Time) {
	current := start
	tracker := NewHealthTracker()
	tracker.now = func() time.Time { return current }
	return tracker, &current
}

func TestHealthTrackerInitialScore(t *testing.T) {
	tracker, _ := newTestHealthTracker(time.Now())
	require.Equal(t, 70, tracker.GetScore(0))
	require.True(t, tracker.IsUsable(0))
}

func TestHealthTrackerAdjustments(t *testing.T) {
	tracker, _ := newTestHealthTracker(time.Now())

	tracker.RecordSuccess(0)
	require.Equal(t, 71, tracker.GetScore(0))

	tracker.RecordRateLimit(0)
	require.Equal(t, 61, tracker.GetScore(0))

	tracker.RecordFailure(0)
	require.Equal(t, 41, tracker.GetScore(0))
	require.False(t, tracker.IsUsable(0))
}

func TestHealthTrackerScoreCapsAtMax(t *testing.T) {
	tracker, _ := newTestHealthTracker(time.Now())
	for i := 0; i < 50; i++ {
		tracker.RecordSuccess(0)
	}
	require.Equal(t, 100, tracker.GetScore(0))
}

func TestHealthTrackerScoreFloorsAtZero(t *testing.T) {
	tracker, _ := newTestHealthTracker(time.Now())
	for i := 0; i < 10; i++ {
		tracker.RecordFailure(0)
	}
	require.Equal(t, 0, tracker.GetScore(0))
}

func TestHealthTrackerPassiveRecovery(t *testing.T) {
	tracker, clock := newTestHealthTracker(time.Now())

	tracker.RecordFailure(0)
	tracker.RecordFailure(0)
	require.Equal(t, 30, tracker.GetScore(0))

	// Recovery is floor(hours)*2: 90 minutes earns one hour's worth.
	*clock = clock.Add(90 * time.Minute)
	require.Equal(t, 32, tracker.GetScore(0))

	*clock = clock.Add(10 * time.Hour)
	require.Equal(t, 52, tracker.GetScore(0))
	require.True(t, tracker.IsUsable(0))

	// Recovery never exceeds the cap.
	*clock = clock.Add(1000 * time.Hour)
	require.Equal(t, 100, tracker.GetScore(0))
}

func TestHealthTrackerRecoveryMaterialisedOnAdjust(t *testing.T) {
	tracker, clock := newTestHealthTracker(time.Now())

	tracker.RecordFailure(0) // 50
	*clock = clock.Add(2 * time.Hour)

	// 50 + 4 recovered + 1 success.
	tracker.RecordSuccess(0)
	require.Equal(t, 55, tracker.GetScore(0))
}

func TestHealthTrackerReset(t *testing.T) {
	tracker, _ := newTestHealthTracker(time.Now())
	tracker.RecordFailure(3)
	tracker.Reset(3)
	require.Equal(t, 70, tracker.GetScore(3))
}

func TestHealthTrackerIndependentAccounts(t *testing.T) {
	tracker, _ := newTestHealthTracker(time.Now())
	tracker.RecordFailure(0)
	require.Equal(t, 50, tracker.GetScore(0))
	require.Equal(t, 70, tracker.GetScore(1))
}
