package service

import (
	"sync"
	"time"
)

// Health scoring parameters. Scores live in [0, healthMaxScore]; accounts
// below healthMinUsable are excluded from hybrid selection.
const (
	healthInitialScore = 70
	healthMaxScore     = 100
	healthMinUsable    = 50

	healthSuccessReward    = 1
	healthRateLimitPenalty = 10
	healthFailurePenalty   = 20

	// Points recovered per full hour without activity.
	healthRecoveryPerHour = 2
)

type healthState struct {
	score     int
	updatedAt time.Time
}

// HealthTracker keeps a per-account quality score. Scores decay upward over
// idle time so a penalised account eventually becomes eligible again without
// explicit intervention. State is in-memory only; a restart resets every
// account to the initial score.
type HealthTracker struct {
	mu     sync.Mutex
	states map[int]*healthState
	now    func() time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		states: make(map[int]*healthState),
		now:    time.Now,
	}
}

// GetScore returns the current score for the account, applying passive
// recovery: floor(hoursSinceUpdate * healthRecoveryPerHour) points, capped
// at healthMaxScore. The stored state is not mutated.
func (t *HealthTracker) GetScore(index int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scoreLocked(index)
}

func (t *HealthTracker) scoreLocked(index int) int {
	state, ok := t.states[index]
	if !ok {
		return healthInitialScore
	}
	hours := int(t.now().Sub(state.updatedAt).Hours())
	if hours <= 0 {
		return state.score
	}
	score := state.score + hours*healthRecoveryPerHour
	if score > healthMaxScore {
		score = healthMaxScore
	}
	return score
}

// RecordSuccess rewards a completed request.
func (t *HealthTracker) RecordSuccess(index int) {
	t.adjust(index, healthSuccessReward)
}

// RecordRateLimit penalises a quota or rate-limit rejection.
func (t *HealthTracker) RecordRateLimit(index int) {
	t.adjust(index, -healthRateLimitPenalty)
}

// RecordFailure penalises a server error or unclassified failure.
func (t *HealthTracker) RecordFailure(index int) {
	t.adjust(index, -healthFailurePenalty)
}

func (t *HealthTracker) adjust(index, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Materialise recovery before applying the delta, so idle time earned
	// so far is not lost when the timestamp resets.
	score := t.scoreLocked(index) + delta
	if score > healthMaxScore {
		score = healthMaxScore
	}
	if score < 0 {
		score = 0
	}
	t.states[index] = &healthState{score: score, updatedAt: t.now()}
}

// IsUsable reports whether the account clears the minimum score for hybrid
// selection.
func (t *HealthTracker) IsUsable(index int) bool {
	return t.GetScore(index) >= healthMinUsable
}

// Reset restores the account to the initial score. Used when credentials
// are re-added.
func (t *HealthTracker) Reset(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, index)
}
