package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() ReviewPolicy {
	return ReviewPolicy{
		PromoteMinTrades:  20,
		PromoteMinScore:   1.0,
		PromoteMinWinRate: 0.55,
		DemoteBelowScore:  -0.25,
		RetireAfterFails:  3,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(0.10)
	require.NoError(t, r.Register(Strategy{ID: "alpha", Name: "Alpha", Kind: "breakout"}))
	require.NoError(t, r.Register(Strategy{ID: "beta", Name: "Beta", Kind: "funding-carry"}))
	return r
}

func TestRegister_DuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(Strategy{ID: "alpha", Name: "Alpha Again", Kind: "breakout"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateStrategy))
}

func TestRegister_DefaultsToIncubating(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusIncubating, s.Status)
	assert.Zero(t, s.Weight)
	assert.False(t, s.InceptionTime.IsZero())
}

func TestRegister_ClampsIncubatingWeightToCap(t *testing.T) {
	r := NewRegistry(0.10)
	require.NoError(t, r.Register(Strategy{ID: "greedy", Name: "Greedy", Kind: "breakout", Weight: 0.9}))
	s, err := r.Get("greedy")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, s.Weight, 1e-12)
}

func TestTransition_InvalidEdgeReturnsTypedError(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Transition("alpha", StatusPaused)
	require.Error(t, err)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "alpha", te.StrategyID)
	assert.Equal(t, StatusIncubating, te.From)
	assert.Equal(t, StatusPaused, te.To)
}

func TestTransition_UnknownStrategy(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Transition("ghost", StatusActive)
	assert.True(t, errors.Is(err, ErrUnknownStrategy))
}

func TestTransition_LeavingAllocatableSetZeroesWeight(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.SetWeight("alpha", 0.6))

	require.NoError(t, r.Transition("alpha", StatusPaused))
	s, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, s.Status)
	assert.Zero(t, s.Weight, "paused strategy must not hold a stale allocation")

	// Reinstated strategies rejoin the budget empty-handed
	require.NoError(t, r.Transition("alpha", StatusActive))
	s, _ = r.Get("alpha")
	assert.Zero(t, s.Weight)
}

func TestSetWeight_EnforcesBudget(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.Transition("beta", StatusActive))

	require.NoError(t, r.SetWeight("alpha", 0.7))
	err := r.SetWeight("beta", 0.4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWeightBudget))

	// The failed assignment must not have moved anything
	s, _ := r.Get("beta")
	assert.Zero(t, s.Weight)
	assert.InDelta(t, 0.7, r.TotalAllocated(), 1e-12)
}

func TestSetWeight_IncubatingClampsToCap(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.SetWeight("alpha", 0.5))
	s, _ := r.Get("alpha")
	assert.InDelta(t, 0.10, s.Weight, 1e-12)
}

func TestSetWeight_RejectsPausedAndRetired(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.Transition("alpha", StatusPaused))
	require.Error(t, r.SetWeight("alpha", 0.2))

	require.NoError(t, r.Transition("alpha", StatusRetired))
	require.Error(t, r.SetWeight("alpha", 0.2))
}

func TestApplyWeights_AllOrNothing(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.Transition("beta", StatusActive))

	err := r.ApplyWeights(map[string]float64{"alpha": 0.8, "beta": 0.4})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWeightBudget))
	assert.Zero(t, r.TotalAllocated(), "failed bulk assignment must leave weights untouched")

	require.NoError(t, r.ApplyWeights(map[string]float64{"alpha": 0.6, "beta": 0.3}))
	assert.InDelta(t, 0.9, r.TotalAllocated(), 1e-12)
}

func TestApplyWeights_CountsUnassignedAllocatableWeight(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.Transition("beta", StatusActive))
	require.NoError(t, r.SetWeight("beta", 0.5))

	// beta keeps its 0.5, so alpha can take at most 0.5
	err := r.ApplyWeights(map[string]float64{"alpha": 0.6})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWeightBudget))
}

func TestReview_PromotesIncubatingMeetingThresholds(t *testing.T) {
	r := newTestRegistry(t)
	res, err := r.Review("alpha", ReviewStats{TradeCount: 20, Score: 1.2, WinRate: 0.62}, testPolicy())
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, StatusIncubating, res.From)
	assert.Equal(t, StatusActive, res.To)

	s, _ := r.Get("alpha")
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, 20, s.TradeCount)
}

func TestReview_HoldsIncubatingBelowThresholds(t *testing.T) {
	tests := []struct {
		name  string
		stats ReviewStats
	}{
		{"too few trades", ReviewStats{TradeCount: 19, Score: 1.2, WinRate: 0.62}},
		{"score too low", ReviewStats{TradeCount: 20, Score: 0.9, WinRate: 0.62}},
		{"win rate too low", ReviewStats{TradeCount: 20, Score: 1.2, WinRate: 0.54}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			res, err := r.Review("alpha", tt.stats, testPolicy())
			require.NoError(t, err)
			assert.False(t, res.Changed)
			s, _ := r.Get("alpha")
			assert.Equal(t, StatusIncubating, s.Status)
		})
	}
}

func TestReview_DemotesActiveOnNegativeScore(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.SetWeight("alpha", 0.4))

	res, err := r.Review("alpha", ReviewStats{TradeCount: 30, Score: -0.3, WinRate: 0.40}, testPolicy())
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, StatusPaused, res.To)

	s, _ := r.Get("alpha")
	assert.Equal(t, StatusPaused, s.Status)
	assert.Zero(t, s.Weight)
}

func TestReview_ReinstatesRecoveredPaused(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.Transition("alpha", StatusPaused))

	res, err := r.Review("alpha", ReviewStats{TradeCount: 40, Score: 1.1, WinRate: 0.58}, testPolicy())
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, StatusActive, res.To)
}

func TestReview_RetiresPausedAfterRepeatedFailures(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.Transition("alpha", StatusPaused))

	bad := ReviewStats{TradeCount: 40, Score: -0.5, WinRate: 0.30}
	for i := 0; i < 2; i++ {
		res, err := r.Review("alpha", bad, testPolicy())
		require.NoError(t, err)
		assert.False(t, res.Changed, "review %d should not retire yet", i+1)
	}

	res, err := r.Review("alpha", bad, testPolicy())
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, StatusRetired, res.To)

	s, _ := r.Get("alpha")
	assert.Equal(t, StatusRetired, s.Status)
}

func TestReview_RecoveryResetsFailureStreak(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.Transition("alpha", StatusPaused))

	bad := ReviewStats{TradeCount: 40, Score: -0.5, WinRate: 0.30}
	good := ReviewStats{TradeCount: 45, Score: 1.2, WinRate: 0.60}

	_, err := r.Review("alpha", bad, testPolicy())
	require.NoError(t, err)
	_, err = r.Review("alpha", bad, testPolicy())
	require.NoError(t, err)
	_, err = r.Review("alpha", good, testPolicy())
	require.NoError(t, err)

	// Demote again; the old streak must not carry over
	_, err = r.Review("alpha", ReviewStats{TradeCount: 50, Score: -0.4, WinRate: 0.35}, testPolicy())
	require.NoError(t, err)
	res, err := r.Review("alpha", bad, testPolicy())
	require.NoError(t, err)
	assert.False(t, res.Changed)
	s, _ := r.Get("alpha")
	assert.Equal(t, StatusPaused, s.Status)
}

func TestAll_DeterministicOrder(t *testing.T) {
	r := NewRegistry(0.10)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Register(Strategy{ID: "c", Name: "C", Kind: "x", InceptionTime: t0.Add(time.Hour)}))
	require.NoError(t, r.Register(Strategy{ID: "b", Name: "B", Kind: "x", InceptionTime: t0}))
	require.NoError(t, r.Register(Strategy{ID: "a", Name: "A", Kind: "x", InceptionTime: t0}))

	ids := r.IDs()
	assert.Equal(t, []string{"a", "b", "c"}, ids, "inception time first, ID as tiebreak")
}

func TestAllocatable_ExcludesPausedAndRetired(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Transition("alpha", StatusActive))
	require.NoError(t, r.Transition("alpha", StatusPaused))

	allocatable := r.Allocatable()
	require.Len(t, allocatable, 1)
	assert.Equal(t, "beta", allocatable[0].ID)
}

func TestRestore_ReplacesContents(t *testing.T) {
	r := newTestRegistry(t)
	snapshot := []Strategy{
		{ID: "gamma", Name: "Gamma", Kind: "mean-reversion", Status: StatusActive, Weight: 0.5, InceptionTime: time.Now(), TradeCount: 12},
	}
	r.Restore(snapshot, map[string]int{"gamma": 2})

	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Has("alpha"))
	s, err := r.Get("gamma")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, 12, s.TradeCount)
	assert.InDelta(t, 0.5, s.Weight, 1e-12)
	assert.Equal(t, map[string]int{"gamma": 2}, r.FailedReviews())
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Get("alpha")
	require.NoError(t, err)
	s.Weight = 0.99
	s.Status = StatusRetired

	fresh, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusIncubating, fresh.Status)
	assert.Zero(t, fresh.Weight)
}
