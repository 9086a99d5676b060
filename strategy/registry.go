package strategy

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateStrategy strategy ID already registered
var ErrDuplicateStrategy = errors.New("strategy already registered")

// ErrUnknownStrategy strategy ID not registered
var ErrUnknownStrategy = errors.New("strategy does not exist")

// ErrWeightBudget assignment would push the allocatable total above 1.0
var ErrWeightBudget = errors.New("allocation weight budget exceeded")

const weightEpsilon = 1e-9

// ReviewStats rolling statistics for one strategy, fed into Review
type ReviewStats struct {
	TradeCount int
	Score      float64
	WinRate    float64
}

// ReviewPolicy promotion/demotion thresholds
type ReviewPolicy struct {
	PromoteMinTrades  int
	PromoteMinScore   float64
	PromoteMinWinRate float64
	DemoteBelowScore  float64 // negative
	RetireAfterFails  int     // failed reviews while PAUSED before retirement
}

// ReviewResult what a periodic review did to one strategy
type ReviewResult struct {
	StrategyID string `json:"strategy_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Changed    bool   `json:"changed"`
	Reason     string `json:"reason"`
}

// Registry owns the canonical strategy set and its lifecycle state
type Registry struct {
	strategies    map[string]*Strategy // key: strategy ID
	failedReviews map[string]int
	incubationCap float64
	mu            sync.RWMutex
}

// NewRegistry creates a strategy registry
func NewRegistry(incubationCap float64) *Registry {
	return &Registry{
		strategies:    make(map[string]*Strategy),
		failedReviews: make(map[string]int),
		incubationCap: incubationCap,
	}
}

// Register adds a strategy. New strategies start INCUBATING with zero weight
// until the first rebalance assigns them a capped trial allocation.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		return fmt.Errorf("strategy ID cannot be empty")
	}
	if _, exists := r.strategies[s.ID]; exists {
		return fmt.Errorf("strategy ID '%s': %w", s.ID, ErrDuplicateStrategy)
	}
	if s.Status == "" {
		s.Status = StatusIncubating
	}
	if _, ok := ValidTransitions[s.Status]; !ok {
		return fmt.Errorf("strategy ID '%s': unknown status '%s'", s.ID, s.Status)
	}
	if s.InceptionTime.IsZero() {
		s.InceptionTime = time.Now()
	}
	clamped := r.clampForStatus(s.Status, s.Weight)
	if err := r.checkBudgetLocked(s.ID, s.Status, clamped); err != nil {
		return err
	}
	s.Weight = clamped

	stored := s
	r.strategies[s.ID] = &stored
	log.Printf("✓ Strategy '%s' (%s) registered: %s, weight %.4f", s.Name, s.Kind, s.Status, s.Weight)
	return nil
}

// Has reports whether ID is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.strategies[id]
	return exists
}

// Get gets a copy of the strategy with the given ID
func (r *Registry) Get(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.strategies[id]
	if !exists {
		return Strategy{}, fmt.Errorf("strategy ID '%s': %w", id, ErrUnknownStrategy)
	}
	return *s, nil
}

// All returns copies of every strategy, ordered by inception time then ID so
// repeated reads produce identical output.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].InceptionTime.Equal(result[j].InceptionTime) {
			return result[i].InceptionTime.Before(result[j].InceptionTime)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Allocatable returns ACTIVE and INCUBATING strategies in deterministic order
func (r *Registry) Allocatable() []Strategy {
	all := r.All()
	result := make([]Strategy, 0, len(all))
	for _, s := range all {
		if IsAllocatable(s.Status) {
			result = append(result, s)
		}
	}
	return result
}

// IDs gets all strategy IDs
func (r *Registry) IDs() []string {
	all := r.All()
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	return ids
}

// Len returns the number of registered strategies
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}

// Transition moves a strategy along a lifecycle edge. Leaving the allocatable
// set zeroes the weight so a later reinstatement cannot resurrect a stale
// allocation and silently blow the budget.
func (r *Registry) Transition(id, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(id, to)
}

func (r *Registry) transitionLocked(id, to string) error {
	s, exists := r.strategies[id]
	if !exists {
		return fmt.Errorf("strategy ID '%s': %w", id, ErrUnknownStrategy)
	}
	if !CanTransition(s.Status, to) {
		return &TransitionError{StrategyID: id, From: s.Status, To: to}
	}

	from, weightBefore := s.Status, s.Weight
	s.Status = to
	if !IsAllocatable(to) {
		s.Weight = 0
	}
	log.Printf("🔁 [%s] %s → %s (weight %.4f → %.4f)", id, from, to, weightBefore, s.Weight)
	return nil
}

// SetWeight assigns an allocation weight to one strategy. INCUBATING weights
// clamp to [0, incubation cap], ACTIVE to [0, 1]. Fails if the allocatable
// total would exceed 1.0.
func (r *Registry) SetWeight(id string, weight float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.strategies[id]
	if !exists {
		return fmt.Errorf("strategy ID '%s': %w", id, ErrUnknownStrategy)
	}
	if !IsAllocatable(s.Status) {
		return fmt.Errorf("strategy ID '%s' is %s and cannot carry weight", id, s.Status)
	}

	clamped := r.clampForStatus(s.Status, weight)
	if err := r.checkBudgetLocked(id, s.Status, clamped); err != nil {
		return err
	}

	before := s.Weight
	s.Weight = clamped
	log.Printf("⚖️  [%s] weight %.4f → %.4f", id, before, clamped)
	return nil
}

// ApplyWeights installs a full weight assignment from a rebalance in one
// step. Validates jointly before mutating anything, so a bad assignment
// leaves the registry untouched.
func (r *Registry) ApplyWeights(weights map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0.0
	clamped := make(map[string]float64, len(weights))
	for id, w := range weights {
		s, exists := r.strategies[id]
		if !exists {
			return fmt.Errorf("strategy ID '%s': %w", id, ErrUnknownStrategy)
		}
		if !IsAllocatable(s.Status) {
			return fmt.Errorf("strategy ID '%s' is %s and cannot carry weight", id, s.Status)
		}
		clamped[id] = r.clampForStatus(s.Status, w)
		total += clamped[id]
	}
	// Allocatable strategies absent from the assignment keep their weight
	for id, s := range r.strategies {
		if _, assigned := weights[id]; !assigned && IsAllocatable(s.Status) {
			total += s.Weight
		}
	}
	if total > 1.0+weightEpsilon {
		return fmt.Errorf("assignment totals %.4f: %w", total, ErrWeightBudget)
	}

	for id, w := range clamped {
		s := r.strategies[id]
		if s.Weight != w {
			log.Printf("⚖️  [%s] weight %.4f → %.4f", id, s.Weight, w)
		}
		s.Weight = w
	}
	return nil
}

// TotalAllocated sums weight over ACTIVE and INCUBATING strategies
func (r *Registry) TotalAllocated() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalAllocatedLocked("")
}

func (r *Registry) totalAllocatedLocked(excludeID string) float64 {
	total := 0.0
	for id, s := range r.strategies {
		if id == excludeID || !IsAllocatable(s.Status) {
			continue
		}
		total += s.Weight
	}
	return total
}

func (r *Registry) checkBudgetLocked(id, status string, weight float64) error {
	if !IsAllocatable(status) {
		return nil
	}
	total := r.totalAllocatedLocked(id) + weight
	if total > 1.0+weightEpsilon {
		return fmt.Errorf("strategy ID '%s' at weight %.4f totals %.4f: %w", id, weight, total, ErrWeightBudget)
	}
	return nil
}

func (r *Registry) clampForStatus(status string, weight float64) float64 {
	upper := 1.0
	if status == StatusIncubating {
		upper = r.incubationCap
	}
	if weight < 0 {
		return 0
	}
	if weight > upper {
		return upper
	}
	return weight
}

// Review applies promotion/demotion rules to one strategy using its rolling
// statistics. INCUBATING strategies meeting every promotion threshold become
// ACTIVE; ACTIVE strategies whose score sinks below the demotion threshold
// become PAUSED; PAUSED strategies either recover to ACTIVE or, after enough
// failed reviews, are RETIRED.
func (r *Registry) Review(id string, stats ReviewStats, policy ReviewPolicy) (ReviewResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.strategies[id]
	if !exists {
		return ReviewResult{}, fmt.Errorf("strategy ID '%s': %w", id, ErrUnknownStrategy)
	}

	s.TradeCount = stats.TradeCount
	result := ReviewResult{StrategyID: id, From: s.Status, To: s.Status}

	switch s.Status {
	case StatusIncubating:
		if stats.TradeCount >= policy.PromoteMinTrades &&
			stats.Score >= policy.PromoteMinScore &&
			stats.WinRate >= policy.PromoteMinWinRate {
			if err := r.transitionLocked(id, StatusActive); err != nil {
				return result, err
			}
			result.To = StatusActive
			result.Changed = true
			result.Reason = fmt.Sprintf("promoted: trades=%d score=%.2f win_rate=%.2f", stats.TradeCount, stats.Score, stats.WinRate)
			log.Printf("📈 [%s] %s", id, result.Reason)
		}

	case StatusActive:
		if stats.Score <= policy.DemoteBelowScore {
			if err := r.transitionLocked(id, StatusPaused); err != nil {
				return result, err
			}
			r.failedReviews[id] = 0
			result.To = StatusPaused
			result.Changed = true
			result.Reason = fmt.Sprintf("demoted: score %.2f below %.2f", stats.Score, policy.DemoteBelowScore)
			log.Printf("📉 [%s] %s", id, result.Reason)
		}

	case StatusPaused:
		if stats.Score >= policy.PromoteMinScore && stats.WinRate >= policy.PromoteMinWinRate {
			if err := r.transitionLocked(id, StatusActive); err != nil {
				return result, err
			}
			r.failedReviews[id] = 0
			result.To = StatusActive
			result.Changed = true
			result.Reason = fmt.Sprintf("reinstated: score=%.2f win_rate=%.2f", stats.Score, stats.WinRate)
			log.Printf("📈 [%s] %s", id, result.Reason)
		} else {
			r.failedReviews[id]++
			if policy.RetireAfterFails > 0 && r.failedReviews[id] >= policy.RetireAfterFails {
				if err := r.transitionLocked(id, StatusRetired); err != nil {
					return result, err
				}
				result.To = StatusRetired
				result.Changed = true
				result.Reason = fmt.Sprintf("retired after %d failed reviews", r.failedReviews[id])
				log.Printf("🗑️  [%s] %s", id, result.Reason)
			}
		}
	}

	return result, nil
}

// Restore replaces the registry contents with a persisted snapshot. Used at
// startup; bypasses transition validation because the persisted state is
// authoritative.
func (r *Registry) Restore(snapshot []Strategy, failedReviews map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategies = make(map[string]*Strategy, len(snapshot))
	r.failedReviews = make(map[string]int, len(failedReviews))
	for _, s := range snapshot {
		stored := s
		r.strategies[s.ID] = &stored
	}
	for id, fails := range failedReviews {
		r.failedReviews[id] = fails
	}
	log.Printf("🔄 Strategy registry restored: %d strategies", len(snapshot))
}

// FailedReviews returns a copy of the per-strategy failed-review streaks.
func (r *Registry) FailedReviews() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.failedReviews))
	for id, fails := range r.failedReviews {
		out[id] = fails
	}
	return out
}
