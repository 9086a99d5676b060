package perf

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrInsufficientData not enough trade history to produce a snapshot
var ErrInsufficientData = errors.New("insufficient trade history")

// TradeOutcome one realized trade result, append-only
type TradeOutcome struct {
	StrategyID string    `json:"strategy_id"`
	Timestamp  time.Time `json:"timestamp"`
	PnL        float64   `json:"realized_pnl"`
	Win        bool      `json:"win"`
	SourceRef  string    `json:"source_ref,omitempty"` // exchange trade ID or synthetic fill ref
}

// Snapshot rolling statistics for one strategy at a point in time
type Snapshot struct {
	StrategyID  string    `json:"strategy_id"`
	AsOf        time.Time `json:"as_of"`
	Score       float64   `json:"score"` // mean pnl over its stdev
	WinRate     float64   `json:"win_rate"`
	MaxDrawdown float64   `json:"max_drawdown"` // USD, from the cumulative pnl curve
	TradeCount  int       `json:"trade_count"`
}

type outcomeKey struct {
	strategyID string
	timestamp  int64 // unix nanos
	pnl        float64
}

// Tracker appends trade outcomes per strategy and computes rolling statistics
type Tracker struct {
	outcomes map[string][]TradeOutcome // key: strategy ID, sorted by timestamp
	seen     map[outcomeKey]struct{}
	latest   map[string]Snapshot
	mu       sync.RWMutex
}

// NewTracker creates a performance tracker
func NewTracker() *Tracker {
	return &Tracker{
		outcomes: make(map[string][]TradeOutcome),
		seen:     make(map[outcomeKey]struct{}),
		latest:   make(map[string]Snapshot),
	}
}

// Record appends a trade outcome. Recording the same (strategy, timestamp,
// pnl) twice is a no-op, so replaying history after a crash cannot
// double-count. Returns true when the outcome was new.
func (t *Tracker) Record(o TradeOutcome) bool {
	if o.StrategyID == "" || o.Timestamp.IsZero() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := outcomeKey{strategyID: o.StrategyID, timestamp: o.Timestamp.UnixNano(), pnl: o.PnL}
	if _, dup := t.seen[key]; dup {
		return false
	}
	t.seen[key] = struct{}{}

	list := t.outcomes[o.StrategyID]
	list = append(list, o)
	// Reconciliation can deliver fills out of order
	if n := len(list); n > 1 && list[n-1].Timestamp.Before(list[n-2].Timestamp) {
		sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	}
	t.outcomes[o.StrategyID] = list
	return true
}

// TradeCount number of recorded outcomes for one strategy
func (t *Tracker) TradeCount(strategyID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.outcomes[strategyID])
}

// Outcomes returns a copy of one strategy's outcome history, oldest first
func (t *Tracker) Outcomes(strategyID string) []TradeOutcome {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.outcomes[strategyID]
	result := make([]TradeOutcome, len(list))
	copy(result, list)
	return result
}

// TotalPnL realized pnl summed across every strategy
func (t *Tracker) TotalPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0.0
	for _, list := range t.outcomes {
		for _, o := range list {
			total += o.PnL
		}
	}
	return total
}

// StrategyPnL realized pnl for one strategy
func (t *Tracker) StrategyPnL(strategyID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0.0
	for _, o := range t.outcomes[strategyID] {
		total += o.PnL
	}
	return total
}

// Snapshot computes rolling statistics over the most recent `window` outcomes.
// Returns ErrInsufficientData below minTrades instead of a misleading zero
// score. Successful snapshots are cached as the strategy's latest.
func (t *Tracker) Snapshot(strategyID string, window, minTrades int) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.outcomes[strategyID]
	if len(list) < minTrades {
		return Snapshot{}, fmt.Errorf("strategy '%s' has %d trades, need %d: %w",
			strategyID, len(list), minTrades, ErrInsufficientData)
	}
	if window > 0 && len(list) > window {
		list = list[len(list)-window:]
	}

	wins := 0
	pnls := make([]float64, len(list))
	for i, o := range list {
		pnls[i] = o.PnL
		if o.Win {
			wins++
		}
	}

	snap := Snapshot{
		StrategyID:  strategyID,
		AsOf:        time.Now(),
		Score:       sharpeLike(pnls),
		WinRate:     float64(wins) / float64(len(list)),
		MaxDrawdown: maxDrawdown(pnls),
		TradeCount:  len(list),
	}
	t.latest[strategyID] = snap
	return snap, nil
}

// Latest returns the most recent snapshot for one strategy, if any
func (t *Tracker) Latest(strategyID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.latest[strategyID]
	return snap, ok
}

// LatestAll returns the most recent snapshot per strategy
func (t *Tracker) LatestAll() map[string]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]Snapshot, len(t.latest))
	for id, snap := range t.latest {
		result[id] = snap
	}
	return result
}

// RestoreSnapshots reinstalls persisted latest-snapshots at startup
func (t *Tracker) RestoreSnapshots(snaps map[string]Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, snap := range snaps {
		t.latest[id] = snap
	}
}

// sharpeLike mean pnl over its standard deviation. Zero or undefined
// deviation yields 0, not an error and not a sentinel.
func sharpeLike(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0.0
	}

	mean := 0.0
	for _, p := range pnls {
		mean += p
	}
	mean /= float64(len(pnls))

	variance := 0.0
	for _, p := range pnls {
		variance += (p - mean) * (p - mean)
	}
	variance /= float64(len(pnls))
	if variance == 0 {
		return 0.0
	}

	return mean / math.Sqrt(variance)
}

// maxDrawdown largest peak-to-trough drop of the cumulative pnl curve, in USD
func maxDrawdown(pnls []float64) float64 {
	cum := 0.0
	peak := 0.0
	worst := 0.0
	for _, p := range pnls {
		cum += p
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > worst {
			worst = dd
		}
	}
	return worst
}
