package allocate

import (
	"log"
	"math"
	"sort"
	"time"

	"vela/strategy"
)

// Input per-strategy scoring input for one rebalance
type Input struct {
	StrategyID      string
	Status          string
	HasSnapshot     bool // false while trade history is below the snapshot floor
	Sharpe          float64
	WinRate         float64
	MeanCorrelation float64
	MaxDrawdown     float64
	InceptionTime   time.Time
}

// Score combines risk-adjusted return, diversification and hit rate into a
// single allocation score. Negative or zero sharpe scores 0.
func Score(in Input) float64 {
	if !in.HasSnapshot {
		return 0.0
	}
	sharpe := in.Sharpe
	if sharpe <= 0 {
		return 0.0
	}
	return sharpe * (1 - in.MeanCorrelation) * in.WinRate
}

// Rebalancer recomputes allocation weights from performance and correlation
// statistics. Runs on a periodic trigger, not every cycle.
type Rebalancer struct {
	incubationCap float64
}

// NewRebalancer creates an allocation rebalancer
func NewRebalancer(incubationCap float64) *Rebalancer {
	return &Rebalancer{incubationCap: incubationCap}
}

// Weights computes a full weight assignment. INCUBATING strategies take their
// trial cap off the top (unscored ones included, so a new strategy can earn a
// history at all); the remainder is split across ACTIVE strategies in
// proportion to score. Identical inputs always produce identical output:
// strategies are processed in ranked order with ties broken by lower max
// drawdown, then earlier inception, then ID.
func (r *Rebalancer) Weights(inputs []Input) map[string]float64 {
	ranked := rank(inputs)
	weights := make(map[string]float64, len(ranked))

	budget := 1.0
	for _, in := range ranked {
		if in.Status != strategy.StatusIncubating {
			continue
		}
		w := 0.0
		if !in.HasSnapshot || Score(in) > 0 {
			w = math.Min(r.incubationCap, budget)
		}
		weights[in.StrategyID] = w
		budget -= w
	}

	totalScore := 0.0
	for _, in := range ranked {
		if in.Status == strategy.StatusActive {
			totalScore += Score(in)
		}
	}
	for _, in := range ranked {
		if in.Status != strategy.StatusActive {
			continue
		}
		score := Score(in)
		if score <= 0 || totalScore <= 0 {
			weights[in.StrategyID] = 0.0
			continue
		}
		weights[in.StrategyID] = budget * score / totalScore
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}
	log.Printf("⚖️  Rebalance: %d strategies, total weight %.4f", len(weights), total)
	return weights
}

// rank orders inputs by descending score, breaking ties by lower max
// drawdown, then earlier inception time, then ID.
func rank(inputs []Input) []Input {
	ranked := make([]Input, len(inputs))
	copy(ranked, inputs)
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i]), Score(ranked[j])
		if si != sj {
			return si > sj
		}
		if ranked[i].MaxDrawdown != ranked[j].MaxDrawdown {
			return ranked[i].MaxDrawdown < ranked[j].MaxDrawdown
		}
		if !ranked[i].InceptionTime.Equal(ranked[j].InceptionTime) {
			return ranked[i].InceptionTime.Before(ranked[j].InceptionTime)
		}
		return ranked[i].StrategyID < ranked[j].StrategyID
	})
	return ranked
}
