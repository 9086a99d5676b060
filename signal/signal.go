package signal

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ErrUnavailable the signal source failed or timed out; the cycle proceeds
// in degraded mode without fresh observations
var ErrUnavailable = errors.New("signal source unavailable")

// Tick one normalized market observation attributed to a strategy
type Tick struct {
	StrategyID string    `json:"strategy_id"`
	Asset      string    `json:"asset"`
	Spread     float64   `json:"spread"` // relative fast/slow trend separation
	VolumeUSD  float64   `json:"volume_usd"`
	Confidence float64   `json:"confidence"` // [0,1]
	ObservedAt time.Time `json:"observed_at"`
}

// Source supplies raw observations per tick of the cycle
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Tick, error)
}

// Ingestor normalizes raw observations into a uniform shape: invalid ticks
// dropped, stale ticks dropped, duplicate (strategy, asset) pairs collapsed
// to the freshest, confidence clamped, output deterministically ordered.
type Ingestor struct {
	maxAge time.Duration
}

// NewIngestor creates a signal ingestor
func NewIngestor(maxAge time.Duration) *Ingestor {
	return &Ingestor{maxAge: maxAge}
}

// Normalize cleans one batch of raw ticks against the given reference time
func (in *Ingestor) Normalize(raw []Tick, now time.Time) []Tick {
	invalid := 0
	valid := lo.Filter(raw, func(t Tick, _ int) bool {
		ok := t.StrategyID != "" && t.Asset != "" && !t.ObservedAt.IsZero() && t.VolumeUSD >= 0
		if !ok {
			invalid++
		}
		return ok
	})

	stale := 0
	fresh := lo.Filter(valid, func(t Tick, _ int) bool {
		ok := now.Sub(t.ObservedAt) <= in.maxAge
		if !ok {
			stale++
		}
		return ok
	})

	type pairKey struct{ strategyID, asset string }
	newest := make(map[pairKey]Tick, len(fresh))
	for _, t := range fresh {
		t.Asset = strings.ToUpper(t.Asset)
		if t.Confidence < 0 {
			t.Confidence = 0
		}
		if t.Confidence > 1 {
			t.Confidence = 1
		}
		key := pairKey{t.StrategyID, t.Asset}
		if prev, seen := newest[key]; !seen || t.ObservedAt.After(prev.ObservedAt) {
			newest[key] = t
		}
	}

	result := lo.Values(newest)
	sort.Slice(result, func(i, j int) bool {
		if result[i].StrategyID != result[j].StrategyID {
			return result[i].StrategyID < result[j].StrategyID
		}
		return result[i].Asset < result[j].Asset
	})

	if dropped := len(raw) - len(result); dropped > 0 {
		log.Printf("🧹 Normalized %d/%d ticks (%d invalid, %d stale, %d duplicate)",
			len(result), len(raw), invalid, stale, len(fresh)-len(result))
	}
	return result
}

// StaticSource replays a fixed set of observations, timestamped at fetch
// time. Used for paper runs and pipeline tests where no market feed exists.
type StaticSource struct {
	ticks []Tick
}

// NewStaticSource creates a static signal source
func NewStaticSource(ticks []Tick) *StaticSource {
	return &StaticSource{ticks: ticks}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Fetch(_ context.Context) ([]Tick, error) {
	now := time.Now()
	out := make([]Tick, len(s.ticks))
	for i, t := range s.ticks {
		t.ObservedAt = now
		out[i] = t
	}
	return out, nil
}
