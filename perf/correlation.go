package perf

import (
	"math"
	"sort"
	"time"
)

// CorrelationMatrix symmetric pairwise correlation of strategy returns.
// Pairs lacking enough overlapping history carry 0: no diversification
// penalty is assumed, but no credit either.
type CorrelationMatrix struct {
	AsOf  time.Time                     `json:"as_of"`
	Cells map[string]map[string]float64 `json:"cells"` // strategy ID → strategy ID → correlation
}

// At returns the correlation between two strategies. Unknown pairs read 0,
// the diagonal reads 1.
func (m CorrelationMatrix) At(a, b string) float64 {
	if a == b {
		return 1.0
	}
	row, ok := m.Cells[a]
	if !ok {
		return 0.0
	}
	return row[b]
}

// MeanWithOthers average correlation of one strategy against every other
// strategy in the matrix.
func (m CorrelationMatrix) MeanWithOthers(id string) float64 {
	row, ok := m.Cells[id]
	if !ok {
		return 0.0
	}
	sum, n := 0.0, 0
	for other, c := range row {
		if other == id {
			continue
		}
		sum += c
		n++
	}
	if n == 0 {
		return 0.0
	}
	return sum / float64(n)
}

// Estimator computes pairwise return correlation from overlapping trade
// histories, bucketing pnl by calendar day in a fixed timezone so the two
// series align on common periods.
type Estimator struct {
	minOverlap int
	loc        *time.Location
}

// NewEstimator creates a correlation estimator
func NewEstimator(minOverlap int, loc *time.Location) *Estimator {
	if loc == nil {
		loc = time.UTC
	}
	return &Estimator{minOverlap: minOverlap, loc: loc}
}

// Matrix computes the full pairwise matrix for the given strategies. Called
// once per rebalance, not per trade.
func (e *Estimator) Matrix(ids []string, outcomes func(strategyID string) []TradeOutcome) CorrelationMatrix {
	daily := make(map[string]map[string]float64, len(ids))
	for _, id := range ids {
		daily[id] = e.dailyReturns(outcomes(id))
	}

	cells := make(map[string]map[string]float64, len(ids))
	for _, id := range ids {
		cells[id] = map[string]float64{id: 1.0}
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			c := e.correlate(daily[ids[i]], daily[ids[j]])
			cells[ids[i]][ids[j]] = c
			cells[ids[j]][ids[i]] = c
		}
	}

	return CorrelationMatrix{AsOf: time.Now(), Cells: cells}
}

// Correlate computes Pearson correlation of two strategies' aligned daily
// returns. Fewer than minOverlap common days yields 0.
func (e *Estimator) Correlate(a, b []TradeOutcome) float64 {
	return e.correlate(e.dailyReturns(a), e.dailyReturns(b))
}

// dailyReturns sums pnl per calendar day
func (e *Estimator) dailyReturns(outcomes []TradeOutcome) map[string]float64 {
	days := make(map[string]float64)
	for _, o := range outcomes {
		day := o.Timestamp.In(e.loc).Format("2006-01-02")
		days[day] += o.PnL
	}
	return days
}

func (e *Estimator) correlate(a, b map[string]float64) float64 {
	common := make([]string, 0, len(a))
	for day := range a {
		if _, ok := b[day]; ok {
			common = append(common, day)
		}
	}
	if len(common) < e.minOverlap {
		return 0.0
	}
	sort.Strings(common)

	x := make([]float64, len(common))
	y := make([]float64, len(common))
	for i, day := range common {
		x[i] = a[day]
		y[i] = b[day]
	}
	return pearson(x, y)
}

// pearson sample correlation coefficient; zero variance on either side is
// undefined and reads 0
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	meanX, meanY := 0.0, 0.0
	for i := range x {
		meanX += x[i]
		meanY += y[i]
	}
	meanX /= n
	meanY /= n

	cov, varX, varY := 0.0, 0.0, 0.0
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0.0
	}
	return cov / math.Sqrt(varX*varY)
}
