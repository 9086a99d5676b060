package leverage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means the health feed could not be read in time. The caller
// degrades the cycle (no new risk) instead of failing it.
var ErrUnavailable = errors.New("leverage health unavailable")

// Health is one observation of the leveraged loan backing the trading
// capital. A health factor at 1.0 means liquidation.
type Health struct {
	HealthFactor         float64   `json:"health_factor"`
	CollateralUSD        float64   `json:"collateral_usd"`
	DebtUSD              float64   `json:"debt_usd"`
	AvailableBorrowsUSD  float64   `json:"available_borrows_usd"`
	LiquidationThreshold float64   `json:"liquidation_threshold"` // weighted average, as a fraction
	ObservedAt           time.Time `json:"observed_at"`
}

// Provider reads the current loan health.
type Provider interface {
	Health(ctx context.Context) (Health, error)
}

// StaticProvider reports a fixed health factor. Used in paper mode and tests,
// and for operators who run without an onchain loan.
type StaticProvider struct {
	healthFactor float64
}

// NewStaticProvider creates a provider pinned to one health factor.
func NewStaticProvider(healthFactor float64) *StaticProvider {
	return &StaticProvider{healthFactor: healthFactor}
}

// Health returns the pinned health factor stamped with the current time.
func (p *StaticProvider) Health(ctx context.Context) (Health, error) {
	return Health{
		HealthFactor: p.healthFactor,
		ObservedAt:   time.Now(),
	}, nil
}
