package exec

import (
	"context"
	"errors"
	"time"

	"vela/perf"
)

// ErrAckTimeout means the venue did not confirm the order inside the ack
// budget. The order may still have filled: the decision stays PENDING and is
// reconciled against Outcomes on a later cycle.
var ErrAckTimeout = errors.New("execution ack timeout")

// Order sides (venue convention: open_long maps to BUY, close_long to SELL).
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order is a gated instruction handed to the execution venue.
type Order struct {
	StrategyID string  `json:"strategy_id"`
	Asset      string  `json:"asset"` // e.g. "BTCUSDT"
	Side       string  `json:"side"`
	SizeUSD    float64 `json:"size_usd"` // notional; 0 on SELL means flatten
}

// Ack is the venue's confirmation of an executed order.
type Ack struct {
	OrderRef  string    `json:"order_ref"`
	Asset     string    `json:"asset"`
	Side      string    `json:"side"`
	FillPrice float64   `json:"fill_price"`
	FilledUSD float64   `json:"filled_usd"`
	AckedAt   time.Time `json:"acked_at"`
}

// Adapter abstracts the execution venue. Execute places one order and blocks
// until acked or ctx expires; Outcomes reports realized-pnl trade outcomes
// observed at the venue since the given time (the caller dedupes replays).
type Adapter interface {
	Execute(ctx context.Context, order Order) (Ack, error)
	Outcomes(ctx context.Context, since time.Time) ([]perf.TradeOutcome, error)
}
