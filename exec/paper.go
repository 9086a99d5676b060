package exec

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"vela/perf"
)

// PriceFunc supplies a mark price for a symbol. PaperAdapter uses it to fill
// simulated orders; when nil the adapter falls back to an internal random
// walk so paper mode works fully offline.
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

const defaultMark = 100.0

// PaperAdapter simulates fills in process. Orders ack immediately at the mark
// price adjusted by slippage, and closing a position synthesizes the realized
// trade outcome that a live venue would report from its trade history.
type PaperAdapter struct {
	slippage float64 // fraction of price, applied against the taker
	prices   PriceFunc

	marks     map[string]float64
	positions map[string]*paperPosition
	outcomes  []perf.TradeOutcome
	rng       *rand.Rand
	mu        sync.Mutex
}

type paperPosition struct {
	StrategyID  string
	Symbol      string
	EntryPrice  float64
	NotionalUSD float64
	OpenedAt    time.Time
}

// PaperPosition is a read-only view of a simulated open position.
type PaperPosition struct {
	StrategyID  string    `json:"strategy_id"`
	Symbol      string    `json:"symbol"`
	EntryPrice  float64   `json:"entry_price"`
	NotionalUSD float64   `json:"notional_usd"`
	OpenedAt    time.Time `json:"opened_at"`
}

// NewPaperAdapter creates a simulated execution venue. slippage is the
// fractional price penalty per fill (0.0005 = 5 bps); prices may be nil.
func NewPaperAdapter(slippage float64, prices PriceFunc) *PaperAdapter {
	return &PaperAdapter{
		slippage:  slippage,
		prices:    prices,
		marks:     make(map[string]float64),
		positions: make(map[string]*paperPosition),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute fills the order immediately at the current mark plus slippage.
func (a *PaperAdapter) Execute(ctx context.Context, order Order) (Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mark, err := a.markPrice(ctx, order.Asset)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to get mark price for %s: %w", order.Asset, err)
	}

	switch order.Side {
	case SideBuy:
		return a.openLocked(order, mark)
	case SideSell:
		return a.closeLocked(order, mark)
	default:
		return Ack{}, fmt.Errorf("unknown order side '%s'", order.Side)
	}
}

func (a *PaperAdapter) openLocked(order Order, mark float64) (Ack, error) {
	if order.SizeUSD <= 0 {
		return Ack{}, fmt.Errorf("buy order for %s has no size", order.Asset)
	}

	key := positionKey(order.StrategyID, order.Asset)
	fill := mark * (1 + a.slippage)
	now := time.Now()

	if pos, exists := a.positions[key]; exists {
		// Scale in: blend the entry price by notional.
		total := pos.NotionalUSD + order.SizeUSD
		pos.EntryPrice = (pos.EntryPrice*pos.NotionalUSD + fill*order.SizeUSD) / total
		pos.NotionalUSD = total
	} else {
		a.positions[key] = &paperPosition{
			StrategyID:  order.StrategyID,
			Symbol:      order.Asset,
			EntryPrice:  fill,
			NotionalUSD: order.SizeUSD,
			OpenedAt:    now,
		}
	}

	ref := uuid.NewString()
	log.Printf("📈 [Paper] Open long: %s %s $%.2f @ %.4f", order.StrategyID, order.Asset, order.SizeUSD, fill)

	return Ack{
		OrderRef:  ref,
		Asset:     order.Asset,
		Side:      SideBuy,
		FillPrice: fill,
		FilledUSD: order.SizeUSD,
		AckedAt:   now,
	}, nil
}

func (a *PaperAdapter) closeLocked(order Order, mark float64) (Ack, error) {
	key := positionKey(order.StrategyID, order.Asset)
	pos, exists := a.positions[key]
	if !exists {
		return Ack{}, fmt.Errorf("no open long for %s/%s", order.StrategyID, order.Asset)
	}

	closed := order.SizeUSD
	if closed <= 0 || closed >= pos.NotionalUSD {
		closed = pos.NotionalUSD
	}

	fill := mark * (1 - a.slippage)
	pnl := closed * (fill - pos.EntryPrice) / pos.EntryPrice
	now := time.Now()
	ref := uuid.NewString()

	if closed >= pos.NotionalUSD {
		delete(a.positions, key)
	} else {
		pos.NotionalUSD -= closed
	}

	a.outcomes = append(a.outcomes, perf.TradeOutcome{
		StrategyID: order.StrategyID,
		Timestamp:  now,
		PnL:        pnl,
		Win:        pnl > 0,
		SourceRef:  "paper:" + ref,
	})

	log.Printf("📤 [Paper] Close long: %s %s $%.2f @ %.4f, P&L=%.2f", order.StrategyID, order.Asset, closed, fill, pnl)

	return Ack{
		OrderRef:  ref,
		Asset:     order.Asset,
		Side:      SideSell,
		FillPrice: fill,
		FilledUSD: closed,
		AckedAt:   now,
	}, nil
}

// Outcomes returns the synthesized trade outcomes closed after since.
func (a *PaperAdapter) Outcomes(ctx context.Context, since time.Time) ([]perf.TradeOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result []perf.TradeOutcome
	for _, o := range a.outcomes {
		if o.Timestamp.After(since) {
			result = append(result, o)
		}
	}
	return result, nil
}

// Positions returns a copy of the open simulated positions.
func (a *PaperAdapter) Positions() []PaperPosition {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]PaperPosition, 0, len(a.positions))
	for _, pos := range a.positions {
		result = append(result, PaperPosition{
			StrategyID:  pos.StrategyID,
			Symbol:      pos.Symbol,
			EntryPrice:  pos.EntryPrice,
			NotionalUSD: pos.NotionalUSD,
			OpenedAt:    pos.OpenedAt,
		})
	}
	return result
}

// SetMark pins the fallback mark price for a symbol.
func (a *PaperAdapter) SetMark(symbol string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks[symbol] = price
}

// markPrice resolves the current price: the injected feed when present,
// otherwise a small random walk over the last known mark.
func (a *PaperAdapter) markPrice(ctx context.Context, symbol string) (float64, error) {
	if a.prices != nil {
		price, err := a.prices(ctx, symbol)
		if err != nil {
			return 0, err
		}
		a.marks[symbol] = price
		return price, nil
	}

	mark, ok := a.marks[symbol]
	if !ok {
		mark = defaultMark
	}
	mark *= 1 + (a.rng.Float64()-0.5)*0.01
	a.marks[symbol] = mark
	return mark, nil
}

func positionKey(strategyID, symbol string) string {
	return strategyID + "|" + symbol
}
