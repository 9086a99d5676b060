package exec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"vela/perf"
)

const incomeTypeRealizedPnL = "REALIZED_PNL"

// BinanceAdapter executes against Binance USDT-margined futures. Orders are
// market orders sized by notional; realized outcomes come from the income
// history endpoint rather than local bookkeeping, so restarts never lose
// fills.
type BinanceAdapter struct {
	client *futures.Client

	// Income records carry a symbol, not a strategy. Symbols must not be
	// shared across enabled strategies (config validates this).
	strategyBySymbol map[string]string

	precisions    map[string]int
	isMultiAssets bool
	mu            sync.RWMutex
}

// NewBinanceAdapter creates a live futures execution adapter.
func NewBinanceAdapter(apiKey, secretKey string, strategyBySymbol map[string]string) *BinanceAdapter {
	return &BinanceAdapter{
		client:           futures.NewClient(apiKey, secretKey),
		strategyBySymbol: strategyBySymbol,
	}
}

// Execute places one market order and blocks until Binance acks it or ctx
// expires. A SELL with zero size flattens the open long.
func (a *BinanceAdapter) Execute(ctx context.Context, order Order) (Ack, error) {
	if order.Side != SideBuy && order.Side != SideSell {
		return Ack{}, fmt.Errorf("unknown order side '%s'", order.Side)
	}

	mark, err := a.markPrice(ctx, order.Asset)
	if err != nil {
		return Ack{}, err
	}

	qty := order.SizeUSD / mark
	if order.Side == SideSell && order.SizeUSD <= 0 {
		qty, err = a.longPositionAmt(ctx, order.Asset)
		if err != nil {
			return Ack{}, err
		}
	}
	if qty <= 0 {
		return Ack{}, fmt.Errorf("order for %s resolves to zero quantity", order.Asset)
	}

	quantityStr := a.formatQuantity(ctx, order.Asset, qty)

	resp, err := a.placeMarketOrder(ctx, order.Asset, order.Side, quantityStr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Ack{}, fmt.Errorf("order %s %s not acked: %w", order.Side, order.Asset, ErrAckTimeout)
		}
		return Ack{}, err
	}

	fill, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	if fill == 0 {
		fill = mark
	}
	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	filledUSD := executed * fill
	if filledUSD == 0 {
		filledUSD = order.SizeUSD
	}

	log.Printf("✓ Order filled: %s %s qty %s (order %d)", order.Side, order.Asset, quantityStr, resp.OrderID)

	return Ack{
		OrderRef:  strconv.FormatInt(resp.OrderID, 10),
		Asset:     order.Asset,
		Side:      order.Side,
		FillPrice: fill,
		FilledUSD: filledUSD,
		AckedAt:   time.Now(),
	}, nil
}

// placeMarketOrder submits the order, switching to PositionSide BOTH when the
// account turns out to run Multi-Assets Mode (error -4061).
func (a *BinanceAdapter) placeMarketOrder(ctx context.Context, symbol, side, quantity string) (*futures.CreateOrderResponse, error) {
	binSide := futures.SideTypeBuy
	if side == SideSell {
		binSide = futures.SideTypeSell
	}

	posSide := futures.PositionSideTypeLong
	a.mu.RLock()
	if a.isMultiAssets {
		posSide = futures.PositionSideTypeBoth
	}
	a.mu.RUnlock()

	resp, err := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binSide).
		PositionSide(posSide).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		Do(ctx)
	if err == nil {
		return resp, nil
	}

	if strings.Contains(err.Error(), "-4061") || strings.Contains(err.Error(), "position side does not match") {
		log.Printf("⚠️  Multi-Assets Mode detected, retrying %s with PositionSide BOTH...", symbol)
		a.mu.Lock()
		a.isMultiAssets = true
		a.mu.Unlock()

		resp, err = a.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binSide).
			PositionSide(futures.PositionSideTypeBoth).
			Type(futures.OrderTypeMarket).
			Quantity(quantity).
			Do(ctx)
		if err == nil {
			return resp, nil
		}
	}

	return nil, fmt.Errorf("failed to place %s order for %s: %w", side, symbol, err)
}

// Outcomes pulls realized-pnl income records booked after since and maps them
// back to strategies by symbol.
func (a *BinanceAdapter) Outcomes(ctx context.Context, since time.Time) ([]perf.TradeOutcome, error) {
	incomes, err := a.client.NewGetIncomeHistoryService().
		IncomeType(incomeTypeRealizedPnL).
		StartTime(since.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get income history: %w", err)
	}

	var result []perf.TradeOutcome
	for _, inc := range incomes {
		strategyID, ok := a.strategyBySymbol[inc.Symbol]
		if !ok {
			log.Printf("⚠️  Realized pnl on unmapped symbol %s, skipping", inc.Symbol)
			continue
		}
		pnl, err := strconv.ParseFloat(inc.Income, 64)
		if err != nil {
			continue
		}
		result = append(result, outcomeFromIncome(strategyID, inc.Symbol, inc.Time, pnl))
	}
	return result, nil
}

// outcomeFromIncome maps one realized-pnl income record to a trade outcome.
func outcomeFromIncome(strategyID, symbol string, timeMs int64, pnl float64) perf.TradeOutcome {
	return perf.TradeOutcome{
		StrategyID: strategyID,
		Timestamp:  time.UnixMilli(timeMs),
		PnL:        pnl,
		Win:        pnl > 0,
		SourceRef:  fmt.Sprintf("binance:%s:%d", symbol, timeMs),
	}
}

// markPrice fetches the latest traded price for a symbol.
func (a *BinanceAdapter) markPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("bad price '%s' for %s", prices[0].Price, symbol)
	}
	return price, nil
}

// longPositionAmt returns the open long quantity for a symbol.
func (a *BinanceAdapter) longPositionAmt(ctx context.Context, symbol string) (float64, error) {
	positions, err := a.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get position for %s: %w", symbol, err)
	}
	for _, pos := range positions {
		amt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
		if amt > 0 {
			return amt, nil
		}
	}
	return 0, fmt.Errorf("no long position found for %s", symbol)
}

// formatQuantity renders a quantity at the symbol's LOT_SIZE precision.
func (a *BinanceAdapter) formatQuantity(ctx context.Context, symbol string, qty float64) string {
	precision, err := a.symbolPrecision(ctx, symbol)
	if err != nil {
		log.Printf("⚠️  No LOT_SIZE precision for %s, defaulting to 3: %v", symbol, err)
		precision = 3
	}
	return strconv.FormatFloat(qty, 'f', precision, 64)
}

// symbolPrecision returns the quantity precision for a symbol, loading the
// exchange info once and caching every symbol's LOT_SIZE step.
func (a *BinanceAdapter) symbolPrecision(ctx context.Context, symbol string) (int, error) {
	a.mu.RLock()
	if a.precisions != nil {
		p, ok := a.precisions[symbol]
		a.mu.RUnlock()
		if !ok {
			return 0, fmt.Errorf("symbol %s not in exchange info", symbol)
		}
		return p, nil
	}
	a.mu.RUnlock()

	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get exchange info: %w", err)
	}

	precisions := make(map[string]int)
	for _, s := range info.Symbols {
		for _, filter := range s.Filters {
			if filter["filterType"] == "LOT_SIZE" {
				if step, ok := filter["stepSize"].(string); ok {
					precisions[s.Symbol] = precisionFromStep(step)
				}
			}
		}
	}

	a.mu.Lock()
	a.precisions = precisions
	a.mu.Unlock()

	p, ok := precisions[symbol]
	if !ok {
		return 0, fmt.Errorf("symbol %s not in exchange info", symbol)
	}
	return p, nil
}

// precisionFromStep derives decimal places from a LOT_SIZE stepSize like
// "0.00100000" (3) or "1" (0).
func precisionFromStep(step string) int {
	if !strings.Contains(step, ".") {
		return 0
	}
	step = strings.TrimRight(step, "0")
	dot := strings.IndexByte(step, '.')
	if dot == len(step)-1 {
		return 0
	}
	return len(step) - dot - 1
}
