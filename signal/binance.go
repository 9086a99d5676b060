package signal

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/cinar/indicator"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	// klineInterval matches the cycle cadence, one bar per scheduler tick
	klineInterval = "15m"
	// klineLimit must cover the slow EMA with headroom
	klineLimit = 100
	// volumeWindow bars contributing to the traded-volume figure
	volumeWindow = 20
	// fullScaleSpread EMA separation treated as full confidence
	fullScaleSpread = 0.02
)

type symbolObservation struct {
	spread     float64
	volumeUSD  float64
	confidence float64
	observedAt time.Time
}

// BinanceSource derives per-strategy observations from futures klines: the
// spread is the relative separation of a fast and slow EMA, confidence is
// that separation scaled into [0,1].
type BinanceSource struct {
	client *futures.Client
	assets map[string][]string // strategy ID → symbols
}

// NewBinanceSource creates a Binance-backed signal source. Market data
// endpoints are public, so keys may be empty.
func NewBinanceSource(apiKey, secretKey string, assets map[string][]string) *BinanceSource {
	return &BinanceSource{
		client: binance.NewFuturesClient(apiKey, secretKey),
		assets: assets,
	}
}

func (b *BinanceSource) Name() string { return "binance" }

// Fetch observes every distinct symbol in parallel, then expands the
// observations into one tick per (strategy, symbol) binding. A symbol that
// fails degrades coverage instead of failing the batch; only a fully empty
// batch is an error.
func (b *BinanceSource) Fetch(ctx context.Context) ([]Tick, error) {
	symbols := lo.Uniq(lo.Flatten(lo.Values(b.assets)))
	sort.Strings(symbols)

	var (
		mu       sync.Mutex
		observed = make(map[string]symbolObservation, len(symbols))
		g, gctx  = errgroup.WithContext(ctx)
	)
	for _, symbol := range symbols {
		local := symbol
		g.Go(func() error {
			obs, err := b.observeSymbol(gctx, local)
			if err != nil {
				log.Printf("⚠️  [binance] %s observation failed: %v", local, err)
				return nil
			}
			mu.Lock()
			observed[local] = obs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("kline fan-out aborted: %w", ErrUnavailable)
	}
	if len(observed) == 0 {
		return nil, fmt.Errorf("no symbol delivered data: %w", ErrUnavailable)
	}

	strategyIDs := lo.Keys(b.assets)
	sort.Strings(strategyIDs)

	ticks := make([]Tick, 0, len(strategyIDs))
	for _, strategyID := range strategyIDs {
		for _, symbol := range b.assets[strategyID] {
			obs, ok := observed[symbol]
			if !ok {
				continue
			}
			ticks = append(ticks, Tick{
				StrategyID: strategyID,
				Asset:      symbol,
				Spread:     obs.spread,
				VolumeUSD:  obs.volumeUSD,
				Confidence: obs.confidence,
				ObservedAt: obs.observedAt,
			})
		}
	}
	return ticks, nil
}

func (b *BinanceSource) observeSymbol(ctx context.Context, symbol string) (symbolObservation, error) {
	klines, err := b.client.NewKlinesService().Symbol(symbol).Interval(klineInterval).Limit(klineLimit).Do(ctx)
	if err != nil {
		return symbolObservation{}, fmt.Errorf("failed to fetch klines: %w", err)
	}
	if len(klines) < 50 {
		return symbolObservation{}, fmt.Errorf("only %d klines available, need 50 for the slow EMA", len(klines))
	}

	closes := make([]float64, len(klines))
	for i, kline := range klines {
		c, _ := strconv.ParseFloat(kline.Close, 64)
		closes[i] = c
	}

	fast := lo.LastOrEmpty(indicator.Ema(20, closes))
	slow := lo.LastOrEmpty(indicator.Ema(50, closes))
	if slow == 0 {
		return symbolObservation{}, fmt.Errorf("slow EMA is zero, price feed unusable")
	}

	spread := (fast - slow) / slow
	confidence := spread / fullScaleSpread
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	volumeUSD := lo.SumBy(lo.Subset(klines, -volumeWindow, uint(volumeWindow)), func(k *futures.Kline) float64 {
		quote, _ := strconv.ParseFloat(k.QuoteAssetVolume, 64)
		return quote
	})

	return symbolObservation{
		spread:     spread,
		volumeUSD:  volumeUSD,
		confidence: confidence,
		observedAt: time.Now(),
	}, nil
}
