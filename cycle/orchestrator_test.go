package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vela/allocate"
	"vela/config"
	"vela/exec"
	"vela/leverage"
	"vela/perf"
	"vela/risk"
	"vela/signal"
	"vela/store"
	"vela/strategy"
)

type fakeStore struct {
	mu        sync.Mutex
	records   []*store.CycleRecord
	commitErr error
	restored  *store.RestoredState
	history   []perf.TradeOutcome
	acked     []string
}

func (f *fakeStore) CommitCycle(record *store.CycleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.records = append(f.records, record)
	return nil
}

func (f *fakeStore) RestoreLatest() (*store.RestoredState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restored == nil {
		return nil, store.ErrNoHistory
	}
	return f.restored, nil
}

func (f *fakeStore) AllOutcomes() ([]perf.TradeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeStore) MarkDecisionsAcked(cycleNumber int64, strategyID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, fmt.Sprintf("%d/%s", cycleNumber, strategyID))
	return 1, nil
}

func (f *fakeStore) failCommit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitErr = err
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeStore) last() *store.CycleRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[len(f.records)-1]
}

func (f *fakeStore) ackedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type scriptedSource struct {
	mu    sync.Mutex
	ticks []signal.Tick
	err   error
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Fetch(_ context.Context) ([]signal.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	now := time.Now()
	out := make([]signal.Tick, len(s.ticks))
	for i, t := range s.ticks {
		t.ObservedAt = now
		out[i] = t
	}
	return out, nil
}

func (s *scriptedSource) set(ticks []signal.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = ticks
	s.err = nil
}

func (s *scriptedSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type fakeAdapter struct {
	mu       sync.Mutex
	execErr  error
	orders   []exec.Order
	outcomes []perf.TradeOutcome
}

func (a *fakeAdapter) Execute(_ context.Context, order exec.Order) (exec.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders = append(a.orders, order)
	if a.execErr != nil {
		return exec.Ack{}, a.execErr
	}
	return exec.Ack{
		OrderRef:  fmt.Sprintf("ord-%d", len(a.orders)),
		Asset:     order.Asset,
		Side:      order.Side,
		FillPrice: 100,
		FilledUSD: order.SizeUSD,
		AckedAt:   time.Now(),
	}, nil
}

func (a *fakeAdapter) Outcomes(_ context.Context, _ time.Time) ([]perf.TradeOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]perf.TradeOutcome(nil), a.outcomes...), nil
}

func (a *fakeAdapter) failExec(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execErr = err
}

func (a *fakeAdapter) addOutcome(o perf.TradeOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
}

func (a *fakeAdapter) ordersSeen() []exec.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]exec.Order(nil), a.orders...)
}

type fakeProvider struct {
	mu  sync.Mutex
	hf  float64
	err error
}

func (p *fakeProvider) Health(_ context.Context) (leverage.Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return leverage.Health{}, p.err
	}
	return leverage.Health{
		HealthFactor:  p.hf,
		CollateralUSD: 5000,
		DebtUSD:       1000,
		ObservedAt:    time.Now(),
	}, nil
}

func (p *fakeProvider) set(hf float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hf = hf
	p.err = nil
}

func (p *fakeProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func testConfig() *config.Config {
	return &config.Config{
		RunMode:              "continuous",
		CycleIntervalMinutes: 15,
		DayBoundaryTimezone:  "UTC",
		RebalanceEveryCycles: 4,
		IncubationWeightCap:  0.10,
		Performance: config.PerformanceConfig{
			MinTradesForSnapshot:  3,
			SnapshotWindow:        50,
			CorrelationMinOverlap: 3,
		},
		Promotion:                config.PromotionConfig{MinTrades: 20, MinScore: 1.2, MinWinRate: 0.55},
		DemotionScore:            -0.5,
		RetireAfterFailedReviews: 3,
		Risk: config.RiskConfig{
			MaxDailyLossPct:      0.01,
			MaxConsecutiveLosses: 4,
			LeverageCaution:      2.0,
			LeverageWarning:      1.8,
			LeverageCritical:     1.5,
			ThrottleFraction:     0.5,
			MaxPositionPct:       0.2,
			MinPositionUSD:       10,
		},
		Signal:        config.SignalConfig{Source: "static", MaxAgeMinutes: 5, MinConfidence: 0.3, TimeoutSeconds: 5},
		Execution:     config.ExecutionConfig{Adapter: "paper", AckTimeoutSeconds: 5},
		Leverage:      config.LeverageConfig{Provider: "static", TimeoutSeconds: 5},
		InitialEquity: 10_000,
	}
}

type harness struct {
	cfg      *config.Config
	registry *strategy.Registry
	tracker  *perf.Tracker
	store    *fakeStore
	source   *scriptedSource
	adapter  *fakeAdapter
	provider *fakeProvider
	orch     *Orchestrator
}

func newHarness(t *testing.T, ticks []signal.Tick) *harness {
	t.Helper()

	cfg := testConfig()
	registry := strategy.NewRegistry(cfg.IncubationWeightCap)
	require.NoError(t, registry.Register(strategy.Strategy{ID: "breakout-btc", Name: "BTC Breakout", Kind: "breakout"}))

	h := &harness{
		cfg:      cfg,
		registry: registry,
		tracker:  perf.NewTracker(),
		store:    &fakeStore{},
		source:   &scriptedSource{ticks: ticks},
		adapter:  &fakeAdapter{},
		provider: &fakeProvider{hf: 2.5},
	}
	h.orch = New(Deps{
		Config:     cfg,
		Registry:   registry,
		Tracker:    h.tracker,
		Estimator:  perf.NewEstimator(cfg.Performance.CorrelationMinOverlap, cfg.DayLocation()),
		Rebalancer: allocate.NewRebalancer(cfg.IncubationWeightCap),
		Gate: risk.NewGate(risk.Limits{
			MaxDailyLossPct:      cfg.Risk.MaxDailyLossPct,
			MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
			LeverageCaution:      cfg.Risk.LeverageCaution,
			LeverageWarning:      cfg.Risk.LeverageWarning,
			LeverageCritical:     cfg.Risk.LeverageCritical,
			ThrottleFraction:     cfg.Risk.ThrottleFraction,
			MaxPositionPct:       cfg.Risk.MaxPositionPct,
			MinPositionUSD:       cfg.Risk.MinPositionUSD,
		}),
		Ingestor: signal.NewIngestor(cfg.GetMaxSignalAge()),
		Source:   h.source,
		Adapter:  h.adapter,
		Leverage: h.provider,
		Store:    h.store,
	})
	return h
}

func buyTick() []signal.Tick {
	return []signal.Tick{{StrategyID: "breakout-btc", Asset: "BTCUSDT", Spread: 0.004, VolumeUSD: 1_000_000, Confidence: 0.8}}
}

func TestRunCycle_CommitsFullCycle(t *testing.T) {
	h := newHarness(t, buyTick())

	require.NoError(t, h.orch.RunCycle(context.Background()))

	require.Equal(t, 1, h.store.count())
	rec := h.store.last()
	assert.Equal(t, int64(1), rec.CycleNumber)
	assert.True(t, rec.Success)
	assert.Equal(t, StateVersion, rec.StateVersion)
	assert.InDelta(t, 10_000.0, rec.Equity, 1e-9)

	// Incubation cap 0.10 of equity, scaled by confidence 0.8.
	require.Len(t, rec.Decisions, 1)
	row := rec.Decisions[0]
	assert.Equal(t, risk.ResultApproved, row.GateResult)
	assert.Equal(t, store.AckAcked, row.AckStatus)
	assert.Equal(t, risk.ActionOpenLong, row.Action)
	assert.InDelta(t, 800.0, row.ApprovedUSD, 1e-9)
	assert.NotEmpty(t, row.OrderRef)

	orders := h.adapter.ordersSeen()
	require.Len(t, orders, 1)
	assert.Equal(t, exec.SideBuy, orders[0].Side)
	assert.InDelta(t, 800.0, orders[0].SizeUSD, 1e-9)

	doc, err := ParseStateDocument(rec.StateJSON)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.CycleNumber)
	assert.InDelta(t, 800.0, doc.Exposure["breakout-btc|BTCUSDT"], 1e-9)

	s, err := h.registry.Get("breakout-btc")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, s.Weight, 1e-9)

	assert.Equal(t, int64(1), h.orch.Status().CycleNumber)
}

func TestRunCycle_HoldsAtTargetExposure(t *testing.T) {
	h := newHarness(t, buyTick())

	require.NoError(t, h.orch.RunCycle(context.Background()))
	require.NoError(t, h.orch.RunCycle(context.Background()))

	// Already at target, the same signal must not pyramid the position.
	require.Equal(t, 2, h.store.count())
	assert.Empty(t, h.store.last().Decisions)
	assert.Len(t, h.adapter.ordersSeen(), 1)
	assert.InDelta(t, 800.0, h.orch.Exposure()["breakout-btc|BTCUSDT"], 1e-9)
}

func TestRunCycle_NegativeSpreadClosesPosition(t *testing.T) {
	h := newHarness(t, buyTick())
	require.NoError(t, h.orch.RunCycle(context.Background()))

	h.source.set([]signal.Tick{{StrategyID: "breakout-btc", Asset: "BTCUSDT", Spread: -0.002, VolumeUSD: 900_000, Confidence: 0.9}})
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec := h.store.last()
	require.Len(t, rec.Decisions, 1)
	row := rec.Decisions[0]
	assert.Equal(t, risk.ActionCloseLong, row.Action)
	assert.Equal(t, risk.ResultApproved, row.GateResult)
	assert.InDelta(t, 800.0, row.RequestedUSD, 1e-9)

	orders := h.adapter.ordersSeen()
	require.Len(t, orders, 2)
	assert.Equal(t, exec.SideSell, orders[1].Side)

	assert.InDelta(t, 0.0, h.orch.Exposure()["breakout-btc|BTCUSDT"], 1e-9)
}

func TestRunCycle_SignalOutageDegradesCycle(t *testing.T) {
	h := newHarness(t, buyTick())
	h.source.fail(errors.New("scanner returned 502"))

	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec := h.store.last()
	assert.True(t, rec.Success)
	assert.Contains(t, rec.ErrorMessage, "signal source unavailable")
	assert.Empty(t, rec.Decisions)
	assert.Empty(t, h.adapter.ordersSeen())
}

func TestRunCycle_StaleLeverageBlocksOpensNotCloses(t *testing.T) {
	h := newHarness(t, buyTick())
	require.NoError(t, h.orch.RunCycle(context.Background()))

	h.provider.fail(leverage.ErrUnavailable)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	// No fresh reading: the open signal is dropped before the gate.
	rec := h.store.last()
	assert.Contains(t, rec.ErrorMessage, "leverage health unavailable")
	assert.Empty(t, rec.Decisions)

	// An exit still goes through; flattening never waits on the loan feed.
	h.source.set([]signal.Tick{{StrategyID: "breakout-btc", Asset: "BTCUSDT", Spread: -0.003, VolumeUSD: 900_000, Confidence: 0.9}})
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec = h.store.last()
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, risk.ActionCloseLong, rec.Decisions[0].Action)
	assert.Equal(t, risk.ResultApproved, rec.Decisions[0].GateResult)
}

func TestRunCycle_LeverageCriticalHaltsUntilReset(t *testing.T) {
	h := newHarness(t, buyTick())

	h.provider.set(1.3)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec := h.store.last()
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, risk.ResultRejected, rec.Decisions[0].GateResult)
	assert.Equal(t, risk.ReasonLeverageCritical, rec.Decisions[0].Reason)
	assert.True(t, h.orch.RiskState().TradingHalted)
	assert.Empty(t, h.adapter.ordersSeen())

	// Health recovered, but only an explicit reset clears the halt.
	h.provider.set(2.5)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec = h.store.last()
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, risk.ResultRejected, rec.Decisions[0].GateResult)
	assert.Equal(t, risk.ReasonTradingHalted, rec.Decisions[0].Reason)

	h.orch.RequestHaltReset()
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec = h.store.last()
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, risk.ResultApproved, rec.Decisions[0].GateResult)
	assert.False(t, h.orch.RiskState().TradingHalted)
	assert.Len(t, h.adapter.ordersSeen(), 1)
}

func TestRunCycle_RealizedLossesGateNewExposure(t *testing.T) {
	h := newHarness(t, buyTick())
	h.adapter.addOutcome(perf.TradeOutcome{
		StrategyID: "breakout-btc",
		Timestamp:  time.Now(),
		PnL:        -150,
		Win:        false,
		SourceRef:  "paper:1",
	})

	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec := h.store.last()
	require.Len(t, rec.Outcomes, 1)
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, risk.ResultRejected, rec.Decisions[0].GateResult)
	assert.Equal(t, risk.ReasonDailyLossLimit, rec.Decisions[0].Reason)

	state := h.orch.RiskState()
	assert.InDelta(t, 150.0, state.DailyLossTotal, 1e-9)
	assert.False(t, state.TradingHalted)
}

func TestRunCycle_AckTimeoutPendingThenReconciled(t *testing.T) {
	h := newHarness(t, buyTick())
	h.adapter.failExec(exec.ErrAckTimeout)

	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec := h.store.last()
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, store.AckPending, rec.Decisions[0].AckStatus)
	assert.Empty(t, rec.Decisions[0].OrderRef)
	assert.Empty(t, h.store.ackedCalls())

	// The ledger assumes the fill until the venue proves otherwise.
	doc, err := ParseStateDocument(rec.StateJSON)
	require.NoError(t, err)
	assert.InDelta(t, 800.0, doc.Exposure["breakout-btc|BTCUSDT"], 1e-9)

	// A realized outcome for the strategy confirms the order landed.
	h.adapter.failExec(nil)
	h.source.set(nil)
	h.adapter.addOutcome(perf.TradeOutcome{
		StrategyID: "breakout-btc",
		Timestamp:  time.Now(),
		PnL:        12.5,
		Win:        true,
		SourceRef:  "binance:BTCUSDT:9",
	})
	require.NoError(t, h.orch.RunCycle(context.Background()))

	assert.Equal(t, []string{"1/breakout-btc"}, h.store.ackedCalls())
}

func TestRunCycle_PersistFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, buyTick())
	h.adapter.addOutcome(perf.TradeOutcome{
		StrategyID: "breakout-btc",
		Timestamp:  time.Now(),
		PnL:        -150,
		Win:        false,
		SourceRef:  "paper:1",
	})
	h.store.failCommit(errors.New("disk full"))

	err := h.orch.RunCycle(context.Background())
	require.ErrorContains(t, err, "not committed")

	// Nothing from the aborted cycle is visible.
	assert.Equal(t, int64(0), h.orch.Status().CycleNumber)
	assert.Empty(t, h.orch.Exposure())
	assert.InDelta(t, 0.0, h.orch.RiskState().DailyLossTotal, 1e-9)
	s, getErr := h.registry.Get("breakout-btc")
	require.NoError(t, getErr)
	assert.Zero(t, s.Weight)

	// Retry replays the same inputs: the loss hits the counters this time.
	h.store.failCommit(nil)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec := h.store.last()
	assert.Equal(t, int64(1), rec.CycleNumber)
	require.Len(t, rec.Outcomes, 1)
	assert.InDelta(t, 150.0, h.orch.RiskState().DailyLossTotal, 1e-9)
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, risk.ReasonDailyLossLimit, rec.Decisions[0].Reason)
}

func TestRunCycle_DecisionsReplayFromCommittedState(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.registry.Register(strategy.Strategy{ID: "carry-eth", Name: "ETH Carry", Kind: "funding-carry"}))
	h.source.set([]signal.Tick{
		{StrategyID: "breakout-btc", Asset: "BTCUSDT", Spread: 0.004, VolumeUSD: 1_000_000, Confidence: 0.8},
		{StrategyID: "carry-eth", Asset: "ETHUSDT", Spread: 0.003, VolumeUSD: 800_000, Confidence: 0.8},
	})
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec1 := h.store.last()
	require.Len(t, rec1.Decisions, 2)
	for _, row := range rec1.Decisions {
		assert.Equal(t, risk.ResultApproved, row.GateResult)
		assert.InDelta(t, 800.0, row.ApprovedUSD, 1e-9)
	}

	// A realized loss plus degraded loan health: cycle two rejects the
	// fresh open and throttles the exit.
	h.adapter.addOutcome(perf.TradeOutcome{
		StrategyID: "breakout-btc",
		Timestamp:  time.Now(),
		PnL:        -150,
		Win:        false,
		SourceRef:  "paper:1",
	})
	h.provider.set(1.7)
	h.source.set([]signal.Tick{
		{StrategyID: "breakout-btc", Asset: "BTCUSDT", Spread: 0.004, VolumeUSD: 1_000_000, Confidence: 1.0},
		{StrategyID: "carry-eth", Asset: "ETHUSDT", Spread: -0.002, VolumeUSD: 800_000, Confidence: 0.9},
	})
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec2 := h.store.last()
	require.Len(t, rec2.Decisions, 2)
	for _, row := range rec2.Decisions {
		switch row.Action {
		case risk.ActionOpenLong:
			assert.Equal(t, risk.ResultRejected, row.GateResult)
			assert.Equal(t, risk.ReasonDailyLossLimit, row.Reason)
		case risk.ActionCloseLong:
			assert.Equal(t, risk.ResultThrottled, row.GateResult)
			assert.Equal(t, risk.ReasonLeverageWarning, row.Reason)
			assert.InDelta(t, 400.0, row.ApprovedUSD, 1e-9)
		}
	}

	// Re-run every recorded decision through a fresh gate seeded only from
	// the committed documents. The counters the gate reads are written at
	// ingest and land unchanged in the cycle's own document; the halt flags
	// are the one thing the gate can flip mid-cycle, so those come from the
	// prior document.
	gate := risk.NewGate(risk.Limits{
		MaxDailyLossPct:      h.cfg.Risk.MaxDailyLossPct,
		MaxConsecutiveLosses: h.cfg.Risk.MaxConsecutiveLosses,
		LeverageCaution:      h.cfg.Risk.LeverageCaution,
		LeverageWarning:      h.cfg.Risk.LeverageWarning,
		LeverageCritical:     h.cfg.Risk.LeverageCritical,
		ThrottleFraction:     h.cfg.Risk.ThrottleFraction,
		MaxPositionPct:       h.cfg.Risk.MaxPositionPct,
		MinPositionUSD:       h.cfg.Risk.MinPositionUSD,
	})
	var prior *StateDocument
	for _, rec := range []*store.CycleRecord{rec1, rec2} {
		doc, err := ParseStateDocument(rec.StateJSON)
		require.NoError(t, err)

		state := doc.Risk
		if prior == nil || !prior.Risk.TradingHalted || !doc.Risk.TradingHalted {
			state.ClearHalt()
		} else {
			state.Halt(prior.Risk.HaltReason)
		}

		for _, row := range rec.Decisions {
			d := gate.Evaluate(&state, risk.Proposal{
				StrategyID: row.StrategyID,
				Asset:      row.Asset,
				Action:     row.Action,
				SizeUSD:    row.RequestedUSD,
			}, rec.Equity)
			assert.Equal(t, row.GateResult, d.Result, "cycle %d %s", rec.CycleNumber, row.StrategyID)
			assert.Equal(t, row.Reason, d.Reason, "cycle %d %s", rec.CycleNumber, row.StrategyID)
			assert.InDelta(t, row.ApprovedUSD, d.ApprovedUSD, 1e-9, "cycle %d %s", rec.CycleNumber, row.StrategyID)
		}
		assert.Equal(t, doc.Risk.TradingHalted, state.TradingHalted)
		prior = doc
	}
}

func TestRestore_ResumesFromCommittedState(t *testing.T) {
	h := newHarness(t, buyTick())
	require.NoError(t, h.orch.RunCycle(context.Background()))
	rec := h.store.last()

	h2 := newHarness(t, nil)
	h2.store.restored = &store.RestoredState{
		CycleNumber:  rec.CycleNumber,
		StateVersion: rec.StateVersion,
		StateJSON:    rec.StateJSON,
	}
	h2.store.history = []perf.TradeOutcome{{
		StrategyID: "breakout-btc",
		Timestamp:  time.Now().Add(-time.Hour),
		PnL:        12.5,
		Win:        true,
		SourceRef:  "binance:BTCUSDT:4",
	}}

	require.NoError(t, h2.orch.Restore())

	assert.Equal(t, int64(1), h2.orch.Status().CycleNumber)
	assert.InDelta(t, 800.0, h2.orch.Exposure()["breakout-btc|BTCUSDT"], 1e-9)
	assert.InDelta(t, 12.5, h2.tracker.TotalPnL(), 1e-9)
	s, err := h2.registry.Get("breakout-btc")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, s.Weight, 1e-9)

	require.NoError(t, h2.orch.RunCycle(context.Background()))
	assert.Equal(t, int64(2), h2.store.last().CycleNumber)
}

func TestRestore_HaltSurvivesRestart(t *testing.T) {
	doc := &StateDocument{
		Version:     StateVersion,
		CycleNumber: 7,
		SavedAt:     time.Now(),
		Registry: []strategy.Strategy{{
			ID:            "breakout-btc",
			Name:          "BTC Breakout",
			Kind:          "breakout",
			Status:        strategy.StatusActive,
			Weight:        0.5,
			InceptionTime: time.Now().Add(-30 * 24 * time.Hour),
			TradeCount:    12,
		}},
		FailedReviews: map[string]int{"breakout-btc": 1},
		Risk: risk.State{
			TradingHalted:  true,
			HaltReason:     risk.ReasonLeverageCritical,
			CurrentDay:     "2020-01-01",
			DayStartEquity: 10_000,
		},
		Exposure: map[string]float64{"breakout-btc|BTCUSDT": 400},
	}
	raw, err := doc.Marshal()
	require.NoError(t, err)

	h := newHarness(t, buyTick())
	h.store.restored = &store.RestoredState{CycleNumber: 7, StateVersion: StateVersion, StateJSON: raw}
	require.NoError(t, h.orch.Restore())

	assert.True(t, h.orch.RiskState().TradingHalted)
	assert.Equal(t, map[string]int{"breakout-btc": 1}, h.registry.FailedReviews())

	// Day roll on the next cycle resets counters but never the halt.
	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec := h.store.last()
	assert.Equal(t, int64(8), rec.CycleNumber)
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, risk.ReasonTradingHalted, rec.Decisions[0].Reason)
	state := h.orch.RiskState()
	assert.True(t, state.TradingHalted)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), state.CurrentDay)
}

func TestRun_OnceModeRunsSingleCycle(t *testing.T) {
	h := newHarness(t, buyTick())
	h.cfg.RunMode = "once"

	require.NoError(t, h.orch.Run(context.Background(), NewManualScheduler()))

	assert.Equal(t, 1, h.store.count())
}

func TestRun_SchedulerDrivesCyclesUntilCancel(t *testing.T) {
	h := newHarness(t, buyTick())
	ctx, cancel := context.WithCancel(context.Background())
	sched := NewManualScheduler()

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, sched) }()

	require.Eventually(t, func() bool { return h.store.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	sched.Fire()
	require.Eventually(t, func() bool { return h.store.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
}

func TestRequestRebalance_TriggersPromptRecompute(t *testing.T) {
	h := newHarness(t, buyTick())
	h.cfg.RebalanceEveryCycles = 100

	var mu sync.Mutex
	var frames []Frame
	h.orch.SetEmitter(func(f Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})
	frameCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(frames)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := NewManualScheduler()
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, sched) }()

	require.Eventually(t, func() bool { return frameCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	sched.Fire()
	require.Eventually(t, func() bool { return frameCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	h.orch.RequestRebalance()
	require.Eventually(t, func() bool { return frameCount() >= 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, frames[0].Rebalanced)  // first cycle always assigns weights
	assert.False(t, frames[1].Rebalanced) // off-schedule, no request
	assert.True(t, frames[2].Rebalanced)  // explicit request
}
