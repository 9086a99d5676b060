package cycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

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

// Storage is the slice of the store the cycle loop needs.
type Storage interface {
	CommitCycle(record *store.CycleRecord) error
	RestoreLatest() (*store.RestoredState, error)
	AllOutcomes() ([]perf.TradeOutcome, error)
	MarkDecisionsAcked(cycleNumber int64, strategyID string) (int64, error)
}

// Frame is one cycle's emitted summary, published to stream subscribers
// after a successful commit.
type Frame struct {
	CycleNumber int64                   `json:"cycle_number"`
	FinishedAt  time.Time               `json:"finished_at"`
	DurationMS  int64                   `json:"duration_ms"`
	Degraded    bool                    `json:"degraded"`
	Rebalanced  bool                    `json:"rebalanced"`
	Equity      float64                 `json:"equity"`
	Halted      bool                    `json:"trading_halted"`
	Decisions   []store.DecisionRow     `json:"decisions"`
	Transitions []strategy.ReviewResult `json:"transitions,omitempty"`
}

// Status is the operator view of the loop.
type Status struct {
	CycleNumber int64     `json:"cycle_number"`
	RunMode     string    `json:"run_mode"`
	Halted      bool      `json:"trading_halted"`
	HaltReason  string    `json:"halt_reason,omitempty"`
	Equity      float64   `json:"equity"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
	LastCycleAt time.Time `json:"last_cycle_at"`
}

// pendingAck marks a committed decision whose order was sent but never
// acknowledged. A later realized outcome for the strategy confirms the fill.
type pendingAck struct {
	cycleNumber int64
	strategyID  string
	after       time.Time
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Config     *config.Config
	Registry   *strategy.Registry
	Tracker    *perf.Tracker
	Estimator  *perf.Estimator
	Rebalancer *allocate.Rebalancer
	Gate       *risk.Gate
	Ingestor   *signal.Ingestor
	Source     signal.Source
	Adapter    exec.Adapter
	Leverage   leverage.Provider
	Store      Storage
}

// Orchestrator drives the decision cycle: INGEST → SCORE → REBALANCE → GATE
// → PERSIST → EMIT. Exactly one cycle runs at a time. Risk state and the
// exposure ledger are mutated on working copies installed only after the
// cycle commits, so an aborted cycle leaves no trace.
type Orchestrator struct {
	deps Deps
	loc  *time.Location

	runMu   sync.Mutex   // serializes cycles; pending acks live under it
	pending []pendingAck // orders sent without an ack, awaiting reconciliation

	mu          sync.RWMutex // guards the committed view below
	state       risk.State
	exposure    map[string]float64 // strategy|asset → open notional USD
	cycleNumber int64
	lastOutcome time.Time
	lastCycleAt time.Time
	lastMatrix  perf.CorrelationMatrix
	emit        func(Frame)

	startedAt    time.Time
	rebalanceReq atomic.Bool
	resetReq     atomic.Bool
	wake         chan struct{}
}

// New creates an orchestrator over already-constructed collaborators.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:      deps,
		loc:       deps.Config.DayLocation(),
		exposure:  make(map[string]float64),
		wake:      make(chan struct{}, 1),
		startedAt: time.Now(),
	}
	o.state = risk.NewState(o.dayKey(time.Now()), deps.Config.InitialEquity)
	return o
}

func (o *Orchestrator) dayKey(t time.Time) string {
	return t.In(o.loc).Format("2006-01-02")
}

// Restore loads the newest committed state document and replays the stored
// trade history into the tracker. An empty database starts fresh from the
// configuration.
func (o *Orchestrator) Restore() error {
	restored, err := o.deps.Store.RestoreLatest()
	if errors.Is(err, store.ErrNoHistory) {
		log.Printf("🆕 No cycle history, starting fresh (equity $%.2f)", o.deps.Config.InitialEquity)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	doc, err := ParseStateDocument(restored.StateJSON)
	if err != nil {
		return fmt.Errorf("cycle %d: %w", restored.CycleNumber, err)
	}

	o.deps.Registry.Restore(doc.Registry, doc.FailedReviews)
	o.deps.Tracker.RestoreSnapshots(doc.Snapshots)

	outcomes, err := o.deps.Store.AllOutcomes()
	if err != nil {
		return fmt.Errorf("failed to reload trade history: %w", err)
	}
	var last time.Time
	for _, oc := range outcomes {
		o.deps.Tracker.Record(oc)
		if oc.Timestamp.After(last) {
			last = oc.Timestamp
		}
	}

	o.mu.Lock()
	o.state = doc.Risk
	o.exposure = doc.Exposure
	if o.exposure == nil {
		o.exposure = make(map[string]float64)
	}
	o.cycleNumber = restored.CycleNumber
	o.lastOutcome = last
	o.mu.Unlock()

	log.Printf("🔄 Resumed from cycle %d: %d outcomes, %d strategies, halted=%v",
		restored.CycleNumber, len(outcomes), len(doc.Registry), doc.Risk.TradingHalted)
	return nil
}

// Run drives cycles until ctx is cancelled. The first cycle starts
// immediately; in "once" mode it is also the last.
func (o *Orchestrator) Run(ctx context.Context, sched Scheduler) error {
	log.Printf("🚀 Decision loop started (mode %s, interval %v)",
		o.deps.Config.RunMode, o.deps.Config.GetCycleInterval())
	defer sched.Stop()

	err := o.safeCycle(ctx)
	if o.deps.Config.RunMode == "once" {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("⏹  Decision loop stopped")
			return ctx.Err()
		case <-sched.C():
			o.safeCycle(ctx)
		case <-o.wake:
			o.safeCycle(ctx)
		}
	}
}

func (o *Orchestrator) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			log.Printf("🚨 PANIC in cycle: %v\n%s", r, buf[:n])
			cyclesTotal.WithLabelValues("panic").Inc()
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	if err := o.RunCycle(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("❌ Cycle failed: %v", err)
		}
		return err
	}
	return nil
}

// RunCycle executes one full decision cycle. Tests call it directly; Run
// calls it through the scheduler.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	start := time.Now()

	o.mu.RLock()
	number := o.cycleNumber + 1
	working := o.state
	exposure := copyExposure(o.exposure)
	since := o.lastOutcome
	o.mu.RUnlock()

	log.Printf("%s", strings.Repeat("=", 60))
	log.Printf("⏰ Cycle #%d - %s", number, start.Format("2006-01-02 15:04:05"))

	// The registry is the one collaborator mutated in place (by REBALANCE),
	// so keep a restore point until the cycle commits.
	priorRegistry := o.deps.Registry.All()
	priorFails := o.deps.Registry.FailedReviews()
	registryDirty := false
	committed := false
	defer func() {
		if registryDirty && !committed {
			o.deps.Registry.Restore(priorRegistry, priorFails)
		}
	}()

	var notes []string

	if o.resetReq.Swap(false) {
		working.ClearHalt()
		log.Printf("🔓 Trading halt cleared by operator request")
	}

	// Day boundary: counters reset before new outcomes are folded in, so a
	// fill collected after midnight counts against the new day's budget.
	if day := o.dayKey(start); working.CurrentDay != day {
		equity := o.deps.Config.InitialEquity + o.deps.Tracker.TotalPnL()
		working.RollDay(day, equity)
		log.Printf("📅 Day rolled to %s, day-start equity $%.2f", day, equity)
	}

	// INGEST
	ticks, signalsDown := o.ingest(ctx)
	if signalsDown {
		notes = append(notes, "signal source unavailable")
	}
	newOutcomes, latestOutcome := o.collectOutcomes(ctx, since, &working)
	o.reconcile(newOutcomes)
	healthFresh := o.readLeverage(ctx, &working)
	if !healthFresh {
		notes = append(notes, "leverage health unavailable")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	equity := o.deps.Config.InitialEquity + o.deps.Tracker.TotalPnL()

	// SCORE
	snapshots := o.score(ctx)

	// REBALANCE
	requested := o.rebalanceReq.Swap(false)
	rebalanced := false
	var transitions []strategy.ReviewResult
	if requested || number == 1 || number%int64(o.deps.Config.RebalanceEveryCycles) == 0 {
		registryDirty = true
		transitions = o.rebalance(snapshots)
		rebalanced = true
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// GATE: strictly one proposal at a time against the working state.
	proposals := o.buildProposals(ticks, exposure, equity, !healthFresh)
	decisions := make([]risk.Decision, 0, len(proposals))
	for _, p := range proposals {
		d := o.deps.Gate.Evaluate(&working, p, equity)
		d.CycleID = number
		decisions = append(decisions, d)
		gateDecisionsTotal.WithLabelValues(d.Result, d.Reason).Inc()
	}

	rows := o.execute(ctx, number, decisions, exposure)

	// PERSIST: one transaction, or the cycle never happened.
	doc := &StateDocument{
		Version:       StateVersion,
		CycleNumber:   number,
		SavedAt:       time.Now(),
		Registry:      o.deps.Registry.All(),
		FailedReviews: o.deps.Registry.FailedReviews(),
		Risk:          working,
		Snapshots:     o.deps.Tracker.LatestAll(),
		Exposure:      exposure,
	}
	stateJSON, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode state document: %w", err)
	}

	record := &store.CycleRecord{
		CycleNumber:  number,
		StartedAt:    start,
		FinishedAt:   time.Now(),
		StateVersion: StateVersion,
		StateJSON:    stateJSON,
		Success:      true,
		ErrorMessage: strings.Join(notes, "; "),
		Decisions:    rows,
		Outcomes:     newOutcomes,
		Snapshots:    snapshotList(snapshots),
		Equity:       equity,
	}
	if err := o.deps.Store.CommitCycle(record); err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("cycle %d not committed: %w", number, err)
	}
	committed = true

	o.mu.Lock()
	o.state = working
	o.exposure = exposure
	o.cycleNumber = number
	o.lastOutcome = latestOutcome
	o.lastCycleAt = record.FinishedAt
	emit := o.emit
	o.mu.Unlock()

	cyclesTotal.WithLabelValues("committed").Inc()
	cycleDuration.Observe(time.Since(start).Seconds())
	o.observeGauges(working)

	// EMIT
	approved := 0
	for _, row := range rows {
		if row.GateResult != risk.ResultRejected {
			approved++
		}
	}
	summary := fmt.Sprintf("✅ Cycle %d: %d ticks, %d decisions (%d approved), equity $%.2f",
		number, len(ticks), len(rows), approved, equity)
	if len(notes) > 0 {
		summary += " (degraded: " + strings.Join(notes, ", ") + ")"
	}
	log.Print(summary)

	if emit != nil {
		emit(Frame{
			CycleNumber: number,
			FinishedAt:  record.FinishedAt,
			DurationMS:  time.Since(start).Milliseconds(),
			Degraded:    len(notes) > 0,
			Rebalanced:  rebalanced,
			Equity:      equity,
			Halted:      working.TradingHalted,
			Decisions:   rows,
			Transitions: transitions,
		})
	}
	return nil
}

// ingest pulls one batch of observations from the signal source. A source
// failure degrades the cycle instead of aborting it.
func (o *Orchestrator) ingest(ctx context.Context) ([]signal.Tick, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.deps.Config.GetSignalTimeout())
	defer cancel()

	raw, err := o.deps.Source.Fetch(fetchCtx)
	if err != nil {
		log.Printf("⚠️  Signal source '%s' unavailable: %v", o.deps.Source.Name(), err)
		return nil, true
	}
	ticks := o.deps.Ingestor.Normalize(raw, time.Now())
	signalsIngestedTotal.Add(float64(len(ticks)))
	return ticks, false
}

type outcomeKey struct {
	strategyID string
	at         int64
	pnl        float64
}

// collectOutcomes pulls realized trades since the committed watermark and
// folds them into the tracker and the working risk state. The watermark, not
// the tracker, decides what the risk state replays: outcomes folded into the
// tracker by a cycle that later failed to commit must hit the loss counters
// again on retry, and Record is idempotent either way.
func (o *Orchestrator) collectOutcomes(ctx context.Context, since time.Time, working *risk.State) ([]perf.TradeOutcome, time.Time) {
	outCtx, cancel := context.WithTimeout(ctx, o.deps.Config.GetAckTimeout())
	defer cancel()

	collected, err := o.deps.Adapter.Outcomes(outCtx, since)
	if err != nil {
		log.Printf("⚠️  Outcome collection failed: %v", err)
		return nil, since
	}
	sort.Slice(collected, func(i, j int) bool {
		return collected[i].Timestamp.Before(collected[j].Timestamp)
	})

	latest := since
	tracked := 0
	seen := make(map[outcomeKey]struct{}, len(collected))
	var fresh []perf.TradeOutcome
	for _, oc := range collected {
		key := outcomeKey{strategyID: oc.StrategyID, at: oc.Timestamp.UnixNano(), pnl: oc.PnL}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if o.deps.Tracker.Record(oc) {
			tracked++
		}
		if !oc.Timestamp.After(since) {
			continue
		}
		fresh = append(fresh, oc)
		working.ApplyOutcome(oc.PnL, oc.Win)
		if oc.Timestamp.After(latest) {
			latest = oc.Timestamp
		}
	}
	if tracked > 0 {
		outcomesRecordedTotal.Add(float64(tracked))
	}
	if len(fresh) > 0 {
		log.Printf("💰 %d new outcomes recorded", len(fresh))
	}
	return fresh, latest
}

// reconcile flips PENDING decisions to ACKED once a realized outcome for the
// same strategy arrives after the order was sent.
func (o *Orchestrator) reconcile(fresh []perf.TradeOutcome) {
	if len(o.pending) == 0 {
		return
	}

	still := o.pending[:0]
	for _, p := range o.pending {
		confirmed := false
		for _, oc := range fresh {
			if oc.StrategyID == p.strategyID && oc.Timestamp.After(p.after) {
				confirmed = true
				break
			}
		}
		if !confirmed {
			still = append(still, p)
			continue
		}
		if _, err := o.deps.Store.MarkDecisionsAcked(p.cycleNumber, p.strategyID); err != nil {
			log.Printf("⚠️  Failed to reconcile pending order for %s (cycle %d): %v", p.strategyID, p.cycleNumber, err)
			still = append(still, p)
			continue
		}
		log.Printf("🔗 Pending order for %s confirmed by outcome (cycle %d)", p.strategyID, p.cycleNumber)
	}
	o.pending = still
}

// readLeverage refreshes the health factor on the working state. Reports
// whether the reading is fresh; a stale reading blocks new exposure.
func (o *Orchestrator) readLeverage(ctx context.Context, working *risk.State) bool {
	levCtx, cancel := context.WithTimeout(ctx, o.deps.Config.GetLeverageTimeout())
	defer cancel()

	health, err := o.deps.Leverage.Health(levCtx)
	if err != nil {
		log.Printf("⚠️  Leverage health unavailable: %v", err)
		return false
	}
	working.LeverageHealthFactor = health.HealthFactor
	leverageHealthGauge.Set(health.HealthFactor)
	if health.DebtUSD > 0 {
		log.Printf("🏦 Loan health %.2f (collateral $%.2f, debt $%.2f)",
			health.HealthFactor, health.CollateralUSD, health.DebtUSD)
	}
	return true
}

// score fans per-strategy snapshot computation out across goroutines. The
// tracker is append-only, so the fan-out is read-only and needs no
// coordination beyond the result channel.
func (o *Orchestrator) score(ctx context.Context) map[string]perf.Snapshot {
	ids := o.deps.Registry.IDs()
	results := make(chan perf.Snapshot, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			snap, err := o.deps.Tracker.Snapshot(id,
				o.deps.Config.Performance.SnapshotWindow,
				o.deps.Config.Performance.MinTradesForSnapshot)
			if err != nil {
				return // below the history floor, not scored yet
			}
			results <- snap
		}(id)
	}
	wg.Wait()
	close(results)

	snapshots := make(map[string]perf.Snapshot, len(ids))
	for snap := range results {
		snapshots[snap.StrategyID] = snap
	}
	return snapshots
}

// rebalance reviews lifecycles against fresh statistics, then recomputes the
// weight assignment from score and correlation.
func (o *Orchestrator) rebalance(snapshots map[string]perf.Snapshot) []strategy.ReviewResult {
	cfg := o.deps.Config
	policy := strategy.ReviewPolicy{
		PromoteMinTrades:  cfg.Promotion.MinTrades,
		PromoteMinScore:   cfg.Promotion.MinScore,
		PromoteMinWinRate: cfg.Promotion.MinWinRate,
		DemoteBelowScore:  cfg.DemotionScore,
		RetireAfterFails:  cfg.RetireAfterFailedReviews,
	}

	var transitions []strategy.ReviewResult
	for _, s := range o.deps.Registry.All() {
		snap, ok := snapshots[s.ID]
		if !ok || s.Status == strategy.StatusRetired {
			continue
		}
		result, err := o.deps.Registry.Review(s.ID, strategy.ReviewStats{
			TradeCount: snap.TradeCount,
			Score:      snap.Score,
			WinRate:    snap.WinRate,
		}, policy)
		if err != nil {
			log.Printf("⚠️  Review of '%s' failed: %v", s.ID, err)
			continue
		}
		if result.Changed {
			transitions = append(transitions, result)
		}
	}

	allocatable := o.deps.Registry.Allocatable()
	ids := make([]string, 0, len(allocatable))
	for _, s := range allocatable {
		ids = append(ids, s.ID)
	}
	matrix := o.deps.Estimator.Matrix(ids, o.deps.Tracker.Outcomes)

	inputs := make([]allocate.Input, 0, len(allocatable))
	for _, s := range allocatable {
		in := allocate.Input{
			StrategyID:      s.ID,
			Status:          s.Status,
			InceptionTime:   s.InceptionTime,
			MeanCorrelation: matrix.MeanWithOthers(s.ID),
		}
		if snap, ok := snapshots[s.ID]; ok {
			in.HasSnapshot = true
			in.Sharpe = snap.Score
			in.WinRate = snap.WinRate
			in.MaxDrawdown = snap.MaxDrawdown
		}
		inputs = append(inputs, in)
	}

	weights := o.deps.Rebalancer.Weights(inputs)
	if err := o.deps.Registry.ApplyWeights(weights); err != nil {
		log.Printf("❌ Weight assignment rejected, keeping previous allocation: %v", err)
	}

	o.mu.Lock()
	o.lastMatrix = matrix
	o.mu.Unlock()

	rebalancesTotal.Inc()
	return transitions
}

// buildProposals turns fresh observations into sized intents. Positive
// spread opens toward the strategy's weighted target, negative spread exits
// whatever the strategy holds in that asset. Without a fresh leverage
// reading no new exposure is proposed.
func (o *Orchestrator) buildProposals(ticks []signal.Tick, exposure map[string]float64, equity float64, leverageStale bool) []risk.Proposal {
	minConf := o.deps.Config.Signal.MinConfidence
	proposals := make([]risk.Proposal, 0, len(ticks))

	for _, t := range ticks {
		s, err := o.deps.Registry.Get(t.StrategyID)
		if err != nil {
			log.Printf("⚠️  Dropping tick for unknown strategy '%s'", t.StrategyID)
			continue
		}
		held := exposure[exposureKey(s.ID, t.Asset)]

		if t.Spread < 0 {
			if held > 0 {
				proposals = append(proposals, risk.Proposal{
					StrategyID: s.ID,
					Asset:      t.Asset,
					Action:     risk.ActionCloseLong,
					SizeUSD:    held,
					Confidence: t.Confidence,
				})
			}
			continue
		}

		if leverageStale || !strategy.IsAllocatable(s.Status) || s.Weight <= 0 {
			continue
		}
		if t.Confidence < minConf {
			continue
		}

		// Size toward target, never past the strategy's weight budget.
		budget := s.Weight * equity
		delta := budget*t.Confidence - held
		if room := budget - strategyExposure(exposure, s.ID); delta > room {
			delta = room
		}
		if delta <= 0 {
			continue
		}
		proposals = append(proposals, risk.Proposal{
			StrategyID: s.ID,
			Asset:      t.Asset,
			Action:     risk.ActionOpenLong,
			SizeUSD:    delta,
			Confidence: t.Confidence,
		})
	}
	return proposals
}

// execute sends approved decisions to the venue and settles the exposure
// ledger. Rejected decisions become SKIPPED audit rows.
func (o *Orchestrator) execute(ctx context.Context, number int64, decisions []risk.Decision, exposure map[string]float64) []store.DecisionRow {
	now := time.Now()
	rows := make([]store.DecisionRow, 0, len(decisions))

	for _, d := range decisions {
		row := store.DecisionRow{
			CycleNumber:  number,
			StrategyID:   d.StrategyID,
			Asset:        d.Asset,
			Action:       d.Action,
			RequestedUSD: d.RequestedUSD,
			ApprovedUSD:  d.ApprovedUSD,
			GateResult:   d.Result,
			Reason:       d.Reason,
			AckStatus:    store.AckSkipped,
			CreatedAt:    now,
		}
		if d.Result == risk.ResultRejected {
			rows = append(rows, row)
			continue
		}

		order := exec.Order{StrategyID: d.StrategyID, Asset: d.Asset, SizeUSD: d.ApprovedUSD}
		switch d.Action {
		case risk.ActionOpenLong:
			order.Side = exec.SideBuy
		case risk.ActionCloseLong:
			order.Side = exec.SideSell
		default:
			rows = append(rows, row)
			continue
		}

		ackCtx, cancel := context.WithTimeout(ctx, o.deps.Config.GetAckTimeout())
		ack, err := o.deps.Adapter.Execute(ackCtx, order)
		cancel()

		key := exposureKey(d.StrategyID, d.Asset)
		switch {
		case errors.Is(err, exec.ErrAckTimeout):
			// The order probably reached the venue; settle the ledger as if
			// filled and let the next realized outcome confirm it.
			row.AckStatus = store.AckPending
			o.pending = append(o.pending, pendingAck{cycleNumber: number, strategyID: d.StrategyID, after: now})
			settle(exposure, key, order.Side, order.SizeUSD)
			log.Printf("⏳ Order for %s %s sent but not acked, marked pending", d.StrategyID, d.Asset)
		case err != nil:
			row.AckStatus = store.AckFailed
			log.Printf("❌ Order for %s %s failed: %v", d.StrategyID, d.Asset, err)
		default:
			row.AckStatus = store.AckAcked
			row.OrderRef = ack.OrderRef
			settle(exposure, key, order.Side, ack.FilledUSD)
		}
		rows = append(rows, row)
	}
	return rows
}

func settle(exposure map[string]float64, key, side string, filledUSD float64) {
	if side == exec.SideBuy {
		exposure[key] += filledUSD
		return
	}
	exposure[key] = 0
}

func (o *Orchestrator) observeGauges(state risk.State) {
	dailyLossGauge.Set(state.DailyLossTotal)
	halted := 0.0
	if state.TradingHalted {
		halted = 1.0
	}
	tradingHaltedGauge.Set(halted)

	counts := make(map[string]int)
	for _, s := range o.deps.Registry.All() {
		counts[s.Status]++
	}
	for _, status := range []string{strategy.StatusIncubating, strategy.StatusActive, strategy.StatusPaused, strategy.StatusRetired} {
		strategiesByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// Status reports the loop state.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{
		CycleNumber: o.cycleNumber,
		RunMode:     o.deps.Config.RunMode,
		Halted:      o.state.TradingHalted,
		HaltReason:  o.state.HaltReason,
		Equity:      o.deps.Config.InitialEquity + o.deps.Tracker.TotalPnL(),
		StartedAt:   o.startedAt,
		Uptime:      time.Since(o.startedAt).Round(time.Second).String(),
		LastCycleAt: o.lastCycleAt,
	}
}

// Registry returns the strategy registry the loop reviews and weights.
func (o *Orchestrator) Registry() *strategy.Registry { return o.deps.Registry }

// Tracker returns the performance tracker.
func (o *Orchestrator) Tracker() *perf.Tracker { return o.deps.Tracker }

// Gate returns the risk gate.
func (o *Orchestrator) Gate() *risk.Gate { return o.deps.Gate }

// RiskState returns a copy of the committed risk state.
func (o *Orchestrator) RiskState() risk.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// CorrelationMatrix returns the matrix from the most recent rebalance.
func (o *Orchestrator) CorrelationMatrix() perf.CorrelationMatrix {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastMatrix
}

// Exposure returns a copy of the committed exposure ledger.
func (o *Orchestrator) Exposure() map[string]float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return copyExposure(o.exposure)
}

// RequestRebalance forces a weight recompute on the next cycle and wakes
// the loop.
func (o *Orchestrator) RequestRebalance() {
	o.rebalanceReq.Store(true)
	o.kick()
	log.Printf("⚖️  Rebalance requested")
}

// RequestHaltReset queues the explicit operator reset that clears a trading
// halt at the start of the next cycle.
func (o *Orchestrator) RequestHaltReset() {
	o.resetReq.Store(true)
	o.kick()
	log.Printf("🔓 Halt reset requested")
}

func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// SetEmitter registers the per-cycle frame consumer. Wired once, before Run.
func (o *Orchestrator) SetEmitter(emit func(Frame)) {
	o.mu.Lock()
	o.emit = emit
	o.mu.Unlock()
}

func exposureKey(strategyID, asset string) string {
	return strategyID + "|" + asset
}

func strategyExposure(exposure map[string]float64, strategyID string) float64 {
	total := 0.0
	prefix := strategyID + "|"
	for key, usd := range exposure {
		if strings.HasPrefix(key, prefix) {
			total += usd
		}
	}
	return total
}

func copyExposure(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func snapshotList(snapshots map[string]perf.Snapshot) []perf.Snapshot {
	list := make([]perf.Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		list = append(list, snap)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StrategyID < list[j].StrategyID })
	return list
}
