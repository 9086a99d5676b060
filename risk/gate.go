package risk

// Gate results
const (
	ResultApproved  = "APPROVED"
	ResultRejected  = "REJECTED"
	ResultThrottled = "THROTTLED"
)

// Denial and throttle reasons, recorded on every non-clean Decision
const (
	ReasonTradingHalted     = "trading_halted"
	ReasonLeverageCritical  = "leverage_critical"
	ReasonLeverageWarning   = "leverage_warning"
	ReasonDailyLossLimit    = "daily_loss_limit_exceeded"
	ReasonConsecutiveLosses = "consecutive_loss_limit"
	ReasonPositionClamped   = "position_size_clamped"
	ReasonBelowMinSize      = "below_min_size"
)

// Proposal actions
const (
	ActionOpenLong  = "open_long"
	ActionCloseLong = "close_long"
	ActionWait      = "wait"
)

// Limits hard limits enforced by the gate chain
type Limits struct {
	MaxDailyLossPct      float64
	MaxConsecutiveLosses int
	LeverageCaution      float64
	LeverageWarning      float64
	LeverageCritical     float64
	ThrottleFraction     float64
	MaxPositionPct       float64
	MinPositionUSD       float64
}

// Proposal one proposed action entering the gate
type Proposal struct {
	StrategyID string  `json:"strategy_id"`
	Asset      string  `json:"asset"`
	Action     string  `json:"action"`
	SizeUSD    float64 `json:"size_usd"`
	Confidence float64 `json:"confidence"`
}

// NewRisk reports whether the action opens fresh exposure. Risk-reducing
// actions pass the loss-limit checks so a bad day can still be flattened.
func (p Proposal) NewRisk() bool {
	return p.Action == ActionOpenLong
}

// Decision the gate's composite verdict on one proposal
type Decision struct {
	CycleID      int64   `json:"cycle_id"`
	StrategyID   string  `json:"strategy_id"`
	Asset        string  `json:"asset"`
	Action       string  `json:"action"`
	RequestedUSD float64 `json:"requested_usd"`
	ApprovedUSD  float64 `json:"approved_usd"`
	Result       string  `json:"gate_result"`
	Reason       string  `json:"reason,omitempty"`
}

// Gate a fixed-order chain of safety checks. Each check is a pure function
// of (state, proposal, live inputs); the chain short-circuits on the first
// denial. Evaluate mutates only the working state passed in, which the
// orchestrator commits at persist time or discards on abort.
type Gate struct {
	limits Limits
}

// NewGate creates a risk gate
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

// Limits returns the configured hard limits
func (g *Gate) Limits() Limits {
	return g.limits
}

// Evaluate runs one proposal through the chain: halt flag, leverage health,
// daily loss limit, consecutive-loss breaker, position sizing.
func (g *Gate) Evaluate(state *State, p Proposal, tradableEquity float64) Decision {
	decision := Decision{
		StrategyID:   p.StrategyID,
		Asset:        p.Asset,
		Action:       p.Action,
		RequestedUSD: p.SizeUSD,
		ApprovedUSD:  p.SizeUSD,
		Result:       ResultApproved,
	}

	if state.TradingHalted {
		return deny(decision, ReasonTradingHalted)
	}

	throttled := false

	// 1. Leverage health. A factor of 0 means the provider has never
	// reported; the check is skipped rather than halting on ignorance.
	hf := state.LeverageHealthFactor
	if hf > 0 {
		if hf < g.limits.LeverageCritical {
			state.Halt(ReasonLeverageCritical)
			return deny(decision, ReasonLeverageCritical)
		}
		if hf < g.limits.LeverageWarning {
			decision.ApprovedUSD = p.SizeUSD * g.limits.ThrottleFraction
			decision.Reason = ReasonLeverageWarning
			throttled = true
		}
	}

	if p.NewRisk() {
		// 2. Daily loss limit
		if state.DailyLossBreached(g.limits.MaxDailyLossPct) {
			return deny(decision, ReasonDailyLossLimit)
		}

		// 3. Consecutive-loss circuit breaker
		if state.StreakBreached(g.limits.MaxConsecutiveLosses) {
			return deny(decision, ReasonConsecutiveLosses)
		}

		// 4. Position sizing: clamp oversize down, deny dust
		maxSize := g.limits.MaxPositionPct * tradableEquity
		if decision.ApprovedUSD > maxSize {
			decision.ApprovedUSD = maxSize
			if !throttled {
				decision.Reason = ReasonPositionClamped
			}
			throttled = true
		}
		if decision.ApprovedUSD < g.limits.MinPositionUSD {
			return deny(decision, ReasonBelowMinSize)
		}
	}

	if throttled {
		decision.Result = ResultThrottled
	}
	return decision
}

func deny(d Decision, reason string) Decision {
	d.Result = ResultRejected
	d.Reason = reason
	d.ApprovedUSD = 0
	return d
}
