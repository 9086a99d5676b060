package risk

// State the mutable safety state shared across checks. Exactly one goroutine
// mutates it: cycles work on a copy and the orchestrator installs the copy
// only after a successful persist, so an aborted cycle leaves no trace.
type State struct {
	ConsecutiveLosses    int     `json:"consecutive_losses"`
	DailyLossTotal       float64 `json:"daily_loss_total"` // net realized loss since day start, floored at 0
	DayStartEquity       float64 `json:"day_start_equity"`
	LeverageHealthFactor float64 `json:"leverage_health_factor"` // last observed; 0 means never observed
	TradingHalted        bool    `json:"trading_halted"`
	HaltReason           string  `json:"halt_reason,omitempty"`
	CurrentDay           string  `json:"current_day"` // calendar date in the configured timezone
}

// NewState creates the initial risk state for a fresh deployment
func NewState(day string, equity float64) State {
	return State{
		CurrentDay:     day,
		DayStartEquity: equity,
	}
}

// ApplyOutcome folds one realized trade into the loss counters. A win resets
// the consecutive-loss streak; a loss extends it. Losses consume the daily
// budget, wins restore headroom but never push the total negative.
func (s *State) ApplyOutcome(pnl float64, win bool) {
	if win {
		s.ConsecutiveLosses = 0
	} else {
		s.ConsecutiveLosses++
	}
	s.DailyLossTotal -= pnl
	if s.DailyLossTotal < 0 {
		s.DailyLossTotal = 0
	}
}

// RollDay resets the daily counters at the configured day boundary. The halt
// flag deliberately survives: only an explicit reset clears an emergency.
func (s *State) RollDay(day string, equity float64) {
	s.CurrentDay = day
	s.DayStartEquity = equity
	s.DailyLossTotal = 0
	s.ConsecutiveLosses = 0
}

// Halt stops all trading until an explicit reset
func (s *State) Halt(reason string) {
	s.TradingHalted = true
	s.HaltReason = reason
}

// ClearHalt explicit operator reset of a trading halt
func (s *State) ClearHalt() {
	s.TradingHalted = false
	s.HaltReason = ""
}

// DailyLossBreached reports whether the daily loss budget is spent
func (s *State) DailyLossBreached(maxDailyLossPct float64) bool {
	return s.DailyLossTotal >= maxDailyLossPct*s.DayStartEquity
}

// StreakBreached reports whether the consecutive-loss breaker has tripped
func (s *State) StreakBreached(maxConsecutiveLosses int) bool {
	return s.ConsecutiveLosses >= maxConsecutiveLosses
}
