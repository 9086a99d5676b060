package cycle

import "time"

// Scheduler decides when the next cycle starts. An interface so tests drive
// cycles without wall-clock waits.
type Scheduler interface {
	C() <-chan time.Time
	Stop()
}

// TickerScheduler fires at a fixed interval.
type TickerScheduler struct {
	ticker *time.Ticker
}

// NewTickerScheduler creates the production wall-clock scheduler
func NewTickerScheduler(interval time.Duration) *TickerScheduler {
	return &TickerScheduler{ticker: time.NewTicker(interval)}
}

func (s *TickerScheduler) C() <-chan time.Time { return s.ticker.C }

func (s *TickerScheduler) Stop() { s.ticker.Stop() }

// ManualScheduler fires only when told to.
type ManualScheduler struct {
	ch chan time.Time
}

// NewManualScheduler creates a scheduler driven by explicit Fire calls
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{ch: make(chan time.Time, 1)}
}

// Fire queues one cycle start. Never blocks.
func (s *ManualScheduler) Fire() {
	select {
	case s.ch <- time.Now():
	default:
	}
}

func (s *ManualScheduler) C() <-chan time.Time { return s.ch }

func (s *ManualScheduler) Stop() {}
