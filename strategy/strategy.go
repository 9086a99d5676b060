package strategy

import (
	"fmt"
	"time"
)

// Strategy lifecycle states
const (
	StatusIncubating = "INCUBATING"
	StatusActive     = "ACTIVE"
	StatusPaused     = "PAUSED"
	StatusRetired    = "RETIRED"
)

// Strategy a managed trading strategy and its allocation state
type Strategy struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	Weight        float64   `json:"allocation_weight"`
	InceptionTime time.Time `json:"inception_time"`
	TradeCount    int       `json:"trade_count"`
	Notes         string    `json:"notes,omitempty"`
}

// ValidTransitions defines the allowed lifecycle edges
var ValidTransitions = map[string][]string{
	StatusIncubating: {StatusActive, StatusRetired}, // Retired when it never earns promotion
	StatusActive:     {StatusPaused},
	StatusPaused:     {StatusActive, StatusRetired},
	StatusRetired:    {}, // terminal
}

// CanTransition checks whether a lifecycle edge is allowed
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsAllocatable reports whether a status participates in the weight budget
func IsAllocatable(status string) bool {
	return status == StatusActive || status == StatusIncubating
}

// IsTerminal reports whether a status has no outgoing edges
func IsTerminal(status string) bool {
	return status == StatusRetired
}

// StatusInfo returns a short human description of a status
func StatusInfo(status string) string {
	switch status {
	case StatusIncubating:
		return "Trial allocation, capped weight"
	case StatusActive:
		return "Fully eligible for allocation"
	case StatusPaused:
		return "Demoted, no allocation until reinstated"
	case StatusRetired:
		return "Permanently withdrawn"
	default:
		return "Unknown status"
	}
}

// TransitionError reports a rejected lifecycle transition
type TransitionError struct {
	StrategyID string
	From       string
	To         string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("strategy '%s': invalid transition %s → %s", e.StrategyID, e.From, e.To)
}
