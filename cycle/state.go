package cycle

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"vela/perf"
	"vela/risk"
	"vela/strategy"
)

// StateVersion is written into every persisted state document. A document
// with a different version refuses to load: trading must never start against
// state whose meaning is unknown.
const StateVersion = 1

// StateDocument is the full decision state committed with every cycle:
// everything needed to resume, or replay, from the next cycle.
type StateDocument struct {
	Version       int                      `json:"version"`
	CycleNumber   int64                    `json:"cycle_number"`
	SavedAt       time.Time                `json:"saved_at"`
	Registry      []strategy.Strategy      `json:"registry"`
	FailedReviews map[string]int           `json:"failed_reviews,omitempty"`
	Risk          risk.State               `json:"risk"`
	Snapshots     map[string]perf.Snapshot `json:"snapshots,omitempty"`
	Exposure      map[string]float64       `json:"exposure,omitempty"` // strategy|asset → open notional USD
}

// Marshal encodes the document for the cycles table.
func (d *StateDocument) Marshal() (string, error) {
	return sonic.MarshalString(d)
}

// ParseStateDocument decodes a persisted state document, rejecting versions
// this build does not understand.
func ParseStateDocument(raw string) (*StateDocument, error) {
	var doc StateDocument
	if err := sonic.UnmarshalString(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state document: %w", err)
	}
	if doc.Version != StateVersion {
		return nil, fmt.Errorf("unsupported state document version %d (want %d)", doc.Version, StateVersion)
	}
	return &doc, nil
}
