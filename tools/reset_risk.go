//go:build ignore
// +build ignore

// Clears a trading halt and re-anchors the day counters in the newest
// committed state document. Run while the engine is stopped; a running
// engine keeps its own copy of the risk state and would overwrite this
// edit on its next commit.
//
//	go run tools/reset_risk.go [config.json]

package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"vela/config"
	"vela/cycle"
	"vela/store"
)

func main() {
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open store: %v", err)
	}
	defer st.Close()

	restored, err := st.RestoreLatest()
	if err != nil {
		log.Fatalf("❌ Failed to load latest state: %v", err)
	}
	doc, err := cycle.ParseStateDocument(restored.StateJSON)
	if err != nil {
		log.Fatalf("❌ Failed to parse state document: %v", err)
	}

	equity := doc.Risk.DayStartEquity
	if points, err := st.EquityHistory(1); err == nil && len(points) > 0 {
		equity = points[len(points)-1].Equity
	}

	wasHalted, reason := doc.Risk.TradingHalted, doc.Risk.HaltReason
	day := time.Now().In(cfg.DayLocation()).Format("2006-01-02")
	doc.Risk.ClearHalt()
	doc.Risk.RollDay(day, equity)

	stateJSON, err := doc.Marshal()
	if err != nil {
		log.Fatalf("❌ Failed to encode state document: %v", err)
	}
	if err := st.UpdateStateJSON(restored.CycleNumber, stateJSON); err != nil {
		log.Fatalf("❌ Failed to write state document: %v", err)
	}

	if wasHalted {
		fmt.Printf("✅ Trading halt cleared in cycle %d state (was: %s)\n", restored.CycleNumber, reason)
	} else {
		fmt.Printf("✅ Cycle %d state carried no halt, counters reset anyway\n", restored.CycleNumber)
	}
	fmt.Printf("   Day re-anchored to %s with day-start equity $%.2f\n", day, equity)
}
