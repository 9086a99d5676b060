package main

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"vela/config"
	"vela/cycle"
	"vela/risk"
	"vela/store"
)

func main() {
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	var target int64
	if len(os.Args) > 2 {
		n, err := strconv.ParseInt(os.Args[2], 10, 64)
		if err != nil || n < 1 {
			log.Fatalf("❌ Invalid cycle number %q", os.Args[2])
		}
		target = n
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

	if target == 0 {
		latest, err := st.RestoreLatest()
		if errors.Is(err, store.ErrNoHistory) {
			fmt.Println("📭 No cycles committed yet, nothing to replay")
			return
		}
		if err != nil {
			log.Fatalf("❌ Failed to find latest cycle: %v", err)
		}
		target = latest.CycleNumber
	}

	restored, err := st.StateForCycle(target)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	current, err := cycle.ParseStateDocument(restored.StateJSON)
	if err != nil {
		log.Fatalf("❌ Failed to parse state document: %v", err)
	}

	var prior *cycle.StateDocument
	if target > 1 {
		p, err := st.StateForCycle(target - 1)
		if err != nil {
			log.Fatalf("❌ Need cycle %d state to replay cycle %d: %v", target-1, target, err)
		}
		prior, err = cycle.ParseStateDocument(p.StateJSON)
		if err != nil {
			log.Fatalf("❌ Failed to parse prior state document: %v", err)
		}
	}

	equity, err := st.EquityForCycle(target)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	rows, err := st.DecisionsForCycle(target)
	if err != nil {
		log.Fatalf("❌ Failed to load decisions: %v", err)
	}
	if len(rows) == 0 {
		fmt.Printf("📭 Cycle %d recorded no decisions\n", target)
		return
	}

	// Reconstruct the state the gate saw. Every scalar the gate reads is
	// committed untouched in the cycle's own document; only the halt flags
	// can flip mid-gate, so those come from the prior cycle's document.
	state := current.Risk
	if prior == nil || !prior.Risk.TradingHalted || !current.Risk.TradingHalted {
		state.ClearHalt()
	} else {
		state.Halt(prior.Risk.HaltReason)
	}

	gate := risk.NewGate(risk.Limits{
		MaxDailyLossPct:      cfg.Risk.MaxDailyLossPct,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		LeverageCaution:      cfg.Risk.LeverageCaution,
		LeverageWarning:      cfg.Risk.LeverageWarning,
		LeverageCritical:     cfg.Risk.LeverageCritical,
		ThrottleFraction:     cfg.Risk.ThrottleFraction,
		MaxPositionPct:       cfg.Risk.MaxPositionPct,
		MinPositionUSD:       cfg.Risk.MinPositionUSD,
	})

	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("🔁 REPLAY CYCLE %d: %d decisions against equity $%.2f\n", target, len(rows), equity)
	fmt.Println(strings.Repeat("=", 100))

	mismatches := 0
	for _, row := range rows {
		p := risk.Proposal{
			StrategyID: row.StrategyID,
			Asset:      row.Asset,
			Action:     row.Action,
			SizeUSD:    row.RequestedUSD,
		}
		d := gate.Evaluate(&state, p, equity)

		if d.Result == row.GateResult && d.Reason == row.Reason &&
			math.Abs(d.ApprovedUSD-row.ApprovedUSD) < 1e-6 {
			fmt.Printf("✅ %-18s %-10s %-10s %s $%.2f\n",
				row.StrategyID, row.Asset, row.Action, verdict(row.GateResult, row.Reason), row.ApprovedUSD)
			continue
		}
		mismatches++
		fmt.Printf("❌ %-18s %-10s %-10s recorded %s $%.2f, replay %s $%.2f\n",
			row.StrategyID, row.Asset, row.Action,
			verdict(row.GateResult, row.Reason), row.ApprovedUSD,
			verdict(d.Result, d.Reason), d.ApprovedUSD)
	}

	if state.TradingHalted != current.Risk.TradingHalted {
		mismatches++
		fmt.Printf("❌ Halt flag diverged: recorded %v, replay %v\n",
			current.Risk.TradingHalted, state.TradingHalted)
	}

	fmt.Println(strings.Repeat("-", 100))
	if mismatches == 0 {
		fmt.Printf("✅ Replay clean: %d decisions reproduced exactly\n", len(rows))
		return
	}
	fmt.Printf("❌ %d mismatches, the recorded decisions do not follow from the recorded state\n", mismatches)
	os.Exit(1)
}

func verdict(result, reason string) string {
	if reason == "" {
		return result
	}
	return result + "(" + reason + ")"
}
