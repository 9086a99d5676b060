package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"vela/config"
	"vela/cycle"
	"vela/risk"
	"vela/store"
)

type strategyLine struct {
	id          string
	status      string
	weight      float64
	score       float64
	maxDrawdown float64
	trades      int
	wins        int
	totalPnL    float64
	grossWin    float64
	grossLoss   float64
	largestWin  float64
	largestLoss float64
}

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
	if errors.Is(err, store.ErrNoHistory) {
		fmt.Println("📭 No cycles committed yet, nothing to report")
		return
	}
	if err != nil {
		log.Fatalf("❌ Failed to load latest state: %v", err)
	}
	doc, err := cycle.ParseStateDocument(restored.StateJSON)
	if err != nil {
		log.Fatalf("❌ Failed to parse state document: %v", err)
	}

	outcomes, err := st.AllOutcomes()
	if err != nil {
		log.Fatalf("❌ Failed to load outcomes: %v", err)
	}

	lines := make(map[string]*strategyLine)
	for _, s := range doc.Registry {
		lines[s.ID] = &strategyLine{id: s.ID, status: s.Status, weight: s.Weight}
	}
	for id, snap := range doc.Snapshots {
		line, ok := lines[id]
		if !ok {
			line = &strategyLine{id: id, status: "-"}
			lines[id] = line
		}
		line.score = snap.Score
		line.maxDrawdown = snap.MaxDrawdown
	}
	for _, o := range outcomes {
		line, ok := lines[o.StrategyID]
		if !ok {
			line = &strategyLine{id: o.StrategyID, status: "-"}
			lines[o.StrategyID] = line
		}
		line.trades++
		line.totalPnL += o.PnL
		if o.Win {
			line.wins++
		}
		if o.PnL > 0 {
			line.grossWin += o.PnL
			if o.PnL > line.largestWin {
				line.largestWin = o.PnL
			}
		}
		if o.PnL < 0 {
			line.grossLoss += -o.PnL
			if o.PnL < line.largestLoss {
				line.largestLoss = o.PnL
			}
		}
	}

	ranked := make([]*strategyLine, 0, len(lines))
	for _, l := range lines {
		ranked = append(ranked, l)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].totalPnL > ranked[j].totalPnL
	})

	fmt.Println(strings.Repeat("=", 100))
	fmt.Println("📊 VELA STRATEGY REPORT")
	fmt.Println(strings.Repeat("=", 100))
	fmt.Println()
	fmt.Printf("Cycle %d, saved %s, risk day %s\n",
		doc.CycleNumber, doc.SavedAt.Format("2006-01-02 15:04:05"), doc.Risk.CurrentDay)
	fmt.Printf("Daily loss $%.2f of $%.2f budget, consecutive losses %d\n",
		doc.Risk.DailyLossTotal, cfg.Risk.MaxDailyLossPct*doc.Risk.DayStartEquity,
		doc.Risk.ConsecutiveLosses)
	if doc.Risk.TradingHalted {
		fmt.Printf("🚨 TRADING HALTED: %s\n", doc.Risk.HaltReason)
	}
	fmt.Println()

	fmt.Printf("%-18s | %-10s | %7s | %7s | %6s | %7s | %11s | %8s | %10s\n",
		"STRATEGY", "STATUS", "WEIGHT", "SCORE", "TRADES", "WIN%", "TOTAL P&L", "PF", "MAX DD")
	fmt.Println(strings.Repeat("-", 100))
	for _, l := range ranked {
		fmt.Printf("%-18s | %-10s | %6.1f%% | %7.2f | %6d | %6.1f%% | %11.2f | %8s | %10.2f\n",
			l.id, l.status, l.weight*100, l.score, l.trades, winRate(l)*100,
			l.totalPnL, profitFactor(l), l.maxDrawdown)
	}

	withTrades := 0
	for _, l := range ranked {
		if l.trades > 0 {
			withTrades++
		}
	}
	if withTrades > 0 {
		fmt.Println()
		fmt.Printf("%-18s | %10s | %10s | %11s | %12s\n",
			"STRATEGY", "AVG WIN", "AVG LOSS", "LARGEST WIN", "LARGEST LOSS")
		fmt.Println(strings.Repeat("-", 74))
		for _, l := range ranked {
			if l.trades == 0 {
				continue
			}
			fmt.Printf("%-18s | %10.2f | %10.2f | %11.2f | %12.2f\n",
				l.id, avgWin(l), avgLoss(l), l.largestWin, l.largestLoss)
		}
	}

	decisions, err := st.LatestDecisions(200)
	if err != nil {
		log.Fatalf("❌ Failed to load decisions: %v", err)
	}
	approved, throttled, rejected := 0, 0, 0
	reasons := make(map[string]int)
	for _, d := range decisions {
		switch d.GateResult {
		case risk.ResultApproved:
			approved++
		case risk.ResultThrottled:
			throttled++
		case risk.ResultRejected:
			rejected++
		}
		if d.Reason != "" {
			reasons[d.Reason]++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("🚦 GATE ACTIVITY (last %d decisions)\n", len(decisions))
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("Approved %d | Throttled %d | Rejected %d\n", approved, throttled, rejected)
	if len(reasons) > 0 {
		keys := make([]string, 0, len(reasons))
		for r := range reasons {
			keys = append(keys, r)
		}
		sort.Strings(keys)
		for _, r := range keys {
			fmt.Printf("   %-28s %d\n", r, reasons[r])
		}
	}

	points, err := st.EquityHistory(5000)
	if err != nil {
		log.Fatalf("❌ Failed to load equity history: %v", err)
	}
	if len(points) > 0 {
		first, last := points[0], points[len(points)-1]
		peak, maxDD := first.Equity, 0.0
		for _, p := range points {
			if p.Equity > peak {
				peak = p.Equity
			}
			if peak > 0 {
				if dd := (peak - p.Equity) / peak; dd > maxDD {
					maxDD = dd
				}
			}
		}
		ret := 0.0
		if first.Equity > 0 {
			ret = (last.Equity - first.Equity) / first.Equity * 100
		}
		fmt.Println()
		fmt.Println(strings.Repeat("=", 100))
		fmt.Println("📈 EQUITY CURVE")
		fmt.Println(strings.Repeat("=", 100))
		fmt.Printf("$%.2f to $%.2f (%+.2f%%) over %d cycles, max drawdown %.1f%%\n",
			first.Equity, last.Equity, ret, len(points), maxDD*100)
	}

	fmt.Println(strings.Repeat("=", 100))
}

func winRate(l *strategyLine) float64 {
	if l.trades == 0 {
		return 0
	}
	return float64(l.wins) / float64(l.trades)
}

func avgWin(l *strategyLine) float64 {
	if l.wins == 0 {
		return 0
	}
	return l.grossWin / float64(l.wins)
}

func avgLoss(l *strategyLine) float64 {
	losses := l.trades - l.wins
	if losses == 0 {
		return 0
	}
	return -l.grossLoss / float64(losses)
}

func profitFactor(l *strategyLine) string {
	if l.grossLoss == 0 {
		if l.grossWin > 0 {
			return "inf"
		}
		return "-"
	}
	return fmt.Sprintf("%.2f", l.grossWin/l.grossLoss)
}
