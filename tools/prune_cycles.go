//go:build ignore
// +build ignore

// Deletes cycle audit rows older than the newest N cycles. Outcome history
// is never pruned: performance scoring needs the full trade record.
//
//	go run tools/prune_cycles.go [config.json] [keep]

package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"vela/config"
	"vela/store"
)

func main() {
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	keep := int64(500)
	if len(os.Args) > 2 {
		n, err := strconv.ParseInt(os.Args[2], 10, 64)
		if err != nil || n < 1 {
			log.Fatalf("❌ Invalid keep count %q", os.Args[2])
		}
		keep = n
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

	latest, err := st.RestoreLatest()
	if err != nil {
		log.Fatalf("❌ Failed to find latest cycle: %v", err)
	}
	cutoff := latest.CycleNumber - keep + 1
	if cutoff <= 1 {
		fmt.Printf("✅ Only %d cycles committed, nothing to prune\n", latest.CycleNumber)
		return
	}

	pruned, err := st.PruneBefore(cutoff)
	if err != nil {
		log.Fatalf("❌ Prune failed: %v", err)
	}
	fmt.Printf("✅ Pruned %d rows, kept cycles %d through %d\n", pruned, cutoff, latest.CycleNumber)
}
