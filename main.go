package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"strconv"
	"strings"
	"syscall"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"

	"vela/allocate"
	"vela/api"
	"vela/config"
	"vela/cycle"
	"vela/exec"
	"vela/leverage"
	"vela/perf"
	"vela/risk"
	"vela/signal"
	"vela/store"
	"vela/strategy"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║        🧭 Vela - Personal Trading Decision Loop            ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()

	// Load .env if present (silently ignore if missing)
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("ℹ️  No .env file found, continuing with OS environment variables")
		} else {
			log.Printf("⚠️  Failed to load .env file: %v", err)
		}
	}

	// Load configuration file
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	log.Printf("📋 Loading configuration file: %s", configFile)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	// Override API server port with the PORT environment variable if set
	if envPort := os.Getenv("PORT"); envPort != "" {
		if portNum, err := strconv.Atoi(envPort); err == nil {
			cfg.APIServerPort = portNum
			log.Printf("✓ Using PORT from environment: %d", portNum)
		}
	}

	log.Printf("✓ Configuration loaded, %d strategies configured", len(cfg.Strategies))
	fmt.Println()

	stopProfiler := startProfiler()
	defer stopProfiler()

	// Open the decision store (Postgres when configured, SQLite otherwise)
	st, err := store.Open(cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open decision store: %v", err)
	}
	defer st.Close()

	// Seed the registry from configuration
	registry := strategy.NewRegistry(cfg.IncubationWeightCap)
	enabledCount := 0
	for i, sc := range cfg.Strategies {
		if !sc.Enabled {
			log.Printf("⏭️  [%d/%d] Skipping disabled strategy: %s", i+1, len(cfg.Strategies), sc.Name)
			continue
		}
		enabledCount++
		if err := registry.Register(strategy.Strategy{ID: sc.ID, Name: sc.Name, Kind: sc.Kind, Notes: sc.Notes}); err != nil {
			log.Fatalf("❌ Failed to register strategy '%s': %v", sc.ID, err)
		}
	}
	if enabledCount == 0 {
		log.Fatalf("❌ No enabled strategies found, please set at least one strategy's enabled=true in %s", configFile)
	}

	source, err := buildSource(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to build signal source: %v", err)
	}
	adapter, err := buildAdapter(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to build execution adapter: %v", err)
	}
	provider, err := buildProvider(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to build leverage provider: %v", err)
	}

	orch := cycle.New(cycle.Deps{
		Config:     cfg,
		Registry:   registry,
		Tracker:    perf.NewTracker(),
		Estimator:  perf.NewEstimator(cfg.Performance.CorrelationMinOverlap, cfg.DayLocation()),
		Rebalancer: allocate.NewRebalancer(cfg.IncubationWeightCap),
		Gate: risk.NewGate(risk.Limits{
			MaxDailyLossPct:      cfg.Risk.MaxDailyLossPct,
			MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
			LeverageCaution:      cfg.Risk.LeverageCaution,
			LeverageWarning:      cfg.Risk.LeverageWarning,
			LeverageCritical:     cfg.Risk.LeverageCritical,
			ThrottleFraction:     cfg.Risk.ThrottleFraction,
			MaxPositionPct:       cfg.Risk.MaxPositionPct,
			MinPositionUSD:       cfg.Risk.MinPositionUSD,
		}),
		Ingestor: signal.NewIngestor(cfg.GetMaxSignalAge()),
		Source:   source,
		Adapter:  adapter,
		Leverage: provider,
		Store:    st,
	})

	// Resume from the last committed cycle, then pick up strategies added to
	// the configuration since that commit.
	if err := orch.Restore(); err != nil {
		log.Fatalf("❌ Failed to restore state: %v", err)
	}
	for _, sc := range cfg.Strategies {
		if !sc.Enabled || registry.Has(sc.ID) {
			continue
		}
		if err := registry.Register(strategy.Strategy{ID: sc.ID, Name: sc.Name, Kind: sc.Kind, Notes: sc.Notes}); err != nil {
			log.Fatalf("❌ Failed to register strategy '%s': %v", sc.ID, err)
		}
		log.Printf("🆕 Strategy '%s' added since last run", sc.ID)
	}

	fmt.Println()
	fmt.Println("🧪 Strategy Lineup:")
	for _, s := range registry.All() {
		fmt.Printf("  • %s (%s) - %s, weight %.4f\n", s.Name, s.Kind, s.Status, s.Weight)
	}

	fmt.Println()
	fmt.Printf("⚙️  Mode: %s, cycle every %v, rebalance every %d cycles\n",
		cfg.RunMode, cfg.GetCycleInterval(), cfg.RebalanceEveryCycles)
	fmt.Printf("🛡  Limits: daily loss %.1f%%, streak %d, leverage floor %.2f\n",
		cfg.Risk.MaxDailyLossPct*100, cfg.Risk.MaxConsecutiveLosses, cfg.Risk.LeverageCritical)
	fmt.Println()
	fmt.Println("⚠️  Risk Warning: automated trading has risks, recommend testing with small funds!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	// Create and start API server, streaming committed cycle frames
	apiServer := api.NewServer(orch, st, cfg.APIServerPort)
	orch.SetEmitter(apiServer.Hub().Broadcast)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("❌ API server error: %v", err)
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- orch.Run(ctx, cycle.NewTickerScheduler(cfg.GetCycleInterval()))
	}()

	select {
	case err := <-done:
		// "once" mode, or the loop died on its own
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("❌ Decision loop exited: %v", err)
		}
	case <-sigChan:
		fmt.Println()
		log.Println("📛 Received shutdown signal, finishing in-flight cycle...")
		cancel()
		<-done
	}

	fmt.Println()
	fmt.Println("👋 Decision loop stopped, state committed. See you next session!")
}

// buildSource selects the market signal source from configuration.
func buildSource(cfg *config.Config) (signal.Source, error) {
	switch cfg.Signal.Source {
	case "binance":
		assets := make(map[string][]string)
		for _, sc := range cfg.Strategies {
			if sc.Enabled && len(sc.Assets) > 0 {
				assets[sc.ID] = sc.Assets
			}
		}
		return signal.NewBinanceSource(cfg.Signal.BinanceAPIKey, cfg.Signal.BinanceSecretKey, assets), nil
	case "scanner":
		return signal.NewScannerClient(cfg.Signal.ScannerURL, cfg.GetSignalTimeout()), nil
	case "static":
		// Fixture ticks per configured asset so paper runs exercise the
		// whole pipeline without a market feed.
		var ticks []signal.Tick
		for _, sc := range cfg.Strategies {
			if !sc.Enabled {
				continue
			}
			for _, asset := range sc.Assets {
				ticks = append(ticks, signal.Tick{
					StrategyID: sc.ID,
					Asset:      asset,
					Spread:     0.002,
					VolumeUSD:  1_000_000,
					Confidence: 0.5,
				})
			}
		}
		return signal.NewStaticSource(ticks), nil
	default:
		return nil, fmt.Errorf("unknown signal source '%s'", cfg.Signal.Source)
	}
}

// buildAdapter selects the execution venue from configuration.
func buildAdapter(cfg *config.Config) (exec.Adapter, error) {
	switch cfg.Execution.Adapter {
	case "paper":
		return exec.NewPaperAdapter(cfg.Execution.SlippagePct, nil), nil
	case "binance":
		return exec.NewBinanceAdapter(cfg.Execution.BinanceAPIKey, cfg.Execution.BinanceSecretKey, cfg.StrategyBySymbol()), nil
	default:
		return nil, fmt.Errorf("unknown execution adapter '%s'", cfg.Execution.Adapter)
	}
}

// buildProvider selects the leverage health feed from configuration.
func buildProvider(cfg *config.Config) (leverage.Provider, error) {
	switch cfg.Leverage.Provider {
	case "static":
		return leverage.NewStaticProvider(cfg.Leverage.StaticHealthFactor), nil
	case "aave":
		return leverage.NewAaveProvider(cfg.Leverage.RPCURL, cfg.Leverage.PoolAddress, cfg.Leverage.UserAddress)
	default:
		return nil, fmt.Errorf("unknown leverage provider '%s'", cfg.Leverage.Provider)
	}
}

// startProfiler enables continuous profiling when PYROSCOPE_SERVER is set.
func startProfiler() func() {
	server := os.Getenv("PYROSCOPE_SERVER")
	if server == "" {
		return func() {}
	}

	tags := map[string]string{}
	if env := os.Getenv("VELA_ENV"); env != "" {
		tags["env"] = env
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "vela",
		ServerAddress:   server,
		Tags:            tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		log.Printf("⚠️  Pyroscope start failed: %v", err)
		return func() {}
	}
	log.Printf("🔬 Continuous profiling enabled (%s)", server)
	return func() { _ = profiler.Stop() }
}
