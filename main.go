package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"hive/api"
	"hive/config"
	"hive/engine"
	"hive/events"
	"hive/exchange"
	"hive/ledger"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║        🐝 Hive — Multi-Bot Trading Coordination Engine     ║")
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

	// API credentials may come from the environment instead of the file
	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		cfg.BinanceAPIKey = key
	}
	if secret := os.Getenv("BINANCE_SECRET_KEY"); secret != "" {
		cfg.BinanceSecretKey = secret
	}
	if port := os.Getenv("PORT"); port != "" {
		if portNum, err := strconv.Atoi(port); err == nil {
			cfg.APIServerPort = portNum
			log.Printf("✓ Using PORT from environment: %d", portNum)
		}
	}

	bots := cfg.EnabledBots()
	log.Printf("✓ Configuration loaded, %d bot(s) enabled", len(bots))
	for _, b := range bots {
		log.Printf("  • %s — %v, %.0f USDT per trade, max %d position(s)",
			b.Name, b.Symbols, b.TradeAmountUSD, b.MaxPositions)
	}
	fmt.Println()

	// Select the exchange collaborator
	var ex exchange.Exchange
	switch cfg.Exchange {
	case "binance":
		log.Printf("🏦 Using Binance spot trading")
		ex = exchange.NewBinanceExchange(cfg.BinanceAPIKey, cfg.BinanceSecretKey)
	case "paper":
		log.Printf("📊 Using paper trading mode (simulated)")
		paper := exchange.NewPaperExchange()
		paper.Drift = 0.002
		for _, b := range bots {
			for _, symbol := range b.Symbols {
				paper.SeedHistory(symbol, 100, 120)
			}
		}
		ex = paper
	default:
		log.Fatalf("❌ Unsupported exchange: %s", cfg.Exchange)
	}

	// Open the ledger store; a restart resumes from it
	store, err := ledger.OpenStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open ledger store: %v", err)
	}
	defer store.Close()

	bus := events.NewBus(os.Stdout)

	coordinator, err := engine.New(cfg, ex, store, bus)
	if err != nil {
		log.Fatalf("❌ Failed to initialize coordinator: %v", err)
	}

	// Start API server
	apiServer := api.NewServer(coordinator, cfg.APIServerPort)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("❌ API server error: %v", err)
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Run the coordination loop
	done := make(chan error, 1)
	go func() {
		done <- coordinator.Run()
	}()

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	select {
	case <-sigChan:
		fmt.Println()
		log.Println("📛 Received shutdown signal, stopping coordinator...")
		coordinator.Stop()
		<-done
	case err := <-done:
		if err != nil {
			log.Fatalf("❌ Coordinator exited: %v", err)
		}
	}

	fmt.Println()
	fmt.Println("👋 Engine stopped")
}
