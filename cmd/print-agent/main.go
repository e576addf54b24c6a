// Print agent - dials out to the printer-hub relay and pushes print jobs to
// local network printers.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/agent"
	"github.com/easyify/printer-hub/internal/config"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("print-agent %s\n", agent.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", agent.Version).
		Str("shop", cfg.ShopID).
		Str("url", cfg.RelayURL).
		Msg("print agent starting")

	// Create agent
	a := agent.New(cfg, log)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	// Run agent
	if err := a.Run(); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: print-agent [options]

Print agent %s - connects to the printer-hub relay and prints to local
network printers.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  PRINTAGENT_URL             Relay WebSocket URL (required, e.g. wss://hub.example.com/print-agent)
  PRINTAGENT_SHOP_ID         Shop identity (required)
  PRINTAGENT_TOKEN           Bearer token, if the relay requires one
  PRINTAGENT_PRINTERS        Printer list: "kitchen=192.168.1.50:9100,bar=192.168.1.51"
  PRINTAGENT_HOSTNAME        Override hostname detection
  PRINTAGENT_INTERVAL        Heartbeat interval in seconds (default: 30)
  PRINTAGENT_PRINT_TIMEOUT   Per-job TCP timeout (default: 10s)
  PRINTAGENT_LOG_LEVEL       Log level: debug, info, warn, error
`, agent.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	// Load config
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Shop:        %s\n", cfg.ShopID)
	fmt.Printf("  Relay:       %s\n", cfg.RelayURL)
	fmt.Printf("  Hostname:    %s\n", cfg.Hostname)
	fmt.Printf("  Printers:    %d configured\n", len(cfg.Printers))
	fmt.Println()

	// Test connectivity
	fmt.Print("Testing relay connectivity... ")

	// Convert WebSocket URL to HTTP for health check
	httpURL := cfg.RelayURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/print-agent")
	httpURL += "/health"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
