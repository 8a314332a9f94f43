// Command fleetguard-agent is the device-side process: it maintains the
// control-plane session, runs scheduled and pushed tasks, and reports
// telemetry back on an adaptive cadence.
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

	"github.com/fleetguard/control-plane/internal/agent"
	"github.com/fleetguard/control-plane/internal/agentconfig"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetguard-agent %s\n", agent.Version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *runCheck {
		os.Exit(runConfigCheck())
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := agentconfig.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

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
		Str("hostname", cfg.Hostname).
		Str("primary_addr", cfg.PrimaryAddr).
		Str("fallback_addr", cfg.FallbackAddr).
		Msg("fleetguard agent starting")

	a := agent.New(cfg, cfg.StateFile, cfg.TaskCacheFile, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	if err := a.Run(); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: fleetguard-agent [options]

fleetguard-agent %s - connects to a fleetguard control-plane server for
remote monitoring and management.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  FLEETGUARD_TOKEN             Agent authentication token (required)
  FLEETGUARD_PRIMARY_ADDR      Primary (LAN) server address, host:port
  FLEETGUARD_FALLBACK_ADDR     Fallback (VPN) server address, host:port
  FLEETGUARD_DEVICE_ID         Override the locally generated device id
  FLEETGUARD_HOSTNAME          Override hostname detection
  FLEETGUARD_LOG_LEVEL         Log level: debug, info, warn, error
  FLEETGUARD_STATE_FILE        Path to state.json (default: state.json)
  FLEETGUARD_TASK_CACHE_FILE   Path to scheduled_tasks.json
`, agent.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := agentconfig.LoadFromEnv()
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		return 1
	}

	fmt.Println("config OK")
	fmt.Printf("  Hostname:      %s\n", cfg.Hostname)
	fmt.Printf("  Platform:      %s\n", cfg.Platform)
	fmt.Printf("  Primary addr:  %s\n", cfg.PrimaryAddr)
	fmt.Printf("  Fallback addr: %s\n", cfg.FallbackAddr)
	fmt.Println()

	fmt.Print("Testing primary server connectivity... ")
	addr := cfg.PrimaryAddr
	if addr == "" {
		addr = cfg.FallbackAddr
	}
	httpURL := "http://" + strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://") + "/health"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)
	if err != nil {
		fmt.Printf("failed\n  error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
