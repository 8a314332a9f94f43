// Command fleetguard-server runs the control-plane's HTTP/WebSocket front
// door: agent check-in, the agent session, and the dashboard API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/devicestore"
	"github.com/fleetguard/control-plane/internal/dispatcher"
	"github.com/fleetguard/control-plane/internal/metrics"
	"github.com/fleetguard/control-plane/internal/pushbus"
	"github.com/fleetguard/control-plane/internal/registry"
	"github.com/fleetguard/control-plane/internal/server"
	"github.com/fleetguard/control-plane/internal/serverconfig"
)

// staleSweepInterval is how often RunStalenessSweep walks the device table
// looking for devices that have gone quiet (spec §7: "server unreachable"
// detection is symmetric — the server also needs to notice a vanished
// agent, not just the agent noticing a vanished server).
const staleSweepInterval = 1 * time.Minute

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := serverconfig.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	store, err := devicestore.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open device store")
	}
	defer func() { _ = store.Close() }()

	if err := store.EnsureDefaultPolicy(context.Background(), defaultPolicySeed()); err != nil {
		log.Fatal().Err(err).Msg("failed to seed default policy")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	reg := registry.New(log, m.ConnectedAgents)

	var bus pushbus.Bus
	if cfg.UsesRedisBus() {
		bus, err = pushbus.NewRedisBus(cfg.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis push bus")
		}
		log.Info().Msg("using redis push bus")
	} else {
		bus = pushbus.NewInProcessBus(cfg.WriterQueueCapacity, log)
		log.Info().Msg("using in-process push bus")
	}
	defer func() { _ = bus.Close() }()

	disp := dispatcher.New(store, bus, log)

	srv := server.New(cfg, store, reg, bus, disp, m, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runStalenessSweeps(ctx, store, cfg, m, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}

	log.Info().Msg("server shutdown complete")
}

// runStalenessSweeps periodically counts devices whose last heartbeat
// exceeds the policy-derived threshold, logs each at debug level, and sets
// the stale_devices gauge to the count. It does not change Device.status:
// the Connection Registry drives that via session lifecycle events
// (spec §4.1), so a session that died without a clean close (e.g. a hard
// power-off) shows up here as stale while its status is unchanged.
func runStalenessSweeps(ctx context.Context, store *devicestore.Store, cfg *serverconfig.Config, m *metrics.Metrics, log zerolog.Logger) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := 0
			err := devicestore.RunStalenessSweep(ctx, store, cfg.StaleThreshold, func(deviceID string) {
				count++
				log.Debug().Str("device_id", deviceID).Msg("device stale")
			}, log)
			if err != nil {
				log.Warn().Err(err).Msg("staleness sweep failed")
				continue
			}
			if m != nil {
				m.StaleDevices.Set(float64(count))
			}
		}
	}
}

// defaultPolicySeed is the policy installed the first time the server
// starts against an empty database, mirroring the intervals in
// internal/agentconfig/defaults.yaml so a freshly enrolled agent sees
// consistent behavior whether it's taking its band table from the server
// or from its own build-time defaults.
func defaultPolicySeed() *devicestore.Policy {
	return &devicestore.Policy{
		Name:                "default",
		PluggedSeconds:      60,
		Battery10080Seconds: 120,
		Battery7950Seconds:  300,
		Battery4920Seconds:  600,
		Battery1910Seconds:  900,
		Battery90Seconds:    1800,
		LowBatteryAlertPct:  15,
		DiskScanSeconds:     86400,
		HardwareScanSeconds: 604800,
	}
}
