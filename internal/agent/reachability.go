package agent

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reachabilityTTL is how long a cached endpoint choice is trusted before a
// re-probe, per spec §4.6.
const reachabilityTTL = 7 * 24 * time.Hour

// probeTimeout bounds a single TCP connect attempt (spec §4.6, §5).
const probeTimeout = 3 * time.Second

// Selector is the Reachability Selector (C6): it chooses between the
// primary LAN address and the fallback VPN address by TCP probe, caches the
// choice with a TTL, and invalidates the cache when the local network
// changes. Grounded on the teacher's internal/agent/websocket.go connect/
// backoff loop for the dial shape; the fsnotify-driven invalidation hook is
// new, modeled on go-claw's internal/config/watcher.go file-watch pattern
// (here watching for a network change instead of a config file change).
type Selector struct {
	primary  string
	fallback string

	stateFile string

	mu    sync.Mutex
	state State

	log zerolog.Logger

	watcher *fsnotify.Watcher
}

// NewSelector builds a Selector. primary and fallback are host:port
// addresses; either may be empty but not both.
func NewSelector(primary, fallback, stateFile string, log zerolog.Logger) *Selector {
	s := &Selector{
		primary:   primary,
		fallback:  fallback,
		stateFile: stateFile,
		state:     loadState(stateFile),
		log:       log.With().Str("component", "reachability").Logger(),
	}
	return s
}

// Resolve returns the address to dial, probing as needed per the spec §4.6
// algorithm:
//  1. cached choice + TTL unexpired + network fingerprint unchanged -> cached
//  2. probe primary; success -> primary
//  3. probe fallback; success -> fallback
//  4. neither reachable -> return cached (or primary if no cache), the
//     caller's connection attempt will fail and be retried (spec §7).
func (s *Selector) Resolve(ctx context.Context) string {
	s.mu.Lock()
	cached := s.state
	s.mu.Unlock()

	fp := currentNetworkFingerprint()

	if cached.ActiveAddr != "" &&
		time.Since(cached.LastProbeAt) < reachabilityTTL &&
		cached.LastNetworkFP == fp {
		return cached.ActiveAddr
	}

	if s.primary != "" && s.probe(ctx, s.primary) {
		s.persist(s.primary, fp)
		return s.primary
	}
	s.log.Debug().Str("addr", s.primary).Msg("primary endpoint unreachable, trying fallback")

	if s.fallback != "" && s.probe(ctx, s.fallback) {
		s.persist(s.fallback, fp)
		return s.fallback
	}
	s.log.Warn().Msg("both endpoints unreachable, falling back to cached/primary choice")

	if cached.ActiveAddr != "" {
		return cached.ActiveAddr
	}
	return s.primary
}

func (s *Selector) probe(ctx context.Context, addr string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (s *Selector) persist(addr, fingerprint string) {
	s.mu.Lock()
	s.state = State{
		DeviceID:      s.state.DeviceID,
		ActiveAddr:    addr,
		LastProbeAt:   time.Now(),
		LastNetworkFP: fingerprint,
	}
	snapshot := s.state
	s.mu.Unlock()

	if err := saveState(s.stateFile, snapshot); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist reachability state")
	}
}

// Invalidate forces the next Resolve to re-probe, regardless of TTL or
// fingerprint. Used both by the network-change watcher and by the
// WebSocket client after a disconnect (spec §4.6's invalidation hooks).
func (s *Selector) Invalidate() {
	s.mu.Lock()
	s.state.LastProbeAt = time.Time{}
	s.mu.Unlock()
}

// WatchNetwork starts a background watch for local network changes and
// invalidates the reachability cache when one is observed. It watches
// /etc/resolv.conf, whose rewrite is a reliable proxy for "the default
// route or DNS configuration changed" on Linux and Android; on platforms
// where the file or the watch is unavailable it logs and does nothing
// further, since a stale cache only costs one extra probe on next connect.
func (s *Selector) WatchNetwork(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Debug().Err(err).Msg("network watcher unavailable")
		return
	}
	s.watcher = w

	if err := w.Add("/etc/resolv.conf"); err != nil {
		s.log.Debug().Err(err).Msg("cannot watch /etc/resolv.conf, network-change invalidation disabled")
		_ = w.Close()
		return
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					s.log.Info().Msg("network change detected, invalidating reachability cache")
					s.Invalidate()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Debug().Err(err).Msg("network watcher error")
			}
		}
	}()
}

// Close stops the network watcher, if running.
func (s *Selector) Close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

// currentNetworkFingerprint approximates "local IP + network identity"
// (spec §4.6) with the outbound-interface local address, the portable
// signal available without platform-specific Wi-Fi APIs. A UDP "connect"
// never sends a packet; it only asks the kernel to pick a route.
func currentNetworkFingerprint() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// DeviceID returns the persisted device id, if one has been generated yet.
func (s *Selector) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.DeviceID
}

// SetDeviceID persists a newly generated device id (first run).
func (s *Selector) SetDeviceID(id string) {
	s.mu.Lock()
	s.state.DeviceID = id
	snapshot := s.state
	s.mu.Unlock()

	if err := saveState(s.stateFile, snapshot); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist device id")
	}
}
