// Package server wires the Device Store, Connection Registry, Push Bus,
// Agent Session, and Dispatcher into one chi HTTP server: agent check-in,
// the agent WebSocket upgrade, and the dashboard API. Grounded on the
// teacher's internal/dashboard/server.go router setup (middleware chain,
// security headers) and internal/dashboard/handlers.go's handler-per-route
// style.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/devicestore"
	"github.com/fleetguard/control-plane/internal/dispatcher"
	"github.com/fleetguard/control-plane/internal/metrics"
	"github.com/fleetguard/control-plane/internal/pushbus"
	"github.com/fleetguard/control-plane/internal/registry"
	"github.com/fleetguard/control-plane/internal/serverconfig"
	"github.com/fleetguard/control-plane/internal/session"
)

// Server is the control-plane's HTTP/WebSocket front door.
type Server struct {
	cfg        *serverconfig.Config
	store      *devicestore.Store
	registry   *registry.Registry
	bus        pushbus.Bus
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics
	handler    *messageHandler
	log        zerolog.Logger

	validate *validator.Validate
	upgrader websocket.Upgrader
	router   chi.Router
	http     *http.Server
}

// New builds a Server and its router.
func New(cfg *serverconfig.Config, store *devicestore.Store, reg *registry.Registry, bus pushbus.Bus, disp *dispatcher.Dispatcher, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		bus:        bus,
		dispatcher: disp,
		metrics:    m,
		handler:    newMessageHandler(store, log),
		log:        log.With().Str("component", "server").Logger(),
		validate:   validator.New(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// The Registry is the sole writer of Device.status (spec §4.1); these
	// hooks are how that write actually reaches the Device Store.
	reg.SetStatusHooks(
		func(deviceID string) {
			if err := store.SetOnline(context.Background(), deviceID); err != nil {
				s.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to persist device online status")
			}
		},
		func(deviceID string) {
			if err := store.SetOffline(context.Background(), deviceID); err != nil {
				s.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to persist device offline status")
			}
		},
	)

	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "X-Agent-Token"},
		AllowCredentials: false,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/checkin", s.handleCheckin)
	})
	r.Get("/ws/agent/{device_id}", s.handleAgentWebSocket)

	r.Route("/api/dashboard", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/dispatch", s.handleDispatchTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Get("/devices", s.handleListDevices)
		r.Post("/devices/{id}/lock", s.handleLockDevice)
		r.Post("/devices/{id}/unlock", s.handleUnlockDevice)
	})

	return r
}

// securityHeaders mirrors the teacher's dashboard security-headers
// middleware.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return len(s.cfg.AllowedOrigins) == 0
}

// Router exposes the underlying router, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }

// Run starts the HTTP listener and the Push Bus consumer loop, blocking
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go s.consumeBus(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	}
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}

// consumeBus subscribes to the Push Bus and delivers every envelope to the
// locally-connected session for its target, if any. An envelope whose
// target has no local session is simply not this node's concern — another
// node's consumeBus loop, subscribed to the same bus, will deliver it if the
// device is connected there (spec §4.2's horizontal scale-out rationale).
func (s *Server) consumeBus(ctx context.Context) {
	envelopes, err := s.bus.Subscribe(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("push bus subscribe failed")
		return
	}
	for env := range envelopes {
		if env.Target == "all" {
			s.registry.SendAll(env.Payload)
			continue
		}
		if !s.registry.SendOne(env.Target, env.Payload) && s.metrics != nil {
			s.metrics.PushDropped.Inc()
		}
	}
}

// startSession wraps the already-upgraded conn in an internal/session.Session,
// registers it and runs it until it ends; used by handleAgentWebSocket.
func (s *Server) startSession(deviceID string, conn *websocket.Conn) {
	cfg := session.Config{
		WriteQueueCapacity: s.cfg.WriterQueueCapacity,
		SendTimeout:        s.cfg.SendTimeout,
		PingInterval:       s.cfg.PingInterval,
		PongTimeout:        s.cfg.PongTimeout,
		BreakerMaxErrors:   s.cfg.CircuitBreakerMaxErrors,
		BreakerWindow:      s.cfg.CircuitBreakerWindow,
		BreakerCooldown:    s.cfg.CircuitBreakerCooldown,
	}

	sess := session.New(deviceID, conn, cfg, s.handler, func(sess *session.Session, reason string) {
		s.registry.Unregister(sess)
		s.log.Info().Str("device_id", deviceID).Str("reason", reason).Msg("session closed")
	}, s.log)

	s.registry.Register(sess)
	sess.Run(context.Background())
}
