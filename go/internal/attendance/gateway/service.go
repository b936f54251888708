package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/rollcall/go/internal/attendance/hub"
	"github.com/mcdev12/rollcall/go/internal/attendance/store"
	"github.com/mcdev12/rollcall/go/internal/auth"
)

// Service is the attendance gateway: websocket sessions, the state RPC,
// the cross-instance relay and the storage change listener.
type Service struct {
	engine            *hub.Engine
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateService      *StateService
	health            *GatewayHealthChecker
	metrics           *Metrics
	relay             *Relay
	listener          *store.Listener
	config            Config
}

// Config holds configuration for the attendance gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	AllowedOrigins   []string
	Relay            *RelayConfig          // nil disables the relay
	Listener         *store.ListenerConfig // nil disables change notifications
	PublishBuffer    int
	Clock            clockwork.Clock
}

// DefaultConfig returns default configuration for the attendance gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		AllowedOrigins:   []string{"*"},
		PublishBuffer:    1000,
	}
}

// NewService creates a new attendance gateway service
func NewService(ctx context.Context, config Config, st store.Store, authn *auth.Authenticator) (*Service, error) {
	metrics := NewMetrics()
	s := &Service{metrics: metrics, config: config}

	engineConfig := hub.EngineConfig{
		Clock:         config.Clock,
		Metrics:       metrics,
		PublishBuffer: config.PublishBuffer,
	}
	if config.Relay != nil {
		relay, err := NewRelay(ctx, *config.Relay)
		if err != nil {
			return nil, fmt.Errorf("failed to create relay: %w", err)
		}
		s.relay = relay
		engineConfig.Publisher = relay
	}
	s.engine = hub.NewEngine(st, engineConfig)

	if config.Listener != nil {
		listener, err := store.NewListener(s.engine, *config.Listener)
		if err != nil {
			s.closeRelay()
			return nil, fmt.Errorf("failed to create change listener: %w", err)
		}
		s.listener = listener
	}

	s.connectionManager = NewConnectionManager(config.ConnectionConfig, s.engine, metrics)
	s.wsHandler = NewWebSocketHandler(s.connectionManager, authn)
	s.stateService = NewStateService(s.engine, authn)
	s.health = NewGatewayHealthChecker(st, s.relay, s.GetStats)

	return s, nil
}

// Start runs the background workers until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().
		Bool("relay", s.relay != nil).
		Bool("listener", s.listener != nil).
		Msg("starting attendance gateway service")

	go s.engine.Start(ctx)

	if s.relay != nil {
		go func() {
			if err := s.relay.Start(ctx, s.engine); err != nil {
				log.Error().Err(err).Msg("relay consumer failed")
			}
		}()
	}

	if s.listener != nil {
		go func() {
			if err := s.listener.Start(ctx); err != nil {
				log.Error().Err(err).Msg("change listener failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("attendance gateway service shutting down")
	return s.Stop()
}

// Stop closes every session and disconnects from NATS.
func (s *Service) Stop() error {
	s.connectionManager.CloseAll()
	s.closeRelay()
	log.Info().Msg("attendance gateway service stopped")
	return nil
}

func (s *Service) closeRelay() {
	if s.relay == nil {
		return
	}
	if err := s.relay.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close relay")
	}
}

// RegisterRoutes registers the gateway HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateService.RegisterRoutes(mux)
	mux.Handle("/health", s.health)
	log.Info().Msg("attendance gateway routes registered")
}

// Handler returns the gateway routes wrapped with CORS and h2c so the
// state RPC can be served over HTTP/2 without TLS.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// NewHTTPServer returns an HTTP server for the gateway on addr.
func (s *Service) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
}

// Engine exposes the room engine.
func (s *Service) Engine() *hub.Engine {
	return s.engine
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "attendance_gateway"
	stats["status"] = "running"
	return stats
}
