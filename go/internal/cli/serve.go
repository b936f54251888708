package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/rollcall/go/internal/attendance/gateway"
	"github.com/mcdev12/rollcall/go/internal/attendance/store"
	"github.com/mcdev12/rollcall/go/internal/auth"
	"github.com/mcdev12/rollcall/go/internal/config"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Demo bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the attendance gateway",
		Long: `Run the attendance gateway: the WebSocket endpoint, the state RPC
service and the health check. With database.driver=postgres the schema is
migrated on startup and change notifications are consumed; with a NATS URL
configured, broadcasts are relayed across gateway instances.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.Flags().Changed("log-level"))
		},
	}

	cmd.Flags().BoolVar(&opts.Demo, "demo", false, "seed the memory store with a demo tenant")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, levelFromFlag bool) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !levelFromFlag {
		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("invalid log.level %q: %w", cfg.Log.Level, err)
		}
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg.Database, opts.Demo)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, nil)
	authn := auth.NewAuthenticator(tokens, st)

	gwConfig := gatewayConfig(cfg)
	service, err := gateway.NewService(ctx, gwConfig, st, authn)
	if err != nil {
		return fmt.Errorf("create gateway service: %w", err)
	}

	log.Info().
		Str("database", cfg.Database.Driver).
		Str("nats_url", cfg.NATS.URL).
		Int("port", cfg.Server.Port).
		Msg("starting attendance gateway")

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	server := service.NewHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port))
	server.ReadHeaderTimeout = 10 * time.Second
	server.IdleTimeout = 120 * time.Second

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			cancel()
			<-serviceDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("gateway service did not stop in time")
	}

	log.Info().Msg("attendance gateway shutdown complete")
	return nil
}

func openStore(ctx context.Context, db config.DatabaseConfig, demo bool) (store.Store, func(), error) {
	if db.Driver == "memory" {
		mem := store.NewMemory()
		if demo {
			seedDemo(mem)
		}
		log.Warn().Msg("using in-memory store; attendance is lost on restart")
		return mem, func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, db.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if db.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return pg, pg.Close, nil
}

func gatewayConfig(cfg config.Config) gateway.Config {
	gw := gateway.DefaultConfig()
	gw.AllowedOrigins = cfg.Server.AllowedOrigins

	conn := gateway.DefaultConnectionConfig()
	conn.WriteTimeout = cfg.Gateway.WriteTimeout
	conn.ReadTimeout = cfg.Gateway.ReadTimeout
	conn.PingInterval = cfg.Gateway.PingInterval
	conn.RequestTimeout = cfg.Gateway.RequestTimeout
	conn.MaxMessageSize = cfg.Gateway.MaxMessageSize
	conn.SendBuffer = cfg.Gateway.SendBuffer
	gw.ConnectionConfig = conn

	if cfg.NATS.URL != "" {
		relay := gateway.DefaultRelayConfig()
		relay.URL = cfg.NATS.URL
		relay.StreamName = cfg.NATS.Stream
		relay.SubjectPrefix = cfg.NATS.SubjectPrefix
		relay.MaxReconnects = cfg.NATS.MaxReconnects
		relay.ReconnectWait = cfg.NATS.ReconnectWait
		gw.Relay = &relay
	}

	if cfg.Database.Driver == "postgres" {
		listener := store.DefaultListenerConfig()
		listener.DatabaseURL = cfg.Database.DSN()
		listener.NotifyChannel = cfg.Gateway.ListenerChannel
		listener.FallbackInterval = cfg.Gateway.ResyncInterval
		listener.PingInterval = cfg.Gateway.ListenerPing
		gw.Listener = &listener
	}

	return gw
}

// Demo tenant used by serve --demo.
const (
	demoTenant             = "demo-church"
	demoHeadcountGathering = 1
	demoStandardGathering  = 2
)

func seedDemo(mem *store.Memory) {
	mem.AddGathering(demoTenant, demoHeadcountGathering, models.GatheringKindHeadcount)
	mem.AddGathering(demoTenant, demoStandardGathering, models.GatheringKindStandard, 101, 102, 103)
	mem.AddUser(models.Identity{UserID: "admin", TenantID: demoTenant, Role: models.RoleAdmin, DisplayName: "Admin"})
	mem.AddUser(models.Identity{UserID: "usher-1", TenantID: demoTenant, Role: models.RoleAttendanceTaker, DisplayName: "Usher One"})
	mem.AddUser(models.Identity{UserID: "usher-2", TenantID: demoTenant, Role: models.RoleAttendanceTaker, DisplayName: "Usher Two"})
	log.Info().
		Str("tenant", demoTenant).
		Int64("headcount_gathering", demoHeadcountGathering).
		Int64("standard_gathering", demoStandardGathering).
		Msg("seeded demo tenant")
}
