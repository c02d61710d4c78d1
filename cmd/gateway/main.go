// Command gateway runs one Access Gateway instance (§4.1): the WebSocket-facing connection registry that
// accepts client connections, forwards Send frames to the orchestrator, and fans out dispatch events.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/relaymesh-core/internal/api"
	"github.com/relaymesh/relaymesh-core/internal/authtoken"
	"github.com/relaymesh/relaymesh-core/internal/config"
	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/gateway"
	"github.com/relaymesh/relaymesh-core/internal/httputil"
	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
	"github.com/relaymesh/relaymesh-core/internal/postgres"
	"github.com/relaymesh/relaymesh-core/internal/registry"
	"github.com/relaymesh/relaymesh-core/internal/session"
	"github.com/relaymesh/relaymesh-core/internal/valkey"

	"github.com/relaymesh/relaymesh-core/internal/presence"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Environment == "development" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log.Info().Str("instance_id", instanceID).Msg("starting gateway")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, int(cfg.DatabaseMaxConns), 0)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	rdb, err := valkey.Connect(ctx, cfg.CacheURL, cfg.CacheDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	conversations := conversation.NewPGRepository(db, log.Logger)
	validator := authtoken.NewValidator(cfg.JWTSecret, cfg.JWTIssuer)
	sessions := session.New(rdb, cfg.GatewaySessionTTL)
	gwSessions := gateway.NewSessionStore(rdb, cfg.GatewaySessionTTL, cfg.GatewayReplayBufferSize)
	presenceStore := presence.NewStore(rdb)
	instances := registry.New(rdb, cfg.RegistryTTL)
	publisher := gateway.NewPublisher(rdb, log.Logger)

	orchestrators := registry.New(rdb, cfg.RegistryTTL)
	ring := orchestrator.NewRing(nil, "")
	forwarder := gateway.NewHTTPForwarder(orchestrators, ring, 5*time.Second)

	hub := gateway.NewHub(rdb, cfg, instanceID, sessions, gwSessions, presenceStore, conversations, validator, forwarder, publisher, instances, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "gateway-hub", hub.Run)
	go runWithBackoff(subCtx, "registry-heartbeat", func(ctx context.Context) error {
		return heartbeatLoop(ctx, instances, cfg.GatewayListenAddr, cfg.Region, instanceID, cfg.RegistryHeartbeatInterval)
	})
	go runWithBackoff(subCtx, "orchestrator-ring-refresh", func(ctx context.Context) error {
		return ringRefreshLoop(ctx, orchestrators, ring, cfg.RegistryHeartbeatInterval)
	})

	app := fiber.New(fiber.Config{AppName: "relaymesh-gateway", BodyLimit: 4 << 20})
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Split("*", ","),
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))

	health := &api.HealthHandler{DB: db, Redis: rdb}
	app.Get("/api/v1/health", health.Health)

	gatewayHandler := api.NewGatewayHandler(hub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down gateway")
		hub.Shutdown()
		subCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.GatewayListenAddr).Msg("gateway listening")
	if err := app.Listen(cfg.GatewayListenAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("gateway server error: %w", err)
	}
	return nil
}

func heartbeatLoop(ctx context.Context, instances *registry.Registry, addr, region, instanceID string, interval time.Duration) error {
	register := func() error {
		return instances.Register(ctx, registry.Instance{
			Name: "gateway", InstanceID: instanceID, Address: addr, Region: region, Health: registry.HealthOK,
		})
	}
	if err := register(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := instances.Heartbeat(ctx, "gateway", instanceID); err != nil {
				return err
			}
		}
	}
}

// ringRefreshLoop keeps the forwarder's consistent-hash ring current with the live set of orchestrator
// replicas, so a crashed replica's conversations reassign (§5) without requiring a gateway restart.
func ringRefreshLoop(ctx context.Context, orchestrators *registry.Registry, ring *orchestrator.Ring, interval time.Duration) error {
	refresh := func() error {
		instances, err := orchestrators.List(ctx, "orchestrator")
		if err != nil {
			return err
		}
		ids := make([]string, len(instances))
		for i, inst := range instances {
			ids[i] = inst.InstanceID
		}
		ring.Update(ids)
		return nil
	}
	if err := refresh(); err != nil {
		log.Warn().Err(err).Msg("initial orchestrator ring refresh failed, continuing with empty ring")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := refresh(); err != nil {
				log.Warn().Err(err).Msg("orchestrator ring refresh failed")
			}
		}
	}
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil,
// non-cancellation error.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).Msg("background service stopped, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
