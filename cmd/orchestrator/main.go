// Command orchestrator runs one Message Orchestrator instance (§4.2): the single linearization point per
// conversation, reached over HTTP by gateway instances' gateway.HTTPForwarder once they pick a replica by
// consistent hash on conversation_id.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/relaymesh-core/internal/api"
	"github.com/relaymesh/relaymesh-core/internal/authtoken"
	"github.com/relaymesh/relaymesh-core/internal/config"
	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/hook"
	"github.com/relaymesh/relaymesh-core/internal/httputil"
	"github.com/relaymesh/relaymesh-core/internal/idempotency"
	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
	"github.com/relaymesh/relaymesh-core/internal/postgres"
	"github.com/relaymesh/relaymesh-core/internal/queue"
	"github.com/relaymesh/relaymesh-core/internal/registry"
	"github.com/relaymesh/relaymesh-core/internal/seqalloc"
	"github.com/relaymesh/relaymesh-core/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("orchestrator stopped")
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
	log.Info().Str("instance_id", instanceID).Msg("starting orchestrator")

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
	auth := conversation.NewAuthorizer(conversations)
	idem := idempotency.New(rdb, cfg.IdempotencyTTL)

	seqLookup := func(ctx context.Context, tenantID, conversationID uuid.UUID) (int64, error) {
		c, err := conversations.GetConversation(ctx, tenantID, conversationID)
		if err != nil {
			if err == conversation.ErrNotFound {
				return 0, nil
			}
			return 0, err
		}
		return c.LastMessageSeq, nil
	}
	seq := seqalloc.New(rdb, seqLookup, cfg.SeqLeaseTTL)

	producer := queue.NewProducer(rdb)

	hooks := hook.New(log.Logger, nil)
	hookStore := hook.NewPGRepository(db, log.Logger)
	hookReloader := hook.NewReloader(hooks, hook.FileSource{Path: cfg.HookConfigFile}, hook.KVSource{Client: rdb, Key: cfg.HookKVKey}, hookStore, log.Logger)
	if err := hookReloader.LoadOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("initial hook config load failed, starting with an empty chain")
	}

	orch := orchestrator.New(auth, idem, seq, hooks, producer, log.Logger)

	instances := registry.New(rdb, cfg.RegistryTTL)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "hook-reloader", func(ctx context.Context) error {
		hookReloader.Run(ctx, cfg.HookReloadInterval)
		return ctx.Err()
	})
	go runWithBackoff(subCtx, "registry-heartbeat", func(ctx context.Context) error {
		return heartbeatLoop(ctx, instances, cfg.OrchestratorListenAddr, cfg.Region, instanceID, cfg.RegistryHeartbeatInterval)
	})

	app := fiber.New(fiber.Config{AppName: "relaymesh-orchestrator", BodyLimit: 4 << 20})
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	health := &api.HealthHandler{DB: db, Redis: rdb}
	app.Get("/api/v1/health", health.Health)

	messagesHandler := api.NewMessagesHandler(orch)
	app.Post("/internal/v1/messages", messagesHandler.Ingest)

	hooksHandler := api.NewHooksHandler(hookStore)
	admin := app.Group("/admin/v1/hooks", validator.RequireAuth())
	admin.Get("", hooksHandler.List)
	admin.Put("/:name", hooksHandler.Upsert)
	admin.Delete("/:point/:name", hooksHandler.Delete)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down orchestrator")
		subCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("orchestrator shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.OrchestratorListenAddr).Msg("orchestrator listening")
	if err := app.Listen(cfg.OrchestratorListenAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("orchestrator server error: %w", err)
	}
	return nil
}

func heartbeatLoop(ctx context.Context, instances *registry.Registry, addr, region, instanceID string, interval time.Duration) error {
	register := func() error {
		return instances.Register(ctx, registry.Instance{
			Name: "orchestrator", InstanceID: instanceID, Address: addr, Region: region, Health: registry.HealthOK,
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
			if err := instances.Heartbeat(ctx, "orchestrator", instanceID); err != nil {
				return err
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
