// Command reader runs one Storage Reader instance (§4.4): the client-facing query surface for conversations and
// message history. Recall/Edit are mutations, so they delegate to an in-process orchestrator.Orchestrator built
// from the same shared collaborators (Redis-backed idempotency/seq allocation, the Postgres-backed hook config
// store) as the cmd/orchestrator binary, which publishes the operation for the writer to apply: the writer, not
// the reader, remains the sole mutator of message state.
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
	"github.com/gofiber/fiber/v3/middleware/cors"
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
	"github.com/relaymesh/relaymesh-core/internal/message"
	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
	"github.com/relaymesh/relaymesh-core/internal/postgres"
	"github.com/relaymesh/relaymesh-core/internal/queue"
	"github.com/relaymesh/relaymesh-core/internal/reader"
	"github.com/relaymesh/relaymesh-core/internal/registry"
	"github.com/relaymesh/relaymesh-core/internal/seqalloc"
	"github.com/relaymesh/relaymesh-core/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("reader stopped")
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
	log.Info().Str("instance_id", instanceID).Msg("starting reader")

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

	messages := message.NewPGRepository(db, log.Logger)
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

	rdr := reader.New(messages, conversations, orch, rdb, cfg.ReaderCacheTTL, log.Logger)
	convService := conversation.New(conversations, messages)

	instances := registry.New(rdb, cfg.RegistryTTL)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "hook-reloader", func(ctx context.Context) error {
		hookReloader.Run(ctx, cfg.HookReloadInterval)
		return ctx.Err()
	})
	go runWithBackoff(subCtx, "registry-heartbeat", func(ctx context.Context) error {
		return heartbeatLoop(ctx, instances, cfg.ReaderListenAddr, cfg.Region, instanceID, cfg.RegistryHeartbeatInterval)
	})

	app := fiber.New(fiber.Config{AppName: "relaymesh-reader", BodyLimit: 4 << 20})
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))

	health := &api.HealthHandler{DB: db, Redis: rdb}
	app.Get("/api/v1/health", health.Health)

	convHandler := api.NewConversationsHandler(convService)
	histHandler := api.NewHistoryHandler(rdr)

	authed := app.Group("/api/v1", validator.RequireAuth())

	conv := authed.Group("/conversations")
	conv.Get("", convHandler.List)
	conv.Put("/:id/mute", convHandler.Mute)
	conv.Put("/:id/pin", convHandler.Pin)
	conv.Delete("/:id", convHandler.Delete)
	conv.Get("/:id/sync", convHandler.SyncMissed)
	conv.Get("/:id/messages", histHandler.Query)
	conv.Put("/:id/read", histHandler.MarkRead)

	hist := authed.Group("/messages")
	hist.Get("/:id", histHandler.Get)
	hist.Delete("/:id/for-me", histHandler.DeleteForUser)
	hist.Post("/:id/recall", histHandler.Recall)
	hist.Post("/:id/edit", histHandler.Edit)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down reader")
		subCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("reader shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.ReaderListenAddr).Msg("reader listening")
	if err := app.Listen(cfg.ReaderListenAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("reader server error: %w", err)
	}
	return nil
}

func heartbeatLoop(ctx context.Context, instances *registry.Registry, addr, region, instanceID string, interval time.Duration) error {
	register := func() error {
		return instances.Register(ctx, registry.Instance{
			Name: "reader", InstanceID: instanceID, Address: addr, Region: region, Health: registry.HealthOK,
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
			if err := instances.Heartbeat(ctx, "reader", instanceID); err != nil {
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
