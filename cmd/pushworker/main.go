// Command pushworker runs one Push Pipeline worker instance (§4.5): it consumes push tasks per recipient
// partition, splits them across the recipient's live devices, and dispatches each either in-band (via a remote
// gateway instance) or through the offline push vendor.
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
	"github.com/relaymesh/relaymesh-core/internal/config"
	"github.com/relaymesh/relaymesh-core/internal/gateway"
	"github.com/relaymesh/relaymesh-core/internal/hook"
	"github.com/relaymesh/relaymesh-core/internal/httputil"
	"github.com/relaymesh/relaymesh-core/internal/postgres"
	"github.com/relaymesh/relaymesh-core/internal/push"
	"github.com/relaymesh/relaymesh-core/internal/queue"
	"github.com/relaymesh/relaymesh-core/internal/registry"
	"github.com/relaymesh/relaymesh-core/internal/session"
	"github.com/relaymesh/relaymesh-core/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("push worker stopped")
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
	log.Info().Str("instance_id", instanceID).Msg("starting push worker")

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

	sessions := session.New(rdb, cfg.GatewaySessionTTL)
	publisher := gateway.NewPublisher(rdb, log.Logger)
	dispatcher := gateway.NewRemoteDispatcher(publisher)
	vendor := push.NewHTTPVendor(cfg.OfflinePushVendorURL, 5*time.Second)

	hooks := hook.New(log.Logger, nil)
	hookStore := hook.NewPGRepository(db, log.Logger)
	hookReloader := hook.NewReloader(hooks, hook.FileSource{Path: cfg.HookConfigFile}, hook.KVSource{Client: rdb, Key: cfg.HookKVKey}, hookStore, log.Logger)
	if err := hookReloader.LoadOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("initial hook config load failed, starting with an empty chain")
	}

	worker := push.NewWorker(dispatcher, vendor, hooks, log.Logger, push.WithOnlineRetries(uint64(cfg.PushMaxRetries)))
	scheduler := push.NewScheduler(sessions, worker, log.Logger)

	consumerCfg := queue.ConsumerConfig{
		Group:           cfg.QueueConsumerGroup,
		ConsumerName:    instanceID,
		BlockDuration:   cfg.QueueBlockDuration,
		ClaimMinIdle:    cfg.QueueClaimMinIdle,
		MaxDeliveries:   cfg.QueueMaxDeliveries,
		ReclaimInterval: cfg.QueueReclaimInterval,
	}
	streamDispatcher := queue.NewDispatcher(rdb, queue.TopicPush, consumerCfg, 5*time.Second, int64(cfg.PushWorkerConcurrency), scheduler.Handle, log.Logger)

	instances := registry.New(rdb, cfg.RegistryTTL)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "push-dispatcher", streamDispatcher.Run)
	go runWithBackoff(subCtx, "hook-reloader", func(ctx context.Context) error {
		hookReloader.Run(ctx, cfg.HookReloadInterval)
		return ctx.Err()
	})
	go runWithBackoff(subCtx, "registry-heartbeat", func(ctx context.Context) error {
		return heartbeatLoop(ctx, instances, "", cfg.Region, instanceID, cfg.RegistryHeartbeatInterval)
	})

	app := fiber.New(fiber.Config{AppName: "relaymesh-push-worker"})
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	health := &api.HealthHandler{DB: db, Redis: rdb}
	app.Get("/api/v1/health", health.Health)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down push worker")
		subCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("push worker shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.PushWorkerHealthAddr).Msg("push worker health endpoint listening")
	if err := app.Listen(cfg.PushWorkerHealthAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("push worker server error: %w", err)
	}
	return nil
}

func heartbeatLoop(ctx context.Context, instances *registry.Registry, addr, region, instanceID string, interval time.Duration) error {
	register := func() error {
		return instances.Register(ctx, registry.Instance{
			Name: "push_worker", InstanceID: instanceID, Address: addr, Region: region, Health: registry.HealthOK,
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
			if err := instances.Heartbeat(ctx, "push_worker", instanceID); err != nil {
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
