package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Dispatcher discovers every partition stream for one topic and keeps one Consumer running per stream, so each
// (tenant, partition_key) partition is processed by a single goroutine at a time — the consumer-side half of the
// per-conversation single-writer property described in §5, and equally applicable to the push topic's
// per-recipient and per-conversation partitions. New partitions create new stream keys on first publish, which
// the dispatcher picks up on its next scan; a consumer is stopped only when its stream key no longer appears in a
// scan (idle streams are not deleted, so their consumers keep running).
type Dispatcher struct {
	rdb          *redis.Client
	topic        string
	cfg          ConsumerConfig
	scanInterval time.Duration
	batchSize    int64
	handle       Handler
	log          zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewDispatcher builds a Dispatcher that fans events for every discovered partition of topic into handle.
func NewDispatcher(rdb *redis.Client, topic string, cfg ConsumerConfig, scanInterval time.Duration, batchSize int64, handle Handler, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		rdb: rdb, topic: topic, cfg: cfg, scanInterval: scanInterval, batchSize: batchSize, handle: handle, log: logger,
		running: make(map[string]context.CancelFunc),
	}
}

// Run scans for topic's streams every scanInterval until ctx is cancelled, starting a consumer goroutine for
// each one not already running and stopping consumers for streams no longer present (tenant/conversation
// decommission).
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	d.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			d.stopAll()
			return ctx.Err()
		case <-ticker.C:
			d.reconcile(ctx)
		}
	}
}

func (d *Dispatcher) reconcile(ctx context.Context) {
	seen := make(map[string]struct{})

	var cursor uint64
	for {
		keys, next, err := d.rdb.Scan(ctx, cursor, "mesh:"+d.topic+":*", 200).Result()
		if err != nil {
			d.log.Warn().Err(err).Str("topic", d.topic).Msg("scan partition streams failed")
			return
		}
		for _, key := range keys {
			seen[key] = struct{}{}
			d.ensureConsumer(ctx, key)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cancel := range d.running {
		if _, ok := seen[key]; !ok {
			cancel()
			delete(d.running, key)
		}
	}
}

func (d *Dispatcher) ensureConsumer(ctx context.Context, stream string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[stream]; ok {
		return
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	d.running[stream] = cancel

	consumer := NewConsumerForStream(d.rdb, stream, d.cfg, d.log)
	go func() {
		if err := consumer.EnsureGroup(consumerCtx); err != nil {
			d.log.Error().Err(err).Str("stream", stream).Msg("failed to ensure consumer group")
			return
		}
		if err := consumer.Run(consumerCtx, d.batchSize, d.handle); err != nil && consumerCtx.Err() == nil {
			d.log.Warn().Err(err).Str("stream", stream).Msg("consumer stopped")
		}
	}()
}

func (d *Dispatcher) stopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cancel := range d.running {
		cancel()
		delete(d.running, key)
	}
}
