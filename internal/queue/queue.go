// Package queue implements the event queue (§6) on top of Valkey/Redis Streams: partitioned topics, consumer
// groups, at-least-once delivery with bounded-retry dead-lettering. It generalizes the single-purpose job stream
// pattern into a typed envelope usable by every topic (persistence, push, ack, dead_letter).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Topic names, matching §6 "Event queue topics". Each topic is further partitioned by appending the partition
// key to the stream name, so that a single conversation's events always land on the same Redis stream and are
// consumed in order by one consumer group member at a time.
const (
	TopicPersistence = "persistence"
	TopicPush        = "push"
	TopicAck         = "ack"
	TopicDeadLetter  = "dead_letter"
)

// Envelope is the payload wrapper published to every topic. Body carries the topic-specific JSON payload.
type Envelope struct {
	TenantID  uuid.UUID       `json:"tenant_id"`
	PublishID string          `json:"publish_id"`
	Topic     string          `json:"topic"`
	Body      json.RawMessage `json:"body"`
	Attempt   int             `json:"-"`
}

// ErrPermanent marks an error as non-retryable; the consumer acks and dead-letters immediately rather than
// waiting for maxDeliveries redeliveries.
var ErrPermanent = errors.New("permanent")

// Producer publishes envelopes onto partitioned streams.
type Producer struct {
	rdb *redis.Client
}

// NewProducer creates a producer backed by the given Redis client.
func NewProducer(rdb *redis.Client) *Producer { return &Producer{rdb: rdb} }

// streamName builds the concrete Redis stream key for a topic partition. tenant_id is always part of the key so
// no cross-tenant fan-out is possible even if a partition key collides numerically across tenants.
func streamName(topic, tenantID, partitionKey string) string {
	return fmt.Sprintf("mesh:%s:%s:%s", topic, tenantID, partitionKey)
}

// Publish marshals body and appends it to the stream for (topic, tenantID, partitionKey). partitionKey is
// conversation_id for the persistence topic; for the push topic it is the recipient user ID when a task has a
// single recipient and conversation_id otherwise.
func (p *Producer) Publish(ctx context.Context, topic string, tenantID uuid.UUID, partitionKey string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal envelope body: %w", err)
	}

	// A version-7 UUID is time-ordered, so publish IDs from one producer process increase monotonically.
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate publish id: %w", err)
	}
	publishID := id.String()
	env := Envelope{TenantID: tenantID, PublishID: publishID, Topic: topic, Body: raw}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	stream := streamName(topic, tenantID.String(), partitionKey)
	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"envelope": string(payload)},
	}).Err(); err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return publishID, nil
}

// Handler processes one envelope. Returning an error wrapped with ErrPermanent (errors.Join or fmt.Errorf with
// %w) discards the message immediately instead of retrying.
type Handler func(ctx context.Context, env Envelope) error

// ConsumerConfig tunes redelivery and reclaim behavior, sourced from config.Config's Queue* fields.
type ConsumerConfig struct {
	Group           string
	ConsumerName    string // defaults to a random suffix if empty
	BlockDuration   time.Duration
	ClaimMinIdle    time.Duration
	MaxDeliveries   int
	ReclaimInterval time.Duration
}

// Consumer reads a single partitioned stream under a consumer group, following the XReadGroup/XAutoClaim/XAck
// pattern used for thumbnail job processing, generalized to any topic.
type Consumer struct {
	rdb    *redis.Client
	stream string
	cfg    ConsumerConfig
	log    zerolog.Logger
}

// NewConsumer creates a consumer bound to one partition's stream.
func NewConsumer(rdb *redis.Client, topic string, tenantID uuid.UUID, partitionKey string, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.New().String()[:8]
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &Consumer{
		rdb:    rdb,
		stream: streamName(topic, tenantID.String(), partitionKey),
		cfg:    cfg,
		log:    logger,
	}
}

// NewConsumerForStream creates a consumer bound to an already-resolved stream name, used by components (like the
// writer) that fan across many tenant/conversation partitions via a shared scan rather than one stream per call.
func NewConsumerForStream(rdb *redis.Client, stream string, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.New().String()[:8]
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &Consumer{rdb: rdb, stream: stream, cfg: cfg, log: logger}
}

// EnsureGroup creates the consumer group for this stream, ignoring the error when it already exists.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", c.stream, err)
	}
	return nil
}

// Run reads and processes envelopes until ctx is cancelled, reclaiming stale pending messages from crashed
// consumers whenever the ReclaimInterval ticker has fired. Batching: count controls how many consecutive messages are read per iteration,
// matching the writer's permission to batch same-partition events into one store transaction (§4.3).
func (c *Consumer) Run(ctx context.Context, count int64, handle Handler) error {
	if count <= 0 {
		count = 1
	}
	reclaimTicker := time.NewTicker(c.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reclaimTicker.C:
			c.reclaimStale(ctx, handle)
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.ConsumerName,
			Streams:  []string{c.stream, ">"},
			Count:    count,
			Block:    c.cfg.BlockDuration,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Str("stream", c.stream).Msg("xreadgroup failed")
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.processOne(ctx, msg, handle)
			}
		}
	}
}

func (c *Consumer) reclaimStale(ctx context.Context, handle Handler) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.ConsumerName,
		MinIdle:  c.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    20,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Str("stream", c.stream).Msg("xautoclaim failed")
		}
		return
	}
	for _, msg := range msgs {
		c.processOne(ctx, msg, handle)
	}
}

func (c *Consumer) processOne(ctx context.Context, msg redis.XMessage, handle Handler) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		c.log.Warn().Str("message_id", msg.ID).Msg("queue message missing envelope field")
		c.ack(ctx, msg.ID)
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw.(string)), &env); err != nil {
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to unmarshal envelope")
		c.ack(ctx, msg.ID)
		return
	}
	env.Attempt = int(c.deliveryCount(ctx, msg.ID))

	if err := handle(ctx, env); err != nil {
		if errors.Is(err, ErrPermanent) || env.Attempt >= c.cfg.MaxDeliveries {
			c.log.Warn().Err(err).Str("publish_id", env.PublishID).Msg("event failed permanently, dead-lettering")
			c.deadLetter(ctx, env, err)
			c.ack(ctx, msg.ID)
			return
		}
		c.log.Warn().Err(err).Str("publish_id", env.PublishID).Int("attempt", env.Attempt).Msg("event failed, will retry")
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) deliveryCount(ctx context.Context, messageID string) int64 {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.cfg.Group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return int64(c.cfg.MaxDeliveries)
	}
	return pending[0].RetryCount
}

func (c *Consumer) ack(ctx context.Context, messageID string) {
	if err := c.rdb.XAck(ctx, c.stream, c.cfg.Group, messageID).Err(); err != nil {
		c.log.Warn().Err(err).Str("message_id", messageID).Msg("failed to ack queue message")
	}
}

// deadLetter appends the poisoned envelope plus diagnostic context to the dead_letter topic (§4.3 "Poison
// events... go to a dead-letter topic with diagnostic context").
func (c *Consumer) deadLetter(ctx context.Context, env Envelope, cause error) {
	dlStream := strings.Replace(c.stream, ":"+env.Topic+":", ":"+TopicDeadLetter+":", 1)
	payload, err := json.Marshal(struct {
		Envelope
		Error string `json:"error"`
	}{Envelope: env, Error: cause.Error()})
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal dead-letter payload")
		return
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlStream,
		Values: map[string]any{"envelope": string(payload)},
	}).Err(); err != nil {
		c.log.Error().Err(err).Str("stream", dlStream).Msg("failed to publish to dead-letter topic")
	}
}
