// Package seqalloc implements the per-conversation seq allocator described in §4.2 and §5: an atomic cache
// counter seeded lazily from the store's last_message_seq and protected by a short lease so that only one
// orchestrator replica may seed it at a time, preventing dual allocation after a hash-ring reassignment.
package seqalloc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// seedScript atomically seeds the counter only if it does not already exist, avoiding a race between the lease
// holder's read of last_message_seq and another replica's concurrent INCR.
var seedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1])
end
return redis.call("INCR", KEYS[1])
`)

// StoreSeqLookup resolves the last durably-recorded seq for a conversation, used to seed the cache counter on
// first use or after the key has been evicted.
type StoreSeqLookup func(ctx context.Context, tenantID, conversationID uuid.UUID) (int64, error)

// Allocator assigns gapless, monotonically increasing seq values per (tenant, conversation_id) (I1).
type Allocator struct {
	rdb      *redis.Client
	lookup   StoreSeqLookup
	leaseTTL time.Duration
}

// New creates an Allocator backed by the given cache client and store lookup function.
func New(rdb *redis.Client, lookup StoreSeqLookup, leaseTTL time.Duration) *Allocator {
	return &Allocator{rdb: rdb, lookup: lookup, leaseTTL: leaseTTL}
}

func counterKey(tenantID, conversationID uuid.UUID) string {
	return fmt.Sprintf("seq:%s:%s", tenantID, conversationID)
}

func leaseKey(tenantID, conversationID uuid.UUID) string {
	return fmt.Sprintf("seqlease:%s:%s", tenantID, conversationID)
}

// Next returns the next seq for (tenantID, conversationID), seeding the counter from the store under a lease if
// this is the first allocation seen by any replica (or the key was evicted since the last one).
func (a *Allocator) Next(ctx context.Context, tenantID, conversationID uuid.UUID) (int64, error) {
	key := counterKey(tenantID, conversationID)

	exists, err := a.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("check seq counter: %w", err)
	}
	if exists == 1 {
		seq, err := a.rdb.Incr(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("incr seq counter: %w", err)
		}
		return seq, nil
	}

	return a.seedAndAllocate(ctx, tenantID, conversationID, key)
}

// seedAndAllocate takes the short-lived lease, reads last_message_seq from the store, and seeds the counter. If
// another replica already holds the lease, this call waits briefly and retries the plain increment path, since
// the lease holder is expected to finish seeding well within leaseTTL.
func (a *Allocator) seedAndAllocate(ctx context.Context, tenantID, conversationID uuid.UUID, key string) (int64, error) {
	lease := leaseKey(tenantID, conversationID)
	holder := uuid.NewString()

	acquired, err := a.rdb.SetNX(ctx, lease, holder, a.leaseTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("acquire seq lease: %w", err)
	}

	if !acquired {
		// Another replica is seeding; back off briefly then fall back to a plain increment, which is safe once
		// the counter key exists (read-your-own-EXISTS race resolved by the seed script's idempotent SET).
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		seq, err := a.rdb.Incr(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("incr seq counter after lease wait: %w", err)
		}
		return seq, nil
	}
	defer a.releaseLease(ctx, lease, holder)

	lastSeq, err := a.lookup(ctx, tenantID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("lookup last_message_seq: %w", err)
	}

	seq, err := seedScript.Run(ctx, a.rdb, []string{key}, lastSeq).Int64()
	if err != nil {
		return 0, fmt.Errorf("seed seq counter: %w", err)
	}
	return seq, nil
}

// releaseLease deletes the lease only if still held by this allocation attempt, so a holder whose lease already
// expired does not accidentally delete a newer holder's lease.
func (a *Allocator) releaseLease(ctx context.Context, lease, holder string) {
	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	_ = script.Run(ctx, a.rdb, []string{lease}, holder).Err()
}

// CurrentSeq returns the counter's present value without incrementing, or 0 if unset.
func (a *Allocator) CurrentSeq(ctx context.Context, tenantID, conversationID uuid.UUID) (int64, error) {
	val, err := a.rdb.Get(ctx, counterKey(tenantID, conversationID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("get seq counter: %w", err)
	}
	return val, nil
}
