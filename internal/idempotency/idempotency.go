// Package idempotency implements the cache-backed dedup gates used by both the orchestrator (I2, "message
// fingerprint" gate in §4.2 step 2) and the writer (§4.3 step 1, "(tenant, server_id)" dedup). Both gates share
// the same SETNX-with-TTL shape as presence keys, just with a different key schema and payload.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotReserved is returned by Reserve when the key was already set by another caller.
var ErrNotReserved = errors.New("idempotency key already reserved")

// Store implements both idempotency gates described in §4.2/§4.3 and §6's cache key schema.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Store whose keys expire after ttl. ttl must be >= 24h per the Open Question resolution recorded
// in SPEC_FULL.md §13.3 (orchestrator and writer share IdempotencyTTL).
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// SendResult is the payload stored under an orchestrator idempotency key so a replayed send can return the
// original (server_id, seq) without re-publishing (§4.2 step 2, I2).
type SendResult struct {
	ServerID uuid.UUID `json:"server_id"`
	Seq      int64     `json:"seq"`
}

func sendKey(tenantID, senderID uuid.UUID, clientMsgID string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, senderID, clientMsgID)
}

// ReserveSend atomically checks and sets the orchestrator-level idempotency key. ok is true when this call won
// the race and the caller should proceed to assign a new server_id/seq; ok is false when a prior result already
// exists, in which case it is returned for the caller to echo back (AlreadyExists).
func (s *Store) ReserveSend(ctx context.Context, tenantID, senderID uuid.UUID, clientMsgID string) (existing *SendResult, ok bool, err error) {
	key := sendKey(tenantID, senderID, clientMsgID)

	reserved, err := s.rdb.SetNX(ctx, key, "", s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserve send idempotency key: %w", err)
	}
	if reserved {
		return nil, true, nil
	}

	// Lost the race (or a prior attempt already completed): read back whatever is stored. An empty value means a
	// concurrent attempt reserved the key but has not yet recorded its result; the caller should treat this as
	// Unavailable and let the client retry, since we cannot yet return a server_id/seq.
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read send idempotency key: %w", err)
	}
	if val == "" {
		return nil, false, nil
	}
	var result SendResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, false, fmt.Errorf("unmarshal send idempotency result: %w", err)
	}
	return &result, false, nil
}

// ReleaseSend deletes an orchestrator idempotency key reserved by ReserveSend without ever being completed,
// because the send failed before a server_id/seq could be assigned (e.g. a rejecting hook or a seq allocation
// failure). Without this, the reservation would sit empty for the full TTL and every retry of the same
// client_msg_id would observe "concurrent send in flight" instead of the real error (§4.2 step 2).
func (s *Store) ReleaseSend(ctx context.Context, tenantID, senderID uuid.UUID, clientMsgID string) error {
	if err := s.rdb.Del(ctx, sendKey(tenantID, senderID, clientMsgID)).Err(); err != nil {
		return fmt.Errorf("release send idempotency key: %w", err)
	}
	return nil
}

// CompleteSend records the (server_id, seq) result under an already-reserved key so subsequent replays resolve
// to it instead of blocking.
func (s *Store) CompleteSend(ctx context.Context, tenantID, senderID uuid.UUID, clientMsgID string, result SendResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal send idempotency result: %w", err)
	}
	key := sendKey(tenantID, senderID, clientMsgID)
	if err := s.rdb.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete send idempotency key: %w", err)
	}
	return nil
}

func dedupKey(tenantID, serverID uuid.UUID) string {
	return fmt.Sprintf("dedup:%s:%s", tenantID, serverID)
}

// ReserveApply implements the writer's per-event dedup gate (§4.3 step 1): returns true the first time a given
// server_id is seen, false on any redelivery within the TTL window (P3).
func (s *Store) ReserveApply(ctx context.Context, tenantID, serverID uuid.UUID) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, dedupKey(tenantID, serverID), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve apply dedup key: %w", err)
	}
	return ok, nil
}
