// Package presence provides ephemeral presence and typing state backed by Valkey. Presence keys expire after 120
// seconds and are refreshed by each gateway heartbeat. Typing indicators use a 10-second TTL with SET NX to
// deduplicate rapid keystrokes (§12 "Typing indicators as ephemeral, unsequenced dispatch").
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// presenceTTL is the lifetime of a presence key. Heartbeats refresh this TTL so keys expire only when the client
	// stops sending heartbeats.
	presenceTTL = 120 * time.Second

	// typingTTL is the lifetime of a typing indicator key. Clients may re-trigger the typing endpoint, but SET NX
	// suppresses duplicate dispatches until the key expires.
	typingTTL = 10 * time.Second

	// StatusOnline indicates the user is actively connected.
	StatusOnline = "online"
	// StatusIdle indicates the user is connected but inactive.
	StatusIdle = "idle"
	// StatusDND indicates the user does not want to be disturbed.
	StatusDND = "dnd"
	// StatusInvisible makes the user appear offline to others while remaining connected.
	StatusInvisible = "invisible"
	// StatusOffline is the implicit status when no presence key exists. It is never stored in Valkey.
	StatusOffline = "offline"
)

// State is one user's visible presence, tenant-scoped so presence never leaks across tenants in a GetMany
// response.
type State struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Status   string
}

// Store reads and writes ephemeral presence and typing state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Set stores the user's presence status with the standard TTL.
func (s *Store) Set(ctx context.Context, tenantID, userID uuid.UUID, status string) error {
	if err := s.rdb.Set(ctx, presenceKey(tenantID, userID), status, presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current presence status. If the key does not exist the user is considered offline.
func (s *Store) Get(ctx context.Context, tenantID, userID uuid.UUID) (string, error) {
	val, err := s.rdb.Get(ctx, presenceKey(tenantID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence for %s: %w", userID, err)
	}
	return val, nil
}

// GetMany returns the visible presence state for each user within one tenant. Invisible users are excluded from
// the result so they appear offline to other clients. The returned slice may be shorter than the input when
// users are offline or invisible.
func (s *Store) GetMany(ctx context.Context, tenantID uuid.UUID, userIDs []uuid.UUID) ([]State, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(tenantID, id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	result := make([]State, 0, len(userIDs))
	for i, v := range vals {
		if v == nil {
			continue
		}
		// MGet returns []interface{} where each element is nil or a string. The comma-ok assertion guards against
		// unexpected types from future Redis driver changes or pipeline corruption.
		status, ok := v.(string)
		if !ok || status == StatusInvisible {
			continue
		}
		result = append(result, State{TenantID: tenantID, UserID: userIDs[i], Status: status})
	}
	return result, nil
}

// Refresh extends the TTL of an existing presence key without changing the stored status.
func (s *Store) Refresh(ctx context.Context, tenantID, userID uuid.UUID) error {
	if err := s.rdb.Expire(ctx, presenceKey(tenantID, userID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's presence key. After deletion the user is considered offline.
func (s *Store) Delete(ctx context.Context, tenantID, userID uuid.UUID) error {
	if err := s.rdb.Del(ctx, presenceKey(tenantID, userID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

// SetTyping records that the user started typing in the given conversation. The key uses SET NX so repeated
// calls within the TTL window are no-ops. Returns true when the key was newly created (meaning a typing-start
// frame should be dispatched), and false when the key already existed (duplicate suppressed). Typing state
// never touches seq and is best-effort only.
func (s *Store) SetTyping(ctx context.Context, tenantID, conversationID, userID uuid.UUID) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(tenantID, conversationID, userID), 1, typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing for %s in %s: %w", userID, conversationID, err)
	}
	return ok, nil
}

// ClearTyping removes the typing indicator for the given user in the given conversation. It returns true when
// the key existed and was deleted (meaning a typing-stop frame should be dispatched), and false otherwise.
func (s *Store) ClearTyping(ctx context.Context, tenantID, conversationID, userID uuid.UUID) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(tenantID, conversationID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing for %s in %s: %w", userID, conversationID, err)
	}
	return n > 0, nil
}

// ValidStatus returns true for statuses a client may set directly. StatusOffline is not valid because clients go
// offline by disconnecting (or set StatusInvisible to appear offline while staying connected).
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusIdle, StatusDND, StatusInvisible:
		return true
	default:
		return false
	}
}

func presenceKey(tenantID, userID uuid.UUID) string {
	return "presence:" + tenantID.String() + ":" + userID.String()
}

func typingKey(tenantID, conversationID, userID uuid.UUID) string {
	return "typing:" + tenantID.String() + ":" + conversationID.String() + ":" + userID.String()
}
