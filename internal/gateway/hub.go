package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/authtoken"
	"github.com/relaymesh/relaymesh-core/internal/config"
	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
	"github.com/relaymesh/relaymesh-core/internal/presence"
	"github.com/relaymesh/relaymesh-core/internal/push"
	"github.com/relaymesh/relaymesh-core/internal/registry"
	"github.com/relaymesh/relaymesh-core/internal/session"
)

// clientKey is the composite local-registration key for one device's connection, replacing the teacher's
// single-client-per-user map now that a user may hold several concurrent device sessions (§12 SUPPLEMENTED
// "Device-conflict policy on Connect").
type clientKey struct {
	tenantID uuid.UUID
	userID   uuid.UUID
	deviceID string
}

// DeviceConflict selects which prior sessions a new Connect displaces (§4.1's three named policies).
type DeviceConflict string

const (
	DeviceConflictExclusive         DeviceConflict = "exclusive"
	DeviceConflictPlatformExclusive DeviceConflict = "platform_exclusive"
	DeviceConflictCoexist           DeviceConflict = "coexist"
)

// ParseDeviceConflict parses a config value, defaulting to Exclusive for anything unrecognised.
func ParseDeviceConflict(s string) DeviceConflict {
	switch DeviceConflict(s) {
	case DeviceConflictPlatformExclusive:
		return DeviceConflictPlatformExclusive
	case DeviceConflictCoexist:
		return DeviceConflictCoexist
	default:
		return DeviceConflictExclusive
	}
}

// ReadyPayload is the op 0 READY dispatch's data, the transport-layer state a client needs immediately after
// Identify/Resume (§4.7's ListConversations result, reshaped for the wire).
type ReadyPayload struct {
	SessionID     string                `json:"session_id"`
	UserID        string                `json:"user_id"`
	DeviceID      string                `json:"device_id"`
	Conversations []ConversationSummary `json:"conversations"`
}

// ConversationSummary is one conversation's wire-facing summary plus the caller's own overlay.
type ConversationSummary struct {
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
	LastMessageSeq int64  `json:"last_message_seq"`
	UnreadCount    int64  `json:"unread_count"`
	Muted          bool   `json:"muted"`
	Pinned         bool   `json:"pinned"`
}

const readyConversationLimit = 200

// Hub is the central WebSocket connection registry and event distributor (§4.1 Access Gateway). It manages
// local client connections, forwards Send frames to the orchestrator, subscribes to this instance's own
// delivery channel for cross-instance dispatch, and implements push.GatewayDispatcher for the push pipeline.
type Hub struct {
	clients map[clientKey]*Client
	mu      sync.RWMutex

	rdb            *redis.Client
	cfg            *config.Config
	instanceID     string
	deviceConflict DeviceConflict

	sessions      *session.Registry
	gwSessions    *SessionStore
	presenceStore *presence.Store
	conversations conversation.Repository
	validator     *authtoken.Validator
	forwarder     OrchestratorForwarder
	publisher     *Publisher
	instances     *registry.Registry

	log zerolog.Logger
}

// NewHub creates a new gateway hub bound to instanceID (this process's own registry instance ID, used both to
// key the cross-instance delivery channel and to decide whether a PushDeliver target is local).
func NewHub(
	rdb *redis.Client,
	cfg *config.Config,
	instanceID string,
	sessions *session.Registry,
	gwSessions *SessionStore,
	presenceStore *presence.Store,
	conversations conversation.Repository,
	validator *authtoken.Validator,
	forwarder OrchestratorForwarder,
	publisher *Publisher,
	instances *registry.Registry,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:        make(map[clientKey]*Client),
		rdb:            rdb,
		cfg:            cfg,
		instanceID:     instanceID,
		deviceConflict: ParseDeviceConflict(cfg.GatewayDeviceConflict),
		sessions:       sessions,
		gwSessions:     gwSessions,
		presenceStore:  presenceStore,
		conversations:  conversations,
		validator:      validator,
		forwarder:      forwarder,
		publisher:      publisher,
		instances:      instances,
		log:            logger.With().Str("component", "gateway").Str("instance_id", instanceID).Logger(),
	}
}

// Run subscribes to this instance's own delivery channel and dispatches incoming envelopes to locally connected
// clients. It blocks until the context is cancelled or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, gatewayChannel(h.instanceID))
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("gateway hub subscribed to its instance delivery channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handleEnvelope(msg.Payload)
		}
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket connection.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)

	hello, err := NewHelloFrame(int(h.cfg.GatewayHeartbeatInterval / time.Millisecond))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("failed to send hello frame")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// register binds an authenticated client locally and in the cross-instance session registry, applying the
// configured device-conflict policy to displace prior sessions (possibly on another gateway instance).
func (h *Hub) register(ctx context.Context, client *Client) error {
	key := client.key()

	devices, err := h.sessions.ListDevices(ctx, key.tenantID, key.userID)
	if err != nil {
		return fmt.Errorf("list existing devices: %w", err)
	}

	platform := client.Platform()
	for _, d := range devices {
		if d.DeviceID == key.deviceID {
			continue // re-connecting on the same device displaces nothing new
		}
		if !h.conflicts(platform, d.Platform) {
			continue
		}
		h.evict(ctx, d)
	}

	if err := h.sessions.Bind(ctx, session.Binding{
		TenantID: key.tenantID, UserID: key.userID, DeviceID: key.deviceID,
		Platform: platform, GatewayID: h.instanceID, Region: h.cfg.Region, ConnectedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}

	h.mu.Lock()
	if existing, ok := h.clients[key]; ok && existing != client {
		existing.closeSend()
	}
	h.clients[key] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Debug().Stringer("user_id", key.userID).Str("device_id", key.deviceID).Int("total", count).
		Msg("client registered")
	return nil
}

// conflicts reports whether a new connection on newPlatform should displace an existing one on otherPlatform,
// per the configured device-conflict policy.
func (h *Hub) conflicts(newPlatform, otherPlatform session.Platform) bool {
	switch h.deviceConflict {
	case DeviceConflictCoexist:
		return false
	case DeviceConflictPlatformExclusive:
		return newPlatform == otherPlatform
	default: // Exclusive
		return true
	}
}

// evict displaces one prior binding, either locally or by asking the instance that holds it to do so.
func (h *Hub) evict(ctx context.Context, b session.Binding) {
	if b.GatewayID == h.instanceID {
		h.mu.Lock()
		victim, ok := h.clients[clientKey{tenantID: b.TenantID, userID: b.UserID, deviceID: b.DeviceID}]
		h.mu.Unlock()
		if ok {
			if frame, err := NewInvalidSessionFrame(false); err == nil {
				victim.enqueue(frame)
			}
			victim.closeSend()
		}
		return
	}

	env := deliverEnvelope{Kind: kindEvict, TenantID: b.TenantID.String(), UserID: b.UserID.String(), DeviceID: b.DeviceID}
	if err := h.publisher.PublishTo(ctx, b.GatewayID, env); err != nil {
		h.log.Warn().Err(err).Str("gateway_id", b.GatewayID).Msg("failed to publish cross-instance eviction")
	}
}

// unregister removes a client from the Hub and persists its session for future resume.
func (h *Hub) unregister(client *Client) {
	key := client.key()

	h.mu.Lock()
	current, ok := h.clients[key]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, key)
	h.mu.Unlock()

	client.closeSend()

	if client.IsIdentified() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.gwSessions.Save(ctx, client.SessionID(), key.userID, client.currentSeq()); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", key.userID).Msg("failed to save session on disconnect")
		}
		if err := h.sessions.Unbind(ctx, key.tenantID, key.userID, key.deviceID); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", key.userID).Msg("failed to unbind session on disconnect")
		}

		go h.delayedOffline(key.tenantID, key.userID)
	}

	h.log.Debug().Stringer("user_id", key.userID).Msg("client unregistered")
}

// delayedOffline waits for the configured offline grace period then publishes an offline presence event if the
// user has no remaining device connected anywhere.
func (h *Hub) delayedOffline(tenantID, userID uuid.UUID) {
	time.Sleep(h.cfg.GatewayHeartbeatInterval * 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	online, err := h.sessions.IsOnline(ctx, tenantID, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("failed to check online state for delayed offline")
		return
	}
	if online {
		return
	}

	if err := h.presenceStore.Delete(ctx, tenantID, userID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("failed to delete presence on delayed offline")
	}
	h.broadcastPresence(ctx, tenantID, userID, presence.StatusOffline)
}

// handleIdentify authenticates a client using an access token, binds its session, assembles the READY payload,
// and registers the client.
func (h *Hub) handleIdentify(client *Client, id IdentifyData) {
	principal, err := h.validator.Validate(id.Token)
	if err != nil {
		h.log.Debug().Err(err).Msg("identify token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client.mu.Lock()
	client.tenantID = principal.TenantID
	client.userID = principal.UserID
	client.deviceID = id.DeviceID
	client.platform = session.Platform(id.Platform)
	client.sessionID = NewSessionID()
	client.identified = true
	sessionID := client.sessionID
	client.mu.Unlock()

	if err := h.register(ctx, client); err != nil {
		h.log.Warn().Err(err).Msg("failed to register client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	ready, err := h.assembleReady(ctx, principal.TenantID, principal.UserID, id.DeviceID, sessionID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", principal.UserID).Msg("failed to assemble ready payload")
		client.closeWithCode(CloseUnknownError, "internal error")
		return
	}

	readyPayload, err := json.Marshal(ready)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal ready payload")
		return
	}

	seq := client.nextSeq()
	frame, err := NewDispatchFrame(seq, EventReady, readyPayload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build ready frame")
		return
	}
	client.enqueue(frame)

	if err := h.presenceStore.Set(ctx, principal.TenantID, principal.UserID, presence.StatusOnline); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", principal.UserID).Msg("failed to set initial presence")
	} else {
		h.broadcastPresence(ctx, principal.TenantID, principal.UserID, presence.StatusOnline)
	}

	h.log.Info().Stringer("user_id", principal.UserID).Str("device_id", id.DeviceID).Str("session_id", sessionID).
		Msg("client identified")
}

// handleResume restores a client's session from Valkey and replays missed events.
func (h *Hub) handleResume(client *Client, data ResumeData) {
	principal, err := h.validator.Validate(data.Token)
	if err != nil {
		h.log.Debug().Err(err).Msg("resume token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	loaded, err := h.gwSessions.Load(ctx, data.SessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", data.SessionID).Msg("session not found for resume")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	if loaded.UserID != principal.UserID {
		h.log.Debug().Msg("resume user ID does not match token")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	if data.Seq > loaded.LastSeq {
		h.log.Debug().Int64("client_seq", data.Seq).Int64("server_seq", loaded.LastSeq).
			Msg("resume sequence ahead of server")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	missed, err := h.gwSessions.Replay(ctx, data.SessionID, data.Seq)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to load replay buffer")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	client.mu.Lock()
	client.tenantID = principal.TenantID
	client.userID = principal.UserID
	client.sessionID = data.SessionID
	client.seq.Store(loaded.LastSeq)
	client.identified = true
	deviceID := client.deviceID
	client.mu.Unlock()

	if deviceID == "" {
		// A resumed connection that never re-sent device_id (clients are expected to, but a missing value
		// still needs a stable key); fall back to the session ID so registration does not collide across users.
		client.mu.Lock()
		client.deviceID = data.SessionID
		client.mu.Unlock()
	}

	if err := h.register(ctx, client); err != nil {
		h.log.Warn().Err(err).Msg("failed to register resumed client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	if err := h.gwSessions.Delete(ctx, data.SessionID); err != nil {
		h.log.Warn().Err(err).Msg("failed to delete session after resume")
	}

	for _, payload := range missed {
		client.enqueue(payload)
	}

	seq := client.nextSeq()
	resumedData, _ := json.Marshal(struct{}{})
	frame, err := NewDispatchFrame(seq, EventResumed, resumedData)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build resumed frame")
		return
	}
	client.enqueue(frame)

	status, gErr := h.presenceStore.Get(ctx, principal.TenantID, principal.UserID)
	if gErr != nil {
		h.log.Warn().Err(gErr).Stringer("user_id", principal.UserID).Msg("failed to get presence on resume")
	}
	if status == presence.StatusOffline {
		if pErr := h.presenceStore.Set(ctx, principal.TenantID, principal.UserID, presence.StatusOnline); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("user_id", principal.UserID).Msg("failed to restore presence on resume")
		} else {
			h.broadcastPresence(ctx, principal.TenantID, principal.UserID, presence.StatusOnline)
		}
	} else {
		_ = h.presenceStore.Refresh(ctx, principal.TenantID, principal.UserID)
	}

	h.log.Info().Stringer("user_id", principal.UserID).Str("session_id", data.SessionID).
		Int("replayed", len(missed)).Msg("client resumed")
}

// handlePresenceUpdate processes a client's opcode 3 presence update. Invisible status is stored truthfully but
// broadcast as offline.
func (h *Hub) handlePresenceUpdate(client *Client, status string) {
	tenantID, userID := client.TenantID(), client.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presenceStore.Set(ctx, tenantID, userID, status); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("failed to set presence")
		return
	}

	broadcastStatus := status
	if status == presence.StatusInvisible {
		broadcastStatus = presence.StatusOffline
	}
	h.broadcastPresence(ctx, tenantID, userID, broadcastStatus)
}

// handleTyping processes a client's opcode 4 typing frame, deduplicating rapid keystrokes via presence's
// SET-NX-backed typing store, and sends a TYPING_START to the other participants' devices as an ephemeral,
// unsequenced dispatch (§12 SUPPLEMENTED). No TYPING_STOP is sent; the indicator lapses with the dedup window.
func (h *Hub) handleTyping(client *Client, conversationID uuid.UUID) {
	tenantID, userID := client.TenantID(), client.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started, err := h.presenceStore.SetTyping(ctx, tenantID, conversationID, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("failed to set typing indicator")
		return
	}
	if !started {
		return // duplicate keystroke within the dedup window, nothing to dispatch
	}

	participantIDs, err := h.conversations.ListParticipantIDs(ctx, tenantID, conversationID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("conversation_id", conversationID).Msg("failed to list participants for typing broadcast")
		return
	}

	payload, _ := json.Marshal(struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
	}{ConversationID: conversationID.String(), UserID: userID.String()})

	h.fanOutToParticipants(ctx, tenantID, participantIDs, userID, EventTypingStart, payload, true)
}

// broadcastPresence fans a PRESENCE_UPDATE event out to every gateway instance, each of which delivers it to its
// own locally-identified clients of the same tenant. This generalizes the teacher's single shared events channel
// into an explicit per-instance publish since presence has no single addressable recipient device.
func (h *Hub) broadcastPresence(ctx context.Context, tenantID, userID uuid.UUID, status string) {
	payload, err := json.Marshal(struct {
		UserID string `json:"user_id"`
		Status string `json:"status"`
	}{UserID: userID.String(), Status: status})
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal presence update")
		return
	}
	h.broadcastToTenant(ctx, tenantID, EventPresenceUpdate, payload, true)
}

// broadcastToTenant publishes an envelope to every registered gateway instance's channel, each filtering to its
// own locally-identified clients of the named tenant on receipt.
func (h *Hub) broadcastToTenant(ctx context.Context, tenantID uuid.UUID, eventType DispatchEvent, payload json.RawMessage, ephemeral bool) {
	instances, err := h.instances.List(ctx, "gateway")
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to list gateway instances for broadcast")
		return
	}
	env := deliverEnvelope{Kind: kindBroadcast, TenantID: tenantID.String(), EventType: eventType, Data: payload, Ephemeral: ephemeral}
	for _, inst := range instances {
		if inst.InstanceID == h.instanceID {
			h.deliverBroadcastLocal(env)
			continue
		}
		if err := h.publisher.PublishTo(ctx, inst.InstanceID, env); err != nil {
			h.log.Warn().Err(err).Str("gateway_id", inst.InstanceID).Msg("failed to publish broadcast")
		}
	}
}

// fanOutToParticipants delivers one event to every participant's locally-or-remotely connected devices, used by
// typing indicators where the recipient set is known (conversation participants) unlike general presence, which
// has no bounded audience and so uses broadcastToTenant instead.
func (h *Hub) fanOutToParticipants(ctx context.Context, tenantID uuid.UUID, participantIDs []uuid.UUID, exclude uuid.UUID, eventType DispatchEvent, payload json.RawMessage, ephemeral bool) {
	for _, userID := range participantIDs {
		if userID == exclude {
			continue
		}
		devices, err := h.sessions.ListDevices(ctx, tenantID, userID)
		if err != nil {
			continue
		}
		for _, d := range devices {
			env := deliverEnvelope{
				Kind: kindDispatch, TenantID: tenantID.String(), UserID: userID.String(), DeviceID: d.DeviceID,
				EventType: eventType, Data: payload, Ephemeral: ephemeral,
			}
			if d.GatewayID == h.instanceID {
				h.deliverDispatchLocal(env)
				continue
			}
			if err := h.publisher.PublishTo(ctx, d.GatewayID, env); err != nil {
				h.log.Warn().Err(err).Str("gateway_id", d.GatewayID).Msg("failed to publish fan-out dispatch")
			}
		}
	}
}

// refreshLiveness extends the presence TTL and session binding TTL together on each client heartbeat.
func (h *Hub) refreshLiveness(ctx context.Context, client *Client) {
	tenantID, userID, deviceID := client.TenantID(), client.UserID(), client.DeviceID()
	if err := h.presenceStore.Refresh(ctx, tenantID, userID); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", userID).Msg("failed to refresh presence TTL")
	}
	if err := h.sessions.Heartbeat(ctx, tenantID, userID, deviceID); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", userID).Msg("failed to refresh session TTL")
	}
}

// handleSend forwards a Send frame to the orchestrator and replies with an Ack or error Ack frame.
func (h *Hub) handleSend(client *Client, conversationID uuid.UUID, data SendData) {
	tenantID, userID := client.TenantID(), client.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := ForwardRequest{
		TenantID:       tenantID,
		ConversationID: conversationID,
		SenderID:       userID,
		Draft: orchestrator.Draft{
			Content:       []byte(data.Content),
			ContentType:   data.ContentType,
			ClientMsgID:   data.ClientMsgID,
			BurnAfterRead: data.BurnAfterRead,
			Tags:          data.Tags,
		},
	}
	if data.QuoteServerID != "" {
		if q, err := uuid.Parse(data.QuoteServerID); err == nil {
			req.Draft.QuoteServerID = &q
		}
	}
	if data.Operation != nil {
		op := &OperationRequest{
			Type: data.Operation.Type, Reason: data.Operation.Reason,
			EditVersion: data.Operation.EditVersion, Scope: data.Operation.Scope, Emoji: data.Operation.Emoji,
		}
		if t, err := uuid.Parse(data.Operation.TargetServerID); err == nil {
			op.TargetServerID = t
		}
		req.Operation = op
	}

	accepted, err := h.forwarder.Forward(ctx, req)
	if err != nil {
		code, message := string(apperr.CodeOf(err)), "send failed"
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			message = appErr.Message
		}
		if frame, fErr := NewErrorAckFrame(data.ClientMsgID, code, message); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	if frame, fErr := NewAckFrame(data.ClientMsgID, accepted.ServerID.String(), accepted.Seq); fErr == nil {
		client.enqueue(frame)
	}
}

// handleEnvelope processes one envelope received on this instance's own delivery channel.
func (h *Hub) handleEnvelope(payload string) {
	var env deliverEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("invalid gateway delivery envelope")
		return
	}

	switch env.kind() {
	case kindEvict:
		h.deliverEvictLocal(env)
	case kindBroadcast:
		h.deliverBroadcastLocal(env)
	default:
		h.deliverDispatchLocal(env)
	}
}

func (h *Hub) deliverEvictLocal(env deliverEnvelope) {
	tenantID, err := uuid.Parse(env.TenantID)
	if err != nil {
		return
	}
	userID, err := uuid.Parse(env.UserID)
	if err != nil {
		return
	}

	h.mu.Lock()
	victim, ok := h.clients[clientKey{tenantID: tenantID, userID: userID, deviceID: env.DeviceID}]
	h.mu.Unlock()
	if !ok {
		return
	}
	if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
		victim.enqueue(frame)
	}
	victim.closeSend()
}

func (h *Hub) deliverBroadcastLocal(env deliverEnvelope) {
	tenantID, err := uuid.Parse(env.TenantID)
	if err != nil {
		return
	}

	h.mu.RLock()
	var targets []*Client
	for k, c := range h.clients {
		if k.tenantID == tenantID && c.IsIdentified() {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.sendDispatch(targets, env)
}

func (h *Hub) deliverDispatchLocal(env deliverEnvelope) {
	tenantID, err := uuid.Parse(env.TenantID)
	if err != nil {
		return
	}
	userID, err := uuid.Parse(env.UserID)
	if err != nil {
		return
	}

	h.mu.RLock()
	target, ok := h.clients[clientKey{tenantID: tenantID, userID: userID, deviceID: env.DeviceID}]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.sendDispatch([]*Client{target}, env)
}

func (h *Hub) sendDispatch(targets []*Client, env deliverEnvelope) {
	if len(targets) == 0 {
		return
	}

	if env.Ephemeral || ephemeralEvent(env.EventType) {
		frame, err := NewEphemeralDispatchFrame(env.EventType, env.Data)
		if err != nil {
			h.log.Warn().Err(err).Msg("failed to build ephemeral dispatch frame")
			return
		}
		for _, c := range targets {
			c.enqueue(frame)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range targets {
		seq := c.nextSeq()
		frame, err := NewDispatchFrame(seq, env.EventType, env.Data)
		if err != nil {
			h.log.Warn().Err(err).Msg("failed to build dispatch frame")
			continue
		}
		c.enqueue(frame)
		if sid := c.SessionID(); sid != "" {
			if err := h.gwSessions.AppendReplay(ctx, sid, seq, frame); err != nil {
				h.log.Warn().Err(err).Str("session_id", sid).Msg("failed to append to replay buffer")
			}
		}
	}
}

// PushDeliver implements push.GatewayDispatcher: delivers an in-band dispatch built from the push task directly
// (the writer already computed EventType/Payload, so no reader round-trip is needed here), either locally or by
// publishing to the instance that holds the target device.
func (h *Hub) PushDeliver(ctx context.Context, gatewayID string, binding session.Binding, task push.Task) error {
	env := deliverEnvelope{
		Kind: kindDispatch, TenantID: binding.TenantID.String(), UserID: binding.UserID.String(),
		DeviceID: binding.DeviceID, EventType: DispatchEvent(task.EventType), Data: task.Payload,
	}

	if gatewayID == h.instanceID {
		h.mu.RLock()
		_, ok := h.clients[clientKey{tenantID: binding.TenantID, userID: binding.UserID, deviceID: binding.DeviceID}]
		h.mu.RUnlock()
		if !ok {
			return push.ErrNotConnected
		}
		h.deliverDispatchLocal(env)
		return nil
	}

	if err := h.publisher.PublishTo(ctx, gatewayID, env); err != nil {
		return fmt.Errorf("publish push delivery: %w", err)
	}
	return nil
}

// assembleReady queries conversation state for everything a newly connected client needs.
func (h *Hub) assembleReady(ctx context.Context, tenantID, userID uuid.UUID, deviceID, sessionID string) (*ReadyPayload, error) {
	summaries, err := h.conversations.ListForUser(ctx, tenantID, userID, nil, readyConversationLimit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]ConversationSummary, len(summaries))
	for i, s := range summaries {
		out[i] = ConversationSummary{
			ConversationID: s.Conversation.ConversationID.String(),
			Type:           string(s.Conversation.Type),
			LastMessageSeq: s.Conversation.LastMessageSeq,
			UnreadCount:    s.Participant.UnreadCount,
			Muted:          s.Participant.MuteUntil != nil,
			Pinned:         s.Participant.Pinned,
		}
	}

	return &ReadyPayload{
		SessionID: sessionID, UserID: userID.String(), DeviceID: deviceID, Conversations: out,
	}, nil
}

// Shutdown gracefully closes all active local connections, sending a Reconnect frame to each so clients retry
// against another instance instead of erroring (§12 SUPPLEMENTED "Graceful shutdown broadcast").
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	reconnect, _ := NewReconnectFrame()
	for key, client := range h.clients {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = h.sessions.Unbind(ctx, key.tenantID, key.userID, key.deviceID)
		cancel()

		if reconnect != nil {
			client.enqueue(reconnect)
		}
		client.closeSend()
		_ = client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = client.conn.Close()
		delete(h.clients, key)
	}
	h.log.Info().Msg("gateway hub shut down")
}

// ClientCount returns the number of currently connected local clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
