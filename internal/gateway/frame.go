package gateway

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies the kind of a gateway Frame, mirroring the teacher's op/dispatch envelope shape but defined
// locally since this repo does not depend on a shared wire-protocol module.
type Opcode int

const (
	OpcodeDispatch       Opcode = 0
	OpcodeHeartbeat      Opcode = 1
	OpcodeIdentify       Opcode = 2
	OpcodePresenceUpdate Opcode = 3
	OpcodeTyping         Opcode = 4
	OpcodeSend           Opcode = 5
	OpcodeResume         Opcode = 6
	OpcodeReconnect      Opcode = 7
	OpcodeAck            Opcode = 8
	OpcodeInvalidSession Opcode = 9
	OpcodeHello          Opcode = 10
	OpcodeHeartbeatACK   Opcode = 11
)

// DispatchEvent names a server-pushed event carried by a Dispatch frame.
type DispatchEvent string

const (
	EventReady           DispatchEvent = "READY"
	EventResumed         DispatchEvent = "RESUMED"
	EventMessageCreate   DispatchEvent = "MESSAGE_CREATE"
	EventMessageUpdate   DispatchEvent = "MESSAGE_UPDATE"
	EventMessageDelete   DispatchEvent = "MESSAGE_DELETE"
	EventMessageReaction DispatchEvent = "MESSAGE_REACTION"
	EventMessagePin      DispatchEvent = "MESSAGE_PIN"
	EventMessageOp       DispatchEvent = "MESSAGE_OPERATION"
	EventPresenceUpdate  DispatchEvent = "PRESENCE_UPDATE"
	EventTypingStart     DispatchEvent = "TYPING_START"
	EventTypingStop      DispatchEvent = "TYPING_STOP"
)

// ephemeralEvent reports whether eventType should be sent without a sequence number and excluded from the replay
// buffer (§12 "typing indicators as ephemeral, unsequenced dispatch").
func ephemeralEvent(eventType DispatchEvent) bool {
	return eventType == EventTypingStart || eventType == EventTypingStop
}

// Frame is the wire-format structure for all WebSocket messages. Dispatch events (op 0) carry a sequence number
// and event type; control frames use only op and optionally d.
type Frame struct {
	Op   Opcode          `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type *DispatchEvent  `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// HelloData is the payload of a Hello frame.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// IdentifyData is the client payload for an op 2 Identify frame.
type IdentifyData struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

// ResumeData is the client payload for an op 6 Resume frame.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// PresenceUpdateRequest is the client payload for an op 3 PresenceUpdate frame.
type PresenceUpdateRequest struct {
	Status string `json:"status"`
}

// TypingRequest is the client payload for an op 4 Typing frame.
type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
}

// OperationData is the client payload identifying a recall/edit/delete/reaction/pin operation, carried inside a
// SendData frame rather than as a separate opcode (§9 "operations as messages" applied at the transport layer
// too, so the gateway has a single forwarding path for content and operation frames).
type OperationData struct {
	Type           string `json:"type"`
	TargetServerID string `json:"target_server_id"`
	Reason         string `json:"reason,omitempty"`
	EditVersion    int    `json:"edit_version,omitempty"`
	Scope          string `json:"scope,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
}

// SendData is the client payload for an op 5 Send frame: either a new content message, or an operation against
// an existing message when Operation is set.
type SendData struct {
	ConversationID string          `json:"conversation_id"`
	ClientMsgID    string          `json:"client_msg_id,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	ContentType    string          `json:"content_type,omitempty"`
	QuoteServerID  string          `json:"quote_server_id,omitempty"`
	BurnAfterRead  bool            `json:"burn_after_read,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Operation      *OperationData  `json:"operation,omitempty"`
}

// AckData is the server payload for an op 8 Ack frame, responding to a Send frame (§4.1 "SendFrame(frame) →
// ACK(server-id, seq) | Error").
type AckData struct {
	ClientMsgID string `json:"client_msg_id,omitempty"`
	ServerID    string `json:"server_id,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// NewHelloFrame returns a serialised Hello frame with the given heartbeat interval in milliseconds.
func NewHelloFrame(heartbeatIntervalMS int) ([]byte, error) {
	data, err := json.Marshal(HelloData{HeartbeatInterval: heartbeatIntervalMS})
	if err != nil {
		return nil, fmt.Errorf("marshal hello data: %w", err)
	}
	return json.Marshal(Frame{
		Op:   OpcodeHello,
		Data: data,
	})
}

// NewHeartbeatACKFrame returns a serialised HeartbeatACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeHeartbeatACK})
}

// NewDispatchFrame returns a serialised Dispatch frame with the given sequence number, event type, and raw data
// payload.
func NewDispatchFrame(seq int64, eventType DispatchEvent, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpcodeDispatch,
		Seq:  &seq,
		Type: &eventType,
		Data: data,
	})
}

// NewEphemeralDispatchFrame returns a serialised Dispatch frame with no sequence number, for events that are not
// stored in the replay buffer (typing indicators).
func NewEphemeralDispatchFrame(eventType DispatchEvent, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpcodeDispatch,
		Type: &eventType,
		Data: data,
	})
}

// NewAckFrame returns a serialised Ack frame acknowledging a successful Send frame.
func NewAckFrame(clientMsgID, serverID string, seq int64) ([]byte, error) {
	data, err := json.Marshal(AckData{ClientMsgID: clientMsgID, ServerID: serverID, Seq: seq})
	if err != nil {
		return nil, fmt.Errorf("marshal ack data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeAck, Data: data})
}

// NewErrorAckFrame returns a serialised Ack frame reporting a failed Send frame.
func NewErrorAckFrame(clientMsgID, code, message string) ([]byte, error) {
	data, err := json.Marshal(AckData{ClientMsgID: clientMsgID, Code: code, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshal ack data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeAck, Data: data})
}

// NewReconnectFrame returns a serialised Reconnect frame instructing the client to reconnect.
func NewReconnectFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeReconnect})
}

// NewInvalidSessionFrame returns a serialised InvalidSession frame. The resumable flag indicates whether the
// client should attempt to resume or must re-identify.
func NewInvalidSessionFrame(resumable bool) ([]byte, error) {
	data, err := json.Marshal(resumable)
	if err != nil {
		return nil, fmt.Errorf("marshal invalid session data: %w", err)
	}
	return json.Marshal(Frame{
		Op:   OpcodeInvalidSession,
		Data: data,
	})
}
