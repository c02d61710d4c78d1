package gateway

import (
	"encoding/json"
	"testing"
)

func TestNewHelloFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHelloFrame(45000)
	if err != nil {
		t.Fatalf("NewHelloFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeHello {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHello)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
	if f.Type != nil {
		t.Errorf("Type = %v, want nil", f.Type)
	}

	var data HelloData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal hello data: %v", err)
	}
	if data.HeartbeatInterval != 45000 {
		t.Errorf("HeartbeatInterval = %d, want 45000", data.HeartbeatInterval)
	}
}

func TestNewHeartbeatACKFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHeartbeatACKFrame()
	if err != nil {
		t.Fatalf("NewHeartbeatACKFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeHeartbeatACK {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHeartbeatACK)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
}

func TestNewDispatchFrame(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"conversation_id":"abc","content":"hello"}`)
	raw, err := NewDispatchFrame(42, EventMessageCreate, payload)
	if err != nil {
		t.Fatalf("NewDispatchFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeDispatch {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeDispatch)
	}
	if f.Seq == nil || *f.Seq != 42 {
		t.Errorf("Seq = %v, want 42", f.Seq)
	}
	if f.Type == nil || *f.Type != EventMessageCreate {
		t.Errorf("Type = %v, want %q", f.Type, EventMessageCreate)
	}

	var data struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
	}
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal dispatch data: %v", err)
	}
	if data.ConversationID != "abc" {
		t.Errorf("ConversationID = %q, want %q", data.ConversationID, "abc")
	}
}

func TestNewEphemeralDispatchFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewEphemeralDispatchFrame(EventTypingStart, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("NewEphemeralDispatchFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil (ephemeral frames carry no sequence number)", f.Seq)
	}
	if f.Type == nil || *f.Type != EventTypingStart {
		t.Errorf("Type = %v, want %q", f.Type, EventTypingStart)
	}
}

func TestEphemeralEvent(t *testing.T) {
	t.Parallel()

	if !ephemeralEvent(EventTypingStart) || !ephemeralEvent(EventTypingStop) {
		t.Error("typing events should be ephemeral")
	}
	if ephemeralEvent(EventMessageCreate) {
		t.Error("message create should not be ephemeral")
	}
}

func TestNewAckFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewAckFrame("client-1", "server-1", 7)
	if err != nil {
		t.Fatalf("NewAckFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeAck {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeAck)
	}

	var data AckData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal ack data: %v", err)
	}
	if data.ServerID != "server-1" || data.Seq != 7 || data.Code != "" {
		t.Errorf("data = %+v, want ServerID=server-1 Seq=7 Code=\"\"", data)
	}
}

func TestNewErrorAckFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewErrorAckFrame("client-1", "invalid_argument", "bad content")
	if err != nil {
		t.Fatalf("NewErrorAckFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}

	var data AckData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal ack data: %v", err)
	}
	if data.Code != "invalid_argument" || data.ServerID != "" {
		t.Errorf("data = %+v, want Code=invalid_argument ServerID=\"\"", data)
	}
}

func TestNewReconnectFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewReconnectFrame()
	if err != nil {
		t.Fatalf("NewReconnectFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeReconnect {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeReconnect)
	}
}

func TestNewInvalidSessionFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		resumable bool
	}{
		{"resumable", true},
		{"not resumable", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := NewInvalidSessionFrame(tt.resumable)
			if err != nil {
				t.Fatalf("NewInvalidSessionFrame(%v) error = %v", tt.resumable, err)
			}

			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			if f.Op != OpcodeInvalidSession {
				t.Errorf("Op = %d, want %d", f.Op, OpcodeInvalidSession)
			}

			var got bool
			if err := json.Unmarshal(f.Data, &got); err != nil {
				t.Fatalf("unmarshal data: %v", err)
			}
			if got != tt.resumable {
				t.Errorf("data = %v, want %v", got, tt.resumable)
			}
		})
	}
}
