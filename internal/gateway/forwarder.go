package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
	"github.com/relaymesh/relaymesh-core/internal/registry"
)

// ForwardRequest is what the gateway hands to an orchestrator replica for one Send/Operation frame (§4.1
// "SendFrame... forwards to an orchestrator selected by consistent hash on conversation_id").
type ForwardRequest struct {
	TenantID       uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Draft          orchestrator.Draft
	Operation      *OperationRequest
}

// OperationRequest mirrors SendData.Operation; kept distinct from message.Operation so the wire payload doesn't
// depend on the orchestrator's internal operation-message shape.
type OperationRequest struct {
	Type           string
	TargetServerID uuid.UUID
	Reason         string
	EditVersion    int
	Scope          string
	Emoji          string
}

// OrchestratorForwarder routes one forwarded frame to the orchestrator replica that owns its conversation,
// narrowed to exactly what the gateway needs so this package never imports the full orchestrator wiring (only
// its request/response vocabulary).
type OrchestratorForwarder interface {
	Forward(ctx context.Context, req ForwardRequest) (orchestrator.Accepted, error)
}

// HTTPForwarder forwards frames to orchestrator replicas over HTTP, selecting the replica via consistent hash on
// conversation_id and falling back to any other registered replica if the chosen one is unreachable (§4.1
// "retries on another orchestrator instance; if none available, the client receives a transient-error code").
type HTTPForwarder struct {
	registry *registry.Registry
	ring     *orchestrator.Ring
	client   *http.Client
}

// NewHTTPForwarder builds an HTTPForwarder. ring's membership should be kept current by the caller via
// ring.Update as the registry's orchestrator instance list changes.
func NewHTTPForwarder(reg *registry.Registry, ring *orchestrator.Ring, timeout time.Duration) *HTTPForwarder {
	return &HTTPForwarder{registry: reg, ring: ring, client: &http.Client{Timeout: timeout}}
}

func (f *HTTPForwarder) Forward(ctx context.Context, req ForwardRequest) (orchestrator.Accepted, error) {
	instances, err := f.registry.List(ctx, "orchestrator")
	if err != nil {
		return orchestrator.Accepted{}, apperr.Wrap(apperr.Unavailable, "list orchestrator instances", err)
	}
	if len(instances) == 0 {
		return orchestrator.Accepted{}, apperr.New(apperr.Unavailable, "no orchestrator instance available")
	}

	byID := make(map[string]string, len(instances))
	for _, inst := range instances {
		byID[inst.InstanceID] = inst.Address
	}

	ownerID := f.ring.OwnerOf(req.ConversationID.String())
	addr, ok := byID[ownerID]
	if !ok {
		// Owning replica isn't currently registered (crashed without updating the ring yet); fall back to any
		// live replica rather than failing the send.
		for _, inst := range instances {
			addr = inst.Address
			break
		}
	}

	accepted, err := f.post(ctx, addr, req)
	if err == nil || !apperr.Is(err, apperr.Unavailable) {
		return accepted, err
	}
	// The chosen replica is unreachable; try the other registered replicas before giving up.
	for _, inst := range instances {
		if inst.Address == addr {
			continue
		}
		if accepted, err = f.post(ctx, inst.Address, req); err == nil || !apperr.Is(err, apperr.Unavailable) {
			return accepted, err
		}
	}
	return accepted, err
}

// forwardPayload is the wire shape POSTed to an orchestrator replica's internal ingress endpoint.
type forwardPayload struct {
	TenantID       uuid.UUID            `json:"tenant_id"`
	ConversationID uuid.UUID            `json:"conversation_id"`
	SenderID       uuid.UUID            `json:"sender_id"`
	Draft          orchestrator.Draft   `json:"draft"`
	Operation      *OperationRequest    `json:"operation,omitempty"`
}

type forwardResponse struct {
	ServerID uuid.UUID `json:"server_id"`
	Seq      int64     `json:"seq"`
	Error    *struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error,omitempty"`
}

func (f *HTTPForwarder) post(ctx context.Context, addr string, req ForwardRequest) (orchestrator.Accepted, error) {
	body, err := json.Marshal(forwardPayload{
		TenantID: req.TenantID, ConversationID: req.ConversationID, SenderID: req.SenderID,
		Draft: req.Draft, Operation: req.Operation,
	})
	if err != nil {
		return orchestrator.Accepted{}, fmt.Errorf("marshal forward request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/internal/v1/messages", bytes.NewReader(body))
	if err != nil {
		return orchestrator.Accepted{}, fmt.Errorf("build forward request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return orchestrator.Accepted{}, apperr.Wrap(apperr.Unavailable, "forward to orchestrator", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return orchestrator.Accepted{}, fmt.Errorf("read forward response: %w", err)
	}

	var parsed forwardResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return orchestrator.Accepted{}, fmt.Errorf("unmarshal forward response: %w", err)
	}
	if parsed.Error != nil {
		return orchestrator.Accepted{}, apperr.New(parsed.Error.Code, parsed.Error.Message)
	}
	return orchestrator.Accepted{ServerID: parsed.ServerID, Seq: parsed.Seq}, nil
}
