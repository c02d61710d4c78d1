package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// vendorRequest is the payload POSTed to the configured third-party offline-push vendor endpoint. The vendor
// itself (APNs/FCM/whatever the operator wires behind OfflinePushVendorURL) is an explicit out-of-scope external
// collaborator; this is the shape the core hands it.
type vendorRequest struct {
	TenantID     uuid.UUID       `json:"tenant_id"`
	RecipientID  uuid.UUID       `json:"recipient_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
}

// HTTPVendor dispatches offline push notifications to a single configured HTTP endpoint, the single-attempt
// offline path described in §4.5 ("a single attempt, deferring retry to the vendor").
type HTTPVendor struct {
	url    string
	httpc  *http.Client
}

// NewHTTPVendor builds an HTTPVendor posting to url with the given per-call timeout.
func NewHTTPVendor(url string, timeout time.Duration) *HTTPVendor {
	return &HTTPVendor{url: url, httpc: &http.Client{Timeout: timeout}}
}

// SendOffline implements OfflineVendor.
func (v *HTTPVendor) SendOffline(ctx context.Context, tenantID, recipientID uuid.UUID, task Task) error {
	if v.url == "" {
		return nil
	}
	body, err := json.Marshal(vendorRequest{TenantID: tenantID, RecipientID: recipientID, EventType: task.EventType, Payload: task.Payload})
	if err != nil {
		return fmt.Errorf("marshal offline push vendor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build offline push vendor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call offline push vendor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("offline push vendor returned status %d", resp.StatusCode)
	}
	return nil
}
