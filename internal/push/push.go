// Package push implements the Push Pipeline (§4.5): Proxy (ingress validation/enqueue, folded into the writer's
// publish since the writer is the only producer onto the push topic), Scheduler (session-registry lookup,
// online/offline split), and Worker (dispatch, delivery ACK recording, bounded retry).
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/relaymesh/relaymesh-core/internal/hook"
	"github.com/relaymesh/relaymesh-core/internal/queue"
	"github.com/relaymesh/relaymesh-core/internal/session"
)

// Outcome is the recorded result of one delivery attempt (§4.5 "Delivered / Failed / NotConnected").
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeFailed      Outcome = "failed"
	OutcomeNotConnected Outcome = "not_connected"
)

// Task mirrors writer.PushTask's wire shape; duplicated rather than imported so this package doesn't couple to
// the writer package's internals (the same duplication rationale as writer's own eventMessage).
type Task struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	ServerID       uuid.UUID       `json:"server_id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Recipients     []uuid.UUID     `json:"recipients"`
	Priority       string          `json:"priority"`
	IsOperation    bool            `json:"is_operation"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
}

// GatewayDispatcher delivers an in-band frame to one specific live session. Implemented by the gateway package;
// declared narrowly here so this package never imports gateway (avoiding an import cycle, since the gateway
// itself publishes presence/typing state this package's sibling packages also read).
type GatewayDispatcher interface {
	PushDeliver(ctx context.Context, gatewayID string, binding session.Binding, task Task) error
}

// OfflineVendor dispatches an offline push notification through a third-party vendor channel (spec.md's
// "third-party offline-push vendor APIs" are an explicit out-of-scope external collaborator; this is the
// interface the core consumes).
type OfflineVendor interface {
	SendOffline(ctx context.Context, tenantID, recipientID uuid.UUID, task Task) error
}

// MetricsSink receives per-dispatch delivery metrics (§4.5 "Records a delivery ACK... with a duration metric").
type MetricsSink interface {
	ObserveDelivery(outcome Outcome, online bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDelivery(Outcome, bool, time.Duration) {}

// Scheduler consumes the push topic and splits each task's recipients into per-(recipient, device) dispatches,
// routing online dispatches to the Worker against the owning gateway and offline dispatches to the vendor.
type Scheduler struct {
	sessions *session.Registry
	worker   *Worker
	log      zerolog.Logger
}

// NewScheduler builds a Scheduler over the given session registry and worker.
func NewScheduler(sessions *session.Registry, worker *Worker, logger zerolog.Logger) *Scheduler {
	return &Scheduler{sessions: sessions, worker: worker, log: logger}
}

// Handle is a queue.Handler for the push topic (§4.5 "Proxy... enqueues on a push topic partitioned by
// recipient"; this Handle is the Scheduler+Worker stages combined, consuming what the writer enqueued).
func (s *Scheduler) Handle(ctx context.Context, env queue.Envelope) error {
	var task Task
	if err := json.Unmarshal(env.Body, &task); err != nil {
		return fmt.Errorf("%w: unmarshal push task: %v", queue.ErrPermanent, err)
	}

	var failures []error
	for _, recipientID := range task.Recipients {
		if err := s.dispatchToRecipient(ctx, task, recipientID); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

func (s *Scheduler) dispatchToRecipient(ctx context.Context, task Task, recipientID uuid.UUID) error {
	devices, err := s.sessions.ListDevices(ctx, task.TenantID, recipientID)
	if err != nil {
		return fmt.Errorf("list devices for %s: %w", recipientID, err)
	}

	// Cross-region tie-break (§13.2): fan out to every live session rather than electing one, so a user with
	// devices in two regions sees the delivery on both rather than racing on an arbitrary winner.
	if len(devices) == 0 {
		return s.worker.dispatchOffline(ctx, task, recipientID)
	}

	var failures []error
	for _, b := range devices {
		if err := s.worker.dispatchOnline(ctx, task, b); err != nil {
			// NotConnected falls back to offline dispatch for that device's user (§4.5 "on NotConnected the
			// scheduler may fall back to offline dispatch").
			if errors.Is(err, ErrNotConnected) {
				if offErr := s.worker.dispatchOffline(ctx, task, recipientID); offErr != nil {
					failures = append(failures, offErr)
				}
				continue
			}
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

// ErrNotConnected marks a gateway dispatch attempt that found the session gone (§4.5 outcome "NotConnected").
var ErrNotConnected = errors.New("push: recipient not connected")

// Worker executes one delivery dispatch and records its outcome. Online dispatch retries a bounded number of
// times with exponential backoff; offline dispatch defers to the vendor's own retry model and is attempted once
// per task to avoid duplicate vendor-side notifications (§4.5).
type Worker struct {
	gateway       GatewayDispatcher
	vendor        OfflineVendor
	hooks         *hook.Engine
	metrics       MetricsSink
	onlineRetries uint64
	log           zerolog.Logger
}

// WorkerOption configures optional Worker behavior.
type WorkerOption func(*Worker)

// WithMetrics attaches a MetricsSink; defaults to a no-op sink.
func WithMetrics(m MetricsSink) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithOnlineRetries overrides the bounded retry count for online dispatch; defaults to 3.
func WithOnlineRetries(n uint64) WorkerOption {
	return func(w *Worker) { w.onlineRetries = n }
}

// NewWorker builds a Worker. hooks may be nil if the delivery extension point is unused.
func NewWorker(gateway GatewayDispatcher, vendor OfflineVendor, hooks *hook.Engine, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{gateway: gateway, vendor: vendor, hooks: hooks, metrics: noopMetrics{}, onlineRetries: 3, log: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) dispatchOnline(ctx context.Context, task Task, binding session.Binding) error {
	start := time.Now()
	backoff := retry.NewExponential(50 * time.Millisecond)
	backoff = retry.WithMaxRetries(w.onlineRetries, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		derr := w.gateway.PushDeliver(ctx, binding.GatewayID, binding, task)
		if derr == nil {
			return nil
		}
		if errors.Is(derr, ErrNotConnected) {
			return derr // not retryable, surfaced to the scheduler's fallback path
		}
		return retry.RetryableError(derr)
	})

	outcome := OutcomeDelivered
	switch {
	case errors.Is(err, ErrNotConnected):
		outcome = OutcomeNotConnected
	case err != nil:
		outcome = OutcomeFailed
	}
	took := time.Since(start)
	w.metrics.ObserveDelivery(outcome, true, took)

	if outcome == OutcomeDelivered {
		w.runDeliveryHook(ctx, task, binding.UserID, true)
	} else {
		w.log.Warn().Err(err).Str("gateway_id", binding.GatewayID).Str("device_id", binding.DeviceID).
			Str("outcome", string(outcome)).Msg("online push dispatch did not complete")
	}
	return err
}

func (w *Worker) dispatchOffline(ctx context.Context, task Task, recipientID uuid.UUID) error {
	start := time.Now()
	err := w.vendor.SendOffline(ctx, task.TenantID, recipientID, task)
	outcome := OutcomeDelivered
	if err != nil {
		outcome = OutcomeFailed
	}
	w.metrics.ObserveDelivery(outcome, false, time.Since(start))

	if outcome == OutcomeDelivered {
		w.runDeliveryHook(ctx, task, recipientID, false)
	} else {
		w.log.Warn().Err(err).Str("recipient_id", recipientID.String()).Msg("offline push dispatch failed")
	}
	return err
}

// runDeliveryHook invokes the delivery extension point (§4.6); failures are logged and otherwise ignored since a
// hook must never undo a dispatch that has already happened.
func (w *Worker) runDeliveryHook(ctx context.Context, task Task, recipientID uuid.UUID, online bool) {
	if w.hooks == nil {
		return
	}
	hctx := hook.Context{
		TenantID: task.TenantID.String(),
		UserID:   recipientID.String(),
		Tags:     map[string]string{"mode": dispatchModeTag(online)},
	}
	if _, err := w.hooks.Run(ctx, hook.PointDelivery, hctx); err != nil {
		w.log.Warn().Err(err).Str("recipient_id", recipientID.String()).Msg("delivery hook chain failed")
	}
}

func dispatchModeTag(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
