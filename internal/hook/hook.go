// Package hook implements the tenant-configurable extension-point engine described in §4.6: an ordered chain of
// selector-matched hooks executed at named extension points (pre_send, post_send, delivery, pre_recall,
// pre_edit), with pluggable transports and a bounded-retry error policy.
package hook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Point is a named extension point in the pipeline.
type Point string

const (
	PointPreSend   Point = "pre_send"
	PointPostSend  Point = "post_send"
	PointDelivery  Point = "delivery"
	PointPreRecall Point = "pre_recall"
	PointPreEdit   Point = "pre_edit"
)

// ErrorPolicy controls how a hook failure is handled.
type ErrorPolicy string

const (
	PolicyFailFast ErrorPolicy = "fail-fast"
	PolicyRetry    ErrorPolicy = "retry"
	PolicyIgnore   ErrorPolicy = "ignore"
)

// Transport identifies how a hook's logic is invoked.
type Transport string

const (
	TransportRPC       Transport = "rpc"
	TransportWebhook   Transport = "webhook"
	TransportInProcess Transport = "in_process"
)

// Outcome is recorded for metrics per hook invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeReject  Outcome = "reject"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Selector matches a hook against a candidate invocation. An empty field means "any" (§4.6).
type Selector struct {
	Tenants          []string
	ConversationTypes []string
	MessageTypes     []string
	UserIDs          []string
	Tags             map[string]string
}

func (s Selector) matches(ctx Context) bool {
	if len(s.Tenants) > 0 && !contains(s.Tenants, ctx.TenantID) {
		return false
	}
	if len(s.ConversationTypes) > 0 && !contains(s.ConversationTypes, ctx.ConversationType) {
		return false
	}
	if len(s.MessageTypes) > 0 && !contains(s.MessageTypes, ctx.MessageType) {
		return false
	}
	if len(s.UserIDs) > 0 && !contains(s.UserIDs, ctx.UserID) {
		return false
	}
	for k, v := range s.Tags {
		if ctx.Tags[k] != v {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Config is a single hook's registration, matching the "(selector, transport, priority, timeout_ms, max_retries,
// error_policy, require_success)" contract of §4.6.
type Config struct {
	Name            string
	Point           Point
	TenantID        uuid.UUID // owning tenant for the dynamic store tier; uuid.Nil for the shared/global registration
	Selector        Selector
	Transport       Transport
	Priority        int // lower = earlier
	Timeout         time.Duration
	MaxRetries      int
	ErrorPolicy     ErrorPolicy
	RequireSuccess  bool
	WebhookURL      string
	WebhookSecret   string
	InProcessAdapter string // name of a registered Adapter, for TransportInProcess

	insertionOrder int
}

// Context carries the selector-relevant facts plus the draft payload passed to a hook.
type Context struct {
	TenantID         string
	ConversationType string
	MessageType      string
	UserID           string
	Tags             map[string]string
	Draft            []byte // content blob, mutated by Mutate results
}

// Result is what a single hook invocation returns.
type Result struct {
	Action  Action
	Draft   []byte // present when Action == ActionMutate
	RejectReason string
	Err     error
}

// Action is the disposition of one hook call.
type Action string

const (
	ActionContinue Action = "continue"
	ActionMutate   Action = "mutate"
	ActionReject   Action = "reject"
)

// Adapter is an in-process hook implementation, keyed by name in the engine's adapter registry.
type Adapter func(ctx context.Context, hctx Context) Result

// Engine evaluates ordered hook chains per extension point.
type Engine struct {
	mu       sync.RWMutex
	configs  map[Point][]Config
	adapters map[string]Adapter
	log      zerolog.Logger
	httpc    *http.Client
	metrics  MetricsSink
}

// MetricsSink receives per-invocation metrics (§4.6 "duration histogram, outcome counter").
type MetricsSink interface {
	ObserveHook(point Point, name string, outcome Outcome, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveHook(Point, string, Outcome, time.Duration) {}

// New creates an Engine with the built-in in-process adapters registered (content sanitization today).
func New(logger zerolog.Logger, metrics MetricsSink) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	e := &Engine{
		configs:  make(map[Point][]Config),
		adapters: make(map[string]Adapter),
		log:      logger,
		httpc:    &http.Client{},
		metrics:  metrics,
	}
	e.RegisterAdapter("content_sanitize", sanitizeAdapter())
	return e
}

// RegisterAdapter adds or replaces an in-process hook implementation under the given name.
func (e *Engine) RegisterAdapter(name string, fn Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[name] = fn
}

// Reload atomically replaces the hook configuration snapshot. In-flight chain executions keep using the
// snapshot they started with (§5 "Hook configuration: reloaded atomically; in-flight pipeline executions
// continue with the snapshot they started with") because Run captures its slice under the read lock once.
func (e *Engine) Reload(configs []Config) {
	byPoint := make(map[Point][]Config)
	for i, c := range configs {
		c.insertionOrder = i
		byPoint[c.Point] = append(byPoint[c.Point], c)
	}
	for _, list := range byPoint {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return list[i].insertionOrder < list[j].insertionOrder
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = byPoint
}

// ChainResult is the aggregate outcome of running every matched hook at a point.
type ChainResult struct {
	Draft        []byte
	Rejected     bool
	RejectReason string
}

// Run executes every hook registered at point whose selector matches hctx, in ascending priority order. A
// mutating hook's output becomes the next hook's input (§4.6 "Outputs from a mutating hook feed into the next
// hook's input").
func (e *Engine) Run(ctx context.Context, point Point, hctx Context) (ChainResult, error) {
	e.mu.RLock()
	snapshot := e.configs[point]
	e.mu.RUnlock()

	result := ChainResult{Draft: hctx.Draft}

	for _, cfg := range snapshot {
		if !cfg.Selector.matches(hctx) {
			continue
		}
		hctx.Draft = result.Draft

		outcome, res, took := e.invokeWithPolicy(ctx, cfg, hctx)
		e.metrics.ObserveHook(point, cfg.Name, outcome, took)

		switch res.Action {
		case ActionReject:
			result.Rejected = true
			result.RejectReason = res.RejectReason
			return result, nil
		case ActionMutate:
			result.Draft = res.Draft
		case ActionContinue:
			// no-op
		}
		if res.Err != nil && cfg.ErrorPolicy == PolicyFailFast {
			if cfg.RequireSuccess {
				return result, fmt.Errorf("hook %s failed: %w", cfg.Name, res.Err)
			}
			e.log.Warn().Err(res.Err).Str("hook", cfg.Name).Msg("non-required hook failed, continuing chain")
		}
	}
	return result, nil
}

// invokeWithPolicy applies the configured timeout and error policy (fail-fast/retry/ignore) around a single
// hook invocation.
func (e *Engine) invokeWithPolicy(ctx context.Context, cfg Config, hctx Context) (Outcome, Result, time.Duration) {
	start := time.Now()

	call := func(ctx context.Context) (Result, error) {
		cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		res := e.invoke(cctx, cfg, hctx)
		if res.Err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return res, retry.RetryableError(res.Err)
			}
			if cfg.ErrorPolicy == PolicyRetry {
				return res, retry.RetryableError(res.Err)
			}
			return res, res.Err
		}
		return res, nil
	}

	var final Result
	var err error
	if cfg.ErrorPolicy == PolicyRetry && cfg.MaxRetries > 0 {
		backoff := retry.WithMaxRetries(uint64(cfg.MaxRetries), retry.NewConstant(50*time.Millisecond))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			res, rerr := call(ctx)
			final = res
			return rerr
		})
	} else {
		final, err = call(ctx)
	}

	outcome := OutcomeSuccess
	switch {
	case final.Action == ActionReject:
		outcome = OutcomeReject
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
	case err != nil:
		outcome = OutcomeError
		if cfg.ErrorPolicy == PolicyIgnore {
			final.Err = nil // downgrade to warning, pipeline proceeds (§4.2 step 3)
		} else {
			final.Err = err
		}
	}
	return outcome, final, time.Since(start)
}

func (e *Engine) invoke(ctx context.Context, cfg Config, hctx Context) Result {
	switch cfg.Transport {
	case TransportInProcess:
		e.mu.RLock()
		adapter, ok := e.adapters[cfg.InProcessAdapter]
		e.mu.RUnlock()
		if !ok {
			return Result{Action: ActionContinue, Err: fmt.Errorf("unknown in-process adapter %q", cfg.InProcessAdapter)}
		}
		return adapter(ctx, hctx)
	case TransportWebhook:
		return e.invokeWebhook(ctx, cfg, hctx)
	case TransportRPC:
		// Out-of-process RPC transport is a narrow extension of the webhook path in this deployment: both are
		// "call an external endpoint, get back an action", so RPC reuses the same wire contract over HTTP/2.
		return e.invokeWebhook(ctx, cfg, hctx)
	default:
		return Result{Action: ActionContinue, Err: fmt.Errorf("unknown transport %q", cfg.Transport)}
	}
}

type webhookRequest struct {
	TenantID         string `json:"tenant_id"`
	ConversationType string `json:"conversation_type"`
	MessageType      string `json:"message_type"`
	UserID           string `json:"user_id"`
	Tags             map[string]string `json:"tags"`
	Draft            string `json:"draft"`
}

type webhookResponse struct {
	Action       string `json:"action"`
	Draft        string `json:"draft"`
	RejectReason string `json:"reject_reason"`
}

func (e *Engine) invokeWebhook(ctx context.Context, cfg Config, hctx Context) Result {
	body, err := json.Marshal(webhookRequest{
		TenantID: hctx.TenantID, ConversationType: hctx.ConversationType, MessageType: hctx.MessageType,
		UserID: hctx.UserID, Tags: hctx.Tags, Draft: string(hctx.Draft),
	})
	if err != nil {
		return Result{Action: ActionContinue, Err: fmt.Errorf("marshal webhook request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return Result{Action: ActionContinue, Err: fmt.Errorf("build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.WebhookSecret != "" {
		req.Header.Set("X-Hook-Signature", signPayload(cfg.WebhookSecret, body))
	}

	resp, err := e.httpc.Do(req)
	if err != nil {
		return Result{Action: ActionContinue, Err: fmt.Errorf("call webhook %s: %w", cfg.Name, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Result{Action: ActionContinue, Err: fmt.Errorf("webhook %s returned status %d", cfg.Name, resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Action: ActionContinue, Err: fmt.Errorf("read webhook response: %w", err)}
	}
	var wr webhookResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return Result{Action: ActionContinue, Err: fmt.Errorf("unmarshal webhook response: %w", err)}
	}

	switch wr.Action {
	case "reject":
		return Result{Action: ActionReject, RejectReason: wr.RejectReason}
	case "mutate":
		return Result{Action: ActionMutate, Draft: []byte(wr.Draft)}
	default:
		return Result{Action: ActionContinue}
	}
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// sanitizeAdapter builds the built-in content_sanitize pre_send hook using bluemonday's UGC policy, the same
// sanitization the onboarding document pipeline applies to user-submitted HTML.
func sanitizeAdapter() Adapter {
	policy := bluemonday.UGCPolicy()
	return func(_ context.Context, hctx Context) Result {
		clean := policy.SanitizeBytes(hctx.Draft)
		return Result{Action: ActionMutate, Draft: clean}
	}
}
