// Package webhook authenticates worker callbacks and hands them to the state
// machine.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"

	"github.com/walkerhughes/agent-sandboxing/internal/app/orchestrator"
	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

const (
	defaultReplayCacheSize = 4096
	defaultReplayWindow    = 10 * time.Second
)

// Applier applies a parsed event. *orchestrator.Orchestrator satisfies it.
type Applier interface {
	ApplyWebhookEvent(ctx context.Context, event task.WebhookEvent) (orchestrator.Outcome, error)
}

// Config configures an Ingestor.
type Config struct {
	Secret string
	// ReplayCacheSize and ReplayWindow size the redelivery short-circuit.
	// The window only has to cover a worker's retry of one request.
	ReplayCacheSize int
	ReplayWindow    time.Duration
}

// Ingestor verifies, parses and applies worker callbacks.
type Ingestor struct {
	secret  []byte
	applier Applier
	seen    *expirable.LRU[string, orchestrator.Outcome]
	metrics *observability.Metrics
	tracer  *observability.TracerProvider
	logger  logging.Logger
}

// Option configures optional collaborators.
type Option func(*Ingestor)

// WithMetrics records delivery outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithTracer wraps ingestion in spans.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(i *Ingestor) { i.tracer = tp }
}

// NewIngestor builds an ingestor.
func NewIngestor(cfg Config, applier Applier, opts ...Option) (*Ingestor, error) {
	if applier == nil {
		return nil, errors.New("webhook ingestor requires an applier")
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = defaultReplayCacheSize
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = defaultReplayWindow
	}
	in := &Ingestor{
		secret:  []byte(cfg.Secret),
		applier: applier,
		seen:    expirable.NewLRU[string, orchestrator.Outcome](cfg.ReplayCacheSize, nil, cfg.ReplayWindow),
		tracer:  observability.NoopTracer(),
		logger:  logging.NewComponentLogger("WebhookIngestor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	return in, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body in constant time.
func (in *Ingestor) Verify(body []byte, signature string) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || signature == "" {
		return fmt.Errorf("malformed webhook signature: %w", task.ErrUnauthorized)
	}
	mac := hmac.New(sha256.New, in.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("webhook signature mismatch: %w", task.ErrUnauthorized)
	}
	return nil
}

// Ingest authenticates and applies one raw callback. Redeliveries seen within
// the replay window are acknowledged without touching the store.
func (in *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (orchestrator.Outcome, error) {
	ctx, span := in.tracer.StartSpan(ctx, observability.SpanWebhookIngest)
	logger := logging.FromContext(ctx, in.logger)

	if err := in.Verify(body, signature); err != nil {
		in.metrics.RecordWebhook("", "unauthorized")
		logger.Warn("[WebhookIngestor] rejected callback: %v", err)
		observability.EndSpan(span, err)
		return "", err
	}

	event, err := task.ParseWebhookEvent(body)
	if err != nil {
		in.metrics.RecordWebhook("", "rejected")
		logger.Warn("[WebhookIngestor] rejected callback: %v", err)
		observability.EndSpan(span, err)
		return "", err
	}
	span.SetAttributes(
		attribute.String(observability.AttrEventType, string(event.Type)),
		attribute.String(observability.AttrTaskID, event.TaskID),
	)

	key, remember := replayKey(event, body)
	if remember && in.seenRecently(key) {
		in.metrics.RecordWebhook(string(event.Type), string(orchestrator.OutcomeDuplicate))
		logger.Debug("[WebhookIngestor] redelivery of %s for task %s short-circuited", event.Type, event.TaskID)
		observability.EndSpan(span, nil)
		return orchestrator.OutcomeDuplicate, nil
	}

	outcome, err := in.applier.ApplyWebhookEvent(ctx, event)
	if err != nil {
		in.metrics.RecordWebhook(string(event.Type), "error")
		logger.Warn("[WebhookIngestor] apply %s for task %s: %v", event.Type, event.TaskID, err)
		observability.EndSpan(span, err)
		return "", err
	}
	if remember {
		in.seen.Add(key, outcome)
	}
	in.metrics.RecordWebhook(string(event.Type), string(outcome))
	observability.EndSpan(span, nil)
	return outcome, nil
}

func (in *Ingestor) seenRecently(key string) bool {
	_, ok := in.seen.Get(key)
	return ok
}

// replayKey identifies a redelivery. A worker event id is authoritative. A
// progress event without one is never matched by content: parallel tool calls
// produce byte-identical bodies that are each a new entry.
func replayKey(event task.WebhookEvent, body []byte) (string, bool) {
	if event.EventID != "" {
		return "event:" + event.TaskID + "/" + event.EventID, true
	}
	switch event.Type {
	case task.EventStatusUpdate, task.EventToolUse:
		return "", false
	}
	return "body:" + bodyDigest(body), true
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
