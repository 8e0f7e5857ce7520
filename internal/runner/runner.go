// Package runner executes a tool run: policy check, quota check, dispatch,
// reliability recording, metering and result shaping, in that order.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/tool-gateway/internal/artifact"
	"github.com/vnmchuo/tool-gateway/internal/billing"
	"github.com/vnmchuo/tool-gateway/internal/metrics"
	"github.com/vnmchuo/tool-gateway/internal/policy"
	"github.com/vnmchuo/tool-gateway/internal/processor"
	"github.com/vnmchuo/tool-gateway/internal/reliability"
	"github.com/vnmchuo/tool-gateway/internal/toolkey"
	"github.com/vnmchuo/tool-gateway/internal/usage"
)

const (
	defaultTimeout      = 120 * time.Second
	notProcessedMessage = "No processor for this tool; processing not performed"
)

type Policy interface {
	Document(ctx context.Context) policy.Document
	Decide(ctx context.Context, doc policy.Document, key toolkey.Key) policy.Decision
}

type Ledger interface {
	CanUse(ctx context.Context, doc policy.Document, c usage.Caller, rawTool string) (usage.Status, error)
	Status(ctx context.Context, doc policy.Document, c usage.Caller, rawTool string) (usage.Status, error)
	Increment(ctx context.Context, c usage.Caller, rawTool string) (int, error)
}

type Dispatcher interface {
	Route(tool toolkey.Key) (processor.Processor, error)
	Execute(ctx context.Context, job *processor.Job, p processor.Processor) (*processor.Result, error)
}

type OutcomeRecorder interface {
	Record(ctx context.Context, key toolkey.Key, succeeded bool, p reliability.Params) error
}

type Request struct {
	Tool      string
	Caller    usage.Caller
	Files     []processor.File
	URL       string
	Options   map[string]any
	RequestID string
}

// Outcome is a successful run. At most one of Payload, Artifact and Binary
// carries the result.
type Outcome struct {
	Tool     toolkey.Key
	Message  string
	Payload  json.RawMessage
	Artifact *artifact.Artifact
	Binary   *processor.Binary
	Usage    usage.Status
}

type Runner struct {
	policy     Policy
	ledger     Ledger
	dispatcher Dispatcher
	gate       OutcomeRecorder

	artifacts artifact.Store
	runs      billing.Store
	metrics   metrics.Recorder
	tracer    trace.Tracer
	logger    zerolog.Logger
	timeout   time.Duration
	inlineMax int64
}

type Option func(*Runner)

func WithArtifacts(s artifact.Store) Option { return func(r *Runner) { r.artifacts = s } }
func WithRunLog(s billing.Store) Option     { return func(r *Runner) { r.runs = s } }
func WithMetrics(m metrics.Recorder) Option { return func(r *Runner) { r.metrics = m } }
func WithTracer(t trace.Tracer) Option      { return func(r *Runner) { r.tracer = t } }
func WithLogger(l zerolog.Logger) Option    { return func(r *Runner) { r.logger = l } }

// WithTimeout bounds each dispatch. A timeout is a dispatch failure.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithInlineMax returns binaries up to n bytes inline instead of persisting
// them. Zero persists every binary.
func WithInlineMax(n int64) Option { return func(r *Runner) { r.inlineMax = n } }

func New(p Policy, l Ledger, d Dispatcher, gate OutcomeRecorder, opts ...Option) *Runner {
	r := &Runner{
		policy:     p,
		ledger:     l,
		dispatcher: d,
		gate:       gate,
		metrics:    metrics.Noop{},
		tracer:     noop.NewTracerProvider().Tracer("runner"),
		logger:     zerolog.Nop(),
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one tool run. Errors are *PolicyError, *QuotaError,
// *NotProcessedError, *ProcessorError, or a storage error.
func (r *Runner) Run(ctx context.Context, req *Request) (*Outcome, error) {
	key := toolkey.Normalize(req.Tool)

	ctx, span := r.tracer.Start(ctx, "runner.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool", string(key)),
		attribute.String("request_id", req.RequestID),
	)
	logger := r.logger.With().Str("tool", string(key)).Str("request_id", req.RequestID).Logger()

	// one document for the whole run so the policy and quota views agree
	doc := r.policy.Document(ctx)

	decision := r.policy.Decide(ctx, doc, key)
	if !decision.Enabled {
		r.metrics.RecordDenied(string(key), string(decision.Reason))
		span.SetAttributes(attribute.String("outcome", "disabled"))
		return nil, &PolicyError{Decision: decision}
	}

	before, err := r.ledger.CanUse(ctx, doc, req.Caller, string(key))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "usage lookup failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("plan", before.Plan))
	if !before.Allowed {
		r.metrics.RecordDenied(string(key), "usage_limit")
		span.SetAttributes(attribute.String("outcome", "usage_limit"))
		return nil, &QuotaError{Usage: before}
	}

	p, err := r.dispatcher.Route(key)
	if err != nil {
		if errors.Is(err, processor.ErrNoProcessor) {
			span.SetAttributes(attribute.String("outcome", "not_processed"))
			return nil, &NotProcessedError{Message: notProcessedMessage, Usage: before}
		}
		return nil, err
	}

	// the processor finishes even if the client goes away
	detached := context.WithoutCancel(ctx)
	dctx, cancel := context.WithTimeout(detached, r.timeout)
	start := time.Now()
	result, dispatchErr := r.dispatcher.Execute(dctx, &processor.Job{
		Tool:      key,
		Files:     req.Files,
		URL:       req.URL,
		Options:   req.Options,
		RequestID: req.RequestID,
	}, p)
	cancel()
	latency := time.Since(start)

	succeeded := dispatchErr == nil && result != nil && result.Success
	if err := r.gate.Record(detached, key, succeeded, doc.Reliability); err != nil {
		logger.Error().Err(err).Msg("failed to record reliability outcome")
	}
	r.metrics.RecordReliabilityOutcome(string(key), succeeded)
	r.logRun(req, key, before.Plan, succeeded, latency)

	switch {
	case dispatchErr != nil:
		logger.Warn().Err(dispatchErr).Str("processor", p.Name()).Dur("latency", latency).Msg("processor error")
		r.metrics.RecordRun(string(key), before.Plan, "failed", latency)
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, "processor error")
		return nil, &ProcessorError{Err: dispatchErr, Usage: before}
	case result == nil || !result.Success:
		msg := notProcessedMessage
		if result != nil && result.Message != "" {
			msg = result.Message
		}
		r.metrics.RecordRun(string(key), before.Plan, "not_processed", latency)
		span.SetAttributes(attribute.String("outcome", "not_processed"))
		return nil, &NotProcessedError{Message: msg, Usage: before}
	}
	r.metrics.RecordRun(string(key), before.Plan, "completed", latency)
	span.SetAttributes(attribute.String("outcome", "completed"))

	out := &Outcome{
		Tool:    key,
		Message: result.Message,
		Payload: result.Payload,
		Usage:   r.meter(detached, doc, req.Caller, key, before, logger),
	}
	if out.Message == "" {
		out.Message = "Processing completed"
	}
	if result.Download != nil {
		r.shapeBinary(detached, out, result.Download, logger)
	}
	return out, nil
}

// meter charges the run and returns the fresh usage snapshot, falling back to
// the pre-run snapshot when the ledger is unavailable.
func (r *Runner) meter(ctx context.Context, doc policy.Document, c usage.Caller, key toolkey.Key, before usage.Status, logger zerolog.Logger) usage.Status {
	if _, err := r.ledger.Increment(ctx, c, string(key)); err != nil {
		logger.Error().Err(err).Msg("failed to increment usage")
		return before
	}
	after, err := r.ledger.Status(ctx, doc, c, string(key))
	if err != nil {
		logger.Error().Err(err).Msg("failed to load usage status")
		return before
	}
	return after
}

func (r *Runner) shapeBinary(ctx context.Context, out *Outcome, bin *processor.Binary, logger zerolog.Logger) {
	if r.artifacts == nil || (r.inlineMax > 0 && int64(len(bin.Data)) <= r.inlineMax) {
		out.Binary = bin
		return
	}
	a, err := r.artifacts.Put(ctx, artifact.Artifact{
		Filename:    bin.Filename,
		ContentType: bin.ContentType,
		Data:        bin.Data,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist artifact, returning inline")
		out.Binary = bin
		return
	}
	out.Artifact = &a
}

func (r *Runner) logRun(req *Request, key toolkey.Key, plan string, succeeded bool, latency time.Duration) {
	if r.runs == nil {
		return
	}
	status := billing.RunCompleted
	if !succeeded {
		status = billing.RunFailed
	}
	log := &billing.RunLog{
		RequestID: req.RequestID,
		Subject:   req.Caller.Subject().String(),
		UserID:    req.Caller.UserID,
		Tool:      string(key),
		Plan:      plan,
		Status:    status,
		LatencyMs: latency.Milliseconds(),
	}
	go func() {
		if err := r.runs.LogRun(context.Background(), log); err != nil {
			r.logger.Error().Err(err).Str("tool", log.Tool).Msg("failed to log tool run")
		}
	}()
}
