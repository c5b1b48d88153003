// Package gateway turns translation requests into a single language model
// call and maps the outcome onto the HTTP contract.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-translate/internal/eventstore"
	"github.com/loqalabs/loqa-translate/internal/llm"
	"github.com/loqalabs/loqa-translate/internal/prompt"
	"github.com/loqalabs/loqa-translate/internal/sanitize"
	"github.com/loqalabs/loqa-translate/internal/translate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-translate/gateway"

// Outcomes recorded on metrics and audit records.
const (
	OutcomeOK            = "ok"
	OutcomeInvalid       = "invalid"
	OutcomeUpstreamError = "upstream_error"
	OutcomeCancelled     = "cancelled"
)

// StatusClientClosedRequest is recorded when the caller went away before
// the upstream call finished.
const StatusClientClosedRequest = 499

// Auditor receives one metadata record per translation.
type Auditor interface {
	AppendTranslation(ctx context.Context, rec eventstore.Record) error
}

// Gateway is stateless and safe for concurrent use.
type Gateway struct {
	gen      llm.Generator
	defaults llm.Request
	audit    Auditor
	logger   *slog.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// New builds a Gateway. audit may be nil.
func New(gen llm.Generator, defaults llm.Request, audit Auditor, logger *slog.Logger) *Gateway {
	g := &Gateway{
		gen:      gen,
		defaults: defaults,
		audit:    audit,
		logger:   logger.With(slog.String("component", "translation-gateway")),
		tracer:   otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if g.requests, err = meter.Int64Counter("loqa.translate.requests",
		metric.WithDescription("Translation requests by outcome")); err != nil {
		g.logger.Warn("failed to create request counter", slogError(err))
	}
	if g.latency, err = meter.Float64Histogram("loqa.translate.latency",
		metric.WithDescription("Translation latency"), metric.WithUnit("ms")); err != nil {
		g.logger.Warn("failed to create latency histogram", slogError(err))
	}
	return g
}

type callKey struct{}

// Call identifies who is asking, for tracing and auditing.
type Call struct {
	SessionID string
	Origin    string
}

// WithCall attaches call metadata to ctx.
func WithCall(ctx context.Context, call Call) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

func callFrom(ctx context.Context) Call {
	call, _ := ctx.Value(callKey{}).(Call)
	if call.SessionID == "" {
		call.SessionID = uuid.NewString()
	}
	if call.Origin == "" {
		call.Origin = "local"
	}
	return call
}

// Translate sanitizes req, rejects it when text or target language is
// empty, and otherwise performs exactly one upstream call.
func (g *Gateway) Translate(ctx context.Context, req translate.Request) translate.Result {
	start := time.Now()
	call := callFrom(ctx)
	ctx, span := g.tracer.Start(ctx, "gateway.translate")
	defer span.End()

	text := sanitize.Value(req.Text)
	sourceLang := sanitize.Value(req.SourceLang)
	targetLang := sanitize.Value(req.TargetLang)
	span.SetAttributes(
		attribute.String("translate.source_lang", sourceLang),
		attribute.String("translate.target_lang", targetLang),
		attribute.String("translate.origin", call.Origin),
		attribute.Int("translate.text_length", utf8.RuneCountInString(text)),
	)

	rec := eventstore.Record{
		SessionID:  call.SessionID,
		TraceID:    span.SpanContext().TraceID().String(),
		Origin:     call.Origin,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		TextLength: utf8.RuneCountInString(text),
	}

	if text == "" || targetLang == "" {
		result := translate.Result{Error: translate.MessageMissingFields, HTTPStatus: http.StatusBadRequest}
		g.finish(ctx, span, rec, OutcomeInvalid, result, start)
		return result
	}

	msgs, err := prompt.Build(prompt.Data{Text: text, SourceLang: sourceLang, TargetLang: targetLang})
	if err != nil {
		return g.fail(ctx, span, rec, err, start)
	}

	llmReq := g.defaults
	llmReq.SessionID = call.SessionID
	llmReq.System = msgs.System
	llmReq.Prompt = msgs.User
	llmReq.TraceID = rec.TraceID

	content, err := llm.Collect(ctx, g.gen, llmReq)
	if err != nil {
		return g.fail(ctx, span, rec, err, start)
	}

	result := translate.Result{Translation: strings.TrimSpace(content), HTTPStatus: http.StatusOK}
	g.finish(ctx, span, rec, OutcomeOK, result, start)
	return result
}

func (g *Gateway) fail(ctx context.Context, span trace.Span, rec eventstore.Record, err error, start time.Time) translate.Result {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		g.logger.Debug("translation cancelled",
			slog.String("session_id", rec.SessionID),
			slog.String("origin", rec.Origin))
		span.SetStatus(codes.Unset, "cancelled")
		result := translate.Result{Error: translate.MessageFailed, HTTPStatus: StatusClientClosedRequest}
		g.finish(ctx, span, rec, OutcomeCancelled, result, start)
		return result
	}
	g.logger.Error("translation failed",
		slogError(err),
		slog.String("session_id", rec.SessionID),
		slog.String("target_lang", rec.TargetLang))
	span.RecordError(err)
	span.SetStatus(codes.Error, "upstream failure")
	result := translate.Result{Error: translate.MessageFailed, HTTPStatus: http.StatusInternalServerError}
	g.finish(ctx, span, rec, OutcomeUpstreamError, result, start)
	return result
}

func (g *Gateway) finish(ctx context.Context, span trace.Span, rec eventstore.Record, outcome string, result translate.Result, start time.Time) {
	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.String("translate.outcome", outcome),
		attribute.Int("http.response.status_code", result.HTTPStatus),
	)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if g.requests != nil {
		g.requests.Add(ctx, 1, attrs)
	}
	if g.latency != nil {
		g.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
	if g.audit == nil {
		return
	}
	rec.Outcome = outcome
	rec.Status = result.HTTPStatus
	rec.Latency = elapsed
	// The audit write must not be cut short by a cancelled caller.
	if err := g.audit.AppendTranslation(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Warn("failed to append audit record", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
