package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Built-in interceptors

// OperationOf returns the operation selected on the message's exchange, or
// "unknown" when none is selected yet
func OperationOf(msg *contracts.Message) string {
	if ex := msg.Exchange(); ex != nil && ex.Operation() != "" {
		return ex.Operation()
	}
	return "unknown"
}

// startEnd is shared by the interceptors that measure a whole pass: they run
// early and splice an ending interceptor into a late phase of the same chain.
type startEnd struct {
	PhaseInterceptor
	ending *InterceptorFunc
}

func (s *startEnd) setup(id contracts.InterceptorID, start, end contracts.PhaseName, onEnd func(ctx context.Context, msg *contracts.Message) error) {
	s.PhaseInterceptor = NewPhaseInterceptor(id, start)
	s.ending = NewInterceptorFunc(id+".ending", end, onEnd)
}

func (s *startEnd) spliceEnding(msg *contracts.Message, logger *slog.Logger) {
	chain := msg.Chain()
	if chain == nil {
		return
	}
	if err := chain.Add(s.ending); err != nil {
		logger.Debug("ending interceptor not added",
			"interceptor", s.ending.ID(),
			"error", err,
		)
	}
}

// Ending returns the interceptor that closes the measurement
func (s *startEnd) Ending() contracts.Interceptor {
	return s.ending
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	startEnd
	logger   *slog.Logger
	startKey string
}

// LoggingOption configures a LoggingInterceptor
type LoggingOption func(*loggingConfig)

type loggingConfig struct {
	start, end contracts.PhaseName
}

// OutboundLogging places the interceptor in setup and its ending in setup-ending
func OutboundLogging() LoggingOption {
	return LoggingPhases(phase.Setup, phase.SetupEnding)
}

// LoggingPhases sets the phases of the interceptor and its ending
func LoggingPhases(start, end contracts.PhaseName) LoggingOption {
	return func(c *loggingConfig) {
		c.start, c.end = start, end
	}
}

// NewLoggingInterceptor creates a new logging interceptor. By default it runs
// in receive and logs completion in post-invoke.
func NewLoggingInterceptor(logger *slog.Logger, opts ...LoggingOption) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := loggingConfig{start: phase.Receive, end: phase.PostInvoke}
	for _, opt := range opts {
		opt(&cfg)
	}

	i := &LoggingInterceptor{logger: logger}
	i.startKey = "mmate.logging.start." + string(cfg.start)
	i.setup("LoggingInterceptor", cfg.start, cfg.end, i.handleEnd)
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *LoggingInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	msg.Put(i.startKey, time.Now())

	i.logger.Info("processing message",
		"messageId", msg.ID(),
		"correlationId", msg.CorrelationID(),
		"inbound", msg.IsInbound(),
		"bytes", len(msg.Body()),
	)

	i.spliceEnding(msg, i.logger)
	return nil
}

func (i *LoggingInterceptor) handleEnd(ctx context.Context, msg *contracts.Message) error {
	i.logger.Info("message processed successfully",
		"messageId", msg.ID(),
		"operation", OperationOf(msg),
		"duration", i.elapsed(msg),
	)
	return nil
}

// HandleFault implements contracts.Interceptor
func (i *LoggingInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	attrs := []any{
		"messageId", msg.ID(),
		"operation", OperationOf(msg),
		"duration", i.elapsed(msg),
	}
	if f := msg.Fault(); f != nil {
		attrs = append(attrs, "error", f.Error())
	}
	i.logger.Error("message processing failed", attrs...)
}

func (i *LoggingInterceptor) elapsed(msg *contracts.Message) time.Duration {
	v, ok := msg.Get(i.startKey)
	if !ok {
		return 0
	}
	start, _ := v.(time.Time)
	return time.Since(start)
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(operation string)
	RecordProcessingTime(operation string, duration time.Duration)
	IncrementErrorCount(operation string, errorType string)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	startEnd
	collector MetricsCollector
}

const metricsStartKey = "mmate.metrics.start"

// NewMetricsInterceptor creates a new metrics interceptor running from
// receive to post-invoke
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return NewMetricsInterceptorIn(collector, phase.Receive, phase.PostInvoke)
}

// NewMetricsInterceptorIn creates a metrics interceptor for other phases
func NewMetricsInterceptorIn(collector MetricsCollector, start, end contracts.PhaseName) *MetricsInterceptor {
	i := &MetricsInterceptor{collector: collector}
	i.setup("MetricsInterceptor", start, end, i.handleEnd)
	i.AddAfter("LoggingInterceptor")
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *MetricsInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	msg.Put(metricsStartKey, time.Now())
	i.spliceEnding(msg, slog.Default())
	return nil
}

func (i *MetricsInterceptor) handleEnd(ctx context.Context, msg *contracts.Message) error {
	op := OperationOf(msg)
	i.collector.IncrementMessageCount(op)
	i.collector.RecordProcessingTime(op, since(msg, metricsStartKey))
	return nil
}

// HandleFault implements contracts.Interceptor
func (i *MetricsInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	op := OperationOf(msg)
	errorType := "processing_error"
	if f := msg.Fault(); f != nil {
		errorType = string(f.Code)
	}
	i.collector.IncrementMessageCount(op)
	i.collector.RecordProcessingTime(op, since(msg, metricsStartKey))
	i.collector.IncrementErrorCount(op, errorType)
}

func since(msg *contracts.Message, key string) time.Duration {
	v, ok := msg.Get(key)
	if !ok {
		return 0
	}
	start, _ := v.(time.Time)
	return time.Since(start)
}

// TracingInterceptor opens a span covering the chain
type TracingInterceptor struct {
	startEnd
	tracer trace.Tracer
}

const spanKey = "mmate.tracing.span"

// NewTracingInterceptor creates a new tracing interceptor running from
// receive to post-invoke
func NewTracingInterceptor(tracer trace.Tracer) *TracingInterceptor {
	i := &TracingInterceptor{tracer: tracer}
	i.setup("TracingInterceptor", phase.Receive, phase.PostInvoke, i.handleEnd)
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *TracingInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	kind := trace.SpanKindServer
	if msg.IsRequestor() {
		kind = trace.SpanKindClient
	}
	_, span := i.tracer.Start(ctx, "message.process", trace.WithSpanKind(kind))
	span.SetAttributes(
		attribute.String("message.id", msg.ID()),
		attribute.String("message.correlation_id", msg.CorrelationID()),
		attribute.Bool("message.inbound", msg.IsInbound()),
	)
	msg.Put(spanKey, span)
	i.spliceEnding(msg, slog.Default())
	return nil
}

func (i *TracingInterceptor) handleEnd(ctx context.Context, msg *contracts.Message) error {
	if span, ok := spanOf(msg); ok {
		span.SetAttributes(attribute.String("message.operation", OperationOf(msg)))
		span.SetStatus(codes.Ok, "")
		span.End()
	}
	return nil
}

// HandleFault implements contracts.Interceptor
func (i *TracingInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	span, ok := spanOf(msg)
	if !ok {
		return
	}
	if f := msg.Fault(); f != nil {
		span.RecordError(f)
		span.SetStatus(codes.Error, f.Message)
	}
	span.End()
}

func spanOf(msg *contracts.Message) (trace.Span, bool) {
	v, ok := msg.Get(spanKey)
	if !ok {
		return nil, false
	}
	span, ok := v.(trace.Span)
	return span, ok
}

// MessageValidator defines the interface for message validation
type MessageValidator interface {
	Validate(ctx context.Context, msg *contracts.Message) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(ctx context.Context, msg *contracts.Message) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// ValidationInterceptor validates messages before they are invoked
type ValidationInterceptor struct {
	PhaseInterceptor
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor in pre-invoke
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{
		PhaseInterceptor: NewPhaseInterceptor("ValidationInterceptor", phase.PreInvoke),
		validator:        validator,
	}
}

// HandleMessage implements contracts.Interceptor
func (i *ValidationInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return contracts.NewSenderFault("message validation failed").WithCause(err)
	}
	return nil
}

// MessageAuthenticator defines the interface for message authentication
type MessageAuthenticator interface {
	Authenticate(ctx context.Context, msg *contracts.Message) error
}

// MessageAuthenticatorFunc is a function adapter for MessageAuthenticator
type MessageAuthenticatorFunc func(ctx context.Context, msg *contracts.Message) error

// Authenticate implements MessageAuthenticator
func (f MessageAuthenticatorFunc) Authenticate(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// AuthenticationInterceptor validates message authentication
type AuthenticationInterceptor struct {
	PhaseInterceptor
	authenticator MessageAuthenticator
}

// NewAuthenticationInterceptor creates a new authentication interceptor in pre-protocol
func NewAuthenticationInterceptor(authenticator MessageAuthenticator) *AuthenticationInterceptor {
	return &AuthenticationInterceptor{
		PhaseInterceptor: NewPhaseInterceptor("AuthenticationInterceptor", phase.PreProtocol),
		authenticator:    authenticator,
	}
}

// HandleMessage implements contracts.Interceptor
func (i *AuthenticationInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	if err := i.authenticator.Authenticate(ctx, msg); err != nil {
		return contracts.NewSenderFault("message authentication failed").WithCause(err)
	}
	return nil
}
