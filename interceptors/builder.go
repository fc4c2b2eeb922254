package interceptors

import (
	"log/slog"

	"github.com/glimte/mmate-chain/contracts"
	"go.opentelemetry.io/otel/trace"
)

// ProviderBuilder fills a provider with the built-in interceptors
type ProviderBuilder struct {
	provider *Provider
	logger   *slog.Logger
}

// NewProviderBuilder creates a builder for a new provider
func NewProviderBuilder(logger *slog.Logger) *ProviderBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProviderBuilder{
		provider: NewProvider(),
		logger:   logger,
	}
}

// WithLogging adds the logging interceptor to the in and out lists
func (b *ProviderBuilder) WithLogging() *ProviderBuilder {
	b.provider.AddIn(NewLoggingInterceptor(b.logger))
	b.provider.AddOut(NewLoggingInterceptor(b.logger, OutboundLogging()))
	return b
}

// WithMetrics adds the metrics interceptor to the in list
func (b *ProviderBuilder) WithMetrics(collector MetricsCollector) *ProviderBuilder {
	b.provider.AddIn(NewMetricsInterceptor(collector))
	return b
}

// WithTracing adds the tracing interceptor to the in list
func (b *ProviderBuilder) WithTracing(tracer trace.Tracer) *ProviderBuilder {
	b.provider.AddIn(NewTracingInterceptor(tracer))
	return b
}

// WithValidation adds the validation interceptor to the in list
func (b *ProviderBuilder) WithValidation(validator MessageValidator) *ProviderBuilder {
	b.provider.AddIn(NewValidationInterceptor(validator))
	return b
}

// WithAuthentication adds the authentication interceptor to the in list
func (b *ProviderBuilder) WithAuthentication(authenticator MessageAuthenticator) *ProviderBuilder {
	b.provider.AddIn(NewAuthenticationInterceptor(authenticator))
	return b
}

// WithRateLimit adds the rate limiting interceptor to the in list
func (b *ProviderBuilder) WithRateLimit(limiter RateLimiter) *ProviderBuilder {
	b.provider.AddIn(NewRateLimitingInterceptor(limiter))
	return b
}

// WithFilter adds a filtering interceptor to the in list
func (b *ProviderBuilder) WithFilter(filter MessageFilter, skip SkipBehavior) *ProviderBuilder {
	b.provider.AddIn(NewFilteringInterceptor(filter, skip, WithFilterLogger(b.logger)))
	return b
}

// WithCustom adds an interceptor to the given list
func (b *ProviderBuilder) WithCustom(d Direction, interceptor contracts.Interceptor) *ProviderBuilder {
	b.provider.Add(d, interceptor)
	return b
}

// Build returns the filled provider
func (b *ProviderBuilder) Build() *Provider {
	return b.provider
}
