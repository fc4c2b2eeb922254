package bus

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/interceptors"
	"github.com/glimte/mmate-chain/schema"
	"go.opentelemetry.io/otel"
)

// TracerName is the instrumentation name of spans opened by the bus
const TracerName = "github.com/glimte/mmate-chain"

// ErrUnknownInterceptor is returned for an unregistered factory name
var ErrUnknownInterceptor = errors.New("bus: unknown interceptor")

// InterceptorFactory creates an interceptor from string parameters, as found
// in configuration files
type InterceptorFactory func(b *Bus, params map[string]string) (contracts.Interceptor, error)

// RegisterInterceptorFactory makes an interceptor available by name
func (b *Bus) RegisterInterceptorFactory(name string, factory InterceptorFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[name] = factory
}

// NewInterceptor creates an interceptor with a registered factory
func (b *Bus) NewInterceptor(name string, params map[string]string) (contracts.Interceptor, error) {
	b.mu.RLock()
	factory, ok := b.factories[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterceptor, name)
	}
	i, err := factory(b, params)
	if err != nil {
		return nil, fmt.Errorf("create interceptor %s: %w", name, err)
	}
	return i, nil
}

// InterceptorFactories returns the sorted names of registered factories
func (b *Bus) InterceptorFactories() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func registerDefaultFactories(b *Bus) {
	b.factories["logging"] = func(b *Bus, params map[string]string) (contracts.Interceptor, error) {
		return interceptors.NewLoggingInterceptor(b.Logger()), nil
	}
	b.factories["logging-out"] = func(b *Bus, params map[string]string) (contracts.Interceptor, error) {
		return interceptors.NewLoggingInterceptor(b.Logger(), interceptors.OutboundLogging()), nil
	}
	b.factories["tracing"] = func(b *Bus, params map[string]string) (contracts.Interceptor, error) {
		return interceptors.NewTracingInterceptor(otel.Tracer(TracerName)), nil
	}
	b.factories["metrics"] = func(b *Bus, params map[string]string) (contracts.Interceptor, error) {
		collector, ok := ExtensionOf[interceptors.MetricsCollector](b)
		if !ok {
			return nil, errors.New("no MetricsCollector extension registered")
		}
		return interceptors.NewMetricsInterceptor(collector), nil
	}
	b.factories["duplicate-detection"] = func(b *Bus, params map[string]string) (contracts.Interceptor, error) {
		window, err := durationParam(params, "window", 5*time.Minute)
		if err != nil {
			return nil, err
		}
		return interceptors.NewDuplicateDetectionInterceptor(interceptors.NewMemoryDuplicateDetector(window), b.Logger()), nil
	}
	b.factories["rate-limit"] = func(b *Bus, params map[string]string) (contracts.Interceptor, error) {
		perSecond, err := floatParam(params, "rate", 100)
		if err != nil {
			return nil, err
		}
		burst, err := intParam(params, "burst", int(perSecond))
		if err != nil {
			return nil, err
		}
		return interceptors.NewRateLimitingInterceptor(interceptors.NewKeyedLimiter(perSecond, burst)), nil
	}
	b.factories["cel-filter"] = func(b *Bus, params map[string]string) (contracts.Interceptor, error) {
		expr, ok := params["expression"]
		if !ok || expr == "" {
			return nil, errors.New("missing parameter expression")
		}
		filter, err := interceptors.NewCELFilter(expr)
		if err != nil {
			return nil, err
		}
		skip := interceptors.SkipWithLog
		if params["reject"] == "true" {
			skip = interceptors.SkipWithError
		}
		return interceptors.NewFilteringInterceptor(filter, skip, interceptors.WithFilterLogger(b.Logger())), nil
	}
	b.factories["schema-validation"] = func(b *Bus, params map[string]string) (contracts.Interceptor, error) {
		file, ok := params["file"]
		if !ok || file == "" {
			return nil, errors.New("missing parameter file")
		}
		validator := schema.NewMessageValidator(schema.WithStrictMode(params["strict"] == "true"))
		if err := validator.RegisterFile(file); err != nil {
			return nil, err
		}
		return interceptors.NewValidationInterceptor(validator), nil
	}
}

func durationParam(params map[string]string, name string, def time.Duration) (time.Duration, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return d, nil
}

func floatParam(params map[string]string, name string, def float64) (float64, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return f, nil
}

func intParam(params map[string]string, name string, def int) (int, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return n, nil
}
