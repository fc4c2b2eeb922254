package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-chain/interceptors"
	"github.com/glimte/mmate-chain/phase"
	"github.com/google/uuid"
)

// ErrBusShutdown is returned when using a bus after Shutdown
var ErrBusShutdown = errors.New("bus: shut down")

// Shutdowner is implemented by extensions holding resources
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Bus is the process-scoped runtime shared by services, endpoints and
// clients. It owns the phase registries, the bus-level interceptor lists,
// extensions and interceptor factories.
type Bus struct {
	id       string
	phases   *phase.Manager
	provider *interceptors.Provider
	logger   *slog.Logger

	mu         sync.RWMutex
	extensions map[reflect.Type]any
	order      []reflect.Type
	factories  map[string]InterceptorFactory
	closed     bool
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the bus logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPhases replaces the default phase registries
func WithPhases(m *phase.Manager) Option {
	return func(b *Bus) {
		if m != nil {
			b.phases = m
		}
	}
}

// WithID sets the bus ID
func WithID(id string) Option {
	return func(b *Bus) {
		b.id = id
	}
}

// New creates a bus with the default phases and interceptor factories
func New(opts ...Option) *Bus {
	b := &Bus{
		id:         uuid.New().String(),
		phases:     phase.NewManager(),
		provider:   interceptors.NewProvider(),
		logger:     slog.Default(),
		extensions: make(map[reflect.Type]any),
		factories:  make(map[string]InterceptorFactory),
	}
	for _, opt := range opts {
		opt(b)
	}
	registerDefaultFactories(b)
	return b
}

// ID returns the bus ID
func (b *Bus) ID() string {
	return b.id
}

// Phases returns the phase registries
func (b *Bus) Phases() *phase.Manager {
	return b.phases
}

// Provider returns the bus-level interceptor lists, which take part in
// every chain the bus assembles
func (b *Bus) Provider() *interceptors.Provider {
	return b.provider
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// SetExtension registers v as the bus extension of type T, replacing any
// previous one
func SetExtension[T any](b *Bus, v T) {
	t := reflect.TypeFor[T]()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.extensions[t]; !exists {
		b.order = append(b.order, t)
	}
	b.extensions[t] = v
}

// ExtensionOf returns the bus extension of type T
func ExtensionOf[T any](b *Bus) (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var zero T
	v, ok := b.extensions[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Shutdown shuts extensions down in reverse registration order
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	order := append([]reflect.Type(nil), b.order...)
	extensions := make([]any, len(order))
	for i, t := range order {
		extensions[i] = b.extensions[t]
	}
	b.mu.Unlock()

	var errs []error
	for i := len(extensions) - 1; i >= 0; i-- {
		s, ok := extensions[i].(Shutdowner)
		if !ok {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", order[i], err))
		}
	}
	b.logger.Info("bus shut down", "busId", b.id)
	return errors.Join(errs...)
}

// IsShutdown reports whether Shutdown was called
func (b *Bus) IsShutdown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

var defaultBus atomic.Pointer[Bus]

// Default returns the process default bus, creating it on first use.
// Components that are not given a bus explicitly use it.
func Default() *Bus {
	if b := defaultBus.Load(); b != nil {
		return b
	}
	defaultBus.CompareAndSwap(nil, New())
	return defaultBus.Load()
}

// SetDefault replaces the process default bus
func SetDefault(b *Bus) {
	defaultBus.Store(b)
}

// ResetDefault drops the process default bus; the next Default creates a new one
func ResetDefault() {
	defaultBus.Store(nil)
}

func orDefault(b *Bus) *Bus {
	if b == nil {
		return Default()
	}
	return b
}
