package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
	gocache "github.com/patrickmn/go-cache"
)

// ShortCircuitKey is the exchange property holding the *ShortCircuitResult
// that replaces the service invocation
const ShortCircuitKey = "mmate.short-circuit"

// ShortCircuitResult contains the result of a short-circuited operation
type ShortCircuitResult struct {
	Result interface{}
	Reason string
}

// ShortCircuitOf returns the short-circuit result recorded on the exchange
func ShortCircuitOf(ex *contracts.Exchange) (*ShortCircuitResult, bool) {
	if ex == nil {
		return nil, false
	}
	v, ok := ex.Get(ShortCircuitKey)
	if !ok {
		return nil, false
	}
	r, ok := v.(*ShortCircuitResult)
	return r, ok
}

// shortCircuit records the result so the invoker answers with it. Without an
// exchange, or on a one-way exchange, there is nothing to answer and the
// chain is aborted instead.
func shortCircuit(msg *contracts.Message, result *ShortCircuitResult) {
	ex := msg.Exchange()
	if ex == nil || ex.IsOneWay() || result == nil || result.Result == nil {
		if ex != nil && result != nil {
			ex.Put(ShortCircuitKey, result)
		}
		abort(msg)
		return
	}
	ex.Put(ShortCircuitKey, result)
}

// ShortCircuitEvaluator determines if the service invocation should be skipped
type ShortCircuitEvaluator interface {
	// ShouldShortCircuit returns true if the invocation should be skipped.
	// A non-nil result becomes the response.
	ShouldShortCircuit(ctx context.Context, msg *contracts.Message) (bool, *ShortCircuitResult, error)
}

// ShortCircuitInterceptor can skip the service invocation based on conditions
type ShortCircuitInterceptor struct {
	PhaseInterceptor
	evaluator ShortCircuitEvaluator
}

// NewShortCircuitInterceptor creates a new short-circuit interceptor in pre-invoke
func NewShortCircuitInterceptor(evaluator ShortCircuitEvaluator) *ShortCircuitInterceptor {
	return &ShortCircuitInterceptor{
		PhaseInterceptor: NewPhaseInterceptor("ShortCircuitInterceptor", phase.PreInvoke),
		evaluator:        evaluator,
	}
}

// HandleMessage implements contracts.Interceptor
func (i *ShortCircuitInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	shouldShortCircuit, result, err := i.evaluator.ShouldShortCircuit(ctx, msg)
	if err != nil {
		return err
	}
	if shouldShortCircuit {
		shortCircuit(msg, result)
	}
	return nil
}

// MessageCache defines the interface for response caching
type MessageCache interface {
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// MemoryCache is an in-process MessageCache with expiry
type MemoryCache struct {
	cache *gocache.Cache
}

// NewMemoryCache creates a cache whose entries expire after ttl
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{cache: gocache.New(ttl, 2*ttl)}
}

// Get implements MessageCache
func (c *MemoryCache) Get(ctx context.Context, key string) (interface{}, bool, error) {
	v, ok := c.cache.Get(key)
	return v, ok, nil
}

// Set implements MessageCache
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	c.cache.SetDefault(key, value)
	return nil
}

// CachingInterceptor answers repeated requests from a cache. On a miss it
// splices an ending interceptor into post-invoke that stores the response
// before the outgoing chain sends it.
type CachingInterceptor struct {
	startEnd
	cache  MessageCache
	keyFn  func(msg *contracts.Message) string
	logger *slog.Logger
}

const cacheKeyProperty = "mmate.caching.key"

// NewCachingInterceptor creates a new caching interceptor in pre-invoke,
// keyed by operation and body
func NewCachingInterceptor(cache MessageCache) *CachingInterceptor {
	i := &CachingInterceptor{
		cache:  cache,
		logger: slog.Default(),
		keyFn: func(msg *contracts.Message) string {
			return OperationOf(msg) + "\x00" + string(msg.Body())
		},
	}
	i.setup("CachingInterceptor", phase.PreInvoke, phase.PostInvoke, i.store)
	i.ending.AddBefore("OutgoingChainInterceptor")
	return i
}

// WithKey replaces the function deriving the cache key
func (i *CachingInterceptor) WithKey(fn func(msg *contracts.Message) string) *CachingInterceptor {
	i.keyFn = fn
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *CachingInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	key := i.keyFn(msg)
	cached, found, err := i.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	if found {
		shortCircuit(msg, &ShortCircuitResult{Result: cached, Reason: "cache hit"})
		return nil
	}

	msg.Put(cacheKeyProperty, key)
	i.spliceEnding(msg, i.logger)
	return nil
}

func (i *CachingInterceptor) store(ctx context.Context, msg *contracts.Message) error {
	key, ok := msg.GetString(cacheKeyProperty)
	if !ok {
		return nil
	}
	ex := msg.Exchange()
	if ex == nil || ex.OutMessage() == nil {
		return nil
	}
	out := ex.OutMessage()
	value, ok := out.Payload()
	if !ok {
		value = out.Body()
	}
	if err := i.cache.Set(ctx, key, value); err != nil {
		i.logger.Warn("failed to cache response", "messageId", msg.ID(), "error", err)
	}
	return nil
}

// DuplicateDetector defines the interface for duplicate detection
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// MemoryDuplicateDetector remembers processed message IDs for a window
type MemoryDuplicateDetector struct {
	seen *gocache.Cache
}

// NewMemoryDuplicateDetector creates a detector remembering IDs for window
func NewMemoryDuplicateDetector(window time.Duration) *MemoryDuplicateDetector {
	return &MemoryDuplicateDetector{seen: gocache.New(window, 2*window)}
}

// IsDuplicate implements DuplicateDetector
func (d *MemoryDuplicateDetector) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	_, found := d.seen.Get(messageID)
	return found, nil
}

// MarkProcessed implements DuplicateDetector
func (d *MemoryDuplicateDetector) MarkProcessed(ctx context.Context, messageID string) error {
	d.seen.SetDefault(messageID, struct{}{})
	return nil
}

// DuplicateDetectionInterceptor drops messages that were already processed
type DuplicateDetectionInterceptor struct {
	startEnd
	detector DuplicateDetector
	logger   *slog.Logger
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection
// interceptor in receive. Messages are marked processed in post-invoke.
func NewDuplicateDetectionInterceptor(detector DuplicateDetector, logger *slog.Logger) *DuplicateDetectionInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	i := &DuplicateDetectionInterceptor{detector: detector, logger: logger}
	i.setup("DuplicateDetectionInterceptor", phase.Receive, phase.PostInvoke, i.markProcessed)
	i.AddAfter("LoggingInterceptor")
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *DuplicateDetectionInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	isDuplicate, err := i.detector.IsDuplicate(ctx, msg.ID())
	if err != nil {
		return err
	}
	if isDuplicate {
		i.logger.Info("duplicate message detected", "messageId", msg.ID())
		abort(msg)
		return nil
	}
	i.spliceEnding(msg, i.logger)
	return nil
}

func (i *DuplicateDetectionInterceptor) markProcessed(ctx context.Context, msg *contracts.Message) error {
	return i.detector.MarkProcessed(ctx, msg.ID())
}
