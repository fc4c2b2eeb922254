package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
)

// Chain drives one message through an ordered list of interceptors.
//
// A chain is single-use: it processes exactly one message and is then
// discarded. It moves Idle -> Running, may pause and resume any number of
// times, and ends Complete or Aborted. Pause and Resume may happen on
// different goroutines; other than that the chain is driven by one logical
// call at a time.
type Chain struct {
	phases   []phase.Phase
	phaseIdx map[contracts.PhaseName]int

	logger        *slog.Logger
	faultObserver contracts.MessageObserver
	faultListener contracts.FaultListener
	onDone        func(ctx context.Context, msg *contracts.Message, state contracts.State)
	doneOnce      sync.Once

	mu    sync.Mutex
	list  []contracts.Interceptor
	state contracts.State
	msg   *contracts.Message
	fault *contracts.Fault

	// list[start:executed] have had HandleMessage called; cursor is the next
	// to run. cursor is executed-1 only while an ErrSuspended interceptor
	// waits to run again. Add and Remove never touch list[:executed].
	start    int
	cursor   int
	executed int

	pauseRequested  bool
	resumeRequested bool
	abortRequested  bool
}

var _ contracts.InterceptorChain = (*Chain)(nil)

// ChainOption configures a Chain
type ChainOption func(*Chain)

// WithLogger sets the chain logger
func WithLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFaultObserver sets the observer notified with the faulted message
// after the unwind, unless the exchange is one-way
func WithFaultObserver(observer contracts.MessageObserver) ChainOption {
	return func(c *Chain) {
		c.faultObserver = observer
	}
}

// WithFaultListener sets a listener consulted before the fault is logged
func WithFaultListener(listener contracts.FaultListener) ChainOption {
	return func(c *Chain) {
		c.faultListener = listener
	}
}

// WithCompletion sets a function called once when the chain completes or
// aborts, after any fault unwind. It runs on the goroutine that finished the
// chain, which after a pause is the one that resumed it.
func WithCompletion(fn func(ctx context.Context, msg *contracts.Message, state contracts.State)) ChainOption {
	return func(c *Chain) {
		c.onDone = fn
	}
}

// NewChain creates an empty chain over the given phases
func NewChain(phases []phase.Phase, opts ...ChainOption) *Chain {
	c := &Chain{
		phases:   append([]phase.Phase(nil), phases...),
		phaseIdx: indexPhases(phases),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BuildChain assembles the lists into a new chain
func BuildChain(phases []phase.Phase, lists [][]contracts.Interceptor, opts ...ChainOption) (*Chain, error) {
	sorted, err := Assemble(phases, lists...)
	if err != nil {
		return nil, err
	}
	c := NewChain(phases, opts...)
	c.list = sorted
	return c, nil
}

// SetFaultObserver replaces the fault observer. Call it before the chain starts.
func (c *Chain) SetFaultObserver(observer contracts.MessageObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faultObserver = observer
}

// Add places interceptors in the chain, ignoring any whose ID is already
// present. Before the chain starts the whole chain is re-sorted; afterwards
// only the part that has not run yet is, so the new interceptors always run
// later in this pass. An interceptor that suspended the chain with
// ErrSuspended counts as run and keeps its place.
func (c *Chain) Add(interceptors ...contracts.Interceptor) error {
	return c.add(interceptors, false)
}

// AddForce is Add without the duplicate ID check
func (c *Chain) AddForce(interceptors ...contracts.Interceptor) error {
	return c.add(interceptors, true)
}

func (c *Chain) add(interceptors []contracts.Interceptor, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return contracts.ErrChainTerminated
	}

	var fresh []contracts.Interceptor
	for _, i := range interceptors {
		if i == nil || indexOf(c.list, i) >= 0 || indexOf(fresh, i) >= 0 {
			continue
		}
		if !force && (containsID(c.list, IDOf(i)) || containsID(fresh, IDOf(i))) {
			continue
		}
		fresh = append(fresh, i)
	}
	if len(fresh) == 0 {
		return nil
	}

	if c.state == contracts.StateIdle {
		sorted, err := sortChain(c.phaseIdx, append(append([]contracts.Interceptor(nil), c.list...), fresh...))
		if err != nil {
			return err
		}
		c.list = sorted
		return nil
	}

	tail := append(append([]contracts.Interceptor(nil), c.list[c.executed:]...), fresh...)
	sorted, err := sortChain(c.phaseIdx, tail)
	if err != nil {
		return err
	}
	c.list = append(c.list[:c.executed:c.executed], sorted...)
	return nil
}

// Remove removes an interceptor that has not run yet. Interceptors that
// already ran, including one waiting to re-run after ErrSuspended, are
// reported as not found.
func (c *Chain) Remove(interceptor contracts.Interceptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := 0
	if c.state != contracts.StateIdle {
		from = c.executed
	}
	i := indexOf(c.list[from:], interceptor)
	if i < 0 {
		return contracts.ErrInterceptorNotFound
	}
	i += from
	c.list = append(c.list[:i:i], c.list[i+1:]...)
	return nil
}

// State returns the current state
func (c *Chain) State() contracts.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fault returns the fault that aborted the chain, if any
func (c *Chain) Fault() *contracts.Fault {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Interceptors returns the ordered interceptors
func (c *Chain) Interceptors() []contracts.Interceptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contracts.Interceptor(nil), c.list...)
}

// Executed returns the interceptors whose HandleMessage has been called, in
// execution order
func (c *Chain) Executed() []contracts.Interceptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contracts.Interceptor(nil), c.list[c.start:c.executed]...)
}

// Pause suspends the chain once the current interceptor returns. The next
// interceptor runs on Resume.
func (c *Chain) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == contracts.StateRunning {
		c.pauseRequested = true
	}
}

// Resume continues a paused chain from where it stopped. A Resume that
// arrives while the pausing interceptor is still running is remembered and
// the chain keeps going without pausing.
func (c *Chain) Resume(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == contracts.StateRunning && c.pauseRequested:
		c.resumeRequested = true
		c.mu.Unlock()
		return nil
	case c.state != contracts.StatePaused:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("resume in state %s: %w", state, contracts.ErrChainNotPaused)
	}
	c.state = contracts.StateRunning
	msg := c.msg
	c.mu.Unlock()

	return c.run(ctx, msg)
}

// Abort stops forward processing without a fault unwind. While running it
// takes effect once the current interceptor returns. A paused chain whose
// interceptors must release what they hold is ended with Cancel instead,
// which unwinds them.
func (c *Chain) Abort() {
	c.mu.Lock()
	switch c.state {
	case contracts.StateRunning:
		c.abortRequested = true
	case contracts.StateIdle, contracts.StatePaused:
		c.state = contracts.StateAborted
		if msg := c.msg; msg != nil {
			c.mu.Unlock()
			c.finish(context.Background(), msg, contracts.StateAborted)
			return
		}
	}
	c.mu.Unlock()
}

// Cancel gives up on a paused chain. The interceptors that already ran are
// unwound exactly as for a fault, with cause as the fault cause.
func (c *Chain) Cancel(ctx context.Context, cause error) error {
	c.mu.Lock()
	if c.state != contracts.StatePaused {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cancel in state %s: %w", state, contracts.ErrChainNotPaused)
	}
	c.state = contracts.StateRunning
	msg := c.msg
	c.mu.Unlock()

	if cause == nil {
		cause = context.Canceled
	}
	f := contracts.NewFault(contracts.FaultReceiver, "chain cancelled").WithCause(cause)
	c.fail(ctx, msg, nil, f)
	return nil
}

// DoIntercept runs the chain from its current position.
//
// It returns nil when the chain completes, pauses or is aborted on purpose,
// and the *contracts.Fault after the unwind when an interceptor fails. An
// interceptor may call DoIntercept on its own chain to run the rest of the
// chain nested inside its HandleMessage; the outer pass then stops where the
// nested one did.
func (c *Chain) DoIntercept(ctx context.Context, msg *contracts.Message) error {
	c.mu.Lock()
	switch c.state {
	case contracts.StateComplete, contracts.StateAborted:
		c.mu.Unlock()
		return contracts.ErrChainTerminated
	case contracts.StateIdle, contracts.StatePaused:
		c.state = contracts.StateRunning
	}
	c.msg = msg
	c.mu.Unlock()

	msg.SetChain(c)
	return c.run(ctx, msg)
}

// DoInterceptStartingAfter starts the chain after the interceptor with the
// given ID. Interceptors before it are skipped and never unwound.
func (c *Chain) DoInterceptStartingAfter(ctx context.Context, msg *contracts.Message, id contracts.InterceptorID) error {
	return c.startFrom(ctx, msg, id, 1)
}

// DoInterceptStartingAt starts the chain at the interceptor with the given ID
func (c *Chain) DoInterceptStartingAt(ctx context.Context, msg *contracts.Message, id contracts.InterceptorID) error {
	return c.startFrom(ctx, msg, id, 0)
}

func (c *Chain) startFrom(ctx context.Context, msg *contracts.Message, id contracts.InterceptorID, offset int) error {
	c.mu.Lock()
	if c.state != contracts.StateIdle {
		c.mu.Unlock()
		return contracts.ErrChainStarted
	}
	at := -1
	for i, ic := range c.list {
		if IDOf(ic) == id {
			at = i
			break
		}
	}
	if at < 0 {
		c.mu.Unlock()
		return fmt.Errorf("start at %s: %w", id, contracts.ErrInterceptorNotFound)
	}
	c.start = at + offset
	c.cursor = c.start
	c.executed = c.start
	c.mu.Unlock()

	return c.DoIntercept(ctx, msg)
}

func (c *Chain) run(ctx context.Context, msg *contracts.Message) error {
	for {
		c.mu.Lock()
		if c.state != contracts.StateRunning {
			// a nested pass already paused or finished the chain
			err := c.resultLocked()
			c.mu.Unlock()
			return err
		}
		if c.abortRequested {
			c.abortRequested = false
			c.state = contracts.StateAborted
			c.mu.Unlock()
			c.finish(ctx, msg, contracts.StateAborted)
			return nil
		}
		if c.cursor >= len(c.list) {
			c.state = contracts.StateComplete
			c.mu.Unlock()
			c.finish(ctx, msg, contracts.StateComplete)
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return c.fail(ctx, msg, nil, contracts.NewFault(contracts.FaultReceiver, "chain interrupted").WithCause(err))
		}

		at := c.cursor
		current := c.list[at]
		c.cursor++
		if c.executed < c.cursor {
			c.executed = c.cursor
		}
		c.mu.Unlock()

		err := c.invoke(ctx, current, msg)

		c.mu.Lock()
		if c.state != contracts.StateRunning {
			result := c.resultLocked()
			paused := c.state == contracts.StatePaused
			c.mu.Unlock()
			if err != nil && paused {
				c.logger.Warn("interceptor failed after a nested pass paused the chain",
					"interceptor", IDOf(current), "error", err)
			}
			return result
		}
		if errors.Is(err, contracts.ErrSuspended) {
			c.cursor = at
			c.pauseRequested = true
			err = nil
		}
		if err != nil {
			c.mu.Unlock()
			return c.fail(ctx, msg, current, contracts.AsFault(err))
		}
		if c.abortRequested {
			c.abortRequested = false
			c.pauseRequested = false
			c.state = contracts.StateAborted
			c.mu.Unlock()
			c.logger.Debug("interceptor chain aborted",
				"interceptor", IDOf(current), "messageId", msg.ID())
			c.finish(ctx, msg, contracts.StateAborted)
			return nil
		}
		if c.pauseRequested {
			c.pauseRequested = false
			if c.resumeRequested {
				c.resumeRequested = false
				c.mu.Unlock()
				continue
			}
			c.state = contracts.StatePaused
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
	}
}

func (c *Chain) resultLocked() error {
	if c.state == contracts.StateAborted && c.fault != nil {
		return c.fault
	}
	return nil
}

func (c *Chain) invoke(ctx context.Context, i contracts.Interceptor, msg *contracts.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = contracts.NewFault(contracts.FaultReceiver, "interceptor panicked").
				WithCause(fmt.Errorf("panic: %v", r))
		}
	}()
	return i.HandleMessage(ctx, msg)
}

// fail unwinds the executed interceptors in reverse order, marks the chain
// aborted and hands the message to the fault observer.
func (c *Chain) fail(ctx context.Context, msg *contracts.Message, failed contracts.Interceptor, fault *contracts.Fault) error {
	if failed != nil && fault.Interceptor == "" {
		fault.Interceptor = IDOf(failed)
		fault.Phase = failed.Phase()
	}

	c.mu.Lock()
	c.state = contracts.StateAborted
	c.fault = fault
	c.pauseRequested = false
	c.resumeRequested = false
	unwind := append([]contracts.Interceptor(nil), c.list[c.start:c.executed]...)
	observer := c.faultObserver
	c.mu.Unlock()

	msg.SetFault(fault)
	c.logFault(ctx, fault, msg)

	cleanupCtx := context.WithoutCancel(ctx)
	for i := len(unwind) - 1; i >= 0; i-- {
		c.handleFault(cleanupCtx, unwind[i], msg)
	}

	if observer != nil {
		if ex := msg.Exchange(); ex == nil || !ex.IsOneWay() {
			observer.OnMessage(cleanupCtx, msg)
		}
	}
	c.finish(cleanupCtx, msg, contracts.StateAborted)
	return fault
}

func (c *Chain) finish(ctx context.Context, msg *contracts.Message, state contracts.State) {
	if c.onDone == nil {
		return
	}
	c.doneOnce.Do(func() {
		c.onDone(ctx, msg, state)
	})
}

func (c *Chain) handleFault(ctx context.Context, i contracts.Interceptor, msg *contracts.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("fault handler panicked",
				"interceptor", IDOf(i),
				"messageId", msg.ID(),
				"panic", r,
			)
		}
	}()
	i.HandleFault(ctx, msg)
}

func (c *Chain) logFault(ctx context.Context, fault *contracts.Fault, msg *contracts.Message) {
	if c.faultListener != nil && !c.faultListener.FaultOccurred(ctx, fault, msg) {
		return
	}
	level := slog.LevelWarn
	if fault.Code == contracts.FaultSender {
		level = slog.LevelInfo
	}
	c.logger.Log(ctx, level, "interceptor chain faulted",
		"messageId", msg.ID(),
		"interceptor", fault.Interceptor,
		"phase", fault.Phase,
		"code", fault.Code,
		"error", fault.Error(),
	)
}

// String lists the interceptors grouped by phase
func (c *Chain) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Chain %p (%s). Current flow:", c, c.state)
	for start := 0; start < len(c.list); {
		p := c.list[start].Phase()
		end := start
		var ids []string
		for end < len(c.list) && c.list[end].Phase() == p {
			ids = append(ids, string(IDOf(c.list[end])))
			end++
		}
		fmt.Fprintf(&b, "\n  %s [%s]", p, strings.Join(ids, ", "))
		start = end
	}
	return b.String()
}
