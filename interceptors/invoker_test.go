package interceptors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingInvoker returns the results in order, repeating the last one
type countingInvoker struct {
	calls   atomic.Int32
	results []interface{}
}

func (c *countingInvoker) Invoke(ctx context.Context, msg *contracts.Message) (interface{}, error) {
	n := int(c.calls.Add(1)) - 1
	if n >= len(c.results) {
		n = len(c.results) - 1
	}
	if err, ok := c.results[n].(error); ok {
		return nil, err
	}
	return c.results[n], nil
}

func TestServiceInvokerInterceptor(t *testing.T) {
	t.Run("result becomes the reply payload", func(t *testing.T) {
		invoker := &countingInvoker{results: []interface{}{map[string]string{"status": "ok"}}}
		msg := newMessage()

		_, err := runIn(t, msg, NewServiceInvokerInterceptor(invoker))

		require.NoError(t, err)
		out := msg.Exchange().OutMessage()
		require.NotNil(t, out)
		payload, ok := out.Payload()
		require.True(t, ok)
		assert.Equal(t, map[string]string{"status": "ok"}, payload)
		assert.Equal(t, msg.ID(), out.CorrelationID())
	})

	t.Run("byte results become the reply body", func(t *testing.T) {
		msg := newMessage()
		_, err := runIn(t, msg, NewServiceInvokerInterceptor(InvokerFunc(func(ctx context.Context, msg *contracts.Message) (interface{}, error) {
			return []byte(`{"ok":true}`), nil
		})))

		require.NoError(t, err)
		assert.Equal(t, []byte(`{"ok":true}`), msg.Exchange().OutMessage().Body())
	})

	t.Run("one-way exchanges get no reply", func(t *testing.T) {
		msg := newMessage()
		msg.Exchange().SetOneWay(true)
		invoker := &countingInvoker{results: []interface{}{"done"}}

		_, err := runIn(t, msg, NewServiceInvokerInterceptor(invoker))

		require.NoError(t, err)
		assert.EqualValues(t, 1, invoker.calls.Load())
		assert.Nil(t, msg.Exchange().OutMessage())
	})

	t.Run("timeout faults the chain", func(t *testing.T) {
		slow := InvokerFunc(func(ctx context.Context, msg *contracts.Message) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		_, err := runIn(t, newMessage(), NewServiceInvokerInterceptor(slow, WithInvokeTimeout(20*time.Millisecond)))

		assert.ErrorIs(t, err, reliability.ErrInvocationTimeout)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		transient := errors.New("connection reset")
		invoker := &countingInvoker{results: []interface{}{transient, transient, "ok"}}

		_, err := runIn(t, newMessage(), NewServiceInvokerInterceptor(invoker,
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3))))

		require.NoError(t, err)
		assert.EqualValues(t, 3, invoker.calls.Load())
	})

	t.Run("sender faults are not retried", func(t *testing.T) {
		invoker := &countingInvoker{results: []interface{}{contracts.NewSenderFault("unknown sku")}}

		_, err := runIn(t, newMessage(), NewServiceInvokerInterceptor(invoker,
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3))))

		var fault *contracts.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, contracts.FaultSender, fault.Code)
		assert.EqualValues(t, 1, invoker.calls.Load())
	})

	t.Run("open circuit stops invocations", func(t *testing.T) {
		invoker := &countingInvoker{results: []interface{}{errors.New("backend down")}}
		cb := reliability.NewCircuitBreaker(
			reliability.WithFailureThreshold(2),
			reliability.WithOpenTimeout(time.Minute),
		)
		i := NewServiceInvokerInterceptor(invoker, WithCircuitBreaker(cb))

		for n := 0; n < 2; n++ {
			_, err := runIn(t, newMessage(), i)
			require.Error(t, err)
		}
		assert.Equal(t, reliability.StateOpen, cb.State())

		_, err := runIn(t, newMessage(), i)
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		assert.EqualValues(t, 2, invoker.calls.Load())
	})

	t.Run("short-circuit result replaces the invocation", func(t *testing.T) {
		invoker := &countingInvoker{results: []interface{}{"fresh"}}
		msg := newMessage()
		msg.Exchange().Put(ShortCircuitKey, &ShortCircuitResult{Result: "cached", Reason: "test"})

		_, err := runIn(t, msg, NewServiceInvokerInterceptor(invoker))

		require.NoError(t, err)
		assert.Zero(t, invoker.calls.Load())
		payload, _ := msg.Exchange().OutMessage().Payload()
		assert.Equal(t, "cached", payload)
	})
}
