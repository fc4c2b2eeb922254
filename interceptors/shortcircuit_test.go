package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evaluatorFunc func(ctx context.Context, msg *contracts.Message) (bool, *ShortCircuitResult, error)

func (f evaluatorFunc) ShouldShortCircuit(ctx context.Context, msg *contracts.Message) (bool, *ShortCircuitResult, error) {
	return f(ctx, msg)
}

func TestShortCircuitInterceptor(t *testing.T) {
	t.Run("result answers the call without invoking", func(t *testing.T) {
		invoker := &countingInvoker{results: []interface{}{"fresh"}}
		sc := NewShortCircuitInterceptor(evaluatorFunc(func(ctx context.Context, msg *contracts.Message) (bool, *ShortCircuitResult, error) {
			return true, &ShortCircuitResult{Result: "maintenance", Reason: "read-only mode"}, nil
		}))
		msg := newMessage()

		c, err := runIn(t, msg, sc, NewServiceInvokerInterceptor(invoker))

		require.NoError(t, err)
		assert.Equal(t, contracts.StateComplete, c.State())
		assert.Zero(t, invoker.calls.Load())
		result, ok := ShortCircuitOf(msg.Exchange())
		require.True(t, ok)
		assert.Equal(t, "read-only mode", result.Reason)
		payload, _ := msg.Exchange().OutMessage().Payload()
		assert.Equal(t, "maintenance", payload)
	})

	t.Run("no result aborts the chain", func(t *testing.T) {
		invoker := &countingInvoker{results: []interface{}{"fresh"}}
		sc := NewShortCircuitInterceptor(evaluatorFunc(func(ctx context.Context, msg *contracts.Message) (bool, *ShortCircuitResult, error) {
			return true, nil, nil
		}))

		c, err := runIn(t, newMessage(), sc, NewServiceInvokerInterceptor(invoker))

		require.NoError(t, err)
		assert.Equal(t, contracts.StateAborted, c.State())
		assert.Zero(t, invoker.calls.Load())
	})

	t.Run("one-way exchanges abort", func(t *testing.T) {
		sc := NewShortCircuitInterceptor(evaluatorFunc(func(ctx context.Context, msg *contracts.Message) (bool, *ShortCircuitResult, error) {
			return true, &ShortCircuitResult{Result: "x"}, nil
		}))
		msg := newMessage()
		msg.Exchange().SetOneWay(true)

		c, err := runIn(t, msg, sc)

		require.NoError(t, err)
		assert.Equal(t, contracts.StateAborted, c.State())
	})

	t.Run("evaluator errors fault the chain", func(t *testing.T) {
		sc := NewShortCircuitInterceptor(evaluatorFunc(func(ctx context.Context, msg *contracts.Message) (bool, *ShortCircuitResult, error) {
			return false, nil, errors.New("lookup failed")
		}))

		_, err := runIn(t, newMessage(), sc)
		assert.Error(t, err)
	})
}

func TestCachingInterceptor(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	invoker := &countingInvoker{results: []interface{}{"priced"}}
	caching := NewCachingInterceptor(cache)
	service := NewServiceInvokerInterceptor(invoker)

	request := func(body string) *contracts.Message {
		msg := newMessage()
		msg.Exchange().SetOperation("quote")
		msg.SetBody([]byte(body))
		return msg
	}

	first := request(`{"sku":"a"}`)
	_, err := runIn(t, first, caching, service)
	require.NoError(t, err)

	second := request(`{"sku":"a"}`)
	c, err := runIn(t, second, caching, service)
	require.NoError(t, err)

	assert.EqualValues(t, 1, invoker.calls.Load())
	assert.NotContains(t, ids(c.Interceptors()), contracts.InterceptorID("CachingInterceptor.ending"))
	payload, _ := second.Exchange().OutMessage().Payload()
	assert.Equal(t, "priced", payload)

	_, err = runIn(t, request(`{"sku":"b"}`), caching, service)
	require.NoError(t, err)
	assert.EqualValues(t, 2, invoker.calls.Load())

	assert.Equal(t, phase.PostInvoke, caching.Ending().Phase())
	assert.Equal(t, idList("OutgoingChainInterceptor"), caching.Ending().Before())
}

func TestDuplicateDetectionInterceptor(t *testing.T) {
	detector := NewMemoryDuplicateDetector(time.Minute)
	dedup := NewDuplicateDetectionInterceptor(detector, nil)

	withID := func(id string) *contracts.Message {
		ex := contracts.NewExchange()
		msg := contracts.NewMessage(contracts.WithMessageID(id), contracts.Inbound())
		ex.SetInMessage(msg)
		return msg
	}

	t.Run("failed processing is not remembered", func(t *testing.T) {
		_, err := runIn(t, withID("m-1"), dedup, failing(phase.Invoke))
		require.Error(t, err)

		seen, err := detector.IsDuplicate(context.Background(), "m-1")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("redelivery is dropped", func(t *testing.T) {
		rec := &recorder{}
		handler := rec.step("handler", phase.Invoke, nil)

		c, err := runIn(t, withID("m-2"), dedup, handler)
		require.NoError(t, err)
		assert.Equal(t, contracts.StateComplete, c.State())

		c, err = runIn(t, withID("m-2"), dedup, handler)
		require.NoError(t, err)
		assert.Equal(t, contracts.StateAborted, c.State())
		assert.Equal(t, idList("handler"), rec.Handled())
	})
}
