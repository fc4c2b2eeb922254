package transport

import (
	"testing"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	t.Run("runs the callback once with the exchange fault", func(t *testing.T) {
		ex := contracts.NewExchange()
		msg := contracts.NewMessage()
		ex.SetInMessage(msg)
		fault := contracts.NewReceiverFault("boom")
		msg.SetFault(fault)

		calls := 0
		var got *contracts.Fault
		OnComplete(msg, func(f *contracts.Fault) {
			calls++
			got = f
		})

		Complete(msg)
		Complete(msg)

		assert.Equal(t, 1, calls)
		assert.Same(t, fault, got)
	})

	t.Run("without a callback", func(t *testing.T) {
		assert.NotPanics(t, func() { Complete(contracts.NewMessage()) })
	})
}

func TestConduitOf(t *testing.T) {
	_, ok := ConduitOf(nil)
	assert.False(t, ok)

	ex := contracts.NewExchange()
	_, ok = ConduitOf(ex)
	assert.False(t, ok)

	ex.Put(ConduitKey, "not a conduit")
	_, ok = ConduitOf(ex)
	assert.False(t, ok)
}

func TestReplyAddress(t *testing.T) {
	msg := contracts.NewMessage()
	_, ok := ReplyAddress(msg)
	assert.False(t, ok)

	msg.SetHeader(ReplyToHeader, "")
	_, ok = ReplyAddress(msg)
	assert.False(t, ok)

	msg.SetHeader(ReplyToHeader, "local://reply/1")
	addr, ok := ReplyAddress(msg)
	require.True(t, ok)
	assert.Equal(t, "local://reply/1", addr)
}
