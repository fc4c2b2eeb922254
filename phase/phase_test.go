package phase

import (
	"testing"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("keeps insertion order with increasing priorities", func(t *testing.T) {
		r := MustRegistry(Receive, Unmarshal, Invoke)

		assert.Equal(t, []Name{Receive, Unmarshal, Invoke}, r.Names())
		for i, p := range r.Phases() {
			assert.Equal(t, i, p.Priority)
		}
		assert.Equal(t, "receive > unmarshal > invoke", r.String())
	})

	t.Run("duplicate phases are rejected", func(t *testing.T) {
		_, err := NewRegistry(Receive, Invoke, Receive)

		var cfgErr *contracts.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, contracts.KindDuplicatePhase, cfgErr.Kind)
		assert.ErrorIs(t, err, contracts.ErrDuplicatePhase)
	})

	t.Run("positions", func(t *testing.T) {
		r := MustRegistry(Receive, Invoke)

		require.NoError(t, r.Add(Unmarshal, Before(Invoke)))
		require.NoError(t, r.Add(PostInvoke, After(Invoke)))
		require.NoError(t, r.Add(Setup, AtStart()))
		require.NoError(t, r.Add(PreStream, At(2)))
		require.NoError(t, r.Add(Send, At(100)))

		assert.Equal(t, []Name{Setup, Receive, PreStream, Unmarshal, Invoke, PostInvoke, Send}, r.Names())
		i, ok := r.Index(Invoke)
		assert.True(t, ok)
		assert.Equal(t, 4, i)
	})

	t.Run("unknown anchors and empty names fail", func(t *testing.T) {
		r := MustRegistry(Receive)

		err := r.Add(Invoke, After("missing"))
		assert.ErrorIs(t, err, contracts.ErrUnknownPhase)
		assert.Error(t, r.Add("", AtEnd()))
		assert.Equal(t, 1, r.Len())
	})

	t.Run("compare", func(t *testing.T) {
		r := MustRegistry(Receive, Invoke)

		assert.Equal(t, -1, r.Compare(Receive, Invoke))
		assert.Equal(t, 1, r.Compare(Invoke, Receive))
		assert.Equal(t, 0, r.Compare(Invoke, Invoke))
		assert.Equal(t, -1, r.Compare(Invoke, "custom"))
		assert.Equal(t, 0, r.Compare("a", "b"))
	})

	t.Run("clone is independent", func(t *testing.T) {
		r := MustRegistry(Receive, Invoke)
		c := r.Clone()
		require.NoError(t, c.Add(PostInvoke, AtEnd()))

		assert.False(t, r.Contains(PostInvoke))
		assert.True(t, c.Contains(PostInvoke))
	})

	t.Run("MustRegistry panics on invalid input", func(t *testing.T) {
		assert.Panics(t, func() { MustRegistry(Receive, Receive) })
	})
}

func TestDefaultPhases(t *testing.T) {
	m := NewManager()

	in := m.InPhases()
	assert.Equal(t, len(DefaultInPhases()), in.Len())
	assert.Equal(t, -1, in.Compare(Unmarshal, Invoke))
	assert.Equal(t, -1, in.Compare(PreInvoke, Invoke))

	out := m.OutPhases()
	assert.Equal(t, -1, out.Compare(Setup, Send))
	assert.Equal(t, -1, out.Compare(Send, SendEnding))
	assert.Equal(t, -1, out.Compare(PrepareSend, Marshal))
	names := out.Names()
	assert.Equal(t, SetupEnding, names[len(names)-1])
	assert.Equal(t, -1, out.Compare(PrepareSendEnding, SetupEnding))

	custom := NewManagerWith(MustRegistry(Receive), MustRegistry(Send))
	assert.Equal(t, []Name{Receive}, custom.InPhases().Names())
}
