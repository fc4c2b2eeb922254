package interceptors

import (
	"testing"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemble(t *testing.T) {
	r := &recorder{}

	t.Run("sorts by phase then keeps first-seen order", func(t *testing.T) {
		i := r.step("I", invoke, nil)
		l := r.step("L", receive, nil)
		u1 := r.step("U1", unmarshal, nil)
		u2 := r.step("U2", unmarshal, nil)

		chain, err := Assemble(testPhases(), []contracts.Interceptor{i, u1}, []contracts.Interceptor{l, u2})

		require.NoError(t, err)
		assert.Equal(t, idList("L", "U1", "U2", "I"), ids(chain))
	})

	t.Run("before places an interceptor strictly earlier", func(t *testing.T) {
		a := r.step("A", unmarshal, nil)
		b := r.step("B", unmarshal, nil)
		c := r.step("C", unmarshal, nil, WithBefore("A"))

		chain, err := Assemble(testPhases(), []contracts.Interceptor{a, b, c})

		require.NoError(t, err)
		assert.Equal(t, idList("C", "A", "B"), ids(chain))
	})

	t.Run("after places an interceptor strictly later", func(t *testing.T) {
		a := r.step("A", unmarshal, nil, WithAfter("C"))
		b := r.step("B", unmarshal, nil)
		c := r.step("C", unmarshal, nil)

		chain, err := Assemble(testPhases(), []contracts.Interceptor{a, b, c})

		require.NoError(t, err)
		assert.Equal(t, idList("B", "C", "A"), ids(chain))
	})

	t.Run("ordering hints only apply within a phase", func(t *testing.T) {
		l := r.step("L", receive, nil, WithAfter("I"))
		i := r.step("I", invoke, nil)

		chain, err := Assemble(testPhases(), []contracts.Interceptor{i, l})

		require.NoError(t, err)
		assert.Equal(t, idList("L", "I"), ids(chain))
	})

	t.Run("unknown references are ignored", func(t *testing.T) {
		a := r.step("A", receive, nil, WithBefore("missing"), WithAfter("gone"))
		b := r.step("B", receive, nil)

		chain, err := Assemble(testPhases(), []contracts.Interceptor{a, b})

		require.NoError(t, err)
		assert.Equal(t, idList("A", "B"), ids(chain))
	})

	t.Run("drops duplicates by identity and by ID", func(t *testing.T) {
		a := r.step("A", receive, nil)
		other := r.step("A", receive, nil)

		chain, err := Assemble(testPhases(), []contracts.Interceptor{a}, []contracts.Interceptor{a, other})

		require.NoError(t, err)
		require.Len(t, chain, 1)
		assert.Same(t, a, chain[0])
	})

	t.Run("unknown phase is a configuration error", func(t *testing.T) {
		x := r.step("X", "marshal", nil)

		_, err := Assemble(testPhases(), []contracts.Interceptor{x})

		assert.ErrorIs(t, err, contracts.ErrUnknownPhase)
		var cfgErr *contracts.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, idList("X"), cfgErr.Interceptors)
	})

	t.Run("cycle is a configuration error naming the cycle", func(t *testing.T) {
		x := r.step("X", invoke, nil, WithBefore("Y"))
		y := r.step("Y", invoke, nil, WithBefore("X"))

		_, err := Assemble(testPhases(), []contracts.Interceptor{x, y})

		assert.ErrorIs(t, err, contracts.ErrOrderingCycle)
		var cfgErr *contracts.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, idList("X", "Y", "X"), cfgErr.Interceptors)
		assert.Equal(t, []contracts.PhaseName{invoke}, cfgErr.Phases)
	})

	t.Run("longer cycle behind an acyclic prefix", func(t *testing.T) {
		a := r.step("A", invoke, nil)
		b := r.step("B", invoke, nil, WithBefore("C"))
		c := r.step("C", invoke, nil, WithBefore("D"))
		d := r.step("D", invoke, nil, WithBefore("B"))

		_, err := Assemble(testPhases(), []contracts.Interceptor{a, b, c, d})

		var cfgErr *contracts.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Len(t, cfgErr.Interceptors, 4)
		assert.Equal(t, cfgErr.Interceptors[0], cfgErr.Interceptors[3])
		assert.ElementsMatch(t, idList("B", "C", "D"), cfgErr.Interceptors[:3])
	})

	t.Run("is deterministic and leaves inputs alone", func(t *testing.T) {
		list := []contracts.Interceptor{
			r.step("P", unmarshal, nil),
			r.step("Q", unmarshal, nil, WithBefore("P")),
			r.step("R", receive, nil),
			r.step("S", unmarshal, nil, WithAfter("P")),
		}
		snapshot := append([]contracts.Interceptor(nil), list...)

		first, err := Assemble(testPhases(), list)
		require.NoError(t, err)
		second, err := Assemble(testPhases(), list)
		require.NoError(t, err)

		assert.Equal(t, ids(first), ids(second))
		assert.Equal(t, idList("R", "Q", "P", "S"), ids(first))
		assert.Equal(t, snapshot, list)
	})

	t.Run("empty ID defaults to the type name", func(t *testing.T) {
		i := &ValidationInterceptor{PhaseInterceptor: NewPhaseInterceptor("", phase.PreInvoke)}
		assert.Equal(t, contracts.InterceptorID("github.com/glimte/mmate-chain/interceptors.ValidationInterceptor"), IDOf(i))
	})
}
