package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) OnMessage(ctx context.Context, msg *contracts.Message) {
	m.Called(ctx, msg)
}

func buildChain(t *testing.T, opts []ChainOption, list ...contracts.Interceptor) *Chain {
	t.Helper()
	c, err := BuildChain(testPhases(), [][]contracts.Interceptor{list}, opts...)
	require.NoError(t, err)
	return c
}

func TestChainFaultUnwind(t *testing.T) {
	t.Run("failing unmarshal unwinds itself and receive", func(t *testing.T) {
		r := &recorder{}
		boom := errors.New("malformed payload")
		l := r.step("L", receive, nil)
		u := r.step("U", unmarshal, func(ctx context.Context, msg *contracts.Message) error {
			return boom
		}, WithBefore("I"))
		i := r.step("I", invoke, nil)

		observer := &mockObserver{}
		msg := newMessage()
		observer.On("OnMessage", mock.Anything, msg).Once()

		c := buildChain(t, []ChainOption{WithFaultObserver(observer)}, i, u, l)
		assert.Equal(t, idList("L", "U", "I"), ids(c.Interceptors()))

		err := c.DoIntercept(context.Background(), msg)

		var fault *contracts.Fault
		require.ErrorAs(t, err, &fault)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, contracts.InterceptorID("U"), fault.Interceptor)
		assert.Equal(t, unmarshal, fault.Phase)
		assert.Equal(t, contracts.StateAborted, c.State())
		assert.Equal(t, idList("L", "U"), r.Handled())
		assert.Equal(t, idList("U", "L"), r.Faulted())
		assert.Same(t, fault, msg.Fault())
		assert.Same(t, fault, msg.Exchange().Fault())
		observer.AssertExpectations(t)
	})

	t.Run("fault handler panics do not stop the unwind", func(t *testing.T) {
		r := &recorder{}
		a := r.step("A", receive, nil)
		b := NewInterceptorFunc("B", receive, nil, WithFaultHandler(func(ctx context.Context, msg *contracts.Message) {
			panic("cleanup bug")
		}))
		c := r.step("C", invoke, func(ctx context.Context, msg *contracts.Message) error {
			return errors.New("fail")
		})

		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))
		chain := buildChain(t, []ChainOption{WithLogger(logger)}, a, b, c)

		err := chain.DoIntercept(context.Background(), newMessage())

		assert.Error(t, err)
		assert.Equal(t, idList("C", "A"), r.Faulted())
		assert.Contains(t, logs.String(), "fault handler panicked")
	})

	t.Run("panics in HandleMessage become faults", func(t *testing.T) {
		r := &recorder{}
		a := r.step("A", receive, nil)
		b := r.step("B", invoke, func(ctx context.Context, msg *contracts.Message) error {
			panic("nil map")
		})

		chain := buildChain(t, nil, a, b)
		err := chain.DoIntercept(context.Background(), newMessage())

		var fault *contracts.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, contracts.FaultReceiver, fault.Code)
		assert.Contains(t, fault.Error(), "nil map")
		assert.Equal(t, idList("B", "A"), r.Faulted())
	})

	t.Run("context cancellation between interceptors faults the chain", func(t *testing.T) {
		r := &recorder{}
		ctx, cancel := context.WithCancel(context.Background())
		a := r.step("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			cancel()
			return nil
		})
		b := r.step("B", invoke, nil)

		chain := buildChain(t, nil, a, b)
		err := chain.DoIntercept(ctx, newMessage())

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, idList("A"), r.Handled())
		assert.Equal(t, idList("A"), r.Faulted())
	})

	t.Run("one-way exchanges skip the fault observer", func(t *testing.T) {
		observer := &mockObserver{}
		a := NewInterceptorFunc("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			return errors.New("fail")
		})
		msg := newMessage()
		msg.Exchange().SetOneWay(true)

		chain := buildChain(t, []ChainOption{WithFaultObserver(observer)}, a)
		assert.Error(t, chain.DoIntercept(context.Background(), msg))
		observer.AssertNotCalled(t, "OnMessage", mock.Anything, mock.Anything)
	})

	t.Run("fault observer replaced concurrently with the unwind", func(t *testing.T) {
		a := NewInterceptorFunc("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			msg.Chain().Pause()
			return nil
		})
		first, second := &mockObserver{}, &mockObserver{}
		first.On("OnMessage", mock.Anything, mock.Anything).Maybe()
		second.On("OnMessage", mock.Anything, mock.Anything).Maybe()

		chain := buildChain(t, []ChainOption{WithFaultObserver(first)}, a)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			chain.SetFaultObserver(second)
		}()
		require.NoError(t, chain.Cancel(context.Background(), nil))
		wg.Wait()

		calls := len(first.Calls) + len(second.Calls)
		assert.Equal(t, 1, calls)
	})

	t.Run("fault listener can suppress the default log", func(t *testing.T) {
		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))
		var seen *contracts.Fault
		listener := contracts.FaultListenerFunc(func(ctx context.Context, f *contracts.Fault, msg *contracts.Message) bool {
			seen = f
			return false
		})
		a := NewInterceptorFunc("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			return contracts.NewSenderFault("bad")
		})

		chain := buildChain(t, []ChainOption{WithLogger(logger), WithFaultListener(listener)}, a)
		err := chain.DoIntercept(context.Background(), newMessage())

		assert.Same(t, seen, err)
		assert.NotContains(t, logs.String(), "interceptor chain faulted")
	})
}

func TestChainAbort(t *testing.T) {
	r := &recorder{}
	a := r.step("A", receive, func(ctx context.Context, msg *contracts.Message) error {
		msg.Chain().Abort()
		return nil
	})
	b := r.step("B", invoke, nil)

	chain := buildChain(t, nil, a, b)
	err := chain.DoIntercept(context.Background(), newMessage())

	assert.NoError(t, err)
	assert.Equal(t, contracts.StateAborted, chain.State())
	assert.Equal(t, idList("A"), r.Handled())
	assert.Empty(t, r.Faulted())
	assert.ErrorIs(t, chain.DoIntercept(context.Background(), newMessage()), contracts.ErrChainTerminated)
}

func TestChainPauseResume(t *testing.T) {
	t.Run("resumes after the pausing interceptor exactly once", func(t *testing.T) {
		r := &recorder{}
		a := r.step("A", receive, nil)
		b := r.step("B", unmarshal, func(ctx context.Context, msg *contracts.Message) error {
			msg.Chain().Pause()
			return nil
		})
		c := r.step("C", invoke, nil)

		chain := buildChain(t, nil, a, b, c)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		assert.Equal(t, contracts.StatePaused, chain.State())
		assert.Equal(t, idList("A", "B"), r.Handled())

		require.NoError(t, chain.Resume(context.Background()))
		assert.Equal(t, contracts.StateComplete, chain.State())
		assert.Equal(t, idList("A", "B", "C"), r.Handled())
	})

	t.Run("resumes on another goroutine", func(t *testing.T) {
		r := &recorder{}
		ready := make(chan *Chain, 1)
		a := r.step("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			msg.Chain().Pause()
			ready <- msg.Chain().(*Chain)
			return nil
		})
		b := r.step("B", invoke, nil)

		chain := buildChain(t, nil, a, b)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))

		done := make(chan error, 1)
		go func() {
			done <- (<-ready).Resume(context.Background())
		}()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("resume did not finish")
		}
		assert.Equal(t, idList("A", "B"), r.Handled())
		assert.Equal(t, contracts.StateComplete, chain.State())
	})

	t.Run("resume arriving before the pause takes effect is honored", func(t *testing.T) {
		r := &recorder{}
		a := r.step("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			msg.Chain().Pause()
			return msg.Chain().Resume(ctx)
		})
		b := r.step("B", invoke, nil)

		chain := buildChain(t, nil, a, b)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))

		assert.Equal(t, contracts.StateComplete, chain.State())
		assert.Equal(t, idList("A", "B"), r.Handled())
	})

	t.Run("resume when not paused is an error", func(t *testing.T) {
		chain := buildChain(t, nil, NewInterceptorFunc("A", receive, nil))

		assert.ErrorIs(t, chain.Resume(context.Background()), contracts.ErrChainNotPaused)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		assert.ErrorIs(t, chain.Resume(context.Background()), contracts.ErrChainNotPaused)
	})

	t.Run("ErrSuspended reruns the suspending interceptor", func(t *testing.T) {
		r := &recorder{}
		calls := 0
		a := r.step("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			calls++
			if calls == 1 {
				return contracts.ErrSuspended
			}
			return nil
		})
		b := r.step("B", invoke, nil)

		chain := buildChain(t, nil, a, b)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		assert.Equal(t, contracts.StatePaused, chain.State())

		require.NoError(t, chain.Resume(context.Background()))
		assert.Equal(t, idList("A", "A", "B"), r.Handled())
		assert.Equal(t, idList("A", "B"), ids(chain.Executed()))
	})

	t.Run("interceptor added while suspended runs after the suspended one", func(t *testing.T) {
		r := &recorder{}
		calls := 0
		a := r.step("A", unmarshal, func(ctx context.Context, msg *contracts.Message) error {
			calls++
			if calls == 1 {
				return contracts.ErrSuspended
			}
			return nil
		})
		b := r.step("B", invoke, nil)

		chain := buildChain(t, nil, a, b)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		require.NoError(t, chain.Add(r.step("X", receive, nil)))
		assert.Equal(t, idList("A"), ids(chain.Executed()))

		require.NoError(t, chain.Resume(context.Background()))
		assert.Equal(t, idList("A", "A", "X", "B"), r.Handled())
		assert.Equal(t, idList("A", "X", "B"), ids(chain.Executed()))
	})

	t.Run("cancel after add while suspended unwinds only what ran", func(t *testing.T) {
		r := &recorder{}
		a := r.step("A", unmarshal, func(ctx context.Context, msg *contracts.Message) error {
			return contracts.ErrSuspended
		})

		chain := buildChain(t, nil, a, r.step("B", invoke, nil))
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		require.NoError(t, chain.Add(r.step("X", receive, nil)))
		require.NoError(t, chain.Cancel(context.Background(), errors.New("gone")))

		assert.Equal(t, idList("A"), r.Handled())
		assert.Equal(t, idList("A"), r.Faulted())
		assert.Equal(t, idList("A"), ids(chain.Executed()))
	})

	t.Run("remove while suspended keeps the suspended interceptor", func(t *testing.T) {
		r := &recorder{}
		calls := 0
		a := r.step("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			calls++
			if calls == 1 {
				return contracts.ErrSuspended
			}
			return nil
		})
		b := r.step("B", invoke, nil)

		chain := buildChain(t, nil, a, b)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))

		assert.ErrorIs(t, chain.Remove(a), contracts.ErrInterceptorNotFound)
		require.NoError(t, chain.Remove(b))
		assert.Equal(t, idList("A"), ids(chain.Executed()))

		require.NoError(t, chain.Resume(context.Background()))
		assert.Equal(t, contracts.StateComplete, chain.State())
		assert.Equal(t, idList("A", "A"), r.Handled())
		assert.Equal(t, idList("A"), ids(chain.Executed()))
	})

	t.Run("cancel unwinds a paused chain", func(t *testing.T) {
		r := &recorder{}
		a := r.step("A", receive, nil)
		b := r.step("B", unmarshal, func(ctx context.Context, msg *contracts.Message) error {
			msg.Chain().Pause()
			return nil
		})
		c := r.step("C", invoke, nil)

		chain := buildChain(t, nil, a, b, c)
		msg := newMessage()
		require.NoError(t, chain.DoIntercept(context.Background(), msg))

		cause := errors.New("client went away")
		require.NoError(t, chain.Cancel(context.Background(), cause))

		assert.Equal(t, contracts.StateAborted, chain.State())
		assert.Equal(t, idList("B", "A"), r.Faulted())
		assert.ErrorIs(t, msg.Fault(), cause)
		assert.ErrorIs(t, chain.Cancel(context.Background(), cause), contracts.ErrChainNotPaused)
	})

	t.Run("abort while paused ends the chain without unwind", func(t *testing.T) {
		r := &recorder{}
		a := r.step("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			msg.Chain().Pause()
			return nil
		})

		chain := buildChain(t, nil, a, r.step("B", invoke, nil))
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		chain.Abort()

		assert.Equal(t, contracts.StateAborted, chain.State())
		assert.Empty(t, r.Faulted())
	})
}

func TestChainAdd(t *testing.T) {
	t.Run("added interceptors run later in the same pass", func(t *testing.T) {
		r := &recorder{}
		late := r.step("Late", receive, nil)
		ending := r.step("Ending", invoke, nil, WithAfter("I"))
		a := r.step("A", receive, nil)
		u := r.step("U", unmarshal, func(ctx context.Context, msg *contracts.Message) error {
			return msg.Chain().Add(late, ending)
		})
		i := r.step("I", invoke, nil)

		chain := buildChain(t, nil, a, u, i)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))

		assert.Equal(t, idList("A", "U", "Late", "I", "Ending"), r.Handled())
		assert.Equal(t, idList("A", "U", "Late", "I", "Ending"), ids(chain.Interceptors()))
	})

	t.Run("adding an ID already present is ignored unless forced", func(t *testing.T) {
		chain := NewChain(testPhases())
		first := NewInterceptorFunc("X", receive, nil)
		second := NewInterceptorFunc("X", receive, nil)

		require.NoError(t, chain.Add(first))
		require.NoError(t, chain.Add(second))
		require.NoError(t, chain.Add(first))
		assert.Len(t, chain.Interceptors(), 1)

		require.NoError(t, chain.AddForce(second))
		require.NoError(t, chain.AddForce(first))
		assert.Len(t, chain.Interceptors(), 2)
	})

	t.Run("adding to a finished chain fails", func(t *testing.T) {
		chain := buildChain(t, nil, NewInterceptorFunc("A", receive, nil))
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))

		err := chain.Add(NewInterceptorFunc("B", receive, nil))
		assert.ErrorIs(t, err, contracts.ErrChainTerminated)
	})

	t.Run("adding with an unknown phase fails", func(t *testing.T) {
		chain := NewChain(testPhases())
		err := chain.Add(NewInterceptorFunc("B", "nowhere", nil))
		assert.ErrorIs(t, err, contracts.ErrUnknownPhase)
	})

	t.Run("remove drops an interceptor that has not run", func(t *testing.T) {
		r := &recorder{}
		i := r.step("I", invoke, nil)
		a := r.step("A", receive, func(ctx context.Context, msg *contracts.Message) error {
			return msg.Chain().Remove(i)
		})

		chain := buildChain(t, nil, a, i)
		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))

		assert.Equal(t, idList("A"), r.Handled())
		assert.ErrorIs(t, chain.Remove(a), contracts.ErrInterceptorNotFound)
	})
}

func TestChainWrappedInvocation(t *testing.T) {
	r := &recorder{}
	var events []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}

	wrapper := r.step("W", receive, func(ctx context.Context, msg *contracts.Message) error {
		note("before")
		err := msg.Chain().DoIntercept(ctx, msg)
		note("after")
		return err
	})
	inner := r.step("I", invoke, func(ctx context.Context, msg *contracts.Message) error {
		note("inner")
		return nil
	})

	chain := buildChain(t, nil, wrapper, inner)
	require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))

	assert.Equal(t, []string{"before", "inner", "after"}, events)
	assert.Equal(t, idList("W", "I"), r.Handled())
	assert.Equal(t, contracts.StateComplete, chain.State())
}

func TestChainStartingPoints(t *testing.T) {
	t.Run("starting after skips earlier interceptors", func(t *testing.T) {
		r := &recorder{}
		chain := buildChain(t, nil,
			r.step("A", receive, nil),
			r.step("U", unmarshal, nil),
			r.step("I", invoke, func(ctx context.Context, msg *contracts.Message) error {
				return errors.New("fail")
			}),
		)

		err := chain.DoInterceptStartingAfter(context.Background(), newMessage(), "A")

		assert.Error(t, err)
		assert.Equal(t, idList("U", "I"), r.Handled())
		assert.Equal(t, idList("I", "U"), r.Faulted())
	})

	t.Run("starting at runs the named interceptor", func(t *testing.T) {
		r := &recorder{}
		chain := buildChain(t, nil, r.step("A", receive, nil), r.step("U", unmarshal, nil))

		require.NoError(t, chain.DoInterceptStartingAt(context.Background(), newMessage(), "U"))
		assert.Equal(t, idList("U"), r.Handled())
	})

	t.Run("unknown starting point", func(t *testing.T) {
		chain := buildChain(t, nil, NewInterceptorFunc("A", receive, nil))
		err := chain.DoInterceptStartingAt(context.Background(), newMessage(), "Z")
		assert.ErrorIs(t, err, contracts.ErrInterceptorNotFound)
	})
}

func TestChainString(t *testing.T) {
	chain := buildChain(t, nil,
		NewInterceptorFunc("A", receive, nil),
		NewInterceptorFunc("B", receive, nil),
		NewInterceptorFunc("I", invoke, nil),
	)

	s := chain.String()
	assert.Contains(t, s, "receive [A, B]")
	assert.Contains(t, s, "invoke [I]")
}

func TestChainCompletion(t *testing.T) {
	type outcome struct {
		calls int
		state contracts.State
	}
	track := func(o *outcome) ChainOption {
		return WithCompletion(func(ctx context.Context, msg *contracts.Message, state contracts.State) {
			o.calls++
			o.state = state
		})
	}

	t.Run("complete", func(t *testing.T) {
		var o outcome
		chain := buildChain(t, []ChainOption{track(&o)}, NewInterceptorFunc("A", receive, nil))

		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		assert.Equal(t, outcome{calls: 1, state: contracts.StateComplete}, o)
	})

	t.Run("fault runs after the unwind", func(t *testing.T) {
		var o outcome
		r := &recorder{}
		chain := buildChain(t, []ChainOption{track(&o)},
			r.step("A", receive, nil),
			NewInterceptorFunc("B", invoke, func(ctx context.Context, msg *contracts.Message) error {
				return errors.New("boom")
			}),
		)

		require.Error(t, chain.DoIntercept(context.Background(), newMessage()))
		assert.Equal(t, outcome{calls: 1, state: contracts.StateAborted}, o)
		assert.Equal(t, idList("A"), r.Faulted())
	})

	t.Run("paused chain completes on resume", func(t *testing.T) {
		var o outcome
		chain := buildChain(t, []ChainOption{track(&o)},
			NewInterceptorFunc("P", receive, func(ctx context.Context, msg *contracts.Message) error {
				msg.Chain().Pause()
				return nil
			}),
			NewInterceptorFunc("I", invoke, nil),
		)

		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		assert.Zero(t, o.calls)

		done := make(chan error)
		go func() { done <- chain.Resume(context.Background()) }()
		require.NoError(t, <-done)
		assert.Equal(t, outcome{calls: 1, state: contracts.StateComplete}, o)
	})

	t.Run("abort while paused", func(t *testing.T) {
		var o outcome
		chain := buildChain(t, []ChainOption{track(&o)},
			NewInterceptorFunc("P", receive, func(ctx context.Context, msg *contracts.Message) error {
				msg.Chain().Pause()
				return nil
			}),
		)

		require.NoError(t, chain.DoIntercept(context.Background(), newMessage()))
		chain.Abort()
		chain.Abort()
		assert.Equal(t, outcome{calls: 1, state: contracts.StateAborted}, o)
	})
}
