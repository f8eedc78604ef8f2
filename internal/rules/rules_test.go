package rules

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"market_rules/pkg/logging"

	apperrors "market_rules/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestContainer(t *testing.T, opts ...ContainerOption) (*Container, *observer.ObservedLogs) {
	t.Helper()
	obsCore, logs := observer.New(zapcore.DebugLevel)
	opts = append([]ContainerOption{
		WithContainerName(t.Name()),
		WithLogger(logging.NewFromZap(zap.New(obsCore))),
		WithContainerLogLevel(logging.DebugLevel),
	}, opts...)
	return NewContainer(opts...), logs
}

func TestRule_DisposeIsIdempotent(t *testing.T) {
	r := New[int]("token")
	var calls int
	r.OnDispose(func() { calls++ })
	r.OnDispose(func() { calls++ })

	r.Dispose()
	r.Dispose()

	assert.Equal(t, 2, calls)
	assert.True(t, r.IsDisposed())

	// registered after disposal runs immediately
	r.OnDispose(func() { calls++ })
	assert.Equal(t, 3, calls)
}

func TestRule_SetContainerOnce(t *testing.T) {
	c1, _ := newTestContainer(t)
	c2, _ := newTestContainer(t)
	r := New[int]("token")

	_, err := ApplyTo(c1, r)
	require.NoError(t, err)
	_, err = ApplyTo(c2, r)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyAttached)
	assert.False(t, r.IsDisposed())
}

func TestRule_ActivateWithoutContainerIsNoop(t *testing.T) {
	var calls int
	r := New[int]("token").Do(func(int) { calls++ })
	require.NoError(t, r.Activate(1))
	assert.Equal(t, 0, calls)
}

func TestRule_OnceRetires(t *testing.T) {
	c, _ := newTestContainer(t)
	var got []int
	r, err := ApplyTo(c, New[int]("token").Do(func(v int) { got = append(got, v) }).Once())
	require.NoError(t, err)

	require.NoError(t, r.Activate(1))
	require.NoError(t, r.Activate(2))

	assert.Equal(t, []int{1}, got)
	assert.Empty(t, c.Rules())
	assert.True(t, r.IsDisposed())
}

func TestRule_UntilRetires(t *testing.T) {
	c, _ := newTestContainer(t)
	var n int
	r, err := ApplyTo(c, New[int]("token").Do(func(int) { n++ }).Until(func() bool { return n >= 3 }))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Activate(i))
	}
	assert.Equal(t, 3, n)
	assert.Empty(t, c.Rules())
}

func TestRule_ActionErrorKeepsRule(t *testing.T) {
	c, logs := newTestContainer(t)
	boom := errors.New("boom")
	r, err := ApplyTo(c, New[int]("token").DoErr(func(int) error { return boom }).Once())
	require.NoError(t, err)

	assert.ErrorIs(t, r.Activate(1), boom)
	assert.Len(t, c.Rules(), 1)
	assert.False(t, r.IsActive())
	assert.Equal(t, 1, logs.FilterMessage("rule action failed").Len())
}

func TestContainer_ActivationSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c, _ := newTestContainer(t, WithTracer(tp.Tracer("rules")))

	boom := errors.New("boom")
	ok, err := ApplyTo(c, New[int]("ok").Do(func(int) {}))
	require.NoError(t, err)
	failing, err := ApplyTo(c, New[int]("failing").DoErr(func(int) error { return boom }))
	require.NoError(t, err)

	require.NoError(t, ok.Activate(1))
	assert.ErrorIs(t, failing.Activate(1), boom)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "rule.activate", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	require.Len(t, spans[1].Events(), 1, "the action error is recorded")
}

func TestRule_PanicReleasesGuard(t *testing.T) {
	c, _ := newTestContainer(t)
	var fail atomic.Bool
	fail.Store(true)
	var calls int
	r, err := ApplyTo(c, New[int]("token").Do(func(int) {
		calls++
		if fail.Load() {
			panic("action failed")
		}
	}))
	require.NoError(t, err)

	assert.Panics(t, func() { _ = r.Activate(1) })
	assert.False(t, r.IsActive())

	fail.Store(false)
	require.NoError(t, r.Activate(2))
	assert.Equal(t, 2, calls)
}

func TestRule_ReentrantActivationDropped(t *testing.T) {
	c, logs := newTestContainer(t)
	var calls int
	var r *Rule[int]
	r = New[int]("token").Do(func(v int) {
		calls++
		assert.True(t, r.IsActive())
		_ = r.Activate(v + 1)
	})
	_, err := ApplyTo(c, r)
	require.NoError(t, err)

	require.NoError(t, r.Activate(1))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, logs.FilterField(zap.String("reason", "busy")).Len())
}

func TestRule_SuspendedRuleIgnoresEvents(t *testing.T) {
	c, _ := newTestContainer(t)
	var calls int
	r, err := ApplyTo(c, New[int]("token").Do(func(int) { calls++ }).Suspend(true))
	require.NoError(t, err)

	require.NoError(t, r.Activate(1))
	r.Suspend(false)
	require.NoError(t, r.Activate(2))
	assert.Equal(t, 1, calls)
}

func TestContainer_SuspendDropsActivations(t *testing.T) {
	c, _ := newTestContainer(t)
	var got []int
	r, err := ApplyTo(c, New[int]("token").Do(func(v int) { got = append(got, v) }))
	require.NoError(t, err)

	require.NoError(t, c.SuspendRules())
	require.NoError(t, c.SuspendRules())
	require.NoError(t, r.Activate(1))
	require.NoError(t, c.ResumeRules())
	assert.True(t, c.IsRulesSuspended())
	require.NoError(t, r.Activate(2))
	require.NoError(t, c.ResumeRules())
	require.NoError(t, c.ResumeRules())
	assert.False(t, c.IsRulesSuspended())
	require.NoError(t, r.Activate(3))

	assert.Equal(t, []int{3}, got)
}

func TestSuspendRules_ReleasedOnPanic(t *testing.T) {
	c, _ := newTestContainer(t)

	assert.Panics(t, func() {
		_ = SuspendRules(c, func() {
			assert.True(t, c.IsRulesSuspended())
			panic("inside")
		})
	})
	assert.False(t, c.IsRulesSuspended())
	assert.ErrorIs(t, SuspendRules(nil, func() {}), apperrors.ErrNilContainer)
}

func TestExclusive_CompletionRemovesPartner(t *testing.T) {
	tests := []struct {
		name      string
		firstWins bool
	}{
		{"first completes", true},
		{"second completes", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestContainer(t)
			var aCalls, bCalls int
			a, err := ApplyTo(c, New[int]("a").Do(func(int) { aCalls++ }).Once())
			require.NoError(t, err)
			b, err := ApplyTo(c, New[int]("b").Do(func(int) { bCalls++ }).Once())
			require.NoError(t, err)
			require.NoError(t, Exclusive(a, b))

			winner, loser := a, b
			if !tt.firstWins {
				winner, loser = b, a
			}
			require.NoError(t, winner.Activate(1))
			require.NoError(t, loser.Activate(1))

			assert.Equal(t, 1, aCalls+bCalls)
			assert.Empty(t, c.Rules())
			assert.True(t, loser.IsDisposed())
			assert.Zero(t, winner.ExclusiveRules().Len())
			assert.Zero(t, loser.ExclusiveRules().Len())
		})
	}
}

func TestExclusive_PartnerAlreadyRemoved(t *testing.T) {
	c, _ := newTestContainer(t)
	a, err := ApplyTo(c, New[int]("a").Once())
	require.NoError(t, err)
	b, err := ApplyTo(c, New[int]("b").Once())
	require.NoError(t, err)
	require.NoError(t, Exclusive(a, b))

	require.True(t, c.RemoveRule(b))
	assert.NotPanics(t, func() { require.NoError(t, a.Activate(1)) })
	assert.Empty(t, c.Rules())
}

func TestExclusive_Validation(t *testing.T) {
	a := New[int]("a")
	assert.ErrorIs(t, Exclusive(a, a), apperrors.ErrSameRule)
	assert.ErrorIs(t, Exclusive(a, nil), apperrors.ErrNilRule)
}

func TestExclusive_AcrossContainers(t *testing.T) {
	c1, _ := newTestContainer(t)
	c2, _ := newTestContainer(t)
	a, _ := ApplyTo(c1, New[int]("a").Once())
	b, _ := ApplyTo(c2, New[int]("b"))
	require.NoError(t, Exclusive(a, b))

	require.NoError(t, a.Activate(1))
	assert.Empty(t, c1.Rules())
	assert.Empty(t, c2.Rules())
}

func TestTryRemoveRule(t *testing.T) {
	c, _ := newTestContainer(t)
	var finishable atomic.Bool
	var insideResult bool
	var r *Rule[int]
	r = New[int]("token").Until(finishable.Load).Do(func(int) {
		insideResult = TryRemoveRule(r, false)
	})
	_, err := ApplyTo(c, r)
	require.NoError(t, err)

	require.NoError(t, r.Activate(1))
	assert.False(t, insideResult, "an active rule is never removed")
	assert.Len(t, c.Rules(), 1)

	assert.False(t, TryRemoveRule(r, true), "finish condition does not hold")
	assert.Len(t, c.Rules(), 1)

	finishable.Store(true)
	assert.True(t, TryRemoveRule(r, true))
	assert.Empty(t, c.Rules())
	assert.False(t, TryRemoveRule(r, false), "already removed")
}

func TestTryRemoveWithExclusive(t *testing.T) {
	c, _ := newTestContainer(t)
	a, _ := ApplyTo(c, New[int]("a"))
	b, _ := ApplyTo(c, New[int]("b"))
	d, _ := ApplyTo(c, New[int]("d"))
	require.NoError(t, Exclusive(a, b))
	require.NoError(t, Exclusive(b, d))

	ok, removed := TryRemoveWithExclusive(a, false)
	require.True(t, ok)
	assert.Equal(t, []IRule{b}, removed)
	// exclusivity is not transitive
	assert.Equal(t, []IRule{d}, c.Rules())
}

func TestContainer_RemoveFromOwnAction(t *testing.T) {
	c, _ := newTestContainer(t)
	var calls int
	var r *Rule[int]
	r = New[int]("token").Do(func(int) {
		calls++
		assert.True(t, c.RemoveRule(r))
		assert.False(t, r.IsDisposed())
	})
	_, err := ApplyTo(c, r)
	require.NoError(t, err)

	require.NoError(t, r.Activate(1))
	assert.True(t, r.IsDisposed())
	assert.Empty(t, c.Rules())
	require.NoError(t, r.Activate(2))
	assert.Equal(t, 1, calls)
}

func TestContainer_RemovalSurvivesPanic(t *testing.T) {
	c, _ := newTestContainer(t)
	var r *Rule[int]
	r = New[int]("token").Do(func(int) {
		c.RemoveRule(r)
		panic("action failed")
	})
	_, err := ApplyTo(c, r)
	require.NoError(t, err)

	assert.Panics(t, func() { _ = r.Activate(1) })
	assert.True(t, r.IsDisposed())
	assert.Empty(t, c.Rules())

	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("container did not stop")
	}
}

func TestContainer_StopDuringPanickingAction(t *testing.T) {
	c, _ := newTestContainer(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	r, err := ApplyTo(c, New[int]("busy").Do(func(int) {
		close(entered)
		<-release
		panic("action failed")
	}))
	require.NoError(t, err)

	panicked := make(chan any, 1)
	go func() {
		defer func() { panicked <- recover() }()
		_ = r.Activate(1)
	}()
	<-entered

	c.Stop()
	close(release)
	assert.NotNil(t, <-panicked)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("container did not stop")
	}
	assert.True(t, r.IsDisposed())
}

func TestContainer_StopRetiresRules(t *testing.T) {
	c, _ := newTestContainer(t)

	idle, _ := ApplyTo(c, New[int]("idle"))

	entered := make(chan struct{})
	release := make(chan struct{})
	busy, _ := ApplyTo(c, New[int]("busy").Do(func(int) {
		close(entered)
		<-release
	}))

	done := make(chan error, 1)
	go func() { done <- busy.Activate(1) }()
	<-entered

	c.Stop()
	assert.Equal(t, Stopping, c.ProcessState())
	assert.True(t, idle.IsDisposed())
	assert.Equal(t, []IRule{busy}, c.Rules())

	close(release)
	require.NoError(t, <-done)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("container did not stop")
	}
	assert.Equal(t, Stopped, c.ProcessState())
	assert.True(t, busy.IsDisposed())

	_, err := ApplyTo(c, New[int]("late"))
	assert.ErrorIs(t, err, apperrors.ErrContainerStopped)
}

func TestContainer_StopEmpty(t *testing.T) {
	c, _ := newTestContainer(t)
	c.Stop()
	c.Stop()
	<-c.Done()
	assert.Equal(t, Stopped, c.ProcessState())
}

func TestApply_DefaultContainer(t *testing.T) {
	SetDefault(nil)
	_, err := Apply(New[int]("token"))
	assert.ErrorIs(t, err, apperrors.ErrNoDefaultContainer)

	c, _ := newTestContainer(t)
	SetDefault(c)
	defer SetDefault(nil)

	r, err := Apply(New[int]("token"))
	require.NoError(t, err)
	assert.Equal(t, IContainer(c), r.Container())
	assert.Equal(t, IContainer(c), Default())
}

func TestAddRuleLog_InheritsContainerLevel(t *testing.T) {
	c, logs := newTestContainer(t, WithContainerLogLevel(logging.WarnLevel))

	quiet, _ := ApplyTo(c, New[int]("quiet", WithName("quiet")))
	loud, _ := ApplyTo(c, New[int]("loud", WithName("loud")).UpdateLogLevel(logging.DebugLevel))

	AddRuleLog(c, logging.InfoLevel, quiet, "filtered")
	AddRuleLog(c, logging.InfoLevel, loud, "kept")
	AddRuleLog(c, logging.ErrorLevel, quiet, "error passes")
	AddRuleLog(nil, logging.ErrorLevel, quiet, "detached")

	assert.Equal(t, 0, logs.FilterMessage("filtered").Len())
	require.Equal(t, 1, logs.FilterMessage("kept").Len())
	kept := logs.FilterMessage("kept").All()[0]
	assert.Equal(t, "loud", kept.ContextMap()["rule"])
	require.NotEmpty(t, kept.Context)
	assert.Equal(t, zapcore.StringerType, kept.Context[0].Type, "rule is passed as a Stringer")
	assert.Equal(t, 1, logs.FilterMessage("error passes").Len())
	// "rule added" is debug, only the debug-level rule logs it
	assert.Equal(t, 1, logs.FilterMessage("rule added").Len())
}

func TestRule_FluentNaming(t *testing.T) {
	r := New[int]("token").UpdateName("price above 105")
	assert.Equal(t, "price above 105", r.Name())
	assert.Equal(t, "price above 105", r.String())
	assert.Equal(t, "token", r.Token())
	assert.Equal(t, logging.InheritLevel, r.LogLevel())
}

func TestRuleSet_Order(t *testing.T) {
	s := NewRuleSet()
	a, b, c := New[int](1), New[int](2), New[int](3)
	assert.True(t, s.Add(a))
	assert.True(t, s.Add(b))
	assert.False(t, s.Add(a))
	assert.True(t, s.Add(c))
	assert.True(t, s.Remove(b))
	assert.False(t, s.Remove(b))
	assert.Equal(t, []IRule{a, c}, s.Snapshot())
	assert.Equal(t, []IRule{a, c}, s.TakeAll())
	assert.Zero(t, s.Len())
}

func TestContainer_ConcurrentActivationsSerializePerRule(t *testing.T) {
	c, _ := newTestContainer(t)
	var inside, maxInside, calls int64
	r, _ := ApplyTo(c, New[int]("token").Do(func(int) {
		n := atomic.AddInt64(&inside, 1)
		for {
			m := atomic.LoadInt64(&maxInside)
			if n <= m || atomic.CompareAndSwapInt64(&maxInside, m, n) {
				break
			}
		}
		atomic.AddInt64(&calls, 1)
		time.Sleep(time.Microsecond)
		atomic.AddInt64(&inside, -1)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.Activate(j)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&maxInside))
	assert.Positive(t, atomic.LoadInt64(&calls))
}
