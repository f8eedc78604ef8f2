package rules

import (
	"sync"
	"sync/atomic"
	"testing"

	apperrors "market_rules/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOr_FiresOnceAndDisposesInner(t *testing.T) {
	c, _ := newTestContainer(t)
	a := New[int]("a", WithName("price above 105"))
	b := New[int]("b", WithName("time 10:00"))

	var got []int
	or, err := OrOf(a, b)
	require.NoError(t, err)
	assert.Equal(t, "price above 105 OR time 10:00", or.Name())
	_, err = ApplyTo(c, or.Do(func(v int) { got = append(got, v) }))
	require.NoError(t, err)

	require.NoError(t, b.Activate(7))
	require.NoError(t, a.Activate(8))
	require.NoError(t, b.Activate(9))

	assert.Equal(t, []int{7}, got)
	assert.True(t, a.IsDisposed())
	assert.True(t, b.IsDisposed())
	assert.True(t, or.IsDisposed())
	assert.Empty(t, c.Rules())
}

func TestOr_RacingInnerRulesActivateOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		c, _ := newTestContainer(t)
		inner := make([]*Rule[int], 4)
		for i := range inner {
			inner[i] = New[int](i)
		}
		or, err := OrOf(inner...)
		require.NoError(t, err)

		var fired int64
		_, err = ApplyTo(c, or.Do(func(int) { atomic.AddInt64(&fired, 1) }))
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, r := range inner {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_ = r.Activate(i)
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int64(1), atomic.LoadInt64(&fired))
	}
}

func TestOr_UntypedKeepsInnerArgument(t *testing.T) {
	c, _ := newTestContainer(t)
	a := New[string]("a")
	b := New[int]("b")

	var got any
	or, err := Or(a, b)
	require.NoError(t, err)
	_, err = ApplyTo(c, or.Do(func(v any) { got = v }))
	require.NoError(t, err)

	require.NoError(t, a.Activate("filled"))
	assert.Equal(t, "filled", got)
}

func TestOr_InnerActionRunsBeforeComposite(t *testing.T) {
	c, _ := newTestContainer(t)
	var trace []string
	a := New[int]("a").Do(func(int) { trace = append(trace, "inner") })
	or, err := OrOf(a)
	require.NoError(t, err)
	_, err = ApplyTo(c, or.Do(func(int) { trace = append(trace, "composite") }))
	require.NoError(t, err)

	require.NoError(t, a.Activate(1))
	assert.Equal(t, []string{"inner", "composite"}, trace)
}

func TestAnd_FiresAfterAllInner(t *testing.T) {
	c, _ := newTestContainer(t)
	a, b, d := New[int]("a", WithName("a")), New[int]("b", WithName("b")), New[int]("d", WithName("d"))

	var got [][]int
	and, err := AndOf(a, b, d)
	require.NoError(t, err)
	assert.Equal(t, "a AND b AND d", and.Name())
	_, err = ApplyTo(c, and.Do(func(v []int) { got = append(got, v) }))
	require.NoError(t, err)

	require.NoError(t, b.Activate(2))
	require.NoError(t, b.Activate(20))
	require.NoError(t, a.Activate(1))
	assert.Empty(t, got)
	require.NoError(t, d.Activate(3))
	require.NoError(t, a.Activate(10))

	require.Len(t, got, 1)
	assert.Equal(t, []int{2, 1, 3}, got[0])
	assert.True(t, and.IsDisposed())
	assert.True(t, a.IsDisposed())
}

func TestAnd_ExactlyOnceUnderConcurrency(t *testing.T) {
	for round := 0; round < 50; round++ {
		c, _ := newTestContainer(t)
		inner := make([]IRule, 5)
		typed := make([]*Rule[int], 5)
		for i := range inner {
			typed[i] = New[int](i)
			inner[i] = typed[i]
		}
		and, err := And(inner...)
		require.NoError(t, err)

		var fired int64
		var args []any
		_, err = ApplyTo(c, and.Do(func(v []any) {
			atomic.AddInt64(&fired, 1)
			args = v
		}))
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, r := range typed {
			for k := 0; k < 3; k++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_ = r.Activate(i)
				}()
			}
		}
		close(start)
		wg.Wait()

		require.Equal(t, int64(1), atomic.LoadInt64(&fired))
		assert.ElementsMatch(t, []any{0, 1, 2, 3, 4}, args)
	}
}

func TestAnd_SuspendedActivationIsNotConsumed(t *testing.T) {
	c, _ := newTestContainer(t)
	a, b := New[int]("a"), New[int]("b")
	and, err := AndOf(a, b)
	require.NoError(t, err)
	var fired int
	_, err = ApplyTo(c, and.Do(func([]int) { fired++ }))
	require.NoError(t, err)

	require.NoError(t, a.Activate(1))
	require.NoError(t, c.SuspendRules())
	require.NoError(t, b.Activate(2))
	assert.Zero(t, fired)
	require.NoError(t, c.ResumeRules())

	require.NoError(t, b.Activate(3))
	assert.Equal(t, 1, fired)
}

func TestComposite_InnerContainerForwardsQueries(t *testing.T) {
	c, _ := newTestContainer(t)
	a := New[int]("a")
	or, err := OrOf(a)
	require.NoError(t, err)
	_, err = ApplyTo(c, or)
	require.NoError(t, err)

	inner := a.Container()
	require.NotNil(t, inner)
	assert.ErrorIs(t, inner.SuspendRules(), apperrors.ErrNotSupported)
	assert.ErrorIs(t, inner.ResumeRules(), apperrors.ErrNotSupported)
	assert.ErrorIs(t, inner.AddRule(New[int]("x")), apperrors.ErrNotSupported)
	assert.Equal(t, c.Name(), inner.Name())
	assert.Equal(t, c.LogLevel(), inner.LogLevel())
	assert.Equal(t, Started, inner.ProcessState())

	require.NoError(t, c.SuspendRules())
	assert.True(t, inner.IsRulesSuspended())
	require.NoError(t, c.ResumeRules())
	assert.Equal(t, []IRule{a}, inner.Rules())
}

func TestComposite_Validation(t *testing.T) {
	_, err := Or()
	assert.ErrorIs(t, err, apperrors.ErrNoRules)
	_, err = And()
	assert.ErrorIs(t, err, apperrors.ErrNoRules)
	_, err = OrOf[int](nil)
	assert.ErrorIs(t, err, apperrors.ErrNilRule)
	_, err = Or(nil)
	assert.ErrorIs(t, err, apperrors.ErrNilRule)

	c, _ := newTestContainer(t)
	attached, _ := ApplyTo(c, New[int]("a"))
	_, err = AndOf(attached)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyAttached)
}

func TestComposite_NestedOrInsideAnd(t *testing.T) {
	c, _ := newTestContainer(t)
	a, b, d := New[int]("a"), New[int]("b"), New[int]("d")
	or, err := OrOf(a, b)
	require.NoError(t, err)
	and, err := AndOf(or, d)
	require.NoError(t, err)

	var got []int
	_, err = ApplyTo(c, and.Do(func(v []int) { got = v }))
	require.NoError(t, err)

	require.NoError(t, d.Activate(4))
	require.NoError(t, b.Activate(2))
	assert.Equal(t, []int{4, 2}, got)
	assert.True(t, a.IsDisposed())
}

func TestComposite_DisposeReleasesInnerSubscriptions(t *testing.T) {
	a, b := New[int]("a"), New[int]("b")
	var unsubscribed int
	a.OnDispose(func() { unsubscribed++ })
	b.OnDispose(func() { unsubscribed++ })

	or, err := OrOf(a, b)
	require.NoError(t, err)
	or.Dispose()
	or.Dispose()
	assert.Equal(t, 2, unsubscribed)
}
