package marketrule

import (
	"testing"
	"time"

	"market_rules/internal/core"
	"market_rules/internal/rules"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityRules_RelativeBestBidThreshold(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestBidPrice, "100")))

	var fired []decimal.Decimal
	r, err := WhenBestBidPriceMore(env.em, env.sec, core.Offset(dec("5")))
	require.NoError(t, err)
	env.apply(t, r.Do(func(v decimal.Decimal) { fired = append(fired, v) }).Once())

	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestBidPrice, "104")))
	assert.Empty(t, fired)

	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestBidPrice, "106")))
	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestBidPrice, "107")))

	require.Len(t, fired, 1)
	assert.True(t, fired[0].Equal(dec("106")))
	assert.Empty(t, env.c.Rules())
}

func TestSecurityRules_ThresholdIsStrict(t *testing.T) {
	env := newTestEnv(t)

	var fired int
	r, err := WhenBestAskPriceLess(env.em, env.sec, core.Absolute(dec("50")))
	require.NoError(t, err)
	env.apply(t, r.Do(func(decimal.Decimal) { fired++ }))

	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestAskPrice, "50")))
	assert.Zero(t, fired)
	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestAskPrice, "49.9")))
	assert.Equal(t, 1, fired)
}

func TestSecurityRules_PercentThresholdBelow(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestBidPrice, "200")))

	var fired int
	r, err := WhenBestBidPriceLess(env.em, env.sec, core.Percent(dec("10")))
	require.NoError(t, err)
	env.apply(t, r.Do(func(decimal.Decimal) { fired++ }))

	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestBidPrice, "180")))
	assert.Zero(t, fired, "level is 180")
	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.BestBidPrice, "179")))
	assert.Equal(t, 1, fired)
}

func TestSecurityRules_LastTradePriceWatchesTrades(t *testing.T) {
	env := newTestEnv(t)

	var fired []string
	r, err := WhenLastTradePriceMore(env.em, env.sec, core.Absolute(dec("10")))
	require.NoError(t, err)
	env.apply(t, r.Do(func(v decimal.Decimal) { fired = append(fired, v.String()) }).Once())

	require.NoError(t, env.em.AddTrades(&core.Trade{Security: env.sec, Price: dec("9"), Volume: dec("1")}))
	assert.Empty(t, fired)
	require.NoError(t, env.em.AddTrades(&core.Trade{Security: env.sec, Price: dec("11"), Volume: dec("1")}))
	assert.Equal(t, []string{"11"}, fired)
}

func TestSecurityRules_BasketMembership(t *testing.T) {
	env := newTestEnv(t)
	gazp := &core.Security{ID: "GAZP", Board: "TQBR"}
	lkoh := &core.Security{ID: "LKOH", Board: "TQBR"}
	basket := &core.Security{ID: "IDX", Basket: []*core.Security{env.sec, gazp}}
	for _, s := range []*core.Security{gazp, lkoh, basket} {
		require.NoError(t, env.em.AddSecurity(s))
	}

	var trades []*core.Trade
	tr, err := WhenSecurityNewTrades(env.em, basket)
	require.NoError(t, err)
	env.apply(t, tr.Do(func(ts []*core.Trade) { trades = append(trades, ts...) }))

	var depths [][]*core.MarketDepth
	dr, err := WhenBasketMarketDepthsChanged(env.em, basket)
	require.NoError(t, err)
	env.apply(t, dr.Do(func(ds []*core.MarketDepth) { depths = append(depths, ds) }))

	var changed []string
	sc, err := WhenSecurityChangedWhere(env.em, basket, func(s *core.Security) bool { return s != basket })
	require.NoError(t, err)
	env.apply(t, sc.Do(func(s *core.Security) { changed = append(changed, s.ID) }))

	require.NoError(t, env.em.AddTrades(
		&core.Trade{Security: lkoh, Price: dec("1"), Volume: dec("1")},
		&core.Trade{Security: gazp, Price: dec("2"), Volume: dec("1")},
	))
	require.Len(t, trades, 1)
	assert.Same(t, gazp, trades[0].Security)
	assert.Equal(t, []string{"GAZP"}, changed)

	quote := func(p string, side core.Side) []core.Quote {
		return []core.Quote{{Price: dec(p), Volume: dec("1"), Side: side}}
	}
	require.NoError(t, env.em.UpdateDepth(lkoh, quote("1", core.Buy), quote("2", core.Sell)))
	assert.Empty(t, depths)
	require.NoError(t, env.em.UpdateDepth(env.sec, quote("1", core.Buy), quote("2", core.Sell)))
	require.Len(t, depths, 1)
	assert.Same(t, env.sec, depths[0][0].Security)
}

func TestSecurityRules_MarketDepthChanged(t *testing.T) {
	env := newTestEnv(t)

	var got *core.MarketDepth
	r, err := WhenMarketDepthChanged(env.em, env.sec)
	require.NoError(t, err)
	env.apply(t, r.Do(func(d *core.MarketDepth) { got = d }))

	require.NoError(t, env.em.UpdateDepth(env.sec,
		[]core.Quote{{Price: dec("99"), Volume: dec("1")}},
		[]core.Quote{{Price: dec("101"), Volume: dec("1")}},
	))
	require.NotNil(t, got)
	spread, ok := got.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(dec("2")))
}

func TestWhenTimeCome_FiresEachInstantInOrder(t *testing.T) {
	env := newTestEnv(t)
	t1, t2, t3 := t0.Add(time.Minute), t0.Add(2*time.Minute), t0.Add(3*time.Minute)

	var fired []time.Time
	r, err := WhenTimeCome(env.em, t3, t1, t0.Add(-time.Minute), t2)
	require.NoError(t, err)
	env.apply(t, r.Do(func(at time.Time) { fired = append(fired, at) }))

	env.at(t, 30*time.Second)
	assert.Empty(t, fired)
	env.at(t, time.Minute)
	env.at(t, 90*time.Second)
	env.at(t, 2*time.Minute)
	env.at(t, 3*time.Minute)
	env.at(t, 4*time.Minute)

	assert.Equal(t, []time.Time{t1, t2, t3}, fired)
	assert.True(t, r.IsDisposed())
	assert.Zero(t, env.em.SubscriberCount(core.EventTimeChanged), "timer released")
}

func TestWhenTimeCome_TimeJump(t *testing.T) {
	env := newTestEnv(t)
	t1, t2 := t0.Add(time.Minute), t0.Add(2*time.Minute)

	var fired []time.Time
	r, err := WhenTimeCome(env.em, t1, t2)
	require.NoError(t, err)
	env.apply(t, r.Do(func(at time.Time) { fired = append(fired, at) }))

	// one tick past both instants fires the first one only
	env.at(t, time.Hour)
	assert.Equal(t, []time.Time{t1}, fired)

	env.at(t, time.Hour+time.Second)
	assert.Equal(t, []time.Time{t1, t2}, fired)
	assert.Empty(t, env.c.Rules())
}

func TestWhenTimeCome_NoFutureInstant(t *testing.T) {
	env := newTestEnv(t)
	var fired int
	r, err := WhenTimeCome(env.em, t0, t0.Add(-time.Second))
	require.NoError(t, err)
	env.apply(t, r.Do(func(time.Time) { fired++ }))

	env.at(t, time.Hour)
	assert.Zero(t, fired)
	assert.True(t, r.CanFinish())
	assert.True(t, rules.TryRemoveRule(r, true))
	assert.True(t, r.IsDisposed())

	_, err = WhenTimeCome(nil, t0)
	assert.ErrorIs(t, err, apperrors.ErrNilSource)
	assert.Zero(t, env.em.SubscriberCount(core.EventTimeChanged))
}

func TestSecurityRules_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := WhenBestBidPriceMore(env.em, env.sec, core.Offset(dec("1")))
	assert.ErrorIs(t, err, apperrors.ErrNoReferenceValue, "no best bid yet")
	_, err = WhenBestBidPriceMore(env.em, env.sec, core.Absolute(decimal.Zero))
	assert.ErrorIs(t, err, apperrors.ErrInvalidOffset)
	_, err = WhenLastTradePriceLess(env.em, env.sec, core.Absolute(dec("-1")))
	assert.ErrorIs(t, err, apperrors.ErrInvalidOffset)
	_, err = WhenBestAskPriceMore(nil, env.sec, core.Absolute(dec("1")))
	assert.ErrorIs(t, err, apperrors.ErrNilSource)
	_, err = WhenSecurityChanged(env.em, nil)
	assert.ErrorIs(t, err, apperrors.ErrNilToken)
	_, err = WhenSecurityChangedWhere(env.em, env.sec, nil)
	assert.ErrorIs(t, err, apperrors.ErrNilPredicate)

	assert.Zero(t, env.em.SubscriberCount(core.EventSecuritiesChanged))
}

func TestSecurityRules_ExclusiveBracket(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.em.UpdateLevel1(env.sec, level1(core.LastTradePrice, "100")))

	var outcome []string
	tp, err := WhenLastTradePriceMore(env.em, env.sec, core.Offset(dec("3")))
	require.NoError(t, err)
	sl, err := WhenLastTradePriceLess(env.em, env.sec, core.Offset(dec("2")))
	require.NoError(t, err)
	env.apply(t, tp.Do(func(decimal.Decimal) { outcome = append(outcome, "take profit") }).Once())
	env.apply(t, sl.Do(func(decimal.Decimal) { outcome = append(outcome, "stop loss") }).Once())
	require.NoError(t, rules.Exclusive(tp, sl))

	require.NoError(t, env.em.AddTrades(&core.Trade{Security: env.sec, Price: dec("97.5"), Volume: dec("1")}))
	require.NoError(t, env.em.AddTrades(&core.Trade{Security: env.sec, Price: dec("104"), Volume: dec("1")}))

	assert.Equal(t, []string{"stop loss"}, outcome)
	assert.True(t, tp.IsDisposed())
	assert.Empty(t, env.c.Rules())
}
