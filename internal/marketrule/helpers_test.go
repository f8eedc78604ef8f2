package marketrule

import (
	"testing"
	"time"

	"market_rules/internal/connector"
	"market_rules/internal/core"
	"market_rules/internal/rules"
	"market_rules/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	logger core.ILogger
	em     *connector.Emulator
	c      *rules.Container
	sec    *core.Security
	pf     *core.Portfolio
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.NewFromZap(zaptest.NewLogger(t))
	em := connector.NewEmulator("test", logger, connector.WithStartTime(t0))
	env := &testEnv{
		logger: logger,
		em:     em,
		c: rules.NewContainer(
			rules.WithContainerName(t.Name()),
			rules.WithLogger(logger),
			rules.WithClock(em.CurrentTime),
		),
		sec: &core.Security{ID: "SBER", Board: "TQBR"},
		pf:  &core.Portfolio{Name: "main", CurrentValue: dec("1000")},
	}
	require.NoError(t, em.AddSecurity(env.sec))
	require.NoError(t, em.AddPortfolio(env.pf))
	return env
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (e *testEnv) apply(t *testing.T, r rules.IRule) {
	t.Helper()
	_, err := rules.ApplyTo(e.c, r)
	require.NoError(t, err)
}

func (e *testEnv) order(side core.Side, volume string) *core.Order {
	return &core.Order{
		Security:  e.sec,
		Portfolio: e.pf,
		Type:      core.OrderLimit,
		Side:      side,
		Price:     dec("100"),
		Volume:    dec(volume),
		State:     core.OrderPending,
	}
}

func (e *testEnv) at(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, e.em.SetTime(t0.Add(d)))
}

func level1(field core.Level1Field, v string) map[core.Level1Field]decimal.Decimal {
	return map[core.Level1Field]decimal.Decimal{field: dec(v)}
}
