package marketrule

import (
	"fmt"

	"market_rules/internal/core"
	"market_rules/internal/rules"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

// WhenMoneyLess fires when the portfolio value drops below the level given by unit
func WhenMoneyLess(src core.IEventSource, portfolio *core.Portfolio, unit core.Unit) (*rules.Rule[*core.Portfolio], error) {
	return moneyRule(src, portfolio, unit, false)
}

// WhenMoneyMore fires when the portfolio value rises above the level given by unit
func WhenMoneyMore(src core.IEventSource, portfolio *core.Portfolio, unit core.Unit) (*rules.Rule[*core.Portfolio], error) {
	return moneyRule(src, portfolio, unit, true)
}

func moneyRule(src core.IEventSource, portfolio *core.Portfolio, unit core.Unit, up bool) (*rules.Rule[*core.Portfolio], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	if portfolio == nil {
		return nil, apperrors.ErrNilToken
	}
	level, err := threshold(unit, func() (decimal.Decimal, bool) { return portfolio.CurrentValue, true }, up)
	if err != nil {
		return nil, err
	}
	return newRule(portfolio, fmt.Sprintf("portfolio %s money %s %s", portfolio, direction(up), level), nil,
		on(src, core.PortfoliosChanged, func(p *core.Portfolio) (*core.Portfolio, bool) {
			return p, p == portfolio && crossed(p.CurrentValue, level, up)
		}),
	)
}

// WhenPortfolioChanged fires on every change of portfolio
func WhenPortfolioChanged(src core.IEventSource, portfolio *core.Portfolio) (*rules.Rule[*core.Portfolio], error) {
	return WhenPortfolioChangedWhere(src, portfolio, func(*core.Portfolio) bool { return true })
}

// WhenPortfolioChangedWhere fires on changes of portfolio for which pred holds
func WhenPortfolioChangedWhere(src core.IEventSource, portfolio *core.Portfolio, pred func(*core.Portfolio) bool) (*rules.Rule[*core.Portfolio], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	if portfolio == nil {
		return nil, apperrors.ErrNilToken
	}
	if pred == nil {
		return nil, apperrors.ErrNilPredicate
	}
	return newRule(portfolio, fmt.Sprintf("portfolio %s changed", portfolio), nil,
		on(src, core.PortfoliosChanged, func(p *core.Portfolio) (*core.Portfolio, bool) {
			return p, p == portfolio && pred(p)
		}),
	)
}

// WhenPositionLess fires when the position drops below the level given by unit
func WhenPositionLess(src core.IEventSource, position *core.Position, unit core.Unit) (*rules.Rule[*core.Position], error) {
	return positionRule(src, position, unit, false)
}

// WhenPositionMore fires when the position rises above the level given by unit
func WhenPositionMore(src core.IEventSource, position *core.Position, unit core.Unit) (*rules.Rule[*core.Position], error) {
	return positionRule(src, position, unit, true)
}

func positionRule(src core.IEventSource, position *core.Position, unit core.Unit, up bool) (*rules.Rule[*core.Position], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	if position == nil {
		return nil, apperrors.ErrNilToken
	}
	level, err := threshold(unit, func() (decimal.Decimal, bool) { return position.CurrentValue, true }, up)
	if err != nil {
		return nil, err
	}
	return newRule(position, fmt.Sprintf("position %s %s %s", position, direction(up), level), nil,
		on(src, core.PositionsChanged, func(p *core.Position) (*core.Position, bool) {
			return p, p == position && crossed(p.CurrentValue, level, up)
		}),
	)
}

// WhenPositionChanged fires on every change of position
func WhenPositionChanged(src core.IEventSource, position *core.Position) (*rules.Rule[*core.Position], error) {
	return WhenPositionChangedWhere(src, position, func(*core.Position) bool { return true })
}

// WhenPositionChangedWhere fires on changes of position for which pred holds
func WhenPositionChangedWhere(src core.IEventSource, position *core.Position, pred func(*core.Position) bool) (*rules.Rule[*core.Position], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	if position == nil {
		return nil, apperrors.ErrNilToken
	}
	if pred == nil {
		return nil, apperrors.ErrNilPredicate
	}
	return newRule(position, fmt.Sprintf("position %s changed", position), nil,
		on(src, core.PositionsChanged, func(p *core.Position) (*core.Position, bool) {
			return p, p == position && pred(p)
		}),
	)
}
