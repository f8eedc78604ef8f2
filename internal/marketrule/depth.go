package marketrule

import (
	"fmt"

	"market_rules/internal/core"
	"market_rules/internal/rules"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

// onQuotes activates the rule for every update of depth accepted by match
func onQuotes(depth *core.MarketDepth, match func(*core.MarketDepth) bool) binding[*core.MarketDepth] {
	return func(r *rules.Rule[*core.MarketDepth]) error {
		r.OnDispose(depth.SubscribeQuotesChanged(func(d *core.MarketDepth) error {
			if !match(d) {
				return nil
			}
			return r.Activate(d)
		}))
		return nil
	}
}

// WhenDepthChanged fires on every update of depth
func WhenDepthChanged(depth *core.MarketDepth) (*rules.Rule[*core.MarketDepth], error) {
	return WhenDepthChangedWhere(depth, func(*core.MarketDepth) bool { return true })
}

// WhenDepthChangedWhere fires on updates of depth for which pred holds
func WhenDepthChangedWhere(depth *core.MarketDepth, pred func(*core.MarketDepth) bool) (*rules.Rule[*core.MarketDepth], error) {
	if depth == nil {
		return nil, apperrors.ErrNilToken
	}
	if pred == nil {
		return nil, apperrors.ErrNilPredicate
	}
	return newRule(depth, fmt.Sprintf("%s changed", depth), nil, onQuotes(depth, pred))
}

// WhenSpreadMore fires when the spread of depth widens above the level given by unit
func WhenSpreadMore(depth *core.MarketDepth, unit core.Unit) (*rules.Rule[*core.MarketDepth], error) {
	return depthRule(depth, "spread", (*core.MarketDepth).Spread, unit, true)
}

// WhenSpreadLess fires when the spread of depth narrows below the level given by unit
func WhenSpreadLess(depth *core.MarketDepth, unit core.Unit) (*rules.Rule[*core.MarketDepth], error) {
	return depthRule(depth, "spread", (*core.MarketDepth).Spread, unit, false)
}

func bestBid(d *core.MarketDepth) (decimal.Decimal, bool) {
	q, ok := d.BestBid()
	return q.Price, ok
}

func bestAsk(d *core.MarketDepth) (decimal.Decimal, bool) {
	q, ok := d.BestAsk()
	return q.Price, ok
}

// WhenDepthBestBidPriceMore fires when the best bid of depth rises above the level
func WhenDepthBestBidPriceMore(depth *core.MarketDepth, unit core.Unit) (*rules.Rule[*core.MarketDepth], error) {
	return depthRule(depth, "best bid", bestBid, unit, true)
}

// WhenDepthBestBidPriceLess fires when the best bid of depth drops below the level
func WhenDepthBestBidPriceLess(depth *core.MarketDepth, unit core.Unit) (*rules.Rule[*core.MarketDepth], error) {
	return depthRule(depth, "best bid", bestBid, unit, false)
}

// WhenDepthBestAskPriceMore fires when the best ask of depth rises above the level
func WhenDepthBestAskPriceMore(depth *core.MarketDepth, unit core.Unit) (*rules.Rule[*core.MarketDepth], error) {
	return depthRule(depth, "best ask", bestAsk, unit, true)
}

// WhenDepthBestAskPriceLess fires when the best ask of depth drops below the level
func WhenDepthBestAskPriceLess(depth *core.MarketDepth, unit core.Unit) (*rules.Rule[*core.MarketDepth], error) {
	return depthRule(depth, "best ask", bestAsk, unit, false)
}

func depthRule(depth *core.MarketDepth, what string, value func(*core.MarketDepth) (decimal.Decimal, bool), unit core.Unit, up bool) (*rules.Rule[*core.MarketDepth], error) {
	if depth == nil {
		return nil, apperrors.ErrNilToken
	}
	level, err := threshold(unit, func() (decimal.Decimal, bool) { return value(depth) }, up)
	if err != nil {
		return nil, err
	}
	return newRule(depth, fmt.Sprintf("%s %s %s %s", depth, what, direction(up), level), nil,
		onQuotes(depth, func(d *core.MarketDepth) bool {
			v, ok := value(d)
			return ok && crossed(v, level, up)
		}),
	)
}
