// Package strategy holds trading strategies built on market rules
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market_rules/internal/alert"
	"market_rules/internal/core"
	"market_rules/internal/marketrule"
	"market_rules/internal/rules"

	"github.com/shopspring/decimal"
)

// OrderRouter sends orders to the market
type OrderRouter interface {
	RegisterOrder(order *core.Order) error
}

// Alerter notifies humans
type Alerter interface {
	Alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string)
}

// BracketConfig sets the exit levels around the entry price
type BracketConfig struct {
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
	// ExitAfter closes the position at market time entry+ExitAfter; zero disables it
	ExitAfter time.Duration
	// MinPortfolio raises a critical alert when the portfolio value drops below it
	MinPortfolio decimal.Decimal
}

// ExitReason tells which leg closed a position
type ExitReason string

const (
	ExitTakeProfit ExitReason = "take_profit"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTimeout    ExitReason = "timeout"
)

// Position is a bracketed entry and, once a leg fired, its exit order
type Position struct {
	Entry  *core.Order
	Volume decimal.Decimal
	TP, SL decimal.Decimal
	Exit   *core.Order
	Reason ExitReason
	Closed bool
}

// BracketWatcher puts a take-profit/stop-loss bracket around every filled entry order
type BracketWatcher struct {
	conn      core.IConnector
	router    OrderRouter
	container rules.IContainer
	alerts    Alerter
	cfg       BracketConfig
	logger    core.ILogger

	mu        sync.Mutex
	positions map[*core.Order]*Position
}

func NewBracketWatcher(
	conn core.IConnector,
	router OrderRouter,
	container rules.IContainer,
	alerts Alerter,
	cfg BracketConfig,
	logger core.ILogger,
) *BracketWatcher {
	return &BracketWatcher{
		conn:      conn,
		router:    router,
		container: container,
		alerts:    alerts,
		cfg:       cfg,
		logger:    logger.WithField("component", "bracket_watcher"),
		positions: make(map[*core.Order]*Position),
	}
}

// Position returns the bracket opened for entry
func (w *BracketWatcher) Position(entry *core.Order) (*Position, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.positions[entry]
	return p, ok
}

// Watch brackets entry once it is fully matched. An entry canceled after a
// partial fill is bracketed for the matched volume.
func (w *BracketWatcher) Watch(entry *core.Order) error {
	matched, err := marketrule.WhenMatched(w.conn, entry)
	if err != nil {
		return fmt.Errorf("entry matched rule: %w", err)
	}
	canceled, err := marketrule.WhenCanceled(w.conn, entry)
	if err != nil {
		matched.Dispose()
		return fmt.Errorf("entry canceled rule: %w", err)
	}

	matched.UpdateName("entry filled").DoErr(func(o *core.Order) error {
		return w.open(o, o.Volume)
	})
	canceled.UpdateName("entry canceled").DoErr(func(o *core.Order) error {
		filled := o.Matched()
		if !filled.IsPositive() {
			w.logger.Info("Entry canceled unfilled", "order", o.String())
			return nil
		}
		return w.open(o, filled)
	})

	if err := rules.Exclusive(matched, canceled); err != nil {
		return err
	}
	if _, err := rules.ApplyTo(w.container, matched); err != nil {
		canceled.Dispose()
		return err
	}
	if _, err := rules.ApplyTo(w.container, canceled); err != nil {
		rules.TryRemoveRule(matched, false)
		return err
	}
	w.logger.Info("Watching entry order", "order", entry.String())
	return nil
}

func (w *BracketWatcher) levels(entry *core.Order) (tp, sl decimal.Decimal) {
	if entry.Side == core.Buy {
		return entry.Price.Add(w.cfg.TakeProfit), entry.Price.Sub(w.cfg.StopLoss)
	}
	return entry.Price.Sub(w.cfg.TakeProfit), entry.Price.Add(w.cfg.StopLoss)
}

func (w *BracketWatcher) open(entry *core.Order, volume decimal.Decimal) error {
	tpLevel, slLevel := w.levels(entry)
	pos := &Position{Entry: entry, Volume: volume, TP: tpLevel, SL: slLevel}

	var (
		tp, sl *rules.Rule[decimal.Decimal]
		err    error
	)
	if entry.Side == core.Buy {
		tp, err = marketrule.WhenLastTradePriceMore(w.conn, entry.Security, core.Absolute(tpLevel))
		if err == nil {
			sl, err = marketrule.WhenLastTradePriceLess(w.conn, entry.Security, core.Absolute(slLevel))
		}
	} else {
		tp, err = marketrule.WhenLastTradePriceLess(w.conn, entry.Security, core.Absolute(tpLevel))
		if err == nil {
			sl, err = marketrule.WhenLastTradePriceMore(w.conn, entry.Security, core.Absolute(slLevel))
		}
	}
	if err != nil {
		if tp != nil {
			tp.Dispose()
		}
		return fmt.Errorf("bracket levels tp=%s sl=%s: %w", tpLevel, slLevel, err)
	}
	tp.UpdateName("take profit " + tpLevel.String())
	sl.UpdateName("stop loss " + slLevel.String())

	bracket, err := rules.OrOf(tp, sl)
	if err != nil {
		tp.Dispose()
		sl.Dispose()
		return err
	}
	bracket.DoErr(func(price decimal.Decimal) error {
		reason := ExitStopLoss
		if crossedTP := price.Sub(tpLevel).Mul(sideSign(entry.Side)); !crossedTP.IsNegative() {
			reason = ExitTakeProfit
		}
		return w.close(pos, reason, price)
	})

	var timeout *rules.Rule[time.Time]
	// discard undoes a half opened bracket
	discard := func(err error) error {
		dropRule(w.container, bracket)
		if timeout != nil {
			dropRule(w.container, timeout)
		}
		w.mu.Lock()
		delete(w.positions, entry)
		w.mu.Unlock()
		return err
	}

	if w.cfg.ExitAfter > 0 {
		timeout, err = marketrule.WhenTimeCome(w.conn, w.conn.CurrentTime().Add(w.cfg.ExitAfter))
		if err != nil {
			return discard(err)
		}
		timeout.UpdateName("holding time").Once().DoErr(func(time.Time) error {
			price, ok := w.conn.GetSecurityValue(entry.Security, core.LastTradePrice)
			if !ok {
				price = entry.Price
			}
			return w.close(pos, ExitTimeout, price)
		})
		if err := rules.Exclusive(bracket, timeout); err != nil {
			return discard(err)
		}
	}

	w.mu.Lock()
	w.positions[entry] = pos
	w.mu.Unlock()

	if _, err := rules.ApplyTo(w.container, bracket); err != nil {
		return discard(err)
	}
	if timeout != nil {
		if _, err := rules.ApplyTo(w.container, timeout); err != nil {
			return discard(err)
		}
	}

	w.logger.Info("Bracket opened",
		"order", entry.String(),
		"volume", volume.String(),
		"take_profit", tpLevel.String(),
		"stop_loss", slLevel.String(),
		"exit_after", w.cfg.ExitAfter,
	)
	return nil
}

// dropRule removes rule from c, or just disposes it when it never got there
func dropRule(c rules.IContainer, rule rules.IRule) {
	if !c.RemoveRule(rule) {
		rule.Dispose()
	}
}

func sideSign(s core.Side) decimal.Decimal {
	if s == core.Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (w *BracketWatcher) close(pos *Position, reason ExitReason, price decimal.Decimal) error {
	entry := pos.Entry
	exit := &core.Order{
		Security:  entry.Security,
		Portfolio: entry.Portfolio,
		Side:      entry.Side.Opposite(),
		Price:     price,
		Volume:    pos.Volume,
	}

	// subscribe before registering so a synchronous fill is not missed
	filled, err := marketrule.WhenMatched(w.conn, exit)
	if err != nil {
		return err
	}
	filled.UpdateName("exit filled").Do(func(o *core.Order) {
		w.settle(pos, o)
	})
	if _, err := rules.ApplyTo(w.container, filled); err != nil {
		return err
	}

	w.mu.Lock()
	pos.Exit = exit
	pos.Reason = reason
	w.mu.Unlock()

	if err := w.router.RegisterOrder(exit); err != nil {
		rules.TryRemoveRule(filled, false)
		return fmt.Errorf("exit order: %w", err)
	}

	w.logger.Info("Bracket exit sent", "reason", string(reason), "price", price.String(), "order", exit.String())
	if reason == ExitStopLoss {
		w.alerts.Alert(context.Background(), "Stop loss hit",
			fmt.Sprintf("%s stopped out at %s", entry.Security, price),
			alert.Warning,
			map[string]string{"entry": entry.String(), "exit_price": price.String()},
		)
	}
	return nil
}

func (w *BracketWatcher) settle(pos *Position, exit *core.Order) {
	w.mu.Lock()
	pos.Closed = true
	w.mu.Unlock()

	pnl := exit.Price.Sub(pos.Entry.Price).Mul(pos.Volume).Mul(sideSign(pos.Entry.Side))
	w.logger.Info("Bracket closed", "reason", string(pos.Reason), "pnl", pnl.String())
}

// GuardPortfolio raises a critical alert the first time the portfolio value
// drops below the configured floor. A zero floor disables the guard.
func (w *BracketWatcher) GuardPortfolio(portfolio *core.Portfolio) error {
	if !w.cfg.MinPortfolio.IsPositive() {
		return nil
	}
	floor, err := marketrule.WhenMoneyLess(w.conn, portfolio, core.Absolute(w.cfg.MinPortfolio))
	if err != nil {
		return fmt.Errorf("portfolio floor rule: %w", err)
	}
	floor.UpdateName("portfolio floor").Once().Do(func(p *core.Portfolio) {
		w.alerts.Alert(context.Background(), "Portfolio below floor",
			fmt.Sprintf("portfolio %s value %s is below %s", p.Name, p.CurrentValue, w.cfg.MinPortfolio),
			alert.Critical,
			map[string]string{"portfolio": p.Name, "floor": w.cfg.MinPortfolio.String()},
		)
	})
	_, err = rules.ApplyTo(w.container, floor)
	return err
}
