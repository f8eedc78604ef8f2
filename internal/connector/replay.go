package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"market_rules/internal/core"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted market session
type Scenario struct {
	Start      time.Time       `yaml:"start"`
	Securities []SecuritySpec  `yaml:"securities"`
	Portfolios []PortfolioSpec `yaml:"portfolios"`
	Steps      []Step          `yaml:"steps"`
}

type SecuritySpec struct {
	ID     string   `yaml:"id"`
	Board  string   `yaml:"board"`
	Basket []string `yaml:"basket"`
}

type PortfolioSpec struct {
	Name  string          `yaml:"name"`
	Value decimal.Decimal `yaml:"value"`
}

// Step happens After the scenario start. Exactly one action is expected;
// a step without action only advances market time.
type Step struct {
	After            time.Duration  `yaml:"after"`
	Trade            *TradeStep     `yaml:"trade,omitempty"`
	Depth            *DepthStep     `yaml:"depth,omitempty"`
	Level1           *Level1Step    `yaml:"level1,omitempty"`
	Portfolio        *PortfolioSpec `yaml:"portfolio,omitempty"`
	Position         *PositionStep  `yaml:"position,omitempty"`
	Register         *RegisterStep  `yaml:"register,omitempty"`
	Match            *MatchStep     `yaml:"match,omitempty"`
	Cancel           *RefStep       `yaml:"cancel,omitempty"`
	Replace          *ReplaceStep   `yaml:"replace,omitempty"`
	Trigger          *TriggerStep   `yaml:"trigger,omitempty"`
	FailRegistration *FailStep      `yaml:"fail_registration,omitempty"`
	FailCancel       *FailStep      `yaml:"fail_cancel,omitempty"`
}

type TradeStep struct {
	Security string          `yaml:"security"`
	Price    decimal.Decimal `yaml:"price"`
	Volume   decimal.Decimal `yaml:"volume"`
}

type DepthStep struct {
	Security string              `yaml:"security"`
	Bids     [][]decimal.Decimal `yaml:"bids"`
	Asks     [][]decimal.Decimal `yaml:"asks"`
}

type Level1Step struct {
	Security string           `yaml:"security"`
	Bid      *decimal.Decimal `yaml:"bid,omitempty"`
	Ask      *decimal.Decimal `yaml:"ask,omitempty"`
	Last     *decimal.Decimal `yaml:"last,omitempty"`
}

type PositionStep struct {
	Portfolio string          `yaml:"portfolio"`
	Security  string          `yaml:"security"`
	Value     decimal.Decimal `yaml:"value"`
}

type RegisterStep struct {
	Ref         string          `yaml:"ref"`
	Security    string          `yaml:"security"`
	Portfolio   string          `yaml:"portfolio"`
	Side        string          `yaml:"side"`
	Price       decimal.Decimal `yaml:"price"`
	Volume      decimal.Decimal `yaml:"volume"`
	Conditional bool            `yaml:"conditional"`
}

type MatchStep struct {
	Ref    string          `yaml:"ref"`
	Volume decimal.Decimal `yaml:"volume"`
	Price  decimal.Decimal `yaml:"price"`
}

type ReplaceStep struct {
	Ref   string          `yaml:"ref"`
	Price decimal.Decimal `yaml:"price"`
}

// TriggerStep activates the conditional order Ref, registering a regular
// order under Derived
type TriggerStep struct {
	Ref     string          `yaml:"ref"`
	Derived string          `yaml:"derived"`
	Price   decimal.Decimal `yaml:"price"`
}

type RefStep struct {
	Ref string `yaml:"ref"`
}

type FailStep struct {
	Ref    string `yaml:"ref"`
	Reason string `yaml:"reason"`
}

// LoadScenario reads a YAML scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a YAML scenario
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if sc.Start.IsZero() {
		return nil, errors.New("scenario start time is required")
	}
	return &sc, nil
}

// ReplayOption configures a Replayer
type ReplayOption func(*Replayer)

// WithRegisterHook is called for every order the scenario registers, before
// it is sent to the emulator
func WithRegisterHook(fn func(ref string, order *core.Order) error) ReplayOption {
	return func(r *Replayer) { r.onRegister = fn }
}

// Replayer plays a Scenario into an Emulator, paced by a rate limiter
type Replayer struct {
	em         *Emulator
	limiter    *rate.Limiter
	logger     core.ILogger
	orders     map[string]*core.Order
	onRegister func(string, *core.Order) error
}

// NewReplayer creates a replayer. eventsPerSecond <= 0 replays unpaced.
func NewReplayer(em *Emulator, eventsPerSecond float64, logger core.ILogger, opts ...ReplayOption) *Replayer {
	limit := rate.Inf
	burst := math.MaxInt32
	if eventsPerSecond > 0 {
		limit = rate.Limit(eventsPerSecond)
		burst = 1
	}
	r := &Replayer{
		em:      em,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.WithField("component", "replayer"),
		orders:  make(map[string]*core.Order),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Order returns the order registered under ref
func (r *Replayer) Order(ref string) (*core.Order, bool) {
	o, ok := r.orders[ref]
	return o, ok
}

// Setup registers the scenario's securities and portfolios at its start time
func (r *Replayer) Setup(sc *Scenario) error {
	if err := r.em.SetTime(sc.Start); err != nil {
		return err
	}
	for _, def := range sc.Securities {
		sec := &core.Security{ID: def.ID, Board: def.Board}
		for _, id := range def.Basket {
			m, ok := r.em.Security(id)
			if !ok {
				return fmt.Errorf("basket %s: unknown security %s", def.ID, id)
			}
			sec.Basket = append(sec.Basket, m)
		}
		if err := r.em.AddSecurity(sec); err != nil {
			return err
		}
	}
	for _, def := range sc.Portfolios {
		if err := r.em.AddPortfolio(&core.Portfolio{Name: def.Name, CurrentValue: def.Value}); err != nil {
			return err
		}
	}
	return nil
}

// Run plays every step. Handler errors are logged and joined; an invalid step
// or a cancelled context stops the replay.
func (r *Replayer) Run(ctx context.Context, sc *Scenario) error {
	var handlerErrs []error
	for i, step := range sc.Steps {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.em.SetTime(sc.Start.Add(step.After)); err != nil {
			handlerErrs = append(handlerErrs, err)
		}
		if err := r.apply(step); err != nil {
			var se *stepError
			if errors.As(err, &se) {
				return fmt.Errorf("step %d: %w", i, err)
			}
			r.logger.Warn("Step handlers failed", "step", i, "error", err)
			handlerErrs = append(handlerErrs, err)
		}
	}
	r.logger.Info("Replay finished", "steps", len(sc.Steps))
	return errors.Join(handlerErrs...)
}

type stepError struct{ msg string }

func (e *stepError) Error() string { return e.msg }

func invalidStep(format string, args ...any) error {
	return &stepError{msg: fmt.Sprintf(format, args...)}
}

func (r *Replayer) security(id string) (*core.Security, error) {
	s, ok := r.em.Security(id)
	if !ok {
		return nil, invalidStep("unknown security %q", id)
	}
	return s, nil
}

func (r *Replayer) portfolio(name string) (*core.Portfolio, error) {
	p, ok := r.em.Portfolio(name)
	if !ok {
		return nil, invalidStep("unknown portfolio %q", name)
	}
	return p, nil
}

func (r *Replayer) order(ref string) (*core.Order, error) {
	o, ok := r.orders[ref]
	if !ok {
		return nil, invalidStep("unknown order ref %q", ref)
	}
	return o, nil
}

func quotes(levels [][]decimal.Decimal, side core.Side) ([]core.Quote, error) {
	out := make([]core.Quote, 0, len(levels))
	for _, l := range levels {
		if len(l) != 2 {
			return nil, invalidStep("quote must be [price, volume], got %d values", len(l))
		}
		out = append(out, core.Quote{Price: l[0], Volume: l[1], Side: side})
	}
	return out, nil
}

func (r *Replayer) apply(step Step) error {
	switch {
	case step.Trade != nil:
		sec, err := r.security(step.Trade.Security)
		if err != nil {
			return err
		}
		return r.em.AddTrades(&core.Trade{Security: sec, Price: step.Trade.Price, Volume: step.Trade.Volume})

	case step.Depth != nil:
		sec, err := r.security(step.Depth.Security)
		if err != nil {
			return err
		}
		bids, err := quotes(step.Depth.Bids, core.Buy)
		if err != nil {
			return err
		}
		asks, err := quotes(step.Depth.Asks, core.Sell)
		if err != nil {
			return err
		}
		return r.em.UpdateDepth(sec, bids, asks)

	case step.Level1 != nil:
		sec, err := r.security(step.Level1.Security)
		if err != nil {
			return err
		}
		values := make(map[core.Level1Field]decimal.Decimal)
		if step.Level1.Bid != nil {
			values[core.BestBidPrice] = *step.Level1.Bid
		}
		if step.Level1.Ask != nil {
			values[core.BestAskPrice] = *step.Level1.Ask
		}
		if step.Level1.Last != nil {
			values[core.LastTradePrice] = *step.Level1.Last
		}
		return r.em.UpdateLevel1(sec, values)

	case step.Portfolio != nil:
		p, err := r.portfolio(step.Portfolio.Name)
		if err != nil {
			return err
		}
		return r.em.UpdatePortfolio(p, step.Portfolio.Value)

	case step.Position != nil:
		p, err := r.portfolio(step.Position.Portfolio)
		if err != nil {
			return err
		}
		sec, err := r.security(step.Position.Security)
		if err != nil {
			return err
		}
		return r.em.UpdatePosition(r.em.Position(p, sec), step.Position.Value)

	case step.Register != nil:
		return r.register(step.Register)

	case step.Match != nil:
		o, err := r.order(step.Match.Ref)
		if err != nil {
			return err
		}
		return r.em.Match(o, step.Match.Volume, step.Match.Price)

	case step.Cancel != nil:
		o, err := r.order(step.Cancel.Ref)
		if err != nil {
			return err
		}
		return r.em.Cancel(o)

	case step.Replace != nil:
		o, err := r.order(step.Replace.Ref)
		if err != nil {
			return err
		}
		return r.em.Replace(o, step.Replace.Price)

	case step.Trigger != nil:
		return r.trigger(step.Trigger)

	case step.FailRegistration != nil:
		o, err := r.order(step.FailRegistration.Ref)
		if err != nil {
			return err
		}
		return r.em.FailRegistration(o, errors.New(step.FailRegistration.Reason))

	case step.FailCancel != nil:
		o, err := r.order(step.FailCancel.Ref)
		if err != nil {
			return err
		}
		return r.em.FailCancel(o, errors.New(step.FailCancel.Reason))
	}
	return nil
}

func (r *Replayer) register(s *RegisterStep) error {
	if s.Ref == "" {
		return invalidStep("register step needs a ref")
	}
	if _, dup := r.orders[s.Ref]; dup {
		return invalidStep("duplicate order ref %q", s.Ref)
	}
	sec, err := r.security(s.Security)
	if err != nil {
		return err
	}
	p, err := r.portfolio(s.Portfolio)
	if err != nil {
		return err
	}

	side := core.Buy
	switch s.Side {
	case "", "buy", "BUY":
	case "sell", "SELL":
		side = core.Sell
	default:
		return invalidStep("unknown side %q", s.Side)
	}
	typ := core.OrderLimit
	if s.Conditional {
		typ = core.OrderConditional
	}

	o := &core.Order{
		Security:  sec,
		Portfolio: p,
		Side:      side,
		Type:      typ,
		Price:     s.Price,
		Volume:    s.Volume,
		State:     core.OrderPending,
	}
	r.orders[s.Ref] = o

	if r.onRegister != nil {
		if err := r.onRegister(s.Ref, o); err != nil {
			return err
		}
	}
	return r.em.RegisterOrder(o)
}

func (r *Replayer) trigger(s *TriggerStep) error {
	stop, err := r.order(s.Ref)
	if err != nil {
		return err
	}
	if s.Derived == "" {
		return invalidStep("trigger step needs a derived ref")
	}
	if _, dup := r.orders[s.Derived]; dup {
		return invalidStep("duplicate order ref %q", s.Derived)
	}
	derived := &core.Order{
		Security:  stop.Security,
		Portfolio: stop.Portfolio,
		Side:      stop.Side,
		Type:      core.OrderLimit,
		Price:     s.Price,
		Volume:    stop.Volume,
		State:     core.OrderPending,
	}
	r.orders[s.Derived] = derived
	return r.em.Trigger(stop, derived)
}
