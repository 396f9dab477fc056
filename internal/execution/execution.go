// Package execution simulates the position lifecycle and cost model of
// spec.md §4.7: fills, stop/target/time/session exits, and commission,
// regulatory fee, slippage and spread charges per leg.
package execution

import (
	"math"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
	"github.com/dexterio/backtest/internal/marketstate"
	"github.com/dexterio/backtest/internal/setup"
)

type State string

const (
	StateWorking State = "working"
	StateClosed  State = "closed"
)

type ExitReason string

const (
	ExitStop        ExitReason = "stop"
	ExitTP1         ExitReason = "tp1"
	ExitTP2         ExitReason = "tp2"
	ExitTimeStop    ExitReason = "time_stop"
	ExitSessionClose ExitReason = "session_close"
)

type CommissionModel string

const (
	CommissionIBKRFixed  CommissionModel = "ibkr_fixed"
	CommissionIBKRTiered CommissionModel = "ibkr_tiered"
	CommissionNone       CommissionModel = "none"
)

type SlippageModel string

const (
	SlippagePct   SlippageModel = "pct"
	SlippageTicks SlippageModel = "ticks"
	SlippageNone  SlippageModel = "none"
)

type SpreadModel string

const (
	SpreadFixedBps SpreadModel = "fixed_bps"
	SpreadNone     SpreadModel = "none"
)

type CostConfig struct {
	Commission     CommissionModel
	SlippageModel  SlippageModel
	SlippagePct    float64
	TickSize       float64
	SlippageTicks  float64
	SpreadModel    SpreadModel
	SpreadBps      float64
	DisableRegFees bool
}

func DefaultCostConfig() CostConfig {
	return CostConfig{
		Commission:    CommissionIBKRFixed,
		SlippageModel: SlippagePct,
		SlippagePct:   0.0005,
		SpreadModel:   SpreadFixedBps,
		SpreadBps:     2,
	}
}

const (
	secFeeRate      = 5.10e-6
	finraTAFPerShare = 0.000145
	finraTAFCap      = 7.27
)

func commission(model CommissionModel, shares int) float64 {
	switch model {
	case CommissionIBKRFixed:
		return math.Max(1, float64(shares)*0.005)
	case CommissionIBKRTiered:
		return math.Max(1, float64(shares)*0.0035)
	default:
		return 0
	}
}

// regFees applies only to the sell leg (close of long, open of short),
// per spec.md §4.7.
func regFees(shares int, fillPrice float64) float64 {
	notional := float64(shares) * fillPrice
	taf := math.Min(float64(shares)*finraTAFPerShare, finraTAFCap)
	return notional*secFeeRate + taf
}

func slippage(cfg CostConfig, shares int, fillPrice float64, adverse bool) float64 {
	sign := 1.0
	if !adverse {
		sign = -1.0
	}
	switch cfg.SlippageModel {
	case SlippagePct:
		return sign * fillPrice * cfg.SlippagePct * float64(shares)
	case SlippageTicks:
		return sign * float64(shares) * cfg.TickSize * cfg.SlippageTicks
	default:
		return 0
	}
}

func spreadCost(cfg CostConfig, shares int, fillPrice float64) float64 {
	if cfg.SpreadModel != SpreadFixedBps {
		return 0
	}
	notional := float64(shares) * fillPrice
	return notional * cfg.SpreadBps * 1e-4 * 0.5
}

// Leg is one fill (entry or a partial/full exit).
type Leg struct {
	Ts         time.Time
	Price      float64
	Shares     int
	IsSell     bool
	Commission float64
	RegFees    float64
	Slippage   float64
	Spread     float64
}

// Cost is the leg's total charge: commission + regulatory fees +
// slippage + half-spread.
func (l Leg) Cost() float64 { return l.Commission + l.RegFees + l.Slippage + l.Spread }

// buildLeg prices one fill, applying the adverse-signed slippage and
// half-spread per spec.md §4.7. isSell marks the closing leg of a long
// or the opening leg of a short (where reg fees apply).
func buildLeg(cfg CostConfig, ts time.Time, price float64, shares int, isSell bool) Leg {
	l := Leg{Ts: ts, Price: price, Shares: shares, IsSell: isSell}
	l.Commission = commission(cfg.Commission, shares)
	if isSell && !cfg.DisableRegFees {
		l.RegFees = regFees(shares, price)
	}
	l.Slippage = slippage(cfg, shares, price, true)
	l.Spread = spreadCost(cfg, shares, price)
	return l
}

type Position struct {
	Symbol         string
	Setup          setup.Setup
	State          State
	Shares         int
	RemainingShares int
	Stop           float64
	EntryLeg       Leg
	ExitLegs       []Leg
	EntryTs        time.Time
	BreakevenMoved bool
	ExitReason     ExitReason

	RiskDollars float64

	// RiskTier is the risk-state tier in effect when the position was
	// opened (set by the caller, which owns the risk.State); empty
	// until the caller stamps it.
	RiskTier string
}

// Open creates a Position and books the entry fill at the fillPrice and
// fillTs the caller supplies.
func Open(s setup.Setup, shares int, fillPrice float64, fillTs time.Time, cfg CostConfig) *Position {
	isSell := s.Direction == setup.DirShort // opening a short sells first
	entry := buildLeg(cfg, fillTs, fillPrice, shares, isSell)
	return &Position{
		Symbol:          s.Symbol,
		Setup:           s,
		State:           StateWorking,
		Shares:          shares,
		RemainingShares: shares,
		Stop:            s.Stop,
		EntryLeg:        entry,
		EntryTs:         fillTs,
		RiskDollars:     float64(shares) * math.Abs(fillPrice-s.Stop),
	}
}

// MaxDuration returns the configured maximum hold time for a setup's kind
// (spec.md §4.7: SCALP <=30m, DAYTRADE <= end of ny_pm session).
func MaxDuration(kind string) time.Duration {
	if kind == "SCALP" {
		return 30 * time.Minute
	}
	return 0 // DAYTRADE: bounded by session transition, not a fixed duration
}

// EvaluateBar applies one bar's stop/target/time/session exit checks to
// an open position, in the priority order of spec.md §4.7. It returns
// true once the position is fully closed.
func EvaluateBar(p *Position, bar aggregator.Bar, session marketstate.Session, cfg CostConfig, partialTP1Pct float64) bool {
	if p.State == StateClosed {
		return true
	}
	long := p.Setup.Direction != setup.DirShort

	stopTouched, targetTouched := false, false
	if long {
		stopTouched = bar.Low <= p.Stop
		targetTouched = bar.High >= p.Setup.TP1
	} else {
		stopTouched = bar.High >= p.Stop
		targetTouched = bar.Low <= p.Setup.TP1
	}

	if stopTouched && targetTouched {
		adverseFirst := bar.Close < bar.Open
		if !long {
			adverseFirst = bar.Close > bar.Open
		}
		if bar.Close == bar.Open {
			adverseFirst = true
		}
		if adverseFirst {
			targetTouched = false
		} else {
			stopTouched = false
		}
	}

	if stopTouched {
		closeAll(p, p.Stop, bar.Ts, cfg, ExitStop)
		return true
	}
	if targetTouched && !p.BreakevenMoved {
		closePartial(p, p.Setup.TP1, bar.Ts, cfg, partialTP1Pct)
		p.Stop = p.Setup.Entry
		p.BreakevenMoved = true
		if p.RemainingShares == 0 {
			p.State = StateClosed
			return true
		}
		return false
	}

	tp2Touched := false
	if long {
		tp2Touched = bar.High >= p.Setup.TP2
	} else {
		tp2Touched = bar.Low <= p.Setup.TP2
	}
	if tp2Touched {
		closeAll(p, p.Setup.TP2, bar.Ts, cfg, ExitTP2)
		return true
	}

	maxDur := MaxDuration(string(p.Setup.Kind))
	if maxDur > 0 && bar.Ts.Sub(p.EntryTs) >= maxDur {
		closeAll(p, bar.Close, bar.Ts, cfg, ExitTimeStop)
		return true
	}
	if session == marketstate.SessionOff {
		closeAll(p, bar.Close, bar.Ts, cfg, ExitSessionClose)
		return true
	}
	return false
}

func closePartial(p *Position, price float64, ts time.Time, cfg CostConfig, pct float64) {
	shares := int(math.Round(float64(p.Shares) * pct))
	if shares <= 0 || shares > p.RemainingShares {
		shares = p.RemainingShares
	}
	isSell := p.Setup.Direction != setup.DirShort
	leg := buildLeg(cfg, ts, price, shares, isSell)
	p.ExitLegs = append(p.ExitLegs, leg)
	p.RemainingShares -= shares
}

func closeAll(p *Position, price float64, ts time.Time, cfg CostConfig, reason ExitReason) {
	if p.RemainingShares > 0 {
		isSell := p.Setup.Direction != setup.DirShort
		leg := buildLeg(cfg, ts, price, p.RemainingShares, isSell)
		p.ExitLegs = append(p.ExitLegs, leg)
		p.RemainingShares = 0
	}
	p.State = StateClosed
	p.ExitReason = reason
}

// NetPnL sums every leg's signed cash flow minus costs.
func (p *Position) NetPnL() float64 {
	sign := 1.0
	if p.Setup.Direction == setup.DirShort {
		sign = -1.0
	}
	net := -sign * p.EntryLeg.Price * float64(p.EntryLeg.Shares)
	net -= p.EntryLeg.Cost()
	for _, l := range p.ExitLegs {
		net += sign * l.Price * float64(l.Shares)
		net -= l.Cost()
	}
	return net
}

// ExitCosts sums the commission/reg-fee/slippage/spread components across
// every exit leg (a position may have closed in more than one fill via
// the TP1 partial).
func (p *Position) ExitCosts() (commission, regFees, slippage, spread float64) {
	for _, l := range p.ExitLegs {
		commission += l.Commission
		regFees += l.RegFees
		slippage += l.Slippage
		spread += l.Spread
	}
	return
}

// TotalCosts is every cost leg charged against the position: the entry
// fill plus every exit fill. NetPnL() == GrossPnL() - TotalCosts() by
// construction (spec.md §4.8's pnl_net_$ == pnl_gross_$ - total_costs
// invariant).
func (p *Position) TotalCosts() float64 {
	c, r, s, sp := p.ExitCosts()
	return p.EntryLeg.Cost() + c + r + s + sp
}

// GrossPnL sums price movement only, ignoring all cost legs.
func (p *Position) GrossPnL() float64 {
	sign := 1.0
	if p.Setup.Direction == setup.DirShort {
		sign = -1.0
	}
	gross := -sign * p.EntryLeg.Price * float64(p.EntryLeg.Shares)
	for _, l := range p.ExitLegs {
		gross += sign * l.Price * float64(l.Shares)
	}
	return gross
}

// RMultiple is pnl_net_$ / risk_$ per spec.md §4.7.
func (p *Position) RMultiple() float64 {
	if p.RiskDollars <= 0 {
		return 0
	}
	return p.NetPnL() / p.RiskDollars
}

// GrossRMultiple is pnl_gross_$ / risk_$, the cost-free counterpart of
// RMultiple used for the dual net-vs-gross reporting spec.md §4.8 requires.
func (p *Position) GrossRMultiple() float64 {
	if p.RiskDollars <= 0 {
		return 0
	}
	return p.GrossPnL() / p.RiskDollars
}

// RMultipleAccount is the distinct pnl_R_account normalization.
func (p *Position) RMultipleAccount(initialCapital, baseRiskPct float64) float64 {
	denom := initialCapital * baseRiskPct
	if denom <= 0 {
		return 0
	}
	return p.NetPnL() / denom
}
