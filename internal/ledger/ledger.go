// Package ledger accumulates closed trades and equity points and
// computes the locked aggregate formulas of spec.md §4.8.
package ledger

import (
	"math"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Trade is one closed position row, the unit the trades.parquet artifact
// is built from.
type Trade struct {
	Symbol           string    `parquet:"symbol"`
	Playbook         string    `parquet:"playbook"`
	Kind             string    `parquet:"kind"`
	Direction        string    `parquet:"direction"`
	EntryTs          time.Time `parquet:"entry_ts,timestamp"`
	ExitTs           time.Time `parquet:"exit_ts,timestamp"`
	ExitReason       string    `parquet:"exit_reason"`
	Shares           int       `parquet:"shares"`
	Outcome          string    `parquet:"outcome"`
	RiskTier         string    `parquet:"risk_tier"`
	PnLNetDollars    float64   `parquet:"pnl_net_dollars"`
	PnLGrossDollars  float64   `parquet:"pnl_gross_dollars"`
	RMultiple        float64   `parquet:"r_multiple"`
	PnLGrossR        float64   `parquet:"pnl_gross_r"`
	RMultipleAccount float64   `parquet:"r_multiple_account"`
	EntryCommission  float64   `parquet:"entry_commission"`
	EntryRegFees     float64   `parquet:"entry_reg_fees"`
	EntrySlippage    float64   `parquet:"entry_slippage"`
	EntrySpreadCost  float64   `parquet:"entry_spread_cost"`
	ExitCommission   float64   `parquet:"exit_commission"`
	ExitRegFees      float64   `parquet:"exit_reg_fees"`
	ExitSlippage     float64   `parquet:"exit_slippage"`
	ExitSpreadCost   float64   `parquet:"exit_spread_cost"`
	TotalCosts       float64   `parquet:"total_costs"`
	DayType          string    `parquet:"day_type"`
	DailyStructure   string    `parquet:"daily_structure"`
}

// breakevenEpsilon treats near-zero R as breakeven rather than letting
// float noise tip a flat trade either way (used by Compute, independent
// of the Trade.Outcome field a caller stamps at close time).
const breakevenEpsilon = 1e-9

// EquityPoint is one row of the equity curve, emitted at least on every
// trade close (spec.md §4.8).
type EquityPoint struct {
	Ts           time.Time `parquet:"ts,timestamp"`
	EquityRNet   float64   `parquet:"equity_r_net"`
	EquityRGross float64   `parquet:"equity_r_gross"`
}

type Ledger struct {
	Trades []Trade
	Equity []EquityPoint

	cumNetR   float64
	cumGrossR float64
}

func New() *Ledger { return &Ledger{} }

// RecordTrade appends a closed trade and an equity point reflecting it.
func (l *Ledger) RecordTrade(t Trade, ts time.Time, baseRiskPct float64) {
	l.Trades = append(l.Trades, t)
	l.cumNetR += t.RMultiple
	// gross R uses the same risk denominator as RMultiple but on gross PnL.
	grossR := 0.0
	if t.PnLNetDollars != 0 {
		grossR = t.RMultiple * (t.PnLGrossDollars / t.PnLNetDollars)
	}
	l.cumGrossR += grossR
	l.Equity = append(l.Equity, EquityPoint{Ts: ts, EquityRNet: l.cumNetR, EquityRGross: l.cumGrossR})
}

// RecordBarMark appends an equity point without closing a trade, for
// configurations that want a point on every bar.
func (l *Ledger) RecordBarMark(ts time.Time) {
	l.Equity = append(l.Equity, EquityPoint{Ts: ts, EquityRNet: l.cumNetR, EquityRGross: l.cumGrossR})
}

// Metrics holds the locked aggregate formulas computed once on net and
// once on gross R-multiples (spec.md §4.8).
type Metrics struct {
	ProfitFactor   float64
	ExpectancyR    float64
	MaxDrawdownR   float64
	Winrate        float64
	Trades         int
	Wins           int
	Losses         int
	Breakevens     int
}

// Compute derives Metrics over rMultiples in the order they closed.
// BE trades are included in expectancy but excluded from both the
// profit-factor ratio and the winrate denominator.
func Compute(rMultiples []float64) Metrics {
	var m Metrics
	var grossProfit, grossLoss, sum float64
	var peak, maxDD, running float64
	for _, r := range rMultiples {
		m.Trades++
		sum += r
		switch {
		case r > breakevenEpsilon:
			m.Wins++
			grossProfit += r
		case r < -breakevenEpsilon:
			m.Losses++
			grossLoss += -r
		default:
			m.Breakevens++
		}
		running += r
		if running > peak {
			peak = running
		}
		if dd := peak - running; dd > maxDD {
			maxDD = dd
		}
	}
	if m.Trades > 0 {
		m.ExpectancyR = sum / float64(m.Trades)
	}
	if m.Wins+m.Losses > 0 {
		m.Winrate = float64(m.Wins) / float64(m.Wins+m.Losses)
	}
	switch {
	case grossLoss == 0 && grossProfit > 0:
		m.ProfitFactor = math.Inf(1)
	case grossLoss == 0:
		m.ProfitFactor = math.NaN()
	default:
		m.ProfitFactor = grossProfit / grossLoss
	}
	m.MaxDrawdownR = maxDD
	return m
}

// NetMetrics and GrossMetrics compute Metrics over a trade slice's net
// and gross R-multiples respectively, for the dual net-vs-gross
// reporting spec.md §4.8 requires.
func NetMetrics(trades []Trade) Metrics {
	rs := make([]float64, len(trades))
	for i, t := range trades {
		rs[i] = t.RMultiple
	}
	return Compute(rs)
}

func GrossMetrics(trades []Trade) Metrics {
	rs := make([]float64, len(trades))
	for i, t := range trades {
		if t.PnLNetDollars == 0 {
			continue
		}
		rs[i] = t.RMultiple * (t.PnLGrossDollars / t.PnLNetDollars)
	}
	return Compute(rs)
}

// ByPlaybook groups trades for the per-playbook aggregate slices spec.md
// §4.8 requires.
func ByPlaybook(trades []Trade) map[string][]Trade {
	out := make(map[string][]Trade)
	for _, t := range trades {
		out[t.Playbook] = append(out[t.Playbook], t)
	}
	return out
}

// ByDay groups trades by their exit day (ET calendar day is the caller's
// responsibility to have already stamped via ExitTs).
func ByDay(trades []Trade) map[string][]Trade {
	out := make(map[string][]Trade)
	for _, t := range trades {
		day := t.ExitTs.Format("2006-01-02")
		out[day] = append(out[day], t)
	}
	return out
}

// WriteTrades and WriteEquity persist the ledger's artifacts per
// spec.md §4.9's job directory layout, reusing the Bar package's
// columnar writer idiom.
func WriteTrades(path string, trades []Trade) error {
	return writeParquet(path, trades)
}

func WriteEquity(path string, points []EquityPoint) error {
	return writeParquet(path, points)
}

func writeParquet[T any](path string, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		return err
	}
	return w.Close()
}
