package execution

import (
	"testing"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
	"github.com/dexterio/backtest/internal/marketstate"
	"github.com/dexterio/backtest/internal/playbook"
	"github.com/dexterio/backtest/internal/setup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkBar(ts time.Time, o, h, l, c float64) aggregator.Bar {
	return aggregator.Bar{Ts: ts, Open: o, High: h, Low: l, Close: c, Volume: 100}
}

func longSetup() setup.Setup {
	return setup.Setup{
		Symbol: "SPY", Direction: setup.DirLong, Kind: playbook.KindDaytrade,
		Entry: 100, Stop: 99, TP1: 102, TP2: 104,
	}
}

func TestOpenBooksEntryCommission(t *testing.T) {
	s := longSetup()
	ts := time.Now().UTC()
	pos := Open(s, 100, 100, ts, DefaultCostConfig())
	assert.Equal(t, 100, pos.Shares)
	assert.InDelta(t, 100.0, pos.RiskDollars, 1e-9)
	assert.Greater(t, pos.EntryLeg.Commission, 0.0)
	assert.Equal(t, 0.0, pos.EntryLeg.RegFees, "entry leg of a long is a buy, no reg fees")
}

func TestEvaluateBarStopCloses(t *testing.T) {
	s := longSetup()
	ts := time.Now().UTC()
	pos := Open(s, 100, 100, ts, DefaultCostConfig())
	bar := mkBar(ts.Add(time.Minute), 99.5, 99.6, 98.5, 98.9)
	closed := EvaluateBar(pos, bar, marketstate.SessionNYAM, DefaultCostConfig(), 0.5)
	require.True(t, closed)
	assert.Equal(t, ExitStop, pos.ExitReason)
	assert.Equal(t, 0, pos.RemainingShares)
}

func TestEvaluateBarTP1PartialThenBreakeven(t *testing.T) {
	s := longSetup()
	ts := time.Now().UTC()
	pos := Open(s, 100, 100, ts, DefaultCostConfig())
	bar := mkBar(ts.Add(time.Minute), 100.5, 102.5, 100.2, 102.1)
	closed := EvaluateBar(pos, bar, marketstate.SessionNYAM, DefaultCostConfig(), 0.5)
	require.False(t, closed)
	assert.Equal(t, 50, pos.RemainingShares)
	assert.Equal(t, 100.0, pos.Stop, "stop moves to breakeven after tp1 partial")
	assert.True(t, pos.BreakevenMoved)
}

func TestEvaluateBarTP2ClosesRemainder(t *testing.T) {
	s := longSetup()
	ts := time.Now().UTC()
	pos := Open(s, 100, 100, ts, DefaultCostConfig())
	bar1 := mkBar(ts.Add(time.Minute), 100.5, 102.5, 100.2, 102.1)
	EvaluateBar(pos, bar1, marketstate.SessionNYAM, DefaultCostConfig(), 0.5)
	bar2 := mkBar(ts.Add(2*time.Minute), 102.5, 104.5, 102.4, 104.2)
	closed := EvaluateBar(pos, bar2, marketstate.SessionNYAM, DefaultCostConfig(), 0.5)
	require.True(t, closed)
	assert.Equal(t, ExitTP2, pos.ExitReason)
	assert.Equal(t, 0, pos.RemainingShares)
}

func TestEvaluateBarAdverseFirstOnDownCloseBar(t *testing.T) {
	s := longSetup()
	ts := time.Now().UTC()
	pos := Open(s, 100, 100, ts, DefaultCostConfig())
	// both stop (99) and tp1 (102) touched within the bar; bar closed
	// below its open, so adverse-first applies: stop wins.
	bar := mkBar(ts.Add(time.Minute), 101, 103, 98.5, 99.5)
	closed := EvaluateBar(pos, bar, marketstate.SessionNYAM, DefaultCostConfig(), 0.5)
	require.True(t, closed)
	assert.Equal(t, ExitStop, pos.ExitReason)
}

func TestEvaluateBarSessionCloseExitsWorkingPosition(t *testing.T) {
	s := longSetup()
	ts := time.Now().UTC()
	pos := Open(s, 100, 100, ts, DefaultCostConfig())
	bar := mkBar(ts.Add(time.Minute), 100.2, 100.4, 100.1, 100.3)
	closed := EvaluateBar(pos, bar, marketstate.SessionOff, DefaultCostConfig(), 0.5)
	require.True(t, closed)
	assert.Equal(t, ExitSessionClose, pos.ExitReason)
}

func TestEvaluateBarTimeStopForScalp(t *testing.T) {
	s := longSetup()
	s.Kind = playbook.KindScalp
	ts := time.Now().UTC()
	pos := Open(s, 100, 100, ts, DefaultCostConfig())
	bar := mkBar(ts.Add(31*time.Minute), 100.2, 100.4, 100.1, 100.3)
	closed := EvaluateBar(pos, bar, marketstate.SessionNYAM, DefaultCostConfig(), 0.5)
	require.True(t, closed)
	assert.Equal(t, ExitTimeStop, pos.ExitReason)
}

func TestRMultipleAndNetPnL(t *testing.T) {
	s := longSetup()
	ts := time.Now().UTC()
	cfg := CostConfig{Commission: CommissionNone, SlippageModel: SlippageNone, SpreadModel: SpreadNone}
	pos := Open(s, 100, 100, ts, cfg)
	bar := mkBar(ts.Add(time.Minute), 104, 104.5, 103.9, 104.2)
	closeAll(pos, 104, bar.Ts, cfg, ExitTP2)
	assert.InDelta(t, 400.0, pos.NetPnL(), 1e-6)
	assert.InDelta(t, 4.0, pos.RMultiple(), 1e-6)
}

func TestTotalCostsMatchesNetGrossInvariant(t *testing.T) {
	s := longSetup()
	ts := time.Now().UTC()
	cfg := DefaultCostConfig()
	pos := Open(s, 100, 100, ts, cfg)
	bar := mkBar(ts.Add(time.Minute), 104, 104.5, 103.9, 104.2)
	closeAll(pos, 104, bar.Ts, cfg, ExitTP2)

	assert.Greater(t, pos.TotalCosts(), 0.0)
	assert.InDelta(t, pos.GrossPnL()-pos.TotalCosts(), pos.NetPnL(), 1e-9)
	assert.InDelta(t, pos.GrossRMultiple()*pos.RiskDollars, pos.GrossPnL(), 1e-9)
}

func TestRegFeesOnlyAppliedOnSellLeg(t *testing.T) {
	cfg := DefaultCostConfig()
	buyLeg := buildLeg(cfg, time.Now(), 100, 100, false)
	sellLeg := buildLeg(cfg, time.Now(), 100, 100, true)
	assert.Equal(t, 0.0, buyLeg.RegFees)
	assert.Greater(t, sellLeg.RegFees, 0.0)
}
