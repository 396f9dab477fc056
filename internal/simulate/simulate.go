// Package simulate drives the single-threaded, deterministic bar loop
// of spec.md §5: bars are processed in strict ascending timestamp order
// across symbols, ties broken by symbol name, and every stage of the
// pipeline runs to completion for one bar before the next is admitted.
package simulate

import (
	"context"
	"math"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
	"github.com/dexterio/backtest/internal/bar"
	"github.com/dexterio/backtest/internal/bterrors"
	"github.com/dexterio/backtest/internal/execution"
	"github.com/dexterio/backtest/internal/job"
	"github.com/dexterio/backtest/internal/ledger"
	"github.com/dexterio/backtest/internal/marketstate"
	"github.com/dexterio/backtest/internal/metrics"
	"github.com/dexterio/backtest/internal/pattern/candle"
	"github.com/dexterio/backtest/internal/pattern/ict"
	"github.com/dexterio/backtest/internal/playbook"
	"github.com/dexterio/backtest/internal/risk"
	"github.com/dexterio/backtest/internal/runctx"
	"github.com/dexterio/backtest/internal/setup"
)

// Deps are the process-level resources the run function needs beyond
// the per-run RunConfig: where to find bar data and the playbook
// catalog (spec.md §6's data root / catalog file, loaded once per run).
type Deps struct {
	DataRoot    string
	CatalogPath string
}

// NewRunFunc builds a job.RunFunc closed over deps, suitable for
// job.NewRunner.
func NewRunFunc(deps Deps) job.RunFunc {
	return func(ctx context.Context, cfg runctx.RunConfig, progress func(float64)) (*job.RunResult, error) {
		return run(ctx, deps, cfg, progress)
	}
}

func run(ctx context.Context, deps Deps, cfg runctx.RunConfig, progress func(float64)) (*job.RunResult, error) {
	catalog, err := playbook.LoadCatalog(deps.CatalogPath)
	if err != nil {
		return nil, err
	}

	warmupStart := cfg.StartDate.AddDate(0, 0, -cfg.HTFWarmupDays)
	endExclusive := cfg.EndDate.AddDate(0, 0, 1)

	streams := make(map[string][]bar.Bar, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		path, ok := cfg.DataPaths[sym]
		if !ok {
			path, err = bar.Resolve(deps.DataRoot, sym)
			if err != nil {
				return nil, err
			}
		}
		rows, err := bar.Load(path, sym)
		if err != nil {
			return nil, err
		}
		streams[sym] = rows
	}
	merged := bar.MergeStreams(streams)

	agg := aggregator.New(aggregator.DefaultConfig())
	mkEngine := marketstate.NewEngine()
	riskState := risk.NewState(riskConfigFrom(cfg))
	costCfg := costConfigFrom(cfg)
	setupCfg := setup.DefaultConfig()
	ledg := ledger.New()

	openPositions := make(map[string]*execution.Position)    // symbol -> open position
	daySummaries := make(map[string]marketstate.DaySummary)  // symbol -> today's accumulated ICT facts
	levels := make(map[string][]marketstate.LiquidityLevel)  // symbol -> active liquidity levels
	lastETDay := make(map[string]string)                     // symbol -> last seen ET calendar day, for daily resets
	lastSession := make(map[string]marketstate.Session)       // symbol -> last seen session, to detect session rollovers
	sessionAccums := make(map[string]*sessionAccum)           // symbol -> running asia/london high-low for this ET day
	debugCounts := make(map[string]int)

	totalBars := len(merged)
	for i, b := range merged {
		select {
		case <-ctx.Done():
			return partialResult(ledg, debugCounts), bterrors.New(bterrors.KindCancelled, "simulate", ctx.Err())
		default:
		}

		inWarmup := !b.Ts.Before(warmupStart) && b.Ts.Before(cfg.StartDate)
		inRange := !b.Ts.Before(cfg.StartDate) && b.Ts.Before(endExclusive)
		if !inWarmup && !inRange {
			continue
		}
		if inWarmup {
			if err := agg.Warmup(b); err != nil {
				return partialResult(ledg, debugCounts), err
			}
			continue
		}

		if err := processBar(b, agg, mkEngine, riskState, catalog, cfg, costCfg, setupCfg, ledg,
			openPositions, daySummaries, levels, lastETDay, lastSession, sessionAccums, debugCounts); err != nil {
			return partialResult(ledg, debugCounts), err
		}

		metrics.IncBarsProcessed(b.Symbol)
		if totalBars > 0 {
			progress(float64(i+1) / float64(totalBars))
		}
	}

	result := job.RunResult{
		Trades:      ledg.Trades,
		Equity:      ledg.Equity,
		DebugCounts: debugCounts,
	}
	result.Metrics = ledger.NetMetrics(ledg.Trades)
	metrics.SetEquityR(lastEquityR(ledg))
	return &result, nil
}

func processBar(
	b bar.Bar,
	agg *aggregator.Aggregator,
	mkEngine *marketstate.Engine,
	riskState *risk.State,
	catalog *playbook.Catalog,
	cfg runctx.RunConfig,
	costCfg execution.CostConfig,
	setupCfg setup.Config,
	ledg *ledger.Ledger,
	openPositions map[string]*execution.Position,
	daySummaries map[string]marketstate.DaySummary,
	levels map[string][]marketstate.LiquidityLevel,
	lastETDay map[string]string,
	lastSession map[string]marketstate.Session,
	sessionAccums map[string]*sessionAccum,
	debugCounts map[string]int,
) error {
	dayKey := b.Ts.In(etLocation()).Format("2006-01-02")
	if lastETDay[b.Symbol] != "" && lastETDay[b.Symbol] != dayKey {
		riskState.DailyReset(b.Ts)
		daySummaries[b.Symbol] = marketstate.DaySummary{}
		sessionAccums[b.Symbol] = &sessionAccum{}
	}
	lastETDay[b.Symbol] = dayKey

	closedTFs, err := agg.Ingest(b)
	if err != nil {
		return err
	}

	session := marketstate.DeriveSession(b.Ts)
	accum := sessionAccums[b.Symbol]
	if accum == nil {
		accum = &sessionAccum{}
		sessionAccums[b.Symbol] = accum
	}
	accum.observe(session, b.High, b.Low)
	if lastSession[b.Symbol] != session {
		levels[b.Symbol] = marketstate.BuildSessionLevels(agg.Window(b.Symbol, aggregator.TF1d),
			accum.AsiaHigh, accum.AsiaLow, accum.LondonHigh, accum.LondonLow, accum.HasAsia, accum.HasLondon)
		lastSession[b.Symbol] = session
	}

	if pos, ok := openPositions[b.Symbol]; ok && pos.State == execution.StateWorking {
		aggBar := aggregator.Bar{Ts: b.Ts, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
		if execution.EvaluateBar(pos, aggBar, session, costCfg, 0.5) {
			closeTrade(ledg, riskState, pos, cfg, debugCounts)
			delete(openPositions, b.Symbol)
		}
	}

	windows := map[aggregator.Timeframe]*aggregator.Window{}
	for _, tf := range aggregator.AllTimeframes {
		windows[tf] = agg.Window(b.Symbol, tf)
	}

	sum := daySummaries[b.Symbol]
	state := mkEngine.Compute(b.Symbol, b.Ts, windows, levels[b.Symbol], sum)

	ictFamilies := map[ict.Kind]bool{}
	var triggeringFVGMid float64
	var triggeringInvalidation float64
	var haveInvalidation bool
	var triggerDirection ict.Direction

	for _, tf := range closedTFsOrOneMinute(closedTFs) {
		w := windows[tf]
		if w == nil || len(w.Bars) == 0 {
			continue
		}
		for _, d := range ict.DetectBOS(w.Bars, tf) {
			ictFamilies[ict.KindBOS] = true
			if (state.DailyStructure == marketstate.StructureUptrend && d.Direction == ict.DirBullish) ||
				(state.DailyStructure == marketstate.StructureDowntrend && d.Direction == ict.DirBearish) {
				sum.BOSCountInStructureDir++
			}
			triggeringInvalidation, haveInvalidation = pivotInvalidation(w.Bars, d.Direction), true
			triggerDirection = d.Direction
		}
		for _, d := range ict.DetectCHoCH(w.Bars, tf) {
			ictFamilies[ict.KindCHoCH] = true
			triggerDirection = d.Direction
		}
		for _, d := range ict.DetectFVG(w.Bars, tf) {
			ictFamilies[ict.KindFVG] = true
			triggeringFVGMid = d.FVGMid
			triggerDirection = d.Direction
		}
		for _, d := range ict.DetectSweep(w.Bars[len(w.Bars)-1], tf, levels[b.Symbol], 0.01) {
			ictFamilies[ict.KindSweep] = true
			sum.SweepCount++
			triggerDirection = d.Direction
		}
		for _, d := range ict.DetectOrderBlock(w.Bars, tf) {
			ictFamilies[ict.KindOrderBlock] = true
			triggerDirection = d.Direction
		}
	}
	marketstate.CheckSweep(levels[b.Symbol], b.High, b.Low, b.Close, b.Ts, 0.01)
	if sum.SweepCount > 0 && ictFamilies[ict.KindBOS] {
		sum.HasOppositeBOSAfterSweep = true
	}
	daySummaries[b.Symbol] = sum

	candleFamilies := map[candle.Family]bool{}
	if w := windows[aggregator.TF1m]; w != nil && len(w.Bars) > 0 {
		for _, d := range candle.Detect(w.Bars, aggregator.TF1m, candle.Context{}) {
			candleFamilies[d.Family] = true
		}
	}

	minuteET := minuteOfDayET(b.Ts)

	in := playbook.EvalInput{
		Session:               session,
		MinuteOfDayET:         minuteET,
		DailyStructure:        state.DailyStructure,
		DayType:               state.DayType,
		ICTFamiliesPresent:    ictFamilies,
		CandleFamiliesPresent: candleFamilies,
		Volatility:            1, // proxy; real ATR-floor wiring is a future iteration
		NewsGatePass:          true,
		ICTScore:              ictFamilyScore(ictFamilies),
		PatternScore:          candleFamilyScore(candleFamilies),
		ContextScore:          contextScore(state),
	}

	var matches []playbook.Match
	for _, pb := range catalog.Playbooks {
		if !kindAllowed(cfg.TradeTypes, pb.Kind) {
			continue
		}
		m, rej := playbook.Evaluate(pb, in, cfg.TradingMode, nil)
		if rej != nil {
			debugCounts["reject_"+string(rej.Reason)]++
			metrics.IncRejection("playbook", string(rej.Reason))
			continue
		}
		matches = append(matches, *m)
	}

	best, ok := playbook.Best(matches)
	if !ok {
		return nil
	}

	dir := setup.DirLong
	if triggerDirection == ict.DirBearish {
		dir = setup.DirShort
	}
	if !haveInvalidation {
		if dir == setup.DirLong {
			triggeringInvalidation = b.Low
		} else {
			triggeringInvalidation = b.High
		}
	}

	openMap := map[string]setup.Direction{}
	if pos, ok := openPositions[b.Symbol]; ok {
		openMap[b.Symbol] = pos.Setup.Direction
	}

	su, built := setup.Build(best, setup.Input{
		Symbol:          b.Symbol,
		Direction:       dir,
		CloseAnchor:     b.Close,
		FVGMidAnchor:    triggeringFVGMid,
		Invalidation:    triggeringInvalidation,
		LiquidityLevels: levels[b.Symbol],
		DayType:         state.DayType,
		DailyStructure:  state.DailyStructure,
		Ts:              b.Ts,
	}, setupCfg, openMap)
	if !built {
		return nil
	}
	metrics.IncSetupEmitted(su.Playbook)

	shares := risk.Size(cfg.InitialCapital, riskState.CurrentRiskPct(), su.Entry, su.Stop)
	_, hasOpenSameSymbol := openPositions[b.Symbol]
	reason := riskState.Admit(cfg.TradingMode, su.Playbook, su.Kind, shares, b.Symbol, hasOpenSameSymbol, costCfg.SpreadBps, cfg.MaxSpreadBps, b.Ts)
	if reason != "" {
		debugCounts["risk_reject_"+string(reason)]++
		metrics.IncRejection("risk", string(reason))
		return nil
	}

	riskState.RecordEntry(su.Kind)
	pos := execution.Open(*su, shares, su.Entry, b.Ts, costCfg)
	pos.RiskTier = string(riskState.TradeState())
	openPositions[b.Symbol] = pos

	return nil
}

func closeTrade(ledg *ledger.Ledger, riskState *risk.State, pos *execution.Position, cfg runctx.RunConfig, debugCounts map[string]int) {
	net := pos.NetPnL()
	gross := pos.GrossPnL()
	r := pos.RMultiple()
	outcome := risk.OutcomeBE
	switch {
	case net > 0:
		outcome = risk.OutcomeWin
	case net < 0:
		outcome = risk.OutcomeLoss
	}
	exitTs := lastExitTs(pos)
	riskState.RecordClose(pos.Setup.Playbook, outcome, r, exitTs)

	exitCommission, exitRegFees, exitSlippage, exitSpread := pos.ExitCosts()
	t := ledger.Trade{
		Symbol:           pos.Symbol,
		Playbook:         pos.Setup.Playbook,
		Kind:             string(pos.Setup.Kind),
		Direction:        string(pos.Setup.Direction),
		EntryTs:          pos.EntryTs,
		ExitTs:           exitTs,
		ExitReason:       string(pos.ExitReason),
		Shares:           pos.Shares,
		Outcome:          string(outcome),
		RiskTier:         pos.RiskTier,
		PnLNetDollars:    net,
		PnLGrossDollars:  gross,
		RMultiple:        r,
		PnLGrossR:        pos.GrossRMultiple(),
		RMultipleAccount: pos.RMultipleAccount(cfg.InitialCapital, cfg.BaseRiskPct),
		EntryCommission:  pos.EntryLeg.Commission,
		EntryRegFees:     pos.EntryLeg.RegFees,
		EntrySlippage:    pos.EntryLeg.Slippage,
		EntrySpreadCost:  pos.EntryLeg.Spread,
		ExitCommission:   exitCommission,
		ExitRegFees:      exitRegFees,
		ExitSlippage:     exitSlippage,
		ExitSpreadCost:   exitSpread,
		TotalCosts:       pos.TotalCosts(),
		DayType:          string(pos.Setup.DayType),
		DailyStructure:   string(pos.Setup.DailyStructure),
	}
	ledg.RecordTrade(t, t.ExitTs, cfg.BaseRiskPct)
	metrics.IncTrade(string(outcome))
	debugCounts["trades_closed"]++
}

func lastExitTs(pos *execution.Position) time.Time {
	if len(pos.ExitLegs) == 0 {
		return pos.EntryTs
	}
	return pos.ExitLegs[len(pos.ExitLegs)-1].Ts
}

func partialResult(ledg *ledger.Ledger, debugCounts map[string]int) *job.RunResult {
	return &job.RunResult{
		Trades:      ledg.Trades,
		Equity:      ledg.Equity,
		Metrics:     ledger.NetMetrics(ledg.Trades),
		DebugCounts: debugCounts,
	}
}

func lastEquityR(l *ledger.Ledger) float64 {
	if len(l.Equity) == 0 {
		return 0
	}
	return l.Equity[len(l.Equity)-1].EquityRNet
}

func closedTFsOrOneMinute(closed []aggregator.Timeframe) []aggregator.Timeframe {
	return append([]aggregator.Timeframe{aggregator.TF1m}, closed...)
}

func pivotInvalidation(bars []aggregator.Bar, dir ict.Direction) float64 {
	if len(bars) == 0 {
		return 0
	}
	if dir == ict.DirBullish {
		return bars[len(bars)-1].Low
	}
	return bars[len(bars)-1].High
}

func ictFamilyScore(families map[ict.Kind]bool) float64 {
	if len(families) == 0 {
		return 0
	}
	return minFloat(1, 0.3*float64(len(families)))
}

func candleFamilyScore(families map[candle.Family]bool) float64 {
	if len(families) == 0 {
		return 0
	}
	return minFloat(1, 0.3*float64(len(families)))
}

func contextScore(state marketstate.MarketState) float64 {
	if state.Session.IsKillZone() {
		return 0.8
	}
	return 0.4
}

// sessionAccum tracks the running Asia/London high-low for one symbol's
// current ET calendar day, feeding marketstate.BuildSessionLevels at every
// session rollover.
type sessionAccum struct {
	AsiaHigh, AsiaLow     float64
	LondonHigh, LondonLow float64
	HasAsia, HasLondon    bool
}

func (a *sessionAccum) observe(session marketstate.Session, high, low float64) {
	switch session {
	case marketstate.SessionAsia:
		if !a.HasAsia {
			a.AsiaHigh, a.AsiaLow = high, low
			a.HasAsia = true
			return
		}
		a.AsiaHigh = math.Max(a.AsiaHigh, high)
		a.AsiaLow = math.Min(a.AsiaLow, low)
	case marketstate.SessionLondon:
		if !a.HasLondon {
			a.LondonHigh, a.LondonLow = high, low
			a.HasLondon = true
			return
		}
		a.LondonHigh = math.Max(a.LondonHigh, high)
		a.LondonLow = math.Min(a.LondonLow, low)
	}
}

func kindAllowed(allowed []playbook.Kind, k playbook.Kind) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == k {
			return true
		}
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func minuteOfDayET(ts time.Time) int {
	et := ts.In(etLocation())
	return et.Hour()*60 + et.Minute()
}

var newYork = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET-fallback", -5*3600)
	}
	return loc
}()

func etLocation() *time.Location { return newYork }

func riskConfigFrom(cfg runctx.RunConfig) risk.Config {
	rc := risk.DefaultConfig()
	if cfg.BaseRiskPct > 0 {
		rc.BaseRiskPct = cfg.BaseRiskPct
	}
	if cfg.ReducedRiskPct > 0 {
		rc.ReducedRiskPct = cfg.ReducedRiskPct
	}
	if cfg.StopDayR != 0 {
		rc.StopDayR = cfg.StopDayR
	}
	if cfg.StopRunR != 0 {
		rc.StopRunR = cfg.StopRunR
	}
	if cfg.ConsecLossCooldownMin > 0 {
		rc.ConsecutiveLossCooldown = time.Duration(cfg.ConsecLossCooldownMin) * time.Minute
	}
	rc.AggressiveAllowlist = cfg.Allowlist
	rc.AggressiveDenylist = cfg.Denylist
	return rc
}

func costConfigFrom(cfg runctx.RunConfig) execution.CostConfig {
	cc := execution.DefaultCostConfig()
	if cfg.CommissionModel != "" {
		cc.Commission = cfg.CommissionModel
	}
	if cfg.SlippageModel != "" {
		cc.SlippageModel = cfg.SlippageModel
	}
	if cfg.SlippagePct > 0 {
		cc.SlippagePct = cfg.SlippagePct
	}
	if cfg.SlippageTicks > 0 {
		cc.SlippageTicks = cfg.SlippageTicks
	}
	if cfg.SpreadModel != "" {
		cc.SpreadModel = cfg.SpreadModel
	}
	if cfg.SpreadBps > 0 {
		cc.SpreadBps = cfg.SpreadBps
	}
	cc.DisableRegFees = !cfg.EnableRegFees
	return cc
}
