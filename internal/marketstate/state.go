// Package marketstate derives the per-symbol snapshot spec.md §3/§4.2
// describes: structure across three timeframes, bias, session, day type,
// and active liquidity levels. The engine is pure given its inputs and
// caches by a fingerprint of the last bar timestamp in every HTF window,
// per spec.md §9 ("caching by object identity" -> "fingerprint, not
// pointer identity").
package marketstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
)

type Structure string

const (
	StructureUptrend   Structure = "uptrend"
	StructureDowntrend Structure = "downtrend"
	StructureRange     Structure = "range"
	StructureUnknown   Structure = "unknown"
)

type Bias string

const (
	BiasBullish Bias = "bullish"
	BiasBearish Bias = "bearish"
	BiasNeutral Bias = "neutral"
)

type Session string

const (
	SessionAsia    Session = "asia"
	SessionLondon  Session = "london"
	SessionNYAM    Session = "ny_am"
	SessionNYLunch Session = "ny_lunch"
	SessionNYPM    Session = "ny_pm"
	SessionOff     Session = "off"
)

// IsKillZone reports whether s is one of the two elevated-probability
// windows (spec.md GLOSSARY).
func (s Session) IsKillZone() bool { return s == SessionNYAM || s == SessionNYPM }

type DayType string

const (
	DayTypeTrend               DayType = "trend"
	DayTypeManipulationReversal DayType = "manipulation_reversal"
	DayTypeRange               DayType = "range"
	DayTypeUnknown             DayType = "unknown"
)

type LiquidityKind string

const (
	LiqPDH         LiquidityKind = "pdh"
	LiqPDL         LiquidityKind = "pdl"
	LiqAsiaHigh    LiquidityKind = "asia_high"
	LiqAsiaLow     LiquidityKind = "asia_low"
	LiqLondonHigh  LiquidityKind = "london_high"
	LiqLondonLow   LiquidityKind = "london_low"
	LiqEqualHighs  LiquidityKind = "equal_highs"
	LiqEqualLows   LiquidityKind = "equal_lows"
	LiqTrendline   LiquidityKind = "trendline"
)

// LiquidityLevel is created by the engine and mutated in exactly one way:
// Swept flips false->true, never back.
type LiquidityLevel struct {
	Price     float64
	Kind      LiquidityKind
	CreatedTs time.Time
	Swept     bool
	SweptTs   time.Time
}

// MarketState is an immutable snapshot for one symbol at one 1m boundary.
type MarketState struct {
	Symbol          string
	Ts              time.Time
	DailyStructure  Structure
	H4Structure     Structure
	H1Structure     Structure
	Bias            Bias
	Session         Session
	DayType         DayType
	LiquidityLevels []LiquidityLevel
}

// DaySummary carries the day's accumulated pattern facts that day_type
// needs (spec.md §4.2); it is owned and updated by the simulation loop as
// ICT patterns are produced for each bar, not by this package.
type DaySummary struct {
	SweepCount                int
	HasOppositeBOSAfterSweep  bool
	BOSCountInStructureDir    int
}

const minCandlesForStructure = 20
const structureScoreThreshold = 0.6

// DetectStructure implements spec.md §4.2 detect_structure: unknown under
// 20 candles, else scored on swing-pivot higher-highs/higher-lows (or
// lower-highs/lower-lows) dominance.
func DetectStructure(bars []aggregator.Bar) Structure {
	if len(bars) < minCandlesForStructure {
		return StructureUnknown
	}
	pivots := swingSequence(bars)
	if len(pivots) < 4 {
		return StructureRange
	}
	var highs, lows []float64
	for _, p := range pivots {
		if p.high {
			highs = append(highs, p.price)
		} else {
			lows = append(lows, p.price)
		}
	}
	upScore := dominanceScore(highs, true) * 0.5 + dominanceScore(lows, true)*0.5
	downScore := dominanceScore(highs, false)*0.5 + dominanceScore(lows, false)*0.5

	switch {
	case upScore >= structureScoreThreshold && upScore >= downScore:
		return StructureUptrend
	case downScore >= structureScoreThreshold && downScore > upScore:
		return StructureDowntrend
	default:
		return StructureRange
	}
}

type pivot struct {
	price float64
	high  bool
}

// swingSequence reduces raw SwingPivots to an alternating high/low
// sequence so that consecutive same-side pivots (inside a single leg)
// don't dilute the higher-high/higher-low comparison.
func swingSequence(bars []aggregator.Bar) []pivot {
	raw := swingPivotsLocal(bars, 2)
	var out []pivot
	for _, r := range raw {
		if len(out) > 0 && out[len(out)-1].high == r.high {
			// keep the more extreme of two same-side pivots in a row
			if (r.high && r.price > out[len(out)-1].price) || (!r.high && r.price < out[len(out)-1].price) {
				out[len(out)-1] = r
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func swingPivotsLocal(bars []aggregator.Bar, lookaround int) []pivot {
	var out []pivot
	n := len(bars)
	for i := lookaround; i < n-lookaround; i++ {
		isHigh, isLow := true, true
		for j := i - lookaround; j <= i+lookaround; j++ {
			if j == i {
				continue
			}
			if bars[j].High >= bars[i].High {
				isHigh = false
			}
			if bars[j].Low <= bars[i].Low {
				isLow = false
			}
		}
		if isHigh {
			out = append(out, pivot{price: bars[i].High, high: true})
		}
		if isLow {
			out = append(out, pivot{price: bars[i].Low, high: false})
		}
	}
	return out
}

// dominanceScore returns the fraction of consecutive pivots that step in
// the "higher" (ascending=true) or "lower" (ascending=false) direction.
func dominanceScore(series []float64, ascending bool) float64 {
	if len(series) < 2 {
		return 0
	}
	steps := 0
	favorable := 0
	for i := 1; i < len(series); i++ {
		steps++
		if ascending && series[i] > series[i-1] {
			favorable++
		}
		if !ascending && series[i] < series[i-1] {
			favorable++
		}
	}
	if steps == 0 {
		return 0
	}
	return float64(favorable) / float64(steps)
}

// DeriveBias implements spec.md §4.2 bias rule.
func DeriveBias(daily, h4 Structure) Bias {
	switch {
	case daily == StructureUptrend && h4 == StructureUptrend:
		return BiasBullish
	case daily == StructureDowntrend && h4 == StructureDowntrend:
		return BiasBearish
	default:
		return BiasNeutral
	}
}

var etLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET-fallback", -5*3600)
	}
	return loc
}()

// DeriveSession implements spec.md §4.2, honoring DST via the IANA
// America/New_York zone (time.LoadLocation) rather than a fixed UTC
// offset table.
func DeriveSession(ts time.Time) Session {
	et := ts.In(etLocation)
	m := et.Hour()*60 + et.Minute()

	const (
		asiaStart   = 18 * 60
		asiaEnd     = 2 * 60
		londonStart = 3 * 60
		londonEnd   = 8 * 60
		nyamStart   = 9*60 + 30
		nyamEnd     = 11 * 60
		nylunchEnd  = 14 * 60
		nypmEnd     = 16 * 60
	)
	// Upper bounds are inclusive: a bar whose ts lands exactly on a
	// session boundary belongs to the earlier session (spec.md §8).
	// asia/london and london/ny_am do not abut: 02:00-03:00 and
	// 08:00-09:30 ET are explicit off gaps (spec.md §4.2), so every
	// case below is bounded on both ends rather than cascading on the
	// upper bound alone.
	switch {
	case m >= asiaStart || m <= asiaEnd:
		return SessionAsia
	case m >= londonStart && m <= londonEnd:
		return SessionLondon
	case m >= nyamStart && m <= nyamEnd:
		return SessionNYAM
	case m > nyamEnd && m <= nylunchEnd:
		return SessionNYLunch
	case m > nylunchEnd && m <= nypmEnd:
		return SessionNYPM
	default:
		return SessionOff
	}
}

// DeriveDayType implements spec.md §4.2 day_type rule.
func DeriveDayType(daily Structure, sum DaySummary) DayType {
	if daily == StructureRange {
		return DayTypeRange
	}
	if sum.SweepCount >= 1 && sum.HasOppositeBOSAfterSweep {
		return DayTypeManipulationReversal
	}
	if (daily == StructureUptrend || daily == StructureDowntrend) && sum.BOSCountInStructureDir >= 2 {
		return DayTypeTrend
	}
	return DayTypeUnknown
}

// Engine wires together the pure derivation functions above with a
// fingerprint cache, one per symbol.
type Engine struct {
	cache map[string]cached
}

type cached struct {
	fingerprint string
	state       MarketState
}

func NewEngine() *Engine { return &Engine{cache: make(map[string]cached)} }

// Fingerprint is the deterministic cache key: the last bar ts of every HTF
// window, concatenated in a stable order.
func Fingerprint(windows map[aggregator.Timeframe]*aggregator.Window) string {
	var sb strings.Builder
	for _, tf := range aggregator.HTFTimeframes {
		w := windows[tf]
		sb.WriteString(string(tf))
		sb.WriteByte('=')
		if w != nil {
			if last, ok := w.Last(); ok {
				sb.WriteString(last.Ts.UTC().Format(time.RFC3339))
			}
		}
		sb.WriteByte(';')
	}
	return sb.String()
}

// Compute derives (or returns the cached) MarketState for symbol at ts.
// Only the HTF-window-derived fields (structure/bias/day_type) are cached
// by the HTF fingerprint; Session is a pure function of ts (it changes
// every minute regardless of HTF state) and LiquidityLevels are owned and
// refreshed by the caller each session, so both are always applied fresh
// on top of the cached-or-computed structure fields.
func (e *Engine) Compute(symbol string, ts time.Time, windows map[aggregator.Timeframe]*aggregator.Window, levels []LiquidityLevel, sum DaySummary) MarketState {
	fp := fmt.Sprintf("%s|%d|%v", Fingerprint(windows), len(levels), sum)

	var daily, h4, h1 Structure
	var bias Bias
	var dayType DayType
	if c, ok := e.cache[symbol]; ok && c.fingerprint == fp {
		daily, h4, h1 = c.state.DailyStructure, c.state.H4Structure, c.state.H1Structure
		bias, dayType = c.state.Bias, c.state.DayType
	} else {
		daily, h4, h1 = StructureUnknown, StructureUnknown, StructureUnknown
		if w := windows[aggregator.TF1d]; w != nil {
			daily = DetectStructure(w.Bars)
		}
		if w := windows[aggregator.TF4h]; w != nil {
			h4 = DetectStructure(w.Bars)
		}
		if w := windows[aggregator.TF1h]; w != nil {
			h1 = DetectStructure(w.Bars)
		}
		bias = DeriveBias(daily, h4)
		dayType = DeriveDayType(daily, sum)
		e.cache[symbol] = cached{fingerprint: fp, state: MarketState{
			DailyStructure: daily, H4Structure: h4, H1Structure: h1, Bias: bias, DayType: dayType,
		}}
	}

	return MarketState{
		Symbol:          symbol,
		Ts:              ts,
		DailyStructure:  daily,
		H4Structure:     h4,
		H1Structure:     h1,
		Bias:            bias,
		Session:         DeriveSession(ts),
		DayType:         dayType,
		LiquidityLevels: levels,
	}
}
