package marketstate

import (
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
)

// BuildSessionLevels recomputes the active liquidity levels at the start
// of a session (spec.md §4.2 "recomputed at start of each session"). It
// derives PDH/PDL from the prior daily bar and takes the Asia/London
// high/low values the caller passes in (accumulated so far in the
// current calendar day); equal-highs/equal-lows and trendline levels are
// not built.
func BuildSessionLevels(dailyWindow *aggregator.Window, asiaHigh, asiaLow, londonHigh, londonLow float64, hasAsia, hasLondon bool) []LiquidityLevel {
	var out []LiquidityLevel
	if dailyWindow != nil && len(dailyWindow.Bars) >= 2 {
		prior := dailyWindow.Bars[len(dailyWindow.Bars)-2]
		out = append(out,
			LiquidityLevel{Price: prior.High, Kind: LiqPDH, CreatedTs: prior.Ts},
			LiquidityLevel{Price: prior.Low, Kind: LiqPDL, CreatedTs: prior.Ts},
		)
	}
	if hasAsia {
		out = append(out,
			LiquidityLevel{Price: asiaHigh, Kind: LiqAsiaHigh},
			LiquidityLevel{Price: asiaLow, Kind: LiqAsiaLow},
		)
	}
	if hasLondon {
		out = append(out,
			LiquidityLevel{Price: londonHigh, Kind: LiqLondonHigh},
			LiquidityLevel{Price: londonLow, Kind: LiqLondonLow},
		)
	}
	return out
}

// CheckSweep marks the first not-yet-swept level pierced by bar's high
// (long-side levels, i.e. resistance the price wicks through) or low
// (short-side levels, i.e. support) by at least tickThreshold, with the
// close back inside (spec.md §4.2/GLOSSARY "Sweep"). Levels are mutated
// in place; once Swept is set it is never reverted (spec.md §3).
func CheckSweep(levels []LiquidityLevel, high, low, close float64, ts time.Time, tickThreshold float64) {
	for i := range levels {
		lvl := &levels[i]
		if lvl.Swept {
			continue
		}
		switch {
		case high > lvl.Price+tickThreshold && close < lvl.Price:
			lvl.Swept = true
			lvl.SweptTs = ts
		case low < lvl.Price-tickThreshold && close > lvl.Price:
			lvl.Swept = true
			lvl.SweptTs = ts
		}
	}
}
