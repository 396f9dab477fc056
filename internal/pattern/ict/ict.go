// Package ict detects the five ICT pattern families spec.md §4.3.1 and
// GLOSSARY define: break of structure, change of character, fair value
// gap, liquidity sweep, and order block. Each Detect* function is pure
// over its input window; the caller (the simulation loop) decides which
// timeframes to evaluate and accumulates detections into the day's
// marketstate.DaySummary.
package ict

import (
	"fmt"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
	"github.com/dexterio/backtest/internal/indicator"
	"github.com/dexterio/backtest/internal/marketstate"
)

type Kind string

const (
	KindBOS        Kind = "bos"
	KindCHoCH      Kind = "choch"
	KindFVG        Kind = "fvg"
	KindSweep      Kind = "sweep"
	KindOrderBlock Kind = "order_block"
)

type Direction string

const (
	DirBullish Direction = "bullish"
	DirBearish Direction = "bearish"
)

// Detection is the ICT variant of spec.md §3's PatternDetection sum type.
type Detection struct {
	Kind      Kind
	Direction Direction
	Strength  float64
	Timeframe aggregator.Timeframe
	Ts        time.Time
	LevelRefs []string

	// Populated only when Kind == KindFVG.
	FVGTop    float64
	FVGBottom float64
	FVGMid    float64
}

// DetectBOS reports a break of structure whenever the latest close moves
// beyond the last confirmed swing pivot in either direction.
func DetectBOS(bars []aggregator.Bar, tf aggregator.Timeframe) []Detection {
	pivots := indicator.SwingPivots(bars, 2)
	if len(pivots) == 0 || len(bars) == 0 {
		return nil
	}
	last := bars[len(bars)-1]
	var out []Detection
	var lastHigh, lastLow *indicator.SwingPivot
	for i := range pivots {
		p := pivots[i]
		if p.Index >= len(bars)-1 {
			continue
		}
		if p.High {
			lastHigh = &pivots[i]
		} else {
			lastLow = &pivots[i]
		}
	}
	if lastHigh != nil && last.Close > lastHigh.Price {
		out = append(out, Detection{
			Kind: KindBOS, Direction: DirBullish, Timeframe: tf, Ts: last.Ts,
			Strength: strengthFromDistance(last.Close, lastHigh.Price, last),
		})
	}
	if lastLow != nil && last.Close < lastLow.Price {
		out = append(out, Detection{
			Kind: KindBOS, Direction: DirBearish, Timeframe: tf, Ts: last.Ts,
			Strength: strengthFromDistance(lastLow.Price, last.Close, last),
		})
	}
	return out
}

func strengthFromDistance(beyond, pivot float64, last aggregator.Bar) float64 {
	rng := last.High - last.Low
	if rng <= 0 {
		return 0.5
	}
	s := (beyond - pivot) / rng
	if s > 1 {
		s = 1
	}
	if s < 0.1 {
		s = 0.1
	}
	return s
}

// DetectCHoCH reports a change of character: a BOS whose direction is
// opposite the prior dominant swing (the structure computed one swing
// leg earlier).
func DetectCHoCH(bars []aggregator.Bar, tf aggregator.Timeframe) []Detection {
	if len(bars) < 6 {
		return nil
	}
	bos := DetectBOS(bars, tf)
	if len(bos) == 0 {
		return nil
	}
	priorStructure := marketstate.DetectStructure(bars[:len(bars)-3])
	var out []Detection
	for _, b := range bos {
		opposite := (b.Direction == DirBullish && priorStructure == marketstate.StructureDowntrend) ||
			(b.Direction == DirBearish && priorStructure == marketstate.StructureUptrend)
		if opposite {
			d := b
			d.Kind = KindCHoCH
			out = append(out, d)
		}
	}
	return out
}

// DetectFVG scans 3-candle windows for fair value gaps per spec.md §4.3.1:
// bullish if high[i] < low[i+2]; bearish if low[i] > high[i+2].
func DetectFVG(bars []aggregator.Bar, tf aggregator.Timeframe) []Detection {
	var out []Detection
	for i := 0; i+2 < len(bars); i++ {
		a, c := bars[i], bars[i+2]
		if a.High < c.Low {
			top, bottom := c.Low, a.High
			out = append(out, Detection{
				Kind: KindFVG, Direction: DirBullish, Timeframe: tf, Ts: bars[i+2].Ts,
				Strength:  gapStrength(top, bottom, bars[i+1]),
				FVGTop:    top, FVGBottom: bottom, FVGMid: (top + bottom) / 2,
			})
		}
		if a.Low > c.High {
			top, bottom := a.Low, c.High
			out = append(out, Detection{
				Kind: KindFVG, Direction: DirBearish, Timeframe: tf, Ts: bars[i+2].Ts,
				Strength:  gapStrength(top, bottom, bars[i+1]),
				FVGTop:    top, FVGBottom: bottom, FVGMid: (top + bottom) / 2,
			})
		}
	}
	return out
}

func gapStrength(top, bottom float64, mid aggregator.Bar) float64 {
	gap := top - bottom
	rng := mid.High - mid.Low
	if rng <= 0 {
		return 0.5
	}
	s := gap / rng
	if s > 1 {
		s = 1
	}
	if s < 0.1 {
		s = 0.1
	}
	return s
}

// DetectSweep reports a wick beyond a tracked, not-yet-swept liquidity
// level by at least tickThreshold with the close back inside it.
func DetectSweep(last aggregator.Bar, tf aggregator.Timeframe, levels []marketstate.LiquidityLevel, tickThreshold float64) []Detection {
	var out []Detection
	for _, lvl := range levels {
		if lvl.Swept {
			continue
		}
		if last.High > lvl.Price+tickThreshold && last.Close < lvl.Price {
			out = append(out, Detection{
				Kind: KindSweep, Direction: DirBearish, Timeframe: tf, Ts: last.Ts,
				Strength:  0.7,
				LevelRefs: []string{fmt.Sprintf("%s@%.4f", lvl.Kind, lvl.Price)},
			})
		}
		if last.Low < lvl.Price-tickThreshold && last.Close > lvl.Price {
			out = append(out, Detection{
				Kind: KindSweep, Direction: DirBullish, Timeframe: tf, Ts: last.Ts,
				Strength:  0.7,
				LevelRefs: []string{fmt.Sprintf("%s@%.4f", lvl.Kind, lvl.Price)},
			})
		}
	}
	return out
}

// DetectOrderBlock finds the last opposite-direction candle before a
// strong displacement move (a close-to-close move whose range exceeds
// displacementATRMultiple times the recent ATR).
func DetectOrderBlock(bars []aggregator.Bar, tf aggregator.Timeframe) []Detection {
	const displacementATRMultiple = 1.8
	if len(bars) < 15 {
		return nil
	}
	atr := indicator.ATR(bars, 14)
	i := len(bars) - 1
	move := bars[i].Close - bars[i-1].Close
	if atr[i-1] <= 0 {
		return nil
	}
	if move > displacementATRMultiple*atr[i-1] {
		// bullish displacement: find the last bearish candle before it
		for j := i - 1; j >= 0 && j >= i-5; j-- {
			if bars[j].Close < bars[j].Open {
				return []Detection{{
					Kind: KindOrderBlock, Direction: DirBullish, Timeframe: tf, Ts: bars[j].Ts,
					Strength: 0.6,
				}}
			}
		}
	}
	if move < -displacementATRMultiple*atr[i-1] {
		for j := i - 1; j >= 0 && j >= i-5; j-- {
			if bars[j].Close > bars[j].Open {
				return []Detection{{
					Kind: KindOrderBlock, Direction: DirBearish, Timeframe: tf, Ts: bars[j].Ts,
					Strength: 0.6,
				}}
			}
		}
	}
	return nil
}
