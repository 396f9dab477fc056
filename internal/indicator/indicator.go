// Package indicator holds the small, allocation-light technical-analysis
// helpers shared by the market-state, pattern and playbook engines. It
// generalizes the teacher's indicators.go (SMA/RSI/ZScore over
// close-only Candle data) to operate on aggregated OHLCV bars and adds the
// ATR/stddev helpers this spec's volatility gate and swing detection need.
package indicator

import (
	"math"

	"github.com/dexterio/backtest/internal/aggregator"
)

// SMA returns the n-period simple moving average of Close, aligned to bars.
// Indices before the first full window are NaN.
func SMA(bars []aggregator.Bar, n int) []float64 {
	out := make([]float64, len(bars))
	if n <= 0 || len(bars) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := range bars {
		sum += bars[i].Close
		if i >= n {
			sum -= bars[i-n].Close
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// TrueRange returns the per-bar true range, aligned to bars. TR[0] is
// simply High-Low since there is no previous close.
func TrueRange(bars []aggregator.Bar) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		hl := bars[i].High - bars[i].Low
		if i == 0 {
			out[i] = hl
			continue
		}
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR returns Wilder-smoothed Average True Range over n periods.
func ATR(bars []aggregator.Bar, n int) []float64 {
	tr := TrueRange(bars)
	out := make([]float64, len(bars))
	if n <= 0 || len(bars) == 0 {
		return out
	}
	var sum float64
	for i := range tr {
		if i < n {
			sum += tr[i]
			if i == n-1 {
				out[i] = sum / float64(n)
			}
			continue
		}
		out[i] = (out[i-1]*float64(n-1) + tr[i]) / float64(n)
	}
	return out
}

// RollingStd returns the rolling standard deviation of Close over window n.
func RollingStd(bars []aggregator.Bar, n int) []float64 {
	out := make([]float64, len(bars))
	if n <= 1 || len(bars) == 0 {
		return out
	}
	var sum, sumSq float64
	for i := range bars {
		x := bars[i].Close
		sum += x
		sumSq += x * x
		if i >= n {
			y := bars[i-n].Close
			sum -= y
			sumSq -= y * y
		}
		if i >= n-1 {
			mean := sum / float64(n)
			variance := (sumSq / float64(n)) - (mean * mean)
			out[i] = math.Sqrt(math.Max(variance, 1e-12))
		}
	}
	return out
}

// SwingPivot marks a local extreme confirmed by `lookaround` bars on each
// side (a swing high/low at index i requires neighbors within
// [i-lookaround, i+lookaround] to be strictly below it, or strictly above
// it for a swing low).
type SwingPivot struct {
	Index int
	Price float64
	High  bool // true = swing high, false = swing low
}

// SwingPivots scans bars for confirmed swing highs/lows using a symmetric
// lookaround window (default-appropriate value is 2).
func SwingPivots(bars []aggregator.Bar, lookaround int) []SwingPivot {
	var out []SwingPivot
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
			out = append(out, SwingPivot{Index: i, Price: bars[i].High, High: true})
		}
		if isLow {
			out = append(out, SwingPivot{Index: i, Price: bars[i].Low, High: false})
		}
	}
	return out
}
