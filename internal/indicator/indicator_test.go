package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
	"github.com/stretchr/testify/assert"
)

func flatBars(closes []float64) []aggregator.Bar {
	bars := make([]aggregator.Bar, len(closes))
	base := time.Date(2025, 8, 1, 9, 30, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = aggregator.Bar{
			Ts:    base.Add(time.Duration(i) * time.Minute),
			Open:  c,
			High:  c + 0.5,
			Low:   c - 0.5,
			Close: c,
		}
	}
	return bars
}

func TestSMAWarmupIsNaNThenAverages(t *testing.T) {
	bars := flatBars([]float64{1, 2, 3, 4, 5})
	sma := SMA(bars, 3)
	assert.True(t, math.IsNaN(sma[0]))
	assert.True(t, math.IsNaN(sma[1]))
	assert.InDelta(t, 2.0, sma[2], 1e-9)
	assert.InDelta(t, 3.0, sma[3], 1e-9)
	assert.InDelta(t, 4.0, sma[4], 1e-9)
}

func TestTrueRangeFirstBarIsHighMinusLow(t *testing.T) {
	bars := flatBars([]float64{10, 11})
	tr := TrueRange(bars)
	assert.InDelta(t, 1.0, tr[0], 1e-9)
}

func TestATRNeverNegative(t *testing.T) {
	bars := flatBars([]float64{10, 10.5, 9.8, 11, 10.2, 10.9, 9.5})
	atr := ATR(bars, 3)
	for _, v := range atr {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestRollingStdZeroForFlatSeries(t *testing.T) {
	bars := flatBars([]float64{5, 5, 5, 5, 5})
	std := RollingStd(bars, 3)
	assert.InDelta(t, 0.0, std[4], 1e-6)
}

func TestSwingPivotsFindsCenterPeakAndTrough(t *testing.T) {
	bars := flatBars([]float64{1, 2, 3, 2, 1, 0, 1, 2})
	pivots := SwingPivots(bars, 2)
	byIndex := map[int]SwingPivot{}
	for _, p := range pivots {
		byIndex[p.Index] = p
	}

	high, ok := byIndex[2]
	assert.True(t, ok, "expected a pivot at index 2")
	assert.True(t, high.High, "expected index 2 to be a swing high")

	low, ok := byIndex[5]
	assert.True(t, ok, "expected a pivot at index 5")
	assert.False(t, low.High, "expected index 5 to be a swing low")
}
