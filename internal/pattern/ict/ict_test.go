package ict

import (
	"testing"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
	"github.com/dexterio/backtest/internal/marketstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bars(rows [][5]float64) []aggregator.Bar {
	out := make([]aggregator.Bar, len(rows))
	base := time.Date(2025, 8, 1, 13, 30, 0, 0, time.UTC)
	for i, r := range rows {
		out[i] = aggregator.Bar{Ts: base.Add(time.Duration(i) * time.Minute), Open: r[0], High: r[1], Low: r[2], Close: r[3], Volume: r[4]}
	}
	return out
}

func TestDetectFVGBullishAndBearish(t *testing.T) {
	rows := bars([][5]float64{
		{100, 101, 99, 100.5, 10},
		{102, 103, 101.5, 102.5, 10},
		{104, 105, 103.5, 104.5, 10}, // low (103.5) > high[0] (101) -> bullish gap
	})
	got := DetectFVG(rows, aggregator.TF1m)
	require.Len(t, got, 1)
	assert.Equal(t, DirBullish, got[0].Direction)
	assert.InDelta(t, 103.5, got[0].FVGTop, 1e-9)
	assert.InDelta(t, 101.0, got[0].FVGBottom, 1e-9)
}

func TestDetectSweepMarksOnlyUnswept(t *testing.T) {
	levels := []marketstate.LiquidityLevel{{Price: 100, Kind: marketstate.LiqPDH}}
	last := aggregator.Bar{Ts: time.Now().UTC(), High: 100.5, Low: 99, Close: 99.5}
	got := DetectSweep(last, aggregator.TF1m, levels, 0.1)
	require.Len(t, got, 1)
	assert.Equal(t, KindSweep, got[0].Kind)
	assert.Equal(t, DirBearish, got[0].Direction)

	levels[0].Swept = true
	got = DetectSweep(last, aggregator.TF1m, levels, 0.1)
	assert.Empty(t, got)
}

func TestDetectBOSBullish(t *testing.T) {
	tri := []float64{0, 1, 2, 3, 2, 1}
	rows := make([][5]float64, 0, 30)
	for i := 0; i < 25; i++ {
		// zig-zag upward so swing highs form at i%6==3
		c := 100 + 0.5*float64(i) + tri[i%6]
		rows = append(rows, [5]float64{c - 0.1, c + 0.5, c - 0.5, c + 0.1, 10})
	}
	// final strong breakout bar beyond all prior highs
	c := 100 + 0.5*24 + tri[0]
	rows = append(rows, [5]float64{c, c + 6, c - 0.1, c + 5.8, 10})
	got := DetectBOS(bars(rows), aggregator.TF1m)
	found := false
	for _, d := range got {
		if d.Direction == DirBullish {
			found = true
		}
	}
	assert.True(t, found)
}
