package aggregator

import (
	"testing"
	"time"

	"github.com/dexterio/backtest/internal/bar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minuteBars(start time.Time, n int, basePrice float64) []bar.Bar {
	out := make([]bar.Bar, n)
	price := basePrice
	for i := 0; i < n; i++ {
		o := price
		c := price + 0.1
		h := c + 0.05
		l := o - 0.05
		out[i] = bar.Bar{Ts: start.Add(time.Duration(i) * time.Minute), Symbol: "SPY", Open: o, High: h, Low: l, Close: c, Volume: 100}
		price = c
	}
	return out
}

func TestIngestClosesFiveMinuteBoundary(t *testing.T) {
	a := New(DefaultConfig())
	start := time.Date(2025, 8, 1, 13, 30, 0, 0, time.UTC)
	bars := minuteBars(start, 5, 100)

	var lastClosed []Timeframe
	for _, b := range bars {
		closed, err := a.Ingest(b)
		require.NoError(t, err)
		lastClosed = closed
	}
	assert.Contains(t, lastClosed, TF5m)
	w := a.Window("SPY", TF5m)
	require.Len(t, w.Bars, 1)
	assert.Equal(t, bars[0].Open, w.Bars[0].Open)
	assert.Equal(t, bars[4].Close, w.Bars[0].Close)
}

func TestWindowCapEviction(t *testing.T) {
	a := New(DefaultConfig())
	start := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	for _, b := range minuteBars(start, 600, 100) {
		_, err := a.Ingest(b)
		require.NoError(t, err)
	}
	w := a.Window("SPY", TF1m)
	assert.Len(t, w.Bars, 500)
}

func TestDailyBoundaryUsesConfiguredCloseHour(t *testing.T) {
	cfg := DefaultConfig()
	a := New(cfg)
	start := time.Date(2025, 8, 1, cfg.DailyCloseHour, 58, 0, 0, time.UTC)
	bars := minuteBars(start, 2, 100)
	var closed []Timeframe
	for _, b := range bars {
		c, err := a.Ingest(b)
		require.NoError(t, err)
		closed = append(closed, c...)
	}
	assert.Contains(t, closed, TF1d)
}

func TestIngestRejectsNonAdvancingTimestamp(t *testing.T) {
	a := New(DefaultConfig())
	start := time.Date(2025, 8, 1, 13, 30, 0, 0, time.UTC)
	b := bar.Bar{Ts: start, Symbol: "SPY", Open: 1, High: 1, Low: 1, Close: 1}
	_, err := a.Ingest(b)
	require.NoError(t, err)
	_, err = a.Ingest(b)
	assert.Error(t, err)
}

func TestResetClearsState(t *testing.T) {
	a := New(DefaultConfig())
	start := time.Date(2025, 8, 1, 13, 30, 0, 0, time.UTC)
	for _, b := range minuteBars(start, 5, 100) {
		_, _ = a.Ingest(b)
	}
	a.Reset()
	assert.Nil(t, a.Window("SPY", TF1m))
}
