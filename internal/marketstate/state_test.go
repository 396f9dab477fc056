package marketstate

import (
	"testing"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uptrendBars(n int) []aggregator.Bar {
	out := make([]aggregator.Bar, n)
	tri := []float64{0, 1, 2, 3, 2, 1}
	for i := 0; i < n; i++ {
		// zig-zag upward: a 6-bar wave on a rising drift, so each swing
		// high (i%6==3) and swing low (i%6==0) sits above the previous one
		c := 100 + 0.5*float64(i) + tri[i%6]
		out[i] = aggregator.Bar{
			Ts:    time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
			Open:  c - 0.1,
			High:  c + 0.5,
			Low:   c - 0.5,
			Close: c + 0.1,
		}
	}
	return out
}

func TestDetectStructureUnknownBelowMinimum(t *testing.T) {
	assert.Equal(t, StructureUnknown, DetectStructure(uptrendBars(10)))
}

func TestDetectStructureUptrend(t *testing.T) {
	got := DetectStructure(uptrendBars(30))
	assert.Equal(t, StructureUptrend, got)
}

func TestDeriveBias(t *testing.T) {
	assert.Equal(t, BiasBullish, DeriveBias(StructureUptrend, StructureUptrend))
	assert.Equal(t, BiasBearish, DeriveBias(StructureDowntrend, StructureDowntrend))
	assert.Equal(t, BiasNeutral, DeriveBias(StructureUptrend, StructureDowntrend))
	assert.Equal(t, BiasNeutral, DeriveBias(StructureRange, StructureRange))
}

func TestDeriveSessionHonorsBoundaries(t *testing.T) {
	// 10:00 ET on a summer day (EDT, UTC-4) is ny_am.
	ts := time.Date(2025, 8, 1, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, SessionNYAM, DeriveSession(ts))

	// 11:00 ET is exactly the ny_am/ny_lunch boundary; it belongs to the
	// earlier session, ny_am (spec.md §8).
	ts = time.Date(2025, 8, 1, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, SessionNYAM, DeriveSession(ts))

	// 11:01 ET is the first minute of ny_lunch.
	ts = time.Date(2025, 8, 1, 15, 1, 0, 0, time.UTC)
	assert.Equal(t, SessionNYLunch, DeriveSession(ts))

	// Winter (EST, UTC-5): 10:00 ET is 15:00 UTC.
	ts = time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, SessionNYAM, DeriveSession(ts))
}

func TestDeriveSessionHasExplicitOffGaps(t *testing.T) {
	// 02:30 ET falls between asia (ends 02:00) and london (starts 03:00).
	ts := time.Date(2025, 8, 1, 6, 30, 0, 0, time.UTC)
	assert.Equal(t, SessionOff, DeriveSession(ts))

	// 08:30 ET falls between london (ends 08:00) and ny_am (starts 09:30).
	ts = time.Date(2025, 8, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, SessionOff, DeriveSession(ts))

	// The gap boundaries themselves belong to the adjoining session.
	ts = time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC) // 02:00 ET
	assert.Equal(t, SessionAsia, DeriveSession(ts))
	ts = time.Date(2025, 8, 1, 7, 0, 0, 0, time.UTC) // 03:00 ET
	assert.Equal(t, SessionLondon, DeriveSession(ts))
	ts = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC) // 08:00 ET
	assert.Equal(t, SessionLondon, DeriveSession(ts))
	ts = time.Date(2025, 8, 1, 13, 30, 0, 0, time.UTC) // 09:30 ET
	assert.Equal(t, SessionNYAM, DeriveSession(ts))
}

func TestDeriveDayType(t *testing.T) {
	assert.Equal(t, DayTypeRange, DeriveDayType(StructureRange, DaySummary{}))
	assert.Equal(t, DayTypeManipulationReversal, DeriveDayType(StructureUptrend, DaySummary{SweepCount: 1, HasOppositeBOSAfterSweep: true}))
	assert.Equal(t, DayTypeTrend, DeriveDayType(StructureUptrend, DaySummary{BOSCountInStructureDir: 2}))
	assert.Equal(t, DayTypeUnknown, DeriveDayType(StructureUptrend, DaySummary{}))
}

func TestEngineComputeCachesOnUnchangedFingerprint(t *testing.T) {
	e := NewEngine()
	windows := map[aggregator.Timeframe]*aggregator.Window{
		aggregator.TF1d: {TF: aggregator.TF1d, Bars: uptrendBars(25)},
	}
	ts := time.Date(2025, 8, 1, 14, 0, 0, 0, time.UTC)
	st1 := e.Compute("SPY", ts, windows, nil, DaySummary{})
	st2 := e.Compute("SPY", ts.Add(time.Minute), windows, nil, DaySummary{})
	require.Equal(t, st1.DailyStructure, st2.DailyStructure)
	// Session still reflects the new ts even though structure was cached.
	assert.Equal(t, DeriveSession(ts.Add(time.Minute)), st2.Session)
}

func TestCheckSweepSetsOnce(t *testing.T) {
	levels := []LiquidityLevel{{Price: 100, Kind: LiqPDH}}
	ts := time.Date(2025, 8, 1, 14, 0, 0, 0, time.UTC)
	CheckSweep(levels, 100.5, 99, 99.5, ts, 0.1)
	assert.True(t, levels[0].Swept)
	assert.Equal(t, ts, levels[0].SweptTs)

	prior := levels[0].SweptTs
	CheckSweep(levels, 200, 199, 199.5, ts.Add(time.Minute), 0.1)
	assert.Equal(t, prior, levels[0].SweptTs)
}
