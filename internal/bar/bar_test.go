package bar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkBar(sym string, minute int, o, h, l, c, v float64) Bar {
	return Bar{
		Ts:     time.Date(2025, 8, 1, 13, 30, 0, 0, time.UTC).Add(time.Duration(minute) * time.Minute),
		Symbol: sym,
		Open:   o, High: h, Low: l, Close: c, Volume: v,
	}
}

func TestBarValidate(t *testing.T) {
	good := mkBar("SPY", 0, 100, 101, 99, 100.5, 1000)
	assert.NoError(t, good.Validate())

	bad := good
	bad.Low = 102
	assert.Error(t, bad.Validate())

	badVol := good
	badVol.Volume = -1
	assert.Error(t, badVol.Validate())
}

func TestResolvePrefersUppercaseThenLowercaseThenLegacyGlob(t *testing.T) {
	dir := t.TempDir()

	_, err := Resolve(dir, "SPY")
	require.Error(t, err)

	legacy := filepath.Join(dir, "spy_1m_2025-08.parquet")
	require.NoError(t, os.WriteFile(legacy, []byte("x"), 0o644))
	got, err := Resolve(dir, "SPY")
	require.NoError(t, err)
	assert.Equal(t, legacy, got)

	lower := filepath.Join(dir, "spy.parquet")
	require.NoError(t, os.WriteFile(lower, []byte("x"), 0o644))
	got, err = Resolve(dir, "SPY")
	require.NoError(t, err)
	assert.Equal(t, lower, got)

	upper := filepath.Join(dir, "SPY.parquet")
	require.NoError(t, os.WriteFile(upper, []byte("x"), 0o644))
	got, err = Resolve(dir, "SPY")
	require.NoError(t, err)
	assert.Equal(t, upper, got)
}

func TestMergeStreamsOrdersByTimeThenSymbol(t *testing.T) {
	t0 := time.Date(2025, 8, 1, 13, 30, 0, 0, time.UTC)
	spy := []Bar{{Ts: t0, Symbol: "SPY"}, {Ts: t0.Add(time.Minute), Symbol: "SPY"}}
	qqq := []Bar{{Ts: t0, Symbol: "QQQ"}}

	merged := MergeStreams(map[string][]Bar{"SPY": spy, "QQQ": qqq})
	require.Len(t, merged, 3)
	assert.Equal(t, "QQQ", merged[0].Symbol)
	assert.Equal(t, "SPY", merged[1].Symbol)
	assert.Equal(t, t0.Add(time.Minute), merged[2].Ts)
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SPY.parquet")
	bars := []Bar{
		mkBar("SPY", 0, 100, 101, 99, 100.5, 1000),
		mkBar("SPY", 1, 100.5, 102, 100, 101.5, 1200),
	}
	require.NoError(t, Write(path, bars))

	got, err := Load(path, "SPY")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, bars[0].Close, got[0].Close)
	assert.Equal(t, bars[1].High, got[1].High)
}
