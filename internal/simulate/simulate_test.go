package simulate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dexterio/backtest/internal/bar"
	"github.com/dexterio/backtest/internal/job"
	"github.com/dexterio/backtest/internal/playbook"
	"github.com/dexterio/backtest/internal/runctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// genBars builds a minute-by-minute OHLCV stream for symbol starting at
// start, oscillating enough to exercise the candlestick/ICT detectors
// without ever violating the Bar invariant.
func genBars(symbol string, start time.Time, n int, base float64) []bar.Bar {
	bars := make([]bar.Bar, 0, n)
	price := base
	for i := 0; i < n; i++ {
		open := price
		delta := 0.15
		if i%7 == 0 {
			delta = -0.3
		}
		close := open + delta
		high := open + 0.4
		low := open - 0.4
		if close > high {
			high = close
		}
		if close < low {
			low = close
		}
		bars = append(bars, bar.Bar{
			Ts:     start.Add(time.Duration(i) * time.Minute),
			Symbol: symbol,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: 1000 + float64(i),
		})
		price = close
	}
	return bars
}

func writeCatalog(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "playbooks.yaml")
	yamlBody := `
playbooks:
  - name: generic_scalp
    kind: SCALP
    weights:
      w_ict: 0.3
      w_pattern: 0.3
      w_context: 0.4
  - name: generic_daytrade
    kind: DAYTRADE
    weights:
      w_ict: 0.3
      w_pattern: 0.3
      w_context: 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	return path
}

func waitForJobStatus(t *testing.T, r *job.Runner, jobID string, want job.Status, timeout time.Duration) *job.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := r.Status(jobID)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return nil
}

func TestRunFuncDrivesFullPipelineToCompletion(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "SPY.parquet")
	start := time.Date(2025, 8, 1, 14, 35, 0, 0, time.UTC) // 10:35 ET, crosses the 11:00 ET boundary
	bars := genBars("SPY", start, 90, 500.0)
	require.NoError(t, bar.Write(dataPath, bars))

	catalogPath := writeCatalog(t, dir)

	cfg := runctx.RunConfig{
		RunName:        "pipeline-smoke",
		Symbols:        []string{"SPY"},
		DataPaths:      map[string]string{"SPY": dataPath},
		StartDate:      time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		HTFWarmupDays:  0,
		TradingMode:    playbook.ModeAggressive,
		InitialCapital: 100000,
		BaseRiskPct:    0.02,
		ReducedRiskPct: 0.01,
		EnableRegFees:  true,
	}
	require.NoError(t, cfg.Validate())

	resultsRoot := filepath.Join(dir, "results")
	runFunc := NewRunFunc(Deps{DataRoot: dir, CatalogPath: catalogPath})
	runner := job.NewRunner(resultsRoot, 2, time.Minute, runFunc)

	jobID, err := runner.Submit(cfg)
	require.NoError(t, err)

	rec := waitForJobStatus(t, runner, jobID, job.StatusDone, 5*time.Second)
	assert.Equal(t, 1.0, rec.Progress)
	require.NotNil(t, rec.Metrics)
	assert.Contains(t, rec.ArtifactPaths, "trades")
	assert.Contains(t, rec.ArtifactPaths, "equity")
	assert.FileExists(t, filepath.Join(resultsRoot, "jobs", jobID, "summary.json"))
}

func TestRunReturnsDataErrorWhenSymbolFileMissing(t *testing.T) {
	dir := t.TempDir()
	catalogPath := writeCatalog(t, dir)
	cfg := runctx.RunConfig{
		RunName:        "missing-data",
		Symbols:        []string{"QQQ"},
		StartDate:      time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		TradingMode:    playbook.ModeSafe,
		InitialCapital: 50000,
	}
	require.NoError(t, cfg.Validate())

	runFunc := NewRunFunc(Deps{DataRoot: dir, CatalogPath: catalogPath})
	_, err := runFunc(context.Background(), cfg, func(float64) {})
	require.Error(t, err)
}

func TestRunRespectsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "SPY.parquet")
	start := time.Date(2025, 8, 1, 14, 35, 0, 0, time.UTC)
	bars := genBars("SPY", start, 200, 500.0)
	require.NoError(t, bar.Write(dataPath, bars))
	catalogPath := writeCatalog(t, dir)

	cfg := runctx.RunConfig{
		RunName:        "cancel-smoke",
		Symbols:        []string{"SPY"},
		DataPaths:      map[string]string{"SPY": dataPath},
		StartDate:      time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		TradingMode:    playbook.ModeAggressive,
		InitialCapital: 100000,
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runFunc := NewRunFunc(Deps{DataRoot: dir, CatalogPath: catalogPath})
	_, err := runFunc(ctx, cfg, func(float64) {})
	require.Error(t, err)
}
