package runctx

import (
	"os"
	"testing"
	"time"

	"github.com/dexterio/backtest/internal/playbook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoRootHonorsExplicitOverride(t *testing.T) {
	t.Setenv("DEXTERIO_REPO_ROOT", "/tmp/override-root")
	assert.Equal(t, "/tmp/override-root", RepoRoot())
}

func TestLoadProcessConfigDefaults(t *testing.T) {
	os.Unsetenv("DEXTERIO_METRICS_PORT")
	os.Unsetenv("DEXTERIO_RESULTS_ROOT")
	cfg := LoadProcessConfig()
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "results", cfg.ResultsRoot)
}

func TestLoadProcessConfigHonorsEnvOverride(t *testing.T) {
	t.Setenv("DEXTERIO_METRICS_PORT", "1234")
	cfg := LoadProcessConfig()
	assert.Equal(t, 1234, cfg.MetricsPort)
}

func validRunConfig() RunConfig {
	return RunConfig{
		RunName:        "smoke",
		Symbols:        []string{"SPY"},
		StartDate:      time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		InitialCapital: 50000,
		TradingMode:    playbook.ModeAggressive,
	}
}

func TestRunConfigValidateAcceptsValidConfig(t *testing.T) {
	require.NoError(t, validRunConfig().Validate())
}

func TestRunConfigValidateRejectsMissingRunName(t *testing.T) {
	c := validRunConfig()
	c.RunName = ""
	require.Error(t, c.Validate())
}

func TestRunConfigValidateRejectsEndBeforeStart(t *testing.T) {
	c := validRunConfig()
	c.EndDate = c.StartDate.Add(-24 * time.Hour)
	require.Error(t, c.Validate())
}

func TestRunConfigValidateRejectsUnknownMode(t *testing.T) {
	c := validRunConfig()
	c.TradingMode = "BOGUS"
	require.Error(t, c.Validate())
}
