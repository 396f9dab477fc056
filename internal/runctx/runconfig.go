package runctx

import (
	"time"

	"github.com/dexterio/backtest/internal/execution"
	"github.com/dexterio/backtest/internal/playbook"
)

// RunConfig is the full per-run configuration spec.md §6 passes into
// submit/run. Unlike ProcessConfig, every field here is explicit input
// to one backtest, never env-sourced.
type RunConfig struct {
	RunName         string
	Symbols         []string
	DataPaths       map[string]string
	StartDate       time.Time
	EndDate         time.Time
	HTFWarmupDays   int
	TradingMode     playbook.Mode
	TradeTypes      []playbook.Kind
	InitialCapital  float64
	BaseRiskPct     float64
	ReducedRiskPct  float64
	CommissionModel execution.CommissionModel
	EnableRegFees   bool
	SlippageModel   execution.SlippageModel
	SlippagePct     float64
	SlippageTicks   float64
	SpreadModel     execution.SpreadModel
	SpreadBps       float64
	MaxSpreadBps    float64
	ExportMarketState bool
	Allowlist       map[string]bool
	Denylist        map[string]bool
	StopDayR        float64
	StopRunR        float64
	ConsecLossCooldownMin int
}

// Validate checks the closed set of required fields; it returns the
// first problem found so the caller can fail the run with
// ConfigError("run_config_invalid", ...).
func (c RunConfig) Validate() error {
	switch {
	case c.RunName == "":
		return errRequired("run_name")
	case len(c.Symbols) == 0:
		return errRequired("symbols")
	case c.EndDate.Before(c.StartDate):
		return errRequired("end_date >= start_date")
	case c.InitialCapital <= 0:
		return errRequired("initial_capital")
	case c.TradingMode != playbook.ModeSafe && c.TradingMode != playbook.ModeAggressive:
		return errRequired("trading_mode")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "run config missing or invalid: " + e.field }

func errRequired(field string) error { return &configError{field: field} }
