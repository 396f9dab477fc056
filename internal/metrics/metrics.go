// Package metrics exposes Prometheus instrumentation for a running job:
//   - backtest_bars_processed_total{symbol}     - bars folded through the pipeline
//   - backtest_setups_emitted_total{playbook}   - setups the Setup Engine built
//   - backtest_rejections_total{stage,reason}   - gating/risk rejections by taxonomy
//   - backtest_trades_total{result}             - closed trades by win/loss/breakeven
//   - backtest_equity_r                         - current cumulative net equity, in R
//   - backtest_job_progress{job_id}             - current job's progress in [0,1]
//   - backtest_job_duration_seconds{status}     - wall-clock time per finished job (done|failed)
//
// Registered in init() and served by the HTTP handler cmd/backtestctl starts
// at /metrics (Prometheus text exposition format).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BarsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_bars_processed_total",
			Help: "Bars folded through the simulation pipeline",
		},
		[]string{"symbol"},
	)

	SetupsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_setups_emitted_total",
			Help: "Setups built by the Setup Engine",
		},
		[]string{"playbook"},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_rejections_total",
			Help: "Gating and risk rejections by stage and taxonomy reason",
		},
		[]string{"stage", "reason"},
	)

	Trades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_trades_total",
			Help: "Closed trades by result (win|loss|breakeven)",
		},
		[]string{"result"},
	)

	EquityR = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtest_equity_r",
			Help: "Current cumulative net equity, in R",
		},
	)

	JobProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backtest_job_progress",
			Help: "Current progress in [0,1] of an active job",
		},
		[]string{"job_id"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtest_job_duration_seconds",
			Help:    "Wall-clock duration of completed jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(BarsProcessed, SetupsEmitted, Rejections, Trades)
	prometheus.MustRegister(EquityR, JobProgress, JobDuration)
}

func IncBarsProcessed(symbol string)         { BarsProcessed.WithLabelValues(symbol).Inc() }
func IncSetupEmitted(playbookName string)    { SetupsEmitted.WithLabelValues(playbookName).Inc() }
func IncRejection(stage, reason string)      { Rejections.WithLabelValues(stage, reason).Inc() }
func IncTrade(result string)                 { Trades.WithLabelValues(result).Inc() }
func SetEquityR(v float64)                   { EquityR.Set(v) }
func SetJobProgress(jobID string, v float64) { JobProgress.WithLabelValues(jobID).Set(v) }
func ObserveJobDuration(status string, seconds float64) {
	JobDuration.WithLabelValues(status).Observe(seconds)
}
