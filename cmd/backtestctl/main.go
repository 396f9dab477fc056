// Command backtestctl is the process entrypoint for the backtest job
// runner (spec.md §6).
//
// Boot sequence, mirroring the teacher bot's main.go:
//  1. runctx.LoadEnv()            - read .env (no shell exports required)
//  2. runctx.LoadProcessConfig()  - ambient, env-sourced process knobs
//  3. wire internal/job.Runner over internal/simulate.NewRunFunc
//  4. LoadFromDisk + ResetStale   - rehydrate jobs left running by a prior process
//  5. start Prometheus /metrics server on cfg.MetricsPort
//  6. dispatch the requested subcommand
//
// Subcommands:
//
//	backtestctl run      -name NAME -symbols SPY,QQQ -start 2025-08-01 -end 2025-08-31 [flags]
//	backtestctl status   -job <job_id>
//	backtestctl log      -job <job_id>
//	backtestctl download -job <job_id> -artifact trades|equity|summary|debug_counts -out <path>
//	backtestctl list     [-limit 20]
//	backtestctl cancel   -job <job_id>
//	backtestctl serve                      (metrics server only, blocks until signalled)
//
// Exit codes (spec.md §6): 0 success; 2 invalid configuration; 3 data not
// found; 4 timeout; 5 runtime error during simulation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dexterio/backtest/internal/bterrors"
	"github.com/dexterio/backtest/internal/execution"
	"github.com/dexterio/backtest/internal/job"
	"github.com/dexterio/backtest/internal/playbook"
	"github.com/dexterio/backtest/internal/runctx"
	"github.com/dexterio/backtest/internal/simulate"
	"github.com/dexterio/backtest/internal/xlog"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	runctx.LoadEnv()
	pcfg := runctx.LoadProcessConfig()
	logger := xlog.Default()

	runner := job.NewRunner(pcfg.ResultsRoot, pcfg.MaxWorkers, time.Duration(pcfg.RunTimeoutMin)*time.Minute,
		simulate.NewRunFunc(simulate.Deps{DataRoot: pcfg.DataRoot, CatalogPath: pcfg.PlaybookCatalog}))

	if err := runner.LoadFromDisk(); err != nil {
		logger.Warn("load jobs from disk: %v", err)
	}
	if n := runner.ResetStale(); n > 0 {
		logger.Info("reset %d stale running job(s) to worker_lost", n)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", pcfg.MetricsPort), Handler: mux}
	go func() {
		logger.Info("serving metrics on :%d/metrics", pcfg.MetricsPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: backtestctl <run|status|log|download|list|cancel|serve> [flags]")
		return 2
	}

	switch args[0] {
	case "run":
		return cmdRun(runner, logger, args[1:])
	case "status":
		return cmdStatus(runner, args[1:])
	case "log":
		return cmdLog(runner, args[1:])
	case "download":
		return cmdDownload(runner, args[1:])
	case "list":
		return cmdList(runner, args[1:])
	case "cancel":
		return cmdCancel(runner, args[1:])
	case "serve":
		return cmdServe(logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		return 2
	}
}

func cmdServe(logger *xlog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("serve: blocking until signalled")
	<-ctx.Done()
	return 0
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSet(s string) map[string]bool {
	items := splitCSV(s)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

func cmdRun(runner *job.Runner, logger *xlog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	name := fs.String("name", "", "run name")
	symbols := fs.String("symbols", "", "comma-separated symbols, e.g. SPY,QQQ")
	start := fs.String("start", "", "start date YYYY-MM-DD")
	end := fs.String("end", "", "end date YYYY-MM-DD")
	htfWarmupDays := fs.Int("htf-warmup-days", 5, "calendar days of HTF aggregation warmup before start")
	mode := fs.String("mode", string(playbook.ModeSafe), "SAFE or AGGRESSIVE")
	tradeTypes := fs.String("trade-types", "SCALP,DAYTRADE", "comma-separated playbook kinds to evaluate")
	capital := fs.Float64("capital", 100000, "initial account capital")
	baseRisk := fs.Float64("base-risk-pct", 0.0075, "base per-trade risk fraction")
	reducedRisk := fs.Float64("reduced-risk-pct", 0.00375, "reduced (half) per-trade risk fraction")
	commissionModel := fs.String("commission-model", string(execution.CommissionIBKRFixed), "ibkr_fixed|ibkr_tiered|none")
	enableRegFees := fs.Bool("enable-reg-fees", true, "apply SEC/FINRA fees on sell legs")
	slippageModel := fs.String("slippage-model", string(execution.SlippagePct), "pct|ticks|none")
	slippagePct := fs.Float64("slippage-pct", 0.0005, "slippage fraction when slippage-model=pct")
	slippageTicks := fs.Float64("slippage-ticks", 1, "slippage ticks when slippage-model=ticks")
	spreadModel := fs.String("spread-model", string(execution.SpreadFixedBps), "fixed_bps|none")
	spreadBps := fs.Float64("spread-bps", 2, "half-spread in basis points")
	maxSpreadBps := fs.Float64("max-spread-bps", 0, "reject entries whose spread exceeds this many basis points (0 disables the gate)")
	exportMarketState := fs.Bool("export-market-state", false, "persist per-bar market state snapshots")
	allow := fs.String("allow", "", "comma-separated playbook allowlist (AGGRESSIVE mode)")
	deny := fs.String("deny", "", "comma-separated playbook denylist")
	stopDayR := fs.Float64("stop-day-r", 0, "daily circuit breaker, in R (0 keeps the default of -4)")
	stopRunR := fs.Float64("stop-run-r", 0, "run-level circuit breaker, in R (0 keeps the default of 20)")
	cooldownMin := fs.Int("cooldown-min", 0, "minutes of cooldown once the consecutive-loss limit is hit (0 keeps the default of 30)")
	wait := fs.Bool("wait", false, "block until the job finishes, printing its final status")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	startTs, err := time.Parse("2006-01-02", *start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
		return 2
	}
	endTs, err := time.Parse("2006-01-02", *end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -end: %v\n", err)
		return 2
	}

	tradeKinds := make([]playbook.Kind, 0)
	for _, k := range splitCSV(*tradeTypes) {
		tradeKinds = append(tradeKinds, playbook.Kind(k))
	}

	cfg := runctx.RunConfig{
		RunName:               *name,
		Symbols:               splitCSV(*symbols),
		StartDate:             startTs,
		EndDate:               endTs,
		HTFWarmupDays:         *htfWarmupDays,
		TradingMode:           playbook.Mode(*mode),
		TradeTypes:            tradeKinds,
		InitialCapital:        *capital,
		BaseRiskPct:           *baseRisk,
		ReducedRiskPct:        *reducedRisk,
		CommissionModel:       execution.CommissionModel(*commissionModel),
		EnableRegFees:         *enableRegFees,
		SlippageModel:         execution.SlippageModel(*slippageModel),
		SlippagePct:           *slippagePct,
		SlippageTicks:         *slippageTicks,
		SpreadModel:           execution.SpreadModel(*spreadModel),
		SpreadBps:             *spreadBps,
		MaxSpreadBps:          *maxSpreadBps,
		ExportMarketState:     *exportMarketState,
		Allowlist:             parseSet(*allow),
		Denylist:              parseSet(*deny),
		StopDayR:              *stopDayR,
		StopRunR:              *stopRunR,
		ConsecLossCooldownMin: *cooldownMin,
	}

	jobID, err := runner.Submit(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Println(jobID)
	logger.Info("submitted job %s (%s)", jobID, cfg.RunName)

	if !*wait {
		return 0
	}
	return waitForJob(runner, jobID)
}

func waitForJob(runner *job.Runner, jobID string) int {
	for {
		rec, err := runner.Status(jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 5
		}
		if rec.Status == job.StatusDone || rec.Status == job.StatusFailed {
			printStatusTable(rec)
			if rec.Status == job.StatusFailed {
				return exitCodeForKind(rec.Error.Kind)
			}
			return 0
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func cmdStatus(runner *job.Runner, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jobID := fs.String("job", "", "job id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rec, err := runner.Status(*jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeFor(err)
	}
	printStatusTable(rec)
	if rec.Status == job.StatusFailed {
		return exitCodeForKind(rec.Error.Kind)
	}
	return 0
}

func cmdLog(runner *job.Runner, args []string) int {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	jobID := fs.String("job", "", "job id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	out, err := runner.Log(*jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeFor(err)
	}
	fmt.Print(out)
	return 0
}

func cmdDownload(runner *job.Runner, args []string) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	jobID := fs.String("job", "", "job id")
	artifact := fs.String("artifact", "summary", "trades|equity|summary|debug_counts")
	out := fs.String("out", "", "output file path (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	data, err := runner.Download(*jobID, *artifact)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeFor(err)
	}
	if *out == "" {
		os.Stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		return 5
	}
	return 0
}

func cmdList(runner *job.Runner, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max jobs to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	records := runner.List(*limit)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("JOB ID", "STATUS", "PROGRESS", "CONFIG", "CREATED")
	for _, rec := range records {
		table.Append(
			rec.JobID,
			string(rec.Status),
			fmt.Sprintf("%.0f%%", rec.Progress*100),
			rec.ConfigSummary,
			rec.CreatedAt.Format(time.RFC3339),
		)
	}
	table.Render()
	return 0
}

func cmdCancel(runner *job.Runner, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	jobID := fs.String("job", "", "job id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := runner.Cancel(*jobID); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeFor(err)
	}
	fmt.Printf("cancel requested for %s\n", *jobID)
	return 0
}

// printStatusTable renders one job.Record as a FIELD/VALUE table, in the
// same tablewriter idiom as cmdList, for the CLI's status command.
func printStatusTable(rec *job.Record) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("FIELD", "VALUE")
	table.Append("JOB ID", rec.JobID)
	table.Append("STATUS", string(rec.Status))
	table.Append("PROGRESS", fmt.Sprintf("%.0f%%", rec.Progress*100))
	table.Append("CONFIG", rec.ConfigSummary)
	table.Append("CREATED", rec.CreatedAt.Format(time.RFC3339))
	if rec.FinishedAt != nil {
		table.Append("FINISHED", rec.FinishedAt.Format(time.RFC3339))
	}
	if m := rec.Metrics; m != nil {
		table.Append("TRADES", fmt.Sprintf("%d", m.Trades))
		table.Append("WINRATE", fmt.Sprintf("%.2f%%", m.Winrate*100))
		table.Append("PROFIT FACTOR", fmt.Sprintf("%.2f", m.ProfitFactor))
		table.Append("EXPECTANCY R", fmt.Sprintf("%.3f", m.ExpectancyR))
		table.Append("MAX DRAWDOWN R", fmt.Sprintf("%.3f", m.MaxDrawdownR))
	}
	for name, path := range rec.ArtifactPaths {
		table.Append("ARTIFACT: "+name, path)
	}
	if rec.Error != nil {
		table.Append("ERROR KIND", rec.Error.Kind)
		table.Append("ERROR MESSAGE", rec.Error.Message)
	}
	table.Render()
}

// exitCodeFor maps an error to spec.md §6's CLI exit codes. Errors not
// routed through bterrors are runtime failures (exit 5); job lookup
// failures are data errors (exit 3); an unrecognised kind maps to 2.
func exitCodeFor(err error) int {
	return exitCodeForKind(string(bterrors.KindOf(err)))
}

func exitCodeForKind(kind string) int {
	switch bterrors.Kind(kind) {
	case bterrors.KindConfig:
		return 2
	case bterrors.KindData:
		return 3
	case bterrors.KindTimeout:
		return 4
	case bterrors.KindState, bterrors.KindRuntime, bterrors.KindWorkerLost, bterrors.KindCancelled:
		return 5
	default:
		return 2
	}
}
