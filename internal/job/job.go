// Package job implements the executor of spec.md §4.9:
// submit/status/log/download/list/reset_stale over a fixed
// results/jobs/<job_id>/ directory layout. Jobs run as goroutines inside
// the calling process, at most maxWorkers at a time
// (golang.org/x/sync/semaphore); they are not isolated in separate
// processes.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dexterio/backtest/internal/bterrors"
	"github.com/dexterio/backtest/internal/ledger"
	"github.com/dexterio/backtest/internal/metrics"
	"github.com/dexterio/backtest/internal/runctx"
	"github.com/dexterio/backtest/internal/xlog"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// progressFlushRate bounds how often a running job's progress is
// persisted to job.json; the progress callback is called once per bar and a multi-year
// 1m backtest can process millions of bars, far more often than the
// on-disk record needs to change.
const progressFlushRate = 5 // per second

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Record is the job.json status record (spec.md §6's persisted state
// layout). It is written atomically on every transition.
type Record struct {
	JobID         string            `json:"job_id"`
	Status        Status            `json:"status"`
	Progress      float64           `json:"progress"`
	ConfigSummary string            `json:"config_summary"`
	CreatedAt     time.Time         `json:"created_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	Metrics       *ledger.Metrics   `json:"metrics,omitempty"`
	ArtifactPaths map[string]string `json:"artifact_paths,omitempty"`
	Error         *ErrorInfo        `json:"error,omitempty"`
}

// RunResult is whatever a backtest run produced, ready to be persisted
// as the job's artifacts.
type RunResult struct {
	Metrics             ledger.Metrics
	Trades              []ledger.Trade
	Equity              []ledger.EquityPoint
	DebugCounts         map[string]int
}

// RunFunc executes one backtest run to completion or error, calling
// progress periodically with a value in [0,1].
type RunFunc func(ctx context.Context, cfg runctx.RunConfig, progress func(float64)) (*RunResult, error)

// Runner owns the job directory filesystem region exclusively; no two
// jobs share paths (spec.md §5).
type Runner struct {
	resultsRoot      string
	timeout          time.Duration
	run              RunFunc
	sem              *semaphore.Weighted
	progressLimiter  *rate.Limiter

	mu     sync.Mutex
	jobs   map[string]*Record
	cancel map[string]context.CancelFunc
	// alive tracks job IDs whose worker goroutine is still running in
	// THIS process; used by ResetStale to distinguish a genuinely dead
	// worker (process restart) from one still in flight.
	alive map[string]bool
}

func NewRunner(resultsRoot string, maxWorkers int, timeout time.Duration, run RunFunc) *Runner {
	return &Runner{
		resultsRoot:     resultsRoot,
		timeout:         timeout,
		run:             run,
		sem:             semaphore.NewWeighted(int64(maxWorkers)),
		progressLimiter: rate.NewLimiter(progressFlushRate, 1),
		jobs:            make(map[string]*Record),
		cancel:          make(map[string]context.CancelFunc),
		alive:           make(map[string]bool),
	}
}

func (r *Runner) jobDir(jobID string) string {
	return filepath.Join(r.resultsRoot, "jobs", jobID)
}

// Submit creates the job directory, writes the initial queued job.json,
// and dispatches the work in a worker goroutine bounded by the
// semaphore (spec.md §4.9).
func (r *Runner) Submit(cfg runctx.RunConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", bterrors.Config("job", err)
	}
	jobID := uuid.NewString()
	dir := r.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", bterrors.Runtime("job", err)
	}

	rec := &Record{
		JobID:         jobID,
		Status:        StatusQueued,
		ConfigSummary: fmt.Sprintf("%s symbols=%v %s..%s mode=%s", cfg.RunName, cfg.Symbols, cfg.StartDate.Format("2006-01-02"), cfg.EndDate.Format("2006-01-02"), cfg.TradingMode),
		CreatedAt:     time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[jobID] = rec
	r.mu.Unlock()
	if err := r.writeRecord(jobID, rec); err != nil {
		return "", err
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), r.timeout)
	r.mu.Lock()
	r.cancel[jobID] = cancelFn
	r.alive[jobID] = true
	r.mu.Unlock()

	go r.work(ctx, jobID, cfg)

	return jobID, nil
}

func (r *Runner) work(ctx context.Context, jobID string, cfg runctx.RunConfig) {
	defer func() {
		r.mu.Lock()
		delete(r.alive, jobID)
		delete(r.cancel, jobID)
		r.mu.Unlock()
	}()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.fail(jobID, bterrors.KindCancelled, "worker pool acquire: "+err.Error())
		return
	}
	defer r.sem.Release(1)

	logPath := filepath.Join(r.jobDir(jobID), "job.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		r.fail(jobID, bterrors.KindRuntime, err.Error())
		return
	}
	defer logFile.Close()
	logger := xlog.New(logFile)

	r.setStatus(jobID, StatusRunning)
	logger.Info("job %s started", jobID)
	start := time.Now()

	progress := func(p float64) {
		r.setProgress(jobID, p)
		metrics.SetJobProgress(jobID, p)
	}

	result, err := r.run(ctx, cfg, progress)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		kind := string(bterrors.KindOf(err))
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			kind = string(bterrors.KindTimeout)
		case ctx.Err() == context.Canceled:
			kind = string(bterrors.KindCancelled)
		}
		logger.Errorf("job %s failed: %v", jobID, err)
		r.failPreservingArtifacts(jobID, kind, err.Error(), result)
		metrics.ObserveJobDuration("failed", elapsed)
		return
	}

	paths, writeErr := r.writeArtifacts(jobID, result)
	if writeErr != nil {
		logger.Errorf("job %s artifact write failed: %v", jobID, writeErr)
		r.fail(jobID, string(bterrors.KindRuntime), writeErr.Error())
		metrics.ObserveJobDuration("failed", elapsed)
		return
	}
	logger.Info("job %s done in %.1fs", jobID, elapsed)
	metrics.ObserveJobDuration("done", elapsed)
	r.complete(jobID, result, paths)
}

func (r *Runner) writeArtifacts(jobID string, result *RunResult) (map[string]string, error) {
	dir := r.jobDir(jobID)
	paths := make(map[string]string)

	tradesPath := filepath.Join(dir, "trades.parquet")
	if err := ledger.WriteTrades(tradesPath, result.Trades); err != nil {
		return nil, err
	}
	paths["trades"] = tradesPath

	equityPath := filepath.Join(dir, "equity.parquet")
	if err := ledger.WriteEquity(equityPath, result.Equity); err != nil {
		return nil, err
	}
	paths["equity"] = equityPath

	summaryPath := filepath.Join(dir, "summary.json")
	summaryBytes, err := json.MarshalIndent(result.Metrics, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(summaryPath, summaryBytes, 0o644); err != nil {
		return nil, err
	}
	paths["summary"] = summaryPath

	debugPath := filepath.Join(dir, "debug_counts.json")
	debugBytes, err := json.MarshalIndent(result.DebugCounts, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(debugPath, debugBytes, 0o644); err != nil {
		return nil, err
	}
	paths["debug_counts"] = debugPath

	return paths, nil
}

func (r *Runner) writeRecord(jobID string, rec *Record) error {
	path := filepath.Join(r.jobDir(jobID), "job.json")
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return bterrors.Runtime("job", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return bterrors.Runtime("job", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return bterrors.Runtime("job", err)
	}
	return nil
}

func (r *Runner) setStatus(jobID string, status Status) {
	r.mu.Lock()
	rec := r.jobs[jobID]
	rec.Status = status
	r.mu.Unlock()
	_ = r.writeRecord(jobID, rec)
}

// setProgress updates the in-memory record on every call but only
// flushes job.json at progressLimiter's pace, plus unconditionally on
// the final bar (p >= 1), so a multi-year bar-by-bar run doesn't
// thrash the job directory with one write per bar.
func (r *Runner) setProgress(jobID string, p float64) {
	r.mu.Lock()
	rec := r.jobs[jobID]
	rec.Progress = p
	r.mu.Unlock()
	if p < 1 && !r.progressLimiter.Allow() {
		return
	}
	_ = r.writeRecord(jobID, rec)
}

func (r *Runner) fail(jobID string, kind, message string) {
	r.failPreservingArtifacts(jobID, kind, message, nil)
}

func (r *Runner) failPreservingArtifacts(jobID string, kind, message string, partial *RunResult) {
	now := time.Now().UTC()
	r.mu.Lock()
	rec := r.jobs[jobID]
	rec.Status = StatusFailed
	rec.FinishedAt = &now
	rec.Error = &ErrorInfo{Kind: kind, Message: message}
	r.mu.Unlock()

	if partial != nil {
		if paths, err := r.writeArtifacts(jobID, partial); err == nil {
			r.mu.Lock()
			rec.ArtifactPaths = paths
			r.mu.Unlock()
		}
	}
	_ = r.writeRecord(jobID, rec)
}

func (r *Runner) complete(jobID string, result *RunResult, paths map[string]string) {
	now := time.Now().UTC()
	r.mu.Lock()
	rec := r.jobs[jobID]
	rec.Status = StatusDone
	rec.Progress = 1
	rec.FinishedAt = &now
	rec.Metrics = &result.Metrics
	rec.ArtifactPaths = paths
	r.mu.Unlock()
	_ = r.writeRecord(jobID, rec)
}

// Status returns the current in-memory job record.
func (r *Runner) Status(jobID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return nil, bterrors.Dataf("job", "unknown job %s", jobID)
	}
	cp := *rec
	return &cp, nil
}

// Log returns the full contents of job.log.
func (r *Runner) Log(jobID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.jobDir(jobID), "job.log"))
	if err != nil {
		return "", bterrors.Data("job", err)
	}
	return string(data), nil
}

// Download returns the bytes of a named artifact.
func (r *Runner) Download(jobID, artifactName string) ([]byte, error) {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil, bterrors.Dataf("job", "unknown job %s", jobID)
	}
	path, ok := rec.ArtifactPaths[artifactName]
	if !ok {
		return nil, bterrors.Dataf("job", "unknown artifact %s for job %s", artifactName, jobID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bterrors.Data("job", err)
	}
	return data, nil
}

// List returns up to limit job records, most recently created first.
func (r *Runner) List(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, *rec)
	}
	sortRecordsByCreatedAtDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortRecordsByCreatedAtDesc(recs []Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].CreatedAt.After(recs[j-1].CreatedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// Cancel requests cancellation of a running job. Cancellation cannot
// preempt the atomic "process one bar" unit (spec.md §5); the run
// function is expected to check ctx between bars.
func (r *Runner) Cancel(jobID string) error {
	r.mu.Lock()
	cancel, ok := r.cancel[jobID]
	r.mu.Unlock()
	if !ok {
		return bterrors.Dataf("job", "job %s is not running", jobID)
	}
	cancel()
	return nil
}

// ResetStale moves any job this process believes is "running" but whose
// worker goroutine is no longer alive (e.g. after a process restart,
// rehydrated from disk) to failed/worker_lost (spec.md §4.9).
func (r *Runner) ResetStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	reset := 0
	for jobID, rec := range r.jobs {
		if rec.Status == StatusRunning && !r.alive[jobID] {
			now := time.Now().UTC()
			rec.Status = StatusFailed
			rec.FinishedAt = &now
			rec.Error = &ErrorInfo{Kind: string(bterrors.KindWorkerLost), Message: "worker_lost"}
			_ = r.writeRecord(jobID, rec)
			reset++
		}
	}
	return reset
}

// LoadFromDisk rehydrates job records from an existing results root on
// startup, so ResetStale can see jobs left "running" by a prior process.
func (r *Runner) LoadFromDisk() error {
	jobsDir := filepath.Join(r.resultsRoot, "jobs")
	entries, err := os.ReadDir(jobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return bterrors.Runtime("job", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(jobsDir, e.Name(), "job.json"))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		r.jobs[rec.JobID] = &rec
	}
	return nil
}
