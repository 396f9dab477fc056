// Package runctx resolves the repository root and loads ambient process
// configuration, the way the teacher's env.go/config.go load bot
// configuration, but via godotenv for .env hydration and a typed
// RunConfig for per-run parameters (spec.md §6) rather than env vars.
package runctx

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv hydrates the process environment from ./.env (and ../.env),
// without overriding variables already set. Missing files are not an
// error; ambient configuration is optional.
func LoadEnv() {
	for _, base := range []string{".", ".."} {
		_ = godotenv.Load(filepath.Join(base, ".env"))
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// ProcessConfig is the small set of ambient, process-level knobs that
// are legitimately env-sourced (ports, results root, worker pool size).
// Per-run trading parameters live in RunConfig instead, passed to
// Submit explicitly (spec.md §6's "Run configuration").
type ProcessConfig struct {
	MetricsPort    int
	ResultsRoot    string
	DataRoot       string
	PlaybookCatalog string
	MaxWorkers     int
	RunTimeoutMin  int
}

func LoadProcessConfig() ProcessConfig {
	return ProcessConfig{
		MetricsPort:     getEnvInt("DEXTERIO_METRICS_PORT", 9090),
		ResultsRoot:     getEnv("DEXTERIO_RESULTS_ROOT", "results"),
		DataRoot:        getEnv("DEXTERIO_DATA_ROOT", "data/historical/1m"),
		PlaybookCatalog: getEnv("DEXTERIO_PLAYBOOK_CATALOG", "config/playbooks.yaml"),
		MaxWorkers:      getEnvInt("DEXTERIO_MAX_WORKERS", 2),
		RunTimeoutMin:   getEnvInt("DEXTERIO_RUN_TIMEOUT_MIN", 30),
	}
}

// RepoRoot resolves the repository root deterministically, OS-agnostic,
// per spec.md §6:
//  1. explicit override via DEXTERIO_REPO_ROOT
//  2. a container marker file /.dockerenv combined with /app/backend existing -> /app
//  3. two directories up from this resolver source file, if a "backend" sibling exists
//  4. current working directory
func RepoRoot() string {
	if v := strings.TrimSpace(os.Getenv("DEXTERIO_REPO_ROOT")); v != "" {
		return v
	}
	if runtime.GOOS != "windows" {
		if _, err := os.Stat("/.dockerenv"); err == nil {
			if _, err := os.Stat("/app/backend"); err == nil {
				return "/app"
			}
		}
	}
	if _, file, _, ok := callerInfo(); ok {
		candidate := filepath.Dir(filepath.Dir(file))
		if _, err := os.Stat(filepath.Join(candidate, "backend")); err == nil {
			return candidate
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// callerInfo wraps runtime.Caller(0) so RepoRoot can be unit tested via
// a stable indirection rather than re-deriving the source path inline.
func callerInfo() (pc uintptr, file string, line int, ok bool) {
	return runtime.Caller(0)
}
