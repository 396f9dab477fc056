// Package xlog is a thin wrapper around the standard log package using the
// bracketed-level idiom the teacher bot uses throughout trader.go and
// main.go ("[INFO]", "[WARN]", "[DEBUG]", "[FATAL]"). Nothing in the
// retrieval pack imports a structured logging library, so this concern
// stays on the standard library by design (see DESIGN.md).
package xlog

import (
	"io"
	"log"
	"os"
)

// Logger writes bracket-prefixed lines to one destination writer (stderr
// by default; a running job's job.log file).
type Logger struct {
	l *log.Logger
}

// New builds a Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{l: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

// Default writes to stderr only; used before a job directory exists.
func Default() *Logger { return New(os.Stderr) }

func (lg *Logger) Info(format string, a ...any)  { lg.l.Printf("[INFO] "+format, a...) }
func (lg *Logger) Warn(format string, a ...any)  { lg.l.Printf("[WARN] "+format, a...) }
func (lg *Logger) Debugf(format string, a ...any) { lg.l.Printf("[DEBUG] "+format, a...) }
func (lg *Logger) Errorf(format string, a ...any) { lg.l.Printf("[ERROR] "+format, a...) }
