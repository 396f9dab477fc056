// Package bterrors defines the closed error taxonomy shared by every stage
// of the backtest pipeline and by the job runner that wraps it.
//
// ConfigError and DataError are detected up front and abort a run before any
// bar is processed. StateError means an internal invariant was violated and
// is always a bug. RuntimeFailure wraps an unexpected panic/error recovered
// inside a single pipeline stage. Cancelled, Timeout and WorkerLost are
// job-lifecycle failures, never pipeline failures.
//
// RiskReject and GateReject are deliberately NOT part of this taxonomy: they
// are ordinary values (see internal/risk and internal/playbook), not errors,
// per spec.md §9 ("exceptions used as control flow in gating").
package bterrors

import "fmt"

// Kind is one of the closed taxonomy members.
type Kind string

const (
	KindConfig       Kind = "ConfigError"
	KindData         Kind = "DataError"
	KindState        Kind = "StateError"
	KindRuntime      Kind = "RuntimeFailure"
	KindCancelled    Kind = "Cancelled"
	KindTimeout      Kind = "Timeout"
	KindWorkerLost   Kind = "WorkerLost"
)

// Error is the concrete type behind every taxonomy member. It carries the
// component that raised it (e.g. "aggregator", "execution") so job.json's
// error.message has enough context to triage without re-running the job.
type Error struct {
	Kind      Kind
	Component string
	Symbol    string
	Err       error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s[%s/%s]: %v", e.Kind, e.Component, e.Symbol, e.Err)
	}
	if e.Component != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Component, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Component: component, Err: err}
}

func NewWithSymbol(kind Kind, component, symbol string, err error) *Error {
	return &Error{Kind: kind, Component: component, Symbol: symbol, Err: err}
}

func Config(component string, err error) *Error  { return New(KindConfig, component, err) }
func Data(component string, err error) *Error     { return New(KindData, component, err) }
func State(component string, err error) *Error    { return New(KindState, component, err) }
func Runtime(component string, err error) *Error  { return New(KindRuntime, component, err) }

// Configf/Dataf/Statef/Runtimef are fmt.Errorf-style convenience constructors.
func Configf(component, format string, a ...any) *Error {
	return Config(component, fmt.Errorf(format, a...))
}
func Dataf(component, format string, a ...any) *Error {
	return Data(component, fmt.Errorf(format, a...))
}
func Statef(component, format string, a ...any) *Error {
	return State(component, fmt.Errorf(format, a...))
}
func Runtimef(component, format string, a ...any) *Error {
	return Runtime(component, fmt.Errorf(format, a...))
}

// KindOf extracts the taxonomy Kind from any error, defaulting to
// KindRuntime for errors that never went through this package.
func KindOf(err error) Kind {
	var be *Error
	if as(err, &be) {
		return be.Kind
	}
	return KindRuntime
}

// as is a tiny local errors.As to avoid importing "errors" just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if be, ok := err.(*Error); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
