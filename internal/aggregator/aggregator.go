// Package aggregator folds the 1-minute bar stream into bounded, higher
// timeframe rolling windows (spec.md §4.1). It is the leaf-most component
// in the pipeline: every other component consumes its output but never
// mutates it.
package aggregator

import (
	"time"

	"github.com/dexterio/backtest/internal/bar"
	"github.com/dexterio/backtest/internal/bterrors"
)

// Timeframe identifies one of the six rolling windows the aggregator keeps.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// AllTimeframes lists every higher timeframe the aggregator maintains,
// 1m first (it is always updated), then ascending.
var AllTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d}

// HTFTimeframes excludes 1m; these are the ones spec.md §4.1 calls HTF.
var HTFTimeframes = []Timeframe{TF5m, TF15m, TF1h, TF4h, TF1d}

var windowCap = map[Timeframe]int{
	TF1m:  500,
	TF5m:  200,
	TF15m: 100,
	TF1h:  50,
	TF4h:  30,
	TF1d:  30,
}

// Config governs the two boundary rules spec.md §4.1 leaves instrument- and
// deployment-specific: which UTC hours close a 4h bucket, and which UTC hour
// closes the daily bucket.
type Config struct {
	// FourHourCloseHours are the UTC hours (minute 59) that close a 4h
	// bucket; spec.md requires exactly the three aligned buckets that
	// overlap the US equity trading day in UTC. Default covers the
	// pre-market/RTH/after-hours split for the EDT trading day.
	FourHourCloseHours []int
	// DailyCloseHour is the single UTC hour (minute 59) that closes the
	// 1d bucket (the configured market-close UTC hour; not DST-adjusted,
	// unlike session derivation in internal/marketstate).
	DailyCloseHour int
}

// DefaultConfig matches the NYSE 9:30-16:00 ET regular session under EDT.
func DefaultConfig() Config {
	return Config{
		FourHourCloseHours: []int{11, 15, 19},
		DailyCloseHour:     20,
	}
}

// Bar is an aggregated OHLCV row for one timeframe; distinct from bar.Bar
// only in carrying no symbol (the window already belongs to one symbol).
type Bar struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Window is a bounded, append-only (modulo cap eviction) ordered sequence
// of aggregated bars for one symbol+timeframe.
type Window struct {
	TF   Timeframe
	Bars []Bar
}

// Last returns the most recently closed bar, or the zero value and false if
// the window is still empty.
func (w *Window) Last() (Bar, bool) {
	if len(w.Bars) == 0 {
		return Bar{}, false
	}
	return w.Bars[len(w.Bars)-1], true
}

func (w *Window) append(b Bar, cap int) {
	w.Bars = append(w.Bars, b)
	if len(w.Bars) > cap {
		w.Bars = w.Bars[len(w.Bars)-cap:]
	}
}

type bucket struct {
	open, high, low, close, volume float64
	started                        bool
	closeTs                        time.Time
}

func (b *bucket) ingest(row bar.Bar) {
	if !b.started {
		b.open = row.Open
		b.high = row.High
		b.low = row.Low
		b.started = true
	} else {
		if row.High > b.high {
			b.high = row.High
		}
		if row.Low < b.low {
			b.low = row.Low
		}
	}
	b.close = row.Close
	b.volume += row.Volume
	b.closeTs = row.Ts
}

func (b *bucket) reset() { *b = bucket{} }

type symbolState struct {
	windows map[Timeframe]*Window
	buckets map[Timeframe]*bucket
}

func newSymbolState() *symbolState {
	s := &symbolState{
		windows: make(map[Timeframe]*Window, len(AllTimeframes)),
		buckets: make(map[Timeframe]*bucket, len(HTFTimeframes)),
	}
	for _, tf := range AllTimeframes {
		s.windows[tf] = &Window{TF: tf}
	}
	for _, tf := range HTFTimeframes {
		s.buckets[tf] = &bucket{}
	}
	return s
}

// Aggregator maintains per-symbol rolling windows at 1m/5m/15m/1h/4h/1d.
type Aggregator struct {
	cfg       Config
	fourHour  map[int]bool
	bySymbol  map[string]*symbolState
	warmingUp map[string]bool
}

func New(cfg Config) *Aggregator {
	fh := make(map[int]bool, len(cfg.FourHourCloseHours))
	for _, h := range cfg.FourHourCloseHours {
		fh[h] = true
	}
	return &Aggregator{
		cfg:       cfg,
		fourHour:  fh,
		bySymbol:  make(map[string]*symbolState),
		warmingUp: make(map[string]bool),
	}
}

func (a *Aggregator) state(symbol string) *symbolState {
	s, ok := a.bySymbol[symbol]
	if !ok {
		s = newSymbolState()
		a.bySymbol[symbol] = s
	}
	return s
}

// closesBoundary implements the six closing tests from spec.md §4.1.
func (a *Aggregator) closesBoundary(tf Timeframe, ts time.Time) bool {
	minute := ts.Minute()
	hour := ts.Hour()
	switch tf {
	case TF5m:
		return minute%5 == 4
	case TF15m:
		switch minute {
		case 14, 29, 44, 59:
			return true
		}
		return false
	case TF1h:
		return minute == 59
	case TF4h:
		return minute == 59 && a.fourHour[hour]
	case TF1d:
		return minute == 59 && hour == a.cfg.DailyCloseHour
	}
	return false
}

// Warmup feeds a prior-history bar purely to populate HTF windows: no
// timeframe closure is reported and callers must not treat this as a
// scored bar (spec.md §4.1 "HTF warmup").
func (a *Aggregator) Warmup(b bar.Bar) error {
	_, err := a.ingest(b)
	return err
}

// Ingest folds a 1-minute bar into every timeframe and returns the set of
// timeframes closed by this bar, in ascending timeframe order.
func (a *Aggregator) Ingest(b bar.Bar) ([]Timeframe, error) {
	return a.ingest(b)
}

func (a *Aggregator) ingest(b bar.Bar) ([]Timeframe, error) {
	if err := b.Validate(); err != nil {
		return nil, bterrors.Data("aggregator", err)
	}
	st := a.state(b.Symbol)

	oneMin := Bar{Ts: b.Ts, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	last, ok := st.windows[TF1m].Last()
	if ok && !b.Ts.After(last.Ts) {
		return nil, bterrors.Statef("aggregator", "bar for %s at %s does not advance past last 1m bar %s", b.Symbol, b.Ts, last.Ts)
	}
	st.windows[TF1m].append(oneMin, windowCap[TF1m])

	var closed []Timeframe
	for _, tf := range HTFTimeframes {
		buck := st.buckets[tf]
		buck.ingest(b)
		if a.closesBoundary(tf, b.Ts) {
			st.windows[tf].append(Bar{
				Ts:     buck.closeTs,
				Open:   buck.open,
				High:   buck.high,
				Low:    buck.low,
				Close:  buck.close,
				Volume: buck.volume,
			}, windowCap[tf])
			buck.reset()
			closed = append(closed, tf)
		}
	}
	return closed, nil
}

// Window returns the current window for symbol+timeframe (nil if the
// symbol has never been ingested).
func (a *Aggregator) Window(symbol string, tf Timeframe) *Window {
	st, ok := a.bySymbol[symbol]
	if !ok {
		return nil
	}
	return st.windows[tf]
}

// Reset drops all accumulated state (used by tests asserting idempotence
// under re-feeding, spec.md §8).
func (a *Aggregator) Reset() {
	a.bySymbol = make(map[string]*symbolState)
}
