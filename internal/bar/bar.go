// Package bar defines the Bar record and the columnar on-disk file
// discovery rules described in spec.md §6, generalizing the teacher's
// single-CSV loadCSV (backtest.go) to multi-symbol Parquet files with a
// strict, fail-fast validation pass (spec.md §3 invariants, §7 DataError).
package bar

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dexterio/backtest/internal/bterrors"
	"github.com/parquet-go/parquet-go"
)

// Bar is an immutable one-minute (or aggregated) OHLCV record.
// Invariant: Low <= min(Open,Close) <= max(Open,Close) <= High; Volume >= 0.
type Bar struct {
	Ts     time.Time `parquet:"ts,timestamp"`
	Symbol string    `parquet:"symbol,zstd"`
	Open   float64   `parquet:"open"`
	High   float64   `parquet:"high"`
	Low    float64   `parquet:"low"`
	Close  float64   `parquet:"close"`
	Volume float64   `parquet:"volume"`
}

// Validate enforces the Bar invariant from spec.md §3. It never mutates.
func (b Bar) Validate() error {
	if math.IsNaN(b.Open) || math.IsNaN(b.High) || math.IsNaN(b.Low) || math.IsNaN(b.Close) {
		return fmt.Errorf("nan in OHLC for %s at %s", b.Symbol, b.Ts)
	}
	if b.Ts.Location() != time.UTC {
		return fmt.Errorf("bar timestamp for %s not UTC: %s", b.Symbol, b.Ts)
	}
	lo := math.Min(b.Open, b.Close)
	hi := math.Max(b.Open, b.Close)
	if !(b.Low <= lo+1e-9) || !(lo <= hi+1e-9) || !(hi <= b.High+1e-9) {
		return fmt.Errorf("OHLC invariant violated for %s at %s: o=%.4f h=%.4f l=%.4f c=%.4f",
			b.Symbol, b.Ts, b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("negative volume for %s at %s: %.4f", b.Symbol, b.Ts, b.Volume)
	}
	return nil
}

// Resolve implements the file-discovery rule from spec.md §6: given a data
// root and a symbol, prefer SYM.parquet or sym.parquet, then fall back to
// the legacy glob sym_1m_*.parquet. Returns DataError (data_file_not_found)
// if none exist.
func Resolve(dataRoot, symbol string) (string, error) {
	candidates := []string{
		filepath.Join(dataRoot, symbol+".parquet"),
		filepath.Join(dataRoot, strings.ToLower(symbol)+".parquet"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	legacy, err := filepath.Glob(filepath.Join(dataRoot, strings.ToLower(symbol)+"_1m_*.parquet"))
	if err == nil && len(legacy) > 0 {
		sort.Strings(legacy)
		return legacy[0], nil
	}
	return "", bterrors.Dataf("bar", "data_file_not_found: no parquet file for symbol %q under %s", symbol, dataRoot)
}

// Load reads a symbol's parquet bar file in full, validates every row, and
// returns bars sorted ascending by timestamp. Unsorted input is tolerated
// (the source is re-sorted); duplicate timestamps are a DataError per
// spec.md §6 ("no duplicate timestamps").
func Load(path, symbol string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, bterrors.Data("bar", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, bterrors.Data("bar", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, bterrors.Data("bar", fmt.Errorf("parquet open %s: %w", path, err))
	}
	rows := make([]Bar, 0, pf.NumRows())
	reader := parquet.NewGenericReader[Bar](f)
	defer reader.Close()
	buf := make([]Bar, 512)
	for {
		n, rerr := reader.Read(buf)
		for i := 0; i < n; i++ {
			row := buf[i]
			row.Symbol = symbol
			if verr := row.Validate(); verr != nil {
				return nil, bterrors.Data("bar", verr)
			}
			rows = append(rows, row)
		}
		if rerr != nil {
			break
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Ts.Before(rows[j].Ts) })
	for i := 1; i < len(rows); i++ {
		if rows[i].Ts.Equal(rows[i-1].Ts) {
			return nil, bterrors.Dataf("bar", "duplicate timestamp for %s at %s", symbol, rows[i].Ts)
		}
	}
	return rows, nil
}

// Write persists bars as a parquet file, used by tests and by tooling that
// prepares fixtures; production bar data is produced upstream of this
// module (spec.md §1: the bar source is an external collaborator).
func Write(path string, bars []Bar) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := parquet.NewGenericWriter[Bar](f)
	if _, err := w.Write(bars); err != nil {
		return err
	}
	return w.Close()
}

// MergeStreams globally merges one finite ordered stream per symbol into a
// single ascending sequence, ties broken by symbol name ascending
// (spec.md §5: "cross-symbol, bars sharing a timestamp are processed in a
// stable alphabetic order of symbol").
func MergeStreams(streams map[string][]Bar) []Bar {
	symbols := make([]string, 0, len(streams))
	idx := make(map[string]int, len(streams))
	for sym := range streams {
		symbols = append(symbols, sym)
		idx[sym] = 0
	}
	sort.Strings(symbols)

	total := 0
	for _, s := range streams {
		total += len(s)
	}
	out := make([]Bar, 0, total)
	for {
		bestSym := ""
		bestTs := time.Time{}
		for _, sym := range symbols {
			i := idx[sym]
			if i >= len(streams[sym]) {
				continue
			}
			ts := streams[sym][i].Ts
			if bestSym == "" || ts.Before(bestTs) || (ts.Equal(bestTs) && sym < bestSym) {
				bestSym = sym
				bestTs = ts
			}
		}
		if bestSym == "" {
			break
		}
		out = append(out, streams[bestSym][idx[bestSym]])
		idx[bestSym]++
	}
	return out
}
