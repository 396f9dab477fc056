// Package setup builds a Setup from the single best playbook match on a
// bar, per spec.md §4.5.
package setup

import (
	"math"
	"sort"
	"time"

	"github.com/dexterio/backtest/internal/marketstate"
	"github.com/dexterio/backtest/internal/playbook"
	"github.com/google/uuid"
)

type Direction string

const (
	DirLong  Direction = "long"
	DirShort Direction = "short"
)

type Setup struct {
	ID             string
	Symbol         string
	Playbook       string
	Kind           playbook.Kind
	Direction      Direction
	Entry          float64
	Stop           float64
	TP1            float64
	TP2            float64
	DayType        marketstate.DayType
	DailyStructure marketstate.Structure
	Ts             time.Time
}

type Config struct {
	MinRRScalp    float64
	MinRRDaytrade float64
	TickBuffer    float64
	UseFVGAnchor  bool
}

func DefaultConfig() Config {
	return Config{MinRRScalp: 1.5, MinRRDaytrade: 2.0, TickBuffer: 0.01}
}

func (c Config) minRR(k playbook.Kind) float64 {
	if k == playbook.KindScalp {
		return c.MinRRScalp
	}
	return c.MinRRDaytrade
}

// Input bundles the bar-level facts Build needs beyond the match itself.
type Input struct {
	Symbol         string
	Direction      Direction
	CloseAnchor    float64
	FVGMidAnchor   float64
	Invalidation   float64 // stop-side price from the triggering ICT pattern, before the tick buffer
	LiquidityLevels []marketstate.LiquidityLevel
	DayType        marketstate.DayType
	DailyStructure marketstate.Structure
	Ts             time.Time
}

// Build constructs a Setup from the best match and bar context. It
// returns (nil, false) when an open position already exists for
// (symbol, direction) — spec.md §4.5's duplicate suppression rule.
func Build(match playbook.Match, in Input, cfg Config, openPositions map[string]Direction) (*Setup, bool) {
	if d, ok := openPositions[in.Symbol]; ok && d == in.Direction {
		return nil, false
	}

	entry := in.CloseAnchor
	if cfg.UseFVGAnchor && in.FVGMidAnchor > 0 {
		entry = in.FVGMidAnchor
	}

	var stop float64
	if in.Direction == DirLong {
		stop = in.Invalidation - cfg.TickBuffer
	} else {
		stop = in.Invalidation + cfg.TickBuffer
	}
	risk := entry - stop
	if in.Direction == DirShort {
		risk = stop - entry
	}
	if risk <= 0 {
		return nil, false
	}

	minRR := cfg.minRR(match.Kind)
	tp1, tp2, ok := targets(entry, risk, in.Direction, in.LiquidityLevels, minRR)
	if !ok {
		return nil, false
	}

	return &Setup{
		ID:             uuid.NewString(),
		Symbol:         in.Symbol,
		Playbook:       match.Playbook,
		Kind:           match.Kind,
		Direction:      in.Direction,
		Entry:          entry,
		Stop:           stop,
		TP1:            tp1,
		TP2:            tp2,
		DayType:        in.DayType,
		DailyStructure: in.DailyStructure,
		Ts:             in.Ts,
	}, true
}

// targets picks the nearest opposite-side liquidity level that clears
// minRR as tp1, and the next farther one as tp2. If no level clears
// minRR, tp1/tp2 are synthesized at minRR and 1.5x minRR.
func targets(entry, risk float64, dir Direction, levels []marketstate.LiquidityLevel, minRR float64) (tp1, tp2 float64, ok bool) {
	type candidate struct {
		price float64
		rr    float64
	}
	var candidates []candidate
	for _, lvl := range levels {
		if dir == DirLong && lvl.Price > entry {
			candidates = append(candidates, candidate{lvl.Price, (lvl.Price - entry) / risk})
		}
		if dir == DirShort && lvl.Price < entry {
			candidates = append(candidates, candidate{lvl.Price, (entry - lvl.Price) / risk})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rr < candidates[j].rr })

	var qualifying []candidate
	for _, c := range candidates {
		if c.rr >= minRR {
			qualifying = append(qualifying, c)
		}
	}
	if len(qualifying) == 0 {
		sign := 1.0
		if dir == DirShort {
			sign = -1.0
		}
		tp1 = entry + sign*risk*minRR
		tp2 = entry + sign*risk*minRR*1.5
		return tp1, tp2, true
	}
	tp1 = qualifying[0].price
	tp2 = tp1
	if len(qualifying) > 1 {
		tp2 = qualifying[1].price
	} else {
		sign := 1.0
		if dir == DirShort {
			sign = -1.0
		}
		farRR := math.Max(minRR*1.5, qualifying[0].rr*1.2)
		tp2 = entry + sign*risk*farRR
	}
	return tp1, tp2, true
}
