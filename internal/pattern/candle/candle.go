// Package candle detects the candlestick pattern families spec.md §4.3.2
// enumerates, purely geometrically on the last 1-3 candles of whatever
// timeframe window the caller passes in.
package candle

import (
	"math"
	"time"

	"github.com/dexterio/backtest/internal/aggregator"
)

type Family string

const (
	FamilyEngulfing         Family = "engulfing"
	FamilyHammerShooting    Family = "hammer_shooting_star"
	FamilyStar              Family = "star"
	FamilyDoji              Family = "doji"
	FamilyThreeSoldiersCrows Family = "three_soldiers_crows"
	FamilyMarubozu          Family = "marubozu"
	FamilyHarami            Family = "harami"
	FamilyPiercingDarkCloud Family = "piercing_dark_cloud"
	FamilyBeltHold          Family = "belt_hold"
	FamilyTweezer           Family = "tweezer"
	FamilyKicker            Family = "kicker"
	FamilyAbandonedBaby     Family = "abandoned_baby"
)

type Direction string

const (
	DirBullish Direction = "bullish"
	DirBearish Direction = "bearish"
)

// Detection is the candlestick variant of spec.md §3's PatternDetection
// sum type.
type Detection struct {
	Family       Family
	Name         string
	Direction    Direction
	Strength     float64
	BodyRatio    float64
	Confirmation bool
	AtLevel      bool
	AfterSweep   bool
	Timeframe    aggregator.Timeframe
	Ts           time.Time
}

func body(b aggregator.Bar) float64   { return math.Abs(b.Close - b.Open) }
func rng(b aggregator.Bar) float64    { return b.High - b.Low }
func bodyRatio(b aggregator.Bar) float64 {
	r := rng(b)
	if r <= 0 {
		return 0
	}
	return body(b) / r
}
func isBull(b aggregator.Bar) bool { return b.Close > b.Open }
func isBear(b aggregator.Bar) bool { return b.Close < b.Open }
func upperWick(b aggregator.Bar) float64 {
	return b.High - math.Max(b.Open, b.Close)
}
func lowerWick(b aggregator.Bar) float64 {
	return math.Min(b.Open, b.Close) - b.Low
}

// Context carries the bits a detection needs to set AtLevel/AfterSweep but
// that this package doesn't compute itself.
type Context struct {
	AtLevel    bool
	AfterSweep bool
}

// Detect runs every family detector over the tail of bars and returns
// whatever fires, tagged with tf/Context.
func Detect(bars []aggregator.Bar, tf aggregator.Timeframe, ctx Context) []Detection {
	n := len(bars)
	if n == 0 {
		return nil
	}
	var out []Detection
	add := func(d Detection) {
		d.Timeframe = tf
		d.Ts = bars[n-1].Ts
		d.AtLevel = ctx.AtLevel
		d.AfterSweep = ctx.AfterSweep
		out = append(out, d)
	}

	last := bars[n-1]

	if d, ok := detectDoji(last); ok {
		add(d)
	}
	if d, ok := detectMarubozu(last); ok {
		add(d)
	}
	if d, ok := detectHammerShootingStar(last); ok {
		add(d)
	}
	if d, ok := detectBeltHold(last); ok {
		add(d)
	}
	if n >= 2 {
		prev := bars[n-2]
		if d, ok := detectEngulfing(prev, last); ok {
			add(d)
		}
		if d, ok := detectHarami(prev, last); ok {
			add(d)
		}
		if d, ok := detectPiercingDarkCloud(prev, last); ok {
			add(d)
		}
		if d, ok := detectTweezer(prev, last); ok {
			add(d)
		}
		if d, ok := detectKicker(prev, last); ok {
			add(d)
		}
	}
	if n >= 3 {
		a, b, c := bars[n-3], bars[n-2], last
		if d, ok := detectThreeSoldiersCrows(a, b, c); ok {
			add(d)
		}
		if d, ok := detectStar(a, b, c); ok {
			add(d)
		}
		if d, ok := detectAbandonedBaby(a, b, c); ok {
			add(d)
		}
	}
	return out
}

const dojiBodyRatioMax = 0.08
const marubozuBodyRatioMin = 0.9
const smallWickMax = 0.05

func detectDoji(b aggregator.Bar) (Detection, bool) {
	if bodyRatio(b) <= dojiBodyRatioMax {
		return Detection{Family: FamilyDoji, Name: "doji", Direction: DirBullish, Strength: 1 - bodyRatio(b), BodyRatio: bodyRatio(b)}, true
	}
	return Detection{}, false
}

func detectMarubozu(b aggregator.Bar) (Detection, bool) {
	r := rng(b)
	if r <= 0 {
		return Detection{}, false
	}
	if bodyRatio(b) >= marubozuBodyRatioMin && upperWick(b)/r <= smallWickMax && lowerWick(b)/r <= smallWickMax {
		dir := DirBullish
		if isBear(b) {
			dir = DirBearish
		}
		return Detection{Family: FamilyMarubozu, Name: "marubozu", Direction: dir, Strength: bodyRatio(b), BodyRatio: bodyRatio(b), Confirmation: true}, true
	}
	return Detection{}, false
}

func detectHammerShootingStar(b aggregator.Bar) (Detection, bool) {
	r := rng(b)
	if r <= 0 {
		return Detection{}, false
	}
	br := bodyRatio(b)
	if br > 0.35 {
		return Detection{}, false
	}
	if lowerWick(b)/r >= 0.6 && upperWick(b)/r <= 0.15 {
		return Detection{Family: FamilyHammerShooting, Name: "hammer", Direction: DirBullish, Strength: lowerWick(b) / r, BodyRatio: br}, true
	}
	if upperWick(b)/r >= 0.6 && lowerWick(b)/r <= 0.15 {
		return Detection{Family: FamilyHammerShooting, Name: "shooting_star", Direction: DirBearish, Strength: upperWick(b) / r, BodyRatio: br}, true
	}
	return Detection{}, false
}

func detectBeltHold(b aggregator.Bar) (Detection, bool) {
	r := rng(b)
	if r <= 0 || bodyRatio(b) < 0.7 {
		return Detection{}, false
	}
	if isBull(b) && lowerWick(b)/r <= 0.03 {
		return Detection{Family: FamilyBeltHold, Name: "bullish_belt_hold", Direction: DirBullish, Strength: bodyRatio(b), BodyRatio: bodyRatio(b)}, true
	}
	if isBear(b) && upperWick(b)/r <= 0.03 {
		return Detection{Family: FamilyBeltHold, Name: "bearish_belt_hold", Direction: DirBearish, Strength: bodyRatio(b), BodyRatio: bodyRatio(b)}, true
	}
	return Detection{}, false
}

func detectEngulfing(prev, last aggregator.Bar) (Detection, bool) {
	if isBear(prev) && isBull(last) && last.Open <= prev.Close && last.Close >= prev.Open {
		return Detection{Family: FamilyEngulfing, Name: "bullish_engulfing", Direction: DirBullish, Strength: body(last) / math.Max(body(prev), 1e-9), BodyRatio: bodyRatio(last), Confirmation: true}, true
	}
	if isBull(prev) && isBear(last) && last.Open >= prev.Close && last.Close <= prev.Open {
		return Detection{Family: FamilyEngulfing, Name: "bearish_engulfing", Direction: DirBearish, Strength: body(last) / math.Max(body(prev), 1e-9), BodyRatio: bodyRatio(last), Confirmation: true}, true
	}
	return Detection{}, false
}

func detectHarami(prev, last aggregator.Bar) (Detection, bool) {
	if body(prev) <= 0 {
		return Detection{}, false
	}
	inside := math.Max(last.Open, last.Close) <= math.Max(prev.Open, prev.Close) &&
		math.Min(last.Open, last.Close) >= math.Min(prev.Open, prev.Close)
	if !inside || body(last) >= body(prev) {
		return Detection{}, false
	}
	dir := DirBullish
	if isBear(prev) && isBull(last) {
		dir = DirBullish
	} else if isBull(prev) && isBear(last) {
		dir = DirBearish
	} else {
		return Detection{}, false
	}
	return Detection{Family: FamilyHarami, Name: "harami", Direction: dir, Strength: 1 - body(last)/body(prev), BodyRatio: bodyRatio(last)}, true
}

func detectPiercingDarkCloud(prev, last aggregator.Bar) (Detection, bool) {
	mid := prev.Open + (prev.Close-prev.Open)/2
	if isBear(prev) && isBull(last) && last.Open < prev.Low && last.Close > mid && last.Close < prev.Open {
		return Detection{Family: FamilyPiercingDarkCloud, Name: "piercing_line", Direction: DirBullish, Strength: (last.Close - mid) / math.Max(body(prev), 1e-9), BodyRatio: bodyRatio(last)}, true
	}
	if isBull(prev) && isBear(last) && last.Open > prev.High && last.Close < mid && last.Close > prev.Open {
		return Detection{Family: FamilyPiercingDarkCloud, Name: "dark_cloud_cover", Direction: DirBearish, Strength: (mid - last.Close) / math.Max(body(prev), 1e-9), BodyRatio: bodyRatio(last)}, true
	}
	return Detection{}, false
}

func detectTweezer(prev, last aggregator.Bar) (Detection, bool) {
	tol := 0.05 * math.Max(rng(prev), rng(last))
	if tol <= 0 {
		return Detection{}, false
	}
	if math.Abs(prev.Low-last.Low) <= tol && isBear(prev) && isBull(last) {
		return Detection{Family: FamilyTweezer, Name: "tweezer_bottom", Direction: DirBullish, Strength: 0.6, BodyRatio: bodyRatio(last)}, true
	}
	if math.Abs(prev.High-last.High) <= tol && isBull(prev) && isBear(last) {
		return Detection{Family: FamilyTweezer, Name: "tweezer_top", Direction: DirBearish, Strength: 0.6, BodyRatio: bodyRatio(last)}, true
	}
	return Detection{}, false
}

func detectKicker(prev, last aggregator.Bar) (Detection, bool) {
	if isBear(prev) && isBull(last) && last.Open > prev.Open && last.Low >= prev.Open {
		return Detection{Family: FamilyKicker, Name: "bullish_kicker", Direction: DirBullish, Strength: 0.8, BodyRatio: bodyRatio(last), Confirmation: true}, true
	}
	if isBull(prev) && isBear(last) && last.Open < prev.Open && last.High <= prev.Open {
		return Detection{Family: FamilyKicker, Name: "bearish_kicker", Direction: DirBearish, Strength: 0.8, BodyRatio: bodyRatio(last), Confirmation: true}, true
	}
	return Detection{}, false
}

func detectThreeSoldiersCrows(a, b, c aggregator.Bar) (Detection, bool) {
	if isBull(a) && isBull(b) && isBull(c) && b.Close > a.Close && c.Close > b.Close && b.Open > a.Open && c.Open > b.Open {
		return Detection{Family: FamilyThreeSoldiersCrows, Name: "three_white_soldiers", Direction: DirBullish, Strength: 0.75, BodyRatio: bodyRatio(c), Confirmation: true}, true
	}
	if isBear(a) && isBear(b) && isBear(c) && b.Close < a.Close && c.Close < b.Close && b.Open < a.Open && c.Open < b.Open {
		return Detection{Family: FamilyThreeSoldiersCrows, Name: "three_black_crows", Direction: DirBearish, Strength: 0.75, BodyRatio: bodyRatio(c), Confirmation: true}, true
	}
	return Detection{}, false
}

func detectStar(a, b, c aggregator.Bar) (Detection, bool) {
	gappedDown := math.Max(b.Open, b.Close) < a.Close
	gappedUp := math.Min(b.Open, b.Close) > a.Close
	smallBody := bodyRatio(b) < 0.3
	if isBear(a) && smallBody && gappedDown && isBull(c) && c.Close > a.Close+(body(a)/2) {
		return Detection{Family: FamilyStar, Name: "morning_star", Direction: DirBullish, Strength: 0.8, BodyRatio: bodyRatio(c), Confirmation: true}, true
	}
	if isBull(a) && smallBody && gappedUp && isBear(c) && c.Close < a.Open+(body(a)/2) {
		return Detection{Family: FamilyStar, Name: "evening_star", Direction: DirBearish, Strength: 0.8, BodyRatio: bodyRatio(c), Confirmation: true}, true
	}
	return Detection{}, false
}

func detectAbandonedBaby(a, b, c aggregator.Bar) (Detection, bool) {
	isDoji := bodyRatio(b) <= dojiBodyRatioMax
	if !isDoji {
		return Detection{}, false
	}
	if isBear(a) && b.High < a.Close && c.Low > b.High && isBull(c) {
		return Detection{Family: FamilyAbandonedBaby, Name: "bullish_abandoned_baby", Direction: DirBullish, Strength: 0.9, BodyRatio: bodyRatio(c), Confirmation: true}, true
	}
	if isBull(a) && b.Low > a.Close && c.High < b.Low && isBear(c) {
		return Detection{Family: FamilyAbandonedBaby, Name: "bearish_abandoned_baby", Direction: DirBearish, Strength: 0.9, BodyRatio: bodyRatio(c), Confirmation: true}, true
	}
	return Detection{}, false
}
