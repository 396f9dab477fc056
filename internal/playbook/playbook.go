// Package playbook loads the declarative playbook catalog and evaluates
// gating then scoring for each playbook against one bar's context, per
// spec.md §4.4.
package playbook

import (
	"os"

	"github.com/dexterio/backtest/internal/bterrors"
	"github.com/dexterio/backtest/internal/marketstate"
	"github.com/dexterio/backtest/internal/pattern/candle"
	"github.com/dexterio/backtest/internal/pattern/ict"
	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindScalp     Kind = "SCALP"
	KindDaytrade  Kind = "DAYTRADE"
)

// TimeWindow is a minute-of-day-ET [Start,End] inclusive range.
type TimeWindow struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

func (w TimeWindow) contains(minuteOfDay int) bool {
	return minuteOfDay >= w.Start && minuteOfDay <= w.End
}

// Weights are expected to sum to 1 per playbook; LoadCatalog neither
// checks nor normalizes them.
type Weights struct {
	ICT     float64 `yaml:"w_ict"`
	Pattern float64 `yaml:"w_pattern"`
	Context float64 `yaml:"w_context"`
}

type Playbook struct {
	Name                        string                `yaml:"name"`
	Kind                        Kind                  `yaml:"kind"`
	SessionAllowed              []marketstate.Session `yaml:"session_allowed"`
	TimeWindows                 []TimeWindow          `yaml:"time_windows"`
	StructureHTF                []marketstate.Structure `yaml:"structure_htf"`
	DayTypeAllowed              []marketstate.DayType `yaml:"day_type_allowed"`
	RequiredICTFamilies         []ict.Kind            `yaml:"required_ict_families"`
	RequiredCandlestickFamilies []candle.Family       `yaml:"required_candlestick_families"`
	MinVolatility               float64               `yaml:"min_volatility"`
	Weights                     Weights               `yaml:"weights"`
	MinRR                       float64               `yaml:"min_rr"`
}

type Catalog struct {
	Playbooks     []Playbook `yaml:"playbooks"`
	DefaultWindows []TimeWindow `yaml:"default_time_windows"`
}

// LoadCatalog reads and parses the playbook catalog file. Any parse
// failure aborts the run with reason playbook_config_invalid (spec.md §6).
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, bterrors.Configf("playbook", "playbook_config_invalid: %v", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, bterrors.Configf("playbook", "playbook_config_invalid: %v", err)
	}
	for i := range cat.Playbooks {
		if cat.Playbooks[i].Kind == "" {
			cat.Playbooks[i].Kind = KindDaytrade
		}
		if len(cat.Playbooks[i].TimeWindows) == 0 {
			cat.Playbooks[i].TimeWindows = cat.DefaultWindows
		}
	}
	return &cat, nil
}

// RejectionReason is the closed taxonomy of gating failures (spec.md §4.4).
type RejectionReason string

const (
	RejSessionOutside             RejectionReason = "session_outside"
	RejTimefilterOutsideWindow    RejectionReason = "timefilter_outside_window"
	RejStructureHTFMismatch       RejectionReason = "structure_htf_mismatch"
	RejDayTypeMismatch            RejectionReason = "day_type_mismatch"
	RejNewsEventsDayTypeMismatch  RejectionReason = "news_events_day_type_mismatch"
	RejICTMissing                 RejectionReason = "ict_missing"
	RejCandlestickPatternsMissing RejectionReason = "candlestick_patterns_missing"
	RejVolatilityInsufficient     RejectionReason = "volatility_insufficient"
	RejScoreBelowMin              RejectionReason = "score_below_min"
)

type Mode string

const (
	ModeSafe       Mode = "SAFE"
	ModeAggressive Mode = "AGGRESSIVE"
)

// BypassTable lists which gating checks AGGRESSIVE mode may waive. Absent
// or false entries are never bypassed, matching spec.md §4.4's statement
// that the production default is zero bypasses.
type BypassTable map[RejectionReason]bool

// EvalInput is everything about the current bar the gating/scoring logic
// needs; it is assembled by the simulation loop from the Market State and
// Pattern Engine outputs for this bar.
type EvalInput struct {
	Session               marketstate.Session
	MinuteOfDayET         int
	DailyStructure        marketstate.Structure
	DayType               marketstate.DayType
	ICTFamiliesPresent    map[ict.Kind]bool
	CandleFamiliesPresent map[candle.Family]bool
	Volatility            float64
	NewsGatePass          bool
	ICTScore              float64
	PatternScore          float64
	ContextScore          float64
	MinScoreToMatch       float64
}

type Match struct {
	Playbook        string
	Kind            Kind
	Score           float64
	Grade           string
	BypassesApplied []RejectionReason
}

type Rejection struct {
	Playbook string
	Reason   RejectionReason
}

// Evaluate runs gating then scoring for a single playbook. Exactly one of
// (*Match, *Rejection) is non-nil.
func Evaluate(pb Playbook, in EvalInput, mode Mode, bypass BypassTable) (*Match, *Rejection) {
	var bypasses []RejectionReason

	fails := func(reason RejectionReason, failed bool) bool {
		if !failed {
			return false
		}
		if mode == ModeAggressive && bypass[reason] {
			bypasses = append(bypasses, reason)
			return false
		}
		return true
	}

	if fails(RejSessionOutside, !sessionAllowed(pb.SessionAllowed, in.Session)) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejSessionOutside}
	}
	if fails(RejTimefilterOutsideWindow, !inAnyWindow(pb.TimeWindows, in.MinuteOfDayET)) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejTimefilterOutsideWindow}
	}
	structureOK := in.DailyStructure == marketstate.StructureUnknown || structureAllowed(pb.StructureHTF, in.DailyStructure)
	if fails(RejStructureHTFMismatch, !structureOK) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejStructureHTFMismatch}
	}
	if fails(RejDayTypeMismatch, !dayTypeAllowed(pb.DayTypeAllowed, in.DayType)) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejDayTypeMismatch}
	}
	if fails(RejICTMissing, !ictFamiliesPresent(pb.RequiredICTFamilies, in.ICTFamiliesPresent)) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejICTMissing}
	}
	if fails(RejCandlestickPatternsMissing, !candleFamiliesPresent(pb.RequiredCandlestickFamilies, in.CandleFamiliesPresent)) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejCandlestickPatternsMissing}
	}
	if fails(RejVolatilityInsufficient, in.Volatility < pb.MinVolatility) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejVolatilityInsufficient}
	}
	if fails(RejNewsEventsDayTypeMismatch, !in.NewsGatePass) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejNewsEventsDayTypeMismatch}
	}

	score := pb.Weights.ICT*in.ICTScore + pb.Weights.Pattern*in.PatternScore + pb.Weights.Context*in.ContextScore
	if fails(RejScoreBelowMin, score < in.MinScoreToMatch) {
		return nil, &Rejection{Playbook: pb.Name, Reason: RejScoreBelowMin}
	}

	return &Match{
		Playbook:        pb.Name,
		Kind:            pb.Kind,
		Score:           score,
		Grade:           grade(score),
		BypassesApplied: bypasses,
	}, nil
}

func grade(score float64) string {
	switch {
	case score >= 0.85:
		return "A+"
	case score >= 0.70:
		return "A"
	case score >= 0.55:
		return "B"
	default:
		return "C"
	}
}

func sessionAllowed(allowed []marketstate.Session, s marketstate.Session) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return len(allowed) == 0
}

func inAnyWindow(windows []TimeWindow, minuteOfDay int) bool {
	if len(windows) == 0 {
		return true
	}
	for _, w := range windows {
		if w.contains(minuteOfDay) {
			return true
		}
	}
	return false
}

func structureAllowed(allowed []marketstate.Structure, s marketstate.Structure) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

func dayTypeAllowed(allowed []marketstate.DayType, d marketstate.DayType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == d {
			return true
		}
	}
	return false
}

func ictFamiliesPresent(required []ict.Kind, present map[ict.Kind]bool) bool {
	for _, r := range required {
		if !present[r] {
			return false
		}
	}
	return true
}

func candleFamiliesPresent(required []candle.Family, present map[candle.Family]bool) bool {
	for _, r := range required {
		if !present[r] {
			return false
		}
	}
	return true
}

// Best picks the highest-graded match from a bar's evaluation results,
// applying the tie-break rule: alphabetic playbook name, then SCALP
// before DAYTRADE (spec.md §4.4/§4.5).
func Best(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if better(m, best) {
			best = m
		}
	}
	return best, true
}

func better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Playbook != b.Playbook {
		return a.Playbook < b.Playbook
	}
	return a.Kind == KindScalp && b.Kind != KindScalp
}
