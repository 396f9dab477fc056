// Package risk implements position sizing, the two-tier dynamic risk
// state machine, and the hard guardrails of spec.md §4.6.
package risk

import (
	"math"
	"time"

	"github.com/dexterio/backtest/internal/playbook"
)

// RejectionReason is the closed admission taxonomy (spec.md §4.6).
type RejectionReason string

const (
	RejSizeZero                   RejectionReason = "size_zero"
	RejModeNotInAllowlist         RejectionReason = "mode_not_in_allowlist"
	RejKillSwitched               RejectionReason = "kill_switched"
	RejDailyCapReached            RejectionReason = "daily_cap_reached"
	RejSessionCapReached          RejectionReason = "session_cap_reached"
	RejCircuitStopDay             RejectionReason = "circuit_stop_day"
	RejCircuitStopRun             RejectionReason = "circuit_stop_run"
	RejCooldownLossActive         RejectionReason = "cooldown_loss_active"
	RejConcurrentPositionSameSymbol RejectionReason = "concurrent_position_same_symbol"
	RejSpreadTooWide              RejectionReason = "spread_too_wide"
)

// TradeState is the two-tier dynamic risk state (spec.md §4.6).
type TradeState string

const (
	StateT1Pending        TradeState = "T1_pending"
	StateT1WinSeekingT2   TradeState = "T1_win_seeking_T2"
	StateCooldownLoss     TradeState = "cooldown_loss"
)

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeBE   Outcome = "breakeven"
)

type Config struct {
	BaseRiskPct            float64
	ReducedRiskPct          float64
	SafeDailyCap            int
	SafeDailyCapPerKind     int
	AggressiveDailyCap      int
	StopDayR                float64
	StopRunR                float64
	ConsecutiveLossLimit    int
	ConsecutiveLossCooldown time.Duration
	KillSwitchPFThreshold   float64
	KillSwitchLookback      int
	AggressiveAllowlist     map[string]bool
	AggressiveDenylist      map[string]bool
	SafeAllowlist           map[string]bool
}

func DefaultConfig() Config {
	return Config{
		BaseRiskPct:             0.02,
		ReducedRiskPct:          0.01,
		SafeDailyCap:            4,
		SafeDailyCapPerKind:     2,
		AggressiveDailyCap:      5,
		StopDayR:                -4,
		StopRunR:                20,
		ConsecutiveLossLimit:    3,
		ConsecutiveLossCooldown: 30 * time.Minute,
		KillSwitchPFThreshold:   0.85,
		KillSwitchLookback:      30,
	}
}

// State is the mutable risk bookkeeping owned exclusively by the
// simulation task (spec.md §5).
type State struct {
	cfg Config

	tradeState       TradeState
	currentRiskPct   float64
	consecutiveLosses int
	cooldownUntil    time.Time

	tradingAllowed bool
	dayStoppedOut  bool
	runStoppedOut  bool

	dailyPnLR      float64
	dailyTrades    int
	dailyByKind    map[playbook.Kind]int

	peakEquityR    float64
	currentEquityR float64

	killSwitched   map[string]bool
	playbookCloses map[string][]float64 // recent R per playbook, for the rolling PF kill-switch
}

func NewState(cfg Config) *State {
	return &State{
		cfg:            cfg,
		tradeState:     StateT1Pending,
		currentRiskPct: cfg.BaseRiskPct,
		tradingAllowed: true,
		dailyByKind:    make(map[playbook.Kind]int),
		killSwitched:   make(map[string]bool),
		playbookCloses: make(map[string][]float64),
	}
}

func (s *State) CurrentRiskPct() float64 { return s.currentRiskPct }
func (s *State) TradeState() TradeState  { return s.tradeState }

// Size computes share count per spec.md §4.6's floor formula.
func Size(accountBalance, riskPct, entry, stop float64) int {
	denom := math.Abs(entry - stop)
	if denom <= 0 {
		return 0
	}
	return int(math.Floor((accountBalance * riskPct) / denom))
}

// Admit evaluates every guardrail for a candidate setup and returns the
// first rejection reason, or "" if the trade is admitted.
func (s *State) Admit(mode playbook.Mode, playbookName string, kind playbook.Kind, shares int, symbol string, hasOpenSameSymbol bool, spreadBps, maxSpreadBps float64, now time.Time) RejectionReason {
	if !s.tradingAllowed {
		if s.runStoppedOut {
			return RejCircuitStopRun
		}
		return RejCircuitStopDay
	}
	if shares == 0 {
		return RejSizeZero
	}
	if hasOpenSameSymbol {
		return RejConcurrentPositionSameSymbol
	}
	if s.tradeState == StateCooldownLoss && !s.cooldownUntil.IsZero() && now.Before(s.cooldownUntil) {
		return RejCooldownLossActive
	}
	if !s.allowlisted(mode, playbookName) {
		return RejModeNotInAllowlist
	}
	if s.killSwitched[playbookName] {
		return RejKillSwitched
	}
	if maxSpreadBps > 0 && spreadBps > maxSpreadBps {
		return RejSpreadTooWide
	}
	if !s.withinDailyCap(mode, kind) {
		if mode == playbook.ModeSafe {
			return RejSessionCapReached
		}
		return RejDailyCapReached
	}
	return ""
}

func (s *State) allowlisted(mode playbook.Mode, name string) bool {
	if mode == playbook.ModeAggressive {
		if s.cfg.AggressiveDenylist[name] {
			return false
		}
		if len(s.cfg.AggressiveAllowlist) == 0 {
			return true
		}
		return s.cfg.AggressiveAllowlist[name]
	}
	if len(s.cfg.SafeAllowlist) == 0 {
		return true
	}
	return s.cfg.SafeAllowlist[name]
}

func (s *State) withinDailyCap(mode playbook.Mode, kind playbook.Kind) bool {
	if mode == playbook.ModeAggressive {
		return s.dailyTrades < s.cfg.AggressiveDailyCap
	}
	if s.dailyTrades >= s.cfg.SafeDailyCap {
		return false
	}
	return s.dailyByKind[kind] < s.cfg.SafeDailyCapPerKind
}

// RecordEntry books the trade against the daily caps at admission time.
func (s *State) RecordEntry(kind playbook.Kind) {
	s.dailyTrades++
	s.dailyByKind[kind]++
}

// RecordClose advances the two-tier state machine, the consecutive-loss
// cooldown, both circuit breakers, and the per-playbook kill-switch.
func (s *State) RecordClose(playbookName string, outcome Outcome, rMultiple float64, now time.Time) {
	s.dailyPnLR += rMultiple
	s.currentEquityR += rMultiple
	if s.currentEquityR > s.peakEquityR {
		s.peakEquityR = s.currentEquityR
	}

	switch outcome {
	case OutcomeWin:
		s.consecutiveLosses = 0
		switch s.tradeState {
		case StateT1Pending:
			s.tradeState = StateT1WinSeekingT2
		case StateT1WinSeekingT2, StateCooldownLoss:
			s.tradeState = StateT1Pending
		}
		s.currentRiskPct = s.cfg.BaseRiskPct
	case OutcomeLoss:
		s.consecutiveLosses++
		s.tradeState = StateCooldownLoss
		s.currentRiskPct = s.cfg.ReducedRiskPct
		if s.consecutiveLosses >= s.cfg.ConsecutiveLossLimit {
			s.cooldownUntil = now.Add(s.cfg.ConsecutiveLossCooldown)
		}
	case OutcomeBE:
		// no state or risk change
	}

	if s.dailyPnLR <= s.cfg.StopDayR {
		s.tradingAllowed = false
		s.dayStoppedOut = true
	}
	if s.peakEquityR-s.currentEquityR >= s.cfg.StopRunR {
		s.tradingAllowed = false
		s.runStoppedOut = true
	}

	s.updateKillSwitch(playbookName, rMultiple)
}

func (s *State) updateKillSwitch(playbookName string, rMultiple float64) {
	hist := append(s.playbookCloses[playbookName], rMultiple)
	if len(hist) > s.cfg.KillSwitchLookback {
		hist = hist[len(hist)-s.cfg.KillSwitchLookback:]
	}
	s.playbookCloses[playbookName] = hist
	if len(hist) < s.cfg.KillSwitchLookback {
		return
	}
	var grossProfit, grossLoss float64
	for _, r := range hist {
		if r > 0 {
			grossProfit += r
		} else if r < 0 {
			grossLoss += -r
		}
	}
	if grossLoss == 0 {
		return
	}
	if grossProfit/grossLoss < s.cfg.KillSwitchPFThreshold {
		s.killSwitched[playbookName] = true
	}
}

// DailyReset zeroes the daily counters at the first bar of a new ET
// calendar day, re-enabling trading unless a run-level breaker already
// tripped (spec.md §4.6).
func (s *State) DailyReset(now time.Time) {
	s.dailyPnLR = 0
	s.dailyTrades = 0
	s.dailyByKind = make(map[playbook.Kind]int)
	s.dayStoppedOut = false
	if !s.cooldownUntil.IsZero() && now.After(s.cooldownUntil) {
		s.consecutiveLosses = 0
		s.cooldownUntil = time.Time{}
	}
	if !s.runStoppedOut {
		s.tradingAllowed = true
	}
}
