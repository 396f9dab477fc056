package playbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dexterio/backtest/internal/marketstate"
	"github.com/dexterio/backtest/internal/pattern/ict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlaybook() Playbook {
	return Playbook{
		Name:           "ict_am_scalp",
		Kind:           KindScalp,
		SessionAllowed: []marketstate.Session{marketstate.SessionNYAM},
		TimeWindows:    []TimeWindow{{Start: 570, End: 690}},
		DayTypeAllowed: []marketstate.DayType{marketstate.DayTypeTrend},
		RequiredICTFamilies: []ict.Kind{ict.KindFVG},
		MinVolatility:  0.1,
		Weights:        Weights{ICT: 0.5, Pattern: 0.3, Context: 0.2},
	}
}

func baseInput() EvalInput {
	return EvalInput{
		Session:            marketstate.SessionNYAM,
		MinuteOfDayET:      600,
		DailyStructure:     marketstate.StructureUptrend,
		DayType:            marketstate.DayTypeTrend,
		ICTFamiliesPresent: map[ict.Kind]bool{ict.KindFVG: true},
		Volatility:         0.5,
		NewsGatePass:       true,
		ICTScore:           0.9,
		PatternScore:       0.8,
		ContextScore:       0.7,
	}
}

func TestEvaluateMatchesAndGrades(t *testing.T) {
	pb := samplePlaybook()
	m, r := Evaluate(pb, baseInput(), ModeSafe, nil)
	require.Nil(t, r)
	require.NotNil(t, m)
	assert.InDelta(t, 0.5*0.9+0.3*0.8+0.2*0.7, m.Score, 1e-9)
	assert.Equal(t, "A", m.Grade)
}

func TestEvaluateRejectsSessionOutside(t *testing.T) {
	pb := samplePlaybook()
	in := baseInput()
	in.Session = marketstate.SessionLondon
	_, r := Evaluate(pb, in, ModeSafe, nil)
	require.NotNil(t, r)
	assert.Equal(t, RejSessionOutside, r.Reason)
}

func TestEvaluateRejectsMissingICTFamily(t *testing.T) {
	pb := samplePlaybook()
	in := baseInput()
	in.ICTFamiliesPresent = map[ict.Kind]bool{}
	_, r := Evaluate(pb, in, ModeSafe, nil)
	require.NotNil(t, r)
	assert.Equal(t, RejICTMissing, r.Reason)
}

func TestEvaluateAggressiveBypassRecordsReason(t *testing.T) {
	pb := samplePlaybook()
	in := baseInput()
	in.Session = marketstate.SessionLondon
	bypass := BypassTable{RejSessionOutside: true}
	m, r := Evaluate(pb, in, ModeAggressive, bypass)
	require.Nil(t, r)
	require.NotNil(t, m)
	assert.Contains(t, m.BypassesApplied, RejSessionOutside)
}

func TestEvaluateScoreBelowMinRejects(t *testing.T) {
	pb := samplePlaybook()
	in := baseInput()
	in.MinScoreToMatch = 0.99
	_, r := Evaluate(pb, in, ModeSafe, nil)
	require.NotNil(t, r)
	assert.Equal(t, RejScoreBelowMin, r.Reason)
}

func TestBestTieBreaksAlphabeticThenScalp(t *testing.T) {
	matches := []Match{
		{Playbook: "zzz", Kind: KindDaytrade, Score: 0.8},
		{Playbook: "aaa", Kind: KindDaytrade, Score: 0.8},
		{Playbook: "aaa", Kind: KindScalp, Score: 0.8},
	}
	best, ok := Best(matches)
	require.True(t, ok)
	assert.Equal(t, "aaa", best.Playbook)
	assert.Equal(t, KindScalp, best.Kind)
}

func TestLoadCatalogParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	yamlBody := `
default_time_windows:
  - start: 570
    end: 690
playbooks:
  - name: ict_am_scalp
    kind: SCALP
    session_allowed: [ny_am]
    day_type_allowed: [trend]
    required_ict_families: [fvg]
    min_volatility: 0.1
    weights:
      w_ict: 0.5
      w_pattern: 0.3
      w_context: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, cat.Playbooks, 1)
	assert.Equal(t, "ict_am_scalp", cat.Playbooks[0].Name)
	assert.Equal(t, KindScalp, cat.Playbooks[0].Kind)
	assert.Len(t, cat.Playbooks[0].TimeWindows, 1)
}

func TestLoadCatalogInvalidYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("playbooks: [this is not valid"), 0o644))
	_, err := LoadCatalog(path)
	require.Error(t, err)
}
