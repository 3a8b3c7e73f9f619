package cost

import (
	"encoding/json"
	"testing"

	"github.com/Kitsuya0828/DSFLplus/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestGetDistillationRoundCost_Bytes(t *testing.T) {
	pkg := &model.RoundPackage{
		Round:         1,
		PublicIndices: []int{0, 1, 2},
		Consensus: &model.ConsensusSet{
			Indices: []int{4, 5},
			Labels:  []model.SoftLabel{{0.5, 0.5}, {0.2, 0.8}},
		},
	}
	outputs := []*model.ClientOutput{
		{ClientId: 0, Indices: []int{0, 1, 2}, Labels: make([]model.SoftLabel, 3), Scores: []float64{1, 2, 3}},
		{ClientId: 1, Indices: []int{0, 1, 2}, Labels: make([]model.SoftLabel, 3)},
	}

	roundCost := GetDistillationRoundCost(pkg, outputs, 2, 2, BYTES)

	// per client: 3 slice indices + 2 consensus indices + (8 + 4*2*2) encoded labels
	assert.Equal(t, float64(2*(12+8+24)), roundCost.Download)
	// (8 + 4*3*2) labels each, plus 3 scores for the first client
	assert.Equal(t, float64(32+12+32), roundCost.Upload)
	assert.Equal(t, roundCost.Upload+roundCost.Download, roundCost.Total())
}

func TestGetDistillationRoundCost_CountsUploadedPayload(t *testing.T) {
	pkg := &model.RoundPackage{PublicIndices: []int{0, 1}}
	outputs := []*model.ClientOutput{
		{ClientId: 0, Indices: []int{0, 1}, Payload: make([]byte, 24)},
	}

	roundCost := GetDistillationRoundCost(pkg, outputs, 1, 2, BYTES)
	assert.Equal(t, float64(24), roundCost.Upload)
	assert.Equal(t, float64(8), roundCost.Download)
}

func TestGetDistillationRoundCost_SoftLabelsWithoutConsensus(t *testing.T) {
	pkg := &model.RoundPackage{PublicIndices: []int{0, 1}}
	outputs := []*model.ClientOutput{
		{ClientId: 3, Indices: []int{0, 1}, Labels: make([]model.SoftLabel, 2)},
	}

	roundCost := GetDistillationRoundCost(pkg, outputs, 1, 10, SOFT_LABELS)
	assert.Equal(t, RoundCost{Upload: 2, Download: 0}, roundCost)
}

func TestGetModelExchangeRoundCost(t *testing.T) {
	assert.Equal(t, RoundCost{Upload: 300, Download: 300}, GetModelExchangeRoundCost(3, 100, BYTES))
	assert.Equal(t, RoundCost{}, GetModelExchangeRoundCost(3, 100, SOFT_LABELS))
}

func TestCostConfiguration_StopConditions(t *testing.T) {
	budget := CostConfiguration{CostType: TotalBudget_CostType, Budget: 100}
	require.NoError(t, budget.Validate())
	assert.False(t, budget.BudgetExhausted(60, 40))
	assert.True(t, budget.BudgetExhausted(60, 41))
	assert.False(t, budget.TargetReached(1))

	target := CostConfiguration{CostType: TargetAccuracy_CostType, TargetAccuracy: 0.8}
	require.NoError(t, target.Validate())
	assert.True(t, target.TargetReached(0.8))
	assert.False(t, target.TargetReached(0.79))
	assert.False(t, target.BudgetExhausted(1e12, 1e12))

	assert.NoError(t, CostConfiguration{}.Validate())
	assert.Error(t, CostConfiguration{CostType: TotalBudget_CostType}.Validate())
	assert.Error(t, CostConfiguration{CostType: TargetAccuracy_CostType, TargetAccuracy: 1.5}.Validate())
	assert.Error(t, CostConfiguration{CostType: "costMin"}.Validate())
}

func TestCostSource_Encoding(t *testing.T) {
	var fromJson CostConfiguration
	require.NoError(t, json.Unmarshal([]byte(`{"source":"soft_labels"}`), &fromJson))
	assert.Equal(t, SOFT_LABELS, fromJson.Source)

	require.NoError(t, json.Unmarshal([]byte(`{"source":0}`), &fromJson))
	assert.Equal(t, BYTES, fromJson.Source)

	assert.Error(t, json.Unmarshal([]byte(`{"source":7}`), &fromJson))
	assert.Error(t, json.Unmarshal([]byte(`{"source":"ENERGY"}`), &fromJson))

	out, err := json.Marshal(CostConfiguration{Source: SOFT_LABELS})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"source":"SOFT_LABELS"`)

	var fromYaml CostConfiguration
	require.NoError(t, yaml.Unmarshal([]byte("source: SOFT_LABELS\nbudget: 5\n"), &fromYaml))
	assert.Equal(t, SOFT_LABELS, fromYaml.Source)
	assert.Equal(t, 5.0, fromYaml.Budget)

	yamlOut, err := yaml.Marshal(fromYaml)
	require.NoError(t, err)
	assert.Contains(t, string(yamlOut), "source: SOFT_LABELS")
}
