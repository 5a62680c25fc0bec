package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(50000), cfg.Scoring.Window)
	assert.Equal(t, 0.99, cfg.Scoring.VarCutoff)
	assert.Equal(t, 0.05, cfg.Scoring.MAFCutoff)
	assert.Equal(t, MethodAuto, cfg.Scoring.Method)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Scoring.VarCutoff = 1.5
	cfg.Scoring.Method = "magic"
	cfg.Pathway.MinGenes = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.Contains(t, err.Error(), "var_cutoff")
	assert.Contains(t, err.Error(), "magic")
	assert.Contains(t, err.Error(), "min_genes")
}

func TestLoad_FromYAML(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
scoring:
  window: 10000
  method: Exact
cross:
  mode: ranksum
  sample_overlap: 0.3
pathway:
  mode: permutation
  permutations: 500
`)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), cfg.Scoring.Window)
	assert.Equal(t, MethodExact, cfg.Scoring.Method)
	assert.Equal(t, 0.99, cfg.Scoring.VarCutoff, "unset keys keep defaults")
	assert.Equal(t, CrossRankSum, cfg.Cross.Mode)
	assert.InDelta(t, 0.3, cfg.Cross.SampleOverlap, 1e-12)
	assert.Equal(t, 500, cfg.Pathway.Permutations)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("montecarlo.max_trials", 5)

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_trials")
}
