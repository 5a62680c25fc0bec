// Package config holds the run configuration shared by the scoring components.
// A Config is built once (defaults, then config file, environment and flags
// through viper) and passed by value into constructors.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Tail probability methods.
const (
	MethodAuto        = "auto"
	MethodExact       = "exact"
	MethodApproximate = "approximate"
)

// Moment-matching approximations.
const (
	ApproxPearson       = "pearson"
	ApproxSatterthwaite = "satterthwaite"
	ApproxSaddlepoint   = "saddlepoint"
)

// Cross-trait modes.
const (
	CrossZSum      = "zsum"
	CrossRankSum   = "ranksum"
	CrossCoherence = "coherence"
	CrossRatio     = "ratio"
)

// Pathway modes.
const (
	PathwayRank        = "rank"
	PathwayPermutation = "permutation"
	PathwayCauchy      = "cauchy"
)

// Config is the complete run configuration.
type Config struct {
	Panel      PanelConfig      `mapstructure:"panel" yaml:"panel"`
	Scoring    ScoringConfig    `mapstructure:"scoring" yaml:"scoring"`
	MonteCarlo MonteCarloConfig `mapstructure:"montecarlo" yaml:"montecarlo"`
	Cross      CrossConfig      `mapstructure:"cross" yaml:"cross"`
	Pathway    PathwayConfig    `mapstructure:"pathway" yaml:"pathway"`
	Results    ResultsConfig    `mapstructure:"results" yaml:"results"`
}

// PanelConfig locates the reference panel.
type PanelConfig struct {
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Parallel int    `mapstructure:"parallel" yaml:"parallel"`
}

// ScoringConfig controls window resolution, LD conditioning and tail evaluation.
type ScoringConfig struct {
	Window           int64   `mapstructure:"window" yaml:"window"`
	MergeDistance    int64   `mapstructure:"merge_distance" yaml:"merge_distance"`
	MAFCutoff        float64 `mapstructure:"maf_cutoff" yaml:"maf_cutoff"`
	VarCutoff        float64 `mapstructure:"var_cutoff" yaml:"var_cutoff"`
	Method           string  `mapstructure:"method" yaml:"method"`
	Approximation    string  `mapstructure:"approximation" yaml:"approximation"`
	ExactMaxDims     int     `mapstructure:"exact_max_dims" yaml:"exact_max_dims"`
	Accuracy         float64 `mapstructure:"accuracy" yaml:"accuracy"`
	IntegrationLimit int     `mapstructure:"integration_limit" yaml:"integration_limit"`
	LogSigThreshold  float64 `mapstructure:"log_sig_threshold" yaml:"log_sig_threshold"`
	Workers          int     `mapstructure:"workers" yaml:"workers"`
}

// MonteCarloConfig bounds the sampling fallback per gene.
type MonteCarloConfig struct {
	InitialTrials int    `mapstructure:"initial_trials" yaml:"initial_trials"`
	MaxTrials     int    `mapstructure:"max_trials" yaml:"max_trials"`
	Growth        int    `mapstructure:"growth" yaml:"growth"`
	MinSuccesses  int    `mapstructure:"min_successes" yaml:"min_successes"`
	Seed          uint64 `mapstructure:"seed" yaml:"seed"`
}

// CrossConfig selects the cross-trait statistic.
type CrossConfig struct {
	Mode          string  `mapstructure:"mode" yaml:"mode"`
	SampleOverlap float64 `mapstructure:"sample_overlap" yaml:"sample_overlap"`
	LeftTail      bool    `mapstructure:"left_tail" yaml:"left_tail"`
}

// PathwayConfig selects the pathway aggregation.
type PathwayConfig struct {
	Mode             string `mapstructure:"mode" yaml:"mode"`
	Permutations     int    `mapstructure:"permutations" yaml:"permutations"`
	MinGenes         int    `mapstructure:"min_genes" yaml:"min_genes"`
	MergeOverlapping bool   `mapstructure:"merge_overlapping" yaml:"merge_overlapping"`
	Seed             uint64 `mapstructure:"seed" yaml:"seed"`
}

// ResultsConfig locates result persistence.
type ResultsConfig struct {
	DB       string `mapstructure:"db" yaml:"db"`
	Analysis string `mapstructure:"analysis" yaml:"analysis"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Panel: PanelConfig{Parallel: 1},
		Scoring: ScoringConfig{
			Window:           50000,
			MergeDistance:    0,
			MAFCutoff:        0.05,
			VarCutoff:        0.99,
			Method:           MethodAuto,
			Approximation:    ApproxPearson,
			ExactMaxDims:     1000,
			Accuracy:         1e-8,
			IntegrationLimit: 1000000,
			LogSigThreshold:  7,
			Workers:          runtime.NumCPU(),
		},
		MonteCarlo: MonteCarloConfig{
			InitialTrials: 10000,
			MaxTrials:     1000000,
			Growth:        10,
			MinSuccesses:  100,
			Seed:          1,
		},
		Cross: CrossConfig{
			Mode: CrossZSum,
		},
		Pathway: PathwayConfig{
			Mode:         PathwayRank,
			Permutations: 10000,
			MinGenes:     2,
			Seed:         1,
		},
		Results: ResultsConfig{
			Analysis: "default",
		},
	}
}

// SetDefaults registers the defaults on v so that config get/show and flag
// binding see them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("panel.parallel", d.Panel.Parallel)
	v.SetDefault("scoring.window", d.Scoring.Window)
	v.SetDefault("scoring.merge_distance", d.Scoring.MergeDistance)
	v.SetDefault("scoring.maf_cutoff", d.Scoring.MAFCutoff)
	v.SetDefault("scoring.var_cutoff", d.Scoring.VarCutoff)
	v.SetDefault("scoring.method", d.Scoring.Method)
	v.SetDefault("scoring.approximation", d.Scoring.Approximation)
	v.SetDefault("scoring.exact_max_dims", d.Scoring.ExactMaxDims)
	v.SetDefault("scoring.accuracy", d.Scoring.Accuracy)
	v.SetDefault("scoring.integration_limit", d.Scoring.IntegrationLimit)
	v.SetDefault("scoring.log_sig_threshold", d.Scoring.LogSigThreshold)
	v.SetDefault("scoring.workers", d.Scoring.Workers)
	v.SetDefault("montecarlo.initial_trials", d.MonteCarlo.InitialTrials)
	v.SetDefault("montecarlo.max_trials", d.MonteCarlo.MaxTrials)
	v.SetDefault("montecarlo.growth", d.MonteCarlo.Growth)
	v.SetDefault("montecarlo.min_successes", d.MonteCarlo.MinSuccesses)
	v.SetDefault("montecarlo.seed", d.MonteCarlo.Seed)
	v.SetDefault("cross.mode", d.Cross.Mode)
	v.SetDefault("cross.sample_overlap", d.Cross.SampleOverlap)
	v.SetDefault("cross.left_tail", d.Cross.LeftTail)
	v.SetDefault("pathway.mode", d.Pathway.Mode)
	v.SetDefault("pathway.permutations", d.Pathway.Permutations)
	v.SetDefault("pathway.min_genes", d.Pathway.MinGenes)
	v.SetDefault("pathway.merge_overlapping", d.Pathway.MergeOverlapping)
	v.SetDefault("pathway.seed", d.Pathway.Seed)
	v.SetDefault("results.analysis", d.Results.Analysis)
}

// Load decodes v on top of the defaults and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Scoring.Method = strings.ToLower(cfg.Scoring.Method)
	cfg.Scoring.Approximation = strings.ToLower(cfg.Scoring.Approximation)
	cfg.Cross.Mode = strings.ToLower(cfg.Cross.Mode)
	cfg.Pathway.Mode = strings.ToLower(cfg.Pathway.Mode)
	if cfg.Scoring.Workers <= 0 {
		cfg.Scoring.Workers = runtime.NumCPU()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	s := c.Scoring
	if s.Window < 0 {
		err = multierr.Append(err, fmt.Errorf("scoring.window must be >= 0, got %d", s.Window))
	}
	if s.MergeDistance < 0 {
		err = multierr.Append(err, fmt.Errorf("scoring.merge_distance must be >= 0, got %d", s.MergeDistance))
	}
	if s.MAFCutoff < 0 || s.MAFCutoff > 0.5 {
		err = multierr.Append(err, fmt.Errorf("scoring.maf_cutoff must be in [0, 0.5], got %g", s.MAFCutoff))
	}
	if s.VarCutoff <= 0 || s.VarCutoff > 1 {
		err = multierr.Append(err, fmt.Errorf("scoring.var_cutoff must be in (0, 1], got %g", s.VarCutoff))
	}
	switch s.Method {
	case MethodAuto, MethodExact, MethodApproximate:
	default:
		err = multierr.Append(err, fmt.Errorf("scoring.method: unknown method %q", s.Method))
	}
	switch s.Approximation {
	case ApproxPearson, ApproxSatterthwaite, ApproxSaddlepoint:
	default:
		err = multierr.Append(err, fmt.Errorf("scoring.approximation: unknown approximation %q", s.Approximation))
	}
	if s.Accuracy <= 0 {
		err = multierr.Append(err, fmt.Errorf("scoring.accuracy must be > 0, got %g", s.Accuracy))
	}
	if s.IntegrationLimit <= 0 {
		err = multierr.Append(err, fmt.Errorf("scoring.integration_limit must be > 0, got %d", s.IntegrationLimit))
	}
	if s.LogSigThreshold <= 0 {
		err = multierr.Append(err, fmt.Errorf("scoring.log_sig_threshold must be > 0, got %g", s.LogSigThreshold))
	}

	mc := c.MonteCarlo
	if mc.InitialTrials <= 0 || mc.MaxTrials < mc.InitialTrials {
		err = multierr.Append(err, fmt.Errorf("montecarlo: need 0 < initial_trials <= max_trials, got %d and %d", mc.InitialTrials, mc.MaxTrials))
	}
	if mc.Growth < 2 {
		err = multierr.Append(err, fmt.Errorf("montecarlo.growth must be >= 2, got %d", mc.Growth))
	}
	if mc.MinSuccesses <= 0 {
		err = multierr.Append(err, fmt.Errorf("montecarlo.min_successes must be > 0, got %d", mc.MinSuccesses))
	}

	switch c.Cross.Mode {
	case CrossZSum, CrossRankSum, CrossCoherence, CrossRatio:
	default:
		err = multierr.Append(err, fmt.Errorf("cross.mode: unknown mode %q", c.Cross.Mode))
	}
	if c.Cross.SampleOverlap < -1 || c.Cross.SampleOverlap > 1 {
		err = multierr.Append(err, fmt.Errorf("cross.sample_overlap must be in [-1, 1], got %g", c.Cross.SampleOverlap))
	}

	switch c.Pathway.Mode {
	case PathwayRank, PathwayPermutation, PathwayCauchy:
	default:
		err = multierr.Append(err, fmt.Errorf("pathway.mode: unknown mode %q", c.Pathway.Mode))
	}
	if c.Pathway.Mode == PathwayPermutation && c.Pathway.Permutations <= 0 {
		err = multierr.Append(err, fmt.Errorf("pathway.permutations must be > 0, got %d", c.Pathway.Permutations))
	}
	if c.Pathway.MinGenes < 1 {
		err = multierr.Append(err, fmt.Errorf("pathway.min_genes must be >= 1, got %d", c.Pathway.MinGenes))
	}
	return err
}
