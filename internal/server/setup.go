package server

import (
	"fmt"

	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/opt"
	"github.com/gosh-rs/gosh-optim/internal/relax"
)

// NewModel returns the Lennard-Jones potential described by config.
func NewModel(config JobConfig) *model.LennardJones {
	config = config.WithDefaults()
	lj := model.DefaultLennardJones()
	lj.Epsilon = config.LJEpsilon
	lj.Sigma = config.LJSigma
	return lj
}

// NewOptimizer builds an optimizer for config on top of the base step
// settings. Config fields that are set take precedence over base; an unset
// algorithm keeps the one from base.
func NewOptimizer(config JobConfig, base opt.Vars) (*relax.Optimizer, error) {
	vars := base
	if config.Algorithm != "" {
		algorithm, err := opt.ParseAlgorithm(config.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("invalid job config: %w", err)
		}
		vars.Algorithm = algorithm
	}
	config = config.WithDefaults()
	if config.MaxStepSize > 0 {
		vars.MaxStepSize = config.MaxStepSize
	}
	if err := vars.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job config: %w", err)
	}

	o := relax.New(config.NMax, config.Fmax)
	o.Vars = vars
	if config.PreSearch {
		ps := relax.DefaultPreSearch()
		if config.Seed != 0 {
			ps.Seed = config.Seed
		}
		o.PreSearch = ps
	}
	return o, nil
}

// resolveConfig fills the unset fields of config, taking the algorithm from
// base so that jobs and their checkpoints record what actually ran.
func resolveConfig(config JobConfig, base opt.Vars) JobConfig {
	if config.Algorithm == "" {
		config.Algorithm = base.Algorithm.String()
	}
	return config.WithDefaults()
}
