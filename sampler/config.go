package sampler

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// MetricKind selects the shape of the mass matrix
type MetricKind string

// Mass matrix shapes
const (
	DiagMetric  MetricKind = "diag"
	DenseMetric MetricKind = "dense"
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Config controls a sampling run. Iterations counts warm-up, so a chain
// records Iterations-Warmup post warm-up iterations before thinning.
type Config struct {
	Chains       int        `yaml:"chains" validate:"min=1"`
	Iterations   int        `yaml:"iterations" validate:"min=1"`
	Warmup       int        `yaml:"warmup" validate:"min=0,ltfield=Iterations"`
	Thin         int        `yaml:"thin" validate:"min=1"`
	TargetAccept float64    `yaml:"target_accept" validate:"gt=0,lt=1"`
	Seed         int64      `yaml:"seed"`
	Seeds        []int64    `yaml:"seeds,omitempty"`
	Parallel     int        `yaml:"parallel" validate:"min=0"`
	MaxTreeDepth int        `yaml:"max_tree_depth" validate:"min=1,max=30"`
	MaxDeltaH    float64    `yaml:"max_delta_h" validate:"gt=0"`
	InitRadius   float64    `yaml:"init_radius" validate:"gt=0"`
	InitAttempts int        `yaml:"init_attempts" validate:"min=1"`
	Metric       MetricKind `yaml:"metric" validate:"oneof=diag dense"`
	SaveWarmup   bool       `yaml:"save_warmup"`

	// Inits are optional per-chain starting points on the unconstrained
	// scale. A nil entry means a random start.
	Inits [][]float64 `yaml:"inits,omitempty"`
}

// DefaultConfig returns the settings used when nothing is specified
func DefaultConfig() Config {
	return Config{
		Chains:       4,
		Iterations:   2000,
		Warmup:       1000,
		Thin:         1,
		TargetAccept: 0.8,
		Seed:         1,
		MaxTreeDepth: 10,
		MaxDeltaH:    1000,
		InitRadius:   2,
		InitAttempts: 100,
		Metric:       DiagMetric,
	}
}

// Check returns an error if the configuration can not be run
func (c *Config) Check() error {
	if err := configValidate.Struct(c); err != nil {
		return errors.Wrap(err, "Invalid sampler config")
	}
	if len(c.Seeds) > 0 && len(c.Seeds) != c.Chains {
		return errors.Errorf("Got %d seeds for %d chains", len(c.Seeds), c.Chains)
	}
	if len(c.Inits) > c.Chains {
		return errors.Errorf("Got %d inits for %d chains", len(c.Inits), c.Chains)
	}
	return nil
}

// ChainSeed is the seed for chain i
func (c *Config) ChainSeed(i int) int64 {
	if len(c.Seeds) > i {
		return c.Seeds[i]
	}
	return c.Seed + int64(i)
}

// Draws is the number of draws each chain keeps
func (c *Config) Draws() int {
	n := (c.Iterations - c.Warmup + c.Thin - 1) / c.Thin
	if c.SaveWarmup {
		n += c.Warmup
	}
	return n
}
