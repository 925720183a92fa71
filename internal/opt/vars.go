package opt

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by VarsFromEnv.
const EnvPrefix = "GOSH_OPTIM_"

// Vars holds the tunable settings of the step algorithms.
type Vars struct {
	// MaxStepSize caps the largest single-coordinate displacement of a trial.
	MaxStepSize float64 `yaml:"max_step_size" json:"maxStepSize"`

	// InitialStepSize is the displacement norm of steepest-descent (re)starts.
	InitialStepSize float64 `yaml:"initial_step_size" json:"initialStepSize"`

	// MaxLinesearch bounds line search trials per L-BFGS iteration.
	MaxLinesearch int `yaml:"max_linesearch" json:"maxLinesearch"`

	// MaxEvaluations bounds evaluator calls (0 = unbounded).
	MaxEvaluations int `yaml:"max_evaluations" json:"maxEvaluations"`

	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`
}

// DefaultVars returns the default settings.
func DefaultVars() Vars {
	return Vars{
		MaxStepSize:     0.1,
		InitialStepSize: 1.0 / 75.0,
		MaxLinesearch:   1,
		MaxEvaluations:  0,
		Algorithm:       LBFGS,
	}
}

// Validate checks that all settings are usable.
func (v Vars) Validate() error {
	var errs []error
	if !(v.MaxStepSize > 0) {
		errs = append(errs, &ConfigError{Key: "max_step_size", Value: fmt.Sprint(v.MaxStepSize), Err: errors.New("must be positive")})
	}
	if !(v.InitialStepSize > 0) {
		errs = append(errs, &ConfigError{Key: "initial_step_size", Value: fmt.Sprint(v.InitialStepSize), Err: errors.New("must be positive")})
	}
	if v.MaxLinesearch < 0 {
		errs = append(errs, &ConfigError{Key: "max_linesearch", Value: strconv.Itoa(v.MaxLinesearch), Err: errors.New("cannot be negative")})
	}
	if v.MaxEvaluations < 0 {
		errs = append(errs, &ConfigError{Key: "max_evaluations", Value: strconv.Itoa(v.MaxEvaluations), Err: errors.New("cannot be negative")})
	}
	if v.Algorithm != LBFGS && v.Algorithm != FIRE {
		errs = append(errs, &ConfigError{Key: "algorithm", Value: v.Algorithm.String(), Err: errors.New("unknown algorithm")})
	}
	return errors.Join(errs...)
}

// ConfigError reports a malformed configuration value.
type ConfigError struct {
	Key   string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadVars reads settings from a YAML file on top of the defaults. Unknown
// keys are rejected.
func LoadVars(path string) (Vars, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultVars(), fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseVars(data)
}

// VarsFromFile reads settings like LoadVars, but malformed settings are
// logged and replaced by the defaults. Only an unreadable file is an error.
func VarsFromFile(path string) (Vars, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultVars(), fmt.Errorf("failed to read config file: %w", err)
	}
	v, err := ParseVars(data)
	if err != nil {
		slog.Warn("Ignoring malformed optimizer config", "path", path, "error", err)
	}
	return v, nil
}

// ParseVars decodes YAML settings on top of the defaults.
func ParseVars(data []byte) (Vars, error) {
	v := DefaultVars()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&v); err != nil {
		return DefaultVars(), &ConfigError{Key: "yaml", Err: err}
	}
	if err := v.Validate(); err != nil {
		return DefaultVars(), err
	}
	return v, nil
}

// ApplyEnv overrides fields of base with GOSH_OPTIM_* variables found through
// lookup. A malformed variable leaves its field untouched and is reported in
// the returned error; the other fields are still applied.
func ApplyEnv(base Vars, lookup func(string) (string, bool)) (Vars, error) {
	v := base
	var errs []error

	float := func(key string, dst *float64) {
		s, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(s, 64)
		if err == nil && !(f > 0) {
			err = errors.New("must be positive")
		}
		if err != nil {
			errs = append(errs, &ConfigError{Key: EnvPrefix + key, Value: s, Err: err})
			return
		}
		*dst = f
	}
	count := func(key string, dst *int) {
		s, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.ParseUint(s, 10, 31)
		if err != nil {
			errs = append(errs, &ConfigError{Key: EnvPrefix + key, Value: s, Err: err})
			return
		}
		*dst = int(n)
	}

	float("MAX_STEP_SIZE", &v.MaxStepSize)
	float("INITIAL_STEP_SIZE", &v.InitialStepSize)
	count("MAX_LINESEARCH", &v.MaxLinesearch)
	count("MAX_EVALUATIONS", &v.MaxEvaluations)
	if s, ok := lookup(EnvPrefix + "ALGORITHM"); ok {
		a, err := ParseAlgorithm(s)
		if err != nil {
			errs = append(errs, &ConfigError{Key: EnvPrefix + "ALGORITHM", Value: s, Err: err})
		} else {
			v.Algorithm = a
		}
	}

	return v, errors.Join(errs...)
}

// VarsFromEnv applies the process environment to base. Malformed variables
// are logged and fall back to the value in base.
func VarsFromEnv(base Vars) Vars {
	v, err := ApplyEnv(base, os.LookupEnv)
	if err != nil {
		slog.Warn("Ignoring malformed optimizer environment", "error", err)
	} else {
		slog.Debug("Optimizer settings resolved", "algorithm", v.Algorithm, "max_step_size", v.MaxStepSize)
	}
	return v
}
