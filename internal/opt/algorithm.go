package opt

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Algorithm selects the step algorithm used by the driver.
type Algorithm int

const (
	// LBFGS is limited-memory quasi-Newton with a gradient-only line search.
	LBFGS Algorithm = iota
	// FIRE is damped velocity-based descent with an adaptive timestep. It is
	// more forgiving when gradients or curvature are unreliable.
	FIRE
)

func (a Algorithm) String() string {
	switch a {
	case LBFGS:
		return "LBFGS"
	case FIRE:
		return "FIRE"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm parses an algorithm name, ignoring case. "L-BFGS" is
// accepted as an alias of LBFGS.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LBFGS", "L-BFGS":
		return LBFGS, nil
	case "FIRE":
		return FIRE, nil
	default:
		return LBFGS, fmt.Errorf("unknown algorithm %q (want FIRE or LBFGS)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	v, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Algorithm) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return a.UnmarshalText([]byte(s))
}
