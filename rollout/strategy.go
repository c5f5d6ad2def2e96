// Package rollout decides whether and when a supervisor applies a newer
// package version, according to the group's configured update strategy.
package rollout

import (
	"fmt"

	"github.com/drover-io/drover/census"
	"github.com/drover-io/drover/cluster"
	goversion "github.com/hashicorp/go-version"
)

// Strategy selects how a service group takes version upgrades.
type Strategy int

const (
	// StrategyNone never applies automatically; updates happen only by
	// direct operator action.
	StrategyNone Strategy = iota
	// StrategyAtOnce applies as soon as a newer target is seen, with no
	// peer coordination.
	StrategyAtOnce
	// StrategyRolling sequences updates leader-first through the
	// Coordinator.
	StrategyRolling
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyAtOnce:
		return "at-once"
	case StrategyRolling:
		return "rolling"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStrategy maps a configuration string onto a Strategy. An
// unrecognized value is a configuration error, fatal for the group.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "none":
		return StrategyNone, nil
	case "at-once", "atonce":
		return StrategyAtOnce, nil
	case "rolling":
		return StrategyRolling, nil
	default:
		return StrategyNone, &ConfigError{Reason: fmt.Sprintf("unknown update strategy %q", s)}
	}
}

// Decision is the outcome of one strategy evaluation.
type Decision int

const (
	Hold Decision = iota
	Apply
)

func (d Decision) String() string {
	if d == Apply {
		return "apply"
	}
	return "hold"
}

// ConfigError marks operator mistakes: versions that do not parse into a
// total order, unknown strategies. These surface synchronously and are
// never silently skipped.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rollout configuration error: %s", e.Reason)
}

// ParseVersion parses a version string into the total order every
// comparison here relies on. Failure is a ConfigError.
func ParseVersion(s string) (*goversion.Version, error) {
	v, err := goversion.NewVersion(s)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("unparseable version %q: %v", s, err)}
	}
	return v, nil
}

// Engine evaluates the configured strategy against the current census.
type Engine struct {
	strategy    Strategy
	coordinator *Coordinator
}

func NewEngine(strategy Strategy) *Engine {
	return &Engine{
		strategy:    strategy,
		coordinator: NewCoordinator(),
	}
}

func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// Coordinator exposes the rolling state machine, for observability.
func (e *Engine) Coordinator() *Coordinator {
	return e.coordinator
}

// Decide reports whether the local member should apply target now. A
// target that does not parse, or a local version that does not parse,
// is a configuration error and always holds.
func (e *Engine) Decide(g *census.Group, local *cluster.Member, target string) (Decision, error) {
	if target == "" {
		if e.strategy == StrategyRolling {
			e.coordinator.Reset()
		}
		return Hold, nil
	}

	targetVersion, err := ParseVersion(target)
	if err != nil {
		return Hold, err
	}
	localVersion, err := ParseVersion(local.PackageVersion)
	if err != nil {
		return Hold, err
	}

	switch e.strategy {
	case StrategyNone:
		return Hold, nil
	case StrategyAtOnce:
		if targetVersion.GreaterThan(localVersion) {
			return Apply, nil
		}
		return Hold, nil
	case StrategyRolling:
		return e.coordinator.Observe(g, local, targetVersion, localVersion), nil
	default:
		return Hold, &ConfigError{Reason: fmt.Sprintf("unknown update strategy %q", e.strategy)}
	}
}
