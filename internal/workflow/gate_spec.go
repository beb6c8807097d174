package workflow

import (
	"fmt"
	"strings"
)

// ConditionName identifies a structural condition the gate checks before
// looking at scores.
type ConditionName string

const (
	// ConditionTasksSucceeded requires every task in the layer to succeed. It
	// always applies and always resolves to a rerun.
	ConditionTasksSucceeded ConditionName = "tasks-succeeded"
	// ConditionCompleteSynthesis requires every synthesis to have received all
	// expected reports. It always applies; declare it to change its action.
	ConditionCompleteSynthesis ConditionName = "complete-synthesis"
	ConditionZeroCritical      ConditionName = "zero-critical"
	ConditionZeroMajor         ConditionName = "zero-major"
	ConditionNoContradictions  ConditionName = "no-contradictions"
)

var knownConditions = map[ConditionName]struct{}{
	ConditionTasksSucceeded:    {},
	ConditionCompleteSynthesis: {},
	ConditionZeroCritical:      {},
	ConditionZeroMajor:         {},
	ConditionNoContradictions:  {},
}

// Known reports whether the condition is one the gate understands.
func (c ConditionName) Known() bool {
	_, ok := knownConditions[c]
	return ok
}

// FailAction selects the decision a failing structural condition produces.
type FailAction string

const (
	FailRerun FailAction = "rerun"
	FailHold  FailAction = "hold"
)

// ConditionSpec declares a required structural condition.
type ConditionSpec struct {
	Name   ConditionName `json:"name" yaml:"name"`
	OnFail FailAction    `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
}

// Scale is the inclusive range a score dimension is allowed to take.
type Scale struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// DefaultScale is used when a gate does not declare one.
var DefaultScale = Scale{Min: 1, Max: 10}

// Contains reports whether value lies within the scale.
func (s Scale) Contains(value float64) bool {
	return value >= s.Min && value <= s.Max
}

// MetricSpec declares one metric computed from report score dimensions.
type MetricSpec struct {
	Name string `json:"name" yaml:"name"`
	// Dimensions averaged into the metric. Defaults to the metric name.
	Dimensions []string `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	// Weight of the metric inside the composite. Zero counts as one.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Scale  *Scale  `json:"scale,omitempty" yaml:"scale,omitempty"`
}

// GateSpec configures how a layer's output is judged.
type GateSpec struct {
	// Family groups checkpoints for trend comparison. Defaults to the layer name.
	Family              string          `json:"family,omitempty" yaml:"family,omitempty"`
	Scale               Scale           `json:"scale,omitempty" yaml:"scale,omitempty"`
	Metrics             []MetricSpec    `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Floor               *float64        `json:"floor,omitempty" yaml:"floor,omitempty"`
	RegressionTolerance float64         `json:"regression_tolerance,omitempty" yaml:"regression_tolerance,omitempty"`
	Conditions          []ConditionSpec `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Clone returns a deep copy of the gate spec.
func (g GateSpec) Clone() GateSpec {
	clone := g
	if g.Floor != nil {
		floor := *g.Floor
		clone.Floor = &floor
	}
	if len(g.Metrics) > 0 {
		clone.Metrics = make([]MetricSpec, len(g.Metrics))
		for i, metric := range g.Metrics {
			m := metric
			m.Dimensions = cloneStringSlice(metric.Dimensions)
			if metric.Scale != nil {
				scale := *metric.Scale
				m.Scale = &scale
			}
			clone.Metrics[i] = m
		}
	}
	if len(g.Conditions) > 0 {
		clone.Conditions = make([]ConditionSpec, len(g.Conditions))
		copy(clone.Conditions, g.Conditions)
	}
	return clone
}

// ScaleFor returns the scale that applies to the given metric.
func (g GateSpec) ScaleFor(metric MetricSpec) Scale {
	if metric.Scale != nil {
		return *metric.Scale
	}
	return g.Scale
}

// EffectiveWeight returns the weight used in the composite.
func (m MetricSpec) EffectiveWeight() float64 {
	if m.Weight == 0 {
		return 1
	}
	return m.Weight
}

// ActionFor returns the configured action for a condition, falling back to
// rerun when the condition is not declared.
func (g GateSpec) ActionFor(name ConditionName) FailAction {
	for _, cond := range g.Conditions {
		if cond.Name == name && cond.OnFail != "" {
			return cond.OnFail
		}
	}
	return FailRerun
}

// Declares reports whether the gate lists the condition explicitly.
func (g GateSpec) Declares(name ConditionName) bool {
	for _, cond := range g.Conditions {
		if cond.Name == name {
			return true
		}
	}
	return false
}

func (g *GateSpec) normalize(layerName string) {
	g.Family = strings.TrimSpace(g.Family)
	if g.Family == "" {
		g.Family = layerName
	}
	if g.Scale == (Scale{}) {
		g.Scale = DefaultScale
	}
	for i := range g.Metrics {
		metric := &g.Metrics[i]
		metric.Name = strings.TrimSpace(metric.Name)
		if len(metric.Dimensions) == 0 && metric.Name != "" {
			metric.Dimensions = []string{metric.Name}
		}
	}
	for i := range g.Conditions {
		cond := &g.Conditions[i]
		cond.Name = ConditionName(strings.ToLower(strings.TrimSpace(string(cond.Name))))
		cond.OnFail = FailAction(strings.ToLower(strings.TrimSpace(string(cond.OnFail))))
		if cond.OnFail == "" {
			cond.OnFail = FailRerun
		}
	}
}

// Validate checks the gate spec for malformed metrics, scales, and
// conditions. The returned error names the offending field.
func (g GateSpec) Validate() error {
	if g.Scale.Min >= g.Scale.Max {
		return fmt.Errorf("scale: min %.2f must be below max %.2f", g.Scale.Min, g.Scale.Max)
	}
	seen := map[string]struct{}{}
	for i, metric := range g.Metrics {
		field := fmt.Sprintf("metrics[%d]", i)
		if metric.Name == "" {
			return fmt.Errorf("%s.name: required", field)
		}
		if _, dup := seen[metric.Name]; dup {
			return fmt.Errorf("%s.name: duplicate metric %q", field, metric.Name)
		}
		seen[metric.Name] = struct{}{}
		if metric.Weight < 0 {
			return fmt.Errorf("%s.weight: must be >= 0", field)
		}
		if metric.Scale != nil && metric.Scale.Min >= metric.Scale.Max {
			return fmt.Errorf("%s.scale: min %.2f must be below max %.2f", field, metric.Scale.Min, metric.Scale.Max)
		}
		for j, dim := range metric.Dimensions {
			if strings.TrimSpace(dim) == "" {
				return fmt.Errorf("%s.dimensions[%d]: empty dimension", field, j)
			}
		}
	}
	if g.Floor != nil {
		if len(g.Metrics) == 0 {
			return fmt.Errorf("floor: requires at least one metric")
		}
		floor := *g.Floor
		for _, metric := range g.Metrics {
			if !g.ScaleFor(metric).Contains(floor) {
				return fmt.Errorf("floor: %.2f outside the scale of metric %q", floor, metric.Name)
			}
		}
	}
	if g.RegressionTolerance < 0 {
		return fmt.Errorf("regression_tolerance: must be >= 0")
	}
	for i, cond := range g.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		if !cond.Name.Known() {
			return fmt.Errorf("%s.name: unknown condition %q", field, cond.Name)
		}
		if cond.OnFail != FailRerun && cond.OnFail != FailHold {
			return fmt.Errorf("%s.on_fail: must be rerun or hold, got %q", field, cond.OnFail)
		}
		if cond.Name == ConditionTasksSucceeded && cond.OnFail != FailRerun {
			return fmt.Errorf("%s.on_fail: %s always reruns", field, cond.Name)
		}
	}
	return nil
}
