package score

import "github.com/signalnine/crucible/internal/result"

// Weights is tunable scoring policy, not a fixed formula. A weight of
// zero drops the signal from the composite entirely.
type Weights struct {
	Build           float64 `yaml:"build"`
	Runtime         float64 `yaml:"runtime"`
	TypeSafety      float64 `yaml:"type_safety"`
	Tests           float64 `yaml:"tests"`
	Connectivity    float64 `yaml:"connectivity"`
	DataValidity    float64 `yaml:"data_validity"`
	UI              float64 `yaml:"ui"`
	LocalRunability float64 `yaml:"local_runability"`
	Deployability   float64 `yaml:"deployability"`
}

var DefaultWeights = Weights{
	Build:           20,
	Runtime:         25,
	TypeSafety:      10,
	Tests:           10,
	Connectivity:    10,
	DataValidity:    10,
	UI:              5,
	LocalRunability: 5,
	Deployability:   5,
}

func (w Weights) isZero() bool {
	return w.Build == 0 && w.Runtime == 0 && w.TypeSafety == 0 &&
		w.Tests == 0 && w.Connectivity == 0 && w.DataValidity == 0 &&
		w.UI == 0 && w.LocalRunability == 0 && w.Deployability == 0
}

// Compute folds the measured signals into a 0-100 composite. Signals
// whose metric is nil (the check never ran) are excluded and the
// remaining weights renormalized, so a skipped check is never scored
// as a failure. Returns nil when no weighted signal was measured.
func Compute(m *result.Metrics, w Weights) *float64 {
	if w.isZero() {
		w = DefaultWeights
	}
	var num, den float64
	addBool := func(v *bool, weight float64) {
		if v == nil || weight == 0 {
			return
		}
		den += weight
		if *v {
			num += weight
		}
	}
	addScore5 := func(v *int, weight float64) {
		if v == nil || weight == 0 {
			return
		}
		den += weight
		num += weight * float64(*v) / 5
	}
	addBool(m.BuildSuccess, w.Build)
	addBool(m.RuntimeSuccess, w.Runtime)
	addBool(m.TypeSafety, w.TypeSafety)
	addBool(m.TestsPass, w.Tests)
	addBool(m.DatabricksConnectivity, w.Connectivity)
	addBool(m.DataReturned, w.DataValidity)
	addBool(m.UIRenders, w.UI)
	addScore5(m.LocalRunabilityScore, w.LocalRunability)
	addScore5(m.DeployabilityScore, w.Deployability)
	if den == 0 {
		return nil
	}
	s := num / den * 100
	return &s
}
