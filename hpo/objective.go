package hpo

// Objective scores one parameter set. Implementations must be pure from the
// controller's point of view: no panics and no mutation of params.
type Objective interface {
	Evaluate(params Params) float64
}

// ObjectiveFunc adapts a plain function to Objective.
type ObjectiveFunc func(params Params) float64

// Evaluate calls f(params).
func (f ObjectiveFunc) Evaluate(params Params) float64 { return f(params) }

// Defaults used by DemoObjective when a parameter is missing or mistyped.
const (
	demoDefaultLR   = 0.1
	demoDefaultArc  = "mm"
	demoBaseScore   = 0.8
	demoArcBonusArc = "nn"
	demoArcBonus    = 0.12
)

// DemoObjective stands in for model training plus validation. It rewards a
// higher learning rate "lr" and the "nn" architecture "arc":
//
//	score = 0.8 + (lr - 0.1)*0.1 + (arc == "nn" ? 0.12 : 0)
var DemoObjective = ObjectiveFunc(func(params Params) float64 {
	lr := demoDefaultLR
	if v, ok := params.Float("lr"); ok {
		lr = v
	}
	arc := demoDefaultArc
	if v, ok := params.Text("arc"); ok {
		arc = v
	}

	lrInfluence := (lr - 0.1) * 0.1
	arcInfluence := 0.0
	if arc == demoArcBonusArc {
		arcInfluence = demoArcBonus
	}
	return demoBaseScore + lrInfluence + arcInfluence
})
