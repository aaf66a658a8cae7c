package classifier

import (
	"github.com/lvonguyen/cloudsentry/internal/features"
)

// HeuristicVersion identifies the built-in model.
const HeuristicVersion = "heuristic-v1"

const heuristicBias = -2.0

// heuristicWeights favour attack signatures, off-hours activity and poor
// source reputation. Features not listed carry no weight.
var heuristicWeights = map[string]struct{ weight, cap float64 }{
	features.IsNight:           {0.8, 0},
	features.IsWeekend:         {0.3, 0},
	features.IsPublicIP:        {0.3, 0},
	features.IPReputation:      {-2.0, 0},
	features.IsSuspiciousAgent: {1.2, 0},
	features.IsFailure:         {0.6, 0},
	features.IdentityVerified:  {-0.5, 0},
	features.SQLInjection:      {2.5, 3},
	features.XSS:               {2.0, 3},
	features.PathTraversal:     {2.0, 3},
	features.CommandInjection:  {2.5, 3},
	features.CodeExecution:     {2.5, 3},
	features.ComplexityScore:   {0.3, 3},
}

// NewHeuristicScorer returns a linear model over features.DefaultSchema
// with hand-tuned weights. It is the scorer used when no trained model is
// configured.
func NewHeuristicScorer() *LinearModel {
	terms := make([]LinearTerm, len(features.DefaultSchema))
	for i, f := range features.DefaultSchema {
		lo, hi := f.Min, f.Max
		t := LinearTerm{Name: f.Name, Min: &lo, Max: &hi}
		if w, ok := heuristicWeights[f.Name]; ok {
			t.Weight = w.weight
			if w.cap > 0 {
				c := w.cap
				t.Cap = &c
			}
		}
		terms[i] = t
	}
	m, err := NewLinearModel(HeuristicVersion, heuristicBias, terms)
	if err != nil {
		panic("classifier: invalid heuristic model: " + err.Error())
	}
	return m
}
