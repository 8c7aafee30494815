package scenario

import "math/rand"

// PickVariant assigns a weighted random variant. Disabled or empty
// experiments yield "". When split percentages sum below 100 the last
// variant absorbs the remainder, so an enabled experiment always assigns.
func PickVariant(e *Experiment) string {
	return pickVariantAt(e, rand.Float64()*100)
}

func pickVariantAt(e *Experiment, draw float64) string {
	if e == nil || !e.Enabled || len(e.Variants) == 0 {
		return ""
	}

	cumulative := 0.0
	for _, v := range e.Variants {
		cumulative += v.SplitPercent
		if draw < cumulative {
			return v.ID
		}
	}
	return e.Variants[len(e.Variants)-1].ID
}
