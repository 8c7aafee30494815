package scenario

import "testing"

func TestPickVariant_DisabledOrEmpty(t *testing.T) {
	if got := PickVariant(nil); got != "" {
		t.Errorf("nil experiment = %q, want empty", got)
	}
	if got := PickVariant(&Experiment{Enabled: false, Variants: []Variant{{ID: "a", SplitPercent: 100}}}); got != "" {
		t.Errorf("disabled experiment = %q, want empty", got)
	}
	if got := PickVariant(&Experiment{Enabled: true}); got != "" {
		t.Errorf("no variants = %q, want empty", got)
	}
}

func TestPickVariantAt_CumulativeThresholds(t *testing.T) {
	e := &Experiment{Enabled: true, Variants: []Variant{
		{ID: "a", SplitPercent: 50},
		{ID: "b", SplitPercent: 30},
		{ID: "c", SplitPercent: 20},
	}}

	tests := []struct {
		draw float64
		want string
	}{
		{0, "a"},
		{49.9, "a"},
		{50, "b"},
		{79.9, "b"},
		{80, "c"},
		{99.9, "c"},
	}
	for _, tt := range tests {
		if got := pickVariantAt(e, tt.draw); got != tt.want {
			t.Errorf("pickVariantAt(%v) = %q, want %q", tt.draw, got, tt.want)
		}
	}
}

func TestPickVariantAt_UndersubscribedFallsBackToLast(t *testing.T) {
	e := &Experiment{Enabled: true, Variants: []Variant{
		{ID: "a", SplitPercent: 30},
		{ID: "b", SplitPercent: 30},
	}}
	if got := pickVariantAt(e, 95); got != "b" {
		t.Errorf("draw beyond cumulative sum = %q, want last variant b", got)
	}
}

func TestPickVariant_FiftyFiftyDistribution(t *testing.T) {
	e := &Experiment{Enabled: true, Variants: []Variant{
		{ID: "a", SplitPercent: 50},
		{ID: "b", SplitPercent: 50},
	}}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[PickVariant(e)]++
	}

	for _, id := range []string{"a", "b"} {
		if counts[id] < 350 || counts[id] > 650 {
			t.Errorf("variant %s selected %d times in 1000 draws, expected roughly half", id, counts[id])
		}
	}
}
