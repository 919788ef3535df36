package sim

import (
	"testing"

	"github.com/atmx/perp-engine/internal/model"
)

func newComboFixture(t *testing.T) (*Simulator, *ComboPricer) {
	t.Helper()
	s := NewSimulator(nil)
	s.AddMarket(newTestMarket("m1", 60, false))
	s.AddMarket(newTestMarket("m2", 70, false))
	return s, NewComboPricer(s)
}

func TestComboPricer_TwoLegQuote(t *testing.T) {
	_, p := newComboFixture(t)
	p.Register(model.Combo{
		ID: "c1",
		Legs: []model.ComboLeg{
			{MarketID: "m1", Side: model.SideYes},
			{MarketID: "m2", Side: model.SideNo},
		},
	})

	q, ok := p.Get("c1")
	if !ok {
		t.Fatal("registered combo has no quote")
	}
	// 0.60 × 0.30 = 0.18 → 18% combined, multiplier 1/0.18 ≈ 5.56.
	if !q.Probability.Equal(d(18)) {
		t.Errorf("probability = %s, want 18", q.Probability)
	}
	if !q.Multiplier.Equal(d(5.56)) {
		t.Errorf("multiplier = %s, want 5.56", q.Multiplier)
	}
}

func TestComboPricer_RegisterIdempotent(t *testing.T) {
	_, p := newComboFixture(t)
	first := model.Combo{
		ID:   "c1",
		Legs: []model.ComboLeg{{MarketID: "m1", Side: model.SideYes}},
	}
	p.Register(first)
	// Same id with different legs must not replace the original.
	p.Register(model.Combo{
		ID:   "c1",
		Legs: []model.ComboLeg{{MarketID: "m2", Side: model.SideNo}},
	})

	q, _ := p.Get("c1")
	if !q.Probability.Equal(d(60)) {
		t.Errorf("probability = %s, want 60 from the original registration", q.Probability)
	}
}

func TestComboPricer_UnknownLegPricesToZero(t *testing.T) {
	_, p := newComboFixture(t)
	p.Register(model.Combo{
		ID: "c1",
		Legs: []model.ComboLeg{
			{MarketID: "m1", Side: model.SideYes},
			{MarketID: "missing", Side: model.SideYes},
		},
	})

	q, _ := p.Get("c1")
	if !q.Probability.IsZero() {
		t.Errorf("probability = %s, want 0", q.Probability)
	}
	if !q.Multiplier.Equal(MaxMultiplier) {
		t.Errorf("multiplier = %s, want capped at %s", q.Multiplier, MaxMultiplier)
	}
}

func TestComboPricer_MultiplierCapped(t *testing.T) {
	s := NewSimulator(nil)
	p := NewComboPricer(s)
	// Four deep long shots: 0.05^4 implied, raw multiplier 160000.
	var legs []model.ComboLeg
	for _, id := range []string{"a", "b", "c", "e"} {
		s.AddMarket(newTestMarket(id, 5, false))
		legs = append(legs, model.ComboLeg{MarketID: id, Side: model.SideYes})
	}
	p.Register(model.Combo{ID: "longshot", Legs: legs})

	q, _ := p.Get("longshot")
	if !q.Multiplier.Equal(MaxMultiplier) {
		t.Errorf("multiplier = %s, want capped at %s", q.Multiplier, MaxMultiplier)
	}
}

func TestComboPricer_RecomputeTracksPrices(t *testing.T) {
	s, p := newComboFixture(t)
	p.Register(model.Combo{
		ID:   "c1",
		Legs: []model.ComboLeg{{MarketID: "m1", Side: model.SideYes}},
	})

	s.AddMarket(newTestMarket("m1", 40, false))
	p.Recompute()

	q, _ := p.Get("c1")
	if !q.Probability.Equal(d(40)) {
		t.Errorf("probability = %s, want 40 after repricing", q.Probability)
	}
}

func TestComboPricer_Unregister(t *testing.T) {
	_, p := newComboFixture(t)
	p.Register(model.Combo{
		ID:   "c1",
		Legs: []model.ComboLeg{{MarketID: "m1", Side: model.SideYes}},
	})
	p.Unregister("c1")

	if _, ok := p.Get("c1"); ok {
		t.Error("unregistered combo still quoted")
	}
	// Unregistering twice is harmless.
	p.Unregister("c1")
}
