package sim

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// MaxMultiplier caps combo payout multipliers. An implied probability of
// zero maps to the cap rather than infinity.
var MaxMultiplier = decimal.NewFromInt(999)

var oneHundred = decimal.NewFromInt(100)

// ComboPricer derives multi-leg combo probabilities from the simulator's
// current leg prices. Combo state is derived: it is recomputed every tick
// and removed immediately on unregistration.
type ComboPricer struct {
	sim *Simulator

	mu     sync.RWMutex
	combos map[string]model.Combo
	quotes map[string]model.ComboQuote
}

// NewComboPricer creates a pricer reading leg prices from sim.
func NewComboPricer(sim *Simulator) *ComboPricer {
	return &ComboPricer{
		sim:    sim,
		combos: make(map[string]model.Combo),
		quotes: make(map[string]model.ComboQuote),
	}
}

// Register adds a combo. Idempotent: registering an already-registered
// combo id is a no-op.
func (p *ComboPricer) Register(c model.Combo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.combos[c.ID]; ok {
		return
	}
	legs := make([]model.ComboLeg, len(c.Legs))
	copy(legs, c.Legs)
	c.Legs = legs
	p.combos[c.ID] = c
	p.quotes[c.ID] = p.quote(c)
}

// Unregister removes a combo and its quote immediately.
func (p *ComboPricer) Unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.combos, id)
	delete(p.quotes, id)
}

// Get returns the latest quote for a combo.
func (p *ComboPricer) Get(id string) (model.ComboQuote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[id]
	return q, ok
}

// Recompute reprices every registered combo from current leg prices.
// Called once per tick, after prices advance.
func (p *ComboPricer) Recompute() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.combos {
		p.quotes[id] = p.quote(c)
	}
}

// quote multiplies each leg's effective probability (YES → p/100,
// NO → (100−p)/100), scales back to 0–100, and caps the multiplier.
func (p *ComboPricer) quote(c model.Combo) model.ComboQuote {
	implied := decimal.NewFromInt(1)
	for _, leg := range c.Legs {
		prob, ok := p.sim.Probability(leg.MarketID)
		if !ok {
			prob = decimal.Zero
		}
		effective := prob.Div(oneHundred)
		if leg.Side == model.SideNo {
			effective = oneHundred.Sub(prob).Div(oneHundred)
		}
		implied = implied.Mul(effective)
	}

	multiplier := MaxMultiplier
	if implied.IsPositive() {
		multiplier = decimal.NewFromInt(1).Div(implied).Round(2)
		if multiplier.GreaterThan(MaxMultiplier) {
			multiplier = MaxMultiplier
		}
	}

	return model.ComboQuote{
		ComboID:     c.ID,
		Probability: implied.Mul(oneHundred).Round(4),
		Multiplier:  multiplier,
	}
}
