package sim

// A walkRegime advances one market's probability by one step. Regimes form a
// closed set: the standard mixed-distribution walk and the exotic long-shot
// walk with its irreversible jump. Each step returns the new probability and
// the regime to use for the next step (the exotic walk changes state once it
// jumps).
type walkRegime interface {
	step(p float64) (float64, walkRegime)
	precision() int32
}

// standardWalk is the mixed-distribution random walk for ordinary markets.
//
//	P(delta = 0)            = 0.4
//	P(|delta| ∈ [0.2, 0.8)) = 0.5
//	P(|delta| ∈ [1, 2))     = 0.1
//
// Results are clamped to [5, 95] and rounded to 4 decimal places.
type standardWalk struct{}

const (
	standardFloor = 5.0
	standardCeil  = 95.0
)

func (standardWalk) step(p float64) (float64, walkRegime) {
	var delta float64
	switch r := randFloat(); {
	case r < 0.4:
		delta = 0
	case r < 0.9:
		delta = randRange(0.2, 0.8)
	default:
		delta = randRange(1, 2)
	}
	if coinFlip() {
		delta = -delta
	}
	return clamp(p+delta, standardFloor, standardCeil), standardWalk{}
}

func (standardWalk) precision() int32 { return 4 }

// exoticWalk models long-shot markets. Before the jump the probability
// oscillates by ±0.25 within [0.01, 3], with a fixed 0.0001 chance per step
// of an irreversible jump to 99. After the jump it oscillates by ±1 within
// [90, 99] forever. Values can be arbitrarily small, so precision is kept
// to 8 decimals.
type exoticWalk struct {
	jumped bool
}

const (
	exoticJumpChance = 0.0001
	exoticJumpTarget = 99.0

	exoticLowFloor  = 0.01
	exoticLowCeil   = 3.0
	exoticHighFloor = 90.0
	exoticHighCeil  = 99.0
)

func (w exoticWalk) step(p float64) (float64, walkRegime) {
	if w.jumped {
		delta := randRange(0, 1)
		if coinFlip() {
			delta = -delta
		}
		return clamp(p+delta, exoticHighFloor, exoticHighCeil), w
	}

	if randFloat() < exoticJumpChance {
		return exoticJumpTarget, exoticWalk{jumped: true}
	}

	delta := randRange(0, 0.25)
	if coinFlip() {
		delta = -delta
	}
	return clamp(p+delta, exoticLowFloor, exoticLowCeil), w
}

func (exoticWalk) precision() int32 { return 8 }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
