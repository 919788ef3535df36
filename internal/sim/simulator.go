// Package sim owns per-market probability state for the venue. Prices move
// by a scripted stochastic walk, not by matching real flow: each tick the
// scheduler advances every market one regime-appropriate step and the
// synthetic order book is regenerated around the new mid.
//
// Probabilities are decimal end to end; the walk itself runs in float64 and
// is rounded back to the regime's precision immediately, the same split the
// rest of the engine uses for transcendental math.
package sim

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/perp-engine/internal/model"
)

// ProbabilityStore is the slice of the persistence layer the simulator
// writes to: the periodic probability flush for non-exotic markets.
type ProbabilityStore interface {
	UpdateMarketProbability(ctx context.Context, id string, probability decimal.Decimal) error
}

// flushInterval is the minimum elapsed time between probability flushes for
// one market.
const flushInterval = 30 * time.Second

type marketEntry struct {
	mu     sync.Mutex
	market model.Market
	regime walkRegime
	book   model.OrderBook
	flush  rate.Sometimes
}

// Simulator holds the live price state for every market. It is the only
// writer of probabilities; everything else reads through CurrentState,
// Probability, or AllStates.
type Simulator struct {
	mu      sync.RWMutex
	markets map[string]*marketEntry
	store   ProbabilityStore // nil disables flushing
}

// NewSimulator creates a simulator. Pass nil for st to disable the periodic
// probability flush (tests, dev without a database).
func NewSimulator(st ProbabilityStore) *Simulator {
	return &Simulator{
		markets: make(map[string]*marketEntry),
		store:   st,
	}
}

// AddMarket registers a market with the simulator. Re-adding an existing id
// replaces its state.
func (s *Simulator) AddMarket(m model.Market) {
	var regime walkRegime = standardWalk{}
	if m.IsExotic {
		regime = exoticWalk{jumped: m.HasJumped}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.ID] = &marketEntry{
		market: m,
		regime: regime,
		book:   RegenerateOrderBook(m.Probability),
		flush:  rate.Sometimes{Interval: flushInterval},
	}
}

// RemoveMarket drops a market from the simulator.
func (s *Simulator) RemoveMarket(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markets, id)
}

// Advance mutates one market's probability by one regime step and
// regenerates its order book. Non-exotic markets are flushed to the store at
// most once per flushInterval; exotic markets are never persisted mid-flight
// because their precision exceeds normal storage width.
func (s *Simulator) Advance(ctx context.Context, id string) {
	s.mu.RLock()
	e, ok := s.markets[id]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	next, regime := e.regime.step(e.market.Probability.InexactFloat64())
	e.regime = regime
	if ex, ok := regime.(exoticWalk); ok {
		e.market.HasJumped = ex.jumped
	}
	e.market.Probability = decimal.NewFromFloat(next).Round(regime.precision())
	e.book = RegenerateOrderBook(e.market.Probability)
	probability := e.market.Probability
	exotic := e.market.IsExotic
	e.mu.Unlock()

	if s.store == nil || exotic {
		return
	}
	e.flush.Do(func() {
		if err := s.store.UpdateMarketProbability(ctx, id, probability); err != nil {
			slog.Error("probability flush failed", "market_id", id, "err", err)
		}
	})
}

// AdvanceAll steps every market, in parallel across markets. All writes
// complete before AdvanceAll returns, so a tick's readers always see the
// fully advanced state.
func (s *Simulator) AdvanceAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Advance(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Probability returns the current probability for one market.
func (s *Simulator) Probability(id string) (decimal.Decimal, bool) {
	s.mu.RLock()
	e, ok := s.markets[id]
	s.mu.RUnlock()
	if !ok {
		return decimal.Decimal{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.market.Probability, true
}

// CurrentState returns the live state (probability + depth) of one market.
func (s *Simulator) CurrentState(id string) (model.MarketState, bool) {
	s.mu.RLock()
	e, ok := s.markets[id]
	s.mu.RUnlock()
	if !ok {
		return model.MarketState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.MarketState{
		MarketID:           e.market.ID,
		CurrentProbability: e.market.Probability,
		OrderBook:          e.book,
	}, true
}

// AllStates returns the live state of every market, ordered by market id
// for deterministic output.
func (s *Simulator) AllStates() []model.MarketState {
	s.mu.RLock()
	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	states := make([]model.MarketState, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.CurrentState(id); ok {
			states = append(states, st)
		}
	}
	return states
}

// Order-book synthesis parameters. The depth is cosmetic data for the feed;
// nothing in the risk or order logic consumes it except through the mid.
const (
	bookMinLevels   = 5
	bookSizeDecay   = 0.3
	bookMinNotional = 100.0
)

// RegenerateOrderBook builds synthetic depth around a mid probability:
// 5–7 levels per side, distance from mid growing linearly (1 to 1.5 points
// per level), sizes decaying exponentially. Levels under the minimum
// notional or crossing 0/100 are dropped.
func RegenerateOrderBook(probability decimal.Decimal) model.OrderBook {
	mid := probability.InexactFloat64()
	levels := bookMinLevels + randIntn(3)
	baseSize := randRange(600, 1200)

	var book model.OrderBook
	dist := 0.0
	for i := 0; i < levels; i++ {
		dist += 1 + 0.5*float64(i)/float64(levels-1)
		size := baseSize * math.Exp(-bookSizeDecay*float64(i))
		if size < bookMinNotional {
			continue
		}
		sized := decimal.NewFromFloat(size).Round(2)

		if bid := mid - dist; bid > 0 {
			book.Bids = append(book.Bids, model.OrderBookLevel{
				Price: decimal.NewFromFloat(bid).Round(2),
				Size:  sized,
			})
		}
		if ask := mid + dist; ask < 100 {
			book.Asks = append(book.Asks, model.OrderBookLevel{
				Price: decimal.NewFromFloat(ask).Round(2),
				Size:  sized,
			})
		}
	}
	return book
}
