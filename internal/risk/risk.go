// Package risk implements the cross-margin math for the venue: position
// PnL, required margin, portfolio equity/free-margin/margin-ratio, and
// liquidation candidate selection.
//
// Every function here is pure — no I/O, no clocks, no stores. Current prices
// come in through a PriceLookup so callers decide where prices are read from.
//
// All monetary values use shopspring/decimal — never float64 for money.
package risk

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// MaintenanceFactor is the maintenance margin as a share of used
	// margin: the equity floor below which a portfolio is liquidatable.
	MaintenanceFactor = decimal.NewFromFloat(0.5)

	// AtRiskCeiling bounds the "at risk" band: a margin ratio in
	// [1, AtRiskCeiling) flags the portfolio without liquidating it.
	AtRiskCeiling = decimal.NewFromFloat(1.2)

	// RatioUncapped is the margin ratio reported when the portfolio has no
	// open positions. A sentinel rather than an infinity, mirroring the
	// combo multiplier cap.
	RatioUncapped = decimal.NewFromInt(9999)

	oneHundred = decimal.NewFromInt(100)
)

// PriceLookup resolves a market id to its current probability.
type PriceLookup func(marketID string) (decimal.Decimal, bool)

// PositionPnL returns the unrealized PnL of a position at the given price:
// size·(price−entry)/100 for YES, size·(entry−price)/100 for NO.
// Size is notional (already leverage-scaled, not re-multiplied).
func PositionPnL(p model.Position, currentPrice decimal.Decimal) decimal.Decimal {
	move := currentPrice.Sub(p.EntryProbability)
	if p.Side == model.SideNo {
		move = move.Neg()
	}
	return p.Size.Mul(move).Div(oneHundred)
}

// RequiredMargin is the collateral locked against a notional size at the
// given leverage: ceil(size/leverage). Leverage below 1 indicates corrupted
// legacy data and is treated as 1.
func RequiredMargin(size decimal.Decimal, leverage int64) decimal.Decimal {
	if leverage <= 0 {
		slog.Warn("non-positive leverage, treating as 1", "leverage", leverage)
		leverage = 1
	}
	return size.Div(decimal.NewFromInt(leverage)).Ceil()
}

// PositionMargin is RequiredMargin for an existing position.
func PositionMargin(p model.Position) decimal.Decimal {
	return RequiredMargin(p.Size, p.Leverage)
}

// LiquidationPrice is the informational per-position liquidation
// probability: the price at which the position alone would consume its own
// margin. Real liquidation is decided at portfolio level.
func LiquidationPrice(side string, entry, size decimal.Decimal, leverage int64) decimal.Decimal {
	if size.IsZero() {
		return entry
	}
	move := RequiredMargin(size, leverage).Mul(oneHundred).Div(size)
	price := entry.Sub(move)
	if side == model.SideNo {
		price = entry.Add(move)
	}
	if price.IsNegative() {
		return decimal.Zero
	}
	if price.GreaterThan(oneHundred) {
		return oneHundred
	}
	return price.Round(2)
}

// Metrics computes the cross-margin health of a portfolio:
//
//	usedMargin  = Σ ceil(size/leverage)
//	equity      = cash + usedMargin + unrealizedPnL
//	freeMargin  = max(0, equity − usedMargin)
//	maintenance = usedMargin × MaintenanceFactor
//	marginRatio = equity / maintenance (RatioUncapped with no positions)
//
// Positions whose market has no current price are marked at entry (zero
// unrealized PnL). Monetary fields and the ratio are rounded to 2 decimals.
func Metrics(cash decimal.Decimal, openPositions []model.Position, lookup PriceLookup) model.CrossMarginMetrics {
	usedMargin := decimal.Zero
	unrealized := decimal.Zero

	for _, p := range openPositions {
		usedMargin = usedMargin.Add(PositionMargin(p))
		if price, ok := lookup(p.MarketID); ok {
			unrealized = unrealized.Add(PositionPnL(p, price))
		}
	}

	equity := cash.Add(usedMargin).Add(unrealized)
	freeMargin := equity.Sub(usedMargin)
	if freeMargin.IsNegative() {
		freeMargin = decimal.Zero
	}
	maintenance := usedMargin.Mul(MaintenanceFactor)

	ratio := RatioUncapped
	if maintenance.IsPositive() {
		ratio = equity.Div(maintenance).Round(2)
		if ratio.GreaterThan(RatioUncapped) {
			ratio = RatioUncapped
		}
	}

	one := decimal.NewFromInt(1)
	return model.CrossMarginMetrics{
		CashBalance:       cash.Round(2),
		UsedMargin:        usedMargin.Round(2),
		UnrealizedPnL:     unrealized.Round(2),
		Equity:            equity.Round(2),
		FreeMargin:        freeMargin.Round(2),
		MaintenanceMargin: maintenance.Round(2),
		MarginRatio:       ratio,
		IsAtRisk:          ratio.GreaterThanOrEqual(one) && ratio.LessThan(AtRiskCeiling),
	}
}

// Candidates selects positions to force-close for an underwater portfolio.
//
// Positions are ranked by loss ratio (PnL/margin) ascending, worst first,
// and selected greedily: each selection removes that position's maintenance
// contribution from the running requirement, until equity covers the running
// maintenance or every position is selected. This is a deliberate greedy
// policy, not an optimal partial-liquidation solver; a drop-in replacement
// behind the same signature could compute the exact minimal set.
//
// Returns nil when equity already covers maintenance.
func Candidates(openPositions []model.Position, equity, maintenanceMargin decimal.Decimal, lookup PriceLookup) []model.Position {
	if equity.GreaterThanOrEqual(maintenanceMargin) {
		return nil
	}

	type ranked struct {
		pos       model.Position
		margin    decimal.Decimal
		lossRatio decimal.Decimal
	}

	rankedPositions := make([]ranked, 0, len(openPositions))
	for _, p := range openPositions {
		margin := PositionMargin(p)
		pnl := decimal.Zero
		if price, ok := lookup(p.MarketID); ok {
			pnl = PositionPnL(p, price)
		}
		lossRatio := decimal.Zero
		if margin.IsPositive() {
			lossRatio = pnl.Div(margin)
		}
		rankedPositions = append(rankedPositions, ranked{pos: p, margin: margin, lossRatio: lossRatio})
	}

	sort.SliceStable(rankedPositions, func(i, j int) bool {
		return rankedPositions[i].lossRatio.LessThan(rankedPositions[j].lossRatio)
	})

	currentMaintenance := maintenanceMargin
	var selected []model.Position
	for _, r := range rankedPositions {
		if equity.GreaterThanOrEqual(currentMaintenance) {
			break
		}
		selected = append(selected, r.pos)
		currentMaintenance = currentMaintenance.Sub(r.margin.Mul(MaintenanceFactor))
	}
	return selected
}
