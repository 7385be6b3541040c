package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"brokerledger/src/apperrors"
	"brokerledger/src/model"
)

const (
	averageCostPlaces = 8
	valuePlaces       = 6
	percentPlaces     = 4
)

var hundred = decimal.NewFromInt(100)

// applyBuy folds qty shares bought at price into the weighted average cost.
func applyBuy(pos *model.Position, qty, price decimal.Decimal, now time.Time) {
	oldQty := pos.Quantity
	newQty := oldQty.Add(qty)

	pos.AverageCost = oldQty.Mul(pos.AverageCost).
		Add(qty.Mul(price)).
		DivRound(newQty, averageCostPlaces)
	pos.Quantity = newQty

	if !pos.Active || oldQty.IsZero() {
		pos.OpenedAt = now
	}
	pos.Active = true
	pos.LastUpdated = now
}

// applySell removes qty shares sold at price. It leaves pos untouched when qty exceeds the holding.
func applySell(pos *model.Position, qty, price decimal.Decimal, now time.Time) error {
	if qty.GreaterThan(pos.Quantity) {
		return apperrors.ErrInsufficientShares
	}

	pos.RealizedGain = pos.RealizedGain.Add(qty.Mul(price).Sub(qty.Mul(pos.AverageCost)))
	pos.Quantity = pos.Quantity.Sub(qty)
	pos.LastUpdated = now

	if pos.Quantity.IsZero() {
		deactivate(pos)
	}
	return nil
}

// reverseBuy undoes a buy of qty shares at price. It fails when part of those
// shares has been sold since.
func reverseBuy(pos *model.Position, qty, price decimal.Decimal, now time.Time) error {
	if qty.GreaterThan(pos.Quantity) {
		return apperrors.InvalidState("cannot reverse buy of %s shares, only %s held", qty, pos.Quantity)
	}

	remaining := pos.Quantity.Sub(qty)
	if remaining.IsZero() {
		pos.Quantity = decimal.Zero
		pos.LastUpdated = now
		deactivate(pos)
		return nil
	}

	cost := pos.Quantity.Mul(pos.AverageCost).Sub(qty.Mul(price))
	if cost.IsNegative() {
		cost = decimal.Zero
	}
	pos.AverageCost = cost.DivRound(remaining, averageCostPlaces)
	pos.Quantity = remaining
	pos.LastUpdated = now
	return nil
}

// reverseSell puts qty shares sold at price back and takes back the gain realized on them.
func reverseSell(pos *model.Position, qty, price decimal.Decimal, now time.Time) {
	pos.RealizedGain = pos.RealizedGain.Sub(qty.Mul(price).Sub(qty.Mul(pos.AverageCost)))
	if !pos.Active || pos.Quantity.IsZero() {
		pos.OpenedAt = now
	}
	pos.Quantity = pos.Quantity.Add(qty)
	pos.Active = true
	pos.LastUpdated = now
}

// deactivate zeroes the valuation fields of an empty position. Realized gain is kept.
func deactivate(pos *model.Position) {
	pos.Active = false
	pos.CurrentValue = decimal.Zero
	pos.UnrealizedGain = decimal.Zero
	pos.UnrealizedGainPercent = decimal.Zero
	pos.DayChange = decimal.Zero
	pos.DayChangePercent = decimal.Zero
}

// revalue marks pos to q. It returns false, leaving pos untouched, when q has no usable
// price, except for empty positions which are always zeroed and deactivated.
func revalue(pos *model.Position, q model.Quote, now time.Time) bool {
	if pos.Quantity.IsZero() {
		deactivate(pos)
		pos.LastUpdated = now
		return true
	}
	if !q.Usable() {
		return false
	}

	value := pos.Quantity.Mul(q.CurrentPrice)
	cost := pos.CostBasis()

	pos.CurrentValue = value.Round(valuePlaces)
	pos.UnrealizedGain = value.Sub(cost).Round(valuePlaces)
	if cost.IsPositive() {
		pos.UnrealizedGainPercent = value.Sub(cost).Div(cost).Mul(hundred).Round(percentPlaces)
	} else {
		pos.UnrealizedGainPercent = decimal.Zero
	}

	if q.PreviousClose.IsPositive() {
		base := pos.Quantity.Mul(q.PreviousClose)
		pos.DayChange = value.Sub(base).Round(valuePlaces)
		pos.DayChangePercent = value.Sub(base).Div(base).Mul(hundred).Round(percentPlaces)
	} else {
		pos.DayChange = decimal.Zero
		pos.DayChangePercent = decimal.Zero
	}

	pos.LastUpdated = now
	return true
}
