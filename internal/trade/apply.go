package trade

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// costPlaces is the precision average cost is rounded to after re-weighting.
const costPlaces = 8

// applyBuy debits quantity*price from a and folds the shares into the
// holding at a volume-weighted average cost. On error a is left untouched.
func applyBuy(a *model.Account, symbol string, quantity int64, price decimal.Decimal) (*model.TradeRecord, error) {
	qty := decimal.NewFromInt(quantity)
	cost := qty.Mul(price)
	if a.CashBalance.LessThan(cost) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(2), a.CashBalance.StringFixed(2))
	}

	h, ok := a.Holdings[symbol]
	if ok {
		oldShares := decimal.NewFromInt(h.Shares)
		total := oldShares.Add(qty)
		h.AverageCost = oldShares.Mul(h.AverageCost).Add(cost).Div(total).Round(costPlaces)
		h.Shares += quantity
	} else {
		h = model.Holding{Symbol: symbol, Shares: quantity, AverageCost: price}
	}

	a.CashBalance = a.CashBalance.Sub(cost)
	a.Holdings[symbol] = h

	return &model.TradeRecord{
		Symbol:      symbol,
		Side:        model.SideBuy,
		Quantity:    quantity,
		Price:       price,
		Amount:      cost,
		RealizedPnL: decimal.Zero,
		CashAfter:   a.CashBalance,
	}, nil
}

// applySell credits quantity*price to a and reduces the holding. Average
// cost of the remaining shares is unchanged; a holding that reaches zero
// shares is removed. On error a is left untouched.
func applySell(a *model.Account, symbol string, quantity int64, price decimal.Decimal) (*model.TradeRecord, error) {
	h, ok := a.Holdings[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no %s position", ErrInsufficientShares, symbol)
	}
	if h.Shares < quantity {
		return nil, fmt.Errorf("%w: selling %d %s, holding %d", ErrInsufficientShares, quantity, symbol, h.Shares)
	}

	qty := decimal.NewFromInt(quantity)
	proceeds := qty.Mul(price)
	realized := qty.Mul(price.Sub(h.AverageCost))

	h.Shares -= quantity
	if h.Shares == 0 {
		delete(a.Holdings, symbol)
	} else {
		a.Holdings[symbol] = h
	}
	a.CashBalance = a.CashBalance.Add(proceeds)

	return &model.TradeRecord{
		Symbol:      symbol,
		Side:        model.SideSell,
		Quantity:    quantity,
		Price:       price,
		Amount:      proceeds,
		RealizedPnL: realized,
		CashAfter:   a.CashBalance,
	}, nil
}

// stamp fills the fields of a record that are not a function of the account.
func stamp(rec *model.TradeRecord, id string, at time.Time) {
	rec.ID = id
	rec.ExecutedAt = at
}
