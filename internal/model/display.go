package model

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DisplayUSD formats a decimal dollar amount for presentation, e.g. "$1,234.56".
// Sub-cent digits are rounded half away from zero.
func DisplayUSD(v decimal.Decimal) string {
	cents := v.Shift(2).Round(0).IntPart()
	return money.New(cents, money.USD).Display()
}
