package domain

import "github.com/shopspring/decimal"

// Stripe reports amounts as integers in the smallest currency unit.
// Multi-currency (and zero-decimal currencies) are out of scope, so the
// conversion is always a factor of 100.

func AmountFromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}

func AmountToCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// RoundMoney rounds to two decimal places, half up.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}
