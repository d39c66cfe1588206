// Package pricing computes cart totals and per-line voucher discounts. It is
// a pure function over value types: no clock, no storage, identical output
// for identical input. Both the live cart preview and the checkout snapshot
// call it, so the two can never disagree.
package pricing

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JacobCoffee/registrar/internal/domain"
)

type Line struct {
	ItemID       uuid.UUID
	Description  string
	Quantity     int
	UnitPrice    decimal.Decimal
	TicketTypeID *uuid.UUID
	AddOnID      *uuid.UUID
}

type PricedLine struct {
	Line
	Discount  decimal.Decimal
	LineTotal decimal.Decimal // gross minus discount
}

type Summary struct {
	Lines    []PricedLine
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Price applies the voucher (may be nil) to the lines and returns the full
// breakdown. Total is clamped at zero.
func Price(lines []Line, voucher *domain.Voucher) Summary {
	priced := make([]PricedLine, len(lines))
	subtotal := decimal.Zero
	var applicable []int

	for i, line := range lines {
		gross := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		priced[i] = PricedLine{Line: line, Discount: decimal.Zero, LineTotal: gross}
		subtotal = subtotal.Add(gross)
		if voucher != nil && lineApplicable(line, voucher) {
			applicable = append(applicable, i)
		}
	}

	var discount decimal.Decimal
	switch {
	case voucher == nil || len(applicable) == 0:
		discount = decimal.Zero
	case voucher.Type == domain.VoucherComp:
		discount = applyComp(priced, applicable)
	case voucher.Type == domain.VoucherPercentage:
		discount = applyPercentage(priced, applicable, voucher.DiscountValue)
	case voucher.Type == domain.VoucherFixedAmount:
		discount = applyFixed(priced, applicable, voucher.DiscountValue)
	default:
		discount = decimal.Zero
	}

	for i := range priced {
		priced[i].LineTotal = priced[i].LineTotal.Sub(priced[i].Discount)
	}

	total := subtotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Summary{Lines: priced, Subtotal: subtotal, Discount: discount, Total: total}
}

// An empty applicability set on the voucher means "covers everything".
func lineApplicable(line Line, voucher *domain.Voucher) bool {
	if line.TicketTypeID != nil {
		return voucher.CoversTicketType(*line.TicketTypeID)
	}
	if line.AddOnID != nil {
		return voucher.CoversAddOn(*line.AddOnID)
	}
	return false
}

func applyComp(priced []PricedLine, applicable []int) decimal.Decimal {
	total := decimal.Zero
	for _, i := range applicable {
		priced[i].Discount = priced[i].LineTotal
		total = total.Add(priced[i].Discount)
	}
	return total
}

func applyPercentage(priced []PricedLine, applicable []int, value decimal.Decimal) decimal.Decimal {
	pct := value.Div(decimal.NewFromInt(100))
	total := decimal.Zero
	for _, i := range applicable {
		d := domain.RoundMoney(priced[i].LineTotal.Mul(pct))
		priced[i].Discount = d
		total = total.Add(d)
	}
	return total
}

// applyFixed distributes min(value, applicable subtotal) proportionally.
// Every line but the last rounds half-up; the last line absorbs the
// remainder so the per-line discounts always sum to the budget exactly.
func applyFixed(priced []PricedLine, applicable []int, value decimal.Decimal) decimal.Decimal {
	applicableSubtotal := decimal.Zero
	for _, i := range applicable {
		applicableSubtotal = applicableSubtotal.Add(priced[i].LineTotal)
	}

	budget := value
	if applicableSubtotal.LessThan(budget) {
		budget = applicableSubtotal
	}

	remaining := budget
	total := decimal.Zero
	for n, i := range applicable {
		var share decimal.Decimal
		if n == len(applicable)-1 || applicableSubtotal.IsZero() {
			share = remaining
		} else {
			share = domain.RoundMoney(budget.Mul(priced[i].LineTotal).Div(applicableSubtotal))
			if remaining.LessThan(share) {
				share = remaining
			}
		}
		priced[i].Discount = share
		total = total.Add(share)
		remaining = remaining.Sub(share)
	}
	return total
}
