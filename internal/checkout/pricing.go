package checkout

import "github.com/shopspring/decimal"

// TaxBasisPoints is the GST applied to every purchase (18%).
const TaxBasisPoints = 1800

var taxRate = decimal.New(TaxBasisPoints, -4)

// Quote is the priced form of a checkout request.
type Quote struct {
	Subtotal         decimal.Decimal
	Tax              decimal.Decimal
	Total            decimal.Decimal
	AmountMinorUnits int64
}

// PriceItems totals prices, adds tax and rounds half-up to two decimals.
// Tax is derived from the rounded total so Subtotal+Tax always equals Total.
func PriceItems(prices []decimal.Decimal) Quote {
	subtotal := decimal.Zero
	for _, p := range prices {
		subtotal = subtotal.Add(p)
	}
	total := subtotal.Mul(decimal.NewFromInt(1).Add(taxRate)).Round(2)
	return Quote{
		Subtotal:         subtotal,
		Tax:              total.Sub(subtotal),
		Total:            total,
		AmountMinorUnits: MinorUnits(total),
	}
}

// MinorUnits converts a major-unit amount into the provider's integer subunit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
