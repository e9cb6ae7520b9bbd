package ledger

import "github.com/shopspring/decimal"

// usdPlaces is the precision every USD figure is normalized to before it is
// stored (USDC has six decimals).
const usdPlaces = 6

func usd(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func toFloat(d decimal.Decimal) float64 {
	return d.Round(usdPlaces).InexactFloat64()
}

// roundUSD normalizes a USD amount.
func roundUSD(v float64) float64 {
	return toFloat(usd(v))
}

// pnl returns value - cost.
func pnl(value, cost float64) float64 {
	return toFloat(usd(value).Sub(usd(cost)))
}

// addUSD returns a + b.
func addUSD(a, b float64) float64 {
	return toFloat(usd(a).Add(usd(b)))
}

// mulUSD returns a * b, used for notional = size * price and fractional exits.
func mulUSD(a, b float64) float64 {
	return toFloat(usd(a).Mul(usd(b)))
}

// sumUSD adds vals without accumulating float error.
func sumUSD(vals ...float64) float64 {
	total := decimal.Zero
	for _, v := range vals {
		total = total.Add(usd(v))
	}
	return toFloat(total)
}
