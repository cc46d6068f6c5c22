package usage

import (
	"strings"

	"github.com/shopspring/decimal"
)

var perMillion = decimal.NewFromInt(1_000_000)

// Price is USD per one million tokens.
type Price struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

type PriceTable map[string]Price

func DefaultPriceTable() PriceTable {
	return PriceTable{
		"gpt-4o":                     {Input: decimal.RequireFromString("2.50"), Output: decimal.RequireFromString("10.00")},
		"gpt-4o-mini":                {Input: decimal.RequireFromString("0.15"), Output: decimal.RequireFromString("0.60")},
		"claude-3-5-sonnet-20241022": {Input: decimal.RequireFromString("3.00"), Output: decimal.RequireFromString("15.00")},
		"claude-3-5-haiku-20241022":  {Input: decimal.RequireFromString("0.80"), Output: decimal.RequireFromString("4.00")},
		"gemini-2.0-flash":           {Input: decimal.RequireFromString("0.10"), Output: decimal.RequireFromString("0.40")},
		"gemini-1.5-pro":             {Input: decimal.RequireFromString("1.25"), Output: decimal.RequireFromString("5.00")},
	}
}

// Lookup matches the model exactly, then by the longest priced prefix so that
// dated snapshots ("gpt-4o-mini-2024-07-18") share their family's price.
func (t PriceTable) Lookup(model string) (Price, bool) {
	if p, ok := t[model]; ok {
		return p, true
	}
	var (
		best    Price
		bestLen int
	)
	for name, p := range t {
		if len(name) > bestLen && strings.HasPrefix(model, name+"-") {
			best, bestLen = p, len(name)
		}
	}
	return best, bestLen > 0
}

// Cost returns the estimated USD cost of a call. Unpriced models cost zero
// and ok is false.
func (t PriceTable) Cost(model string, inputTokens, outputTokens int) (cost decimal.Decimal, ok bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return decimal.Zero, false
	}
	in := p.Input.Mul(decimal.NewFromInt(int64(inputTokens)))
	out := p.Output.Mul(decimal.NewFromInt(int64(outputTokens)))
	return in.Add(out).Div(perMillion), true
}
