package costmodel

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnknownModel is returned for model identifiers absent from the
// price table. This is a configuration error, not a runtime condition.
var ErrUnknownModel = fmt.Errorf("unknown model")

// ModelPrice holds per-million-token prices in USD.
type ModelPrice struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// priceTable maps model identifiers to their provider list prices.
// Prices are USD per one million tokens.
var priceTable = map[string]ModelPrice{
	"gpt-4o": {
		InputPerMillion:  decimal.RequireFromString("2.50"),
		OutputPerMillion: decimal.RequireFromString("10.00"),
	},
	"gpt-4o-mini": {
		InputPerMillion:  decimal.RequireFromString("0.15"),
		OutputPerMillion: decimal.RequireFromString("0.60"),
	},
	"claude-3-5-sonnet": {
		InputPerMillion:  decimal.RequireFromString("3.00"),
		OutputPerMillion: decimal.RequireFromString("15.00"),
	},
	"claude-3-haiku": {
		InputPerMillion:  decimal.RequireFromString("0.25"),
		OutputPerMillion: decimal.RequireFromString("1.25"),
	},
}

// Model is a pure cost calculator over a static price table. It does
// no I/O and is safe for concurrent use.
type Model struct {
	prices map[string]ModelPrice
}

// New returns a Model backed by the built-in price table.
func New() *Model {
	return &Model{prices: priceTable}
}

// NewWithPrices returns a Model with a caller-supplied table.
func NewWithPrices(prices map[string]ModelPrice) *Model {
	return &Model{prices: prices}
}

// Compute returns the exact USD cost of a completed call from the
// authoritative token counts returned by the provider.
//
// cost = inputTokens/1e6 * inputPrice + outputTokens/1e6 * outputPrice
func (m *Model) Compute(model string, inputTokens, outputTokens int64) (decimal.Decimal, error) {
	price, ok := m.prices[model]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	// Shift(-6) divides by one million exactly, with no rounding step
	// that could accumulate drift across calls.
	inputCost := decimal.NewFromInt(inputTokens).Mul(price.InputPerMillion).Shift(-6)
	outputCost := decimal.NewFromInt(outputTokens).Mul(price.OutputPerMillion).Shift(-6)

	return inputCost.Add(outputCost), nil
}

// Estimate returns the projected cost of an upcoming call, treating the
// assumed token count as output tokens (the expensive side), which
// keeps the quota check conservative.
func (m *Model) Estimate(model string, assumedTokens int64) (decimal.Decimal, error) {
	price, ok := m.prices[model]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	return decimal.NewFromInt(assumedTokens).Mul(price.OutputPerMillion).Shift(-6), nil
}

// Known reports whether a model identifier has a price entry.
func (m *Model) Known(model string) bool {
	_, ok := m.prices[model]
	return ok
}
