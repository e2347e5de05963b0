// Package credit converts provider token usage into the internal credit unit.
package credit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// DefaultRateKey names the catch-all entry that every rate table carries.
	DefaultRateKey = "default"

	tokensPerRateUnitExponent = 3
	creditPrecision           = 8
	usdToCreditsValue         = 1000
)

// Errors reported by rate tables and cost calculation.
var (
	ErrMissingDefaultRate   = errors.New("rate table has no default entry")
	ErrDuplicateRate        = errors.New("duplicate rate entry")
	ErrInvalidRate          = errors.New("invalid rate")
	ErrInvalidExchangeRate  = errors.New("invalid exchange rate")
	ErrNoReportedCost       = errors.New("provider reported no cost")
	ErrInvalidReportedCost  = errors.New("provider reported cost is not a number")
	ErrNegativeReportedCost = errors.New("provider reported cost is negative")
)

// USDToCredits returns the fixed exchange rate between US dollars and credits.
func USDToCredits() decimal.Decimal {
	return decimal.NewFromInt(usdToCreditsValue)
}

// CostSource tells where a computed cost came from.
type CostSource string

const (
	CostSourceProvider  CostSource = "provider_reported"
	CostSourceRateTable CostSource = "rate_table"
)

// ProviderReport carries the optional cost a provider reported for a call.
type ProviderReport struct {
	CostUSD string
}

// Cost is the result of a credit calculation.
type Cost struct {
	Credits     decimal.Decimal
	Source      CostSource
	Model       string
	RateKey     string
	USDPer1K    decimal.Decimal
	TotalTokens int64
	// FallbackReason is set when a provider report was ignored in favour of the rate table.
	FallbackReason error
}

// Calculator converts token usage into credits.
type Calculator struct {
	table        RateTable
	usdToCredits decimal.Decimal
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithExchangeRate overrides the USD to credits exchange rate.
func WithExchangeRate(rate decimal.Decimal) Option {
	return func(calculator *Calculator) {
		calculator.usdToCredits = rate
	}
}

// NewCalculator wires a Calculator over the given table.
func NewCalculator(table RateTable, options ...Option) (*Calculator, error) {
	if len(table.rates) == 0 {
		return nil, ErrMissingDefaultRate
	}
	calculator := &Calculator{table: table, usdToCredits: USDToCredits()}
	for _, option := range options {
		if option != nil {
			option(calculator)
		}
	}
	if !calculator.usdToCredits.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidExchangeRate, calculator.usdToCredits.String())
	}
	return calculator, nil
}

// Table returns the rate table in lookup order.
func (calculator *Calculator) Table() RateTable {
	return calculator.table
}

// EstimateCost prices a pre-flight token estimate using only the rate table.
func (calculator *Calculator) EstimateCost(model string, estimatedTokens int64) Cost {
	return calculator.fromRateTable(model, clampTokens(estimatedTokens), nil)
}

// CalculateCost prices a completed call. A usable provider report wins; anything
// else falls back to the rate table. It never fails.
func (calculator *Calculator) CalculateCost(model string, promptTokens int64, completionTokens int64, report *ProviderReport) Cost {
	totalTokens := clampTokens(promptTokens) + clampTokens(completionTokens)
	reportedUSD, err := parseReportedCost(report)
	if err != nil {
		return calculator.fromRateTable(model, totalTokens, err)
	}
	return Cost{
		Credits:     reportedUSD.Mul(calculator.usdToCredits).Round(creditPrecision),
		Source:      CostSourceProvider,
		Model:       model,
		TotalTokens: totalTokens,
	}
}

func (calculator *Calculator) fromRateTable(model string, totalTokens int64, reason error) Cost {
	rate := calculator.table.Lookup(model)
	credits := decimal.NewFromInt(totalTokens).
		Shift(-tokensPerRateUnitExponent).
		Mul(rate.USDPer1K).
		Mul(calculator.usdToCredits).
		Round(creditPrecision)
	return Cost{
		Credits:        credits,
		Source:         CostSourceRateTable,
		Model:          model,
		RateKey:        rate.Match,
		USDPer1K:       rate.USDPer1K,
		TotalTokens:    totalTokens,
		FallbackReason: reason,
	}
}

func parseReportedCost(report *ProviderReport) (decimal.Decimal, error) {
	if report == nil {
		return decimal.Zero, ErrNoReportedCost
	}
	raw := strings.TrimSpace(report.CostUSD)
	if raw == "" {
		return decimal.Zero, ErrNoReportedCost
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidReportedCost, raw)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNegativeReportedCost, raw)
	}
	return value, nil
}

func clampTokens(tokens int64) int64 {
	if tokens < 0 {
		return 0
	}
	return tokens
}
