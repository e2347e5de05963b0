package credit

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rate prices one model family in USD per 1000 tokens.
type Rate struct {
	Match    string
	USDPer1K decimal.Decimal
}

// RateTable is an ordered, substring-keyed list of rates. The first matching
// entry wins, so more specific keys must come first. A key starting with ^
// matches only model names that begin with the rest of the key.
type RateTable struct {
	rates    []Rate
	fallback Rate
}

// NewRateTable validates rates and returns a table. A default entry is required.
func NewRateTable(rates []Rate) (RateTable, error) {
	seen := make(map[string]struct{}, len(rates))
	normalized := make([]Rate, 0, len(rates))
	var fallback *Rate
	for _, rate := range rates {
		match := strings.ToLower(strings.TrimSpace(rate.Match))
		if match == "" || match == prefixAnchor {
			return RateTable{}, fmt.Errorf("%w: empty match key", ErrInvalidRate)
		}
		if rate.USDPer1K.IsNegative() {
			return RateTable{}, fmt.Errorf("%w: %s is negative", ErrInvalidRate, match)
		}
		if _, exists := seen[match]; exists {
			return RateTable{}, fmt.Errorf("%w: %s", ErrDuplicateRate, match)
		}
		seen[match] = struct{}{}
		entry := Rate{Match: match, USDPer1K: rate.USDPer1K}
		if match == DefaultRateKey {
			fallback = &entry
			continue
		}
		normalized = append(normalized, entry)
	}
	if fallback == nil {
		return RateTable{}, ErrMissingDefaultRate
	}
	normalized = append(normalized, *fallback)
	return RateTable{rates: normalized, fallback: *fallback}, nil
}

// DefaultRateTable returns the built-in table.
func DefaultRateTable() RateTable {
	table, err := NewRateTable(defaultRates())
	if err != nil {
		panic(fmt.Sprintf("credit: built-in rate table is invalid: %v", err))
	}
	return table
}

// Lookup returns the first rate whose key is contained in the model name, or
// that the name starts with for anchored keys.
func (table RateTable) Lookup(model string) Rate {
	normalizedModel := strings.ToLower(strings.TrimSpace(model))
	for _, rate := range table.rates {
		if rate.Match == DefaultRateKey {
			continue
		}
		if prefix, anchored := strings.CutPrefix(rate.Match, prefixAnchor); anchored {
			if strings.HasPrefix(normalizedModel, prefix) {
				return rate
			}
			continue
		}
		if strings.Contains(normalizedModel, rate.Match) {
			return rate
		}
	}
	return table.fallback
}

// Rates returns a copy of the entries in lookup order, default last.
func (table RateTable) Rates() []Rate {
	copied := make([]Rate, len(table.rates))
	copy(copied, table.rates)
	return copied
}

type rateFile struct {
	Rates []rateFileEntry `yaml:"rates"`
}

type rateFileEntry struct {
	Match    string `yaml:"match"`
	USDPer1K string `yaml:"usd_per_1k"`
}

// LoadRateTable reads a YAML rate table from disk.
func LoadRateTable(path string) (RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RateTable{}, fmt.Errorf("read rate table: %w", err)
	}
	return ParseRateTable(data)
}

// ParseRateTable decodes a YAML rate table of the form
//
//	rates:
//	  - match: gpt-4o
//	    usd_per_1k: "0.01"
func ParseRateTable(data []byte) (RateTable, error) {
	var file rateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return RateTable{}, fmt.Errorf("parse rate table: %w", err)
	}
	rates := make([]Rate, 0, len(file.Rates))
	for _, entry := range file.Rates {
		value, err := decimal.NewFromString(strings.TrimSpace(entry.USDPer1K))
		if err != nil {
			return RateTable{}, fmt.Errorf("%w: %s: %q", ErrInvalidRate, entry.Match, entry.USDPer1K)
		}
		rates = append(rates, Rate{Match: entry.Match, USDPer1K: value})
	}
	return NewRateTable(rates)
}

const prefixAnchor = "^"

func defaultRates() []Rate {
	return []Rate{
		{Match: "gpt-4o-mini", USDPer1K: decimal.RequireFromString("0.0006")},
		{Match: "gpt-4o", USDPer1K: decimal.RequireFromString("0.01")},
		{Match: "gpt-4-turbo", USDPer1K: decimal.RequireFromString("0.02")},
		{Match: "gpt-4", USDPer1K: decimal.RequireFromString("0.03")},
		{Match: "gpt-3.5-turbo", USDPer1K: decimal.RequireFromString("0.0015")},
		{Match: "claude-3-5-sonnet", USDPer1K: decimal.RequireFromString("0.009")},
		{Match: "claude-3-opus", USDPer1K: decimal.RequireFromString("0.045")},
		{Match: "claude-3-sonnet", USDPer1K: decimal.RequireFromString("0.009")},
		{Match: "claude-3-haiku", USDPer1K: decimal.RequireFromString("0.00075")},
		{Match: "gemini-1.5-pro", USDPer1K: decimal.RequireFromString("0.005")},
		{Match: "gemini-1.5-flash", USDPer1K: decimal.RequireFromString("0.0003")},
		{Match: "mistral-large", USDPer1K: decimal.RequireFromString("0.006")},
		{Match: "llama", USDPer1K: decimal.RequireFromString("0.0009")},
		{Match: "o1-mini", USDPer1K: decimal.RequireFromString("0.006")},
		{Match: "^o1", USDPer1K: decimal.RequireFromString("0.03")},
		{Match: DefaultRateKey, USDPer1K: decimal.RequireFromString("0.002")},
	}
}
