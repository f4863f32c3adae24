package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Percent is a fixed-point percentage with two decimal places, stored as hundredths of a percent.
// 5.25% is Percent(525). It mirrors a decimal(5,2) column.
type Percent int64

const (
	percentScale = 2
	// MaxPercent is 100.00%.
	MaxPercent Percent = 10000
)

var hundred = decimal.NewFromInt(100)

// NewPercent converts a decimal to a Percent, rejecting values with more than two decimal places.
func NewPercent(d decimal.Decimal) (Percent, error) {
	scaled := d.Shift(percentScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("percentage %s has more than %d decimal places", d.String(), percentScale)
	}
	return Percent(scaled.IntPart()), nil
}

// ParsePercent parses a string such as "5", "5.5" or "12.25".
func ParsePercent(s string) (Percent, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q: %w", s, err)
	}
	return NewPercent(d)
}

// MustPercent is ParsePercent for constants and tests.
func MustPercent(s string) Percent {
	p, err := ParsePercent(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Decimal returns the percentage value, e.g. 5.25 for Percent(525).
func (p Percent) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -percentScale)
}

// Rate returns the fraction the percentage represents, e.g. 0.0525 for 5.25%.
func (p Percent) Rate() decimal.Decimal {
	return p.Decimal().Div(hundred)
}

// Valid reports whether the percentage lies within [0, 100].
func (p Percent) Valid() bool {
	return p >= 0 && p <= MaxPercent
}

func (p Percent) String() string {
	return p.Decimal().StringFixed(percentScale)
}

// MarshalJSON renders the percentage as a JSON number with two decimals.
func (p Percent) MarshalJSON() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a numeric string.
func (p *Percent) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	parsed, err := ParsePercent(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
