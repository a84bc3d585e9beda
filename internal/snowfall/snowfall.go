// Package snowfall handles the fixed-point snowfall scale used by markets,
// parsing of human inch values, market descriptions and the default resort
// catalog.
package snowfall

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point factor: 1200 means 12.00 inches.
const Scale = 100

// DefaultHorizon is the trading window of seeded markets.
const DefaultHorizon = 7 * 24 * time.Hour

var (
	ErrInvalidAmount = errors.New("snowfall: invalid inch amount")
	ErrNegative      = errors.New("snowfall: amount must not be negative")
)

// Resort is a catalog entry used to seed markets.
type Resort struct {
	Name   string `json:"name"`
	Target int64  `json:"target"` // inches × Scale
}

// DefaultResorts is the launch catalog.
var DefaultResorts = []Resort{
	{Name: "Mammoth Mountain", Target: 1200},
	{Name: "Palisades Tahoe", Target: 800},
	{Name: "Jackson Hole", Target: 1500},
	{Name: "Snowbird", Target: 1000},
	{Name: "Aspen", Target: 600},
}

// ParseInches converts an inch string such as "12.5" to the fixed-point scale,
// rounding half-up to hundredths.
func ParseInches(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromInches(d)
}

// FromInches converts a decimal inch value to the fixed-point scale.
func FromInches(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegative, d)
	}
	scaled := d.Shift(2).Round(0)
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, d)
	}
	return scaled.IntPart(), nil
}

// Inches converts a scaled value back to inches.
func Inches(scaled int64) decimal.Decimal {
	return decimal.New(scaled, -2)
}

// Format renders a scaled value with two decimals, e.g. 1250 → "12.50".
func Format(scaled int64) string {
	return Inches(scaled).StringFixed(2)
}

// Describe builds the market question for a resort and target.
func Describe(resort string, target int64, horizon time.Duration) string {
	days := int(horizon.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf("Will %s receive >= %s inches of snow in the next %d days?",
		resort, Inches(target).String(), days)
}
