/*
Package generic provides the domain-agnostic primitives the rewards engine
is built on.

PURPOSE:
  Money math, percentage multipliers, identifiers, clocks and the error
  taxonomy live here so that every domain component shares one definition
  of "an amount", "a percent increase" and "a retryable failure".

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal rounded to cents at the edges
  - Multiplier: 1 + percent/100, used for tier and custom adjustments
  - IDs: prefixed UUID strings

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, never float64, for anything payable
  2. Immutability: helpers return new values, never mutate inputs
  3. Explicit rounding: amounts are rounded once, when they are finalized

SEE ALSO:
  - errors.go: Error taxonomy shared by all components
  - clock.go: Injectable time source
*/
package generic

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// CentsPlaces is the number of decimal places payable amounts are rounded to.
const CentsPlaces = 2

var hundred = decimal.NewFromInt(100)

// Multiplier converts a percentage increase into a factor: 10 -> 1.10.
func Multiplier(percent decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(percent.Div(hundred))
}

// ApplyPercent returns amount × (1 + percent/100).
func ApplyPercent(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(Multiplier(percent))
}

// RoundCents rounds a payable amount to whole cents, half away from zero.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(CentsPlaces)
}

// PercentOf returns part/whole × 100, or zero when whole is zero.
func PercentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}

// MustParseDecimal parses a decimal literal and panics if it is malformed.
// Stored or user-supplied text must go through decimal.NewFromString.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// NewID returns a unique identifier with a short, human-readable prefix,
// e.g. "bonus_3f1c...".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
