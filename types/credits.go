// Package types provides common types used across the credit ledger.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrOverflow is returned by checked arithmetic whose result does not fit
// in a Credits value.
var ErrOverflow = errors.New("credits: amount overflows")

// Scale is the number of Credits units in one whole credit.
const Scale = 100

// Credits is an amount of usage credits in hundredths of a credit.
// All arithmetic is integer-only so fractional feature costs (0.5, 0.3)
// stay exact.
//
// Examples:
//   - Whole(20) = 20.00 credits (2000 units)
//   - Credits(50) = 0.50 credits
type Credits int64

// Whole creates a Credits value from a whole number of credits.
func Whole(n int64) Credits { return Credits(n * Scale) }

// Arithmetic operations

// Add adds two amounts.
func (c Credits) Add(other Credits) Credits { return c + other }

// Sub subtracts other from c.
func (c Credits) Sub(other Credits) Credits { return c - other }

// Mul multiplies the amount by a quantity.
func (c Credits) Mul(qty int64) Credits { return c * Credits(qty) }

// MulChecked multiplies like Mul but reports ErrOverflow instead of
// wrapping around.
func (c Credits) MulChecked(qty int64) (Credits, error) {
	if c == 0 || qty == 0 {
		return 0, nil
	}
	a := int64(c)
	if (a == -1 && qty == math.MinInt64) || (qty == -1 && a == math.MinInt64) {
		return 0, fmt.Errorf("%w: %s x %d", ErrOverflow, c, qty)
	}
	n := a * qty
	if n/qty != a {
		return 0, fmt.Errorf("%w: %s x %d", ErrOverflow, c, qty)
	}
	return Credits(n), nil
}

// ApplyBasisPoints scales the amount by bp/10000, rounding half up.
// ApplyBasisPoints(9000) is a 10% discount.
func (c Credits) ApplyBasisPoints(bp int64) Credits {
	if bp == 10000 {
		return c
	}
	n := int64(c) * bp
	q, r := n/10000, n%10000
	if r*2 >= 10000 {
		q++
	}
	return Credits(q)
}

// Min returns the smaller of two amounts.
func (c Credits) Min(other Credits) Credits {
	if c < other {
		return c
	}
	return other
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (c Credits) IsZero() bool { return c == 0 }

// IsPositive returns true if the amount is greater than zero.
func (c Credits) IsPositive() bool { return c > 0 }

// IsNegative returns true if the amount is less than zero.
func (c Credits) IsNegative() bool { return c < 0 }

// Units returns the raw amount in hundredths.
func (c Credits) Units() int64 { return int64(c) }

// Formatting methods

// String returns the amount with two decimals, e.g. "12.50".
func (c Credits) String() string {
	n := int64(c)
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/Scale, n%Scale)
}

// ParseCredits parses a decimal string such as "20", "0.5" or "1.25".
// More than two fractional digits is an error.
func ParseCredits(s string) (Credits, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("credits: parse %q: empty string", s)
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("credits: parse %q: more than two decimals", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("credits: parse %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("credits: parse %q: %w", s, err)
	}

	n := w*Scale + f
	if neg {
		n = -n
	}
	return Credits(n), nil
}

// MarshalJSON renders the amount as a JSON number ("12.50" → 12.50).
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (c *Credits) UnmarshalJSON(data []byte) error {
	var raw json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("credits: unmarshal %s: %w", data, err)
		}
		raw = json.Number(s)
	}

	parsed, err := ParseCredits(raw.String())
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Sum adds up a list of amounts.
func Sum(values ...Credits) Credits {
	var total Credits
	for _, v := range values {
		total += v
	}
	return total
}
