package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// AmountDecimals is the number of fixed-point decimal places.
const AmountDecimals = 8

// unitsPerCoin is 10^AmountDecimals.
const unitsPerCoin = 100_000_000

// Amount is a non-negative fixed-point value with 8 decimal places,
// stored as base units in a uint64.
type Amount uint64

// Units returns the raw base-unit value.
func (a Amount) Units() uint64 {
	return uint64(a)
}

// String renders the amount as a decimal string, e.g. "1.25000000".
func (a Amount) String() string {
	whole := uint64(a) / unitsPerCoin
	frac := uint64(a) % unitsPerCoin
	return fmt.Sprintf("%d.%08d", whole, frac)
}

// MarshalJSON encodes the amount as a decimal string so precision
// survives JSON number handling in other languages.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a decimal string or integer into an amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Allow bare JSON numbers for interop.
		var n uint64
		if err2 := json.Unmarshal(data, &n); err2 == nil {
			*a = Amount(n)
			return nil
		}
		return err
	}
	amt, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = amt
	return nil
}

// Add returns a+b, or an error on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if uint64(a) > math.MaxUint64-uint64(b) {
		return 0, fmt.Errorf("amount overflow")
	}
	return a + b, nil
}

// Sub returns a-b, or an error if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, fmt.Errorf("amount underflow")
	}
	return a - b, nil
}

// ParseAmount parses a non-negative decimal string with up to 8 fractional
// digits into an Amount.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("amount must be non-negative")
	}

	wholePart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		wholePart, fracPart = s[:i], s[i+1:]
	}
	if wholePart == "" {
		wholePart = "0"
	}
	if len(fracPart) > AmountDecimals {
		return 0, fmt.Errorf("amount has more than %d decimal places", AmountDecimals)
	}

	var whole uint64
	for _, c := range wholePart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		d := uint64(c - '0')
		if whole > (math.MaxUint64-d)/10 {
			return 0, fmt.Errorf("amount overflow")
		}
		whole = whole*10 + d
	}

	var frac uint64
	for _, c := range fracPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		frac = frac*10 + uint64(c-'0')
	}
	// Pad to 8 digits: "1.5" means 50000000 base units.
	for i := len(fracPart); i < AmountDecimals; i++ {
		frac *= 10
	}

	if whole > (math.MaxUint64-frac)/unitsPerCoin {
		return 0, fmt.Errorf("amount overflow")
	}
	return Amount(whole*unitsPerCoin + frac), nil
}
