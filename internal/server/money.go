package server

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// The ledger counts in minor units. Token amounts cross the API boundary as
// decimal strings and are converted exactly once, here.
const tokenDecimals = 6

var (
	errBadAmount       = errors.New("amount is not a valid decimal")
	errAmountPrecision = errors.New("amount has more precision than the token supports")
	errAmountRange     = errors.New("amount out of range")
)

// toMinorUnits parses a token amount like "1.5" into minor units.
func toMinorUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadAmount, s)
	}

	shifted := d.Shift(tokenDecimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %q", errAmountPrecision, s)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %q", errAmountRange, s)
	}
	return shifted.IntPart(), nil
}

// fromMinorUnits renders minor units back into a token amount string.
func fromMinorUnits(v int64) string {
	return decimal.New(v, -tokenDecimals).String()
}

// balancesForWire converts a minor-unit balance map for client display.
func balancesForWire(balances map[string]int64) map[string]string {
	out := make(map[string]string, len(balances))
	for addr, v := range balances {
		out[addr] = fromMinorUnits(v)
	}
	return out
}
