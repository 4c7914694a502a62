package service

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/and161185/satlink/internal/errs"
)

const (
	satPerBTCExp = 8
	maxBTC       = 21_000_000
)

var maxBTCDec = decimal.NewFromInt(maxBTC)

// ConvertBTCtoSAT converts a BTC amount to satoshis, rounding half away from zero.
func ConvertBTCtoSAT(btc float64) (int64, error) {
	if math.IsNaN(btc) || math.IsInf(btc, 0) {
		return 0, fmt.Errorf("%w: %v", errs.ErrInvalidAmount, btc)
	}
	return toSat(decimal.NewFromFloat(btc))
}

// ParseBTC parses a decimal BTC string such as "0.005" into satoshis.
func ParseBTC(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errs.ErrInvalidAmount, s)
	}
	return toSat(d)
}

// FormatSAT renders satoshis as a BTC decimal string.
func FormatSAT(sat int64) string {
	return decimal.New(sat, -satPerBTCExp).String()
}

func toSat(btc decimal.Decimal) (int64, error) {
	if btc.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", errs.ErrInvalidAmount, btc)
	}
	if btc.GreaterThan(maxBTCDec) {
		return 0, fmt.Errorf("%w: %s exceeds supply", errs.ErrInvalidAmount, btc)
	}
	return btc.Shift(satPerBTCExp).Round(0).IntPart(), nil
}
