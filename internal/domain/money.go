package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "ISK": {}, "JPY": {}, "KMF": {}, "KRW": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

var threeDecimalCurrencies = map[string]struct{}{
	"BHD": {}, "IQD": {}, "JOD": {}, "KWD": {}, "LYD": {}, "OMR": {}, "TND": {},
}

// CurrencyExponent returns the number of minor-unit digits for an ISO 4217 code.
func CurrencyExponent(currency string) int32 {
	code := strings.ToUpper(currency)
	if _, ok := zeroDecimalCurrencies[code]; ok {
		return 0
	}
	if _, ok := threeDecimalCurrencies[code]; ok {
		return 3
	}
	return 2
}

// ToMinorUnits converts a decimal amount into the gateway's integer minor units.
// Amounts are rounded half away from zero at the currency's precision.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if len(currency) != 3 {
		return 0, fmt.Errorf("invalid currency code %q", currency)
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount.String())
	}
	exp := CurrencyExponent(currency)
	minor := amount.Round(exp).Shift(exp)
	return minor.IntPart(), nil
}
