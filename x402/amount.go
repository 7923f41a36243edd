package x402

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ParseAmount parses a smallest-unit amount. It must be a positive integer written in
// canonical decimal form: no sign, exponent, fraction or leading zeros.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(ErrInvalidAmount, "%q", s)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, errors.Wrapf(ErrInvalidAmount, "%q is not positive", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return decimal.Decimal{}, errors.Wrapf(ErrInvalidAmount, "%q has a fractional part", s)
	}
	if d.String() != s {
		return decimal.Decimal{}, errors.Wrapf(ErrInvalidAmount, "%q is not canonical, use %q", s, d.String())
	}
	return d, nil
}

// FormatAmount renders a smallest-unit amount for display, dividing by 10^decimals.
func FormatAmount(amount string, asset AssetDescriptor) string {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return amount
	}
	x := d.Shift(-asset.Decimals)
	if asset.Symbol == "" {
		return x.String()
	}
	return fmt.Sprintf("%s %s", x.String(), asset.Symbol)
}
