package currency

import (
	"golang.org/x/text/currency"
)

// ConstantRates doesn't convert: it only accepts conversions where both currencies are the same.
type ConstantRates struct{}

func NewConstantRates() *ConstantRates {
	return &ConstantRates{}
}

// GetRate returns 1 if both currencies are the same and a ConversionNotFoundError otherwise.
func (r *ConstantRates) GetRate(from, to currency.Unit) (float64, error) {
	if from != to {
		return 0, ConversionNotFoundError{FromCur: from.String(), ToCur: to.String()}
	}
	return 1, nil
}
