package currency

import (
	"golang.org/x/text/currency"
)

// Conversions gives the rate by which a price in one currency is multiplied to express it in
// another.
type Conversions interface {
	GetRate(from, to currency.Unit) (float64, error)
}

// NewConversions returns Rates over conversions, keyed FROM -> TO -> rate. Without any
// conversions only same-currency prices can be compared.
func NewConversions(conversions map[string]map[string]float64) Conversions {
	if len(conversions) == 0 {
		return NewConstantRates()
	}
	return NewRates(conversions)
}

// Convert expresses price, given in from, in to.
func Convert(conversions Conversions, price float64, from, to currency.Unit) (float64, error) {
	if from == to {
		return price, nil
	}
	rate, err := conversions.GetRate(from, to)
	if err != nil {
		return 0, err
	}
	return price * rate, nil
}
