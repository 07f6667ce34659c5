package currency

import (
	"golang.org/x/text/currency"
)

// Rates holds conversion rates keyed by ISO 4217 code, FROM -> TO -> rate, e.g.
// {"USD": {"EUR": 0.92, "GBP": 0.79}}.
type Rates struct {
	Conversions map[string]map[string]float64 `json:"conversions"`
}

func NewRates(conversions map[string]map[string]float64) *Rates {
	return &Rates{
		Conversions: conversions,
	}
}

// GetRate looks for a FROM -> TO entry, then the reciprocal of a TO -> FROM one, then a
// conversion through a currency both are quoted against.
func (r *Rates) GetRate(from, to currency.Unit) (float64, error) {
	if from == to {
		return 1, nil
	}
	fromCode, toCode := from.String(), to.String()
	if conversion, present := r.Conversions[fromCode][toCode]; present {
		return conversion, nil
	}
	if conversion, present := r.Conversions[toCode][fromCode]; present && conversion != 0 {
		return 1 / conversion, nil
	}
	return findIntermediateConversionRate(r, fromCode, toCode)
}

func findIntermediateConversionRate(r *Rates, from, to string) (float64, error) {
	for _, conversions := range r.Conversions {
		toRate, hasToRate := conversions[to]
		fromRate, hasFromRate := conversions[from]
		if hasToRate && hasFromRate && fromRate != 0 {
			return toRate / fromRate, nil
		}
	}
	return 0, ConversionNotFoundError{FromCur: from, ToCur: to}
}
