package currency

import "fmt"

// ConversionNotFoundError is returned when neither a rate nor its reciprocal is known.
type ConversionNotFoundError struct {
	FromCur, ToCur string
}

func (err ConversionNotFoundError) Error() string {
	return fmt.Sprintf("currency conversion rate not found: '%s' => '%s'", err.FromCur, err.ToCur)
}
