package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/currency"
)

func TestBidPriceCurrency(t *testing.T) {
	testCases := []struct {
		description string
		given       currency.Unit
		expected    currency.Unit
	}{
		{description: "unset", given: currency.Unit{}, expected: DefaultCurrency},
		{description: "usd", given: currency.USD, expected: currency.USD},
		{description: "eur", given: currency.EUR, expected: currency.EUR},
	}

	for _, tc := range testCases {
		bid := &Bid{Price: 1, Currency: tc.given}
		assert.Equal(t, tc.expected, bid.PriceCurrency(), tc.description)
	}
}
