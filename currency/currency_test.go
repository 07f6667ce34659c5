package currency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/text/currency"
)

func TestConstantRates(t *testing.T) {
	rates := NewConstantRates()

	rate, err := rates.GetRate(currency.USD, currency.USD)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), rate)

	_, err = rates.GetRate(currency.USD, currency.EUR)
	assert.Equal(t, ConversionNotFoundError{FromCur: "USD", ToCur: "EUR"}, err)
}

func TestRatesGetRate(t *testing.T) {
	rates := NewRates(map[string]map[string]float64{
		"USD": {"EUR": 0.5, "GBP": 0.25},
	})

	testCases := []struct {
		description  string
		from         currency.Unit
		to           currency.Unit
		expectedRate float64
		hasError     bool
	}{
		{description: "direct", from: currency.USD, to: currency.EUR, expectedRate: 0.5},
		{description: "reciprocal", from: currency.EUR, to: currency.USD, expectedRate: 2},
		{description: "intermediate", from: currency.EUR, to: currency.GBP, expectedRate: 0.5},
		{description: "same", from: currency.JPY, to: currency.JPY, expectedRate: 1},
		{description: "unknown", from: currency.JPY, to: currency.USD, hasError: true},
	}

	for _, tc := range testCases {
		rate, err := rates.GetRate(tc.from, tc.to)
		if tc.hasError {
			assert.Error(t, err, tc.description)
			continue
		}
		assert.NoError(t, err, tc.description)
		assert.InDelta(t, tc.expectedRate, rate, 1e-9, tc.description)
	}
}

func TestConvert(t *testing.T) {
	conversions := NewConversions(map[string]map[string]float64{"USD": {"EUR": 0.5}})

	price, err := Convert(conversions, 10, currency.EUR, currency.USD)
	assert.NoError(t, err)
	assert.InDelta(t, 20, price, 1e-9)

	price, err = Convert(NewConversions(nil), 10, currency.USD, currency.USD)
	assert.NoError(t, err)
	assert.Equal(t, float64(10), price)

	_, err = Convert(NewConversions(nil), 10, currency.EUR, currency.USD)
	assert.Error(t, err)
}

type mockConversions struct {
	mock.Mock
}

func (m *mockConversions) GetRate(from, to currency.Unit) (float64, error) {
	args := m.Called(from, to)
	return args.Get(0).(float64), args.Error(1)
}

func TestConvertAsksForTheRate(t *testing.T) {
	conversions := &mockConversions{}
	conversions.On("GetRate", currency.GBP, currency.USD).Return(1.25, nil)

	price, err := Convert(conversions, 8, currency.GBP, currency.USD)
	assert.NoError(t, err)
	assert.Equal(t, float64(10), price)
	conversions.AssertExpectations(t)

	// Same currency never asks.
	price, err = Convert(conversions, 8, currency.USD, currency.USD)
	assert.NoError(t, err)
	assert.Equal(t, float64(8), price)
	conversions.AssertNumberOfCalls(t, "GetRate", 1)
}
