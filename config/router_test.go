package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRouterConfigArrayForm(t *testing.T) {
	cfg, err := ParseRouterConfig([]byte(`[{"exchangeType": "openrtb"}]`))
	require.NoError(t, err)
	require.Len(t, cfg.Exchanges, 1)

	ex := cfg.Exchanges[0]
	assert.Equal(t, ExchangeOpenRTB, ex.ExchangeType)
	assert.Equal(t, DefaultExchangeResource, ex.ResourcePath())
	assert.Equal(t, DefaultListenHost, ex.ListenHost())
	assert.Equal(t, DefaultAuctionTimeout, cfg.AuctionTimeout())
	assert.Equal(t, DefaultInFlightTTL, cfg.InFlightTTL())
	assert.Equal(t, DefaultDeliveryLanes, cfg.Lanes())
}

func TestParseRouterConfigObjectForm(t *testing.T) {
	cfg, err := ParseRouterConfig([]byte(`{"exchanges": [{"exchangeType": "rtbkit", "resource": "/bids"}],
		"auctionTimeoutMs": 80, "winPort": 18143, "deliveryLanes": 2}`))
	require.NoError(t, err)

	assert.Equal(t, ExchangeRTBKit, cfg.Exchanges[0].ExchangeType)
	assert.Equal(t, "/bids", cfg.Exchanges[0].ResourcePath())
	assert.Equal(t, 80*time.Millisecond, cfg.AuctionTimeout())
	assert.Equal(t, 18143, cfg.WinPort)
	assert.Equal(t, 2, cfg.Lanes())

	cfg, err = ParseRouterConfig([]byte(`{"exchanges": [{"exchangeType": "openrtb"}], "currencyRates": {"USD": {"EUR": 0.9}}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]float64{"USD": {"EUR": 0.9}}, cfg.CurrencyRates)
}

func TestParseRouterConfigErrors(t *testing.T) {
	inputs := []string{
		`[]`,
		`[{"exchangeType": "adx"}]`,
		`[{"exchangeType": "openrtb", "port": 70000}]`,
		`[{"exchangeType": "openrtb", "resource": "bids"}]`,
		`{"exchanges": [{"exchangeType": "openrtb"}], "winPort": -1}`,
		`{"exchanges": [{"exchangeType": "openrtb"}], "auctionTimeoutMs": -1}`,
		`[{"exchangeType": "openrtb", "maxQps": -1}]`,
		`{"exchanges": [{"exchangeType": "openrtb"}], "currencyRates": {"DOLLARS": {"EUR": 0.9}}}`,
		`{"exchanges": [{"exchangeType": "openrtb"}], "currencyRates": {"USD": {"EURO": 0.9}}}`,
		`{"exchanges": [{"exchangeType": "openrtb"}], "currencyRates": {"USD": {"EUR": 0}}}`,
		`not json`,
	}
	for _, input := range inputs {
		_, err := ParseRouterConfig([]byte(input))
		assert.Error(t, err, input)
	}
}

func TestNewRouterConfig(t *testing.T) {
	cfg := NewRouterConfig(ExchangeOpenRTB, ExchangeRTBKit)
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Exchanges, 2)
}
