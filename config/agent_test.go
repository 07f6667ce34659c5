package config

import (
	"testing"

	"github.com/coriger/rtbkit/errortypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const httpAgentJSON = `{
  "account": ["dummy_account"],
  "bidProbability": 1,
  "creatives": [ { "width": 300, "height": 250, "id": 1 } ],
  "externalId": 1,
  "bidderInterface": "iface.http"
}`

func TestParseAgentConfig(t *testing.T) {
	cfg, err := ParseAgentConfig([]byte(httpAgentJSON))
	require.NoError(t, err)

	assert.Equal(t, "dummy_account", cfg.Account.String())
	assert.Equal(t, float64(1), cfg.BidProbability)
	assert.Equal(t, int64(1), cfg.ExternalID)
	assert.Equal(t, "iface.http", cfg.BidderInterface)

	creative, ok := cfg.CreativeFor(300, 250)
	assert.True(t, ok)
	assert.Equal(t, int64(1), creative.ID)
	_, ok = cfg.CreativeFor(728, 90)
	assert.False(t, ok)
	_, ok = cfg.Creative(1)
	assert.True(t, ok)
}

func TestParseAgentConfigErrors(t *testing.T) {
	testCases := []struct {
		description string
		input       string
	}{
		{"no account", `{"bidProbability": 1, "creatives": [{"width": 1, "height": 1, "id": 1}]}`},
		{"probability above one", `{"account": ["a"], "bidProbability": 2, "creatives": [{"width": 1, "height": 1, "id": 1}]}`},
		{"no creatives", `{"account": ["a"], "bidProbability": 1}`},
		{"creative without size", `{"account": ["a"], "bidProbability": 1, "creatives": [{"id": 1}]}`},
		{"duplicate creative", `{"account": ["a"], "bidProbability": 1, "creatives": [{"width": 1, "height": 1, "id": 1}, {"width": 2, "height": 2, "id": 1}]}`},
		{"negative max price", `{"account": ["a"], "bidProbability": 1, "maxPrice": -1, "creatives": [{"width": 1, "height": 1, "id": 1}]}`},
		{"bad json", `{"account": 5}`},
	}

	for _, test := range testCases {
		_, err := ParseAgentConfig([]byte(test.input))
		require.Error(t, err, test.description)
		assert.Equal(t, errortypes.ConfigurationErrorCode, errortypes.ReadCode(err), test.description)
	}
}

func TestParseAgentDefinitions(t *testing.T) {
	data := []byte(`
agents:
  - name: bidding_agent_of_destiny_1
    cpm: 10
    config:
      account: [testCampaign, testStrategy]
      bidProbability: 1
      bidderInterface: iface.agents
      creatives:
        - { id: 1, width: 300, height: 250 }
  - name: bidding_agent_of_destiny_2
    cpm: 12.5
    config:
      account: "testCampaign:testStrategy2"
      bidProbability: 0.5
      creatives:
        - { id: 2, width: 728, height: 90 }
`)
	defs, err := ParseAgentDefinitions(data)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "bidding_agent_of_destiny_1", defs[0].Name)
	assert.Equal(t, float64(10), defs[0].CPM)
	assert.Equal(t, []string{"testCampaign", "testStrategy"}, defs[0].Config.Account.Segments())
	assert.Equal(t, "iface.agents", defs[0].Config.BidderInterface)
	assert.Equal(t, "testCampaign:testStrategy2", defs[1].Config.Account.String())
}

func TestParseAgentDefinitionsRejectsDuplicates(t *testing.T) {
	data := []byte(`
agents:
  - name: a
    config: { account: [x], bidProbability: 1, creatives: [{ id: 1, width: 1, height: 1 }] }
  - name: a
    config: { account: [x], bidProbability: 1, creatives: [{ id: 1, width: 1, height: 1 }] }
`)
	_, err := ParseAgentDefinitions(data)
	assert.Error(t, err)
}
