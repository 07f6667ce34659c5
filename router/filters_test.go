package router

import (
	"testing"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
	"github.com/stretchr/testify/assert"
)

type rejectAll struct{}

func (rejectAll) Name() string { return "rejectAll" }

func (rejectAll) Keep(request *adapters.BidRequest, agent string, cfg *config.AgentConfig) bool {
	return false
}

func TestDefaultFilters(t *testing.T) {
	pool := DefaultFilterPool()
	assert.Equal(t, []string{CreativeFormatFilterName, AccountFilterName}, pool.Names())

	request := newRequest()
	assert.True(t, pool.Keep(request, "a", agentConfig()))
	assert.False(t, pool.Keep(request, "a", agentConfig(config.Creative{ID: 1, Width: 728, Height: 90})))

	noAccount := agentConfig()
	noAccount.Account = config.AccountKey{}
	assert.False(t, pool.Keep(request, "a", noAccount))

	noBanner := &adapters.BidRequest{}
	assert.False(t, pool.Keep(noBanner, "a", agentConfig()))
}

func TestFilterPoolsAreIndependent(t *testing.T) {
	first := DefaultFilterPool()
	second := DefaultFilterPool()

	first.Add(rejectAll{})
	first.Add(rejectAll{})
	assert.Len(t, first.Names(), 3)
	assert.False(t, first.Keep(newRequest(), "a", agentConfig()))

	assert.Len(t, second.Names(), 2)
	assert.True(t, second.Keep(newRequest(), "a", agentConfig()))
}
