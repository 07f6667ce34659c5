package router

import (
	"sync"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
)

const (
	CreativeFormatFilterName = "creativeFormat"
	AccountFilterName        = "account"
)

// Filter decides whether an agent takes part in an auction.
type Filter interface {
	Name() string
	// Keep is true when agent may bid on request.
	Keep(request *adapters.BidRequest, agent string, cfg *config.AgentConfig) bool
}

// FilterPool is the ordered set of filters of one router. Filters can be added and removed while
// auctions run.
type FilterPool struct {
	mu      sync.RWMutex
	filters []Filter
}

func NewFilterPool(filters ...Filter) *FilterPool {
	pool := &FilterPool{}
	for _, f := range filters {
		pool.Add(f)
	}
	return pool
}

// DefaultFilterPool holds the creativeFormat and account filters.
func DefaultFilterPool() *FilterPool {
	return NewFilterPool(creativeFormatFilter{}, accountFilter{})
}

// Add appends f, replacing any filter with the same name.
func (p *FilterPool) Add(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.filters {
		if existing.Name() == f.Name() {
			p.filters[i] = f
			return
		}
	}
	p.filters = append(p.filters, f)
}

// Remove drops the filter called name and reports whether there was one.
func (p *FilterPool) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.filters {
		if f.Name() == name {
			p.filters = append(p.filters[:i:i], p.filters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *FilterPool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.filters))
	for _, f := range p.filters {
		names = append(names, f.Name())
	}
	return names
}

// Keep runs every filter; agent is eligible when none rejects it.
func (p *FilterPool) Keep(request *adapters.BidRequest, agent string, cfg *config.AgentConfig) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, f := range p.filters {
		if !f.Keep(request, agent, cfg) {
			return false
		}
	}
	return true
}

// creativeFormatFilter keeps agents owning a creative that fits at least one banner format.
type creativeFormatFilter struct{}

func (creativeFormatFilter) Name() string {
	return CreativeFormatFilterName
}

func (creativeFormatFilter) Keep(request *adapters.BidRequest, agent string, cfg *config.AgentConfig) bool {
	for i := range request.Imps {
		banner := request.Imps[i].Banner
		if banner == nil {
			continue
		}
		for _, format := range banner.Format {
			if _, ok := cfg.CreativeFor(format.W, format.H); ok {
				return true
			}
		}
	}
	return false
}

type accountFilter struct{}

func (accountFilter) Name() string {
	return AccountFilterName
}

func (accountFilter) Keep(request *adapters.BidRequest, agent string, cfg *config.AgentConfig) bool {
	return !cfg.Account.Empty()
}
