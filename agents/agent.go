package agents

import (
	"context"
	"sort"
	"sync"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/errortypes"
)

// Agent is a bidding agent running in the same process as its router.
type Agent interface {
	Name() string
	Config() *config.AgentConfig

	// Bid returns this agent's bids for the request. No bids is a valid answer.
	Bid(ctx context.Context, request *adapters.BidRequest) []*adapters.Bid

	OnWin(win *adapters.WinNotification)
	OnLoss(loss *adapters.LossEvent)
	OnError(event *adapters.ErrorEvent)
}

// Reconfigurable agents follow the config their router holds for them.
type Reconfigurable interface {
	SetConfig(cfg *config.AgentConfig)
}

// Registry holds the agents of one stack.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Add registers agent under its name. Names are unique within a registry.
func (r *Registry) Add(agent Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agent.Name()]; ok {
		return &errortypes.Configuration{Message: "agent " + agent.Name() + " is already registered"}
	}
	r.agents[agent.Name()] = agent
	return nil
}

func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[name]
	return agent, ok
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.agents, name)
	r.mu.Unlock()
}

// Names lists the registered agents, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
