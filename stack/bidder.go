package stack

import (
	"fmt"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/adapters/inprocess"
	"github.com/coriger/rtbkit/adapters/multi"
	"github.com/coriger/rtbkit/adapters/remote"
	"github.com/coriger/rtbkit/agents"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/metrics"
)

// NewBidderInterface builds the transport described by cfg. Every transport, nested ones
// included, counts into events; in-process transports serve the agents of registry.
func NewBidderInterface(name string, cfg *config.BidderInterfaceConfig, registry *agents.Registry, events *metrics.StatsTable) (adapters.BidderInterface, error) {
	switch cfg.Type {
	case config.BidderInterfaceAgents:
		return inprocess.New(name, registry, events), nil
	case config.BidderInterfaceHTTP:
		return remote.New(name, *cfg, remote.NewClient(cfg.Timeout()), events), nil
	case config.BidderInterfaceMulti:
		interfaces := make([]multi.Named, 0, len(cfg.Interfaces))
		for i := range cfg.Interfaces {
			named := &cfg.Interfaces[i]
			bidder, err := NewBidderInterface(named.Name, &named.Config, registry, events)
			if err != nil {
				return nil, err
			}
			interfaces = append(interfaces, multi.Named{Name: named.Name, Bidder: bidder})
		}
		dispatcher, err := multi.New(name, events, interfaces...)
		if err != nil {
			return nil, err
		}
		return dispatcher, nil
	}
	return nil, &errortypes.Configuration{Message: fmt.Sprintf("unknown bidder interface type %q", cfg.Type)}
}
