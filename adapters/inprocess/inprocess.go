package inprocess

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/agents"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
)

// Bidder delivers traffic to agents living in the same process, found through a Registry.
type Bidder struct {
	name     string
	registry *agents.Registry
	table    *metrics.StatsTable
	stats    metrics.Scope
	owned    sync.Map
}

// New returns an interface named name. Its counters go to table under the name prefix.
func New(name string, registry *agents.Registry, table *metrics.StatsTable) *Bidder {
	return &Bidder{
		name:     name,
		registry: registry,
		table:    table,
		stats:    table.Scope(name),
	}
}

func (b *Bidder) Name() string {
	return b.name
}

func (b *Bidder) Start(ctx context.Context) error {
	return nil
}

func (b *Bidder) Shutdown() {}

// RegisterAgent takes ownership of an agent found in the registry and hands it cfg.
func (b *Bidder) RegisterAgent(agent string, cfg *config.AgentConfig) error {
	a, ok := b.registry.Get(agent)
	if !ok {
		return &errortypes.UnknownAgent{Agent: agent}
	}
	if r, ok := a.(agents.Reconfigurable); ok {
		r.SetConfig(cfg)
	}
	b.owned.Store(agent, cfg)
	return nil
}

func (b *Bidder) RemoveAgent(agent string) {
	b.owned.Delete(agent)
}

type agentResponse struct {
	agent string
	bids  []*adapters.Bid
	err   error
}

// SubmitBidRequest calls every agent concurrently. Agents still running when ctx expires are
// reported as timeouts and whatever they return afterwards is dropped.
func (b *Bidder) SubmitBidRequest(ctx context.Context, agentNames []string, request *adapters.BidRequest) ([]*adapters.Bid, []error) {
	var errs []error
	responses := make(chan agentResponse, len(agentNames))
	pending := make(map[string]struct{}, len(agentNames))

	for _, name := range agentNames {
		agent, ok := b.lookup(name)
		if !ok {
			b.stats.Inc("unknownAgent")
			errs = append(errs, &errortypes.UnknownAgent{Agent: name})
			continue
		}
		pending[name] = struct{}{}
		go b.callAgent(ctx, agent, request, responses)
	}

	var bids []*adapters.Bid
	for len(pending) > 0 {
		select {
		case resp := <-responses:
			delete(pending, resp.agent)
			if resp.err != nil {
				b.stats.Inc("bidsSentFailed")
				errs = append(errs, resp.err)
				continue
			}
			b.stats.Inc("bidsSent")
			b.table.Add(b.name+".bidsReceived", int64(len(resp.bids)))
			bids = append(bids, resp.bids...)
		case <-ctx.Done():
			for name := range pending {
				b.stats.Inc("bidsSentFailed")
				errs = append(errs, &errortypes.Timeout{Message: fmt.Sprintf("agent %s did not answer in time", name)})
			}
			return bids, errs
		}
	}
	return bids, errs
}

func (b *Bidder) callAgent(ctx context.Context, agent agents.Agent, request *adapters.BidRequest, out chan<- agentResponse) {
	name := agent.Name()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("OpenRTB auction recovered panic from agent %s: %v. Stack trace is: %v", name, r, string(debug.Stack()))
			out <- agentResponse{agent: name, err: &errortypes.FailedToRequestBids{Message: fmt.Sprintf("agent %s panicked", name)}}
		}
	}()

	bids := agent.Bid(ctx, request)
	for _, bid := range bids {
		bid.Agent = name
		if bid.AuctionID == "" {
			bid.AuctionID = request.AuctionID
		}
	}
	out <- agentResponse{agent: name, bids: bids}
}

func (b *Bidder) DeliverWin(ctx context.Context, agent string, win *adapters.WinNotification) {
	b.deliver(agent, "winsSent", func(a agents.Agent) { a.OnWin(win) })
}

func (b *Bidder) DeliverLoss(ctx context.Context, agent string, loss *adapters.LossEvent) {
	b.deliver(agent, "lossesSent", func(a agents.Agent) { a.OnLoss(loss) })
}

func (b *Bidder) DeliverError(ctx context.Context, agent string, event *adapters.ErrorEvent) {
	b.deliver(agent, "errorsSent", func(a agents.Agent) { a.OnError(event) })
}

func (b *Bidder) deliver(name, counter string, fn func(agents.Agent)) {
	agent, ok := b.lookup(name)
	if !ok {
		b.stats.Inc("unknownAgent")
		b.stats.Inc(counter + "Failed")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("agent %s panicked on %s: %v", name, counter, r)
			b.stats.Inc(counter + "Failed")
		}
	}()
	fn(agent)
	b.stats.Inc(counter)
}

func (b *Bidder) lookup(name string) (agents.Agent, bool) {
	if _, owned := b.owned.Load(name); !owned {
		return nil, false
	}
	return b.registry.Get(name)
}

func (b *Bidder) Stats() map[string]int64 {
	return b.stats.Get()
}
