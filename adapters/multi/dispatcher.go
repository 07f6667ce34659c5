package multi

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
	"golang.org/x/sync/errgroup"
)

// Named pairs an interface with the name agents use to select it.
type Named struct {
	Name   string
	Bidder adapters.BidderInterface
}

// Dispatcher routes each agent's traffic to the interface the agent is bound to. The set of
// interfaces is fixed when the Dispatcher is built.
type Dispatcher struct {
	name       string
	order      []string
	interfaces map[string]adapters.BidderInterface
	stats      metrics.Scope

	// bindings maps agent name to binding. Writers hold bindMu so that the move of an agent
	// from one interface to another is atomic; readers don't lock.
	bindings sync.Map
	bindMu   sync.Mutex
}

type binding struct {
	iface string
	cfg   *config.AgentConfig
}

// New builds a Dispatcher over the given interfaces. Counters go to table under "dispatcher".
func New(name string, table *metrics.StatsTable, interfaces ...Named) (*Dispatcher, error) {
	if len(interfaces) == 0 {
		return nil, &errortypes.Configuration{Message: "a multi interface needs at least one interface"}
	}
	d := &Dispatcher{
		name:       name,
		order:      make([]string, 0, len(interfaces)),
		interfaces: make(map[string]adapters.BidderInterface, len(interfaces)),
		stats:      table.Scope("dispatcher"),
	}
	for _, named := range interfaces {
		if named.Name == "" || named.Bidder == nil {
			return nil, &errortypes.Configuration{Message: "every interface of a multi interface needs a name and an implementation"}
		}
		if _, dup := d.interfaces[named.Name]; dup {
			return nil, &errortypes.Configuration{Message: fmt.Sprintf("interface %s is defined twice", named.Name)}
		}
		d.order = append(d.order, named.Name)
		d.interfaces[named.Name] = named.Bidder
	}
	return d, nil
}

func (d *Dispatcher) Name() string {
	return d.name
}

// Interfaces lists the names of the interfaces in configured order.
func (d *Dispatcher) Interfaces() []string {
	return append([]string(nil), d.order...)
}

func (d *Dispatcher) Interface(name string) (adapters.BidderInterface, bool) {
	b, ok := d.interfaces[name]
	return b, ok
}

// Binding returns the interface agent is bound to.
func (d *Dispatcher) Binding(agent string) (string, bool) {
	b, ok := d.bindings.Load(agent)
	if !ok {
		return "", false
	}
	return b.(binding).iface, true
}

// Start starts every interface in order. If one fails the ones already started are shut down.
func (d *Dispatcher) Start(ctx context.Context) error {
	for i, name := range d.order {
		if err := d.interfaces[name].Start(ctx); err != nil {
			d.shutdown(d.order[:i])
			if _, ok := err.(*errortypes.Configuration); ok {
				return err
			}
			return &errortypes.Startup{Component: name, Message: err.Error()}
		}
	}
	return nil
}

func (d *Dispatcher) Shutdown() {
	d.shutdown(d.order)
}

func (d *Dispatcher) shutdown(names []string) {
	var g errgroup.Group
	for _, name := range names {
		bidder := d.interfaces[name]
		g.Go(func() error {
			bidder.Shutdown()
			return nil
		})
	}
	g.Wait()
}

// RegisterAgent binds agent to the interface named by cfg.BidderInterface.
//
// Registering again with the same interface refreshes the agent's config and changes nothing
// else. Registering with another interface removes the agent from the old one first.
func (d *Dispatcher) RegisterAgent(agent string, cfg *config.AgentConfig) error {
	target := cfg.BidderInterface
	bidder, ok := d.interfaces[target]
	if !ok {
		return &errortypes.Configuration{Message: fmt.Sprintf("agent %s: unknown bidder interface %q", agent, target)}
	}

	d.bindMu.Lock()
	defer d.bindMu.Unlock()

	var old binding
	if b, ok := d.bindings.Load(agent); ok {
		old = b.(binding)
	}
	previous, bound := old.iface, old.iface != ""
	moving := bound && previous != target
	if moving {
		d.interfaces[previous].RemoveAgent(agent)
	}
	if err := bidder.RegisterAgent(agent, cfg); err != nil {
		if moving {
			d.restore(agent, old)
		}
		return err
	}
	d.bindings.Store(agent, binding{iface: target, cfg: cfg})

	switch {
	case !bound:
		d.stats.Inc("bind")
	case previous != target:
		logger.Infof("agent %s moved from %s to %s", agent, previous, target)
		d.stats.Inc("rebind")
	}
	return nil
}

// restore hands agent back to the interface it was bound to before a move that failed.
func (d *Dispatcher) restore(agent string, old binding) {
	if err := d.interfaces[old.iface].RegisterAgent(agent, old.cfg); err != nil {
		logger.Errorf("agent %s lost its binding to %s: %v", agent, old.iface, err)
		d.bindings.Delete(agent)
	}
}

func (d *Dispatcher) RemoveAgent(agent string) {
	d.bindMu.Lock()
	defer d.bindMu.Unlock()

	if name, ok := d.Binding(agent); ok {
		d.interfaces[name].RemoveAgent(agent)
		d.bindings.Delete(agent)
	}
}

type roundResult struct {
	bidder string
	bids   []*adapters.Bid
	errs   []error
}

// round collects the results of one SubmitBidRequest. Once closed, later results are dropped.
type round struct {
	mu      sync.Mutex
	closed  bool
	results chan roundResult
}

func (r *round) offer(result roundResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.results <- result
	return true
}

// close stops the round and returns the results that arrived in time but were not read yet.
func (r *round) close() []roundResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var leftovers []roundResult
	for {
		select {
		case result := <-r.results:
			leftovers = append(leftovers, result)
		default:
			return leftovers
		}
	}
}

// SubmitBidRequest splits the agents by interface and calls every interface concurrently. Bids
// are merged in the order the interfaces answer. Interfaces which have not answered when ctx
// expires are reported as timeouts and their bids are dropped.
func (d *Dispatcher) SubmitBidRequest(ctx context.Context, agents []string, request *adapters.BidRequest) ([]*adapters.Bid, []error) {
	var errs []error
	groups := make(map[string][]string)
	var order []string
	for _, agent := range agents {
		name, ok := d.Binding(agent)
		if !ok {
			logger.Errorf("configuration error: agent %s is not bound to any interface of %s", agent, d.name)
			d.stats.Inc("unboundAgent")
			errs = append(errs, &errortypes.UnknownAgent{Agent: agent})
			continue
		}
		if _, seen := groups[name]; !seen {
			order = append(order, name)
		}
		groups[name] = append(groups[name], agent)
	}
	if len(order) == 0 {
		return nil, errs
	}

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &round{results: make(chan roundResult, len(order))}
	for _, name := range order {
		go d.submit(roundCtx, r, name, groups[name], request)
	}

	var bids []*adapters.Bid
	pending := make(map[string]struct{}, len(order))
	for _, name := range order {
		pending[name] = struct{}{}
	}
	collect := func(result roundResult) {
		delete(pending, result.bidder)
		bids = append(bids, result.bids...)
		errs = append(errs, result.errs...)
	}

	for len(pending) > 0 {
		select {
		case result := <-r.results:
			collect(result)
		case <-ctx.Done():
			for _, result := range r.close() {
				collect(result)
			}
			for _, name := range order {
				if _, late := pending[name]; late {
					errs = append(errs, &errortypes.Timeout{Message: fmt.Sprintf("interface %s did not answer before the auction deadline", name)})
				}
			}
			return bids, errs
		}
	}
	return bids, errs
}

func (d *Dispatcher) submit(ctx context.Context, r *round, name string, agents []string, request *adapters.BidRequest) {
	result := roundResult{bidder: name}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("OpenRTB auction recovered panic from interface %s: %v. Stack trace is: %v", name, rec, string(debug.Stack()))
			d.stats.Inc("transportPanic")
			result.bids = nil
			result.errs = []error{&errortypes.FailedToRequestBids{Message: fmt.Sprintf("interface %s panicked", name)}}
		}
		if !r.offer(result) {
			d.stats.Inc("lateResponse")
		}
	}()
	result.bids, result.errs = d.interfaces[name].SubmitBidRequest(ctx, agents, request)
}

func (d *Dispatcher) DeliverWin(ctx context.Context, agent string, win *adapters.WinNotification) {
	d.route(agent, func(b adapters.BidderInterface) { b.DeliverWin(ctx, agent, win) })
}

func (d *Dispatcher) DeliverLoss(ctx context.Context, agent string, loss *adapters.LossEvent) {
	d.route(agent, func(b adapters.BidderInterface) { b.DeliverLoss(ctx, agent, loss) })
}

func (d *Dispatcher) DeliverError(ctx context.Context, agent string, event *adapters.ErrorEvent) {
	d.route(agent, func(b adapters.BidderInterface) { b.DeliverError(ctx, agent, event) })
}

func (d *Dispatcher) route(agent string, deliver func(adapters.BidderInterface)) {
	name, ok := d.Binding(agent)
	if !ok {
		d.stats.Inc("unroutedEvent")
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("interface %s panicked delivering to agent %s: %v", name, agent, rec)
			d.stats.Inc("transportPanic")
		}
	}()
	deliver(d.interfaces[name])
}

// Stats returns the dispatcher counters merged with the counters of every interface.
func (d *Dispatcher) Stats() map[string]int64 {
	out := d.stats.Get()
	for _, name := range d.order {
		metrics.Merge(out, d.interfaces[name].Stats())
	}
	return out
}
