package stack

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/agents"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/exchange"
	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
	"github.com/coriger/rtbkit/router"
	"github.com/coriger/rtbkit/util/task"
	"golang.org/x/sync/errgroup"
)

// DefaultAgentName is the test agent a stack registers when no agent was added before Start.
const DefaultAgentName = "test_agent"

// DefaultAccount is the account of the default test agent.
var DefaultAccount = config.MustAccountKey("testCampaign", "testStrategy")

// Options tune a stack.
type Options struct {
	// CPM is the price of the default test agent. Zero makes it never bid.
	CPM float64
	// BidRequests is published in the snapshot for whoever drives traffic at the stack.
	BidRequests int
	// StatsInterval > 0 logs every counter at that interval.
	StatsInterval time.Duration
}

// Endpoint is a host:port and the path requests are posted to.
type Endpoint struct {
	URL      string `json:"url"`
	Resource string `json:"resource"`
}

// Worker groups the addresses an exchange talks to: bid requests go to Bids, win notices to
// Wins and campaign events to Events.
type Worker struct {
	Bids   Endpoint `json:"bids"`
	Wins   Endpoint `json:"wins"`
	Events Endpoint `json:"events"`
}

// Snapshot describes a ready stack. It is what the continuation of RunThen receives.
type Snapshot struct {
	Workers     []Worker `json:"workers"`
	BidRequests int      `json:"bidRequests"`
}

type queuedConfig struct {
	agent string
	patch []byte
}

// Stack wires a router, its exchange connectors and a bidder interface together and starts
// them in that order. All of its parts count into one StatsTable.
type Stack struct {
	machine  stateMachine
	events   *metrics.StatsTable
	registry *agents.Registry

	// mu orders AddAgent and PostConfig against the Ready transition.
	mu            sync.Mutex
	queuedAgents  []agents.Agent
	queuedConfigs []queuedConfig
	started       []Component

	router     *router.Router
	bidder     adapters.BidderInterface
	connectors []*exchange.Connector
	snapshot   Snapshot
	ready      chan struct{}
	statsTask  *task.TickerTask

	shutdownOnce sync.Once
}

func New() *Stack {
	return &Stack{
		events:   metrics.NewStatsTable(),
		registry: agents.NewRegistry(),
		ready:    make(chan struct{}),
	}
}

func (s *Stack) State() State {
	return s.machine.load()
}

// Events is the stack's counter table. It stays readable after Shutdown.
func (s *Stack) Events() *metrics.StatsTable {
	return s.events
}

// Router is nil until Start has validated the configuration.
func (s *Stack) Router() *router.Router {
	return s.router
}

// Bidder is nil until Start has validated the configuration.
func (s *Stack) Bidder() adapters.BidderInterface {
	return s.bidder
}

// Agents holds the in-process agents of the stack.
func (s *Stack) Agents() *agents.Registry {
	return s.registry
}

// Ready is closed once the stack is ready. It is never closed if Start fails.
func (s *Stack) Ready() <-chan struct{} {
	return s.ready
}

// Snapshot describes the bound addresses. It is empty before the stack is ready.
func (s *Stack) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	workers := make([]Worker, len(s.snapshot.Workers))
	copy(workers, s.snapshot.Workers)
	return Snapshot{Workers: workers, BidRequests: s.snapshot.BidRequests}
}

// AddAgent registers an in-process agent. Before the stack is ready the agent is queued and
// registered during the Ready transition.
func (s *Stack) AddAgent(agent agents.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state := s.State(); {
	case state == Failed || state == Stopped:
		return fmt.Errorf("cannot add agent %s: stack is %s", agent.Name(), state)
	case state < Ready:
		s.queuedAgents = append(s.queuedAgents, agent)
		return nil
	}
	return s.addAgent(agent)
}

// PostConfig merges a JSON agent configuration into the router. Before the stack is ready the
// configuration is queued and applied during the Ready transition.
func (s *Stack) PostConfig(agent string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state := s.State(); {
	case state == Failed || state == Stopped:
		return fmt.Errorf("cannot post config of %s: stack is %s", agent, state)
	case state < Ready:
		s.queuedConfigs = append(s.queuedConfigs, queuedConfig{agent: agent, patch: data})
		return nil
	}
	return s.router.PostConfig(agent, data)
}

func (s *Stack) addAgent(agent agents.Agent) error {
	if err := s.registry.Add(agent); err != nil {
		return err
	}
	if err := s.router.SetAgentConfig(agent.Name(), agent.Config()); err != nil {
		s.registry.Remove(agent.Name())
		return err
	}
	return nil
}

// Start validates both configurations, then starts the router, the exchange connectors and
// the bidder interface, each only once the previous one is ready. A configuration error
// starts nothing. Any other failure shuts down what was started and returns a Startup error.
func (s *Stack) Start(ctx context.Context, routerCfg config.RouterConfig, bidderCfg config.BidderInterfaceConfig, opts Options) error {
	if !s.machine.transition(Unstarted, StartingRouter) {
		return fmt.Errorf("stack cannot start: it is %s", s.State())
	}
	if err := s.configure(&routerCfg, &bidderCfg); err != nil {
		logger.Errorf("stack configuration rejected: %v", err)
		s.machine.store(Failed)
		return err
	}

	if _, err := s.startComponent(ctx, &routerComponent{router: s.router}); err != nil {
		return s.fail(ctx, err)
	}
	s.machine.transition(StartingRouter, StartingExchange)

	workers := make([]Worker, 0, len(s.connectors))
	for _, connector := range s.connectors {
		addrs, err := s.startComponent(ctx, &connectorComponent{connector: connector})
		if err != nil {
			return s.fail(ctx, err)
		}
		workers = append(workers, Worker{
			Bids:   Endpoint{URL: addrs["bids"], Resource: connector.Resource()},
			Wins:   Endpoint{URL: s.router.WinAddr(), Resource: "/"},
			Events: Endpoint{URL: s.router.EventAddr(), Resource: "/"},
		})
	}
	s.machine.transition(StartingExchange, StartingBidderInterface)

	if _, err := s.startComponent(ctx, &bidderComponent{bidder: s.bidder}); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.becomeReady(workers, opts); err != nil {
		return s.fail(ctx, err)
	}
	if opts.StatsInterval > 0 {
		s.statsTask = task.NewTickerTaskFromFunc(opts.StatsInterval, s.logStats)
		s.statsTask.Start()
	}
	logger.Infof("stack ready: %d exchange(s), bidder interface %s", len(workers), s.bidder.Name())
	return nil
}

func (s *Stack) configure(routerCfg *config.RouterConfig, bidderCfg *config.BidderInterfaceConfig) error {
	if err := routerCfg.Validate(); err != nil {
		return err
	}
	if err := bidderCfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	queued := append([]agents.Agent(nil), s.queuedAgents...)
	s.mu.Unlock()
	if bidderCfg.Type == config.BidderInterfaceMulti {
		for _, agent := range queued {
			if _, ok := bidderCfg.Lookup(agent.Config().BidderInterface); !ok {
				return &errortypes.Configuration{Message: fmt.Sprintf("agent %s: unknown bidder interface %q", agent.Name(), agent.Config().BidderInterface)}
			}
		}
	}

	bidder, err := NewBidderInterface(string(bidderCfg.Type), bidderCfg, s.registry, s.events)
	if err != nil {
		return err
	}
	s.bidder = bidder
	s.router = router.New(*routerCfg, bidder, s.events)
	for _, ex := range routerCfg.Exchanges {
		s.connectors = append(s.connectors, exchange.NewConnector(ex, s.router, s.events))
	}
	return nil
}

// startComponent waits for c to report. If ctx ends first, c is shut down as soon as it does.
func (s *Stack) startComponent(ctx context.Context, c Component) (map[string]string, error) {
	readiness := c.Start(ctx)
	select {
	case r := <-readiness:
		if r.Err != nil {
			return nil, r.Err
		}
		s.mu.Lock()
		s.started = append(s.started, c)
		s.mu.Unlock()
		logger.Infof("%s ready %v", r.Component, r.Addrs)
		return r.Addrs, nil
	case <-ctx.Done():
		go func() {
			if r := <-readiness; r.Err == nil {
				c.Shutdown(context.Background())
			}
		}()
		return nil, &errortypes.Startup{Component: c.Name(), Message: ctx.Err().Error()}
	}
}

// becomeReady applies everything queued before Ready, then makes the transition.
func (s *Stack) becomeReady(workers []Worker, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queuedAgents) == 0 {
		s.queuedAgents = append(s.queuedAgents, s.defaultAgent(opts.CPM))
	}
	for _, agent := range s.queuedAgents {
		if err := s.addAgent(agent); err != nil {
			return err
		}
	}
	for _, queued := range s.queuedConfigs {
		if err := s.router.PostConfig(queued.agent, queued.patch); err != nil {
			return err
		}
	}
	s.queuedAgents, s.queuedConfigs = nil, nil
	s.snapshot = Snapshot{Workers: workers, BidRequests: opts.BidRequests}

	if !s.machine.transition(StartingBidderInterface, Ready) {
		return fmt.Errorf("stack left startup unexpectedly: it is %s", s.State())
	}
	close(s.ready)
	return nil
}

// defaultAgent bids cpm through the bidder interface, or through the first entry of a multi one.
func (s *Stack) defaultAgent(cpm float64) agents.Agent {
	cfg := agents.DefaultTestAgentConfig(DefaultAccount)
	if dispatcher, ok := s.bidder.(interface{ Interfaces() []string }); ok {
		if names := dispatcher.Interfaces(); len(names) > 0 {
			cfg.BidderInterface = names[0]
		}
	}
	return agents.NewTestAgent(DefaultAgentName, cpm, cfg)
}

func (s *Stack) fail(ctx context.Context, err error) error {
	s.machine.store(Failed)
	s.stopComponents(ctx)
	switch err.(type) {
	case *errortypes.Configuration, *errortypes.Startup:
	default:
		err = &errortypes.Startup{Component: "stack", Message: err.Error()}
	}
	logger.Errorf("stack failed to start: %v", err)
	return err
}

// Then runs fn once the stack is ready. Only the first call runs it; later calls and calls on a
// stack that is not ready return an error without running fn.
func (s *Stack) Then(fn func(Snapshot) error) error {
	if !s.machine.transition(Ready, ContinuationRunning) {
		return fmt.Errorf("continuation cannot run: stack is %s", s.State())
	}
	err := fn(s.Snapshot())
	s.machine.transition(ContinuationRunning, Running)
	return err
}

// RunThen starts the stack, runs fn once it is ready and shuts the stack down when fn
// returns. fn may start other stacks. fn never runs if Start fails.
func (s *Stack) RunThen(ctx context.Context, routerCfg config.RouterConfig, bidderCfg config.BidderInterfaceConfig, opts Options, fn func(Snapshot) error) error {
	if err := s.Start(ctx, routerCfg, bidderCfg, opts); err != nil {
		return err
	}
	defer s.Shutdown(ctx)
	return s.Then(fn)
}

// Shutdown stops every started component. Counters stay readable.
func (s *Stack) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		if s.statsTask != nil {
			s.statsTask.Stop()
		}
		s.stopComponents(ctx)
		if s.State() != Failed {
			s.machine.store(Stopped)
		}
	})
}

// stopComponents stops the exchange connectors in parallel, then the rest in start order so
// the router drains its deliveries before the bidder interface goes away.
func (s *Stack) stopComponents(ctx context.Context) {
	s.mu.Lock()
	started := s.started
	s.started = nil
	s.mu.Unlock()

	var g errgroup.Group
	var rest []Component
	for _, c := range started {
		c := c
		if _, ok := c.(*connectorComponent); ok {
			g.Go(func() error {
				c.Shutdown(ctx)
				return nil
			})
			continue
		}
		rest = append(rest, c)
	}
	g.Wait()
	for _, c := range rest {
		c.Shutdown(ctx)
	}
}

func (s *Stack) logStats() error {
	var buf bytes.Buffer
	s.events.Dump(&buf)
	logger.Infof("stack stats:\n%s", buf.String())
	return nil
}
