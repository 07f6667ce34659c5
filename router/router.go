package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/currency"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
	"github.com/coriger/rtbkit/server"
	"github.com/coriger/rtbkit/util/task"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/gofrs/uuid"
	"github.com/patrickmn/go-cache"
)

// laneCapacity bounds the deliveries queued for one lane.
const laneCapacity = 4096

// Router runs auctions for its exchanges over a bidder interface, and feeds wins and campaign
// events back to the agents.
type Router struct {
	cfg     config.RouterConfig
	bidder  adapters.BidderInterface
	events  *metrics.StatsTable
	stats   metrics.Scope
	filters *FilterPool
	// conversions bring bid prices into the auction currency.
	conversions currency.Conversions

	// inFlight holds the winning bid of every auction awaiting its win notice.
	inFlight *cache.Cache
	lanes    *task.Lanes

	agentsMu     sync.RWMutex
	agentConfigs map[string]*config.AgentConfig

	winServer   *server.Server
	eventServer *server.Server
}

// New returns a router using bidder. Counters go to events under "router".
func New(cfg config.RouterConfig, bidder adapters.BidderInterface, events *metrics.StatsTable) *Router {
	ttl := cfg.InFlightTTL()
	return &Router{
		cfg:          cfg,
		bidder:       bidder,
		events:       events,
		stats:        events.Scope("router"),
		filters:      DefaultFilterPool(),
		conversions:  currency.NewConversions(cfg.CurrencyRates),
		inFlight:     cache.New(ttl, 2*ttl),
		lanes:        task.NewLanes(cfg.Lanes(), laneCapacity),
		agentConfigs: make(map[string]*config.AgentConfig),
	}
}

func (r *Router) Filters() *FilterPool {
	return r.filters
}

func (r *Router) Bidder() adapters.BidderInterface {
	return r.bidder
}

func (r *Router) Events() *metrics.StatsTable {
	return r.events
}

// Start binds the win and event listeners and starts serving them.
func (r *Router) Start(ctx context.Context) error {
	host := r.cfg.ListenHost()
	winServer, err := server.Bind("router.wins", net.JoinHostPort(host, strconv.Itoa(r.cfg.WinPort)), r.winHandler(), server.Options{})
	if err != nil {
		return err
	}
	eventServer, err := server.Bind("router.events", net.JoinHostPort(host, strconv.Itoa(r.cfg.EventPort)), r.eventHandler(), server.Options{})
	if err != nil {
		winServer.Shutdown(ctx)
		return err
	}
	r.winServer, r.eventServer = winServer, eventServer
	winServer.Serve()
	eventServer.Serve()
	return nil
}

// WinAddr is the bound address of the win listener, empty before Start.
func (r *Router) WinAddr() string {
	if r.winServer == nil {
		return ""
	}
	return r.winServer.Addr()
}

// EventAddr is the bound address of the event listener, empty before Start.
func (r *Router) EventAddr() string {
	if r.eventServer == nil {
		return ""
	}
	return r.eventServer.Addr()
}

// Shutdown stops the listeners, then waits for the queued deliveries.
func (r *Router) Shutdown(ctx context.Context) {
	if r.winServer != nil {
		r.winServer.Shutdown(ctx)
	}
	if r.eventServer != nil {
		r.eventServer.Shutdown(ctx)
	}
	r.lanes.Stop()
}

// SetAgentConfig registers agent with the bidder interface and stores its config.
func (r *Router) SetAgentConfig(agent string, cfg *config.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	return r.setAgentConfigLocked(agent, cfg)
}

func (r *Router) setAgentConfigLocked(agent string, cfg *config.AgentConfig) error {
	if err := r.bidder.RegisterAgent(agent, cfg); err != nil {
		return err
	}
	r.agentConfigs[agent] = cfg
	r.stats.Inc("agentConfig")
	return nil
}

// PostConfig merges patch, a JSON merge patch, into the current config of agent and applies the
// result. A new agent is configured by patch alone.
func (r *Router) PostConfig(agent string, patch []byte) error {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()

	merged := patch
	if current, ok := r.agentConfigs[agent]; ok {
		currentJSON, err := json.Marshal(current)
		if err != nil {
			return err
		}
		if merged, err = jsonpatch.MergePatch(currentJSON, patch); err != nil {
			return &errortypes.Configuration{Message: fmt.Sprintf("agent %s: invalid config patch: %v", agent, err)}
		}
	}
	cfg, err := config.ParseAgentConfig(merged)
	if err != nil {
		return err
	}
	return r.setAgentConfigLocked(agent, cfg)
}

// RemoveConfig stops sending traffic to agent.
func (r *Router) RemoveConfig(agent string) bool {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	if _, ok := r.agentConfigs[agent]; !ok {
		return false
	}
	delete(r.agentConfigs, agent)
	r.bidder.RemoveAgent(agent)
	return true
}

func (r *Router) AgentConfig(agent string) (*config.AgentConfig, bool) {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	cfg, ok := r.agentConfigs[agent]
	return cfg, ok
}

// Agents returns a copy of the agent config table.
func (r *Router) Agents() map[string]*config.AgentConfig {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	out := make(map[string]*config.AgentConfig, len(r.agentConfigs))
	for name, cfg := range r.agentConfigs {
		out[name] = cfg
	}
	return out
}

func (r *Router) eligibleAgents(request *adapters.BidRequest) (map[string]*config.AgentConfig, []string) {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	eligible := make(map[string]*config.AgentConfig, len(r.agentConfigs))
	names := make([]string, 0, len(r.agentConfigs))
	for name, cfg := range r.agentConfigs {
		if r.filters.Keep(request, name, cfg) {
			eligible[name] = cfg
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return eligible, names
}

// logBidderErrors keeps recoverable transport errors at debug level. Anything else is counted
// under router.bidderError and logged as an error.
func (r *Router) logBidderErrors(auctionID string, errs []error) {
	for _, err := range errs {
		if errortypes.IsRecoverable(err) {
			logger.Debugf("router: auction %s: %v", auctionID, err)
		}
	}
	if !errortypes.ContainsFatalError(errs) {
		return
	}
	for _, err := range errortypes.FatalOnly(errs) {
		r.stats.Inc("bidderError")
		logger.Errorf("router: auction %s: %v", auctionID, err)
	}
}

// Auction runs one auction and returns the winning bid of every impression that got one.
//
// Every impression goes to its highest bid; between equal bids the first to arrive wins. The
// other bidders are told they lost, and bids which can't be used are reported to their agent.
func (r *Router) Auction(ctx context.Context, request *adapters.BidRequest) []*adapters.Bid {
	r.stats.Inc("bid")
	if request.AuctionID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			logger.Errorf("router: could not generate an auction id: %v", err)
			r.stats.Inc("noBid")
			return nil
		}
		request.AuctionID = id.String()
	}

	timeout := r.cfg.AuctionTimeout()
	if request.TMax > 0 {
		timeout = request.TMax
	} else {
		request.TMax = timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eligible, names := r.eligibleAgents(request)
	if len(names) == 0 {
		r.stats.Inc("noBid")
		return nil
	}

	bids, errs := r.bidder.SubmitBidRequest(ctx, names, request)
	r.logBidderErrors(request.AuctionID, errs)

	winners := make(map[string]*adapters.Bid, len(request.Imps))
	var valid []*adapters.Bid
	for _, bid := range bids {
		reason := r.normalizePrice(bid)
		if reason == "" {
			reason = r.invalidReason(request, eligible, bid)
		}
		if reason != "" {
			r.stats.Inc("invalidBid")
			r.deliverError(bid.Agent, &adapters.ErrorEvent{AuctionID: request.AuctionID, Agent: bid.Agent, Message: reason})
			continue
		}
		valid = append(valid, bid)
		if best, ok := winners[bid.ImpID]; !ok || bid.Price > best.Price {
			winners[bid.ImpID] = bid
		}
	}

	for _, bid := range valid {
		winner := winners[bid.ImpID]
		if bid == winner {
			continue
		}
		r.stats.Inc("loss")
		r.deliverLoss(bid.Agent, &adapters.LossEvent{
			AuctionID: request.AuctionID,
			ImpID:     bid.ImpID,
			Agent:     bid.Agent,
			BidPrice:  bid.Price,
			WinPrice:  winner.Price,
		})
	}

	var result []*adapters.Bid
	for i := range request.Imps {
		winner, ok := winners[request.Imps[i].ID]
		if !ok {
			continue
		}
		r.stats.Inc("auctionWin")
		r.inFlight.Set(inFlightKey(request.AuctionID, winner.ImpID), winner, cache.DefaultExpiration)
		result = append(result, winner)
	}
	if len(result) == 0 {
		r.stats.Inc("noBid")
	}
	return result
}

// normalizePrice expresses the price of bid in the auction currency.
func (r *Router) normalizePrice(bid *adapters.Bid) string {
	from := bid.PriceCurrency()
	price, err := currency.Convert(r.conversions, bid.Price, from, adapters.DefaultCurrency)
	if err != nil {
		return err.Error()
	}
	bid.Price, bid.Currency = price, adapters.DefaultCurrency
	return ""
}

func (r *Router) invalidReason(request *adapters.BidRequest, eligible map[string]*config.AgentConfig, bid *adapters.Bid) string {
	cfg, ok := eligible[bid.Agent]
	if !ok {
		return fmt.Sprintf("agent %s was not asked to bid", bid.Agent)
	}
	imp, ok := request.Imp(bid.ImpID)
	if !ok {
		return fmt.Sprintf("unknown impression %q", bid.ImpID)
	}
	if bid.Price <= 0 {
		return fmt.Sprintf("price %v is not positive", bid.Price)
	}
	if cfg.MaxPrice > 0 && bid.Price > cfg.MaxPrice {
		return fmt.Sprintf("price %v is above the agent's maximum %v", bid.Price, cfg.MaxPrice)
	}
	creative, ok := cfg.Creative(bid.CreativeID)
	if !ok {
		return fmt.Sprintf("unknown creative %d", bid.CreativeID)
	}
	if imp.Banner != nil && len(imp.Banner.Format) > 0 {
		for _, format := range imp.Banner.Format {
			if format.W == creative.Width && format.H == creative.Height {
				return ""
			}
		}
		return fmt.Sprintf("creative %d does not fit impression %s", bid.CreativeID, imp.ID)
	}
	return ""
}

// WinNotice is what an ad server posts to the win listener.
type WinNotice struct {
	AuctionID string  `json:"auctionId"`
	ImpID     string  `json:"impId"`
	WinPrice  float64 `json:"winPrice"`
}

// CampaignEvent is what an ad server posts to the event listener, e.g. a click.
type CampaignEvent struct {
	Type      string `json:"type"`
	AuctionID string `json:"auctionId"`
	ImpID     string `json:"impId,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

// HandleWin matches notice with its auction and tells the winning agent. A notice matches at
// most once.
func (r *Router) HandleWin(notice *WinNotice) error {
	key := inFlightKey(notice.AuctionID, notice.ImpID)
	value, ok := r.inFlight.Get(key)
	if !ok {
		r.stats.Inc("unmatchedWin")
		return fmt.Errorf("no auction %s awaiting a win for impression %s", notice.AuctionID, notice.ImpID)
	}
	r.inFlight.Delete(key)
	bid := value.(*adapters.Bid)

	winPrice := notice.WinPrice
	if winPrice <= 0 {
		winPrice = bid.Price
	}
	r.stats.Inc("win")
	r.deliverWin(bid.Agent, &adapters.WinNotification{
		AuctionID: bid.AuctionID,
		ImpID:     bid.ImpID,
		Agent:     bid.Agent,
		WinPrice:  winPrice,
		BidPrice:  bid.Price,
	})
	return nil
}

func (r *Router) HandleEvent(event *CampaignEvent) error {
	if event.Type == "" {
		return fmt.Errorf("campaign event has no type")
	}
	r.stats.Inc("campaignEvent." + event.Type)
	return nil
}

// InFlight is the number of auctions awaiting a win notice.
func (r *Router) InFlight() int {
	return r.inFlight.ItemCount()
}

func inFlightKey(auctionID, impID string) string {
	return auctionID + "/" + impID
}

func (r *Router) deliverWin(agent string, win *adapters.WinNotification) {
	r.submit(agent, func(ctx context.Context) { r.bidder.DeliverWin(ctx, agent, win) })
}

func (r *Router) deliverLoss(agent string, loss *adapters.LossEvent) {
	r.submit(agent, func(ctx context.Context) { r.bidder.DeliverLoss(ctx, agent, loss) })
}

func (r *Router) deliverError(agent string, event *adapters.ErrorEvent) {
	r.submit(agent, func(ctx context.Context) { r.bidder.DeliverError(ctx, agent, event) })
}

// deliveryTimeout bounds a delivery on top of the bidder interface's own timeouts.
const deliveryTimeout = 5 * time.Second

func (r *Router) submit(agent string, deliver func(ctx context.Context)) {
	ok := r.lanes.Submit(agent, func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		deliver(ctx)
	})
	if !ok {
		r.stats.Inc("deliveryDropped")
	}
}
