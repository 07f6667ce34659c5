package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
	"github.com/mxmCherry/openrtb"
)

// ExternalIDsKey lists, in request.ext, the external ids of the agents a request is meant for.
// ExternalIDKey tags each bid of the response, in bid.ext, with the agent that made it.
const (
	ExternalIDsKey = "external-ids"
	ExternalIDKey  = "external-id"
)

// Bidder forwards traffic to a router in another process over HTTP. Bid requests are OpenRTB
// requests posted to the router endpoint. Wins go to the ad server's win port, losses and
// errors to its event port.
type Bidder struct {
	name   string
	cfg    config.BidderInterfaceConfig
	client *http.Client
	table  *metrics.StatsTable
	stats  metrics.Scope

	owned sync.Map
}

// New returns an http interface named name. Its counters go to table under the name prefix.
func New(name string, cfg config.BidderInterfaceConfig, client *http.Client, table *metrics.StatsTable) *Bidder {
	if client == nil {
		client = NewClient(cfg.Timeout())
	}
	return &Bidder{
		name:   name,
		cfg:    cfg,
		client: client,
		table:  table,
		stats:  table.Scope(name),
	}
}

// NewClient returns a client suited to many short calls to a handful of hosts.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     60 * time.Second,
		},
		Timeout: 10 * timeout,
	}
}

func (b *Bidder) Name() string {
	return b.name
}

// Start checks the endpoints. No connection is made until the first call.
func (b *Bidder) Start(ctx context.Context) error {
	return b.cfg.Validate()
}

func (b *Bidder) Shutdown() {
	if transport, ok := b.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func (b *Bidder) RegisterAgent(agent string, cfg *config.AgentConfig) error {
	b.owned.Store(agent, cfg)
	return nil
}

func (b *Bidder) RemoveAgent(agent string) {
	b.owned.Delete(agent)
}

type requestExt struct {
	ExternalIDs []int64 `json:"external-ids"`
}

// SubmitBidRequest sends one request on behalf of every selected agent and attributes the
// returned bids through their external id. A bid without a known external id is credited to
// the first selected agent.
func (b *Bidder) SubmitBidRequest(ctx context.Context, agentNames []string, request *adapters.BidRequest) ([]*adapters.Bid, []error) {
	var errs []error
	selected := make([]string, 0, len(agentNames))
	byExternalID := make(map[int64]string, len(agentNames))
	externalIDs := make([]int64, 0, len(agentNames))

	for _, name := range agentNames {
		cfg, ok := b.agentConfig(name)
		if !ok {
			b.stats.Inc("unknownAgent")
			errs = append(errs, &errortypes.UnknownAgent{Agent: name})
			continue
		}
		selected = append(selected, name)
		if _, dup := byExternalID[cfg.ExternalID]; !dup {
			byExternalID[cfg.ExternalID] = name
			externalIDs = append(externalIDs, cfg.ExternalID)
		}
	}
	if len(selected) == 0 {
		return nil, errs
	}

	reqData, err := b.makeRequest(request, externalIDs)
	if err != nil {
		b.stats.Inc("bidsSentFailed")
		return nil, append(errs, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout())
	defer cancel()
	resp, err := adapters.DoRequest(callCtx, b.client, reqData)
	if err != nil {
		b.stats.Inc("bidsSentFailed")
		return nil, append(errs, err)
	}
	b.stats.Inc("bidsSent")

	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return nil, errs
	}

	bids, parseErrs := b.makeBids(request, resp.Body, selected, byExternalID)
	b.table.Add(b.name+".bidsReceived", int64(len(bids)))
	return bids, append(errs, parseErrs...)
}

func (b *Bidder) makeRequest(request *adapters.BidRequest, externalIDs []int64) (*adapters.RequestData, error) {
	var ortbRequest openrtb.BidRequest
	if request.External != nil {
		ortbRequest = *request.External
	}
	ortbRequest.ID = request.AuctionID
	ortbRequest.Imp = request.Imps
	if request.TMax > 0 {
		ortbRequest.TMax = int64(request.TMax / time.Millisecond)
	}

	ext, err := json.Marshal(requestExt{ExternalIDs: externalIDs})
	if err != nil {
		return nil, &errortypes.FailedToRequestBids{Message: err.Error()}
	}
	ortbRequest.Ext = ext

	body, err := json.Marshal(&ortbRequest)
	if err != nil {
		return nil, &errortypes.FailedToRequestBids{Message: err.Error()}
	}
	return &adapters.RequestData{
		Method:  "POST",
		Uri:     b.cfg.RouterURL(),
		Body:    body,
		Headers: adapters.JSONHeaders(),
	}, nil
}

func (b *Bidder) makeBids(request *adapters.BidRequest, body []byte, selected []string, byExternalID map[int64]string) ([]*adapters.Bid, []error) {
	var response openrtb.BidResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, []error{&errortypes.BadServerResponse{Message: fmt.Sprintf("%s: %v", b.name, err)}}
	}

	cur, err := adapters.ParseCurrency(response.Cur)
	if err != nil {
		return nil, []error{&errortypes.BadServerResponse{Message: fmt.Sprintf("%s: unknown currency %q", b.name, response.Cur)}}
	}

	var bids []*adapters.Bid
	var errs []error
	for _, seatBid := range response.SeatBid {
		for i := range seatBid.Bid {
			ortbBid := &seatBid.Bid[i]
			agent := selected[0]
			if id, err := jsonparser.GetInt(ortbBid.Ext, ExternalIDKey); err == nil {
				if owner, ok := byExternalID[id]; ok {
					agent = owner
				}
			}
			creativeID := b.creativeFor(agent, request, ortbBid)
			bids = append(bids, &adapters.Bid{
				AuctionID:  request.AuctionID,
				ImpID:      ortbBid.ImpID,
				Agent:      agent,
				Price:      ortbBid.Price,
				Currency:   cur,
				CreativeID: creativeID,
				Ext:        ortbBid.Ext,
			})
		}
	}
	return bids, errs
}

// creativeFor maps the creative of a remote bid onto one of the agent's own creatives: the one
// with the same id if there is one, else the first that fits the impression.
func (b *Bidder) creativeFor(agent string, request *adapters.BidRequest, ortbBid *openrtb.Bid) int64 {
	creativeID, err := strconv.ParseInt(ortbBid.CrID, 10, 64)
	cfg, ok := b.agentConfig(agent)
	if !ok {
		return creativeID
	}
	if err == nil {
		if _, ok := cfg.Creative(creativeID); ok {
			return creativeID
		}
	}
	if imp, ok := request.Imp(ortbBid.ImpID); ok && imp.Banner != nil {
		for _, format := range imp.Banner.Format {
			if creative, ok := cfg.CreativeFor(format.W, format.H); ok {
				return creative.ID
			}
		}
	}
	logger.Debugf("%s: bid %s for auction %s has no matching creative for %q", b.name, ortbBid.ID, request.AuctionID, ortbBid.CrID)
	return creativeID
}

// Notification is the body posted to the ad server.
type Notification struct {
	Type       string  `json:"type"`
	AuctionID  string  `json:"auctionId"`
	ImpID      string  `json:"impId,omitempty"`
	Agent      string  `json:"agent"`
	ExternalID int64   `json:"externalId"`
	WinPrice   float64 `json:"winPrice,omitempty"`
	BidPrice   float64 `json:"bidPrice,omitempty"`
	Message    string  `json:"message,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

const (
	NotificationWin   = "WIN"
	NotificationLoss  = "LOSS"
	NotificationError = "ERROR"
)

func (b *Bidder) DeliverWin(ctx context.Context, agent string, win *adapters.WinNotification) {
	b.notify(ctx, agent, "winsSent", b.cfg.WinURL(), Notification{
		Type:      NotificationWin,
		AuctionID: win.AuctionID,
		ImpID:     win.ImpID,
		WinPrice:  win.WinPrice,
		BidPrice:  win.BidPrice,
	})
}

func (b *Bidder) DeliverLoss(ctx context.Context, agent string, loss *adapters.LossEvent) {
	b.notify(ctx, agent, "lossesSent", b.cfg.EventURL(), Notification{
		Type:      NotificationLoss,
		AuctionID: loss.AuctionID,
		ImpID:     loss.ImpID,
		WinPrice:  loss.WinPrice,
		BidPrice:  loss.BidPrice,
	})
}

func (b *Bidder) DeliverError(ctx context.Context, agent string, event *adapters.ErrorEvent) {
	b.notify(ctx, agent, "errorsSent", b.cfg.EventURL(), Notification{
		Type:      NotificationError,
		AuctionID: event.AuctionID,
		Message:   event.Message,
	})
}

func (b *Bidder) notify(ctx context.Context, agent, counter, uri string, notification Notification) {
	cfg, ok := b.agentConfig(agent)
	if !ok {
		b.stats.Inc("unknownAgent")
		b.stats.Inc(counter + "Failed")
		return
	}
	notification.Agent = agent
	notification.ExternalID = cfg.ExternalID
	notification.Timestamp = time.Now().UnixNano() / int64(time.Millisecond)

	body, err := json.Marshal(&notification)
	if err != nil {
		b.stats.Inc(counter + "Failed")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout())
	defer cancel()
	_, err = adapters.DoRequest(callCtx, b.client, &adapters.RequestData{
		Method:  "POST",
		Uri:     uri,
		Body:    body,
		Headers: adapters.JSONHeaders(),
	})
	if err != nil {
		logger.Debugf("%s: %s for agent %s failed: %v", b.name, notification.Type, agent, err)
		b.stats.Inc(counter + "Failed")
		return
	}
	b.stats.Inc(counter)
}

func (b *Bidder) agentConfig(agent string) (*config.AgentConfig, bool) {
	cfg, ok := b.owned.Load(agent)
	if !ok {
		return nil, false
	}
	return cfg.(*config.AgentConfig), true
}

func (b *Bidder) Stats() map[string]int64 {
	return b.stats.Get()
}
