package adapters

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coriger/rtbkit/config"
	"github.com/mxmCherry/openrtb"
	"golang.org/x/text/currency"
)

// BidderInterface carries auction traffic between a router and its bidding agents.
//
// Implementations are either leaves (agents in this process, or a remote router reached over
// HTTP) or a composition of named leaves. An agent is owned by at most one leaf at a time.
type BidderInterface interface {
	Name() string

	// Start makes the interface ready to carry traffic. It returns once ready, or with the
	// reason it never will be.
	Start(ctx context.Context) error
	Shutdown()

	// RegisterAgent makes this interface the owner of agent. Calling it again with an
	// unchanged binding is a no-op.
	RegisterAgent(agent string, cfg *config.AgentConfig) error
	RemoveAgent(agent string)

	// SubmitBidRequest asks the given agents to bid and waits for them, or for ctx to expire.
	//
	// Bids and errors may both be non-empty: errors describe agents or transports whose bids
	// are missing from the result. None of them are fatal to the auction.
	SubmitBidRequest(ctx context.Context, agents []string, request *BidRequest) ([]*Bid, []error)

	// Deliver* forward auction outcomes to the agent that bid. They never block on the agent
	// and never fail: a delivery that cannot be made is counted and dropped.
	DeliverWin(ctx context.Context, agent string, win *WinNotification)
	DeliverLoss(ctx context.Context, agent string, loss *LossEvent)
	DeliverError(ctx context.Context, agent string, event *ErrorEvent)

	// Stats is a point-in-time copy of this interface's counters.
	Stats() map[string]int64
}

// BidRequest is one auction as seen by the bidders.
type BidRequest struct {
	AuctionID string
	// Exchange names the connector the request arrived on.
	Exchange string
	Imps     []openrtb.Imp
	TMax     time.Duration
	// External is the request as received from the exchange, nil when the auction was not
	// started by an OpenRTB request.
	External *openrtb.BidRequest
}

// Imp returns the impression with the given id.
func (r *BidRequest) Imp(id string) (*openrtb.Imp, bool) {
	for i := range r.Imps {
		if r.Imps[i].ID == id {
			return &r.Imps[i], true
		}
	}
	return nil, false
}

// Bid is an agent's offer for one impression. Price is a CPM in Currency; a zero Currency is
// the default currency.
type Bid struct {
	AuctionID  string
	ImpID      string
	Agent      string
	Price      float64
	Currency   currency.Unit
	CreativeID int64
	Ext        json.RawMessage
}

// PriceCurrency is the currency Price is given in.
func (b *Bid) PriceCurrency() currency.Unit {
	if b.Currency == (currency.Unit{}) {
		return DefaultCurrency
	}
	return b.Currency
}

// WinNotification tells an agent its bid won. WinPrice is the clearing price.
type WinNotification struct {
	AuctionID string
	ImpID     string
	Agent     string
	WinPrice  float64
	BidPrice  float64
}

// LossEvent tells an agent another bid took the impression.
type LossEvent struct {
	AuctionID string
	ImpID     string
	Agent     string
	BidPrice  float64
	WinPrice  float64
}

// ErrorEvent tells an agent its response could not be used.
type ErrorEvent struct {
	AuctionID string
	Agent     string
	Message   string
}

// DefaultCurrency is assumed for bids which don't name one.
var DefaultCurrency = currency.USD

// ParseCurrency reads an ISO 4217 code. The empty string is the default currency.
func ParseCurrency(code string) (currency.Unit, error) {
	if code == "" {
		return DefaultCurrency, nil
	}
	return currency.ParseISO(code)
}
