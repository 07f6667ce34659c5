package exchange

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
	"github.com/coriger/rtbkit/server"
	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth/limiter"
	"github.com/gofrs/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/mxmCherry/openrtb"
)

// Auctioneer runs auctions. The router is the one used in production.
type Auctioneer interface {
	Auction(ctx context.Context, request *adapters.BidRequest) []*adapters.Bid
}

// Connector accepts OpenRTB bid requests from an exchange and answers with the auction winners.
type Connector struct {
	cfg        config.ExchangeConfig
	auctioneer Auctioneer
	stats      metrics.Scope
	limiter    *limiter.Limiter
	server     *server.Server
}

// NewConnector returns a connector of the configured type. Counters go to events under
// "exchange.{type}".
func NewConnector(cfg config.ExchangeConfig, auctioneer Auctioneer, events *metrics.StatsTable) *Connector {
	c := &Connector{
		cfg:        cfg,
		auctioneer: auctioneer,
		stats:      events.Scope("exchange." + string(cfg.ExchangeType)),
	}
	if cfg.MaxQPS > 0 {
		c.limiter = tollbooth.NewLimiter(cfg.MaxQPS, nil)
		c.limiter.SetOnLimitReached(func(w http.ResponseWriter, r *http.Request) {
			c.stats.Inc("rateLimited")
		})
	}
	return c
}

func (c *Connector) Type() config.ExchangeType {
	return c.cfg.ExchangeType
}

// Start binds the listener and starts serving.
func (c *Connector) Start(ctx context.Context) error {
	mux := httprouter.New()
	mux.POST(c.cfg.ResourcePath(), c.handleAuction)

	var handler http.Handler = mux
	if c.limiter != nil {
		handler = tollbooth.LimitHandler(c.limiter, mux)
	}

	address := net.JoinHostPort(c.cfg.ListenHost(), strconv.Itoa(c.cfg.Port))
	s, err := server.Bind("exchange."+string(c.cfg.ExchangeType), address, handler, server.Options{EnableGzip: c.cfg.EnableGzip})
	if err != nil {
		return err
	}
	c.server = s
	s.Serve()
	return nil
}

// Addr is the bound host:port, empty before Start.
func (c *Connector) Addr() string {
	if c.server == nil {
		return ""
	}
	return c.server.Addr()
}

func (c *Connector) Resource() string {
	return c.cfg.ResourcePath()
}

func (c *Connector) Shutdown(ctx context.Context) {
	if c.server != nil {
		c.server.Shutdown(ctx)
	}
}

func (c *Connector) handleAuction(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c.stats.Inc("requests")
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		c.badRequest(w, "could not read request body: "+err.Error())
		return
	}

	var ortbRequest openrtb.BidRequest
	if err := json.Unmarshal(body, &ortbRequest); err != nil {
		c.badRequest(w, "invalid request: "+err.Error())
		return
	}
	if ortbRequest.ID == "" {
		c.badRequest(w, "request.id is required")
		return
	}
	if len(ortbRequest.Imp) == 0 {
		c.badRequest(w, "request.imp must contain at least one element")
		return
	}

	request := &adapters.BidRequest{
		AuctionID: ortbRequest.ID,
		Exchange:  string(c.cfg.ExchangeType),
		Imps:      ortbRequest.Imp,
		TMax:      time.Duration(ortbRequest.TMax) * time.Millisecond,
		External:  &ortbRequest,
	}
	winners := c.auctioneer.Auction(r.Context(), request)
	if len(winners) == 0 {
		c.stats.Inc("noBid")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	response, err := c.makeResponse(&ortbRequest, winners)
	if err != nil {
		logger.Errorf("%s: failed to build the response for auction %s: %v", c.cfg.ExchangeType, ortbRequest.ID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(response)
	if err != nil {
		logger.Errorf("%s: failed to marshal the response for auction %s: %v", c.cfg.ExchangeType, ortbRequest.ID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	c.stats.Inc("bids")
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

type bidExt struct {
	ExternalID int64 `json:"external-id"`
}

func (c *Connector) makeResponse(request *openrtb.BidRequest, winners []*adapters.Bid) (*openrtb.BidResponse, error) {
	var ext json.RawMessage
	if c.cfg.ExchangeType == config.ExchangeRTBKit {
		if id, ok := firstExternalID(request.Ext); ok {
			data, err := json.Marshal(bidExt{ExternalID: id})
			if err != nil {
				return nil, err
			}
			ext = data
		}
	}

	seats := make(map[string]int)
	response := &openrtb.BidResponse{ID: request.ID, Cur: adapters.DefaultCurrency.String()}
	for _, winner := range winners {
		bidID, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		bid := openrtb.Bid{
			ID:    bidID.String(),
			ImpID: winner.ImpID,
			Price: winner.Price,
			CrID:  strconv.FormatInt(winner.CreativeID, 10),
			Ext:   winner.Ext,
		}
		if ext != nil {
			bid.Ext = ext
		}
		i, ok := seats[winner.Agent]
		if !ok {
			i = len(response.SeatBid)
			seats[winner.Agent] = i
			response.SeatBid = append(response.SeatBid, openrtb.SeatBid{Seat: winner.Agent})
		}
		response.SeatBid[i].Bid = append(response.SeatBid[i].Bid, bid)
	}
	return response, nil
}

// firstExternalID reads the first entry of ext["external-ids"].
func firstExternalID(ext []byte) (int64, bool) {
	var id int64
	found := false
	_, err := jsonparser.ArrayEach(ext, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		if found || dataType != jsonparser.Number {
			return
		}
		if parsed, parseErr := strconv.ParseInt(string(value), 10, 64); parseErr == nil {
			id, found = parsed, true
		}
	}, "external-ids")
	return id, err == nil && found
}

func (c *Connector) badRequest(w http.ResponseWriter, message string) {
	c.stats.Inc("badRequest")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(message + "\n"))
}
