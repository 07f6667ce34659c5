// Package mockexchange drives traffic at a ready stack the way an ad exchange would: it sends
// bid requests to every worker and confirms each returned bid with a win notice.
package mockexchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
	"github.com/coriger/rtbkit/router"
	"github.com/coriger/rtbkit/stack"
	"github.com/gofrs/uuid"
	"github.com/mxmCherry/openrtb"
)

// DefaultTMax is the tmax of every bid request unless set otherwise.
const DefaultTMax = 250 * time.Millisecond

// Exchange sends bid requests for a single 300x250 banner. Counters go to events under
// "mockexchange".
type Exchange struct {
	client *http.Client
	stats  metrics.Scope
	TMax   time.Duration
}

func New(events *metrics.StatsTable) *Exchange {
	return &Exchange{
		client: &http.Client{Timeout: 5 * time.Second},
		stats:  events.Scope("mockexchange"),
		TMax:   DefaultTMax,
	}
}

// Start sends snapshot.BidRequests requests to each worker in turn and returns when they are
// all answered. Failed calls are counted, not returned; only a cancelled ctx is an error.
func (e *Exchange) Start(ctx context.Context, snapshot stack.Snapshot) error {
	for _, worker := range snapshot.Workers {
		for i := 0; i < snapshot.BidRequests; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.auction(ctx, worker)
		}
	}
	return nil
}

func (e *Exchange) auction(ctx context.Context, worker stack.Worker) {
	id, err := uuid.NewV4()
	if err != nil {
		e.stats.Inc("errors")
		return
	}
	request := openrtb.BidRequest{
		ID:   id.String(),
		TMax: e.TMax.Milliseconds(),
		Imp: []openrtb.Imp{{
			ID:     "1",
			Banner: &openrtb.Banner{Format: []openrtb.Format{{W: 300, H: 250}}},
		}},
	}
	body, err := json.Marshal(request)
	if err != nil {
		e.stats.Inc("errors")
		return
	}

	e.stats.Inc("requests")
	resp, err := adapters.DoRequest(ctx, e.client, &adapters.RequestData{
		Method:  http.MethodPost,
		Uri:     "http://" + worker.Bids.URL + resource(worker.Bids.Resource),
		Body:    body,
		Headers: adapters.JSONHeaders(),
	})
	if err != nil {
		logger.Warnf("mock exchange: bid request %s failed: %v", request.ID, err)
		e.stats.Inc("errors")
		return
	}
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		e.stats.Inc("noBid")
		return
	}

	var response openrtb.BidResponse
	if err := json.Unmarshal(resp.Body, &response); err != nil {
		logger.Warnf("mock exchange: bad response to %s: %v", request.ID, err)
		e.stats.Inc("errors")
		return
	}
	for _, seat := range response.SeatBid {
		for _, bid := range seat.Bid {
			e.stats.Inc("bids")
			e.win(ctx, worker, &router.WinNotice{AuctionID: request.ID, ImpID: bid.ImpID, WinPrice: bid.Price})
		}
	}
}

func (e *Exchange) win(ctx context.Context, worker stack.Worker, notice *router.WinNotice) {
	body, err := json.Marshal(notice)
	if err != nil {
		e.stats.Inc("errors")
		return
	}
	_, err = adapters.DoRequest(ctx, e.client, &adapters.RequestData{
		Method:  http.MethodPost,
		Uri:     "http://" + worker.Wins.URL + resource(worker.Wins.Resource),
		Body:    body,
		Headers: adapters.JSONHeaders(),
	})
	if err != nil {
		logger.Warnf("mock exchange: win for %s/%s failed: %v", notice.AuctionID, notice.ImpID, err)
		e.stats.Inc("winErrors")
		return
	}
	e.stats.Inc("wins")
}

func resource(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
