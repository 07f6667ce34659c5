package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
	"github.com/mxmCherry/openrtb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	textcurrency "golang.org/x/text/currency"
)

type fakeBidder struct {
	mu         sync.Mutex
	bids       []*adapters.Bid
	errs       []error
	registered map[string]*config.AgentConfig
	submitted  [][]string
	events     []string
}

func newFakeBidder(bids ...*adapters.Bid) *fakeBidder {
	return &fakeBidder{bids: bids, registered: make(map[string]*config.AgentConfig)}
}

func (f *fakeBidder) Name() string                    { return "fake" }
func (f *fakeBidder) Start(ctx context.Context) error { return nil }
func (f *fakeBidder) Shutdown()                       {}
func (f *fakeBidder) Stats() map[string]int64         { return nil }

func (f *fakeBidder) RegisterAgent(agent string, cfg *config.AgentConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.BidderInterface == "missing" {
		return &errortypes.Configuration{Message: "unknown bidder interface"}
	}
	f.registered[agent] = cfg
	return nil
}

func (f *fakeBidder) RemoveAgent(agent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, agent)
}

func (f *fakeBidder) SubmitBidRequest(ctx context.Context, agents []string, request *adapters.BidRequest) ([]*adapters.Bid, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, agents)
	out := make([]*adapters.Bid, 0, len(f.bids))
	for _, bid := range f.bids {
		copied := *bid
		copied.AuctionID = request.AuctionID
		out = append(out, &copied)
	}
	return out, f.errs
}

func (f *fakeBidder) DeliverWin(ctx context.Context, agent string, win *adapters.WinNotification) {
	f.record("win:" + agent)
}

func (f *fakeBidder) DeliverLoss(ctx context.Context, agent string, loss *adapters.LossEvent) {
	f.record("loss:" + agent)
}

func (f *fakeBidder) DeliverError(ctx context.Context, agent string, event *adapters.ErrorEvent) {
	f.record("error:" + agent)
}

func (f *fakeBidder) record(event string) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeBidder) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeBidder) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.submitted...)
}

func agentConfig(creatives ...config.Creative) *config.AgentConfig {
	if len(creatives) == 0 {
		creatives = []config.Creative{{ID: 1, Width: 300, Height: 250}}
	}
	return &config.AgentConfig{
		Account:        config.MustAccountKey("campaign", "strategy"),
		BidProbability: 1,
		Creatives:      creatives,
	}
}

func newRequest() *adapters.BidRequest {
	return &adapters.BidRequest{
		AuctionID: "auction-1",
		Imps: []openrtb.Imp{{
			ID:     "imp-1",
			Banner: &openrtb.Banner{Format: []openrtb.Format{{W: 300, H: 250}}},
		}},
	}
}

func newRouter(t *testing.T, bidder *fakeBidder, agents ...string) (*Router, *metrics.StatsTable) {
	events := metrics.NewStatsTable()
	r := New(config.NewRouterConfig(config.ExchangeOpenRTB), bidder, events)
	for _, agent := range agents {
		require.NoError(t, r.SetAgentConfig(agent, agentConfig()))
	}
	return r, events
}

func bid(agent string, price float64) *adapters.Bid {
	return &adapters.Bid{ImpID: "imp-1", Agent: agent, Price: price, CreativeID: 1}
}

func TestAuctionPicksHighestBid(t *testing.T) {
	bidder := newFakeBidder(bid("a", 10), bid("b", 12))
	r, events := newRouter(t, bidder, "a", "b")

	winners := r.Auction(context.Background(), newRequest())
	require.Len(t, winners, 1)
	assert.Equal(t, "b", winners[0].Agent)
	assert.Equal(t, 1, r.InFlight())

	require.NoError(t, r.HandleWin(&WinNotice{AuctionID: "auction-1", ImpID: "imp-1", WinPrice: 11}))
	assert.Error(t, r.HandleWin(&WinNotice{AuctionID: "auction-1", ImpID: "imp-1"}))
	assert.Equal(t, 0, r.InFlight())

	r.Shutdown(context.Background())
	assert.ElementsMatch(t, []string{"loss:a", "win:b"}, bidder.delivered())

	assert.Equal(t, [][]string{{"a", "b"}}, bidder.calls())
	stats := events.Get()
	assert.Equal(t, int64(1), stats["router.bid"])
	assert.Equal(t, int64(1), stats["router.auctionWin"])
	assert.Equal(t, int64(1), stats["router.loss"])
	assert.Equal(t, int64(1), stats["router.win"])
	assert.Equal(t, int64(1), stats["router.unmatchedWin"])
	assert.Equal(t, int64(0), stats["router.noBid"])
}

func TestAuctionTieGoesToFirstArrival(t *testing.T) {
	bidder := newFakeBidder(bid("b", 10), bid("a", 10))
	r, _ := newRouter(t, bidder, "a", "b")

	winners := r.Auction(context.Background(), newRequest())
	require.Len(t, winners, 1)
	assert.Equal(t, "b", winners[0].Agent)
	r.Shutdown(context.Background())
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	debugs []string
}

func (l *recordingLogger) Debugf(msg string, args ...any) {
	l.mu.Lock()
	l.debugs = append(l.debugs, fmt.Sprintf(msg, args...))
	l.mu.Unlock()
}

func (l *recordingLogger) Infof(msg string, args ...any) {}
func (l *recordingLogger) Warnf(msg string, args ...any) {}

func (l *recordingLogger) Errorf(msg string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, fmt.Sprintf(msg, args...))
	l.mu.Unlock()
}

func (l *recordingLogger) Fatalf(msg string, args ...any) {}

func TestAuctionCountsFatalBidderErrors(t *testing.T) {
	rec := &recordingLogger{}
	prev := logger.SetLogger(rec)
	defer logger.SetLogger(prev)

	bidder := newFakeBidder(bid("a", 10))
	bidder.errs = []error{
		&errortypes.Timeout{Message: "iface.http did not answer"},
		&errortypes.FailedToUnmarshal{Message: "bad response"},
		&errortypes.UnknownAgent{Agent: "ghost"},
	}
	r, events := newRouter(t, bidder, "a")

	winners := r.Auction(context.Background(), newRequest())
	r.Shutdown(context.Background())

	require.Len(t, winners, 1)
	assert.Equal(t, int64(1), events.Count("router.bidderError"))
	assert.Equal(t, int64(1), events.Count("router.auctionWin"))
	assert.Equal(t, []string{"router: auction auction-1: bad response"}, rec.errors)
	assert.Len(t, rec.debugs, 2)
}

func TestAuctionRejectsInvalidBids(t *testing.T) {
	unknownImp := bid("a", 5)
	unknownImp.ImpID = "imp-9"
	unknownCreative := bid("a", 5)
	unknownCreative.CreativeID = 42

	bidder := newFakeBidder(unknownImp, bid("a", 0), unknownCreative, bid("stranger", 100))
	r, events := newRouter(t, bidder, "a")

	assert.Empty(t, r.Auction(context.Background(), newRequest()))
	r.Shutdown(context.Background())

	assert.Equal(t, int64(4), events.Count("router.invalidBid"))
	assert.Equal(t, int64(1), events.Count("router.noBid"))
	assert.ElementsMatch(t, []string{"error:a", "error:a", "error:a", "error:stranger"}, bidder.delivered())
}

func TestAuctionWithoutEligibleAgents(t *testing.T) {
	bidder := newFakeBidder(bid("a", 10))
	r, events := newRouter(t, bidder)
	require.NoError(t, r.SetAgentConfig("leaderboard", agentConfig(config.Creative{ID: 3, Width: 728, Height: 90})))

	assert.Empty(t, r.Auction(context.Background(), newRequest()))
	assert.Empty(t, bidder.calls())
	assert.Equal(t, int64(1), events.Count("router.bid"))
	assert.Equal(t, int64(1), events.Count("router.noBid"))

	assert.True(t, r.Filters().Remove(CreativeFormatFilterName))
	assert.False(t, r.Filters().Remove(CreativeFormatFilterName))
	assert.Equal(t, []string{AccountFilterName}, r.Filters().Names())

	r.Auction(context.Background(), newRequest())
	assert.Equal(t, [][]string{{"leaderboard"}}, bidder.calls())
	r.Shutdown(context.Background())
}

func TestAuctionAssignsIDAndDeadline(t *testing.T) {
	bidder := newFakeBidder()
	r, _ := newRouter(t, bidder, "a")

	request := newRequest()
	request.AuctionID = ""
	r.Auction(context.Background(), request)
	assert.NotEmpty(t, request.AuctionID)
	assert.Equal(t, config.DefaultAuctionTimeout, request.TMax)
	r.Shutdown(context.Background())
}

func TestPostConfigMergesPatches(t *testing.T) {
	bidder := newFakeBidder()
	r, _ := newRouter(t, bidder)

	require.NoError(t, r.PostConfig("sample_http_config", []byte(`{
		"account": ["dummy_account"],
		"bidProbability": 1,
		"creatives": [ { "width": 300, "height": 250, "id": 1 } ],
		"externalId": 1,
		"bidderInterface": "iface.http"
	}`)))
	require.NoError(t, r.PostConfig("sample_http_config", []byte(`{"bidProbability": 0.5}`)))

	cfg, ok := r.AgentConfig("sample_http_config")
	require.True(t, ok)
	assert.Equal(t, 0.5, cfg.BidProbability)
	assert.Equal(t, "iface.http", cfg.BidderInterface)
	assert.Len(t, cfg.Creatives, 1)
	assert.Equal(t, cfg, bidder.registered["sample_http_config"])

	err := r.PostConfig("sample_http_config", []byte(`{"bidProbability": 3}`))
	assert.IsType(t, &errortypes.Configuration{}, err)

	err = r.PostConfig("other", []byte(`{"account": ["a"], "bidProbability": 1,
		"creatives": [{"width": 1, "height": 1, "id": 1}], "bidderInterface": "missing"}`))
	assert.Error(t, err)
	_, ok = r.AgentConfig("other")
	assert.False(t, ok)

	assert.True(t, r.RemoveConfig("sample_http_config"))
	assert.False(t, r.RemoveConfig("sample_http_config"))
	assert.Empty(t, bidder.registered)
}

func TestHTTPEndpoints(t *testing.T) {
	bidder := newFakeBidder(bid("a", 10))
	r, events := newRouter(t, bidder, "a")
	require.NoError(t, r.Start(context.Background()))
	defer r.Shutdown(context.Background())

	require.Len(t, r.Auction(context.Background(), newRequest()), 1)

	post := func(addr, path, body string) int {
		resp, err := http.Post("http://"+addr+path, "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, post(r.WinAddr(), "/", `{"auctionId":"auction-1","impId":"imp-1","winPrice":9}`))
	assert.Equal(t, http.StatusNotFound, post(r.WinAddr(), "/", `{"auctionId":"auction-1","impId":"imp-1"}`))
	assert.Equal(t, http.StatusBadRequest, post(r.WinAddr(), "/", `not json`))

	assert.Equal(t, http.StatusNoContent, post(r.EventAddr(), "/", `{"type":"CLICK","auctionId":"auction-1"}`))
	assert.Equal(t, http.StatusBadRequest, post(r.EventAddr(), "/", `{"auctionId":"auction-1"}`))
	assert.Equal(t, int64(1), events.Count("router.campaignEvent.CLICK"))

	assert.Equal(t, http.StatusOK, post(r.WinAddr(), "/v1/agents/b/config",
		`{"account":["b"],"bidProbability":1,"creatives":[{"width":300,"height":250,"id":1}]}`))
	assert.Equal(t, http.StatusBadRequest, post(r.WinAddr(), "/v1/agents/c/config", `{"account":["c"]}`))

	resp, err := http.Get("http://" + r.WinAddr() + "/v1/agents")
	require.NoError(t, err)
	var listed map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	assert.Len(t, listed, 2)

	req, _ := http.NewRequest("DELETE", "http://"+r.WinAddr()+"/v1/agents/b/config", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Eventually(t, func() bool {
		for _, event := range bidder.delivered() {
			if event == "win:a" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestAuctionConvertsBidCurrency(t *testing.T) {
	eur := bid("b", 6)
	eur.Currency = textcurrency.EUR
	jpy := bid("c", 1000)
	jpy.Currency = textcurrency.JPY
	bidder := newFakeBidder(bid("a", 10), eur, jpy)

	cfg := config.NewRouterConfig(config.ExchangeOpenRTB)
	cfg.CurrencyRates = map[string]map[string]float64{"USD": {"EUR": 0.5}}
	events := metrics.NewStatsTable()
	r := New(cfg, bidder, events)
	for _, agent := range []string{"a", "b", "c"} {
		require.NoError(t, r.SetAgentConfig(agent, agentConfig()))
	}

	winners := r.Auction(context.Background(), newRequest())
	require.Len(t, winners, 1)
	assert.Equal(t, "b", winners[0].Agent)
	assert.InDelta(t, 12, winners[0].Price, 1e-9)
	assert.Equal(t, adapters.DefaultCurrency, winners[0].Currency)
	assert.Equal(t, int64(1), events.Count("router.invalidBid"))

	r.Shutdown(context.Background())
	assert.ElementsMatch(t, []string{"loss:a", "error:c"}, bidder.delivered())
}
