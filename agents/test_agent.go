package agents

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/config"
	"github.com/mxmCherry/openrtb"
)

// DefaultCreatives are the formats a TestAgent can serve unless configured otherwise.
var DefaultCreatives = []config.Creative{
	{ID: 0, Width: 728, Height: 90},
	{ID: 1, Width: 160, Height: 600},
	{ID: 2, Width: 300, Height: 250},
}

// DefaultTestAgentConfig bids on every request with the default creatives.
func DefaultTestAgentConfig(account config.AccountKey) config.AgentConfig {
	creatives := make([]config.Creative, len(DefaultCreatives))
	copy(creatives, DefaultCreatives)
	return config.AgentConfig{
		Account:        account,
		BidProbability: 1,
		Creatives:      creatives,
	}
}

// TestAgent bids a fixed CPM on every impression it has a creative for. A CPM of zero never bids.
type TestAgent struct {
	name string
	cpm  float64
	cfg  atomic.Pointer[config.AgentConfig]

	randMu sync.Mutex
	rand   *rand.Rand

	bidRequests int64
	bids        int64
	noBids      int64
	wins        int64
	losses      int64
	errors      int64
}

func NewTestAgent(name string, cpm float64, cfg config.AgentConfig) *TestAgent {
	a := &TestAgent{
		name: name,
		cpm:  cpm,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	a.cfg.Store(&cfg)
	return a
}

func (a *TestAgent) Name() string {
	return a.name
}

func (a *TestAgent) Config() *config.AgentConfig {
	return a.cfg.Load()
}

// SetConfig replaces the config the agent bids with. The router calls it whenever it applies a
// new config for the agent.
func (a *TestAgent) SetConfig(cfg *config.AgentConfig) {
	a.cfg.Store(cfg)
}

func (a *TestAgent) CPM() float64 {
	return a.cpm
}

func (a *TestAgent) Bid(ctx context.Context, request *adapters.BidRequest) []*adapters.Bid {
	atomic.AddInt64(&a.bidRequests, 1)
	if a.cpm <= 0 || ctx.Err() != nil {
		atomic.AddInt64(&a.noBids, 1)
		return nil
	}

	cfg := a.cfg.Load()
	price := a.cpm
	if cfg.MaxPrice > 0 && price > cfg.MaxPrice {
		price = cfg.MaxPrice
	}

	var bids []*adapters.Bid
	for i := range request.Imps {
		imp := &request.Imps[i]
		creative, ok := creativeFor(cfg, imp)
		if !ok || !a.roll(cfg.BidProbability) {
			continue
		}
		bids = append(bids, &adapters.Bid{
			AuctionID:  request.AuctionID,
			ImpID:      imp.ID,
			Agent:      a.name,
			Price:      price,
			Currency:   adapters.DefaultCurrency,
			CreativeID: creative.ID,
		})
	}

	if len(bids) == 0 {
		atomic.AddInt64(&a.noBids, 1)
	} else {
		atomic.AddInt64(&a.bids, int64(len(bids)))
	}
	return bids
}

func creativeFor(cfg *config.AgentConfig, imp *openrtb.Imp) (config.Creative, bool) {
	if imp.Banner == nil {
		return config.Creative{}, false
	}
	for _, format := range imp.Banner.Format {
		if creative, ok := cfg.CreativeFor(format.W, format.H); ok {
			return creative, true
		}
	}
	return config.Creative{}, false
}

func (a *TestAgent) roll(probability float64) bool {
	if probability >= 1 {
		return true
	}
	a.randMu.Lock()
	defer a.randMu.Unlock()
	return a.rand.Float64() < probability
}

func (a *TestAgent) OnWin(win *adapters.WinNotification) {
	atomic.AddInt64(&a.wins, 1)
}

func (a *TestAgent) OnLoss(loss *adapters.LossEvent) {
	atomic.AddInt64(&a.losses, 1)
}

func (a *TestAgent) OnError(event *adapters.ErrorEvent) {
	atomic.AddInt64(&a.errors, 1)
}

// Counts is what a TestAgent has seen so far.
type Counts struct {
	BidRequests int64
	Bids        int64
	NoBids      int64
	Wins        int64
	Losses      int64
	Errors      int64
}

func (a *TestAgent) Counts() Counts {
	return Counts{
		BidRequests: atomic.LoadInt64(&a.bidRequests),
		Bids:        atomic.LoadInt64(&a.bids),
		NoBids:      atomic.LoadInt64(&a.noBids),
		Wins:        atomic.LoadInt64(&a.wins),
		Losses:      atomic.LoadInt64(&a.losses),
		Errors:      atomic.LoadInt64(&a.errors),
	}
}
