package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coriger/rtbkit/errortypes"
	"golang.org/x/text/currency"
)

// ExchangeType selects the flavour of an exchange connector.
type ExchangeType string

const (
	// ExchangeOpenRTB accepts plain OpenRTB 2.x bid requests.
	ExchangeOpenRTB ExchangeType = "openrtb"
	// ExchangeRTBKit accepts requests from an upstream router's http bidder interface and
	// tags each bid with the upstream agent's external id.
	ExchangeRTBKit ExchangeType = "rtbkit"
)

const (
	DefaultExchangeResource = "/auctions"
	DefaultListenHost       = "127.0.0.1"
	DefaultAuctionTimeout   = 250 * time.Millisecond
	DefaultInFlightTTL      = 60 * time.Second
	DefaultDeliveryLanes    = 8
)

// ExchangeConfig describes one exchange connector. Port 0 binds any free port.
type ExchangeConfig struct {
	ExchangeType ExchangeType `json:"exchangeType" mapstructure:"exchange_type"`
	Host         string       `json:"host,omitempty" mapstructure:"host"`
	Port         int          `json:"port,omitempty" mapstructure:"port"`
	Resource     string       `json:"resource,omitempty" mapstructure:"resource"`
	EnableGzip   bool         `json:"enableGzip,omitempty" mapstructure:"enable_gzip"`
	// MaxQPS rate limits incoming bid requests. Zero disables the limit.
	MaxQPS float64 `json:"maxQps,omitempty" mapstructure:"max_qps"`
}

// RouterConfig holds the router's own listeners and timings plus its exchange connectors.
type RouterConfig struct {
	Exchanges          []ExchangeConfig `json:"exchanges" mapstructure:"exchanges"`
	Host               string           `json:"host,omitempty" mapstructure:"host"`
	WinPort            int              `json:"winPort,omitempty" mapstructure:"win_port"`
	EventPort          int              `json:"eventPort,omitempty" mapstructure:"event_port"`
	AuctionTimeoutMs   int              `json:"auctionTimeoutMs,omitempty" mapstructure:"auction_timeout_ms"`
	InFlightTTLSeconds int              `json:"inFlightTtlSeconds,omitempty" mapstructure:"in_flight_ttl_seconds"`
	DeliveryLanes      int              `json:"deliveryLanes,omitempty" mapstructure:"delivery_lanes"`
	// CurrencyRates converts bids into the auction currency, FROM -> TO -> rate. Without rates
	// only bids in the auction currency are accepted.
	CurrencyRates map[string]map[string]float64 `json:"currencyRates,omitempty" mapstructure:"currency_rates"`
}

// NewRouterConfig is a router with default settings in front of the given exchange types.
func NewRouterConfig(types ...ExchangeType) RouterConfig {
	cfg := RouterConfig{}
	for _, t := range types {
		cfg.Exchanges = append(cfg.Exchanges, ExchangeConfig{ExchangeType: t})
	}
	return cfg
}

// ParseRouterConfig accepts either the full object form or a bare array of exchange configs,
// e.g. [{"exchangeType": "openrtb"}].
func ParseRouterConfig(data []byte) (*RouterConfig, error) {
	var cfg RouterConfig
	trimmed := strings.TrimSpace(string(data))
	var err error
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(data, &cfg.Exchanges)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, &errortypes.Configuration{Message: fmt.Sprintf("invalid router config: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *RouterConfig) Validate() error {
	var errs []error
	if len(cfg.Exchanges) == 0 {
		errs = append(errs, fmt.Errorf("at least one exchange is required"))
	}
	for i, ex := range cfg.Exchanges {
		switch ex.ExchangeType {
		case ExchangeOpenRTB, ExchangeRTBKit:
		default:
			errs = append(errs, fmt.Errorf("exchanges[%d]: unknown exchangeType %q", i, ex.ExchangeType))
		}
		if ex.Port < 0 || ex.Port > 65535 {
			errs = append(errs, fmt.Errorf("exchanges[%d]: port %d is out of range", i, ex.Port))
		}
		if ex.Resource != "" && !strings.HasPrefix(ex.Resource, "/") {
			errs = append(errs, fmt.Errorf("exchanges[%d]: resource %q must start with '/'", i, ex.Resource))
		}
		if ex.MaxQPS < 0 {
			errs = append(errs, fmt.Errorf("exchanges[%d]: maxQps cannot be negative", i))
		}
	}
	if cfg.WinPort < 0 || cfg.WinPort > 65535 {
		errs = append(errs, fmt.Errorf("winPort %d is out of range", cfg.WinPort))
	}
	if cfg.EventPort < 0 || cfg.EventPort > 65535 {
		errs = append(errs, fmt.Errorf("eventPort %d is out of range", cfg.EventPort))
	}
	if cfg.AuctionTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("auctionTimeoutMs cannot be negative"))
	}
	for from, rates := range cfg.CurrencyRates {
		if _, err := currency.ParseISO(from); err != nil {
			errs = append(errs, fmt.Errorf("currencyRates: %q is not a currency code", from))
		}
		for to, rate := range rates {
			if _, err := currency.ParseISO(to); err != nil {
				errs = append(errs, fmt.Errorf("currencyRates.%s: %q is not a currency code", from, to))
			}
			if rate <= 0 {
				errs = append(errs, fmt.Errorf("currencyRates.%s.%s: rate must be positive", from, to))
			}
		}
	}
	if len(errs) > 0 {
		return &errortypes.Configuration{Message: errortypes.NewAggregateErrors("invalid router config", errs).Error()}
	}
	return nil
}

func (cfg *RouterConfig) ListenHost() string {
	if cfg.Host == "" {
		return DefaultListenHost
	}
	return cfg.Host
}

func (cfg *RouterConfig) AuctionTimeout() time.Duration {
	if cfg.AuctionTimeoutMs > 0 {
		return time.Duration(cfg.AuctionTimeoutMs) * time.Millisecond
	}
	return DefaultAuctionTimeout
}

func (cfg *RouterConfig) InFlightTTL() time.Duration {
	if cfg.InFlightTTLSeconds > 0 {
		return time.Duration(cfg.InFlightTTLSeconds) * time.Second
	}
	return DefaultInFlightTTL
}

func (cfg *RouterConfig) Lanes() int {
	if cfg.DeliveryLanes > 0 {
		return cfg.DeliveryLanes
	}
	return DefaultDeliveryLanes
}

func (ex *ExchangeConfig) ListenHost() string {
	if ex.Host == "" {
		return DefaultListenHost
	}
	return ex.Host
}

func (ex *ExchangeConfig) ResourcePath() string {
	if ex.Resource == "" {
		return DefaultExchangeResource
	}
	return ex.Resource
}
