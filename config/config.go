package config

import (
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/spf13/viper"
)

// Configuration is what the rtbkit binary reads from rtbkit.yaml and RTB_* environment variables.
type Configuration struct {
	Router RouterConfig `mapstructure:"router"`
	// BidderInterfaceFile points at a JSON bidder interface config. Empty means "agents".
	BidderInterfaceFile string `mapstructure:"bidder_interface_file"`
	// AgentsFile points at a YAML file of agents to register on start.
	AgentsFile string `mapstructure:"agents_file"`
	// DefaultCPM is the price of the default test agent, used when AgentsFile is empty.
	DefaultCPM float64 `mapstructure:"default_cpm"`
	// BidRequests is how many requests the built-in mock exchange sends once the stack is ready.
	// Zero disables the mock exchange.
	BidRequests          int     `mapstructure:"bid_requests"`
	StatsIntervalSeconds int     `mapstructure:"stats_interval_seconds"`
	AdminHost            string  `mapstructure:"admin_host"`
	AdminPort            int     `mapstructure:"admin_port"`
	EnableGzip           bool    `mapstructure:"enable_gzip"`
	Metrics              Metrics `mapstructure:"metrics"`
}

type Metrics struct {
	Influx     InfluxMetrics     `mapstructure:"influxdb"`
	Prometheus PrometheusMetrics `mapstructure:"prometheus"`
}

type InfluxMetrics struct {
	Host            string `mapstructure:"host"`
	Database        string `mapstructure:"database"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

type PrometheusMetrics struct {
	Namespace string `mapstructure:"namespace"`
}

// SetupViper registers defaults, the config file name and the RTB_ environment prefix.
func SetupViper(v *viper.Viper, filename string) {
	if filename != "" {
		v.SetConfigName(filename)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/config")
	}

	v.SetDefault("router.host", DefaultListenHost)
	v.SetDefault("router.win_port", 0)
	v.SetDefault("router.event_port", 0)
	v.SetDefault("router.auction_timeout_ms", int(DefaultAuctionTimeout.Milliseconds()))
	v.SetDefault("router.in_flight_ttl_seconds", int(DefaultInFlightTTL.Seconds()))
	v.SetDefault("router.delivery_lanes", DefaultDeliveryLanes)
	v.SetDefault("router.exchanges", []map[string]interface{}{{"exchange_type": string(ExchangeOpenRTB)}})
	v.SetDefault("bidder_interface_file", "")
	v.SetDefault("agents_file", "")
	v.SetDefault("default_cpm", 10.0)
	v.SetDefault("bid_requests", 0)
	v.SetDefault("stats_interval_seconds", 10)
	v.SetDefault("admin_host", DefaultListenHost)
	v.SetDefault("admin_port", 6060)
	v.SetDefault("enable_gzip", false)
	v.SetDefault("metrics.influxdb.interval_seconds", 10)
	v.SetDefault("metrics.prometheus.namespace", "rtb")

	v.SetEnvPrefix("RTB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.ReadInConfig()
}

// New uses viper to get our server configurations.
func New(v *viper.Viper) (*Configuration, error) {
	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("viper failed to unmarshal app config: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (cfg *Configuration) validate() error {
	if err := cfg.Router.Validate(); err != nil {
		return err
	}
	if cfg.DefaultCPM < 0 {
		return fmt.Errorf("default_cpm cannot be negative")
	}
	if cfg.BidRequests < 0 {
		return fmt.Errorf("bid_requests cannot be negative")
	}
	if cfg.AdminPort < 0 || cfg.AdminPort > 65535 {
		return fmt.Errorf("admin_port %d is out of range", cfg.AdminPort)
	}
	return nil
}

// LoadBidderInterface reads BidderInterfaceFile, or returns an agents interface when none is set.
func (cfg *Configuration) LoadBidderInterface() (*BidderInterfaceConfig, error) {
	if cfg.BidderInterfaceFile == "" {
		return &BidderInterfaceConfig{Type: BidderInterfaceAgents}, nil
	}
	data, err := ioutil.ReadFile(cfg.BidderInterfaceFile)
	if err != nil {
		return nil, err
	}
	return ParseBidderInterfaceConfig(data)
}
