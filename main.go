package main

import (
	"context"
	"flag"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/coriger/rtbkit/agents"
	"github.com/coriger/rtbkit/config"
	"github.com/coriger/rtbkit/endpoints"
	"github.com/coriger/rtbkit/metrics"
	"github.com/coriger/rtbkit/mockexchange"
	"github.com/coriger/rtbkit/server"
	"github.com/coriger/rtbkit/stack"

	"github.com/golang/glog"
	"github.com/spf13/viper"
	influxdb "github.com/vrischmann/go-metrics-influxdb"
)

// Rev holds binary revision string
// Set manually at build time using:
//	go build -ldflags "-X main.Rev=`git rev-parse --short HEAD`"
var Rev string

// Version is the release tag, set the same way as Rev.
var Version string

func init() {
	rand.Seed(time.Now().UnixNano())
}

func main() {
	flag.Parse() // required for glog flags and testing package flags

	cfg, err := loadConfig()
	if err != nil {
		glog.Exitf("Configuration could not be loaded or did not pass validation: %v", err)
	}

	err = serve(Version, Rev, cfg)
	if err != nil {
		glog.Exitf("rtbkit failed: %v", err)
	}
}

const configFileName = "rtbkit"

func loadConfig() (*config.Configuration, error) {
	v := viper.New()
	config.SetupViper(v, configFileName)
	return config.New(v)
}

func serve(version, revision string, cfg *config.Configuration) error {
	bidderCfg, err := cfg.LoadBidderInterface()
	if err != nil {
		return err
	}

	s := stack.New()
	if cfg.AgentsFile != "" {
		defs, err := config.LoadAgentsFile(cfg.AgentsFile)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if err := s.AddAgent(agents.NewTestAgent(def.Name, def.CPM, def.Config)); err != nil {
				return err
			}
		}
	}
	startReporting(cfg.Metrics.Influx, s.Events())

	ctx := context.Background()
	opts := stack.Options{
		CPM:           cfg.DefaultCPM,
		BidRequests:   cfg.BidRequests,
		StatsInterval: time.Duration(cfg.StatsIntervalSeconds) * time.Second,
	}
	if err := s.Start(ctx, cfg.Router, *bidderCfg, opts); err != nil {
		return err
	}

	if cfg.BidRequests > 0 {
		go func() {
			err := s.Then(func(snapshot stack.Snapshot) error {
				return mockexchange.New(s.Events()).Start(ctx, snapshot)
			})
			if err != nil {
				glog.Errorf("mock exchange stopped: %v", err)
			}
		}()
	}

	tables := map[string]*metrics.StatsTable{"main": s.Events()}
	adminAddress := net.JoinHostPort(cfg.AdminHost, strconv.Itoa(cfg.AdminPort))
	admin, err := server.Bind("admin", adminAddress,
		endpoints.NewAdminHandler(version, revision, cfg.Metrics.Prometheus.Namespace, tables),
		server.Options{Stats: s.Events(), EnableGzip: cfg.EnableGzip})
	if err != nil {
		s.Shutdown(ctx)
		return err
	}
	glog.Infof("Admin server listening on %s", admin.Addr())

	server.Listen(s.Shutdown, admin)
	return nil
}

func startReporting(settings config.InfluxMetrics, events *metrics.StatsTable) {
	if settings.Host == "" {
		return
	}
	interval := time.Duration(settings.IntervalSeconds) * time.Second
	go influxdb.InfluxDB(
		events.Registry(), // metrics registry
		interval,          // interval
		settings.Host,     // the InfluxDB url
		settings.Database, // your InfluxDB database
		settings.Username, // your InfluxDB user
		settings.Password, // your InfluxDB password
	)
}
