package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetupViper(v, "")
	cfg, err := New(v)
	require.NoError(t, err)

	assert.Equal(t, DefaultListenHost, cfg.Router.Host)
	assert.Equal(t, 250, cfg.Router.AuctionTimeoutMs)
	require.Len(t, cfg.Router.Exchanges, 1)
	assert.Equal(t, ExchangeOpenRTB, cfg.Router.Exchanges[0].ExchangeType)
	assert.Equal(t, float64(10), cfg.DefaultCPM)
	assert.Equal(t, 6060, cfg.AdminPort)
	assert.Equal(t, "rtb", cfg.Metrics.Prometheus.Namespace)
}

func TestValidationErrors(t *testing.T) {
	v := viper.New()
	SetupViper(v, "")
	v.Set("default_cpm", -1)
	_, err := New(v)
	assert.Error(t, err)

	v = viper.New()
	SetupViper(v, "")
	v.Set("admin_port", 70000)
	_, err = New(v)
	assert.Error(t, err)
}

func TestLoadBidderInterface(t *testing.T) {
	cfg := &Configuration{}
	bidder, err := cfg.LoadBidderInterface()
	require.NoError(t, err)
	assert.Equal(t, BidderInterfaceAgents, bidder.Type)

	dir, err := ioutil.TempDir("", "rtbkit-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "bidder.json")
	require.NoError(t, ioutil.WriteFile(path, []byte(multiConfigJSON), 0644))
	cfg.BidderInterfaceFile = path

	bidder, err = cfg.LoadBidderInterface()
	require.NoError(t, err)
	assert.Equal(t, BidderInterfaceMulti, bidder.Type)

	cfg.BidderInterfaceFile = filepath.Join(dir, "missing.json")
	_, err = cfg.LoadBidderInterface()
	assert.Error(t, err)
}
