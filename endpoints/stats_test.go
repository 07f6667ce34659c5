package endpoints

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coriger/rtbkit/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminHandler() (http.Handler, *metrics.StatsTable) {
	table := metrics.NewStatsTable()
	table.Add("router.bid", 3)
	table.Inc("router.auctionWin")
	return NewAdminHandler("1.0", "abc123", "rtb", map[string]*metrics.StatsTable{"main": table}), table
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestStatsEndpoint(t *testing.T) {
	handler, _ := adminHandler()

	w := get(handler, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var all map[string]map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, map[string]map[string]int64{"main": {"router.bid": 3, "router.auctionWin": 1}}, all)
	assert.Equal(t, "http://example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = get(handler, "/stats/main")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"router.bid": 3, "router.auctionWin": 1}`, w.Body.String())

	w = get(handler, "/stats/other")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVersionEndpoint(t *testing.T) {
	handler, _ := adminHandler()
	w := get(handler, "/version")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"revision": "abc123", "version": "1.0"}`, w.Body.String())

	response, err := prepareVersionEndpointResponse("", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"revision": "not-set", "version": "not-set"}`, string(response))
}

func TestMetricsEndpoint(t *testing.T) {
	handler, table := adminHandler()
	table.Inc("http.bidsSent")

	w := get(handler, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body, err := ioutil.ReadAll(w.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `rtb_events_total{event="router.bid",stack="main"} 3`), text)
	assert.True(t, strings.Contains(text, `rtb_events_total{event="http.bidsSent",stack="main"} 1`), text)
}
