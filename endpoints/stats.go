package endpoints

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coriger/rtbkit/logger"
	"github.com/coriger/rtbkit/metrics"
	prometheusmetrics "github.com/coriger/rtbkit/metrics/prometheus"
	"github.com/coriger/rtbkit/server"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

// NewStatsEndpoint serves the counters of every table as {"<stack>": {"router.bid": 12, ...}}.
func NewStatsEndpoint(tables map[string]*metrics.StatsTable) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		out := make(map[string]map[string]int64, len(tables))
		for name, table := range tables {
			out[name] = table.Get()
		}
		writeJSON(w, out)
	}
}

// NewStackStatsEndpoint serves the counters of the table named by the :stack parameter.
func NewStackStatsEndpoint(tables map[string]*metrics.StatsTable) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		table, ok := tables[ps.ByName("stack")]
		if !ok {
			http.Error(w, "unknown stack "+ps.ByName("stack"), http.StatusNotFound)
			return
		}
		writeJSON(w, table.Get())
	}
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Errorf("admin: failed to marshal response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// NewAdminHandler routes the admin endpoints: /version, /stats, /stats/:stack and the
// prometheus exposition under /metrics.
func NewAdminHandler(version, revision, namespace string, tables map[string]*metrics.StatsTable) http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc(http.MethodGet, "/version", NewVersionEndpoint(version, revision))
	mux.GET("/stats", NewStatsEndpoint(tables))
	mux.GET("/stats/:stack", NewStackStatsEndpoint(tables))
	mux.Handler(http.MethodGet, "/metrics", server.NewPrometheusHandler(prometheusmetrics.NewRegistry(namespace, tables), 10*time.Second))
	return SupportCORS(mux)
}

func SupportCORS(handler http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowCredentials: true,
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept"}})
	return c.Handler(handler)
}
