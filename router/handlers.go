package router

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/logger"
	"github.com/julienschmidt/httprouter"
)

// winHandler serves win notices on "/" and the agent configuration service under /v1/agents.
func (r *Router) winHandler() http.Handler {
	mux := httprouter.New()
	mux.POST("/", r.handleWin)
	mux.GET("/v1/agents", r.handleListAgents)
	mux.POST("/v1/agents/:name/config", r.handlePostConfig)
	mux.DELETE("/v1/agents/:name/config", r.handleRemoveConfig)
	return mux
}

func (r *Router) eventHandler() http.Handler {
	mux := httprouter.New()
	mux.POST("/", r.handleEvent)
	return mux
}

func (r *Router) handleWin(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var notice WinNotice
	if err := decodeBody(req, &notice); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := r.HandleWin(&notice); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleEvent(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var event CampaignEvent
	if err := decodeBody(req, &event); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := r.HandleEvent(&event); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleListAgents(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.Agents()); err != nil {
		logger.Errorf("router: failed to write the agent list: %v", err)
	}
}

func (r *Router) handlePostConfig(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	body, err := ioutil.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := params.ByName("name")
	if err := r.PostConfig(name, body); err != nil {
		status := http.StatusInternalServerError
		switch err.(type) {
		case *errortypes.Configuration:
			status = http.StatusBadRequest
		case *errortypes.UnknownAgent:
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	cfg, _ := r.AgentConfig(name)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (r *Router) handleRemoveConfig(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if !r.RemoveConfig(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent %s has no config", name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(req *http.Request, v interface{}) error {
	body, err := ioutil.ReadAll(req.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s\n", err.Error())
}
