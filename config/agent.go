package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/coriger/rtbkit/errortypes"
	"gopkg.in/yaml.v2"
)

// Creative is one ad an agent can serve.
type Creative struct {
	ID     int64  `json:"id" yaml:"id"`
	Width  uint64 `json:"width" yaml:"width"`
	Height uint64 `json:"height" yaml:"height"`
}

// AgentConfig is what a bidding agent publishes about itself. BidderInterface names the entry of
// an enclosing multi interface that carries this agent's traffic; it is ignored otherwise.
type AgentConfig struct {
	Account         AccountKey `json:"account" yaml:"account"`
	BidProbability  float64    `json:"bidProbability" yaml:"bidProbability"`
	Creatives       []Creative `json:"creatives" yaml:"creatives"`
	ExternalID      int64      `json:"externalId" yaml:"externalId"`
	BidderInterface string     `json:"bidderInterface,omitempty" yaml:"bidderInterface"`
	// MaxPrice caps a bid's CPM. Zero means no cap.
	MaxPrice float64 `json:"maxPrice,omitempty" yaml:"maxPrice"`
}

// ParseAgentConfig decodes and validates an agent configuration.
func ParseAgentConfig(data []byte) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &errortypes.Configuration{Message: fmt.Sprintf("invalid agent config: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AgentConfig) Validate() error {
	var errs []error
	if cfg.Account.Empty() {
		errs = append(errs, fmt.Errorf("account is required"))
	}
	if cfg.BidProbability < 0 || cfg.BidProbability > 1 {
		errs = append(errs, fmt.Errorf("bidProbability %v is not in [0, 1]", cfg.BidProbability))
	}
	if cfg.MaxPrice < 0 {
		errs = append(errs, fmt.Errorf("maxPrice %v is negative", cfg.MaxPrice))
	}
	if len(cfg.Creatives) == 0 {
		errs = append(errs, fmt.Errorf("at least one creative is required"))
	}
	seen := make(map[int64]struct{}, len(cfg.Creatives))
	for _, c := range cfg.Creatives {
		if c.Width == 0 || c.Height == 0 {
			errs = append(errs, fmt.Errorf("creative %d has no size", c.ID))
		}
		if _, dup := seen[c.ID]; dup {
			errs = append(errs, fmt.Errorf("creative id %d is used twice", c.ID))
		}
		seen[c.ID] = struct{}{}
	}
	if len(errs) > 0 {
		return &errortypes.Configuration{Message: errortypes.NewAggregateErrors("invalid agent config", errs).Error()}
	}
	return nil
}

// Creative returns the creative with the given id.
func (cfg *AgentConfig) Creative(id int64) (Creative, bool) {
	for _, c := range cfg.Creatives {
		if c.ID == id {
			return c, true
		}
	}
	return Creative{}, false
}

// CreativeFor returns the first creative that fits a w x h slot.
func (cfg *AgentConfig) CreativeFor(w, h uint64) (Creative, bool) {
	for _, c := range cfg.Creatives {
		if c.Width == w && c.Height == h {
			return c, true
		}
	}
	return Creative{}, false
}

// AgentDefinition is one entry of an agents file.
type AgentDefinition struct {
	Name   string      `yaml:"name"`
	CPM    float64     `yaml:"cpm"`
	Config AgentConfig `yaml:"config"`
}

type agentsFile struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// LoadAgentsFile reads agent definitions from a YAML file of the form
//
//	agents:
//	  - name: agent_1
//	    cpm: 10
//	    config: { account: [campaign, strategy], bidProbability: 1, creatives: [...] }
func LoadAgentsFile(path string) ([]AgentDefinition, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseAgentDefinitions(data)
}

func ParseAgentDefinitions(data []byte) ([]AgentDefinition, error) {
	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &errortypes.Configuration{Message: fmt.Sprintf("invalid agents file: %v", err)}
	}
	names := make(map[string]struct{}, len(file.Agents))
	for i := range file.Agents {
		def := &file.Agents[i]
		if def.Name == "" {
			return nil, &errortypes.Configuration{Message: fmt.Sprintf("agent %d has no name", i)}
		}
		if _, dup := names[def.Name]; dup {
			return nil, &errortypes.Configuration{Message: fmt.Sprintf("agent %s is defined twice", def.Name)}
		}
		names[def.Name] = struct{}{}
		if err := def.Config.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Agents, nil
}
