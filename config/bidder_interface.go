package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	validator "github.com/asaskevich/govalidator"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/xeipuuv/gojsonschema"
)

// BidderInterfaceType tags the variant held by a BidderInterfaceConfig.
type BidderInterfaceType string

const (
	BidderInterfaceAgents BidderInterfaceType = "agents"
	BidderInterfaceHTTP   BidderInterfaceType = "http"
	BidderInterfaceMulti  BidderInterfaceType = "multi"
)

// DefaultBidderTimeout bounds every call made by an http interface unless timeoutMs is set.
const DefaultBidderTimeout = 200 * time.Millisecond

// BidderInterfaceConfig is a tagged variant: Router, AdServer and TimeoutMs are only meaningful
// for http, Interfaces only for multi.
type BidderInterfaceConfig struct {
	Type       BidderInterfaceType
	Router     HTTPRouterEndpoint
	AdServer   HTTPAdServerEndpoint
	TimeoutMs  int
	Interfaces []NamedBidderInterface
}

// HTTPRouterEndpoint is where bid requests are posted.
type HTTPRouterEndpoint struct {
	Host string `json:"host,omitempty"`
	Path string `json:"path,omitempty"`
}

// HTTPAdServerEndpoint is where wins (WinPort) and other events (EventPort) are posted.
type HTTPAdServerEndpoint struct {
	Host      string `json:"host,omitempty"`
	WinPort   int    `json:"winPort,omitempty"`
	EventPort int    `json:"eventPort,omitempty"`
}

// NamedBidderInterface is one entry of a multi interface.
type NamedBidderInterface struct {
	Name   string
	Config BidderInterfaceConfig
}

const bidderInterfaceSchema = `{
  "$schema": "http://json-schema.org/draft-04/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "enum": ["agents", "http", "multi"] },
    "router": {
      "type": "object",
      "properties": {
        "host": { "type": "string" },
        "path": { "type": "string" }
      }
    },
    "adserver": {
      "type": "object",
      "properties": {
        "host": { "type": "string" },
        "winPort": { "type": "integer", "minimum": 0, "maximum": 65535 },
        "eventPort": { "type": "integer", "minimum": 0, "maximum": 65535 }
      }
    },
    "timeoutMs": { "type": "integer", "minimum": 1 },
    "interfaces": {
      "type": "array",
      "items": {
        "type": "object",
        "minProperties": 1,
        "maxProperties": 1,
        "additionalProperties": { "$ref": "#" }
      }
    }
  }
}`

var bidderInterfaceSchemaLoader = gojsonschema.NewStringLoader(bidderInterfaceSchema)

type bidderInterfaceJSON struct {
	Type       BidderInterfaceType          `json:"type"`
	Router     *HTTPRouterEndpoint          `json:"router,omitempty"`
	AdServer   *HTTPAdServerEndpoint        `json:"adserver,omitempty"`
	TimeoutMs  int                          `json:"timeoutMs,omitempty"`
	Interfaces []map[string]json.RawMessage `json:"interfaces,omitempty"`
}

// ParseBidderInterfaceConfig checks data against the bidder interface schema and decodes it.
// Duplicate names and nested multi interfaces are rejected here. Endpoints are checked by
// Validate, since callers commonly fill them in after parsing.
func ParseBidderInterfaceConfig(data []byte) (*BidderInterfaceConfig, error) {
	result, err := gojsonschema.Validate(bidderInterfaceSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, &errortypes.Configuration{Message: fmt.Sprintf("invalid bidder interface config: %v", err)}
	}
	if !result.Valid() {
		errBuilder := bytes.NewBuffer(make([]byte, 0, 300))
		for i, resultErr := range result.Errors() {
			if i > 0 {
				errBuilder.WriteString("; ")
			}
			errBuilder.WriteString(resultErr.String())
		}
		return nil, &errortypes.Configuration{Message: "invalid bidder interface config: " + errBuilder.String()}
	}

	var cfg BidderInterfaceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &errortypes.Configuration{Message: fmt.Sprintf("invalid bidder interface config: %v", err)}
	}
	if err := cfg.validateStructure(true); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *BidderInterfaceConfig) UnmarshalJSON(data []byte) error {
	var raw bidderInterfaceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed := BidderInterfaceConfig{Type: raw.Type, TimeoutMs: raw.TimeoutMs}
	if raw.Router != nil {
		parsed.Router = *raw.Router
	}
	if raw.AdServer != nil {
		parsed.AdServer = *raw.AdServer
	}
	for i, entry := range raw.Interfaces {
		if len(entry) != 1 {
			return fmt.Errorf("interfaces[%d] must hold exactly one named interface", i)
		}
		for name, body := range entry {
			var child BidderInterfaceConfig
			if err := json.Unmarshal(body, &child); err != nil {
				return fmt.Errorf("interfaces[%d] (%s): %v", i, name, err)
			}
			parsed.Interfaces = append(parsed.Interfaces, NamedBidderInterface{Name: name, Config: child})
		}
	}
	*cfg = parsed
	return nil
}

func (cfg BidderInterfaceConfig) MarshalJSON() ([]byte, error) {
	raw := bidderInterfaceJSON{Type: cfg.Type}
	switch cfg.Type {
	case BidderInterfaceHTTP:
		router, adServer := cfg.Router, cfg.AdServer
		raw.Router = &router
		raw.AdServer = &adServer
		raw.TimeoutMs = cfg.TimeoutMs
	case BidderInterfaceMulti:
		raw.Interfaces = make([]map[string]json.RawMessage, 0, len(cfg.Interfaces))
		for _, named := range cfg.Interfaces {
			body, err := json.Marshal(named.Config)
			if err != nil {
				return nil, err
			}
			raw.Interfaces = append(raw.Interfaces, map[string]json.RawMessage{named.Name: body})
		}
	}
	return json.Marshal(raw)
}

// Validate runs the full set of checks, endpoints included.
func (cfg *BidderInterfaceConfig) Validate() error {
	return cfg.validateStructure(false)
}

// Timeout is the per-call bound of an http interface.
func (cfg *BidderInterfaceConfig) Timeout() time.Duration {
	if cfg.TimeoutMs > 0 {
		return time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return DefaultBidderTimeout
}

// Names lists the entries of a multi interface in configured order.
func (cfg *BidderInterfaceConfig) Names() []string {
	names := make([]string, 0, len(cfg.Interfaces))
	for _, named := range cfg.Interfaces {
		names = append(names, named.Name)
	}
	return names
}

// Lookup finds a named entry of a multi interface.
func (cfg *BidderInterfaceConfig) Lookup(name string) (*BidderInterfaceConfig, bool) {
	for i := range cfg.Interfaces {
		if cfg.Interfaces[i].Name == name {
			return &cfg.Interfaces[i].Config, true
		}
	}
	return nil, false
}

// RouterURL is the absolute bid endpoint of an http interface.
func (cfg *BidderInterfaceConfig) RouterURL() string {
	path := cfg.Router.Path
	if path == "" {
		path = "/"
	}
	return strings.TrimRight(cfg.Router.Host, "/") + path
}

// WinURL is the ad server endpoint that receives wins.
func (cfg *BidderInterfaceConfig) WinURL() string {
	return adServerURL(cfg.AdServer.Host, cfg.AdServer.WinPort)
}

// EventURL is the ad server endpoint that receives losses and errors.
func (cfg *BidderInterfaceConfig) EventURL() string {
	return adServerURL(cfg.AdServer.Host, cfg.AdServer.EventPort)
}

func adServerURL(host string, port int) string {
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("%s:%d/", strings.TrimRight(host, "/"), port)
	}
	u.Host = fmt.Sprintf("%s:%d", u.Hostname(), port)
	u.Path = "/"
	return u.String()
}

func (cfg *BidderInterfaceConfig) validateStructure(shapeOnly bool) error {
	errs := cfg.validate("", shapeOnly, false)
	if len(errs) == 0 {
		return nil
	}
	return &errortypes.Configuration{Message: errortypes.NewAggregateErrors("invalid bidder interface config", errs).Error()}
}

func (cfg *BidderInterfaceConfig) validate(path string, shapeOnly, nested bool) []error {
	var errs []error
	where := path
	if where == "" {
		where = "bidder interface"
	}

	switch cfg.Type {
	case BidderInterfaceAgents:
	case BidderInterfaceHTTP:
		if !shapeOnly {
			errs = append(errs, cfg.validateHTTP(where)...)
		}
	case BidderInterfaceMulti:
		if nested {
			return append(errs, fmt.Errorf("%s: multi interfaces cannot be nested", where))
		}
		if len(cfg.Interfaces) == 0 {
			errs = append(errs, fmt.Errorf("%s: multi interface needs at least one entry", where))
		}
		names := make(map[string]struct{}, len(cfg.Interfaces))
		for i := range cfg.Interfaces {
			named := &cfg.Interfaces[i]
			if named.Name == "" {
				errs = append(errs, fmt.Errorf("%s: interfaces[%d] has an empty name", where, i))
				continue
			}
			if _, dup := names[named.Name]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate interface name %s", where, named.Name))
				continue
			}
			names[named.Name] = struct{}{}
			errs = append(errs, named.Config.validate(named.Name, shapeOnly, true)...)
		}
	case "":
		errs = append(errs, fmt.Errorf("%s: type is required", where))
	default:
		errs = append(errs, fmt.Errorf("%s: unknown type %q", where, cfg.Type))
	}
	return errs
}

func (cfg *BidderInterfaceConfig) validateHTTP(where string) []error {
	var errs []error
	if !isAbsoluteURL(cfg.Router.Host) {
		errs = append(errs, fmt.Errorf("%s: router.host %q is not a valid URL", where, cfg.Router.Host))
	}
	if cfg.Router.Path != "" && !strings.HasPrefix(cfg.Router.Path, "/") {
		errs = append(errs, fmt.Errorf("%s: router.path %q must start with '/'", where, cfg.Router.Path))
	}
	if !isAbsoluteURL(cfg.AdServer.Host) {
		errs = append(errs, fmt.Errorf("%s: adserver.host %q is not a valid URL", where, cfg.AdServer.Host))
	}
	if cfg.AdServer.WinPort <= 0 || cfg.AdServer.WinPort > 65535 {
		errs = append(errs, fmt.Errorf("%s: adserver.winPort %d is out of range", where, cfg.AdServer.WinPort))
	}
	if cfg.AdServer.EventPort <= 0 || cfg.AdServer.EventPort > 65535 {
		errs = append(errs, fmt.Errorf("%s: adserver.eventPort %d is out of range", where, cfg.AdServer.EventPort))
	}
	return errs
}

// isAbsoluteURL uses both IsURL and IsRequestURL: IsURL allows relative paths, IsRequestURL
// requires a scheme but misses other format constraints.
func isAbsoluteURL(s string) bool {
	return s != "" && validator.IsURL(s) && validator.IsRequestURL(s)
}
