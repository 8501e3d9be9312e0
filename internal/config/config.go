// Package config describes the mountpoints served by the gateway and loads
// them from a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/imdario/mergo"
)

var (
	ErrInvalidType       = errors.New("config: invalid streamer type")
	ErrInvalidVisibility = errors.New("config: invalid visibility")
	ErrInvalidStreamer   = errors.New("config: invalid streamer")
)

// Type selects the media engine backing a mountpoint.
type Type string

const (
	TypeTest            Type = "test"
	TypeReStreamer      Type = "restreamer"
	TypeONVIFReStreamer Type = "onvif"
	TypeRecord          Type = "record"
	TypeFilePlayer      Type = "player"
	TypeProxy           Type = "proxy"
	TypePipeline        Type = "pipeline"
	TypeCamera          Type = "camera"
	TypeV4L2            Type = "v4l2"
)

var knownTypes = map[Type]struct{}{
	TypeTest: {}, TypeReStreamer: {}, TypeONVIFReStreamer: {}, TypeRecord: {}, TypeFilePlayer: {},
	TypeProxy: {}, TypePipeline: {}, TypeCamera: {}, TypeV4L2: {},
}

// ParseType validates a streamer type name.
func ParseType(value string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, value)
	}
	return t, nil
}

// UnmarshalJSON accepts type names case-insensitively.
func (t *Type) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Visibility controls who may list and play a mountpoint.
type Visibility string

const (
	// VisibilityAuto is Protected when the server requires authentication and Public otherwise.
	VisibilityAuto      Visibility = "auto"
	VisibilityPublic    Visibility = "public"
	VisibilityProtected Visibility = "protected"
)

// UnmarshalJSON accepts visibility names case-insensitively.
func (v *Visibility) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch parsed := Visibility(strings.ToLower(strings.TrimSpace(raw))); parsed {
	case VisibilityAuto, VisibilityPublic, VisibilityProtected:
		*v = parsed
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidVisibility, raw)
	}
}

// Effective resolves Auto against the server authentication policy.
func (v Visibility) Effective(authRequired bool) Visibility {
	switch v {
	case VisibilityPublic:
		return VisibilityPublic
	case VisibilityAuto:
		if authRequired {
			return VisibilityProtected
		}
		return VisibilityPublic
	default:
		return VisibilityProtected
	}
}

const (
	MinMaxDirSize  uint64 = 100 << 20
	MinMaxFileSize uint64 = 10 << 20
)

// RecordConfig bounds the on-disk footprint of a Record mountpoint.
type RecordConfig struct {
	Dir         string `json:"dir"`
	MaxDirSize  uint64 `json:"maxDirSize"`
	MaxFileSize uint64 `json:"maxFileSize"`
}

// Normalized raises sizes below the supported floors.
func (r RecordConfig) Normalized() RecordConfig {
	if r.MaxDirSize < MinMaxDirSize {
		r.MaxDirSize = MinMaxDirSize
	}
	if r.MaxFileSize < MinMaxFileSize {
		r.MaxFileSize = MinMaxFileSize
	}
	return r
}

// StreamerConfig is the static definition of one mountpoint.
type StreamerConfig struct {
	Type        Type          `json:"type"`
	Restream    *bool         `json:"restream,omitempty"`
	Visibility  Visibility    `json:"visibility,omitempty"`
	URI         string        `json:"uri,omitempty"`
	Pipeline    string        `json:"pipeline,omitempty"`
	Username    string        `json:"username,omitempty"`
	Password    string        `json:"password,omitempty"`
	AgentToken  string        `json:"agentToken,omitempty"`
	Description string        `json:"description,omitempty"`
	Record      *RecordConfig `json:"record,omitempty"`
}

// CanRestream reports whether viewers may list and play the mountpoint.
func (s StreamerConfig) CanRestream() bool {
	return s.Restream == nil || *s.Restream
}

// ICEConfig lists the servers handed to peers and to connected agents.
type ICEConfig struct {
	STUNServer  string `json:"stunServer,omitempty"`
	TURNServer  string `json:"turnServer,omitempty"`
	TURNSServer string `json:"turnsServer,omitempty"`
}

// Servers returns the configured servers in stun, turn, turns order.
func (c ICEConfig) Servers() []string {
	var servers []string
	for _, server := range []string{c.STUNServer, c.TURNServer, c.TURNSServer} {
		if server = strings.TrimSpace(server); server != "" {
			servers = append(servers, server)
		}
	}
	return servers
}

// SignallingServer is the upstream gateway an agent-mode instance registers with.
type SignallingServer struct {
	URL   string `json:"url"`
	URI   string `json:"uri"`
	Token string `json:"token,omitempty"`
}

// Config is the full gateway configuration.
type Config struct {
	AuthRequired     *bool                     `json:"authRequired,omitempty"`
	Streamers        map[string]StreamerConfig `json:"streamers"`
	ICE              ICEConfig                 `json:"iceServers"`
	SignallingServer *SignallingServer         `json:"signallingServer,omitempty"`
}

// RequiresAuth reports the server-wide authentication policy.
func (c *Config) RequiresAuth() bool {
	return c.AuthRequired == nil || *c.AuthRequired
}

// AgentMode reports whether the gateway registers with an upstream gateway.
func (c *Config) AgentMode() bool {
	return c.SignallingServer != nil
}

// Streamer returns the configuration for a mountpoint name.
func (c *Config) Streamer(name string) (StreamerConfig, bool) {
	s, ok := c.Streamers[name]
	return s, ok
}

// Names returns mountpoint names in lexical order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Streamers))
	for name := range c.Streamers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a JSON configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// streamerDefaults must not carry Restream: mergo treats a pointer to false
// as empty and would overwrite it. CanRestream covers the nil case.
func streamerDefaults() StreamerConfig {
	return StreamerConfig{
		Visibility: VisibilityProtected,
	}
}

func (c *Config) applyDefaults() error {
	if c.Streamers == nil {
		c.Streamers = make(map[string]StreamerConfig)
	}
	for name, streamer := range c.Streamers {
		if err := mergo.Merge(&streamer, streamerDefaults()); err != nil {
			return fmt.Errorf("apply defaults to %q: %w", name, err)
		}
		if streamer.Record != nil {
			record := streamer.Record.Normalized()
			streamer.Record = &record
		}
		c.Streamers[name] = streamer
	}
	return nil
}

// Validate checks mountpoint names and per-type requirements.
func (c *Config) Validate() error {
	for name, streamer := range c.Streamers {
		switch {
		case strings.TrimSpace(name) == "":
			return fmt.Errorf("%w: empty mountpoint name", ErrInvalidStreamer)
		case name == "*" || strings.Contains(name, "/"):
			return fmt.Errorf("%w: mountpoint name %q is reserved", ErrInvalidStreamer, name)
		}
		if _, ok := knownTypes[streamer.Type]; !ok {
			return fmt.Errorf("%w: %q has type %q", ErrInvalidType, name, streamer.Type)
		}
		switch streamer.Type {
		case TypeFilePlayer:
			if strings.TrimSpace(streamer.URI) == "" {
				return fmt.Errorf("%w: player %q requires a directory uri", ErrInvalidStreamer, name)
			}
		case TypeReStreamer, TypeONVIFReStreamer:
			if strings.TrimSpace(streamer.URI) == "" {
				return fmt.Errorf("%w: %q requires a source uri", ErrInvalidStreamer, name)
			}
		case TypePipeline:
			if strings.TrimSpace(streamer.Pipeline) == "" {
				return fmt.Errorf("%w: pipeline %q requires a pipeline definition", ErrInvalidStreamer, name)
			}
		}
		if streamer.Record != nil {
			if streamer.Type != TypeRecord {
				return fmt.Errorf("%w: %q is not a record mountpoint but has record settings", ErrInvalidStreamer, name)
			}
			if strings.TrimSpace(streamer.Record.Dir) == "" {
				return fmt.Errorf("%w: record %q requires a directory", ErrInvalidStreamer, name)
			}
		}
	}
	if c.SignallingServer != nil {
		if strings.TrimSpace(c.SignallingServer.URL) == "" || strings.TrimSpace(c.SignallingServer.URI) == "" {
			return fmt.Errorf("%w: signalling server requires url and uri", ErrInvalidStreamer)
		}
	}
	return nil
}
