// Package mountpoint resolves WebRTSP URIs to the local source or relay agent
// that serves them.
package mountpoint

import (
	"errors"
	"fmt"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/media"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/webrtsp"
)

var (
	ErrUnknownMountpoint = errors.New("mountpoint: unknown mountpoint")
	ErrSubstreamRequired = errors.New("mountpoint: substream required")
	ErrNoAgent           = errors.New("mountpoint: no agent registered")
	ErrNoSource          = errors.New("mountpoint: no local source")
)

// Kind tells how a resolved target is served.
type Kind int

const (
	KindLocal Kind = iota
	KindProxy
)

// Target is a resolved URI.
type Target struct {
	URI       string
	Name      string
	Substream string
	Kind      Kind
	Streamer  config.StreamerConfig
	Source    media.Source
	Agent     registry.SessionRef
}

// Index combines the static configuration with dynamically registered agents.
type Index struct {
	cfg      *config.Config
	sources  media.Sources
	registry *registry.SharedRegistry
}

func NewIndex(cfg *config.Config, sources media.Sources, reg *registry.SharedRegistry) *Index {
	if sources == nil {
		sources = media.Sources{}
	}
	return &Index{cfg: cfg, sources: sources, registry: reg}
}

// Streamer returns the configuration of the mountpoint addressed by uri.
func (ix *Index) Streamer(uri string) (config.StreamerConfig, bool) {
	name, _ := webrtsp.SplitURI(uri)
	return ix.cfg.Streamer(name)
}

// Resolve maps uri to its target. Player and proxy mountpoints are only
// addressable through a substream.
func (ix *Index) Resolve(uri string) (Target, error) {
	name, substream := webrtsp.SplitURI(uri)
	streamer, ok := ix.cfg.Streamer(name)
	if !ok || name == webrtsp.Wildcard {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownMountpoint, uri)
	}
	target := Target{URI: uri, Name: name, Substream: substream, Streamer: streamer}

	switch streamer.Type {
	case config.TypeProxy:
		if substream == "" {
			return Target{}, fmt.Errorf("%w: %q", ErrSubstreamRequired, uri)
		}
		ref, ok := ix.registry.Agent(name)
		if !ok {
			return Target{}, fmt.Errorf("%w: %q", ErrNoAgent, name)
		}
		target.Kind = KindProxy
		target.Agent = ref
		return target, nil
	case config.TypeFilePlayer:
		if substream == "" {
			return Target{}, fmt.Errorf("%w: %q", ErrSubstreamRequired, uri)
		}
	}

	source, ok := ix.sources[name]
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrNoSource, name)
	}
	target.Kind = KindLocal
	target.Source = source
	return target, nil
}

// CreatePeer creates a viewer peer for a local uri.
func (ix *Index) CreatePeer(uri string, opts media.PeerOptions) (media.Peer, error) {
	target, err := ix.Resolve(uri)
	if err != nil {
		return nil, err
	}
	if target.Kind != KindLocal {
		return nil, fmt.Errorf("%w: %q is relayed", ErrNoSource, uri)
	}
	return target.Source.CreatePeer(uri, opts)
}

// CreateRecordPeer creates a producer peer for a local uri.
func (ix *Index) CreateRecordPeer(uri string, opts media.PeerOptions) (media.Peer, error) {
	target, err := ix.Resolve(uri)
	if err != nil {
		return nil, err
	}
	if target.Kind != KindLocal {
		return nil, fmt.Errorf("%w: %q is relayed", ErrNoSource, uri)
	}
	return target.Source.CreateRecordPeer(uri, opts)
}
