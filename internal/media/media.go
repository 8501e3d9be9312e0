// Package media declares the contract between the session engine and the
// engines that actually produce and consume WebRTC media.
package media

import (
	"errors"
	"fmt"

	"webrtsp-restreamer/internal/config"
)

// ErrEngineUnavailable is returned by sources that have no media engine attached.
var ErrEngineUnavailable = errors.New("media: engine unavailable")

// PeerOptions configures a newly created peer.
type PeerOptions struct {
	ICEServers []string
}

// Peer is one WebRTC endpoint negotiated over WebRTSP.
type Peer interface {
	// LocalDescription returns the local offer, or the answer once a remote
	// offer has been applied.
	LocalDescription() (string, error)
	SetRemoteDescription(sdp string) error
	AddICECandidate(candidate string) error
	Play() error
	Close()
}

// Source backs one configured mountpoint.
type Source interface {
	// CreatePeer returns a peer delivering media for uri to a viewer.
	CreatePeer(uri string, opts PeerOptions) (Peer, error)
	// CreateRecordPeer returns a peer receiving media for uri from a producer.
	CreateRecordPeer(uri string, opts PeerOptions) (Peer, error)
}

// Engine builds sources from mountpoint configuration.
type Engine interface {
	NewSource(name string, cfg config.StreamerConfig) (Source, error)
}

// Sources maps mountpoint names to their backing source.
type Sources map[string]Source

// BuildSources creates a source for every non-proxy mountpoint.
func BuildSources(engine Engine, cfg *config.Config) (Sources, error) {
	sources := make(Sources, len(cfg.Streamers))
	for _, name := range cfg.Names() {
		streamer := cfg.Streamers[name]
		if streamer.Type == config.TypeProxy {
			continue
		}
		source, err := engine.NewSource(name, streamer)
		if err != nil {
			return nil, fmt.Errorf("create source %q: %w", name, err)
		}
		sources[name] = source
	}
	return sources, nil
}

// DetachedEngine is used when the process runs without a media engine. Every
// peer request fails with ErrEngineUnavailable, which still lets the gateway
// list, relay and authorize.
type DetachedEngine struct{}

func (DetachedEngine) NewSource(string, config.StreamerConfig) (Source, error) {
	return detachedSource{}, nil
}

type detachedSource struct{}

func (detachedSource) CreatePeer(string, PeerOptions) (Peer, error) {
	return nil, ErrEngineUnavailable
}

func (detachedSource) CreateRecordPeer(string, PeerOptions) (Peer, error) {
	return nil, ErrEngineUnavailable
}
