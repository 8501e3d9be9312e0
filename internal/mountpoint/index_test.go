package mountpoint

import (
	"errors"
	"testing"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/media"
	"webrtsp-restreamer/internal/registry"
)

type stubSource struct {
	uris []string
}

func (s *stubSource) CreatePeer(uri string, _ media.PeerOptions) (media.Peer, error) {
	s.uris = append(s.uris, uri)
	return nil, nil
}

func (s *stubSource) CreateRecordPeer(uri string, _ media.PeerOptions) (media.Peer, error) {
	s.uris = append(s.uris, "record:"+uri)
	return nil, nil
}

func newTestIndex() (*Index, *registry.SharedRegistry, *stubSource) {
	cfg := &config.Config{Streamers: map[string]config.StreamerConfig{
		"cam1":   {Type: config.TypeRecord},
		"movies": {Type: config.TypeFilePlayer, URI: "/srv/movies"},
		"office": {Type: config.TypeProxy},
	}}
	source := &stubSource{}
	reg := registry.New(registry.Lists{})
	return NewIndex(cfg, media.Sources{"cam1": source, "movies": source}, reg), reg, source
}

func TestResolve(t *testing.T) {
	ix, reg, _ := newTestIndex()
	reg.SetAgent("office", 7)

	cases := []struct {
		uri     string
		kind    Kind
		agent   registry.SessionRef
		wantErr error
	}{
		{uri: "cam1", kind: KindLocal},
		{uri: "movies/a.mkv", kind: KindLocal},
		{uri: "movies", wantErr: ErrSubstreamRequired},
		{uri: "office/cam", kind: KindProxy, agent: 7},
		{uri: "office", wantErr: ErrSubstreamRequired},
		{uri: "nope", wantErr: ErrUnknownMountpoint},
		{uri: "*", wantErr: ErrUnknownMountpoint},
	}
	for _, tc := range cases {
		target, err := ix.Resolve(tc.uri)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Resolve(%q) error = %v, want %v", tc.uri, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Resolve(%q) returned error: %v", tc.uri, err)
		}
		if target.Kind != tc.kind || target.Agent != tc.agent {
			t.Fatalf("Resolve(%q) = %+v", tc.uri, target)
		}
	}
}

func TestResolveProxyWithoutAgent(t *testing.T) {
	ix, _, _ := newTestIndex()
	if _, err := ix.Resolve("office/cam"); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
}

func TestCreatePeerUsesFullURI(t *testing.T) {
	ix, reg, source := newTestIndex()
	reg.SetAgent("office", 1)

	if _, err := ix.CreatePeer("movies/a.mkv", media.PeerOptions{}); err != nil {
		t.Fatalf("CreatePeer returned error: %v", err)
	}
	if _, err := ix.CreateRecordPeer("cam1", media.PeerOptions{}); err != nil {
		t.Fatalf("CreateRecordPeer returned error: %v", err)
	}
	if _, err := ix.CreatePeer("office/cam", media.PeerOptions{}); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource for relayed uri, got %v", err)
	}
	if len(source.uris) != 2 || source.uris[0] != "movies/a.mkv" || source.uris[1] != "record:cam1" {
		t.Fatalf("unexpected source calls %v", source.uris)
	}
}
