package media

import (
	"errors"
	"testing"

	"webrtsp-restreamer/internal/config"
)

type countingEngine struct {
	names []string
}

func (e *countingEngine) NewSource(name string, _ config.StreamerConfig) (Source, error) {
	e.names = append(e.names, name)
	return detachedSource{}, nil
}

func TestBuildSourcesSkipsProxies(t *testing.T) {
	cfg := &config.Config{Streamers: map[string]config.StreamerConfig{
		"cam1":   {Type: config.TypeRecord},
		"office": {Type: config.TypeProxy},
		"bars":   {Type: config.TypeTest},
	}}
	engine := &countingEngine{}
	sources, err := BuildSources(engine, cfg)
	if err != nil {
		t.Fatalf("BuildSources returned error: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if _, ok := sources["office"]; ok {
		t.Fatal("proxy mountpoint must not get a local source")
	}
	if len(engine.names) != 2 || engine.names[0] != "bars" || engine.names[1] != "cam1" {
		t.Fatalf("unexpected creation order %v", engine.names)
	}
}

func TestDetachedEngine(t *testing.T) {
	source, err := DetachedEngine{}.NewSource("cam1", config.StreamerConfig{})
	if err != nil {
		t.Fatalf("NewSource returned error: %v", err)
	}
	if _, err := source.CreatePeer("cam1", PeerOptions{}); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if _, err := source.CreateRecordPeer("cam1", PeerOptions{}); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}
