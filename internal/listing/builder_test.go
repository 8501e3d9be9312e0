package listing

import (
	"os"
	"path/filepath"
	"testing"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/webrtsp"
)

func boolPtr(v bool) *bool { return &v }

func TestBuild(t *testing.T) {
	cfg := &config.Config{
		AuthRequired: boolPtr(true),
		Streamers: map[string]config.StreamerConfig{
			"bars":    {Type: config.TypeTest, Visibility: config.VisibilityPublic, Description: "Bars"},
			"cam1":    {Type: config.TypeRecord, Visibility: config.VisibilityProtected, Description: "Front"},
			"auto":    {Type: config.TypeTest, Visibility: config.VisibilityAuto, Description: "Auto"},
			"private": {Type: config.TypeTest, Visibility: config.VisibilityPublic, Restream: boolPtr(false)},
		},
	}
	lists := Build(cfg)
	if lists.Public != "bars: Bars\r\n" {
		t.Fatalf("unexpected public list %q", lists.Public)
	}
	wantProtected := "auto: Auto\r\nbars: Bars\r\ncam1: Front\r\n"
	if lists.Protected != wantProtected {
		t.Fatalf("unexpected protected list %q", lists.Protected)
	}
	if lists.Agent != wantProtected {
		t.Fatalf("unexpected agent list %q", lists.Agent)
	}

	cfg.AuthRequired = boolPtr(false)
	if lists := Build(cfg); lists.Public != "auto: Auto\r\nbars: Bars\r\n" {
		t.Fatalf("expected auto to be public without auth, got %q", lists.Public)
	}
}

func TestBuildEmpty(t *testing.T) {
	lists := Build(&config.Config{})
	if lists.Public != Empty || lists.Protected != Empty || lists.Agent != Empty {
		t.Fatalf("expected empty lists, got %+v", lists)
	}
}

func TestDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	// e followed by a combining acute accent.
	decomposed := "cafe\u0301.mkv"
	for _, name := range []string{"b.mkv", "a.mkv", decomposed} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	list, err := DirectoryListing("movies", dir)
	if err != nil {
		t.Fatalf("DirectoryListing returned error: %v", err)
	}
	want := "movies/a.mkv: a.mkv\r\nmovies/b.mkv: b.mkv\r\nmovies/caf\u00e9.mkv: caf\u00e9.mkv\r\n"
	if list != want {
		t.Fatalf("unexpected listing %q, want %q", list, want)
	}

	if _, err := DirectoryListing("movies", filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestProxyListing(t *testing.T) {
	list := ProxyListing("office", []webrtsp.Parameter{{Name: "cam1", Value: "Door"}, {Name: "cam2"}})
	if list != "office/cam1: Door\r\noffice/cam2: \r\n" {
		t.Fatalf("unexpected proxy listing %q", list)
	}
	if ProxyListing("office", nil) != Empty {
		t.Fatal("expected empty proxy listing")
	}
}
