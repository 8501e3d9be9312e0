package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/listing"
	"webrtsp-restreamer/internal/media"
	"webrtsp-restreamer/internal/mountpoint"
	"webrtsp-restreamer/internal/observability/metrics"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/webrtsp"
)

const sampleSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

const testConfig = `{
	"authRequired": true,
	"streamers": {
		"pub":    {"type": "test", "visibility": "public", "description": "Public test"},
		"cam":    {"type": "test", "description": "Protected test"},
		"auto":   {"type": "test", "visibility": "auto"},
		"hidden": {"type": "test", "restream": false},
		"rec":    {"type": "record", "visibility": "public"},
		"secure": {"type": "record", "agentToken": "producer-secret"},
		"office": {"type": "proxy", "agentToken": "agent-secret", "visibility": "public"},
		"open":   {"type": "proxy", "visibility": "public"},
		"files":  {"type": "player", "uri": "/srv/media", "visibility": "public"}
	},
	"iceServers": {"stunServer": "stun:stun.example.org:3478", "turnServer": "turn:user:pass@turn.example.org:3478"}
}`

type fakeTransport struct {
	cookie    string
	requests  []*webrtsp.Request
	responses []*webrtsp.Response
}

func (t *fakeTransport) SendRequest(req *webrtsp.Request) {
	t.requests = append(t.requests, req.Clone())
}

func (t *fakeTransport) SendResponse(resp *webrtsp.Response) {
	t.responses = append(t.responses, resp.Clone())
}

func (t *fakeTransport) AuthCookie() string {
	return t.cookie
}

// takeRequests returns and forgets the requests sent so far.
func (t *fakeTransport) takeRequests() []*webrtsp.Request {
	out := t.requests
	t.requests = nil
	return out
}

func (t *fakeTransport) takeResponses() []*webrtsp.Response {
	out := t.responses
	t.responses = nil
	return out
}

type fakePeer struct {
	uri        string
	opts       media.PeerOptions
	record     bool
	offer      string
	remote     string
	candidates []string
	plays      int
	closed     bool
	playErr    error
}

func (p *fakePeer) LocalDescription() (string, error) {
	return p.offer, nil
}

func (p *fakePeer) SetRemoteDescription(sdp string) error {
	p.remote = sdp
	return nil
}

func (p *fakePeer) AddICECandidate(candidate string) error {
	if candidate == "" {
		return errors.New("empty candidate")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) Play() error {
	if p.playErr != nil {
		return p.playErr
	}
	p.plays++
	return nil
}

func (p *fakePeer) Close() {
	p.closed = true
}

type fakeSource struct {
	peers []*fakePeer
	err   error
}

func (s *fakeSource) CreatePeer(uri string, opts media.PeerOptions) (media.Peer, error) {
	return s.create(uri, opts, false)
}

func (s *fakeSource) CreateRecordPeer(uri string, opts media.PeerOptions) (media.Peer, error) {
	return s.create(uri, opts, true)
}

func (s *fakeSource) create(uri string, opts media.PeerOptions, record bool) (media.Peer, error) {
	if s.err != nil {
		return nil, s.err
	}
	peer := &fakePeer{uri: uri, opts: opts, record: record, offer: sampleSDP}
	s.peers = append(s.peers, peer)
	return peer, nil
}

type harness struct {
	t       *testing.T
	cfg     *config.Config
	reg     *registry.SharedRegistry
	hub     *Hub
	metrics *metrics.Recorder
	sources map[string]*fakeSource
	now     time.Time
	ids     int
	cseq    webrtsp.CSeq
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig)
}

func newHarnessWithConfig(t *testing.T, raw string) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	h := &harness{
		t:       t,
		cfg:     cfg,
		sources: make(map[string]*fakeSource),
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		metrics: metrics.New(),
	}
	sources := media.Sources{}
	for name, streamer := range cfg.Streamers {
		if streamer.Type == config.TypeProxy {
			continue
		}
		src := &fakeSource{}
		h.sources[name] = src
		sources[name] = src
	}
	h.reg = registry.New(listing.Build(cfg))
	h.hub = NewHub(HubConfig{
		Config:   cfg,
		Index:    mountpoint.NewIndex(cfg, sources, h.reg),
		Registry: h.reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  h.metrics,
		Now:      func() time.Time { return h.now },
		NewMediaSessionID: func() webrtsp.MediaSessionID {
			h.ids++
			return webrtsp.MediaSessionID(fmt.Sprintf("ms%d", h.ids))
		},
	})
	return h
}

func (h *harness) open(cookie string) (registry.SessionRef, *fakeTransport) {
	tr := &fakeTransport{cookie: cookie}
	return h.hub.Open(tr, Options{Mode: ModeClient}), tr
}

func (h *harness) session(ref registry.SessionRef) *Session {
	h.t.Helper()
	s, ok := h.hub.Lookup(ref)
	if !ok {
		h.t.Fatalf("session %d not found", ref)
	}
	return s
}

// login issues a token valid for an hour and returns it.
func (h *harness) login(token string) string {
	h.t.Helper()
	if err := h.hub.OnNewAuthToken(token, h.now.Add(time.Hour)); err != nil {
		h.t.Fatalf("OnNewAuthToken: %v", err)
	}
	return token
}

type requestOption func(*webrtsp.Request)

func withSession(ms webrtsp.MediaSessionID) requestOption {
	return func(r *webrtsp.Request) { r.SetSession(ms) }
}

func withBody(contentType, body string) requestOption {
	return func(r *webrtsp.Request) { r.SetBody(contentType, body) }
}

func withBearer(token string) requestOption {
	return func(r *webrtsp.Request) { r.SetBearerToken(token) }
}

// send delivers a request on ref and returns its CSeq.
func (h *harness) send(ref registry.SessionRef, method webrtsp.Method, uri string, opts ...requestOption) webrtsp.CSeq {
	h.cseq++
	req := &webrtsp.Request{Method: method, URI: uri, CSeq: h.cseq}
	for _, opt := range opts {
		opt(req)
	}
	h.hub.HandleRequest(ref, req)
	return req.CSeq
}

// do sends a request and returns the immediate response carrying its CSeq.
func (h *harness) do(ref registry.SessionRef, tr *fakeTransport, method webrtsp.Method, uri string, opts ...requestOption) *webrtsp.Response {
	h.t.Helper()
	cseq := h.send(ref, method, uri, opts...)
	for i := len(tr.responses) - 1; i >= 0; i-- {
		if tr.responses[i].CSeq == cseq {
			return tr.responses[i]
		}
	}
	h.t.Fatalf("no response to %s %s (cseq %d)", method, uri, cseq)
	return nil
}

func (h *harness) expectStatus(resp *webrtsp.Response, want webrtsp.StatusCode) {
	h.t.Helper()
	if resp.StatusCode != want {
		h.t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

// answer replies to a request the gateway sent on ref.
func (h *harness) answer(ref registry.SessionRef, req *webrtsp.Request, code webrtsp.StatusCode, opts ...func(*webrtsp.Response)) {
	resp := webrtsp.NewResponse(code, req.CSeq)
	for _, opt := range opts {
		opt(resp)
	}
	h.hub.HandleResponse(ref, resp)
}

func respSession(ms webrtsp.MediaSessionID) func(*webrtsp.Response) {
	return func(r *webrtsp.Response) { r.SetSession(ms) }
}

func respBody(contentType, body string) func(*webrtsp.Response) {
	return func(r *webrtsp.Response) { r.SetBody(contentType, body) }
}
