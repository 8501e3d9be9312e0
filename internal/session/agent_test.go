package session

import (
	"reflect"
	"testing"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/webrtsp"
)

func openAgent(t *testing.T, h *harness) (registry.SessionRef, *fakeTransport, *webrtsp.Request) {
	t.Helper()
	tr := &fakeTransport{}
	ref := h.hub.Open(tr, Options{
		Mode:     ModeAgent,
		Upstream: &config.SignallingServer{URL: "wss://upstream.example.org/", URI: "office", Token: "agent-secret"},
	})
	reqs := tr.takeRequests()
	if len(reqs) != 2 {
		t.Fatalf("expected registration and ice-servers requests, got %d", len(reqs))
	}
	list, ice := reqs[0], reqs[1]
	if list.Method != webrtsp.List || list.URI != "office" || list.Body != h.reg.Lists().Agent {
		t.Fatalf("unexpected registration %+v", list)
	}
	if token, ok := list.BearerToken(); !ok || token != "agent-secret" {
		t.Fatalf("expected agent token on registration, got %q", token)
	}
	if ice.Method != webrtsp.GetParameter || ice.Body != "ice-servers\r\n" {
		t.Fatalf("unexpected ice-servers request %+v", ice)
	}
	h.answer(ref, list, webrtsp.StatusOK)
	return ref, tr, ice
}

func TestAgentDefersDescribeUntilICEServers(t *testing.T) {
	h := newHarness(t)
	ref, tr, ice := openAgent(t, h)

	cseq := h.send(ref, webrtsp.Describe, "cam")
	if len(tr.responses) != 0 || len(h.sources["cam"].peers) != 0 {
		t.Fatal("DESCRIBE must wait for the ice servers")
	}

	h.answer(ref, ice, webrtsp.StatusOK, respBody(webrtsp.ContentTypeParameters,
		"stun-server: stun:upstream.example.org:3478\r\nturns-server: turns:upstream.example.org:5349\r\n"))

	resps := tr.takeResponses()
	if len(resps) != 1 || resps[0].CSeq != cseq || resps[0].StatusCode != webrtsp.StatusOK {
		t.Fatalf("expected deferred DESCRIBE answered, got %+v", resps)
	}
	want := []string{"stun:upstream.example.org:3478", "turns:upstream.example.org:5349"}
	if got := h.sources["cam"].peers[0].opts.ICEServers; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected upstream ice servers %v, got %v", want, got)
	}
}

func TestAgentFallsBackToConfiguredICEServers(t *testing.T) {
	h := newHarness(t)
	ref, tr, ice := openAgent(t, h)
	h.answer(ref, ice, webrtsp.StatusInternalServerError)

	h.expectStatus(h.do(ref, tr, webrtsp.Describe, "cam"), webrtsp.StatusOK)
	if got := h.sources["cam"].peers[0].opts.ICEServers; !reflect.DeepEqual(got, h.cfg.ICE.Servers()) {
		t.Fatalf("expected configured ice servers, got %v", got)
	}
}

func TestAgentFallsBackWhenUpstreamNamesNoServer(t *testing.T) {
	tests := []struct {
		name string
		opts []func(*webrtsp.Response)
	}{
		{"ok without body", nil},
		{"ok with empty values", []func(*webrtsp.Response){respBody(webrtsp.ContentTypeParameters, "stun-server: \r\n")}},
		{"ok with unrelated parameters", []func(*webrtsp.Response){respBody(webrtsp.ContentTypeParameters, "other: value\r\n")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ref, tr, ice := openAgent(t, h)
			h.answer(ref, ice, webrtsp.StatusOK, tt.opts...)

			h.expectStatus(h.do(ref, tr, webrtsp.Describe, "cam"), webrtsp.StatusOK)
			if got := h.sources["cam"].peers[0].opts.ICEServers; !reflect.DeepEqual(got, h.cfg.ICE.Servers()) {
				t.Fatalf("expected configured ice servers, got %v", got)
			}
		})
	}
}

func TestAgentSessionStillChecksRestream(t *testing.T) {
	h := newHarness(t)
	ref, tr, ice := openAgent(t, h)
	h.answer(ref, ice, webrtsp.StatusOK)

	h.expectStatus(h.do(ref, tr, webrtsp.Describe, "hidden"), webrtsp.StatusForbidden)
	h.expectStatus(h.do(ref, tr, webrtsp.List, "hidden"), webrtsp.StatusForbidden)
}

func TestAgentSessionClosedWithDeferredRequests(t *testing.T) {
	h := newHarness(t)
	ref, tr, ice := openAgent(t, h)
	h.send(ref, webrtsp.Describe, "cam")
	h.hub.Close(ref)
	h.answer(ref, ice, webrtsp.StatusOK)
	if len(tr.responses) != 0 || len(h.sources["cam"].peers) != 0 {
		t.Fatal("a closed agent session must not answer deferred requests")
	}
}

func TestHubLifecycle(t *testing.T) {
	h := newHarness(t)
	ref, _ := h.open("")
	if h.hub.SessionCount() != 1 || h.metrics.ActiveSessions() != 1 {
		t.Fatalf("expected one active session, got %d/%d", h.hub.SessionCount(), h.metrics.ActiveSessions())
	}
	h.hub.Close(ref)
	h.hub.Close(ref)
	if h.hub.SessionCount() != 0 || h.metrics.ActiveSessions() != 0 {
		t.Fatal("expected no active sessions after close")
	}
	next, _ := h.open("")
	if next == ref {
		t.Fatal("session refs must never be reused")
	}
	if err := h.hub.OnNewAuthToken("", h.now); err == nil {
		t.Fatal("expected error for empty token")
	}
}
