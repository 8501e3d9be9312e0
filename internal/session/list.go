package session

import (
	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/listing"
	"webrtsp-restreamer/internal/webrtsp"
)

func (s *Session) handleList(req *webrtsp.Request) {
	h := s.hub
	if req.URI == webrtsp.Wildcard {
		lists := h.registry.Lists()
		body := lists.Public
		if h.cookieValid(s.transport.AuthCookie()) {
			body = lists.Protected
		}
		s.respondList(req, body)
		return
	}

	name, substream := webrtsp.SplitURI(req.URI)
	streamer, ok := h.cfg.Streamer(name)
	if !ok {
		s.reject(req, webrtsp.StatusNotFound)
		return
	}
	if req.HasBody() {
		if streamer.Type != config.TypeProxy || substream != "" {
			s.reject(req, webrtsp.StatusBadRequest)
			return
		}
		s.registerAgent(req, name)
		return
	}
	if !streamer.CanRestream() {
		s.reject(req, webrtsp.StatusForbidden)
		return
	}
	body, ok := h.registry.MountpointList(name)
	if !ok {
		body = listing.Empty
	}
	s.respondList(req, body)
}

func (s *Session) respondList(req *webrtsp.Request, body string) {
	resp := webrtsp.NewResponse(webrtsp.StatusOK, req.CSeq)
	resp.SetBody(webrtsp.ContentTypeParameters, body)
	s.respond(req, resp)
}

// registerAgent makes s the authoritative agent for the proxy mountpoint
// name and caches the substreams it announced.
func (s *Session) registerAgent(req *webrtsp.Request, name string) {
	h := s.hub
	params, err := webrtsp.ParseParameters(req.Body)
	if err != nil {
		s.reject(req, webrtsp.StatusBadRequest)
		return
	}
	previous, registered := h.registry.Agent(name)
	if registered && previous != s.ref {
		s.logger.Info("agent replaced", "uri", name, "previous", uint64(previous))
	}
	if !registered || previous != s.ref {
		h.metrics.AgentRegistered()
		if registered {
			h.metrics.AgentUnregistered()
		}
	}
	h.registry.SetAgent(name, s.ref)
	h.registry.SetMountpointList(name, listing.ProxyListing(name, params))
	s.logger.Info("agent registered", "uri", name, "substreams", len(params))
	s.ok(req)
}
