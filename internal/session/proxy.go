package session

import (
	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/webrtsp"
)

// side names the session a relayed request travels to.
type side int

const (
	// clientSide is the session facing the original client.
	clientSide side = iota
	// agentSide is the session facing the registered agent.
	agentSide
)

// reverse returns the table of peer that holds the mirror entry.
func (sd side) reverse(peer *Session) map[webrtsp.MediaSessionID]MediaSessionInfo {
	if sd == clientSide {
		return peer.clientMediaSessions
	}
	return peer.agentMediaSessions
}

func (h *Hub) isProxyURI(uri string) bool {
	streamer, ok := h.index.Streamer(uri)
	return ok && streamer.Type == config.TypeProxy
}

// forwardFresh relays a request that opens a media session on a proxy
// mountpoint to the agent registered for it.
func (s *Session) forwardFresh(req *webrtsp.Request) {
	h := s.hub
	target, err := h.index.Resolve(req.URI)
	if err != nil {
		s.logger.Warn("relay target unavailable", "uri", req.URI, "error", err)
		s.reject(req, statusFor(err))
		return
	}
	agent, ok := h.sessions[target.Agent]
	if !ok {
		s.logger.Warn("relay agent gone", "uri", req.URI)
		h.metrics.ObserveRelay("bad_gateway")
		s.reject(req, webrtsp.StatusBadGateway)
		return
	}
	out := req.Clone()
	out.URI = target.Substream
	out.SetSession("")
	out.SetBearerToken("")
	agent.sendRequest(out, &outgoingRequest{forward: &ForwardedRequest{
		Method:     req.Method,
		SourceURI:  req.URI,
		SourceCSeq: req.CSeq,
		Source:     s.ref,
	}})
	h.metrics.ObserveRelay("forwarded")
}

// forwardEstablished relays a request for a media session that already has
// a correlation entry in own. A TEARDOWN erases both entries before it is
// sent so a repeated TEARDOWN cannot reach a reused id.
func (s *Session) forwardEstablished(req *webrtsp.Request, ms webrtsp.MediaSessionID, info MediaSessionInfo, own map[webrtsp.MediaSessionID]MediaSessionInfo, to side) {
	h := s.hub
	peer, ok := h.sessions[info.Session]
	if !ok {
		delete(own, ms)
		s.logger.Warn("relay peer gone", "method", req.Method, "media_session", ms)
		h.metrics.ObserveRelay("bad_gateway")
		s.reject(req, webrtsp.StatusBadGateway)
		return
	}
	out := req.Clone()
	out.URI = info.URI
	out.SetSession(info.MediaSession)
	out.SetBearerToken("")
	if req.Method == webrtsp.Teardown {
		delete(own, ms)
		delete(to.reverse(peer), info.MediaSession)
		h.metrics.ObserveRelay("teardown")
	}
	peer.sendRequest(out, &outgoingRequest{forward: &ForwardedRequest{
		Method:             req.Method,
		SourceURI:          req.URI,
		SourceCSeq:         req.CSeq,
		Source:             s.ref,
		SourceMediaSession: ms,
	}})
	h.metrics.ObserveRelay("forwarded")
}

// completeForward routes the response to a relayed request back to the
// session that originated it. s is the session the response arrived on.
func (s *Session) completeForward(pending *outgoingRequest, resp *webrtsp.Response) {
	h := s.hub
	fwd := pending.forward
	opened := fwd.Method == webrtsp.Describe && fwd.SourceMediaSession == "" && resp.StatusCode == webrtsp.StatusOK
	source, ok := h.sessions[fwd.Source]
	if !ok {
		h.metrics.ObserveRelay("dropped")
		if opened && resp.Session() != "" {
			// Nobody will ever tear this media session down otherwise.
			s.sendTeardown(pending.uri, resp.Session())
		}
		return
	}

	out := resp.Clone()
	out.CSeq = fwd.SourceCSeq
	if opened {
		remote := resp.Session()
		if remote == "" || s.mediaSessionInUse(remote) {
			s.logger.Error("relayed media session rejected", "media_session", remote, "uri", pending.uri)
			h.metrics.ObserveRelay("bad_gateway")
			source.sendResponse(fwd.Method, webrtsp.NewResponse(webrtsp.StatusBadGateway, fwd.SourceCSeq))
			return
		}
		local := source.newMediaSessionID()
		source.clientMediaSessions[local] = MediaSessionInfo{Session: s.ref, URI: pending.uri, MediaSession: remote}
		s.agentMediaSessions[remote] = MediaSessionInfo{Session: source.ref, URI: fwd.SourceURI, MediaSession: local}
		out.SetSession(local)
	} else if fwd.SourceMediaSession == "" || out.Session() != "" {
		// Agent media session ids never reach the client unmapped.
		out.SetSession(fwd.SourceMediaSession)
	}
	source.sendResponse(fwd.Method, out)
}
