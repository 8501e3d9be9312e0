package session

import (
	"errors"
	"log/slog"
	"sort"
	"strings"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/media"
	"webrtsp-restreamer/internal/mountpoint"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/webrtsp"
)

// MediaSessionInfo points at the other end of a relayed media session.
type MediaSessionInfo struct {
	Session      registry.SessionRef
	URI          string
	MediaSession webrtsp.MediaSessionID
}

// ForwardedRequest remembers where the response to a relayed request must go.
type ForwardedRequest struct {
	Method             webrtsp.Method
	SourceURI          string
	SourceCSeq         webrtsp.CSeq
	Source             registry.SessionRef
	SourceMediaSession webrtsp.MediaSessionID
}

// outgoingRequest is a request sent on this connection awaiting its response.
type outgoingRequest struct {
	method     webrtsp.Method
	uri        string
	forward    *ForwardedRequest
	onResponse func(*webrtsp.Response)
}

type mediaRole int

const (
	roleViewer mediaRole = iota
	roleRecorder
	roleSubscriber
)

type localMedia struct {
	uri  string
	peer media.Peer
	role mediaRole
}

// Session is the protocol state of one connection.
type Session struct {
	hub       *Hub
	ref       registry.SessionRef
	mode      Mode
	upstream  *config.SignallingServer
	transport Transport
	logger    *slog.Logger

	nextCSeq webrtsp.CSeq
	outgoing map[webrtsp.CSeq]*outgoingRequest
	media    map[webrtsp.MediaSessionID]*localMedia

	// clientMediaSessions holds ids this session minted for its client while
	// relaying to an agent; agentMediaSessions holds ids an agent minted for
	// media relayed to another session's client.
	clientMediaSessions map[webrtsp.MediaSessionID]MediaSessionInfo
	agentMediaSessions  map[webrtsp.MediaSessionID]MediaSessionInfo

	subscribed map[string]webrtsp.MediaSessionID

	iceServers []string
	iceReady   bool
	deferred   []*webrtsp.Request
}

func (s *Session) Ref() registry.SessionRef {
	return s.ref
}

func (s *Session) Mode() Mode {
	return s.mode
}

func (s *Session) handleRequest(req *webrtsp.Request) {
	if ms := req.Session(); ms != "" {
		if info, ok := s.agentMediaSessions[ms]; ok {
			s.forwardEstablished(req, ms, info, s.agentMediaSessions, clientSide)
			return
		}
		if info, ok := s.clientMediaSessions[ms]; ok {
			s.forwardEstablished(req, ms, info, s.clientMediaSessions, agentSide)
			return
		}
	}

	if s.mode == ModeAgent && req.Method == webrtsp.Describe && !s.iceReady {
		s.deferred = append(s.deferred, req)
		return
	}

	if !s.hub.authorize(s, req) {
		s.logger.Debug("request denied", "method", req.Method, "uri", req.URI)
		s.reject(req, webrtsp.StatusUnauthorized)
		return
	}

	switch req.Method {
	case webrtsp.Options:
		s.handleOptions(req)
	case webrtsp.List:
		s.handleList(req)
	case webrtsp.Describe:
		if s.hub.isProxyURI(req.URI) {
			s.forwardFresh(req)
			return
		}
		s.handleDescribe(req)
	case webrtsp.Setup:
		s.handleSetup(req)
	case webrtsp.Play:
		s.handlePlay(req)
	case webrtsp.Record:
		s.handleRecord(req)
	case webrtsp.Subscribe:
		s.handleSubscribe(req)
	case webrtsp.Teardown:
		s.handleTeardown(req)
	case webrtsp.GetParameter:
		s.handleGetParameter(req)
	default:
		s.reject(req, webrtsp.StatusMethodNotAllowed)
	}
}

func (s *Session) handleResponse(resp *webrtsp.Response) {
	pending, ok := s.outgoing[resp.CSeq]
	if !ok {
		s.logger.Warn("response without matching request", "cseq", resp.CSeq, "status", int(resp.StatusCode))
		return
	}
	delete(s.outgoing, resp.CSeq)
	if pending.forward != nil {
		s.completeForward(pending, resp)
		return
	}
	if pending.onResponse != nil {
		pending.onResponse(resp)
	}
}

// sendRequest assigns the next CSeq of this connection and sends req.
func (s *Session) sendRequest(req *webrtsp.Request, pending *outgoingRequest) {
	s.nextCSeq++
	req.CSeq = s.nextCSeq
	if pending == nil {
		pending = &outgoingRequest{}
	}
	pending.method = req.Method
	pending.uri = req.URI
	s.outgoing[req.CSeq] = pending
	s.transport.SendRequest(req)
}

// sendTeardown notifies this connection's peer that ms is gone. The response
// is consumed silently.
func (s *Session) sendTeardown(uri string, ms webrtsp.MediaSessionID) {
	req := &webrtsp.Request{Method: webrtsp.Teardown, URI: uri}
	req.SetSession(ms)
	s.sendRequest(req, nil)
}

func (s *Session) sendResponse(method webrtsp.Method, resp *webrtsp.Response) {
	s.hub.metrics.ObserveProtocolRequest(string(method), int(resp.StatusCode))
	s.transport.SendResponse(resp)
}

func (s *Session) respond(req *webrtsp.Request, resp *webrtsp.Response) {
	resp.CSeq = req.CSeq
	s.sendResponse(req.Method, resp)
}

func (s *Session) ok(req *webrtsp.Request) {
	s.respond(req, webrtsp.NewResponse(webrtsp.StatusOK, req.CSeq))
}

func (s *Session) reject(req *webrtsp.Request, code webrtsp.StatusCode) {
	resp := webrtsp.NewResponse(code, req.CSeq)
	if ms := req.Session(); ms != "" {
		resp.SetSession(ms)
	}
	s.respond(req, resp)
}

// newMediaSessionID mints an id unused by any table of this session.
func (s *Session) newMediaSessionID() webrtsp.MediaSessionID {
	for {
		id := s.hub.newID()
		if id != "" && !s.mediaSessionInUse(id) {
			return id
		}
	}
}

func (s *Session) mediaSessionInUse(id webrtsp.MediaSessionID) bool {
	if _, ok := s.media[id]; ok {
		return true
	}
	if _, ok := s.clientMediaSessions[id]; ok {
		return true
	}
	if _, ok := s.agentMediaSessions[id]; ok {
		return true
	}
	for _, ms := range s.subscribed {
		if ms == id {
			return true
		}
	}
	return false
}

func (s *Session) peerOptions() media.PeerOptions {
	if s.mode == ModeAgent && s.iceReady {
		return media.PeerOptions{ICEServers: append([]string(nil), s.iceServers...)}
	}
	return media.PeerOptions{ICEServers: s.hub.cfg.ICE.Servers()}
}

func (s *Session) handleOptions(req *webrtsp.Request) {
	methods := make([]string, 0, len(webrtsp.SupportedMethods))
	for _, m := range webrtsp.SupportedMethods {
		methods = append(methods, string(m))
	}
	resp := webrtsp.NewResponse(webrtsp.StatusOK, req.CSeq)
	resp.Header[webrtsp.HeaderPublic] = []string{strings.Join(methods, ", ")}
	s.respond(req, resp)
}

const (
	paramICEServers  = "ice-servers"
	paramSTUNServer  = "stun-server"
	paramTURNServer  = "turn-server"
	paramTURNSServer = "turns-server"
)

func (s *Session) handleGetParameter(req *webrtsp.Request) {
	if !req.HasBody() {
		s.ok(req)
		return
	}
	params, err := webrtsp.ParseParameters(req.Body)
	if err != nil {
		s.reject(req, webrtsp.StatusBadRequest)
		return
	}
	resp := webrtsp.NewResponse(webrtsp.StatusOK, req.CSeq)
	if _, ok := webrtsp.LookupParameter(params, paramICEServers); ok {
		ice := s.hub.cfg.ICE
		var out []webrtsp.Parameter
		for _, p := range []webrtsp.Parameter{
			{Name: paramSTUNServer, Value: ice.STUNServer},
			{Name: paramTURNServer, Value: ice.TURNServer},
			{Name: paramTURNSServer, Value: ice.TURNSServer},
		} {
			if p.Value != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			resp.SetBody(webrtsp.ContentTypeParameters, webrtsp.FormatParameters(out))
		}
	}
	s.respond(req, resp)
}

// destroy unwinds every piece of state that references this session. The
// session has already been removed from the hub, so its own weak reference
// no longer resolves.
func (s *Session) destroy() {
	h := s.hub

	for _, uri := range h.registry.RecordMountpoints() {
		if data, ok := h.registry.LookupRecordMountpoint(uri); ok {
			delete(data.Subscriptions, s.ref)
		}
	}

	for _, uri := range h.registry.AgentMountpoints(s.ref) {
		h.registry.EraseAgent(uri)
		h.registry.EraseMountpointList(uri)
		h.metrics.AgentUnregistered()
		s.logger.Info("agent unregistered", "uri", uri)
	}

	cseqs := make([]webrtsp.CSeq, 0, len(s.outgoing))
	for cseq := range s.outgoing {
		cseqs = append(cseqs, cseq)
	}
	sort.Slice(cseqs, func(i, j int) bool { return cseqs[i] < cseqs[j] })
	for _, cseq := range cseqs {
		fwd := s.outgoing[cseq].forward
		if fwd == nil {
			continue
		}
		source, ok := h.sessions[fwd.Source]
		if !ok {
			continue
		}
		resp := webrtsp.NewResponse(webrtsp.StatusBadGateway, fwd.SourceCSeq)
		if fwd.SourceMediaSession != "" {
			resp.SetSession(fwd.SourceMediaSession)
		}
		source.sendResponse(fwd.Method, resp)
		h.metrics.ObserveRelay("bad_gateway")
	}
	s.outgoing = nil

	for _, ms := range sortedIDs(s.clientMediaSessions) {
		info := s.clientMediaSessions[ms]
		if peer, ok := h.sessions[info.Session]; ok {
			delete(peer.agentMediaSessions, info.MediaSession)
			peer.sendTeardown(info.URI, info.MediaSession)
			h.metrics.ObserveRelay("teardown")
		}
	}
	for _, ms := range sortedIDs(s.agentMediaSessions) {
		info := s.agentMediaSessions[ms]
		if peer, ok := h.sessions[info.Session]; ok {
			delete(peer.clientMediaSessions, info.MediaSession)
			peer.sendTeardown(info.URI, info.MediaSession)
			h.metrics.ObserveRelay("teardown")
		}
	}
	s.clientMediaSessions = map[webrtsp.MediaSessionID]MediaSessionInfo{}
	s.agentMediaSessions = map[webrtsp.MediaSessionID]MediaSessionInfo{}

	var stopped []string
	for _, ms := range sortedIDs(s.media) {
		lm := s.media[ms]
		lm.peer.Close()
		if lm.role == roleRecorder {
			stopped = append(stopped, lm.uri)
		}
	}
	s.media = map[webrtsp.MediaSessionID]*localMedia{}
	s.subscribed = map[string]webrtsp.MediaSessionID{}
	s.deferred = nil
	for _, uri := range stopped {
		h.OnRecorderDisconnected(uri)
	}
}

func sortedIDs[V any](m map[webrtsp.MediaSessionID]V) []webrtsp.MediaSessionID {
	ids := make([]webrtsp.MediaSessionID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// statusFor maps resolution and peer errors onto response codes.
func statusFor(err error) webrtsp.StatusCode {
	switch {
	case errors.Is(err, webrtsp.ErrMalformedMessage):
		return webrtsp.StatusBadRequest
	case errors.Is(err, mountpoint.ErrSubstreamRequired):
		return webrtsp.StatusForbidden
	case errors.Is(err, mountpoint.ErrUnknownMountpoint), errors.Is(err, mountpoint.ErrNoSource):
		return webrtsp.StatusNotFound
	case errors.Is(err, mountpoint.ErrNoAgent):
		return webrtsp.StatusBadGateway
	default:
		return webrtsp.StatusInternalServerError
	}
}
