package session

import (
	"webrtsp-restreamer/internal/webrtsp"
)

func (s *Session) handleDescribe(req *webrtsp.Request) {
	target, err := s.hub.index.Resolve(req.URI)
	if err != nil {
		s.reject(req, statusFor(err))
		return
	}
	if !target.Streamer.CanRestream() {
		s.reject(req, webrtsp.StatusForbidden)
		return
	}
	peer, err := target.Source.CreatePeer(req.URI, s.peerOptions())
	if err != nil {
		s.logger.Warn("create peer failed", "uri", req.URI, "error", err)
		s.reject(req, webrtsp.StatusInternalServerError)
		return
	}
	offer, err := peer.LocalDescription()
	if err != nil {
		peer.Close()
		s.logger.Warn("peer offer failed", "uri", req.URI, "error", err)
		s.reject(req, webrtsp.StatusInternalServerError)
		return
	}
	ms := s.newMediaSessionID()
	s.media[ms] = &localMedia{uri: req.URI, peer: peer, role: roleViewer}

	resp := webrtsp.NewResponse(webrtsp.StatusOK, req.CSeq)
	resp.SetSession(ms)
	resp.SetBody(webrtsp.ContentTypeSDP, offer)
	s.respond(req, resp)
}

// lookupMedia answers 454 when req names no local media session.
func (s *Session) lookupMedia(req *webrtsp.Request) (webrtsp.MediaSessionID, *localMedia, bool) {
	ms := req.Session()
	lm, ok := s.media[ms]
	if !ok {
		s.reject(req, webrtsp.StatusSessionNotFound)
		return ms, nil, false
	}
	return ms, lm, true
}

func (s *Session) handleSetup(req *webrtsp.Request) {
	ms, lm, ok := s.lookupMedia(req)
	if !ok {
		return
	}
	if err := lm.peer.AddICECandidate(req.Body); err != nil {
		s.logger.Debug("ice candidate rejected", "media_session", ms, "error", err)
		s.reject(req, webrtsp.StatusBadRequest)
		return
	}
	s.okSession(req, ms)
}

func (s *Session) handlePlay(req *webrtsp.Request) {
	ms, lm, ok := s.lookupMedia(req)
	if !ok {
		return
	}
	if req.ContentType() == webrtsp.ContentTypeSDP && req.Body != "" {
		if err := webrtsp.ValidateSDP(req.Body); err != nil {
			s.reject(req, webrtsp.StatusBadRequest)
			return
		}
		if err := lm.peer.SetRemoteDescription(req.Body); err != nil {
			s.logger.Warn("apply answer failed", "media_session", ms, "error", err)
			s.reject(req, webrtsp.StatusInternalServerError)
			return
		}
	}
	if err := lm.peer.Play(); err != nil {
		s.logger.Warn("play failed", "media_session", ms, "error", err)
		s.reject(req, webrtsp.StatusInternalServerError)
		return
	}
	s.okSession(req, ms)
}

func (s *Session) handleRecord(req *webrtsp.Request) {
	h := s.hub
	if _, substream := webrtsp.SplitURI(req.URI); substream != "" {
		s.reject(req, webrtsp.StatusNotFound)
		return
	}
	target, err := h.index.Resolve(req.URI)
	if err != nil {
		s.reject(req, statusFor(err))
		return
	}
	if data, ok := h.registry.LookupRecordMountpoint(req.URI); ok && data.Recording {
		s.logger.Warn("recording already in progress", "uri", req.URI)
		s.reject(req, webrtsp.StatusForbidden)
		return
	}
	if req.ContentType() != webrtsp.ContentTypeSDP {
		s.reject(req, webrtsp.StatusBadRequest)
		return
	}
	if err := webrtsp.ValidateSDP(req.Body); err != nil {
		s.reject(req, webrtsp.StatusBadRequest)
		return
	}
	peer, err := target.Source.CreateRecordPeer(req.URI, s.peerOptions())
	if err != nil {
		s.logger.Warn("create record peer failed", "uri", req.URI, "error", err)
		s.reject(req, webrtsp.StatusInternalServerError)
		return
	}
	if err := peer.SetRemoteDescription(req.Body); err != nil {
		peer.Close()
		s.logger.Warn("apply offer failed", "uri", req.URI, "error", err)
		s.reject(req, webrtsp.StatusInternalServerError)
		return
	}
	answer, err := peer.LocalDescription()
	if err != nil {
		peer.Close()
		s.logger.Warn("record answer failed", "uri", req.URI, "error", err)
		s.reject(req, webrtsp.StatusInternalServerError)
		return
	}
	ms := s.newMediaSessionID()
	s.media[ms] = &localMedia{uri: req.URI, peer: peer, role: roleRecorder}

	resp := webrtsp.NewResponse(webrtsp.StatusOK, req.CSeq)
	resp.SetSession(ms)
	resp.SetBody(webrtsp.ContentTypeSDP, answer)
	s.respond(req, resp)

	if err := peer.Play(); err != nil {
		s.logger.Warn("record start failed", "uri", req.URI, "error", err)
		peer.Close()
		delete(s.media, ms)
		s.sendTeardown(req.URI, ms)
		return
	}
	s.logger.Info("recorder connected", "uri", req.URI, "media_session", ms)
	h.OnRecorderConnected(req.URI)
}

func (s *Session) handleTeardown(req *webrtsp.Request) {
	ms := req.Session()
	if lm, ok := s.media[ms]; ok {
		lm.peer.Close()
		delete(s.media, ms)
		switch lm.role {
		case roleRecorder:
			s.logger.Info("recorder disconnected", "uri", lm.uri, "media_session", ms)
			s.hub.OnRecorderDisconnected(lm.uri)
		case roleSubscriber:
			if s.subscribed[lm.uri] == ms {
				delete(s.subscribed, lm.uri)
			}
			s.hub.metrics.ObserveSubscribe("stopped")
		}
		s.okSession(req, ms)
		return
	}
	if s.dropWaitingSubscription(ms) {
		s.okSession(req, ms)
		return
	}
	s.reject(req, webrtsp.StatusSessionNotFound)
}

func (s *Session) okSession(req *webrtsp.Request, ms webrtsp.MediaSessionID) {
	resp := webrtsp.NewResponse(webrtsp.StatusOK, req.CSeq)
	resp.SetSession(ms)
	s.respond(req, resp)
}
