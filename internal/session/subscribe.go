package session

import (
	"sort"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/webrtsp"
)

func (s *Session) handleSubscribe(req *webrtsp.Request) {
	h := s.hub
	name, substream := webrtsp.SplitURI(req.URI)
	streamer, ok := h.cfg.Streamer(name)
	if !ok || substream != "" {
		s.reject(req, webrtsp.StatusNotFound)
		return
	}
	if streamer.Type != config.TypeRecord || !streamer.CanRestream() {
		s.reject(req, webrtsp.StatusForbidden)
		return
	}
	if _, dup := s.subscribed[req.URI]; dup {
		s.logger.Warn("duplicate subscribe", "uri", req.URI)
		h.metrics.ObserveSubscribe("rejected")
		s.reject(req, webrtsp.StatusBadRequest)
		return
	}
	ms := s.newMediaSessionID()
	s.subscribed[req.URI] = ms
	s.okSession(req, ms)

	data := h.registry.RecordMountpoint(req.URI)
	if !data.Recording {
		data.Subscriptions[s.ref] = ms
		h.metrics.ObserveSubscribe("queued")
		return
	}
	s.startSubscriber(req.URI, ms)
}

// startSubscriber offers the recorded stream of uri to this session's viewer
// through a DESCRIBE the gateway initiates.
func (s *Session) startSubscriber(uri string, ms webrtsp.MediaSessionID) {
	peer, err := s.hub.index.CreatePeer(uri, s.peerOptions())
	if err != nil {
		s.logger.Warn("create subscriber peer failed", "uri", uri, "error", err)
		s.endSubscriber(uri, ms, true)
		return
	}
	offer, err := peer.LocalDescription()
	if err != nil {
		peer.Close()
		s.logger.Warn("subscriber offer failed", "uri", uri, "error", err)
		s.endSubscriber(uri, ms, true)
		return
	}
	s.media[ms] = &localMedia{uri: uri, peer: peer, role: roleSubscriber}

	req := &webrtsp.Request{Method: webrtsp.Describe, URI: uri}
	req.SetSession(ms)
	req.SetBody(webrtsp.ContentTypeSDP, offer)
	s.sendRequest(req, &outgoingRequest{onResponse: func(resp *webrtsp.Response) {
		s.completeSubscriber(uri, ms, resp)
	}})
	s.hub.metrics.ObserveSubscribe("started")
}

func (s *Session) completeSubscriber(uri string, ms webrtsp.MediaSessionID, resp *webrtsp.Response) {
	lm, ok := s.media[ms]
	if !ok || lm.role != roleSubscriber {
		return
	}
	if resp.StatusCode != webrtsp.StatusOK {
		s.logger.Info("viewer declined subscription", "uri", uri, "status", int(resp.StatusCode))
		s.endSubscriber(uri, ms, false)
		return
	}
	if err := webrtsp.ValidateSDP(resp.Body); err != nil {
		s.logger.Warn("viewer answer invalid", "uri", uri, "error", err)
		s.endSubscriber(uri, ms, true)
		return
	}
	if err := lm.peer.SetRemoteDescription(resp.Body); err != nil {
		s.logger.Warn("apply viewer answer failed", "uri", uri, "error", err)
		s.endSubscriber(uri, ms, true)
		return
	}
	if err := lm.peer.Play(); err != nil {
		s.logger.Warn("subscriber play failed", "uri", uri, "error", err)
		s.endSubscriber(uri, ms, true)
	}
}

// endSubscriber releases the subscription ms to uri, optionally telling the
// viewer with a TEARDOWN.
func (s *Session) endSubscriber(uri string, ms webrtsp.MediaSessionID, notify bool) {
	if lm, ok := s.media[ms]; ok {
		lm.peer.Close()
		delete(s.media, ms)
	}
	if s.subscribed[uri] == ms {
		delete(s.subscribed, uri)
	}
	s.hub.metrics.ObserveSubscribe("stopped")
	if notify {
		s.sendTeardown(uri, ms)
	}
}

// dropWaitingSubscription removes a subscription still waiting for its
// producer.
func (s *Session) dropWaitingSubscription(ms webrtsp.MediaSessionID) bool {
	if ms == "" {
		return false
	}
	for uri, subscribed := range s.subscribed {
		if subscribed != ms {
			continue
		}
		delete(s.subscribed, uri)
		if data, ok := s.hub.registry.LookupRecordMountpoint(uri); ok && data.Subscriptions[s.ref] == ms {
			delete(data.Subscriptions, s.ref)
		}
		s.hub.metrics.ObserveSubscribe("stopped")
		return true
	}
	return false
}

// OnRecorderConnected marks uri as recording and starts every viewer that
// was waiting for it.
func (h *Hub) OnRecorderConnected(uri string) {
	data := h.registry.RecordMountpoint(uri)
	data.Recording = true
	waiting := data.Subscriptions
	data.Subscriptions = make(map[registry.SessionRef]webrtsp.MediaSessionID)

	refs := make([]registry.SessionRef, 0, len(waiting))
	for ref := range waiting {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	for _, ref := range refs {
		s, ok := h.sessions[ref]
		if !ok {
			continue
		}
		ms := waiting[ref]
		if s.subscribed[uri] != ms {
			continue
		}
		s.startSubscriber(uri, ms)
	}
}

// OnRecorderDisconnected marks uri as idle and stops every viewer it fed.
func (h *Hub) OnRecorderDisconnected(uri string) {
	data, ok := h.registry.LookupRecordMountpoint(uri)
	if !ok {
		return
	}
	data.Recording = false
	if len(data.Subscriptions) > 0 {
		h.logger.Error("subscriptions pending while recording", "uri", uri, "count", len(data.Subscriptions))
		waiting := data.Subscriptions
		data.Subscriptions = make(map[registry.SessionRef]webrtsp.MediaSessionID)
		for ref, ms := range waiting {
			if s, ok := h.sessions[ref]; ok {
				s.endSubscriber(uri, ms, true)
			}
		}
	}
	for _, ref := range h.sortedRefs() {
		s := h.sessions[ref]
		for _, ms := range sortedIDs(s.media) {
			if lm := s.media[ms]; lm.role == roleSubscriber && lm.uri == uri {
				s.endSubscriber(uri, ms, true)
			}
		}
	}
}
