package session

import (
	"webrtsp-restreamer/internal/webrtsp"
)

// registerUpstream announces this gateway's mountpoints to the upstream
// signalling server and fetches the ICE servers its clients use. DESCRIBE
// requests from upstream wait for the ICE servers.
func (s *Session) registerUpstream() {
	if s.upstream == nil {
		s.logger.Error("agent session without upstream")
		s.completeICEServers(nil)
		return
	}
	list := &webrtsp.Request{Method: webrtsp.List, URI: s.upstream.URI}
	list.SetBody(webrtsp.ContentTypeParameters, s.hub.registry.Lists().Agent)
	list.SetBearerToken(s.upstream.Token)
	s.sendRequest(list, &outgoingRequest{onResponse: func(resp *webrtsp.Response) {
		if resp.StatusCode != webrtsp.StatusOK {
			s.logger.Warn("upstream rejected registration", "uri", s.upstream.URI, "status", int(resp.StatusCode))
			return
		}
		s.logger.Info("registered with upstream", "uri", s.upstream.URI)
	}})

	ice := &webrtsp.Request{Method: webrtsp.GetParameter, URI: s.upstream.URI}
	ice.SetBody(webrtsp.ContentTypeParameters, paramICEServers+"\r\n")
	s.sendRequest(ice, &outgoingRequest{onResponse: s.completeICEServers})
}

// completeICEServers stores the servers announced upstream, falling back to
// the local configuration when the request failed or named no server, and
// replays deferred requests.
func (s *Session) completeICEServers(resp *webrtsp.Response) {
	var servers []string
	if resp != nil && resp.StatusCode == webrtsp.StatusOK {
		if params, err := webrtsp.ParseParameters(resp.Body); err == nil {
			for _, name := range []string{paramSTUNServer, paramTURNServer, paramTURNSServer} {
				if value, ok := webrtsp.LookupParameter(params, name); ok && value != "" {
					servers = append(servers, value)
				}
			}
		}
	}
	if len(servers) == 0 {
		servers = s.hub.cfg.ICE.Servers()
		s.logger.Warn("upstream ice servers unavailable, using local configuration")
	}
	s.iceServers = servers
	s.iceReady = true

	deferred := s.deferred
	s.deferred = nil
	for _, req := range deferred {
		s.handleRequest(req)
	}
}
