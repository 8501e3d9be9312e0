package session

import (
	"webrtsp-restreamer/internal/auth"
	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/webrtsp"
)

// authorize decides whether s may issue req. Any lookup miss denies.
func (h *Hub) authorize(s *Session, req *webrtsp.Request) bool {
	if s.mode == ModeAgent {
		// The upstream gateway authorized its own client.
		return true
	}
	switch req.Method {
	case webrtsp.Record:
		streamer, ok := h.index.Streamer(req.URI)
		if !ok || streamer.Type != config.TypeRecord {
			return false
		}
		return agentTokenMatches(streamer.AgentToken, req)
	case webrtsp.List:
		if req.URI == webrtsp.Wildcard {
			// The body is chosen by cookie, so the wildcard itself is open.
			return true
		}
		streamer, ok := h.index.Streamer(req.URI)
		if !ok {
			return false
		}
		if streamer.Type == config.TypeProxy {
			if req.HasBody() {
				return agentTokenMatches(streamer.AgentToken, req)
			}
			return h.visible(streamer, s)
		}
		return !req.HasBody() && h.visible(streamer, s)
	case webrtsp.Subscribe, webrtsp.Describe:
		streamer, ok := h.index.Streamer(req.URI)
		if !ok {
			return false
		}
		return h.visible(streamer, s)
	default:
		return true
	}
}

func (h *Hub) visible(streamer config.StreamerConfig, s *Session) bool {
	if streamer.Visibility.Effective(h.cfg.RequiresAuth()) == config.VisibilityPublic {
		return true
	}
	return h.cookieValid(s.transport.AuthCookie())
}

// agentTokenMatches checks the Bearer token of req. An empty expected token
// leaves the mountpoint open.
func agentTokenMatches(expected string, req *webrtsp.Request) bool {
	if expected == "" {
		return true
	}
	token, ok := req.BearerToken()
	if !ok {
		return false
	}
	return auth.VerifyAgentToken(expected, token) == nil
}
