package transport

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"webrtsp-restreamer/internal/session"
)

// DefaultCookieName carries the login token on browser upgrades.
const DefaultCookieName = "WebRTSP-Auth"

// ServerConfig configures the upgrade endpoint.
type ServerConfig struct {
	Config
	AllowedOrigins []string
	CookieName     string
}

// Server upgrades HTTP requests and serves each connection as a client-mode
// session. ServeHTTP returns when the connection closes.
type Server struct {
	cfg        Config
	cookieName string
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	policy, err := newOriginPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	base := cfg.Config.withDefaults()
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	logger := base.Logger
	return &Server{
		cfg:        base,
		cookieName: cookieName,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				if policy.check(r) {
					return true
				}
				logger.Warn("blocked websocket origin", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
				return false
			},
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cookie string
	if c, err := r.Cookie(s.cookieName); err == nil {
		cookie = c.Value
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	conn := newConn(ws, cookie, s.cfg)
	conn.logger.Debug("connection accepted", "remote_addr", r.RemoteAddr)
	if err := conn.Serve(r.Context(), session.Options{Mode: session.ModeClient}); err != nil {
		conn.logger.Debug("connection ended", "error", err)
	}
}
