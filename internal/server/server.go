package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"webrtsp-restreamer/internal/observability/logging"
	"webrtsp-restreamer/internal/observability/metrics"
	"webrtsp-restreamer/internal/serverutil"
)

// DefaultWebRTSPPath is where WebSocket upgrades are accepted.
const DefaultWebRTSPPath = "/"

type Config struct {
	Addr        string
	TLS         serverutil.TLSConfig
	RateLimit   RateLimitConfig
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	WebRTSPPath string
	// Ready reports whether the gateway can take connections; /healthz
	// answers 503 while it returns an error.
	Ready func() error
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tls         serverutil.TLSConfig
}

// New builds the server around the WebRTSP upgrade handler.
func New(webrtsp http.Handler, cfg Config) (*Server, error) {
	if webrtsp == nil {
		return nil, errors.New("webrtsp handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	path := strings.TrimSpace(cfg.WebRTSPPath)
	if path == "" {
		path = DefaultWebRTSPPath
	}

	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure rate limiter: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(recorder, cfg.Ready))
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle(path, webrtsp)

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, status int, d time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tls:         cfg.TLS,
	}, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx ends, then shuts down gracefully. onListen, when
// set, receives the bound address.
func (s *Server) Run(ctx context.Context, onListen func(net.Addr)) error {
	defer s.rateLimiter.Close()
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS:    s.tls,
		OnListen: func(addr net.Addr) {
			s.logger.Info("http server listening", "addr", addr.String(), "tls", s.tls.CertFile != "")
			if onListen != nil {
				onListen(addr)
			}
		},
	})
}

type healthStatus struct {
	Status   string `json:"status"`
	Sessions int64  `json:"sessions"`
	Error    string `json:"error,omitempty"`
}

func healthHandler(recorder *metrics.Recorder, ready func() error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
			return
		}
		status := healthStatus{Status: "ok", Sessions: recorder.ActiveSessions()}
		code := http.StatusOK
		if ready != nil {
			if err := ready(); err != nil {
				status.Status = "unavailable"
				status.Error = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if isUpgrade(r) {
			allowed, retryAfter, err := rl.AllowConnect(extractClientIP(r))
			if err != nil {
				logger.Error("rate limiter failure", "error", err)
				http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
