// Package session implements the per-connection WebRTSP state machine:
// authorization, LIST/SUBSCRIBE/RECORD semantics, local media flows and the
// relaying of requests between client sessions and agent sessions.
//
// Nothing here locks. Every exported method must run on the event loop that
// owns the Hub.
package session

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"webrtsp-restreamer/internal/auth"
	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/listing"
	"webrtsp-restreamer/internal/mountpoint"
	"webrtsp-restreamer/internal/observability/logging"
	"webrtsp-restreamer/internal/observability/metrics"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/webrtsp"
)

// Transport delivers messages for one connection. Implementations must not
// block.
type Transport interface {
	SendRequest(req *webrtsp.Request)
	SendResponse(resp *webrtsp.Response)
	// AuthCookie returns the login token presented when the connection was
	// established, or "".
	AuthCookie() string
}

// Mode tells which side of a connection the gateway is on.
type Mode int

const (
	// ModeClient sessions serve connections accepted from viewers, producers
	// and registering agents.
	ModeClient Mode = iota
	// ModeAgent sessions serve the connection this gateway opened to an
	// upstream signalling server.
	ModeAgent
)

func (m Mode) String() string {
	if m == ModeAgent {
		return "agent"
	}
	return "client"
}

// Options configures a session when it is opened.
type Options struct {
	Mode Mode
	// Upstream is required for ModeAgent.
	Upstream *config.SignallingServer
	Logger   *slog.Logger
}

// HubConfig wires a Hub to its collaborators. Index and Registry are built
// from Config when omitted.
type HubConfig struct {
	Config            *config.Config
	Index             *mountpoint.Index
	Registry          *registry.SharedRegistry
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Now               func() time.Time
	NewMediaSessionID func() webrtsp.MediaSessionID
}

// Hub owns every live session and resolves the weak references sessions
// hold to each other.
type Hub struct {
	cfg      *config.Config
	index    *mountpoint.Index
	registry *registry.SharedRegistry
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	newID    func() webrtsp.MediaSessionID

	sessions map[registry.SessionRef]*Session
	lastRef  registry.SessionRef
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Config == nil {
		cfg.Config = &config.Config{}
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(listing.Build(cfg.Config))
	}
	if cfg.Index == nil {
		cfg.Index = mountpoint.NewIndex(cfg.Config, nil, cfg.Registry)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewMediaSessionID == nil {
		cfg.NewMediaSessionID = func() webrtsp.MediaSessionID {
			return webrtsp.MediaSessionID(uuid.NewString())
		}
	}
	return &Hub{
		cfg:      cfg.Config,
		index:    cfg.Index,
		registry: cfg.Registry,
		logger:   logging.WithComponent(cfg.Logger, "session"),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		newID:    cfg.NewMediaSessionID,
		sessions: make(map[registry.SessionRef]*Session),
	}
}

// Registry exposes the shared tables, mainly for watchers feeding list caches.
func (h *Hub) Registry() *registry.SharedRegistry {
	return h.registry
}

// Open registers a session for transport and returns its reference. Agent
// sessions immediately register with their upstream.
func (h *Hub) Open(transport Transport, opts Options) registry.SessionRef {
	h.lastRef++
	ref := h.lastRef
	logger := opts.Logger
	if logger == nil {
		logger = h.logger
	}
	s := &Session{
		hub:                 h,
		ref:                 ref,
		mode:                opts.Mode,
		upstream:            opts.Upstream,
		transport:           transport,
		logger:              logger.With("session", uint64(ref), "mode", opts.Mode.String()),
		outgoing:            make(map[webrtsp.CSeq]*outgoingRequest),
		media:               make(map[webrtsp.MediaSessionID]*localMedia),
		clientMediaSessions: make(map[webrtsp.MediaSessionID]MediaSessionInfo),
		agentMediaSessions:  make(map[webrtsp.MediaSessionID]MediaSessionInfo),
		subscribed:          make(map[string]webrtsp.MediaSessionID),
	}
	h.sessions[ref] = s
	h.metrics.SessionOpened()
	s.logger.Debug("session opened")
	if s.mode == ModeAgent {
		s.registerUpstream()
	}
	return ref
}

// Close destroys the session, unwinding every correlation it takes part in.
// Closing an unknown or already closed ref is a no-op.
func (h *Hub) Close(ref registry.SessionRef) {
	s, ok := h.sessions[ref]
	if !ok {
		return
	}
	delete(h.sessions, ref)
	s.destroy()
	h.metrics.SessionClosed()
	s.logger.Debug("session closed")
}

// Lookup resolves a weak session reference.
func (h *Hub) Lookup(ref registry.SessionRef) (*Session, bool) {
	s, ok := h.sessions[ref]
	return s, ok
}

func (h *Hub) SessionCount() int {
	return len(h.sessions)
}

// HandleRequest processes a request received on ref's connection.
func (h *Hub) HandleRequest(ref registry.SessionRef, req *webrtsp.Request) {
	s, ok := h.sessions[ref]
	if !ok {
		return
	}
	s.handleRequest(req)
}

// HandleResponse processes a response received on ref's connection.
func (h *Hub) HandleResponse(ref registry.SessionRef, resp *webrtsp.Response) {
	s, ok := h.sessions[ref]
	if !ok {
		return
	}
	s.handleResponse(resp)
}

// OnNewAuthToken makes token usable as an auth cookie until expiresAt.
func (h *Hub) OnNewAuthToken(token string, expiresAt time.Time) error {
	digest, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	h.registry.InsertAuthToken(digest, expiresAt)
	return nil
}

// RestoreAuthToken inserts an already hashed token, as delivered by the
// token feed or loaded from the token store.
func (h *Hub) RestoreAuthToken(digest string, expiresAt time.Time) {
	if digest == "" {
		return
	}
	h.registry.InsertAuthToken(digest, expiresAt)
}

// CleanupAuthTokens drops expired tokens and returns how many were removed.
func (h *Hub) CleanupAuthTokens() int {
	removed := h.registry.CleanupAuthTokens(h.now())
	h.metrics.ObserveTokenSweep(removed, h.registry.AuthTokenCount())
	return removed
}

func (h *Hub) cookieValid(cookie string) bool {
	if cookie == "" {
		return false
	}
	digest, err := auth.HashToken(cookie)
	if err != nil {
		return false
	}
	return h.registry.AuthTokenValid(digest, h.now())
}

func (h *Hub) sortedRefs() []registry.SessionRef {
	refs := make([]registry.SessionRef, 0, len(h.sessions))
	for ref := range h.sessions {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}
