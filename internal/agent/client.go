// Package agent keeps an agent-mode gateway connected to its upstream
// signalling server.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/observability/logging"
	"webrtsp-restreamer/internal/session"
	"webrtsp-restreamer/internal/transport"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Conn is an established upstream connection.
type Conn interface {
	Serve(ctx context.Context, opts session.Options) error
	Close() error
}

// DialFunc opens an upstream connection.
type DialFunc func(ctx context.Context, rawURL string, cfg transport.Config, tlsConfig *tls.Config) (Conn, error)

// Config configures a Client.
type Config struct {
	Upstream   *config.SignallingServer
	Transport  transport.Config
	TLS        *tls.Config
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
	// Dial defaults to transport.Dial.
	Dial DialFunc
}

// Client dials the upstream, serves the agent session until the connection
// drops and dials again, doubling the wait after each failed attempt.
type Client struct {
	upstream   config.SignallingServer
	transport  transport.Config
	tls        *tls.Config
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	dial       DialFunc
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Client, error) {
	if cfg.Upstream == nil || strings.TrimSpace(cfg.Upstream.URL) == "" {
		return nil, errors.New("agent: upstream url is required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, rawURL string, tc transport.Config, tlsConfig *tls.Config) (Conn, error) {
			return transport.Dial(ctx, rawURL, tc, tlsConfig)
		}
	}
	return &Client{
		upstream:   *cfg.Upstream,
		transport:  cfg.Transport,
		tls:        cfg.TLS,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logging.WithComponent(cfg.Logger, "agent").With("upstream", cfg.Upstream.URL),
		dial:       cfg.Dial,
		sleep:      sleepCtx,
	}, nil
}

// Run returns when ctx ends.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff
		if errors.Is(err, errConnected) {
			wait = c.minBackoff
			backoff = c.minBackoff
			c.logger.Info("upstream connection closed, reconnecting")
		} else {
			c.logger.Warn("upstream connection failed", "error", err, "retry_in", wait.String())
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
		if c.sleep(ctx, wait) != nil {
			return nil
		}
	}
}

var errConnected = errors.New("agent: connection ended")

func (c *Client) connectOnce(ctx context.Context) error {
	conn, err := c.dial(ctx, c.upstream.URL, c.transport, c.tls)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	c.logger.Info("connected to upstream", "uri", c.upstream.URI)
	upstream := c.upstream
	if err := conn.Serve(ctx, session.Options{Mode: session.ModeAgent, Upstream: &upstream}); err != nil {
		c.logger.Debug("upstream session ended", "error", err)
	}
	return errConnected
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
