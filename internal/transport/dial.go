package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the opening handshake of dialed connections.
const DefaultHandshakeTimeout = 10 * time.Second

// Dial connects to a remote gateway. The returned connection is idle until
// Serve is called.
func Dial(ctx context.Context, rawURL string, cfg Config, tlsConfig *tls.Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultHandshakeTimeout,
		TLSClientConfig:  tlsConfig,
		Subprotocols:     []string{Subprotocol},
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return newConn(ws, "", cfg), nil
}
