package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"webrtsp-restreamer/internal/observability/logging"
)

const (
	requestIDHeader    = "X-Request-Id"
	maxRequestIDLength = 64
)

// requestIDs tags each request with an id, reusing a well-formed one from
// the caller, and stores a logger carrying it in the request context.
type requestIDs struct {
	logger *slog.Logger
	newID  func() string
}

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDs{logger: logger, newID: uuid.NewString}.wrap(next)
}

func (m requestIDs) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if !validRequestID(id) {
			id = m.newID()
		}
		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, m.logger))
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
