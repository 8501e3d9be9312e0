package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"webrtsp-restreamer/internal/observability/logging"
)

func fixedIDs(logger *slog.Logger, id string) requestIDs {
	return requestIDs{logger: logger, newID: func() string { return id }}
}

func TestRequestIDMiddlewareKeepsWellFormedID(t *testing.T) {
	t.Parallel()

	handler := fixedIDs(slog.Default(), "generated").wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming-1" {
			t.Errorf("expected request id to be preserved, got %q", requestID)
		}
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Error("expected request logger in context")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "incoming-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(requestIDHeader); got != "incoming-1" {
		t.Fatalf("expected response header to carry request id, got %q", got)
	}
}

func TestRequestIDMiddlewareReplacesMalformedID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":     "",
		"too long":  strings.Repeat("a", maxRequestIDLength+1),
		"injection": "abc\ninjected=1",
		"spaces":    "two words",
	}
	for name, incoming := range cases {
		incoming := incoming
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			handler := fixedIDs(slog.Default(), "generated").wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if incoming != "" {
				req.Header[requestIDHeader] = []string{incoming}
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if got := rr.Header().Get(requestIDHeader); got != "generated" {
				t.Fatalf("expected generated id, got %q", got)
			}
		})
	}
}

func TestRequestLoggingCarriesRequestID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	chain := fixedIDs(logger, "generated-id").wrap(inner)
	chain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line %q: %v", buf.String(), err)
	}
	if payload["request_id"] != "generated-id" {
		t.Fatalf("expected request_id to be propagated, got %v", payload["request_id"])
	}
	if payload["path"] != "/" || payload["status"] != float64(http.StatusNoContent) {
		t.Fatalf("expected path and status in log line, got %v", payload)
	}
}
