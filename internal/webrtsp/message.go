// Package webrtsp models the WebRTSP control protocol: RTSP-style requests and
// responses exchanged one per WebSocket message between gateways, viewers and
// producers.
package webrtsp

import (
	"strconv"
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

// Protocol is the version token carried on every request and status line.
const Protocol = "WEBRTSP/0.2"

// Method is a WebRTSP request method.
type Method = base.Method

const (
	Options      = base.Options
	Describe     = base.Describe
	Setup        = base.Setup
	Play         = base.Play
	Record       = base.Record
	Teardown     = base.Teardown
	GetParameter = base.GetParameter

	List      Method = "LIST"
	Subscribe Method = "SUBSCRIBE"
)

// SupportedMethods is advertised in the Public header of OPTIONS responses.
var SupportedMethods = []Method{
	Options, List, Describe, Setup, Play, Record, Subscribe, Teardown, GetParameter,
}

// StatusCode is a WebRTSP response status.
type StatusCode = base.StatusCode

const (
	StatusOK                  = base.StatusOK
	StatusBadRequest          = base.StatusBadRequest
	StatusUnauthorized        = base.StatusUnauthorized
	StatusForbidden           = base.StatusForbidden
	StatusNotFound            = base.StatusNotFound
	StatusMethodNotAllowed    = base.StatusMethodNotAllowed
	StatusSessionNotFound     = base.StatusSessionNotFound
	StatusInternalServerError = base.StatusInternalServerError
	StatusBadGateway          = base.StatusBadGateway
)

var statusText = map[StatusCode]string{
	StatusOK:                  "OK",
	StatusBadRequest:          "Bad Request",
	StatusUnauthorized:        "Unauthorized",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusMethodNotAllowed:    "Method Not Allowed",
	StatusSessionNotFound:     "Session Not Found",
	StatusInternalServerError: "Internal Server Error",
	StatusBadGateway:          "Bad Gateway",
}

// StatusText returns the reason phrase for code.
func StatusText(code StatusCode) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return "Status " + strconv.Itoa(int(code))
}

// Content types understood by the gateway.
const (
	ContentTypeParameters   = "text/parameters"
	ContentTypeSDP          = "application/sdp"
	ContentTypeICECandidate = "application/x-ice-candidate"
)

// Header names carried by requests and responses.
const (
	HeaderCSeq          = "CSeq"
	HeaderSession       = "Session"
	HeaderContentType   = "Content-Type"
	HeaderAuthorization = "Authorization"
	HeaderPublic        = "Public"
)

// CSeq correlates a response with its request on one connection.
type CSeq uint32

// MediaSessionID identifies one media flow (DESCRIBE/SETUP/PLAY/TEARDOWN).
type MediaSessionID string

// Request is a parsed WebRTSP request.
type Request struct {
	Method Method
	URI    string
	CSeq   CSeq
	Header base.Header
	Body   string
}

// Response is a parsed WebRTSP response.
type Response struct {
	StatusCode StatusCode
	CSeq       CSeq
	Header     base.Header
	Body       string
}

// Session returns the media session carried by the request.
func (r *Request) Session() MediaSessionID {
	return MediaSessionID(headerValue(r.Header, HeaderSession))
}

// SetSession sets or clears the Session header.
func (r *Request) SetSession(id MediaSessionID) {
	r.Header = setHeader(r.Header, HeaderSession, string(id))
}

// ContentType returns the media type of the body.
func (r *Request) ContentType() string {
	return headerValue(r.Header, HeaderContentType)
}

// HasBody reports whether the request carries a body or declares a content type.
func (r *Request) HasBody() bool {
	return r.Body != "" || r.ContentType() != ""
}

// SetBody attaches a body with its content type.
func (r *Request) SetBody(contentType, body string) {
	r.Header = setHeader(r.Header, HeaderContentType, contentType)
	r.Body = body
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func (r *Request) BearerToken() (string, bool) {
	value := headerValue(r.Header, HeaderAuthorization)
	scheme, token, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// SetBearerToken sets the Authorization header. An empty token clears it.
func (r *Request) SetBearerToken(token string) {
	if token == "" {
		r.Header = setHeader(r.Header, HeaderAuthorization, "")
		return
	}
	r.Header = setHeader(r.Header, HeaderAuthorization, "Bearer "+token)
}

// Session returns the media session carried by the response.
func (r *Response) Session() MediaSessionID {
	return MediaSessionID(headerValue(r.Header, HeaderSession))
}

// SetSession sets or clears the Session header.
func (r *Response) SetSession(id MediaSessionID) {
	r.Header = setHeader(r.Header, HeaderSession, string(id))
}

// ContentType returns the media type of the body.
func (r *Response) ContentType() string {
	return headerValue(r.Header, HeaderContentType)
}

// SetBody attaches a body with its content type.
func (r *Response) SetBody(contentType, body string) {
	r.Header = setHeader(r.Header, HeaderContentType, contentType)
	r.Body = body
}

// NewResponse builds a bodiless response for cseq.
func NewResponse(code StatusCode, cseq CSeq) *Response {
	return &Response{StatusCode: code, CSeq: cseq, Header: base.Header{}}
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Header = cloneHeader(r.Header)
	return &clone
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	clone := *r
	clone.Header = cloneHeader(r.Header)
	return &clone
}

func headerValue(h base.Header, key string) string {
	if h == nil {
		return ""
	}
	if values, ok := h[key]; ok && len(values) > 0 {
		return values[0]
	}
	for name, values := range h {
		if strings.EqualFold(name, key) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

func setHeader(h base.Header, key, value string) base.Header {
	if h == nil {
		h = base.Header{}
	}
	for name := range h {
		if strings.EqualFold(name, key) {
			delete(h, name)
		}
	}
	if value != "" {
		h[key] = base.HeaderValue{value}
	}
	return h
}

func cloneHeader(h base.Header) base.Header {
	out := make(base.Header, len(h))
	for key, values := range h {
		out[key] = append(base.HeaderValue(nil), values...)
	}
	return out
}
