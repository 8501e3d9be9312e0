package webrtsp

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

// ErrMalformedMessage is returned when a frame does not hold a valid message.
var ErrMalformedMessage = errors.New("webrtsp: malformed message")

const lineSeparator = "\r\n"

// Message holds exactly one of a request or a response.
type Message struct {
	Request  *Request
	Response *Response
}

// Decode parses one WebRTSP message from a transport frame.
func Decode(data []byte) (Message, error) {
	text := string(data)
	head, body, found := strings.Cut(text, lineSeparator+lineSeparator)
	if !found {
		head = strings.TrimRight(text, lineSeparator)
		body = ""
	}
	lines := strings.Split(head, lineSeparator)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return Message{}, fmt.Errorf("%w: empty start line", ErrMalformedMessage)
	}

	header, cseq, err := decodeHeader(lines[1:])
	if err != nil {
		return Message{}, err
	}

	fields := strings.Fields(lines[0])
	if strings.HasPrefix(lines[0], "WEBRTSP/") {
		if len(fields) < 2 {
			return Message{}, fmt.Errorf("%w: status line %q", ErrMalformedMessage, lines[0])
		}
		if fields[0] != Protocol {
			return Message{}, fmt.Errorf("%w: unsupported protocol %q", ErrMalformedMessage, fields[0])
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil || code < 100 || code > 999 {
			return Message{}, fmt.Errorf("%w: status code %q", ErrMalformedMessage, fields[1])
		}
		return Message{Response: &Response{
			StatusCode: StatusCode(code),
			CSeq:       cseq,
			Header:     header,
			Body:       body,
		}}, nil
	}

	if len(fields) != 3 {
		return Message{}, fmt.Errorf("%w: request line %q", ErrMalformedMessage, lines[0])
	}
	if fields[2] != Protocol {
		return Message{}, fmt.Errorf("%w: unsupported protocol %q", ErrMalformedMessage, fields[2])
	}
	return Message{Request: &Request{
		Method: Method(fields[0]),
		URI:    fields[1],
		CSeq:   cseq,
		Header: header,
		Body:   body,
	}}, nil
}

func decodeHeader(lines []string) (base.Header, CSeq, error) {
	header := base.Header{}
	var (
		cseq    CSeq
		hasCSeq bool
	)
	for _, line := range lines {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "" {
			return nil, 0, fmt.Errorf("%w: header line %q", ErrMalformedMessage, line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if strings.EqualFold(name, HeaderCSeq) {
			parsed, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: cseq %q", ErrMalformedMessage, value)
			}
			cseq = CSeq(parsed)
			hasCSeq = true
			continue
		}
		header[name] = append(header[name], value)
	}
	if !hasCSeq {
		return nil, 0, fmt.Errorf("%w: missing CSeq", ErrMalformedMessage)
	}
	return header, cseq, nil
}

// Marshal encodes the request for a single transport frame.
func (r *Request) Marshal() []byte {
	var b strings.Builder
	b.WriteString(string(r.Method))
	b.WriteByte(' ')
	b.WriteString(r.URI)
	b.WriteByte(' ')
	b.WriteString(Protocol)
	b.WriteString(lineSeparator)
	writeHeader(&b, r.CSeq, r.Header)
	b.WriteString(r.Body)
	return []byte(b.String())
}

// Marshal encodes the response for a single transport frame.
func (r *Response) Marshal() []byte {
	var b strings.Builder
	b.WriteString(Protocol)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(int(r.StatusCode)))
	b.WriteByte(' ')
	b.WriteString(StatusText(r.StatusCode))
	b.WriteString(lineSeparator)
	writeHeader(&b, r.CSeq, r.Header)
	b.WriteString(r.Body)
	return []byte(b.String())
}

func writeHeader(b *strings.Builder, cseq CSeq, header base.Header) {
	b.WriteString(HeaderCSeq)
	b.WriteString(": ")
	b.WriteString(strconv.FormatUint(uint64(cseq), 10))
	b.WriteString(lineSeparator)

	names := make([]string, 0, len(header))
	for name := range header {
		if strings.EqualFold(name, HeaderCSeq) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range header[name] {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString(lineSeparator)
		}
	}
	b.WriteString(lineSeparator)
}
