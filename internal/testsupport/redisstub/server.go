// Package redisstub is an in-process RESP server implementing the stream
// commands used by the auth token feed and the counter commands used by the
// connection rate limiter.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*stream
	counters map[string]*counter
	sequence int64
	closed   chan struct{}
	certPEM  []byte
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	values map[string]string
}

type counter struct {
	value     int64
	expiresAt time.Time
}

type group struct {
	next    int
	pending map[string]struct{}
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:     opts,
		streams:  make(map[string]*stream),
		counters: make(map[string]*counter),
		closed:   make(chan struct{}),
	}
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, cert, certErr := selfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		ln, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Pending reports entries delivered to group but not yet acknowledged.
func (s *Server) Pending(streamName, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	g, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Len reports the number of entries appended to streamName.
func (s *Server) Len(streamName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strm, ok := s.streams[streamName]; ok {
		return len(strm.entries)
	}
	return 0
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR empty command") != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "HELLO":
			// RESP3 is not implemented; clients fall back to RESP2.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
			} else {
				werr = s.dispatch(writer, args)
			}
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.xadd(writer, args)
	case "XGROUP":
		return s.xgroup(writer, args)
	case "XREADGROUP":
		return s.xreadgroup(writer, args)
	case "XACK":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'xack'")
		}
		return writeInteger(writer, int64(s.ack(args[1], args[2], args[3:])))
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		return writeInteger(writer, s.incr(args[1]))
	case "EXPIRE":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		return writeInteger(writer, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInteger(writer, s.ttl(args[1]))
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) liveCounter(key string) *counter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !c.expiresAt.IsZero() && !time.Now().Before(c.expiresAt) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveCounter(key)
	if c == nil {
		c = &counter{}
		s.counters[key] = c
	}
	c.value++
	return c.value
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveCounter(key)
	if c == nil {
		return 0
	}
	c.expiresAt = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveCounter(key)
	switch {
	case c == nil:
		return -2
	case c.expiresAt.IsZero():
		return -1
	}
	remaining := time.Until(c.expiresAt)
	return int64((remaining + time.Second - 1) / time.Second)
}

func (s *Server) xadd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	s.mu.Lock()
	id := args[2]
	if id == "*" {
		s.sequence++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.sequence)
	}
	values := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		values[args[i]] = args[i+1]
	}
	strm := s.ensureStream(args[1])
	strm.entries = append(strm.entries, entry{id: id, values: values})
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

func (s *Server) xgroup(writer *bufio.Writer, args []string) error {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		return writeError(writer, "ERR only XGROUP CREATE is supported")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(args[2])
	if _, exists := strm.groups[args[3]]; exists {
		return writeError(writer, "BUSYGROUP Consumer Group name already exists")
	}
	start := 0
	if args[4] == "$" {
		start = len(strm.entries)
	}
	strm.groups[args[3]] = &group{next: start, pending: make(map[string]struct{})}
	return writeSimpleString(writer, "OK")
}

func (s *Server) xreadgroup(writer *bufio.Writer, args []string) error {
	var groupName, streamName string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			groupName = args[i+1]
			i += 2
		case "COUNT", "BLOCK":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR value is not an integer")
			}
			if strings.ToUpper(args[i]) == "COUNT" {
				count = v
			} else {
				blockMs = v
			}
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if streamName == "" || groupName == "" {
		return writeError(writer, "ERR missing stream or group")
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		records, err := s.readGroup(streamName, groupName, count)
		if err != nil {
			return writeError(writer, err.Error())
		}
		if len(records) > 0 {
			return writeArray(writer, []interface{}{[]interface{}{streamName, records}})
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeNilArray(writer)
		}
		select {
		case <-s.closed:
			return writeNilArray(writer)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(streamName, groupName string, count int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(streamName)
	g, ok := strm.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such consumer group '%s'", groupName)
	}
	end := g.next + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	var records []interface{}
	for i := g.next; i < end; i++ {
		e := strm.entries[i]
		g.pending[e.id] = struct{}{}
		records = append(records, []interface{}{e.id, flatten(e.values)})
	}
	g.next = end
	return records, nil
}

func (s *Server) ack(streamName, groupName string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	g, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	acked := 0
	for _, id := range ids {
		if _, exists := g.pending[id]; exists {
			delete(g.pending, id)
			acked++
		}
	}
	return acked
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

func flatten(values map[string]string) []interface{} {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, 0, len(values)*2)
	for _, k := range keys {
		out = append(out, k, values[k])
	}
	return out
}

func selfSignedCert() ([]byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}

func readCommand(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		if prefix, err = r.ReadByte(); err != nil {
			return nil, err
		}
		if prefix != '$' {
			return nil, fmt.Errorf("unexpected prefix %q", prefix)
		}
		size, err := readLength(r)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func writeSimpleString(w *bufio.Writer, value string) error {
	fmt.Fprintf(w, "+%s\r\n", value)
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return w.Flush()
}

func writeNilArray(w *bufio.Writer) error {
	w.WriteString("*-1\r\n")
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	fmt.Fprintf(w, ":%d\r\n", value)
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	fmt.Fprintf(w, "-%s\r\n", msg)
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	writeArrayRaw(w, values)
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) {
	fmt.Fprintf(w, "*%d\r\n", len(values))
	for _, value := range values {
		switch v := value.(type) {
		case []interface{}:
			writeArrayRaw(w, v)
		case int64:
			fmt.Fprintf(w, ":%d\r\n", v)
		default:
			s := fmt.Sprint(v)
			fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
		}
	}
}
