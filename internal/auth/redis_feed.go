package auth

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string `json:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty"`
	ServerName         string `json:"serverName,omitempty"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty"`
}

// RedisFeedConfig configures the Redis Streams token feed.
type RedisFeedConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	MasterName   string
	TLS          RedisTLSConfig
}

const (
	DefaultTokenStream = "restreamer:auth-tokens"
	DefaultTokenGroup  = "restreamers"
)

// TokenEvent is published whenever a login service issues a token. Only
// the digest crosses the wire.
type TokenEvent struct {
	Digest    string    `json:"digest"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenSubscription delivers TokenEvents until Close is called.
type TokenSubscription interface {
	Events() <-chan TokenEvent
	Close()
}

// RedisTokenFeed fans issued tokens out to every restreamer replica using a
// Redis stream and consumer group.
type RedisTokenFeed struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// NewRedisTokenFeed connects to Redis and makes sure the consumer group exists.
func NewRedisTokenFeed(cfg RedisFeedConfig) (*RedisTokenFeed, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultTokenStream
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = DefaultTokenGroup
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	feed := &RedisTokenFeed{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
	}
	if feed.logger == nil {
		feed.logger = slog.Default()
	}
	if feed.blockTimeout <= 0 {
		feed.blockTimeout = 2 * time.Second
	}
	if err := feed.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return feed, nil
}

// Close releases the Redis client.
func (f *RedisTokenFeed) Close() error {
	return f.client.Close()
}

// Publish hashes token and appends it to the stream.
func (f *RedisTokenFeed) Publish(ctx context.Context, token string, expiresAt time.Time) error {
	digest, err := HashToken(token)
	if err != nil {
		return err
	}
	return f.PublishDigest(ctx, TokenEvent{Digest: digest, ExpiresAt: expiresAt.UTC()})
}

// PublishDigest appends an already hashed token to the stream.
func (f *RedisTokenFeed) PublishDigest(ctx context.Context, event TokenEvent) error {
	if event.Digest == "" {
		return ErrTokenRequired
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal token event: %w", err)
	}
	if err := f.ensureGroup(ctx); err != nil {
		return err
	}
	return f.client.Do(ctx, "XADD", f.stream, "*", "payload", string(payload)).Err()
}

// Subscribe starts a consumer reading new events from the group.
func (f *RedisTokenFeed) Subscribe() TokenSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.ensureGroup(ctx); err != nil {
		f.logger.Error("redis token feed group setup failed", "error", err)
	}
	sub := &redisSubscription{
		feed:     f,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan TokenEvent, f.buffer),
	}
	go sub.run(ctx)
	return sub
}

func (f *RedisTokenFeed) ensureGroup(ctx context.Context) error {
	if f.groupReady.Load() {
		return nil
	}
	f.groupMu.Lock()
	defer f.groupMu.Unlock()
	if f.groupReady.Load() {
		return nil
	}
	err := f.client.Do(ctx, "XGROUP", "CREATE", f.stream, f.group, "$", "MKSTREAM").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	f.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	feed     *RedisTokenFeed
	consumer string
	cancel   context.CancelFunc
	ch       chan TokenEvent
}

func (s *redisSubscription) Events() <-chan TokenEvent {
	return s.ch
}

// Close stops the consumer. Events is closed once the reader exits.
func (s *redisSubscription) Close() {
	s.cancel()
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	logger := s.feed.logger
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.feed.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis token feed group ensure failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		entries, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis token feed read failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		for i, entry := range entries {
			var event TokenEvent
			if err := json.Unmarshal(entry.Payload, &event); err != nil || event.Digest == "" {
				logger.Error("redis token feed decode failed", "id", entry.ID, "error", err)
				s.ack(ctx, entry.ID)
				continue
			}
			select {
			case s.ch <- event:
				s.ack(ctx, entry.ID)
			case <-ctx.Done():
				for _, rest := range entries[i:] {
					s.requeueEntry(rest)
				}
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.feed.client.Do(ctx, "XACK", s.feed.stream, s.feed.group, id).Err(); err != nil {
		s.feed.logger.Warn("redis token ack failed", "id", id, "error", err)
	}
}

// requeueEntry hands an undelivered entry back to the group for another consumer.
func (s *redisSubscription) requeueEntry(entry streamEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.ack(ctx, entry.ID)
	if err := s.feed.client.Do(ctx, "XADD", s.feed.stream, "*", "payload", string(entry.Payload)).Err(); err != nil {
		s.feed.logger.Warn("redis token requeue failed", "id", entry.ID, "error", err)
	}
}

type streamEntry struct {
	ID      string
	Payload []byte
}

func (s *redisSubscription) read(ctx context.Context) ([]streamEntry, error) {
	blockMs := int(math.Max(float64(s.feed.blockTimeout.Milliseconds()), 1))
	reply, err := s.feed.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP", s.feed.group, s.consumer,
		"COUNT", "32",
		"BLOCK", strconv.Itoa(blockMs),
		"STREAMS", s.feed.stream, ">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	streams, ok := reply.([]interface{})
	if !ok {
		return nil, nil
	}
	var entries []streamEntry
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		for _, record := range records {
			tuple, ok := record.([]interface{})
			if !ok || len(tuple) != 2 {
				continue
			}
			id, _ := asString(tuple[0])
			fields, _ := tuple[1].([]interface{})
			payload := extractPayload(fields)
			if id == "" || len(payload) == 0 {
				continue
			}
			entries = append(entries, streamEntry{ID: id, Payload: payload})
		}
	}
	return entries, nil
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") {
			if value, _ := asString(fields[i+1]); value != "" {
				return []byte(value)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("restreamer-%d", time.Now().UnixNano())
	}
	return "restreamer-" + hex.EncodeToString(buf)
}

// ClientConfig builds the client TLS settings, or nil when TLS is not
// configured.
func (c RedisTLSConfig) ClientConfig() (*tls.Config, error) {
	return buildTLSConfig(c)
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
