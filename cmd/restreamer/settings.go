package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"webrtsp-restreamer/internal/auth"
	"webrtsp-restreamer/internal/server"
	"webrtsp-restreamer/internal/serverutil"
)

const (
	defaultListenAddr     = ":8080"
	defaultConfigPath     = "restreamer.json"
	defaultSweepInterval  = 15 * time.Second
	defaultPurgeTimeout   = 5 * time.Second
	tokenStoreMemory      = "memory"
	tokenStorePostgres    = "postgres"
	envPrefix             = "RESTREAMER_"
	defaultConnectWindow  = time.Minute
	defaultWatchQuiet     = 5 * time.Second
	defaultPostgresLoadTO = 10 * time.Second
)

type settings struct {
	ConfigPath        string
	Addr              string
	TLS               serverutil.TLSConfig
	LogLevel          string
	LogFormat         string
	WebRTSPPath       string
	CookieName        string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	LoopQueue         int
	TokenStore        string
	PostgresDSN       string
	TokenFeed         auth.RedisFeedConfig
	RateLimit         server.RateLimitConfig
	SweepInterval     time.Duration
	WatchQuiet        time.Duration
}

// parseSettings resolves flags first, then RESTREAMER_* environment
// variables, then defaults.
func parseSettings(fs *flag.FlagSet, args []string) (settings, error) {
	configPath := fs.String("config", "", "path to the JSON gateway configuration")
	addr := fs.String("addr", "", "HTTP listen address")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	webrtspPath := fs.String("webrtsp-path", "", "HTTP path accepting WebRTSP upgrades")
	cookieName := fs.String("auth-cookie", "", "cookie carrying the login token on upgrades")
	origins := fs.String("allowed-origins", "", "comma separated browser origins allowed to connect")
	heartbeat := fs.Duration("heartbeat-interval", 0, "interval between WebSocket pings")
	loopQueue := fs.Int("loop-queue", 0, "maximum closures waiting on the event loop")
	tokenStore := fs.String("token-store", "", "auth token store driver (memory or postgres)")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string for the token store")
	feedAddr := fs.String("token-feed-redis-addr", "", "Redis address of the auth token feed")
	feedAddrs := fs.String("token-feed-redis-addrs", "", "comma separated Redis addresses of the auth token feed")
	feedUsername := fs.String("token-feed-redis-username", "", "Redis username for the auth token feed")
	feedPassword := fs.String("token-feed-redis-password", "", "Redis password for the auth token feed")
	feedStream := fs.String("token-feed-stream", "", "Redis stream carrying issued auth tokens")
	feedGroup := fs.String("token-feed-group", "", "Redis consumer group; give every gateway its own")
	feedMaster := fs.String("token-feed-redis-sentinel-master", "", "Redis sentinel master name for the auth token feed")
	feedTLSCA := fs.String("token-feed-redis-tls-ca", "", "path to Redis TLS CA certificate")
	feedTLSServerName := fs.String("token-feed-redis-tls-server-name", "", "override Redis TLS server name")
	feedTLSSkipVerify := fs.Bool("token-feed-redis-tls-skip-verify", false, "skip Redis TLS verification")
	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	connectLimit := fs.Int("rate-connect-limit", 0, "maximum WebSocket upgrades per window for a single IP")
	connectWindow := fs.Duration("rate-connect-window", 0, "window for counting WebSocket upgrades")
	rateRedisAddr := fs.String("rate-redis-addr", "", "Redis address for shared connection throttling")
	rateRedisPassword := fs.String("rate-redis-password", "", "Redis password for shared connection throttling")
	sweepInterval := fs.Duration("token-sweep-interval", 0, "interval between expired auth token sweeps")
	watchQuiet := fs.Duration("watch-quiet-period", 0, "how long a watched directory must settle before rescanning")
	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}

	s := settings{
		ConfigPath: firstNonEmpty(*configPath, env("CONFIG"), defaultConfigPath),
		Addr:       firstNonEmpty(*addr, env("ADDR"), defaultListenAddr),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, env("TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, env("TLS_KEY")),
		},
		LogLevel:          firstNonEmpty(*logLevel, env("LOG_LEVEL"), "info"),
		LogFormat:         firstNonEmpty(*logFormat, env("LOG_FORMAT"), "json"),
		WebRTSPPath:       firstNonEmpty(*webrtspPath, env("WEBRTSP_PATH")),
		CookieName:        firstNonEmpty(*cookieName, env("AUTH_COOKIE")),
		AllowedOrigins:    splitAndTrim(firstNonEmpty(*origins, env("ALLOWED_ORIGINS"))),
		HeartbeatInterval: resolveDuration(*heartbeat, envPrefix+"HEARTBEAT_INTERVAL", 0),
		LoopQueue:         resolveInt(*loopQueue, envPrefix+"LOOP_QUEUE"),
		TokenStore:        strings.ToLower(firstNonEmpty(*tokenStore, env("TOKEN_STORE"), tokenStoreMemory)),
		PostgresDSN:       firstNonEmpty(*postgresDSN, env("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		TokenFeed: auth.RedisFeedConfig{
			Addr:       firstNonEmpty(*feedAddr, env("TOKEN_FEED_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*feedAddrs, env("TOKEN_FEED_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*feedUsername, env("TOKEN_FEED_REDIS_USERNAME")),
			Password:   firstNonEmpty(*feedPassword, env("TOKEN_FEED_REDIS_PASSWORD")),
			Stream:     firstNonEmpty(*feedStream, env("TOKEN_FEED_STREAM"), auth.DefaultTokenStream),
			Group:      firstNonEmpty(*feedGroup, env("TOKEN_FEED_GROUP"), auth.DefaultTokenGroup),
			MasterName: firstNonEmpty(*feedMaster, env("TOKEN_FEED_REDIS_SENTINEL_MASTER")),
			TLS: auth.RedisTLSConfig{
				CAFile:             firstNonEmpty(*feedTLSCA, env("TOKEN_FEED_REDIS_TLS_CA")),
				ServerName:         firstNonEmpty(*feedTLSServerName, env("TOKEN_FEED_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*feedTLSSkipVerify, envPrefix+"TOKEN_FEED_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, envPrefix+"RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, envPrefix+"RATE_GLOBAL_BURST"),
			ConnectLimit:  resolveInt(*connectLimit, envPrefix+"RATE_CONNECT_LIMIT"),
			ConnectWindow: resolveDuration(*connectWindow, envPrefix+"RATE_CONNECT_WINDOW", defaultConnectWindow),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, env("RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, env("RATE_REDIS_PASSWORD")),
		},
		SweepInterval: resolveDuration(*sweepInterval, envPrefix+"TOKEN_SWEEP_INTERVAL", defaultSweepInterval),
		WatchQuiet:    resolveDuration(*watchQuiet, envPrefix+"WATCH_QUIET_PERIOD", defaultWatchQuiet),
	}
	return s, s.validate()
}

func (s settings) validate() error {
	if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided")
	}
	switch s.TokenStore {
	case tokenStoreMemory:
	case tokenStorePostgres:
		if s.PostgresDSN == "" {
			return fmt.Errorf("postgres token store selected without DSN")
		}
	default:
		return fmt.Errorf("unsupported token store driver %q", s.TokenStore)
	}
	if s.LogFormat != "json" && s.LogFormat != "text" {
		return fmt.Errorf("unsupported log format %q", s.LogFormat)
	}
	return nil
}

func (s settings) tokenFeedEnabled() bool {
	return s.TokenFeed.Addr != "" || len(s.TokenFeed.Addrs) > 0
}

func env(key string) string {
	return os.Getenv(envPrefix + key)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if raw, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return false
}
