// Command issue-auth-token mints a login token for the gateway's auth
// cookie and announces its digest on the Redis token feed. Every gateway
// consuming the feed accepts the token until it expires.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"webrtsp-restreamer/internal/auth"
)

const defaultTTL = 24 * time.Hour

type publisher interface {
	Publish(ctx context.Context, token string, expiresAt time.Time) error
}

func main() {
	var (
		redisAddr     string
		redisPassword string
		stream        string
		ttl           time.Duration
		token         string
	)
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address of the auth token feed")
	flag.StringVar(&redisPassword, "redis-password", "", "Redis password of the auth token feed")
	flag.StringVar(&stream, "stream", auth.DefaultTokenStream, "Redis stream carrying issued auth tokens")
	flag.DurationVar(&ttl, "ttl", defaultTTL, "How long the token stays valid")
	flag.StringVar(&token, "token", "", "Token to announce (a random one is generated when omitted)")
	flag.Parse()

	if redisAddr == "" {
		fatalf("--redis-addr is required")
	}

	feed, err := auth.NewRedisTokenFeed(auth.RedisFeedConfig{
		Addr:     redisAddr,
		Password: redisPassword,
		Stream:   stream,
	})
	if err != nil {
		fatalf("connect token feed: %v", err)
	}
	defer feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	issued, expiresAt, err := issue(ctx, feed, token, ttl, time.Now())
	if err != nil {
		fatalf("issue token: %v", err)
	}
	fmt.Printf("Token: %s\n", issued)
	fmt.Printf("Expires: %s\n", expiresAt.Format(time.RFC3339))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func issue(ctx context.Context, feed publisher, token string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("--ttl must be positive")
	}
	if token == "" {
		var err error
		token, err = randomToken()
		if err != nil {
			return "", time.Time{}, err
		}
	}
	expiresAt := now.Add(ttl).UTC().Truncate(time.Second)
	if err := feed.Publish(ctx, token, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
