// Package auth persists and distributes the bearer tokens that unlock
// protected mountpoints, and verifies per-mountpoint agent tokens.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrTokenRequired is returned when an empty token is hashed or saved.
var ErrTokenRequired = errors.New("auth token required")

// TokenRecord is a persisted token. Only the digest is ever stored.
type TokenRecord struct {
	Digest    string
	ExpiresAt time.Time
}

// TokenStore persists issued auth tokens so they survive restarts.
type TokenStore interface {
	Save(ctx context.Context, digest string, expiresAt time.Time) error
	LoadActive(ctx context.Context, now time.Time) ([]TokenRecord, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// HashToken returns the hex encoded sha256 digest of token.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}
