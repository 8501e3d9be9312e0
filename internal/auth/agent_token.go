package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	agentTokenPrefix     = "pbkdf2$"
	agentTokenIterations = 120000
	agentTokenSaltLength = 16
	agentTokenKeyLength  = 32
)

var ErrAgentTokenMismatch = errors.New("agent token mismatch")

// HashAgentToken derives a pbkdf2 encoding of token suitable for the
// agentToken field of a streamer.
func HashAgentToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenRequired
	}
	salt := make([]byte, agentTokenSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, agentTokenIterations, agentTokenKeyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		agentTokenIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived)), nil
}

// VerifyAgentToken checks candidate against expected, which is either the
// plain token or a value produced by HashAgentToken. An empty expected
// value never matches.
func VerifyAgentToken(expected, candidate string) error {
	if expected == "" || candidate == "" {
		return ErrAgentTokenMismatch
	}
	if !strings.HasPrefix(expected, agentTokenPrefix) {
		if subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) != 1 {
			return ErrAgentTokenMismatch
		}
		return nil
	}
	parts := strings.Split(expected, "$")
	if len(parts) != 5 || parts[1] != "sha256" {
		return fmt.Errorf("verify agent token: unsupported hash format")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify agent token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify agent token: decode salt: %w", err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify agent token: decode key: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(stored), sha256.New)
	if subtle.ConstantTimeCompare(derived, stored) != 1 {
		return ErrAgentTokenMismatch
	}
	return nil
}
