// Package auth verifies opaque connection credentials for relay.
package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Handshake failures. The gateway maps these to distinct close codes so the
// client can tell a missing credential apart from an invalid one.
var (
	ErrMissingToken = errors.New("missing credential")
	ErrInvalidToken = errors.New("invalid or expired credential")
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	UserID string
	Name   string
}

// Verifier checks an opaque token and returns the identity it belongs to.
// Token issuance lives elsewhere; relay only consumes the verification side.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// TokenEntry pairs a user with the bcrypt hash of their token secret.
type TokenEntry struct {
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
	Hash   string `yaml:"hash"`
}

// dummyHash is a well-formed bcrypt hash compared on unknown-user lookups.
// A truncated or malformed constant would make bcrypt bail out early and
// leave the miss timing-distinguishable from a mismatch.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("relay-dummy-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// StaticVerifier verifies tokens of the form "<userID>:<secret>" against a
// configured list of bcrypt hashes. It backs single-node deployments; an
// external identity service can replace it behind the Verifier interface.
type StaticVerifier struct {
	entries map[string]TokenEntry
}

// NewStaticVerifier builds a verifier from configured token entries.
func NewStaticVerifier(entries []TokenEntry) *StaticVerifier {
	m := make(map[string]TokenEntry, len(entries))
	for _, e := range entries {
		m[e.UserID] = e
	}
	return &StaticVerifier{entries: m}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	userID, secret, ok := strings.Cut(token, ":")
	if !ok || userID == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	entry, ok := v.entries[userID]
	if !ok {
		// Burn a comparison anyway so lookup misses cost the same as hash
		// mismatches.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: entry.UserID, Name: entry.Name}, nil
}

// HashSecret produces a bcrypt hash suitable for a TokenEntry. Used by setup
// tooling and tests.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
