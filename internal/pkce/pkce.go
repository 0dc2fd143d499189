// Package pkce manages PKCE verifier/challenge pairs per RFC 7636.
//
// Pairs are generated with the S256 method, the only method this engine
// supports, and persisted through a two-tier key-value store so a redirect
// landing in a different execution context can still recover the verifier.
package pkce

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// VerifierBytes is the entropy of a generated verifier. 32 bytes
	// encode to 43 URL-safe characters, the RFC 7636 section 4.1 minimum.
	VerifierBytes = 32

	// Method is the only code challenge method supported.
	Method = "S256"
)

var (
	// ErrNotFound indicates no pair is stored for the flow.
	ErrNotFound = errors.New("pkce pair not found")

	// ErrCorruptPair indicates a stored pair is missing its verifier or
	// challenge. A half pair is data corruption, never a valid state.
	ErrCorruptPair = errors.New("pkce pair corrupt: verifier and challenge must exist together")
)

// Pair holds a PKCE verifier and its derived challenge. The two fields are
// always written and read together.
type Pair struct {
	Verifier  string `json:"code_verifier"`
	Challenge string `json:"code_challenge"`
}

// valid reports whether both halves of the pair are present.
func (p Pair) valid() bool {
	return p.Verifier != "" && p.Challenge != ""
}

// Generate creates a new verifier/challenge pair. The verifier is 43
// URL-safe characters of cryptographic randomness; the challenge is the
// base64url-encoded SHA-256 digest of the verifier.
func Generate() (Pair, error) {
	b := make([]byte, VerifierBytes)
	if _, err := rand.Read(b); err != nil {
		return Pair{}, fmt.Errorf("generating code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	return Pair{
		Verifier:  verifier,
		Challenge: ChallengeFrom(verifier),
	}, nil
}

// ChallengeFrom derives the S256 challenge for a verifier.
func ChallengeFrom(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Store persists PKCE pairs keyed by flow identifier.
type Store interface {
	// PutPair stores both halves of a pair atomically.
	PutPair(ctx context.Context, flowID string, pair Pair) error

	// GetPair retrieves a pair. Returns ErrNotFound on a miss and
	// ErrCorruptPair when only half a pair exists.
	GetPair(ctx context.Context, flowID string) (Pair, error)

	// DeletePair removes a stored pair. Deleting an absent pair is a no-op.
	DeletePair(ctx context.Context, flowID string) error
}

// Manager generates and persists PKCE pairs for flow runs.
type Manager struct {
	store Store
}

// NewManager creates a manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Generate creates and returns a fresh pair without persisting it.
func (m *Manager) Generate() (Pair, error) {
	return Generate()
}

// Persist stores a pair for a flow run. Both halves must be present.
func (m *Manager) Persist(ctx context.Context, flowID string, pair Pair) error {
	if !pair.valid() {
		return ErrCorruptPair
	}
	if err := m.store.PutPair(ctx, flowID, pair); err != nil {
		return fmt.Errorf("persisting pkce pair: %w", err)
	}
	return nil
}

// Load retrieves the pair for a flow run.
func (m *Manager) Load(ctx context.Context, flowID string) (Pair, error) {
	pair, err := m.store.GetPair(ctx, flowID)
	if err != nil {
		return Pair{}, err
	}
	if !pair.valid() {
		return Pair{}, ErrCorruptPair
	}
	return pair, nil
}

// Clear removes the pair for a flow run.
func (m *Manager) Clear(ctx context.Context, flowID string) error {
	return m.store.DeletePair(ctx, flowID)
}
