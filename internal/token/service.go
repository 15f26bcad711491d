// Package token signs and verifies the session descriptors and flash
// payloads that travel through the client. Descriptors are HS256 JWTs with
// replay protection; flash values are msgpack-encoded inside their claim so
// arbitrary kinds survive the round trip.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vmihailenco/msgpack/v5"
)

// Typed verification failures. Callers distinguish a descriptor that was
// never valid from one that belongs to an earlier signing-key generation and
// only needs a fresh page load.
var (
	ErrInvalid  = errors.New("token: invalid")
	ErrOutdated = errors.New("token: outdated")
	ErrReplayed = errors.New("token: replay detected")
)

// Service provides JWT-based session descriptor signing with replay
// protection on joins.
type Service struct {
	signingKey []byte
	keyVersion int
	// retiredKeys holds the previous signing key so pre-rotation tokens
	// still verify their signature and can be classified as outdated
	// instead of forged.
	retiredKeys map[int][]byte
	algorithm   jwt.SigningMethod
	nonceStore  *NonceStore
	config      *Config
	mu          sync.RWMutex
}

// Config defines Service configuration.
type Config struct {
	TTL               time.Duration // Default: 24 hours
	FlashTTL          time.Duration // Default: 5 minutes
	NonceWindow       time.Duration // Default: 5 minutes
	MaxNoncePerWindow int           // Default: 1000
}

// DefaultConfig returns secure default configuration.
func DefaultConfig() *Config {
	return &Config{
		TTL:               24 * time.Hour,
		FlashTTL:          5 * time.Minute,
		NonceWindow:       5 * time.Minute,
		MaxNoncePerWindow: 1000,
	}
}

// Descriptor is the verified identity a client presents when joining a
// session: which view it was served, under what id, and the static values
// the server embedded at page render time.
type Descriptor struct {
	SessionID string
	ViewName  string
	Path      string
	Values    map[string]interface{}
}

// sessionClaims is the JWT payload for a session descriptor.
type sessionClaims struct {
	SessionID  string                 `json:"sid"`
	ViewName   string                 `json:"view"`
	Path       string                 `json:"path"`
	Values     map[string]interface{} `json:"vals,omitempty"`
	KeyVersion int                    `json:"ver"`
	Nonce      string                 `json:"nonce"`
	jwt.RegisteredClaims
}

// flashClaims carries a msgpack-encoded flash map across a redirect.
type flashClaims struct {
	Flash      []byte `json:"flash"`
	KeyVersion int    `json:"ver"`
	jwt.RegisteredClaims
}

// NonceStore provides in-memory nonce tracking for replay protection.
type NonceStore struct {
	nonces map[string]time.Time
	mu     sync.RWMutex
}

// NewNonceStore creates a new nonce store.
func NewNonceStore() *NonceStore {
	return &NonceStore{nonces: make(map[string]time.Time)}
}

// Add stores a nonce with timestamp.
func (ns *NonceStore) Add(nonce string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.nonces[nonce] = time.Now()
}

// Exists checks if a nonce exists and is within the window.
func (ns *NonceStore) Exists(nonce string, window time.Duration) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	if timestamp, exists := ns.nonces[nonce]; exists {
		return time.Since(timestamp) < window
	}
	return false
}

// Cleanup removes expired nonces.
func (ns *NonceStore) Cleanup(maxAge time.Duration) int {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	count := 0
	cutoff := time.Now().Add(-maxAge)
	for nonce, timestamp := range ns.nonces {
		if timestamp.Before(cutoff) {
			delete(ns.nonces, nonce)
			count++
		}
	}
	return count
}

// NewService creates a Service with a freshly generated signing key.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	signingKey := make([]byte, 32) // 256-bit key for HS256
	if _, err := rand.Read(signingKey); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &Service{
		signingKey:  signingKey,
		keyVersion:  1,
		retiredKeys: map[int][]byte{},
		algorithm:   jwt.SigningMethodHS256, // Always HS256 to prevent algorithm confusion
		nonceStore:  NewNonceStore(),
		config:      config,
	}, nil
}

// Sign creates a signed descriptor token for embedding in the served page.
func (s *Service) Sign(desc Descriptor) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	nonce, err := generateNonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	claims := &sessionClaims{
		SessionID:  desc.SessionID,
		ViewName:   desc.ViewName,
		Path:       desc.Path,
		Values:     desc.Values,
		KeyVersion: s.keyVersion,
		Nonce:      nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "liveview",
			Subject:   desc.SessionID,
		},
	}

	token := jwt.NewWithClaims(s.algorithm, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign descriptor: %w", err)
	}
	return signed, nil
}

// Verify validates a descriptor token presented at join time. Each token is
// accepted once; replays inside the nonce window are rejected.
func (s *Service) Verify(tokenString string) (*Descriptor, error) {
	s.mu.Lock() // full lock, verification records the nonce
	defer s.mu.Unlock()

	claims := &sessionClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.KeyVersion != s.keyVersion {
		return nil, ErrOutdated
	}
	if s.nonceStore.Exists(claims.Nonce, s.config.NonceWindow) {
		return nil, ErrReplayed
	}
	s.nonceStore.Add(claims.Nonce)

	return &Descriptor{
		SessionID: claims.SessionID,
		ViewName:  claims.ViewName,
		Path:      claims.Path,
		Values:    claims.Values,
	}, nil
}

// SignFlash encodes and signs a flash map so it survives a full redirect.
func (s *Service) SignFlash(flash map[string]string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	encoded, err := msgpack.Marshal(flash)
	if err != nil {
		return "", fmt.Errorf("failed to encode flash: %w", err)
	}

	now := time.Now()
	claims := &flashClaims{
		Flash:      encoded,
		KeyVersion: s.keyVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.FlashTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "liveview",
		},
	}

	token := jwt.NewWithClaims(s.algorithm, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign flash: %w", err)
	}
	return signed, nil
}

// VerifyFlash decodes a signed flash token. An expired or foreign flash
// token yields an empty map rather than an error so a stale flash never
// blocks a page load.
func (s *Service) VerifyFlash(tokenString string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claims := &flashClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return map[string]string{}
	}
	if claims.KeyVersion != s.keyVersion {
		return map[string]string{}
	}

	var flash map[string]string
	if err := msgpack.Unmarshal(claims.Flash, &flash); err != nil || flash == nil {
		return map[string]string{}
	}
	return flash
}

func (s *Service) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != s.algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		switch c := token.Claims.(type) {
		case *sessionClaims:
			return s.keyForVersion(c.KeyVersion)
		case *flashClaims:
			return s.keyForVersion(c.KeyVersion)
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrOutdated
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !token.Valid {
		return ErrInvalid
	}
	return nil
}

// keyForVersion selects the verification key matching a token's key version.
// Callers hold s.mu.
func (s *Service) keyForVersion(version int) (interface{}, error) {
	if version == s.keyVersion {
		return s.signingKey, nil
	}
	if key, ok := s.retiredKeys[version]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown key version %d", version)
}

// RotateSigningKey generates a new signing key and bumps the key version.
// Descriptors signed before the rotation verify as outdated, prompting
// clients to reload.
func (s *Service) RotateSigningKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newKey := make([]byte, 32)
	if _, err := rand.Read(newKey); err != nil {
		return fmt.Errorf("failed to generate new signing key: %w", err)
	}

	// Only the immediately previous generation stays verifiable.
	s.retiredKeys = map[int][]byte{s.keyVersion: s.signingKey}
	s.signingKey = newKey
	s.keyVersion++
	return nil
}

// CleanupExpiredNonces removes old nonces to prevent memory leaks.
func (s *Service) CleanupExpiredNonces() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nonceStore.Cleanup(s.config.NonceWindow * 2)
}

// generateNonce creates a cryptographically secure nonce.
func generateNonce() (string, error) {
	bytes := make([]byte, 16) // 128-bit nonce
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
