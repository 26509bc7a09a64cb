// Package token implements the HMAC-signed short-lived capability tokens
// described in spec §4.6: a subject, a capability set, optional constraints,
// and an expiry, signed with a process-wide secret so a holder can prove a
// grant without a round trip to the issuing node. Grounded on the same
// "sign, then verify signature/expiry" shape as session handling in
// tarsy's pkg/api (see handler_auth.go-style bearer checks), generalized to
// HMAC-over-canonical-JSON instead of a bearer passthrough.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/manifest"
)

// MinSecretLen is the smallest accepted process-wide signing secret, matching
// the permissionSecret >= 32 bytes requirement in spec §6.
const MinSecretLen = 32

// Claims is the signed payload of a capability token.
type Claims struct {
	Subject      string                 `json:"subject"`
	Capabilities []manifest.Capability  `json:"capabilities"`
	Constraints  map[string]string      `json:"constraints,omitempty"`
	IssuedAt     time.Time              `json:"issuedAt"`
	ExpiresAt    time.Time              `json:"expiresAt"`
	ID           string                 `json:"id"`
}

// Manager issues and verifies capability tokens and tracks revocations.
// Manager is safe for concurrent use.
type Manager struct {
	secret []byte

	mu       sync.RWMutex
	revoked  map[string]time.Time // token id -> revocation time
	clock    func() time.Time
	idSource func() string
}

// NewManager builds a Manager. secret must be at least MinSecretLen bytes.
func NewManager(secret []byte, idSource func() string) (*Manager, error) {
	if len(secret) < MinSecretLen {
		return nil, apperrors.New(apperrors.Validation, fmt.Sprintf("token secret must be >= %d bytes", MinSecretLen))
	}
	if idSource == nil {
		idSource = defaultIDSource
	}
	return &Manager{
		secret:   append([]byte(nil), secret...),
		revoked:  make(map[string]time.Time),
		clock:    time.Now,
		idSource: idSource,
	}, nil
}

var idCounter uint64
var idCounterMu sync.Mutex

func defaultIDSource() string {
	idCounterMu.Lock()
	idCounter++
	n := idCounter
	idCounterMu.Unlock()
	return fmt.Sprintf("tok-%d", n)
}

// Token is the serialized, signed artifact handed to a holder.
type Token struct {
	Claims    Claims `json:"claims"`
	Signature string `json:"signature"`
}

// Issue mints a signed token for subject with the given capabilities,
// optional constraints, and a ttl bounding its validity.
func (m *Manager) Issue(subject string, caps []manifest.Capability, constraints map[string]string, ttl time.Duration) (Token, error) {
	if subject == "" {
		return Token{}, apperrors.New(apperrors.Validation, "token subject is required")
	}
	if ttl <= 0 {
		return Token{}, apperrors.New(apperrors.Validation, "token ttl must be positive")
	}
	now := m.clock()
	claims := Claims{
		Subject:      subject,
		Capabilities: append([]manifest.Capability(nil), caps...),
		Constraints:  constraints,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		ID:           m.idSource(),
	}
	sig, err := m.sign(claims)
	if err != nil {
		return Token{}, err
	}
	return Token{Claims: claims, Signature: sig}, nil
}

// Verify checks the signature and expiry of t, returning the validated
// claims or an error. Revoked or expired tokens are rejected.
func (m *Manager) Verify(t Token) (Claims, error) {
	expected, err := m.sign(t.Claims)
	if err != nil {
		return Claims{}, err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(t.Signature)) != 1 {
		return Claims{}, apperrors.New(apperrors.Unauthenticated, "capability token signature invalid")
	}
	if m.clock().After(t.Claims.ExpiresAt) {
		return Claims{}, apperrors.New(apperrors.Unauthenticated, "capability token expired")
	}

	m.mu.RLock()
	_, isRevoked := m.revoked[t.Claims.ID]
	m.mu.RUnlock()
	if isRevoked {
		return Claims{}, apperrors.New(apperrors.Unauthenticated, "capability token revoked")
	}
	return t.Claims, nil
}

// Revoke adds a token id to the revocation set. The entry stays until
// PruneRevocations drops it; nothing else removes it.
func (m *Manager) Revoke(tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[tokenID] = m.clock()
}

// IsRevoked reports whether tokenID has been revoked.
func (m *Manager) IsRevoked(tokenID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[tokenID]
	return ok
}

// PruneRevocations drops revocation entries recorded more than olderThan
// ago, bounding the revocation set's memory growth, and returns how many it
// dropped. It goes by revocation time, not token expiry: a pruned token
// whose ExpiresAt has not yet passed verifies again.
func (m *Manager) PruneRevocations(olderThan time.Duration) int {
	cutoff := m.clock().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, at := range m.revoked {
		if at.Before(cutoff) {
			delete(m.revoked, id)
			pruned++
		}
	}
	return pruned
}

func (m *Manager) sign(c Claims) (string, error) {
	canonical, err := json.Marshal(c)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, err)
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(canonical)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
