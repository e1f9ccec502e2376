// ABOUTME: HS256 development token minting for local testing of OAuth-protected endpoints
// ABOUTME: Not an authorization server; tokens are signed with a shared secret

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// MinSecretLength is the minimum HMAC secret length accepted by NewSigner.
const MinSecretLength = 32

// ErrWeakSecret is returned for secrets shorter than MinSecretLength.
var ErrWeakSecret = errors.New("secret too short")

// Signer mints HS256 tokens.
type Signer struct {
	secret   []byte
	issuer   string
	audience string
	clock    clockwork.Clock
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithIssuer sets the iss claim.
func WithIssuer(iss string) SignerOption {
	return func(s *Signer) { s.issuer = iss }
}

// WithAudience sets the aud claim.
func WithAudience(aud string) SignerOption {
	return func(s *Signer) { s.audience = aud }
}

// WithSignerClock sets the time source for iat and exp.
func WithSignerClock(c clockwork.Clock) SignerOption {
	return func(s *Signer) { s.clock = c }
}

// NewSigner creates a Signer for secret.
func NewSigner(secret []byte, opts ...SignerOption) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	s := &Signer{secret: secret, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign creates a token for subject carrying scopes, valid for ttl.
func (s *Signer) Sign(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	return s.SignClaims(claims)
}

// SignClaims signs claims as given, adding iss and aud when configured and
// absent.
func (s *Signer) SignClaims(claims jwt.MapClaims) (string, error) {
	if _, ok := claims["iss"]; !ok && s.issuer != "" {
		claims["iss"] = s.issuer
	}
	if _, ok := claims["aud"]; !ok && s.audience != "" {
		claims["aud"] = s.audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
