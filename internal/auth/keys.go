// ABOUTME: Verification key material for JWTs: HMAC secret plus RSA, ECDSA and Ed25519 public keys
// ABOUTME: Keys are selected by the token's signing method family and optional kid header

package auth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// PublicKey is an asymmetric verification key, optionally named by key id.
type PublicKey struct {
	ID  string
	Key any // *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey
}

// KeySet is the key material a Validator may verify signatures with.
type KeySet struct {
	HMAC       []byte
	PublicKeys []PublicKey
}

// LoadPublicKeyFile reads a PEM-encoded RSA, ECDSA or Ed25519 public key.
func LoadPublicKeyFile(path, id string) (PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PublicKey{}, fmt.Errorf("reading public key: %w", err)
	}
	return ParsePublicKeyPEM(data, id)
}

// ParsePublicKeyPEM tries each supported key type in turn.
func ParsePublicKeyPEM(data []byte, id string) (PublicKey, error) {
	if k, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return PublicKey{ID: id, Key: k}, nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return PublicKey{ID: id, Key: k}, nil
	}
	if k, err := jwt.ParseEdPublicKeyFromPEM(data); err == nil {
		return PublicKey{ID: id, Key: k}, nil
	}
	return PublicKey{}, fmt.Errorf("unsupported public key %q: not RSA, ECDSA or Ed25519 PEM", id)
}

// DefaultAlgorithms lists the algorithms the configured keys can verify.
func (ks KeySet) DefaultAlgorithms() []string {
	var algs []string
	if len(ks.HMAC) > 0 {
		algs = append(algs, "HS256", "HS384", "HS512")
	}
	var hasRSA, hasEC, hasEd bool
	for _, pk := range ks.PublicKeys {
		switch pk.Key.(type) {
		case *rsa.PublicKey:
			hasRSA = true
		case *ecdsa.PublicKey:
			hasEC = true
		case ed25519.PublicKey:
			hasEd = true
		}
	}
	if hasRSA {
		algs = append(algs, "RS256", "RS384", "RS512", "PS256", "PS384", "PS512")
	}
	if hasEC {
		algs = append(algs, "ES256", "ES384", "ES512")
	}
	if hasEd {
		algs = append(algs, "EdDSA")
	}
	return algs
}

// keyFor picks the verification key for a parsed token. Algorithm allow-listing
// is enforced by the parser; this only matches key type to method family.
func (ks KeySet) keyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)

	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(ks.HMAC) == 0 {
			return nil, fmt.Errorf("no HMAC secret configured")
		}
		return ks.HMAC, nil
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		return ks.find(kid, func(k any) bool { _, ok := k.(*rsa.PublicKey); return ok })
	case *jwt.SigningMethodECDSA:
		return ks.find(kid, func(k any) bool { _, ok := k.(*ecdsa.PublicKey); return ok })
	case *jwt.SigningMethodEd25519:
		return ks.find(kid, func(k any) bool { _, ok := k.(ed25519.PublicKey); return ok })
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

func (ks KeySet) find(kid string, match func(any) bool) (any, error) {
	for _, pk := range ks.PublicKeys {
		if !match(pk.Key) {
			continue
		}
		if kid == "" || pk.ID == kid {
			return pk.Key, nil
		}
	}
	if kid != "" {
		return nil, fmt.Errorf("no key with kid %q", kid)
	}
	return nil, fmt.Errorf("no key for signing method")
}
