// ABOUTME: Named static bearer tokens from config, each granting a fixed scope set
// ABOUTME: Tokens are kept as bcrypt hashes or compared in constant time when plaintext

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// StaticToken is one configured credential. Exactly one of Token and Hash is
// set.
type StaticToken struct {
	Name   string
	Token  string
	Hash   string
	Scopes []string
}

// StaticTokens manages static bearer tokens.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens []StaticToken
}

// NewStaticTokens creates an empty token set.
func NewStaticTokens() *StaticTokens {
	return &StaticTokens{}
}

// HashToken returns the bcrypt hash to store in config instead of token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}

// Add registers a token, replacing any existing token with the same name.
func (s *StaticTokens) Add(t StaticToken) error {
	if t.Name == "" {
		return errors.New("static token needs a name")
	}
	if (t.Token == "") == (t.Hash == "") {
		return fmt.Errorf("static token %q: set exactly one of token or hash", t.Name)
	}
	if t.Hash != "" {
		if _, err := bcrypt.Cost([]byte(t.Hash)); err != nil {
			return fmt.Errorf("static token %q: hash is not bcrypt: %w", t.Name, err)
		}
	}

	// Copy scopes to avoid aliasing
	t.Scopes = slices.Clone(t.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = slices.DeleteFunc(s.tokens, func(existing StaticToken) bool {
		return existing.Name == t.Name
	})
	s.tokens = append(s.tokens, t)
	return nil
}

// Revoke removes the named token. It reports whether a token was removed.
func (s *StaticTokens) Revoke(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.tokens)
	s.tokens = slices.DeleteFunc(s.tokens, func(t StaticToken) bool {
		return t.Name == name
	})
	return len(s.tokens) != before
}

// Count returns the number of configured tokens.
func (s *StaticTokens) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Authenticate returns the TokenInfo for a matching token. Every entry is
// checked so timing does not reveal which entry matched.
func (s *StaticTokens) Authenticate(token string) (*TokenInfo, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var match *StaticToken
	for i := range s.tokens {
		t := &s.tokens[i]
		var ok bool
		if t.Hash != "" {
			ok = bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(token)) == nil
		} else {
			ok = subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1
		}
		if ok && match == nil {
			match = t
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return &TokenInfo{
		Subject:  match.Name,
		Scopes:   slices.Clone(match.Scopes),
		ClientID: match.Name,
	}, nil
}

// String lists token names for logging without revealing secrets.
func (s *StaticTokens) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.tokens))
	for i, t := range s.tokens {
		names[i] = t.Name
	}
	return "static tokens [" + strings.Join(names, ", ") + "]"
}
