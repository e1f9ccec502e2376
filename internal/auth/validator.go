// ABOUTME: Bearer token validator: JWT signature and claim checks, opaque delegation, scope checks
// ABOUTME: Validate reduces every failure to false and logs the reason

package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// DefaultClockSkew is the leeway applied to exp, nbf and iat.
const DefaultClockSkew = 60 * time.Second

// OpaqueValidator resolves a non-JWT token to its TokenInfo.
type OpaqueValidator interface {
	Introspect(ctx context.Context, token string) (*TokenInfo, error)
}

// OpaqueValidatorFunc adapts a function to OpaqueValidator.
type OpaqueValidatorFunc func(ctx context.Context, token string) (*TokenInfo, error)

// Introspect calls f.
func (f OpaqueValidatorFunc) Introspect(ctx context.Context, token string) (*TokenInfo, error) {
	return f(ctx, token)
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Keys KeySet

	// Algorithms is the allow-list. Empty derives it from Keys. "none" is
	// removed regardless.
	Algorithms []string

	Issuer          string
	Audience        string
	AllowedSubjects []string

	// ClockSkew of zero means DefaultClockSkew; negative disables leeway.
	ClockSkew     time.Duration
	RequireExpiry bool

	Opaque OpaqueValidator
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Validator checks bearer tokens. It is safe for concurrent use.
type Validator struct {
	keys       KeySet
	algorithms []string
	issuer     string
	audience   string
	subjects   []string
	skew       time.Duration
	opaque     OpaqueValidator
	clock      clockwork.Clock
	logger     *slog.Logger
	parser     *jwt.Parser
}

// NewValidator builds a Validator. It fails when no algorithm remains on the
// allow-list and no opaque validator is configured, since such a validator
// could never accept anything.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	v := &Validator{
		keys:     cfg.Keys,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		subjects: cfg.AllowedSubjects,
		skew:     cfg.ClockSkew,
		opaque:   cfg.Opaque,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if v.skew == 0 {
		v.skew = DefaultClockSkew
	} else if v.skew < 0 {
		v.skew = 0
	}
	if v.clock == nil {
		v.clock = clockwork.NewRealClock()
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	v.logger = v.logger.With("component", "auth")

	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = cfg.Keys.DefaultAlgorithms()
	}
	for _, alg := range algs {
		if strings.EqualFold(alg, "none") || slices.Contains(v.algorithms, alg) {
			continue
		}
		v.algorithms = append(v.algorithms, alg)
	}
	if len(v.algorithms) == 0 && v.opaque == nil {
		return nil, errors.New("validator needs signing keys or an opaque token validator")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.algorithms),
		jwt.WithLeeway(v.skew),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if cfg.RequireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	v.parser = jwt.NewParser(opts...)

	return v, nil
}

// Algorithms returns the effective allow-list.
func (v *Validator) Algorithms() []string {
	return slices.Clone(v.algorithms)
}

// Validate reports whether token is acceptable and grants every required
// scope. It never panics or returns an error; the reason for a refusal is
// logged.
func (v *Validator) Validate(ctx context.Context, token string, requiredScopes ...string) bool {
	_, err := v.Verify(ctx, token, requiredScopes...)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrInsufficientScope) {
		v.logger.Warn("token lacks required scope", "required", requiredScopes, "error", err)
	} else {
		v.logger.Info("token rejected", "reason", err)
	}
	return false
}

// Verify validates token and returns its TokenInfo. Failures wrap one of the
// package's sentinel errors.
func (v *Validator) Verify(ctx context.Context, token string, requiredScopes ...string) (info *TokenInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			info = nil
			err = fmt.Errorf("%w: validator panic: %v", ErrInvalidToken, r)
		}
	}()

	if token == "" {
		return nil, ErrMissingToken
	}

	if header, ok := jwtHeader(token); ok {
		info, err = v.verifyJWT(token, header)
	} else {
		info, err = v.verifyOpaque(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	if len(v.subjects) > 0 && !slices.Contains(v.subjects, info.Subject) {
		return nil, fmt.Errorf("%w: %q", ErrSubjectNotAllowed, info.Subject)
	}
	if missing := info.MissingScopes(requiredScopes); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInsufficientScope, strings.Join(missing, " "))
	}
	return info, nil
}

type joseHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// jwtHeader classifies token as a JWT when it has three segments and a
// decodable header naming an algorithm.
func jwtHeader(token string) (joseHeader, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return joseHeader{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[0], "="))
	if err != nil {
		return joseHeader{}, false
	}
	var h joseHeader
	if err := json.Unmarshal(raw, &h); err != nil || h.Alg == "" {
		return joseHeader{}, false
	}
	return h, true
}

func (v *Validator) verifyJWT(token string, header joseHeader) (*TokenInfo, error) {
	// Checked ahead of the parser so algorithm confusion is reported as such
	// rather than as a signature failure.
	if strings.EqualFold(header.Alg, "none") || !slices.Contains(v.algorithms, header.Alg) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, header.Alg)
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keys.keyFor); err != nil {
		return nil, classifyJWTError(err)
	}
	return tokenInfoFromClaims(claims), nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %w", ErrInvalidIssuer, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %w", ErrInvalidAudience, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
}

func (v *Validator) verifyOpaque(ctx context.Context, token string) (*TokenInfo, error) {
	if v.opaque == nil {
		return nil, ErrNoOpaqueValidator
	}
	info, err := v.opaque.Introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: opaque validator returned no token info", ErrInvalidToken)
	}
	if info.Expired(v.clock.Now(), v.skew) {
		return nil, ErrExpiredToken
	}
	if v.issuer != "" && info.Issuer != "" && info.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIssuer, info.Issuer)
	}
	if v.audience != "" && len(info.Audience) > 0 && !info.HasAudience(v.audience) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudience, info.Audience)
	}
	return info, nil
}

// ExtractClaims decodes token's claims without verifying its signature. The
// result is for diagnostics only and must not drive authorization. It returns
// nil when the token cannot be decoded.
func ExtractClaims(token string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}
