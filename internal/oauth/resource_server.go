// ABOUTME: OAuth 2.1 resource server: bearer extraction, HTTPS enforcement and audience binding
// ABOUTME: Maps token verification failures onto 400/401/403/500 OAuth errors

package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"

	"github.com/2389/coven-mcp/internal/auth"
)

// MetadataPath is where the protected resource metadata document is served.
const MetadataPath = "/.well-known/oauth-protected-resource"

// DefaultRealm is used in challenges when none is configured.
const DefaultRealm = "mcp"

// TokenVerifier checks a bearer token. *auth.Validator implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string, requiredScopes ...string) (*auth.TokenInfo, error)
}

// Config configures a ResourceServer.
type Config struct {
	Verifier TokenVerifier

	// Resource is this server's base URL, e.g. https://mcp.example.com.
	Resource string
	// Audiences a token must be bound to. Defaults to Resource. A token
	// matching any entry is accepted.
	Audiences []string
	// SkipAudienceCheck disables audience binding.
	SkipAudienceCheck bool
	// RequireAudience rejects tokens that carry no aud claim. By default
	// binding applies only to tokens that name an audience.
	RequireAudience bool

	RequireHTTPS bool
	// TrustForwardedProto honours X-Forwarded-Proto: https from a proxy.
	TrustForwardedProto bool
	// AllowLoopbackHTTP exempts loopback clients from RequireHTTPS.
	AllowLoopbackHTTP bool

	Realm                 string
	AuthorizationServers  []string
	ScopesSupported       []string
	ResourceName          string
	ResourceDocumentation string

	Logger *slog.Logger
}

// ResourceServer authorizes requests against externally issued tokens.
type ResourceServer struct {
	verifier     TokenVerifier
	audiences    []string
	checkAud     bool
	requireAud   bool
	requireTLS   bool
	trustProto   bool
	loopbackHTTP bool
	realm        string
	metadata     ProtectedResourceMetadata
	metadataURL  string
	logger       *slog.Logger
}

// NewResourceServer validates cfg and builds a ResourceServer.
func NewResourceServer(cfg Config) (*ResourceServer, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	resource := strings.TrimRight(strings.TrimSpace(cfg.Resource), "/")
	if resource == "" {
		return nil, errors.New("resource url is required")
	}
	u, err := url.Parse(resource)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("resource %q must be an absolute url", cfg.Resource)
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("resource %q must not contain a fragment", cfg.Resource)
	}

	audiences := cfg.Audiences
	if len(audiences) == 0 {
		audiences = []string{resource}
	}
	realm := cfg.Realm
	if realm == "" {
		realm = DefaultRealm
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rs := &ResourceServer{
		verifier:     cfg.Verifier,
		audiences:    slices.Clone(audiences),
		checkAud:     !cfg.SkipAudienceCheck,
		requireAud:   cfg.RequireAudience,
		requireTLS:   cfg.RequireHTTPS,
		trustProto:   cfg.TrustForwardedProto,
		loopbackHTTP: cfg.AllowLoopbackHTTP,
		realm:        realm,
		metadataURL:  resource + MetadataPath,
		logger:       logger.With("component", "oauth"),
	}
	rs.metadata = ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   slices.Clone(cfg.AuthorizationServers),
		ScopesSupported:        slices.Clone(cfg.ScopesSupported),
		BearerMethodsSupported: []string{"header"},
		ResourceName:           cfg.ResourceName,
		ResourceDocumentation:  cfg.ResourceDocumentation,
	}
	return rs, nil
}

// Realm returns the challenge realm.
func (rs *ResourceServer) Realm() string {
	return rs.realm
}

// MetadataURL returns the absolute URL of the metadata document.
func (rs *ResourceServer) MetadataURL() string {
	return rs.metadataURL
}

// AuthorizeRequest authenticates r and checks the required scopes. Every
// failure is an *Error.
func (rs *ResourceServer) AuthorizeRequest(r *http.Request, scopes ...string) (info *auth.TokenInfo, err error) {
	defer func() {
		if p := recover(); p != nil {
			info = nil
			err = serverError(fmt.Errorf("panic during authorization: %v", p))
		}
	}()

	if rs.requireTLS && !rs.secure(r) {
		return nil, invalidRequest(http.StatusBadRequest, "HTTPS is required", nil)
	}

	token, err := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			return nil, invalidRequest(http.StatusUnauthorized, "bearer token required", err)
		}
		return nil, invalidRequest(http.StatusUnauthorized, "malformed authorization header", err)
	}

	info, err = rs.verifier.Verify(r.Context(), token, scopes...)
	if err != nil {
		return nil, rs.classify(err, scopes)
	}
	if info == nil {
		return nil, serverError(errors.New("verifier returned no token info"))
	}

	if rs.checkAud {
		if len(info.Audience) == 0 {
			if rs.requireAud {
				return nil, invalidToken("token has no audience", auth.ErrInvalidAudience)
			}
		} else if !slices.ContainsFunc(rs.audiences, info.HasAudience) {
			return nil, invalidToken("token audience does not match this resource", auth.ErrInvalidAudience)
		}
	}
	return info, nil
}

func (rs *ResourceServer) classify(err error, scopes []string) *Error {
	switch {
	case errors.Is(err, auth.ErrInsufficientScope):
		return insufficientScope(scopes, err)
	case errors.Is(err, auth.ErrIntrospection):
		return serverError(err)
	case errors.Is(err, auth.ErrExpiredToken):
		return invalidToken("token expired", err)
	case errors.Is(err, auth.ErrInvalidAudience):
		return invalidToken("token audience does not match this resource", err)
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrMalformedToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrUnsupportedAlgorithm),
		errors.Is(err, auth.ErrInvalidIssuer),
		errors.Is(err, auth.ErrSubjectNotAllowed),
		errors.Is(err, auth.ErrNoOpaqueValidator):
		return invalidToken("token is not valid", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return serverError(err)
	default:
		rs.logger.Error("unexpected token verification error", "error", err)
		return serverError(err)
	}
}

// HasScope reports whether r carries a valid token granting scope. Any
// failure is reported as false.
func (rs *ResourceServer) HasScope(r *http.Request, scope string) bool {
	_, err := rs.AuthorizeRequest(r, scope)
	return err == nil
}

// WriteError sends err as an OAuth error response.
func (rs *ResourceServer) WriteError(w http.ResponseWriter, err error) {
	AsError(err).Write(w, rs.realm, rs.metadataURL)
}

func (rs *ResourceServer) secure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if rs.trustProto && strings.EqualFold(strings.TrimSpace(firstValue(r.Header.Get("X-Forwarded-Proto"))), "https") {
		return true
	}
	return rs.loopbackHTTP && loopbackClient(r)
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return first
}

func loopbackClient(r *http.Request) bool {
	addr, err := netip.ParseAddr(clientHost(r))
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
