// ABOUTME: Assembles the MCP server from config: adapter, tools, auth decorators, journal and metrics
// ABOUTME: Also owns shutdown ordering and the journal retention loop

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/2389/coven-mcp/internal/auth"
	"github.com/2389/coven-mcp/internal/concurrency"
	"github.com/2389/coven-mcp/internal/config"
	"github.com/2389/coven-mcp/internal/mcp"
	"github.com/2389/coven-mcp/internal/metrics"
	"github.com/2389/coven-mcp/internal/oauth"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/transport"
)

const retentionSweepEvery = time.Hour

// server is a fully wired coven-mcp instance.
type server struct {
	transport    *transport.StreamableHTTP
	registry     *mcp.Registry
	journal      store.Store
	introspector *auth.Introspector
	metrics      *metrics.Collector
	authMode     string

	retention time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
}

// buildServer wires every component cfg enables. Nothing listens until
// Start.
func buildServer(cfg *config.Config, logger *slog.Logger, clock clockwork.Clock) (*server, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &server{
		authMode:  "none",
		retention: cfg.Database.Retention.D(),
		clock:     clock,
		logger:    logger,
	}
	built := false
	defer func() {
		if !built {
			_ = s.closeResources()
		}
	}()

	kind, err := concurrency.ParseKind(cfg.Concurrency.Model)
	if err != nil {
		return nil, err
	}

	s.registry = mcp.NewRegistry(logger)
	if cfg.Tools.Builtins {
		if err := s.registry.Register(mcp.Builtins(clock)...); err != nil {
			return nil, fmt.Errorf("registering builtin tools: %w", err)
		}
	}
	dispatcher := mcp.NewDispatcher(mcp.Config{
		Registry:     s.registry,
		ServerInfo:   mcp.ServerInfo{Name: "coven-mcp", Version: version},
		Instructions: cfg.Server.Instructions,
		Logger:       logger,
	})

	var sinks []transport.EventSink
	var routes []transport.RouteMounter
	var decorators []transport.Decorator

	if cfg.Database.Path != "" {
		journal, err := store.NewSQLiteStore(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		s.journal = journal
		sinks = append(sinks, store.NewSink(journal, logger))
	}

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(cfg.Metrics.Path, logger)
		sinks = append(sinks, s.metrics)
		routes = append(routes, s.metrics)
	}

	switch {
	case len(cfg.Auth.Tokens) > 0:
		tokens, err := buildStaticTokens(cfg.Auth.Tokens)
		if err != nil {
			return nil, err
		}
		decorators = append(decorators, transport.Authenticated(tokens, logger))
		s.authMode = fmt.Sprintf("static (%d tokens)", tokens.Count())
	case cfg.OAuth.Enabled:
		validator, introspector, err := buildValidator(cfg, logger, clock)
		if err != nil {
			return nil, err
		}
		s.introspector = introspector
		dec, err := buildOAuth(cfg.OAuth, validator, logger)
		if err != nil {
			return nil, err
		}
		decorators = append(decorators, dec.Decorate)
		routes = append(routes, dec)
		s.authMode = "oauth"
	}

	adapter := concurrency.New(kind, concurrency.WithClock(clock), concurrency.WithLogger(logger))
	tr, err := transport.New(transport.Config{
		Addr:              cfg.Server.Addr,
		Path:              cfg.Server.Path,
		Handler:           dispatcher,
		Adapter:           adapter,
		AllowedIPs:        cfg.Server.AllowedIPs,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		SessionTTL:        cfg.Sessions.TTL.D(),
		HousekeepingEvery: cfg.Sessions.HousekeepingEvery,
		KeepAliveInterval: cfg.Server.KeepAlive.D(),
		RetryInterval:     cfg.Server.Retry.D(),
		WriteTimeout:      cfg.Server.WriteTimeout.D(),
		TLSCertFile:       cfg.Server.TLSCertFile,
		TLSKeyFile:        cfg.Server.TLSKeyFile,
		Decorators:        decorators,
		Routes:            routes,
		Sinks:             sinks,
		Logger:            logger,
	})
	if err != nil {
		adapter.Shutdown()
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	s.transport = tr
	if s.metrics != nil {
		s.metrics.Observe(tr)
	}
	built = true
	return s, nil
}

func buildStaticTokens(entries []config.TokenConfig) (*auth.StaticTokens, error) {
	tokens := auth.NewStaticTokens()
	for _, e := range entries {
		err := tokens.Add(auth.StaticToken{
			Name:   e.Name,
			Token:  e.Token,
			Hash:   e.Hash,
			Scopes: e.Scopes,
		})
		if err != nil {
			return nil, fmt.Errorf("adding token %q: %w", e.Name, err)
		}
	}
	return tokens, nil
}

func buildValidator(cfg *config.Config, logger *slog.Logger, clock clockwork.Clock) (*auth.Validator, *auth.Introspector, error) {
	jwtCfg := cfg.Auth.JWT

	var keys auth.KeySet
	if jwtCfg.HMACSecret != "" {
		keys.HMAC = []byte(jwtCfg.HMACSecret)
	}
	for _, k := range jwtCfg.PublicKeys {
		pk, err := auth.LoadPublicKeyFile(k.Path, k.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading public key %s: %w", k.Path, err)
		}
		keys.PublicKeys = append(keys.PublicKeys, pk)
	}

	vcfg := auth.ValidatorConfig{
		Keys:            keys,
		Algorithms:      jwtCfg.Algorithms,
		Issuer:          jwtCfg.Issuer,
		Audience:        jwtCfg.Audience,
		AllowedSubjects: jwtCfg.AllowedSubjects,
		ClockSkew:       jwtCfg.ClockSkew.D(),
		RequireExpiry:   jwtCfg.RequireExpiry,
		Clock:           clock,
		Logger:          logger,
	}

	var introspector *auth.Introspector
	if ic := cfg.Auth.Introspection; ic.Endpoint != "" {
		var err error
		introspector, err = auth.NewIntrospector(auth.IntrospectorConfig{
			Endpoint:     ic.Endpoint,
			ClientID:     ic.ClientID,
			ClientSecret: ic.ClientSecret,
			CacheTTL:     ic.CacheTTL.D(),
			CacheSize:    ic.CacheSize,
			Clock:        clock,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating introspector: %w", err)
		}
		vcfg.Opaque = introspector
	}

	validator, err := auth.NewValidator(vcfg)
	if err != nil {
		if introspector != nil {
			introspector.Close()
		}
		return nil, nil, fmt.Errorf("creating validator: %w", err)
	}
	return validator, introspector, nil
}

func buildOAuth(cfg config.OAuthConfig, verifier oauth.TokenVerifier, logger *slog.Logger) (*oauth.Decorator, error) {
	scopes := oauth.DefaultScopeMap()
	if cfg.Scopes.Tools != "" {
		scopes.Tools = cfg.Scopes.Tools
	}
	if cfg.Scopes.Resources != "" {
		scopes.Resources = cfg.Scopes.Resources
	}
	if cfg.Scopes.Admin != "" {
		scopes.Admin = cfg.Scopes.Admin
	}
	if cfg.Scopes.Public != nil {
		scopes.Public = cfg.Scopes.Public
	}

	supported := cfg.ScopesSupported
	if len(supported) == 0 {
		supported = scopes.Scopes()
	}

	rs, err := oauth.NewResourceServer(oauth.Config{
		Verifier:              verifier,
		Resource:              cfg.Resource,
		Audiences:             cfg.Audiences,
		SkipAudienceCheck:     cfg.SkipAudienceCheck,
		RequireAudience:       cfg.RequireAudience,
		RequireHTTPS:          cfg.RequireHTTPS,
		TrustForwardedProto:   cfg.TrustForwardedProto,
		AllowLoopbackHTTP:     cfg.AllowLoopbackHTTP,
		Realm:                 cfg.Realm,
		AuthorizationServers:  cfg.AuthorizationServers,
		ScopesSupported:       supported,
		ResourceName:          cfg.ResourceName,
		ResourceDocumentation: cfg.ResourceDocumentation,
		Logger:                logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating resource server: %w", err)
	}
	return oauth.NewDecorator(rs, scopes, logger), nil
}

// Start begins listening and, with a retention configured, pruning the
// journal in the background until ctx ends.
func (s *server) Start(ctx context.Context) error {
	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	if s.journal != nil && s.retention > 0 {
		go s.retentionLoop(ctx, s.journal)
	}
	return nil
}

func (s *server) retentionLoop(ctx context.Context, journal store.Store) {
	s.prune(ctx, journal)
	ticker := s.clock.NewTicker(retentionSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.prune(ctx, journal)
		}
	}
}

func (s *server) prune(ctx context.Context, journal store.Store) {
	cutoff := s.clock.Now().Add(-s.retention)
	if _, err := journal.PruneEvents(ctx, cutoff); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to prune journal", "error", err)
	}
}

// Stop shuts the transport down, then closes the journal so the final
// events are written before the database goes away.
func (s *server) Stop(ctx context.Context) error {
	var result *multierror.Error
	if s.transport != nil {
		if err := s.transport.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping transport: %w", err))
		}
	}
	if err := s.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *server) closeResources() error {
	if s.introspector != nil {
		s.introspector.Close()
		s.introspector = nil
	}
	if s.journal != nil {
		err := s.journal.Close()
		s.journal = nil
		if err != nil {
			return fmt.Errorf("closing journal: %w", err)
		}
	}
	return nil
}
