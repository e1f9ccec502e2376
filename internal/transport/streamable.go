// ABOUTME: Streamable HTTP transport: single-path routing, POST dispatch, SSE streams and lifecycle
// ABOUTME: Session and stream registries are only touched inside the adapter's Synchronize

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/2389/coven-mcp/internal/auth"
	"github.com/2389/coven-mcp/internal/concurrency"
)

// Transport defaults
const (
	DefaultPath              = "/mcp"
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultRetryInterval     = 3 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	streamCompleteDelay      = 100 * time.Millisecond
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

	// errStaleClient means the client was replaced or dropped before the write.
	errStaleClient = errors.New("stream no longer registered")
)

// Config configures a StreamableHTTP transport.
type Config struct {
	// Addr is the listen address used by Start.
	Addr string
	// Path is the MCP endpoint path. Defaults to /mcp.
	Path string

	Handler Handler
	// Adapter defaults to a threaded adapter. Stop shuts it down.
	Adapter concurrency.Adapter

	// AllowedIPs holds addresses or CIDR prefixes; "*" allows any client.
	// Nil means loopback only.
	AllowedIPs []string
	// AllowedOrigins holds hostnames, "*.suffix" patterns or "*". Nil means
	// localhost only.
	AllowedOrigins []string

	SessionTTL time.Duration
	// HousekeepingEvery of zero means the default; negative disables it.
	HousekeepingEvery int
	KeepAliveInterval time.Duration
	RetryInterval     time.Duration
	WriteTimeout      time.Duration

	TLSCertFile string
	TLSKeyFile  string

	Decorators []Decorator
	Routes     []RouteMounter
	Sinks      []EventSink

	Logger *slog.Logger
}

// sseClient is one registered stream.
type sseClient struct {
	sessionID   string
	stream      Stream
	connectedAt time.Time
}

// StreamableHTTP serves MCP over the streamable HTTP transport.
type StreamableHTTP struct {
	addr        string
	path        string
	tlsCertFile string
	tlsKeyFile  string

	handler        Handler
	adapter        concurrency.Adapter
	clock          clockwork.Clock
	logger         *slog.Logger
	allowedIPs     *ipAllowList
	allowedOrigins *originAllowList

	sessionTTL        time.Duration
	housekeepingEvery int
	keepAlive         time.Duration
	retry             time.Duration
	writeTimeout      time.Duration

	sessions concurrency.Map[*Session]
	clients  concurrency.Map[*sseClient]
	requests atomic.Uint64
	running  atomic.Bool

	router   http.Handler
	endpoint Endpoint

	sinks         []EventSink
	events        chan Event
	pumpStop      chan struct{}
	pumpDone      chan struct{}
	droppedEvents atomic.Uint64

	srvMu    sync.Mutex
	server   *http.Server
	listener net.Listener
}

var (
	_ Transport    = (*StreamableHTTP)(nil)
	_ Endpoint     = (*StreamableHTTP)(nil)
	_ http.Handler = (*StreamableHTTP)(nil)
)

// New creates a transport. It serves requests through ServeHTTP immediately;
// Start is only needed to listen on Config.Addr.
func New(cfg Config) (*StreamableHTTP, error) {
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = concurrency.NewThreaded(concurrency.WithLogger(logger))
	}

	ipEntries := cfg.AllowedIPs
	if ipEntries == nil {
		ipEntries = DefaultAllowedIPs
	}
	allowedIPs, err := parseIPAllowList(ipEntries)
	if err != nil {
		return nil, err
	}
	originEntries := cfg.AllowedOrigins
	if originEntries == nil {
		originEntries = DefaultAllowedOrigins
	}

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q must start with /", path)
	}

	t := &StreamableHTTP{
		addr:              cfg.Addr,
		path:              path,
		tlsCertFile:       cfg.TLSCertFile,
		tlsKeyFile:        cfg.TLSKeyFile,
		handler:           cfg.Handler,
		adapter:           adapter,
		clock:             adapter.Clock(),
		logger:            logger.With("component", "transport"),
		allowedIPs:        allowedIPs,
		allowedOrigins:    newOriginAllowList(originEntries),
		sessionTTL:        orDefault(cfg.SessionTTL, DefaultSessionTTL),
		housekeepingEvery: cfg.HousekeepingEvery,
		keepAlive:         orDefault(cfg.KeepAliveInterval, DefaultKeepAliveInterval),
		retry:             orDefault(cfg.RetryInterval, DefaultRetryInterval),
		writeTimeout:      orDefault(cfg.WriteTimeout, DefaultWriteTimeout),
		sessions:          concurrency.NewMap[*Session](adapter),
		clients:           concurrency.NewMap[*sseClient](adapter),
		sinks:             cfg.Sinks,
		events:            make(chan Event, eventQueueSize),
		pumpStop:          make(chan struct{}),
		pumpDone:          make(chan struct{}),
	}
	if t.housekeepingEvery == 0 {
		t.housekeepingEvery = DefaultHousekeepingEvery
	}

	t.endpoint = decorate(t, cfg.Decorators)
	t.router = t.buildRouter(cfg.Routes)
	t.running.Store(true)
	go t.runEventPump()

	return t, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (t *StreamableHTTP) buildRouter(routes []RouteMounter) http.Handler {
	r := chi.NewRouter()
	r.Use(t.withPublisher)
	r.Use(t.securityGate)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return t.allowedOrigins.allowsOrigin(origin)
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "Last-Event-ID",
			HeaderSessionID, HeaderProtocolVersion, headerAltSessionID,
		},
		ExposedHeaders: []string{HeaderSessionID, "WWW-Authenticate"},
		MaxAge:         86400,
	}))

	r.HandleFunc(t.path, t.route)
	r.Get("/health", t.handleHealth)
	for _, m := range routes {
		m.MountRoutes(r)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, nil, CodeMethodNotFound, "Not Found")
	})
	return r
}

func (t *StreamableHTTP) withPublisher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), publisherKey{}, t)))
	})
}

// ServeHTTP implements http.Handler.
func (t *StreamableHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.running.Load() {
		WriteError(w, http.StatusServiceUnavailable, nil, CodeServerError, "Service Unavailable: transport stopped")
		return
	}
	t.router.ServeHTTP(w, r)
}

// Path returns the MCP endpoint path.
func (t *StreamableHTTP) Path() string {
	return t.path
}

// Addr returns the bound listen address once Start has succeeded.
func (t *StreamableHTTP) Addr() net.Addr {
	t.srvMu.Lock()
	defer t.srvMu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *StreamableHTTP) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodOptions:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && accepts(r, eventStreamMediaType):
		t.endpoint.HandleSSEStream(w, r)
	case r.Method == http.MethodPost && accepts(r, jsonMediaType) && accepts(r, eventStreamMediaType):
		t.endpoint.HandleMCPRequest(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		WriteError(w, http.StatusMethodNotAllowed, nil, CodeMethodNotFound, "Method Not Allowed")
	}
}

// accepts requires an explicit Accept header; wildcard ranges count.
func accepts(r *http.Request, mt contenttype.MediaType) bool {
	if strings.TrimSpace(r.Header.Get("Accept")) == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{mt})
	return err == nil
}

func (t *StreamableHTTP) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sessions, streams := t.Counts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"protocol_version": ProtocolVersion,
		"sessions":         sessions,
		"streams":          streams,
	})
}

// HandleMCPRequest processes one JSON-RPC message sent by POST.
func (t *StreamableHTTP) HandleMCPRequest(w http.ResponseWriter, r *http.Request) {
	start := t.clock.Now()
	sess := t.resolveSession(r)
	w.Header().Set(HeaderSessionID, sess.ID)

	fail := func(status int, id json.RawMessage, method string, code int, message string) {
		WriteError(w, status, id, code, message)
		t.recordRequest(r, sess.ID, method, status, start)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		fail(http.StatusBadRequest, nil, "", CodeParseError, "Parse error: failed to read request body")
		return
	}
	if len(body) > MaxRequestBodySize {
		fail(http.StatusRequestEntityTooLarge, nil, "", CodeInvalidRequest, "Invalid Request: body too large")
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		fail(http.StatusBadRequest, nil, "", CodeInvalidRequest, "Invalid Request: batch requests are not supported")
		return
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		fail(http.StatusBadRequest, nil, "", CodeParseError, "Parse error: "+err.Error())
		return
	}
	if msg.JSONRPC != "2.0" {
		fail(http.StatusBadRequest, msg.ID, msg.Method, CodeInvalidRequest, "Invalid Request: jsonrpc must be \"2.0\"")
		return
	}
	isResponse := msg.Method == "" && (msg.Result != nil || msg.Error != nil)
	if msg.Method == "" && !isResponse {
		fail(http.StatusBadRequest, msg.ID, "", CodeInvalidRequest, "Invalid Request: missing method")
		return
	}

	ex := &exchange{t: t, w: w, sessionID: sess.ID}
	ctx := context.WithValue(r.Context(), exchangeKey{}, ex)
	resp, err := t.invoke(ctx, trimmed, normalizeHeaders(r.Header, sess.ID))

	if sr := ex.upgraded(); sr != nil {
		// The stream owns the connection now.
		t.recordRequest(r, sess.ID, msg.Method, http.StatusOK, start)
		if fs, ok := sr.client.stream.(*flushStream); ok {
			t.awaitFlushStream(r, sr.client, fs)
		}
		return
	}

	if err != nil {
		t.logger.Error("handler failed", "method", msg.Method, "session_id", sess.ID, "error", err)
		fail(http.StatusInternalServerError, msg.ID, msg.Method, CodeInternalError, "Internal error: "+err.Error())
		return
	}

	if msg.IsNotification() || isResponse || len(bytes.TrimSpace(resp)) == 0 {
		w.WriteHeader(http.StatusAccepted)
		t.recordRequest(r, sess.ID, msg.Method, http.StatusAccepted, start)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		t.logger.Warn("failed to write response", "session_id", sess.ID, "error", err)
	}
	t.recordRequest(r, sess.ID, msg.Method, http.StatusOK, start)
}

// invoke calls the handler, converting a panic into an error.
func (t *StreamableHTTP) invoke(ctx context.Context, body []byte, headers map[string]string) (resp []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("handler panicked", "panic", p, "stack", string(debug.Stack()))
			resp, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	return t.handler.HandleRequest(ctx, body, headers)
}

func (t *StreamableHTTP) recordRequest(r *http.Request, sessionID, method string, status int, start time.Time) {
	t.logger.Debug("mcp request",
		"method", method,
		"status", status,
		"session_id", sessionID,
	)
	t.publish(Event{
		Type:      EventRequest,
		SessionID: sessionID,
		Method:    method,
		Status:    status,
		Remote:    remoteHost(r),
		Subject:   r.Header.Get(auth.HeaderSubject),
		Duration:  t.clock.Since(start),
	})
}

func normalizeHeaders(h http.Header, sessionID string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	out[strings.ToLower(HeaderSessionID)] = sessionID
	return out
}

// HandleSSEStream opens a server-to-client stream for the request's session.
func (t *StreamableHTTP) HandleSSEStream(w http.ResponseWriter, r *http.Request) {
	sess := t.resolveSession(r)

	stream, err := t.openStream(w, sess.ID)
	if err != nil {
		t.logger.Warn("failed to open stream", "session_id", sess.ID, "error", err)
		return
	}

	c, err := t.attach(sess.ID, stream)
	if err != nil {
		t.logger.Warn("failed to start stream", "session_id", sess.ID, "error", err)
		return
	}
	t.logger.Info("stream opened", "session_id", sess.ID, "remote", remoteHost(r))

	if fs, ok := stream.(*flushStream); ok {
		t.awaitFlushStream(r, c, fs)
	}
}

// awaitFlushStream keeps the handler alive for a ResponseWriter-backed stream.
func (t *StreamableHTTP) awaitFlushStream(r *http.Request, c *sseClient, fs *flushStream) {
	select {
	case <-fs.done:
	case <-r.Context().Done():
		t.detach(c, "client disconnected")
	}
}

// attach registers stream as the session's client, replacing any previous
// one, writes the stream preamble and starts the keep-alive task.
func (t *StreamableHTTP) attach(sessionID string, stream Stream) (*sseClient, error) {
	c := &sseClient{sessionID: sessionID, stream: stream, connectedAt: t.clock.Now()}

	var replaced *sseClient
	var err error
	t.adapter.Synchronize(func() {
		if !t.running.Load() {
			_ = stream.Close()
			err = ErrNotRunning
			return
		}
		if old, ok := t.clients.Load(sessionID); ok {
			replaced = old
			_ = old.stream.Close()
		}
		t.clients.Store(sessionID, c)
		preamble := append(formatComment("connected"), formatRetry(t.retry)...)
		err = t.writeLocked(c, preamble)
	})

	if replaced != nil {
		t.publish(Event{Type: EventStreamClosed, SessionID: sessionID, Reason: "replaced"})
	}
	if err != nil {
		if !errors.Is(err, ErrNotRunning) {
			t.publish(Event{Type: EventStreamClosed, SessionID: sessionID, Reason: "write failed"})
		}
		return nil, err
	}

	t.publish(Event{Type: EventStreamOpened, SessionID: sessionID})
	t.adapter.Go(func(ctx context.Context) {
		t.keepAliveLoop(ctx, c)
	})
	return c, nil
}

func (t *StreamableHTTP) keepAliveLoop(ctx context.Context, c *sseClient) {
	frame := formatComment("keep-alive")
	for {
		if err := t.adapter.Sleep(ctx, t.keepAlive); err != nil {
			return
		}
		if !t.running.Load() {
			return
		}
		var err error
		t.adapter.Synchronize(func() {
			err = t.writeLocked(c, frame)
		})
		if err != nil {
			if !errors.Is(err, errStaleClient) {
				t.streamDropped(c, "keep-alive write failed", err)
			}
			return
		}
	}
}

// writeLocked writes to c if it is still the session's registered client,
// dropping it on failure. Callers hold Synchronize.
func (t *StreamableHTTP) writeLocked(c *sseClient, data []byte) error {
	if cur, ok := t.clients.Load(c.sessionID); !ok || cur != c {
		return errStaleClient
	}
	if err := t.writeClient(c, data); err != nil {
		t.dropLocked(c)
		return err
	}
	return nil
}

func (t *StreamableHTTP) writeClient(c *sseClient, data []byte) error {
	_ = c.stream.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if _, err := c.stream.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamClosed, err)
	}
	return nil
}

// dropLocked closes c and unregisters it if it is still the session's
// client. It reports whether c was unregistered. Callers hold Synchronize.
func (t *StreamableHTTP) dropLocked(c *sseClient) bool {
	removed := false
	if cur, ok := t.clients.Load(c.sessionID); ok && cur == c {
		t.clients.Delete(c.sessionID)
		removed = true
	}
	_ = c.stream.Close()
	return removed
}

// detach closes c. The close is only reported when c was still registered;
// replaced, dropped and shutdown streams were reported already.
func (t *StreamableHTTP) detach(c *sseClient, reason string) {
	var removed bool
	t.adapter.Synchronize(func() {
		removed = t.dropLocked(c)
	})
	if !removed {
		return
	}
	t.logger.Debug("stream closed", "session_id", c.sessionID, "reason", reason)
	t.publish(Event{Type: EventStreamClosed, SessionID: c.sessionID, Reason: reason})
}

func (t *StreamableHTTP) streamDropped(c *sseClient, reason string, err error) {
	t.logger.Info("dropping stream", "session_id", c.sessionID, "reason", reason, "error", err)
	t.publish(Event{Type: EventStreamClosed, SessionID: c.sessionID, Reason: reason})
}

// SendMessage writes msg as an SSE "message" event. With a session id it
// targets that session and reports delivery failure; without one it
// broadcasts best-effort and drops every client whose write fails.
func (t *StreamableHTTP) SendMessage(ctx context.Context, msg any, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.running.Load() {
		return ErrNotRunning
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	frame := formatEvent("message", data)

	if sessionID != "" {
		return t.sendTo(sessionID, frame)
	}

	var dead []*sseClient
	t.adapter.Synchronize(func() {
		t.clients.Range(func(_ string, c *sseClient) bool {
			if err := t.writeClient(c, frame); err != nil {
				dead = append(dead, c)
			}
			return true
		})
		for _, c := range dead {
			t.dropLocked(c)
		}
	})
	for _, c := range dead {
		t.streamDropped(c, "broadcast write failed", nil)
	}
	return nil
}

func (t *StreamableHTTP) sendTo(sessionID string, frame []byte) error {
	var c *sseClient
	var err error
	t.adapter.Synchronize(func() {
		var ok bool
		if c, ok = t.clients.Load(sessionID); !ok {
			err = ErrSessionNotConnected
			return
		}
		err = t.writeLocked(c, frame)
	})
	if err != nil && c != nil && !errors.Is(err, errStaleClient) {
		t.streamDropped(c, "write failed", err)
	}
	return err
}

// Start listens on the configured address and serves in the background.
func (t *StreamableHTTP) Start(ctx context.Context) error {
	if !t.running.Load() {
		return ErrNotRunning
	}

	t.srvMu.Lock()
	defer t.srvMu.Unlock()
	if t.server != nil {
		return errors.New("transport already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.addr, err)
	}

	srv := &http.Server{
		Handler:           t,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(t.logger.Handler(), slog.LevelWarn),
	}
	t.server = srv
	t.listener = ln

	useTLS := t.tlsCertFile != "" && t.tlsKeyFile != ""
	go func() {
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, t.tlsCertFile, t.tlsKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("server stopped", "error", err)
		}
	}()

	t.logger.Info("transport listening",
		"addr", ln.Addr().String(),
		"path", t.path,
		"tls", useTLS,
		"concurrency", t.adapter.Kind().String(),
	)
	return nil
}

// Stop closes every stream, clears both registries, shuts the server down and
// joins all background tasks. No stream is written after it returns.
func (t *StreamableHTTP) Stop(ctx context.Context) error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}

	var result *multierror.Error
	var closed []string
	t.adapter.Synchronize(func() {
		t.clients.Range(func(id string, c *sseClient) bool {
			if err := c.stream.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing stream for session %s: %w", id, err))
			}
			closed = append(closed, id)
			return true
		})
		t.clients.Clear()
		t.sessions.Clear()
	})

	t.srvMu.Lock()
	srv := t.server
	t.srvMu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutting down server: %w", err))
		}
	}

	t.adapter.Shutdown()

	for _, id := range closed {
		t.publish(Event{Type: EventStreamClosed, SessionID: id, Reason: "shutdown"})
	}
	close(t.pumpStop)
	<-t.pumpDone

	if n := t.droppedEvents.Load(); n > 0 {
		t.logger.Warn("events dropped while queue was full", "count", n)
	}
	t.logger.Info("transport stopped", "streams_closed", len(closed))
	return result.ErrorOrNil()
}
